// Package registry provides the durable product registry and the publish
// engine that promotes data products from the staging tier to the published
// tier.
//
// Stage runners register their artifacts here (a measurement set, a
// calibration table, an image, a mosaic) with the staged path doubling as
// the stable data ID. Registration is idempotent; once downstream QA and
// validation settle, [Registry.Finalize] unlocks publishing. The move to the
// published tier is a rename when both tiers share a filesystem and a
// copy-verify-swap when they do not, so a crash can never leave a
// half-visible product at the destination.
//
// Publish attempts are counted. A product that keeps failing is parked as
// max_attempts_exceeded and excluded from retries until an operator steps
// in. Rows caught mid-publish by a crash are resolved on the next Open: a
// complete destination counts as published, anything else as one more
// failed attempt.
//
// Usage:
//
//	reg, err := registry.Open(ctx, dbPath, publishedDir, rt, log, bus)
//
//	dataID, err := reg.Register(ctx, registry.RegisterRequest{
//	    DataType:  registry.TypeImage,
//	    StagePath: "/stage/2026-02-11T04:00:00.img",
//	    GroupID:   "2026-02-11T04:00:00",
//	})
//	_, err = reg.Finalize(ctx, dataID, "pass", "pass")
//	res, err := reg.Publish(ctx, dataID)
package registry
