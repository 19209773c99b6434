// Package control is the HTTP control plane: pipeline status, scheduler
// lifecycle, live configuration, group and product administration, publish
// recovery, pointing history, Prometheus metrics, and a WebSocket event
// stream.
//
// Every mutating endpoint returns only after the underlying store write has
// committed, so an operator script can chain calls without read-your-write
// surprises. Failures use one envelope:
//
//	{"error": {"code": "not_found", "message": "...", "details": {...}}}
//
// with the internal error taxonomy mapped onto statuses: not found is 404,
// refused transitions and conflicts are 409, malformed requests are 400,
// and everything else is 500. Lifecycle verbs (start, stop, pause, resume)
// treat "already there" as a boolean no-op result instead of an error.
//
// Product data IDs are staged filesystem paths and contain slashes;
// clients percent-encode them and the router matches on the raw path, so
// an encoded ID travels as a single path segment.
//
// GET /events upgrades to a WebSocket carrying every pipeline event as
// {"type", "timestamp", "data"}; ?types=group.ready,group.failed narrows
// the stream. Slow consumers are disconnected rather than allowed to
// stall the pipeline, and reconnecting resubscribes.
package control
