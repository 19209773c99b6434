// Package watcher observes the capture input directory and turns subband
// file arrivals into events for the assembler.
//
// Two sources feed the same path: a startup scan covers files already on
// disk, and fsnotify covers live arrivals. Correlator writes are slow and
// bursty, so each path is debounced while events keep arriving and then
// size-settled (stable size across a probe window) before it is emitted.
// Duplicate emissions are fine; downstream consumers upsert.
//
// Filenames carry the group identity: 2026-08-25T01:02:03_sb00.hdf5 names
// subband 0 of the observation that started at that timestamp. An
// underscore-separated variant of the same timestamp is accepted and
// normalized. Anything else in the directory is ignored.
//
// If the fsnotify stream dies the watcher rebuilds it once, rescanning to
// cover the gap. A second death marks the watcher failed: Status reports
// the reason, a watcher.failed event is published, and the output channel
// closes. The daemon keeps serving; only ingestion stops.
//
// Usage:
//
//	w := watcher.New(rt, bus, log, metrics)
//	files, err := w.Start(ctx)
//	if err != nil {
//		return err
//	}
//	for f := range files {
//		// hand to assembler
//	}
package watcher
