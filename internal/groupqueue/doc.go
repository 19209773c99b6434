// Package groupqueue provides the durable observation group queue backed by
// sqlite in WAL mode.
//
// An observation group collects the subband files sharing one observation
// timestamp. The assembler creates groups as files arrive and promotes them
// to pending when complete (or when the completeness timer fires with enough
// subbands); scheduler workers claim pending groups one at a time and drive
// them through the pipeline.
//
// The core type is [Store]. Every state transition is a single guarded
// UPDATE, so concurrent workers sharing the database always hand out
// distinct groups and never corrupt the state machine. Failed stage runs
// requeue the group behind a persisted not_before backoff gate, which means
// process restarts honor in-flight backoff too.
//
// Usage:
//
//	store, err := groupqueue.Open(ctx, "/var/lib/meridian/queue.db", log)
//
//	// Assembler side
//	created, err := store.CreateOrTouch(ctx, groupID, 16)
//	err = store.AddSubband(ctx, groupID, 3, path, size)
//	prev, err := store.SetState(ctx, groupID, groupqueue.StatePending, "")
//
//	// Worker side
//	group, err := store.ClaimOneReady(ctx)
//	if errors.Is(err, errors.ErrQueueEmpty) {
//	    // wait for a kick
//	}
package groupqueue
