// Package scheduler claims ready observation groups from the durable queue
// and drives each one through the pipeline stages with a fixed worker pool.
//
// Workers wake on group.ready events and fall back to polling, so a missed
// event never strands a pending group. Each claimed group resumes from its
// recorded checkpoint, holds the measurement-set lock across mutating
// stages, and registers every artifact a stage produces before the
// checkpoint advances. Stage failures classify into fatal (finish the group
// now) and transient (exponential backoff, bounded retries); a periodic
// reaper returns claims whose workers died without finishing.
//
// Stop is two-phase: claiming halts immediately, in-flight stages get a
// grace period, then their contexts are cancelled and the interrupted
// groups requeue without consuming a retry.
//
// Usage:
//
//	sched := scheduler.New(store, reg, locks, runners, bus, rt, log, m)
//	if err := sched.Start(); err != nil { ... }
//	defer sched.Stop(ctx, 30*time.Second)
package scheduler
