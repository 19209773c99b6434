// Package assembler correlates per-subband capture files into observation
// groups and promotes groups to the processing queue once complete.
//
// A group is keyed by the observation start timestamp shared by its
// subband filenames. Every arrival upserts the group (creation publishes
// group.created exactly once) and its subband row, then checks the count:
// reaching expected_subbands promotes the group to pending and publishes
// group.ready with reason "complete".
//
// Real captures lose subbands to correlator node failures, so a sweep runs
// every sweep_interval_s: any group still collecting past
// completeness_timeout_s is promoted anyway when it holds at least
// min_subbands (reason "timeout"), and failed with "insufficient subbands"
// when it does not. Imaging with fewer subbands costs sensitivity, not
// correctness.
//
// All promotion paths race with each other and with the control plane
// harmlessly: the queue's transition table arbitrates, and losing the race
// just means someone else promoted first.
package assembler
