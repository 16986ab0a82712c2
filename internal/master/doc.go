// Package master implements the Master Runtime (spec.md §4.5): the job
// coordinator that assigns shards to workers, dispatches kernel
// invocations, tracks per-task completion, performs work stealing,
// orchestrates barriers and checkpoints, and drives restore.
//
// Unlike the Worker Runtime, the Master Runtime is not a single
// cooperative loop: spec.md §5 only mandates single-threaded execution
// for Local Shard/Global Table state, which lives on workers. The Master
// holds no shard data, so its state (WorkerState, Shard Assignment,
// in-flight dispatch bookkeeping) is guarded by an ordinary mutex, the
// same style the teacher uses in internal/coordinator's ShardRegistry and
// HealthMonitor.
//
// Dispatch flow, mirroring the teacher's register/health-check HTTP
// handlers collapsed onto the wire protocol instead of a REST API:
//
//	cmd/master admin HTTP   -> Master.AddWorker (records rank, sets Transport peer)
//	Master.RunAll/RunOne/RunRange -> dispatch loop:
//	    ensure/broadcast Shard Assignment
//	    send RUN_KERNEL per task
//	    await KERNEL_DONE per task, steal work from stragglers
//	    sync-broadcast BARRIER once finished == dispatched, if requested
//
// KERNEL_DONE doubles as the liveness signal described in spec.md §4.4
// step 4: a worker sends one with an empty RunID on its heartbeat
// interval even when no task is outstanding, and handleKernelDone updates
// that worker's last-seen time regardless of whether RunID matches a
// dispatch currently in flight.
package master
