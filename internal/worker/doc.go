// Package worker implements the Worker Runtime component of spec.md §4.4:
// the per-process loop that drains master commands, executes kernel
// methods against assigned shards, answers peer gets, and flushes
// outbound write buffers.
//
// The original framework interleaves a network thread and a kernel thread
// under locks (worker/worker.cc's NetworkLoop/KernelLoop). spec.md §9
// collapses this into a single cooperative loop; this package realizes
// that as one goroutine's select over three channels:
//
//	┌───────────────────────────────────────────────────────────┐
//	│                         Worker.Run                          │
//	│                                                              │
//	│   ops   ──────▶ select ◀────── tasks                        │
//	│ (sync RPCs:      │                (RUN_KERNEL,               │
//	│  PUT/GET/        │                 executed then              │
//	│  ASSIGN/...)      │                 flushed, KERNEL_DONE       │
//	│                   │                 reported)                 │
//	│                   ▼                                           │
//	│             heartbeat ticker                                  │
//	│          (periodic stats report)                              │
//	└───────────────────────────────────────────────────────────┘
//
// Every transport handler (registered in handlers.go) only ever decodes
// its envelope and hands a closure to the loop via the ops channel (or,
// for RUN_KERNEL, enqueues onto the tasks channel and returns
// immediately) — it never touches a LocalShard or GlobalTable directly,
// preserving the "Local Shards need no internal locking during kernel
// code" invariant of spec.md §5 even though net/http dispatches handlers
// on arbitrary goroutines.
//
// A kernel instance is constructed once per (kernel name, table id, shard
// id) and reused across tasks, cached in a github.com/puzpuzpuz/xsync/v3
// map that is read and written only by kernelFor on the loop goroutine.
package worker
