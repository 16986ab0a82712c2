// Package shard implements the local, single-threaded partition of one
// table's key space that a worker owns, providing accumulator-merged
// writes and delta-log based incremental checkpointing.
//
// # Overview
//
// A LocalShard is the atomic unit of data the Worker Runtime operates on.
// Each shard holds a subset of one table's key space, determined by the
// table's configured Sharder. Unlike a plain key-value store, a shard
// never overwrites a value directly: every write passes through the
// table's Accumulator, which decides how an incoming value combines with
// whatever is already present.
//
// # Architecture
//
//	┌───────────────────────────────────────┐
//	│              LOCAL SHARD               │
//	├───────────────────────────────────────┤
//	│                                       │
//	│  ┌─────────────────────────────────┐  │
//	│  │   storage.Store (byte map)       │  │
//	│  │   - in-memory, one copy per key  │  │
//	│  └─────────────────────────────────┘  │
//	│                 ▲                     │
//	│                 │ merge(old, new)     │
//	│  ┌─────────────────────────────────┐  │
//	│  │   table.Accumulator              │  │
//	│  │   Replace / Min / Max / Sum /    │  │
//	│  │   Custom                         │  │
//	│  └─────────────────────────────────┘  │
//	│                                       │
//	│  ┌─────────────────────────────────┐  │
//	│  │   delta log (between             │  │
//	│  │   BeginDelta/EndDelta)            │  │
//	│  └─────────────────────────────────┘  │
//	│                                       │
//	└───────────────────────────────────────┘
//
// # Key space partitioning
//
// Shard ownership is decided by the table's Sharder, not by this package.
// The default Modulo sharder hashes with FNV-1a and reduces modulo the
// shard count, the same scheme this package's OwnsKey convenience method
// uses directly:
//
//	Total key space (32-bit hash space):
//	[0x00000000 ─────────────────── 0xFFFFFFFF]
//	Shard 0: hash % N == 0
//	Shard 1: hash % N == 1
//	...
//
// # Operations
//
// Update merges an incoming raw value into the current one via the
// table's accumulator. Get reads the current raw value. Remove deletes a
// key unconditionally, bypassing the accumulator, for trigger-driven
// eviction. Iterate walks keys in sorted order for deterministic
// checkpoint output.
//
// # Concurrency model
//
// A LocalShard has no internal locking. It is only ever mutated from the
// single Worker Runtime loop (see internal/worker), which serializes
// local updates, remote update application, and GET_REQUEST handling onto
// one goroutine. This collapses the two-thread network/kernel model with
// its recursive mutex into a single cooperative loop, eliminating that
// lock's race class entirely rather than reproducing it in Go.
package shard
