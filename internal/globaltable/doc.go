// Package globaltable implements the process-wide view of one table,
// routing operations to a local shard or a buffered remote send.
//
// # Overview
//
//	┌─────────────────────────────────────────────┐
//	│                 GLOBAL TABLE                  │
//	├─────────────────────────────────────────────┤
//	│                                               │
//	│  key ──► Descriptor.ShardFor(key) ──► shardID │
//	│                                               │
//	│         local shard?  ───yes──►  LocalShard.* │
//	│              │no                              │
//	│              ▼                                │
//	│     shadow LocalShard (per remote shardID)     │
//	│              │                                 │
//	│       FlushPending ──► Transport.Send          │
//	│                         (PUT_REQUEST)          │
//	└─────────────────────────────────────────────┘
//
// # Buffering
//
// Updates to a non-local shard never go over the wire immediately. They
// accumulate in a shadow LocalShard (same accumulator as the real shard,
// so repeated local buffering of e.g. a Sum table stays correct) until
// the Worker Runtime calls FlushPending between tasks. This mirrors the
// original framework's per-peer pending-write buffer, without its
// explicit 1MB chunk size: the Go HTTP client already streams the
// request body, so one PUT_REQUEST per non-empty shadow shard is enough.
package globaltable
