// Package transport implements rank-addressed message delivery between the
// Master and every Worker, over HTTP/JSON.
//
// # Overview
//
// Every process in a job (rank 0 the Master, ranks 1..N-1 Workers) runs
// one Transport. Each Transport knows its own rank and the addresses of
// the peers it needs to talk to; it exposes Send (fire-and-forget),
// SendRecv (blocking request/reply, used for synchronous remote gets),
// and SyncBroadcast (parallel send to every known peer with a join
// barrier, used for checkpoint coordination and quiescence barriers).
//
// # Wire format
//
//	┌──────────────────────────────┐
//	│  POST /rpc                    │
//	│  { "kind": "GET_REQUEST",      │
//	│    "from": 0,                  │
//	│    "payload": { ... } }        │
//	└──────────────────────────────┘
//	              │
//	              ▼
//	     handler registered for
//	     that Kind on the
//	     receiving rank's Transport
//
// A single /rpc endpoint carries every message kind; the Envelope's Kind
// field selects the registered handler, rather than using one URL path
// per message type the way the teacher's coordinator mux does for its
// admin endpoints.
//
// # Concurrency
//
// Handlers run on whatever goroutine net/http schedules an inbound request
// on — never on the caller's single Worker Runtime loop. A handler that
// needs to touch LocalShard or Global Table state must enqueue the work
// for that loop to pick up rather than mutating shared state directly;
// this package only delivers bytes, it does not serialize access to
// anything above it.
package transport
