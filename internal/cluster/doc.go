// Package cluster provides the shared HTTP/JSON helper used for inter-node
// communication in Torua.
//
// # Overview
//
// Torua's control plane (worker registration with the master, control
// commands) is plain HTTP with JSON bodies. This package holds the one
// piece of that shared by both sides: a POST helper with a bounded client
// timeout, so a slow or unreachable peer fails fast instead of hanging a
// caller indefinitely.
//
// # Usage
//
//	err := cluster.PostJSON(ctx, "http://master:8080/register", req, nil)
//	if err != nil {
//	    log.Printf("registration failed: %v", err)
//	}
//
// # See Also
//
// Related packages:
//   - internal/master: coordinator-side registration handling
//   - internal/transport: the worker-to-worker wire protocol this package
//     does not carry (PostJSON is control-plane only)
package cluster
