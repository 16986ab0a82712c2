// Package errs implements the error taxonomy and propagation policy of the
// table engine: which failures are values to surface to callers, which
// abort the current task, which abort the whole run, and which are fatal
// to the process.
package errs

import "errors"

// Sentinel errors for the taxonomy. Call sites compare against these with
// errors.Is; wrapped forms (via fmt.Errorf("...: %w", ...)) still classify
// correctly.
var (
	// ErrMissingKey is returned by Get when the key is absent. Non-fatal;
	// callers see it as an ordinary error value.
	ErrMissingKey = errors.New("torua: missing key")

	// ErrNotLocalShard is returned when code calls a local-only operation
	// (iterate, get_local) against a shard this process does not own.
	// Programming error: the owning task should abort.
	ErrNotLocalShard = errors.New("torua: shard is not local to this rank")

	// ErrDecode marks a malformed message or checkpoint file. The message
	// is dropped and a stat counter incremented; processing continues.
	ErrDecode = errors.New("torua: decode error")

	// ErrSendTimeout marks an outbound send that exceeded the network
	// timeout. The send is cancelled; the application-level convergence
	// loop, not the transport, is responsible for retrying.
	ErrSendTimeout = errors.New("torua: send timed out")

	// ErrPeerUnreachable marks a transport-level rejection (connection
	// refused, DNS failure, ...). Treated identically to ErrSendTimeout.
	ErrPeerUnreachable = errors.New("torua: peer unreachable")

	// ErrCheckpointIO marks a failure while writing or reading checkpoint
	// data. The checkpoint attempt is aborted without advancing into a
	// committed state; the run that requested it aborts too.
	ErrCheckpointIO = errors.New("torua: checkpoint I/O error")

	// ErrInvariantViolation marks a structural impossibility (assignment
	// mismatch, unknown table id, trigger recursion depth exceeded). Fatal
	// to the worker process.
	ErrInvariantViolation = errors.New("torua: invariant violation")
)

// Kind classifies an error for the purposes of the propagation policy in
// spec.md §7: transient errors surface as values or counters, structural
// errors abort the local task, checkpoint errors abort the run, invariant
// violations abort the process.
type Kind int

const (
	// KindUnknown is returned for errors with no classification; callers
	// should treat these conservatively, the same as KindTransient.
	KindUnknown Kind = iota
	// KindTransient errors are logged/counted and do not interrupt the
	// caller's control flow (MissingKey, SendTimeout, PeerUnreachable,
	// DecodeError).
	KindTransient
	// KindTaskFatal errors abort the current task (NotLocalShard).
	KindTaskFatal
	// KindRunFatal errors abort the current run (CheckpointIOError).
	KindRunFatal
	// KindProcessFatal errors are fatal to the worker process
	// (InvariantViolation).
	KindProcessFatal
)

// Classify maps err to its Kind by walking errors.Is against the sentinel
// taxonomy. Unrecognized errors classify as KindUnknown.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrMissingKey), errors.Is(err, ErrSendTimeout),
		errors.Is(err, ErrPeerUnreachable), errors.Is(err, ErrDecode):
		return KindTransient
	case errors.Is(err, ErrNotLocalShard):
		return KindTaskFatal
	case errors.Is(err, ErrCheckpointIO):
		return KindRunFatal
	case errors.Is(err, ErrInvariantViolation):
		return KindProcessFatal
	default:
		return KindUnknown
	}
}
