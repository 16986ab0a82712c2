// Package wire defines the envelope types exchanged between the Master and
// Worker runtimes over the Transport, and their JSON codec. It generalizes
// the teacher's RegisterRequest/BroadcastRequest shape (one typed payload
// per message kind) into the closed family of message kinds the table
// engine's runtimes need to agree on.
package wire

import "encoding/json"

// Kind identifies the type of an Envelope's Payload, so a receiver can
// route it to the right handler without type-switching on the payload
// itself.
type Kind string

const (
	KindPutRequest       Kind = "PUT_REQUEST"
	KindGetRequest       Kind = "GET_REQUEST"
	KindGetResponse      Kind = "GET_RESPONSE"
	KindShardAssignment  Kind = "SHARD_ASSIGNMENT"
	KindRunKernel        Kind = "RUN_KERNEL"
	KindKernelDone       Kind = "KERNEL_DONE"
	KindEnableTrigger    Kind = "ENABLE_TRIGGER"
	KindStartCheckpoint  Kind = "START_CHECKPOINT"
	KindFinishCheckpoint Kind = "FINISH_CHECKPOINT"
	KindRestore          Kind = "RESTORE"
	KindSwapTable        Kind = "SWAP_TABLE"
	KindClearTable       Kind = "CLEAR_TABLE"
	KindWorkerShutdown   Kind = "WORKER_SHUTDOWN"
	KindBarrier          Kind = "BARRIER"
)

// Envelope wraps one message kind's payload for transport. Payload is kept
// as json.RawMessage (the teacher's BroadcastRequest pattern) so a
// receiving handler can dispatch on Kind before committing to a concrete
// payload type.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	From    int             `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// Encode marshals payload into an Envelope of the given kind from rank
// `from`.
func Encode(kind Kind, from int, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: kind, From: from, Payload: raw}, nil
}

// Decode unmarshals e's Payload into out.
func Decode(e Envelope, out any) error {
	return json.Unmarshal(e.Payload, out)
}

// PutRequest delivers one or more buffered updates for a table's shard,
// sent by the Global Table's outbound flush (the generalized equivalent of
// the original framework's SendUpdates chunk loop).
type PutRequest struct {
	TableID uint32 `json:"table_id"`
	ShardID uint32 `json:"shard_id"`
	// SourceRank is the sending worker's rank, carried alongside Epoch so
	// the receiver can fence a checkpoint's delta log on the sender's
	// originating epoch rather than its own (spec.md §3's epoch model).
	SourceRank int     `json:"source_rank"`
	Epoch      uint64  `json:"epoch"`
	Entries    []Entry `json:"entries"`
	// Done marks the final chunk of a multi-chunk flush, mirroring the
	// original protocol's chunked update stream terminator.
	Done bool `json:"done"`
}

// Entry is a single (key, value) pair on the wire. A nil Value is a
// tombstone.
type Entry struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

// GetRequest asks the owning shard's worker for the current value of one
// key, used when a kernel calls Get on a key that is not locally owned.
type GetRequest struct {
	TableID uint32 `json:"table_id"`
	ShardID uint32 `json:"shard_id"`
	Key     []byte `json:"key"`
}

// GetResponse answers a GetRequest. Missing is set when the key is absent,
// distinguishing "absent" from "present with a zero-length value".
type GetResponse struct {
	Value   []byte `json:"value"`
	Missing bool   `json:"missing"`
}

// ShardAssignment replicates the master's full shard_id -> rank mapping
// for one table to every worker, replacing any prior assignment for that
// table id. Sent as a sync-broadcast at job start and again whenever work
// stealing moves a shard, so every worker's routing table (not just the
// shard's new owner) stays consistent.
type ShardAssignment struct {
	TableID uint32      `json:"table_id"`
	Owners  map[uint32]int `json:"owners"`
}

// RunKernel instructs a worker to execute one task: the named kernel
// method against a specific shard, carrying the run's parameters.
type RunKernel struct {
	RunID      string            `json:"run_id"`
	KernelName string            `json:"kernel_name"`
	Method     string            `json:"method"`
	TableID    uint32            `json:"table_id"`
	ShardID    uint32            `json:"shard_id"`
	Epoch      uint64            `json:"epoch"`
	Params     map[string]string `json:"params"`
}

// KernelDone reports completion of a RunKernel task. Aborted indicates a
// task-fatal error was hit (spec.md §7); the master logs the abort and
// counts the task as finished for the run's completion, without
// rescheduling it.
type KernelDone struct {
	RunID   string `json:"run_id"`
	ShardID uint32 `json:"shard_id"`
	Aborted bool   `json:"aborted"`
	Error   string `json:"error,omitempty"`
}

// EnableTrigger toggles one table's trigger on or off between tasks.
type EnableTrigger struct {
	TableID   uint32 `json:"table_id"`
	TriggerID string `json:"trigger_id"`
	Enabled   bool   `json:"enabled"`
}

// StartCheckpoint tells every worker to begin recording a delta log for
// the named tables at the given epoch, and (for a full checkpoint) to
// write a base snapshot first.
type StartCheckpoint struct {
	Epoch       uint64   `json:"epoch"`
	TableIDs    []uint32 `json:"table_ids"`
	FullSnapshot bool    `json:"full_snapshot"`
	Prefix      string   `json:"prefix"`
}

// FinishCheckpoint tells every worker to stop recording and flush its
// delta log to disk.
type FinishCheckpoint struct {
	Epoch uint64 `json:"epoch"`
}

// Restore tells every worker to reload its local shards for the given
// tables from the checkpoint at prefix/epoch, replaying any delta files on
// top of the base snapshot.
type Restore struct {
	Epoch    uint64   `json:"epoch"`
	TableIDs []uint32 `json:"table_ids"`
	Prefix   string   `json:"prefix"`
}

// SwapTable tells every worker to exchange the contents of two tables.
type SwapTable struct {
	TableAID uint32 `json:"table_a_id"`
	TableBID uint32 `json:"table_b_id"`
}

// ClearTable tells every worker to empty every local shard of one table.
type ClearTable struct {
	TableID uint32 `json:"table_id"`
}

// WorkerShutdown tells a worker to stop its runtime loop and exit cleanly.
type WorkerShutdown struct {
	Reason string `json:"reason"`
}

// Barrier is a synchronization point sent to every worker; a worker
// replies once it has drained its outbound buffers and has no pending
// task, letting the master know the whole job has reached a quiescent
// point (spec.md §4.4 step 2's barrier rendezvous).
type Barrier struct {
	Epoch uint64 `json:"epoch"`
}
