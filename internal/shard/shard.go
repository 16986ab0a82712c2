// Package shard implements the Local Shard component: the single-threaded,
// accumulator-merged key/value partition that backs one shard of one table
// on the worker that owns it.
//
// A LocalShard never applies a raw value to a key directly. Every write,
// whether it comes from a local kernel call or from a delivered remote
// update, is merged through the table's Accumulator against whatever value
// (if any) is already present, so last-writer-wins, min/max, and sum
// semantics are enforced in exactly one place. This generalizes the
// teacher's Shard.Put (a bare overwrite) into a merge, and keeps the
// consistent-hash ownership check (OwnsKey) that routed requests in the
// original.
package shard

import (
	"hash/fnv"
	"sort"
	"sync/atomic"

	"github.com/dreamware/torua/internal/storage"
	"github.com/dreamware/torua/internal/table"
)

// Stats tracks per-shard operation counters with plain atomics. A
// LocalShard's mutating methods are only ever called from the single
// Worker Runtime loop, so no mutex is needed around the counters or the
// underlying map operations; puzpuzpuz/xsync's lock-free map is used only
// for the Worker's kernel-instance cache.
type Stats struct {
	Gets    atomic.Uint64
	Updates atomic.Uint64
	Misses  atomic.Uint64
}

// Snapshot is a point-in-time copy of Stats, safe to log or serialize.
type Snapshot struct {
	Gets    uint64
	Updates uint64
	Misses  uint64
}

func (s *Stats) snapshot() Snapshot {
	return Snapshot{
		Gets:    s.Gets.Load(),
		Updates: s.Updates.Load(),
		Misses:  s.Misses.Load(),
	}
}

// Entry is a single (key, value) pair, used for snapshots, delta logs, and
// iteration. A nil Value represents a tombstone (deleted key) in a delta
// log; it never appears in a full Snapshot.
type Entry struct {
	Key   []byte
	Value []byte
}

// LocalShard is one shard of one table's data on the worker that owns it.
// It stores raw (key, value) bytes in a storage.Store and, between
// BeginDelta/EndDelta, keeps an in-memory log of updates applied since the
// last checkpoint for incremental checkpointing.
type LocalShard struct {
	store   storage.Store
	accum   table.Accumulator
	delta   []Entry
	trigger TriggerFunc

	Stats Stats

	TableID uint32
	ID      uint32

	recordingDelta bool
	// deltaFenceEpoch is the checkpoint epoch a recording window was
	// opened at. Per spec.md §4.6 step 2, only applied writes whose
	// originating epoch predates this one are tee'd into the delta log;
	// writes from the new epoch belong to the next checkpoint instead.
	deltaFenceEpoch uint64
}

// TriggerFunc runs a table's trigger chain against a proposed write before
// it reaches the accumulator. It returns whether the write should proceed
// and the (possibly mutated) value to merge. A LocalShard with no
// TriggerFunc set (the default for shadow buffers used to stage remote
// updates) applies every write unconditionally, since trigger semantics
// belong to the table's real local shards, not to outbound buffering.
type TriggerFunc func(key, current, proposed []byte) (accept bool, mutated []byte)

// SetTrigger installs fn as this shard's trigger chain. Called once by the
// Global Table when it creates a real local shard via AssignLocal; shadow
// buffers created for non-local shards are never given one.
func (s *LocalShard) SetTrigger(fn TriggerFunc) {
	s.trigger = fn
}

// New returns an empty LocalShard for the given table and shard id, backed
// by an in-memory store, merging every write through accum.
func New(tableID, shardID uint32, accum table.Accumulator) *LocalShard {
	return &LocalShard{
		TableID: tableID,
		ID:      shardID,
		store:   storage.NewMemoryStore(),
		accum:   accum,
	}
}

// OwnsKey reports whether key hashes to this shard's ID under shardCount
// via FNV-1a modulo hashing, the framework's default Modulo sharder. It is
// provided here as a convenience for code that already has a LocalShard in
// hand and wants a quick local check; routing decisions that must agree
// with a table's configured (possibly non-default) sharder should use
// table.Descriptor.ShardFor instead.
func (s *LocalShard) OwnsKey(key string, shardCount uint32) bool {
	if shardCount == 0 {
		return false
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()%shardCount == s.ID
}

// Get returns the raw value for key, or ok=false if absent.
func (s *LocalShard) Get(key string) (value []byte, ok bool) {
	s.Stats.Gets.Add(1)
	v, err := s.store.Get(key)
	if err != nil {
		s.Stats.Misses.Add(1)
		return nil, false
	}
	return v, true
}

// Update runs the shard's trigger chain (if any) against incoming, then
// merges the (possibly trigger-mutated) value into the current value for
// key via the shard's accumulator and stores the merged result. A veto
// from any trigger drops the write entirely: nothing is stored and
// nothing is added to the delta log. epoch is the epoch this write
// originated at (the local worker's current task epoch for a same-rank
// write, or the sender's epoch for one delivered by PUT_REQUEST); while
// delta recording is active, only a write whose epoch predates the
// recording window's fence is appended to the delta log (spec.md §4.6
// step 2).
func (s *LocalShard) Update(key string, incoming []byte, epoch uint64) {
	old, _ := s.store.Get(key)

	proposed := incoming
	if s.trigger != nil {
		accept, mutated := s.trigger([]byte(key), old, incoming)
		if !accept {
			return
		}
		proposed = mutated
	}

	s.Stats.Updates.Add(1)
	merged := s.accum.Merge(old, proposed)
	_ = s.store.Put(key, merged)

	if s.recordingDelta && epoch < s.deltaFenceEpoch {
		s.delta = append(s.delta, Entry{Key: []byte(key), Value: merged})
	}
}

// Remove deletes key unconditionally, bypassing the accumulator. Used for
// trigger-driven eviction, where a trigger enqueues removal of a
// superseded value before enqueuing its replacement elsewhere.
func (s *LocalShard) Remove(key string) {
	_ = s.store.Delete(key)
	if s.recordingDelta {
		s.delta = append(s.delta, Entry{Key: []byte(key), Value: nil})
	}
}

// Size returns the number of keys currently held.
func (s *LocalShard) Size() int {
	return s.store.Stats().Keys
}

// Clear removes every key from the shard and discards any pending delta
// log. Used by the CLEAR_TABLE broadcast and by restore before replaying a
// snapshot.
func (s *LocalShard) Clear() {
	for _, k := range s.store.List() {
		_ = s.store.Delete(k)
	}
	s.delta = nil
}

// Iterator walks a shard's keys in sorted order, so checkpoints and
// get_iterator-driven kernels see deterministic output across runs.
type Iterator struct {
	keys []string
	pos  int
	s    *LocalShard
}

// Iterate returns a fresh Iterator snapshotting the shard's current key set
// in sorted order. The snapshot is taken at call time; concurrent deletes
// are tolerated by skipping missing keys during Next.
func (s *LocalShard) Iterate() *Iterator {
	keys := s.store.List()
	sort.Strings(keys)
	return &Iterator{keys: keys, s: s}
}

// Next advances the iterator, returning ok=false once exhausted.
func (it *Iterator) Next() (key string, value []byte, ok bool) {
	for it.pos < len(it.keys) {
		k := it.keys[it.pos]
		it.pos++
		v, err := it.s.store.Get(k)
		if err != nil {
			continue
		}
		return k, v, true
	}
	return "", nil, false
}

// BeginDelta starts recording into the in-memory delta log for the window
// between a checkpoint's start and finish, fenced at epoch: only a
// subsequent Update whose originating epoch is older than epoch is
// actually appended (spec.md §4.6 step 2); Remove always records, since an
// eviction has no originating epoch of its own to fence on.
func (s *LocalShard) BeginDelta(epoch uint64) {
	s.recordingDelta = true
	s.deltaFenceEpoch = epoch
	s.delta = s.delta[:0]
}

// EndDelta stops recording and returns the accumulated delta entries,
// ready for serialization to a delta file.
func (s *LocalShard) EndDelta() []Entry {
	s.recordingDelta = false
	out := make([]Entry, len(s.delta))
	copy(out, s.delta)
	s.delta = nil
	return out
}

// Snapshot returns every (key, value) pair currently in the shard, in
// sorted key order, suitable for writing a full checkpoint snapshot file.
func (s *LocalShard) Snapshot() []Entry {
	it := s.Iterate()
	var out []Entry
	for {
		k, v, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, Entry{Key: []byte(k), Value: v})
	}
	return out
}

// LoadSnapshot replaces the shard's contents with entries, bypassing the
// accumulator: a snapshot file holds already-merged values, so loading one
// must not re-merge them.
func (s *LocalShard) LoadSnapshot(entries []Entry) {
	s.Clear()
	for _, e := range entries {
		_ = s.store.Put(string(e.Key), e.Value)
	}
}

// ApplyDeltaAsReplace replays delta entries through plain replacement
// rather than the shard's configured accumulator. This is the framework's
// fixed restore policy: replaying a Sum delta through Sum again would
// double-count every value recorded since the base snapshot, so restore
// always treats delta entries as last-writer-wins regardless of the
// table's live accumulator.
func (s *LocalShard) ApplyDeltaAsReplace(entries []Entry) {
	for _, e := range entries {
		if e.Value == nil {
			_ = s.store.Delete(string(e.Key))
			continue
		}
		_ = s.store.Put(string(e.Key), e.Value)
	}
}

// StatsSnapshot returns a point-in-time copy of the shard's counters.
func (s *LocalShard) StatsSnapshot() Snapshot {
	return s.Stats.snapshot()
}
