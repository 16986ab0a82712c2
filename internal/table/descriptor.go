// Package table implements the process-wide Table Descriptor & Registry
// component of spec.md §4: the immutable, per-table configuration (codecs,
// sharding function, accumulator, shard count, trigger list) that every
// worker in a job must hold identically, plus the registry that looks
// descriptors up by table id.
//
// Per spec.md §9, function-pointer accumulators and sharders are
// re-architected as a small closed capability set (accumulator.go,
// sharder.go) instead of erasing types behind raw memory pointers, and
// codecs are exposed as a capability interface (Codec) rather than
// generated per-type glue, so the Global Table can stay polymorphic over
// (K, V) while the wire layer only ever sees bytes.
package table

import (
	"fmt"
	"sync"
)

// Codec converts between a table's key or value type and its wire bytes.
// One Codec instance handles one Go type; a TableDescriptor holds one for
// K and one for V.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(b []byte) (any, error)
}

// Trigger is invoked on every applied update to a local shard. It may veto
// the write by returning accept=false, and may mutate proposed in place
// before accumulation (spec.md §4.3). Trigger is declared here, alongside
// Descriptor, because triggers are owned by their table descriptor; the
// dispatch logic that calls Fire in registration order lives in
// internal/trigger.
type Trigger interface {
	// Fire is called with the key, the shard's current raw value (nil if
	// absent), and the raw proposed value. It returns whether the write
	// should proceed and the (possibly mutated) value to accumulate.
	Fire(key, current, proposed []byte) (accept bool, mutated []byte)

	// ID names the trigger for enable/disable toggling by the master
	// between tasks (spec.md §4.3).
	ID() string
}

// Descriptor is the immutable-after-registration configuration for one
// table. Every worker in a job must construct an identical Descriptor for
// a given TableID (spec.md §3).
type Descriptor struct {
	KeyCodec    Codec
	ValueCodec  Codec
	Shard       Sharder
	Accumulate  Accumulator
	Triggers    []Trigger
	Name        string
	TableID     uint32
	ShardCount  uint32
}

// ShardFor returns the shard id owning key under this descriptor's sharder
// and shard count.
func (d *Descriptor) ShardFor(key []byte) uint32 {
	return d.Shard.Shard(key, d.ShardCount)
}

// Registry is the process-wide mapping from table id to its Descriptor. It
// is populated once at startup (kernel registration time) and treated as
// read-only thereafter by the Worker and Master runtimes, which hold
// non-owning references via table-id lookups rather than global variables
// (spec.md §9: "Re-architect as an explicit Table Registry value threaded
// through kernel invocation context").
type Registry struct {
	tables map[uint32]*Descriptor
	mu     sync.RWMutex
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tables: make(map[uint32]*Descriptor)}
}

// Register adds d to the registry. It returns an error if TableID is
// already registered, since two descriptors for the same id would violate
// the invariant that every worker holds an identical descriptor per table.
func (r *Registry) Register(d *Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tables[d.TableID]; exists {
		return fmt.Errorf("table: id %d already registered", d.TableID)
	}
	r.tables[d.TableID] = d
	return nil
}

// Lookup returns the descriptor for tableID, or nil and false if unknown.
// An unknown table id at the worker or master layer is an InvariantViolation
// (spec.md §7); this method itself stays a plain lookup so callers decide
// how to escalate.
func (r *Registry) Lookup(tableID uint32) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tables[tableID]
	return d, ok
}

// All returns every registered descriptor, in no particular order. Used by
// the Worker Runtime to iterate tables when draining outbound buffers
// (spec.md §4.4 step 3) and by checkpoint/restore when no explicit table
// list is given.
func (r *Registry) All() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Descriptor, 0, len(r.tables))
	for _, d := range r.tables {
		out = append(out, d)
	}
	return out
}
