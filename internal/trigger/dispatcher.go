// Package trigger implements the Trigger Dispatcher component of spec.md
// §4.3: the fetch-old/fire-in-order/veto/accumulate flow that runs on
// every update applied to a local shard.
//
// Triggers themselves (the table.Trigger interface) are declared in
// internal/table, since they are owned by a table's Descriptor; this
// package only holds the dispatch logic and the per-(table, trigger)
// enable/disable state a Master toggles between tasks.
package trigger

import "github.com/dreamware/torua/internal/table"

// Dispatcher runs a table's triggers, in registration order, against each
// update before it reaches the shard's accumulator.
//
// Dispatcher holds no locking of its own: like LocalShard, it is only
// ever driven from the single Worker Runtime loop.
type Dispatcher struct {
	// enabled maps trigger id to whether it currently fires. Absent means
	// enabled (the framework default); explicit false disables it without
	// removing it from the table's descriptor.
	enabled map[string]bool
}

// NewDispatcher returns a Dispatcher with every trigger enabled by
// default.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{enabled: make(map[string]bool)}
}

// SetEnabled toggles one trigger on or off, in response to an
// ENABLE_TRIGGER message from the Master.
func (d *Dispatcher) SetEnabled(triggerID string, enabled bool) {
	d.enabled[triggerID] = enabled
}

func (d *Dispatcher) isEnabled(triggerID string) bool {
	v, ok := d.enabled[triggerID]
	return !ok || v
}

// Run fires every enabled trigger on desc, in order, against (key,
// current, proposed). Each trigger sees the result of the previous
// trigger's mutation. If any trigger vetoes (accept=false), Run stops
// immediately and returns accept=false: the update never reaches the
// shard's accumulator.
//
// Triggers must only call GlobalTable.EnqueueUpdate on any table they
// touch as a side effect (never Update, and never a method that takes the
// GlobalTable's own lock), so that firing here — itself invoked from
// inside LocalShard.Update's caller — never re-enters a locked method.
func (d *Dispatcher) Run(desc *table.Descriptor, key, current, proposed []byte) (accept bool, mutated []byte) {
	mutated = proposed
	for _, trig := range desc.Triggers {
		if !d.isEnabled(trig.ID()) {
			continue
		}
		ok, next := trig.Fire(key, current, mutated)
		if !ok {
			return false, nil
		}
		mutated = next
	}
	return true, mutated
}
