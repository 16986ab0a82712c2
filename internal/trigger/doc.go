// Package trigger implements the fetch-old/fire-in-order/veto/accumulate
// flow that runs on every write to a local shard.
//
// # Flow
//
//	old value (may be absent)
//	        │
//	        ▼
//	trigger 1.Fire(key, old, proposed) ──veto──► write dropped
//	        │ accept, mutated
//	        ▼
//	trigger 2.Fire(key, old, mutated) ──veto──► write dropped
//	        │ accept, mutated
//	        ▼
//	       ...
//	        │
//	        ▼
//	  accumulator.Merge(old, mutated)
//
// Triggers see the original old value at every step (not the
// previous trigger's mutation of it), but each trigger's output feeds the
// next trigger's proposed input, so triggers compose like a pipeline over
// the value while still each judging against the true prior state.
package trigger
