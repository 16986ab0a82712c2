// Package kernel implements the application-facing pieces of the Worker
// Runtime: the Kernel interface a user's computation implements, the
// Registry that looks kernels up by name, and the run-time Params a
// dispatched task carries.
//
// This generalizes the original framework's KernelFunction/KernelRegistry/
// REGISTER_KERNEL macro (src/worker/kernel.h) into an explicit Go registry
// populated by calls to Register rather than static initialization order,
// and its MarshalledMap run parameters into a typed Params accessor.
package kernel

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/dreamware/torua/internal/globaltable"
)

// Kernel is a user computation registered under a name and invoked by
// method name against a single shard of a table (a RunKernel task). A
// Kernel instance is constructed once per (kernel name, table id, shard
// id) and reused across tasks against that shard within a run, mirroring
// the original's per-shard kernel instance model.
type Kernel interface {
	// Run executes method with params against whatever tables/shards the
	// kernel instance was constructed to operate on. method names a
	// kernel-specific entry point (e.g. "InitTables", "LeftBPMT");
	// unknown methods should return an error.
	Run(method string, params Params) error
}

// TableAccessor resolves a table id to the caller's GlobalTable handle.
// The Worker Runtime passes its own table-id lookup (never a package
// global) to a Factory at kernel-instance construction time, realizing
// spec.md §9's "explicit Table Registry value threaded through kernel
// invocation context; kernels receive handles, never globals".
type TableAccessor func(tableID uint32) (*globaltable.GlobalTable, error)

// Factory constructs a new Kernel instance bound to tables. Registered
// once per kernel name; invoked once per (table id, shard id) the kernel
// will run against, so a kernel implementation typically closes over the
// specific table ids it needs and resolves them via tables at
// construction time.
type Factory func(tables TableAccessor) Kernel

// Params is a run's parameter bag, as configured by whoever issues the
// RunDescriptor (the equivalent of the original's MarshalledMap /
// get_cp_var style checkpoint variables, generalized to ordinary run
// parameters here).
type Params map[string]string

// String returns the string parameter named key, or def if absent.
func (p Params) String(key, def string) string {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// Int returns the integer parameter named key, or def if absent or
// unparseable.
func (p Params) Int(key string, def int) int {
	v, ok := p[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Float returns the float parameter named key, or def if absent or
// unparseable.
func (p Params) Float(key string, def float64) float64 {
	v, ok := p[key]
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// Registry maps kernel names to their Factory, the Go equivalent of
// REGISTER_KERNEL/KernelRegistry::get_kernel.
type Registry struct {
	mu       sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty kernel Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds factory under name. Registering the same name twice is an
// error, since a worker that resolved a name to the wrong kernel would
// silently run the wrong computation.
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("kernel: %q already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// New constructs a fresh Kernel instance for name bound to tables, or an
// error if name was never registered.
func (r *Registry) New(name string, tables TableAccessor) (Kernel, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("kernel: no kernel registered under name %q", name)
	}
	return factory(tables), nil
}

// RunDescriptor describes one run (a series of tasks over a table's
// shards), the Go equivalent of the original Master::RunDescriptor.
type RunDescriptor struct {
	// KernelName selects the Kernel to construct via the Registry.
	KernelName string
	// Method is the entry point invoked on each task's Kernel instance.
	Method string
	// TableID is the table whose shards this run dispatches tasks over.
	TableID uint32
	// Params carries run-wide parameters, visible to every task's Kernel
	// via Params.
	Params Params
	// Barrier adds a BARRIER sync-broadcast to every worker after all of
	// the run's tasks have reported KERNEL_DONE (spec.md §4.4 step 2), so
	// the run returns only once every worker has drained its buffers. The
	// master waits for every task's completion whether or not it is set.
	Barrier bool
	// CheckpointInterval, if non-zero, requests a checkpoint every N
	// completed tasks during this run (0 disables periodic checkpoints).
	CheckpointInterval int
}
