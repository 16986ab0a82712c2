package master

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/torua/internal/ckptstore"
	"github.com/dreamware/torua/internal/config"
	"github.com/dreamware/torua/internal/table"
	"github.com/dreamware/torua/internal/transport"
	"github.com/dreamware/torua/internal/wire"
)

// WorkerState tracks one worker rank's dispatch and liveness state, the
// Go equivalent of the teacher's NodeHealth generalized with task timing
// (spec.md §4.5: "list of WorkerState (rank, current-task, task-history
// timing)").
type WorkerState struct {
	Rank int
	Addr string

	// CurrentShards is the set of shard ids this worker has outstanding
	// tasks for in the run currently being dispatched, empty when idle.
	CurrentShards map[uint32]bool

	// AvgTaskTime is an exponential moving average of this worker's
	// completed task durations, used by the work-stealing check.
	AvgTaskTime time.Duration

	LastSeen          time.Time
	ConsecutiveMisses int
	Failed            bool
}

// emaAlpha weights the most recent task duration against history when
// updating a WorkerState's AvgTaskTime.
const emaAlpha = 0.3

func (w *WorkerState) recordTaskDuration(d time.Duration) {
	if w.AvgTaskTime == 0 {
		w.AvgTaskTime = d
		return
	}
	w.AvgTaskTime = time.Duration(emaAlpha*float64(d) + (1-emaAlpha)*float64(w.AvgTaskTime))
}

// Master is the Master Runtime: rank 0 in every job (spec.md §2).
type Master struct {
	Transport transport.Transport
	Tables    *table.Registry
	Ckpt      ckptstore.Store
	Cfg       config.Runtime
	Log       *zap.SugaredLogger

	mu         sync.Mutex
	workers    map[int]*WorkerState
	assignment map[uint32]map[uint32]int // tableID -> shardID -> rank

	checkpointEpoch uint64

	// checkpointVars holds scalar job state (e.g. a loop counter) that
	// survives a restore alongside table contents, the Go equivalent of
	// the original framework's Master::get_cp_var/flush_cp_var
	// (master/master.h). Persisted into a checkpoint's manifest Params
	// and restored from it, so a long-running job can resume where it
	// left off, not just its tables.
	checkpointVars map[string]string

	// dispatchDone receives every KERNEL_DONE the transport layer hands
	// to handleKernelDone while a dispatch loop is in flight. nil between
	// runs; only one run dispatches at a time.
	dispatchDone chan wire.KernelDone
	dispatchMu   sync.Mutex
}

// New returns a Master ready to have RegisterHandlers called on it.
func New(t transport.Transport, tables *table.Registry, ckpt ckptstore.Store, cfg config.Runtime, log *zap.SugaredLogger) *Master {
	return &Master{
		Transport:  t,
		Tables:     tables,
		Ckpt:       ckpt,
		Cfg:        cfg,
		Log:        log,
		workers:        make(map[int]*WorkerState),
		assignment:     make(map[uint32]map[uint32]int),
		checkpointVars: make(map[string]string),
	}
}

// GetCheckpointVar returns the named checkpoint variable and whether it
// was set, either by a prior PutCheckpointVar this run or by the most
// recent Restore.
func (m *Master) GetCheckpointVar(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.checkpointVars[key]
	return v, ok
}

// PutCheckpointVar records a scalar value of job-wide state (e.g. a loop
// counter) that the next Checkpoint call persists into its manifest's
// Params, so a subsequent Restore can recover it via GetCheckpointVar.
func (m *Master) PutCheckpointVar(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpointVars[key] = value
}

// RegisterHandlers installs this Master as the handler for every inbound
// message kind the Master Runtime must answer. Must be called before
// Transport.Serve.
func (m *Master) RegisterHandlers() {
	m.Transport.RegisterHandler(wire.KindKernelDone, m.handleKernelDone)
}

// AddWorker records a worker's address and marks it live, the Go
// equivalent of the teacher's /register admin endpoint populating the
// node registry. cmd/master's HTTP handler calls this once per incoming
// worker registration.
func (m *Master) AddWorker(rank int, addr string) {
	m.Transport.SetPeer(rank, addr)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[rank] = &WorkerState{
		Rank:          rank,
		Addr:          addr,
		CurrentShards: make(map[uint32]bool),
		LastSeen:      time.Now(),
	}
}

// Workers returns a snapshot of every known worker's state.
func (m *Master) Workers() []WorkerState {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]WorkerState, 0, len(m.workers))
	for _, w := range m.workers {
		cp := *w
		cp.CurrentShards = make(map[uint32]bool, len(w.CurrentShards))
		for s := range w.CurrentShards {
			cp.CurrentShards[s] = true
		}
		out = append(out, cp)
	}
	return out
}

// liveWorkerRanks returns the ranks of every worker not currently marked
// failed, in ascending order, the pool the shard assignment policy
// distributes across.
func (m *Master) liveWorkerRanks() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveWorkerRanksLocked()
}

// handleKernelDone processes a worker's KERNEL_DONE report. An empty
// RunID is a heartbeat (spec.md §4.4 step 4); any RunID updates the
// sender's last-seen time regardless of whether a dispatch loop is
// currently waiting on it, and is additionally forwarded to that loop's
// channel if one is active.
func (m *Master) handleKernelDone(ctx context.Context, env wire.Envelope) (any, error) {
	var msg wire.KernelDone
	if err := wire.Decode(env, &msg); err != nil {
		return nil, fmt.Errorf("master: decoding kernel done: %v", err)
	}

	m.mu.Lock()
	if w, ok := m.workers[env.From]; ok {
		w.LastSeen = time.Now()
		w.ConsecutiveMisses = 0
		if w.Failed {
			m.Log.Infow("worker recovered", "rank", env.From)
			w.Failed = false
		}
	}
	m.mu.Unlock()

	if msg.RunID == "" {
		return nil, nil
	}

	m.dispatchMu.Lock()
	ch := m.dispatchDone
	m.dispatchMu.Unlock()
	if ch != nil {
		select {
		case ch <- msg:
		case <-ctx.Done():
		}
	}
	return nil, nil
}
