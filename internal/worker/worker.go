package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/dreamware/torua/internal/ckptstore"
	"github.com/dreamware/torua/internal/config"
	"github.com/dreamware/torua/internal/errs"
	"github.com/dreamware/torua/internal/globaltable"
	"github.com/dreamware/torua/internal/kernel"
	"github.com/dreamware/torua/internal/table"
	"github.com/dreamware/torua/internal/transport"
	"github.com/dreamware/torua/internal/wire"
)

// masterRank is rank 0 in every job (spec.md §2).
const masterRank = 0

// opRequest is a closure handed from a transport handler goroutine to the
// single Run loop goroutine, the generalized form of the teacher's
// request/response HTTP handler collapsed onto one cooperative loop.
type opRequest struct {
	fn   func() (any, error)
	done chan opResult
}

type opResult struct {
	reply any
	err   error
}

// checkpointWindow tracks the single in-flight checkpoint this worker is
// recording a delta log for, between START_CHECKPOINT and
// FINISH_CHECKPOINT (spec.md §4.6). The master never starts a second
// checkpoint before finishing the first, so one field suffices.
type checkpointWindow struct {
	Prefix   string
	Epoch    uint64
	TableIDs []uint32
}

// Worker is the Worker Runtime: one cooperative loop per process,
// executing kernel tasks against its locally assigned shards and
// answering peer traffic for the tables it participates in.
type Worker struct {
	Rank      int
	Transport transport.Transport
	Tables    *table.Registry
	Kernels   *kernel.Registry
	Ckpt      ckptstore.Store
	Cfg       config.Runtime
	Log       *zap.SugaredLogger

	globalTables map[uint32]*globaltable.GlobalTable
	kernelCache  *xsync.MapOf[string, kernel.Kernel]

	ops   chan opRequest
	tasks chan wire.RunKernel

	// currentEpoch is this worker's view of spec.md §2's Worker Runtime
	// state field "epoch": the epoch carried by the most recently
	// dispatched RUN_KERNEL task, stamped onto every globalTables entry
	// so outbound puts and checkpoint fencing agree on it.
	currentEpoch uint64

	checkpoint *checkpointWindow

	stopped    chan struct{}
	stopSignal sync.Once
}

// New returns a Worker ready to have RegisterHandlers and Run called on
// it. tables and kernels must already hold every table descriptor and
// kernel factory this job needs; the Worker Runtime never registers them
// itself (spec.md §9: "kernels receive handles, never globals").
func New(rank int, t transport.Transport, tables *table.Registry, kernels *kernel.Registry, ckpt ckptstore.Store, cfg config.Runtime, log *zap.SugaredLogger) *Worker {
	return &Worker{
		Rank:         rank,
		Transport:    t,
		Tables:       tables,
		Kernels:      kernels,
		Ckpt:         ckpt,
		Cfg:          cfg,
		Log:          log,
		globalTables: make(map[uint32]*globaltable.GlobalTable),
		kernelCache:  xsync.NewMapOf[string, kernel.Kernel](),
		ops:          make(chan opRequest),
		tasks:        make(chan wire.RunKernel, 256),
		stopped:      make(chan struct{}),
	}
}

// stopOnce signals the Run loop to exit; safe to call more than once or
// concurrently (a duplicate WORKER_SHUTDOWN retransmit must not panic on
// a double close).
func (w *Worker) stopOnce() {
	w.stopSignal.Do(func() { close(w.stopped) })
}

// globalTable returns (creating if absent) the GlobalTable handle for
// tableID, backed by the registered Descriptor. Only ever called from the
// Run loop goroutine (directly, or via do's closures), so the map itself
// needs no lock.
func (w *Worker) globalTable(tableID uint32) (*globaltable.GlobalTable, error) {
	if gt, ok := w.globalTables[tableID]; ok {
		return gt, nil
	}
	desc, ok := w.Tables.Lookup(tableID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown table %d", errs.ErrInvariantViolation, tableID)
	}
	gt := globaltable.New(desc, w.Transport, w.Rank)
	gt.SetEpoch(w.currentEpoch)
	w.globalTables[tableID] = gt
	return gt, nil
}

// TableAccessor exposes this worker's table-id lookup as a
// kernel.TableAccessor, so a table's triggers can reach other tables by
// id at Fire time the same way a Kernel does. Safe to call from a Trigger
// because Fire only ever runs synchronously within the Run loop goroutine
// (spec.md §4.3's dispatch happens inside runTask/handlePut, never on a
// transport handler goroutine directly).
func (w *Worker) TableAccessor() kernel.TableAccessor {
	return w.globalTable
}

// do hands fn to the Run loop and blocks for its result, the mechanism
// every synchronous transport handler (PUT, GET, SHARD_ASSIGNMENT,
// ENABLE_TRIGGER, checkpoint/restore, SWAP/CLEAR, BARRIER) uses to touch
// Worker state without racing the loop goroutine.
func (w *Worker) do(ctx context.Context, fn func() (any, error)) (any, error) {
	req := opRequest{fn: fn, done: make(chan opResult, 1)}
	select {
	case w.ops <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.stopped:
		return nil, fmt.Errorf("worker: shutting down")
	}

	select {
	case res := <-req.done:
		return res.reply, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.stopped:
		return nil, fmt.Errorf("worker: shutting down")
	}
}

// Run executes the cooperative loop until ctx is cancelled or a
// WORKER_SHUTDOWN message arrives. It is the single goroutine permitted to
// mutate LocalShard/GlobalTable state on this process (spec.md §5).
func (w *Worker) Run(ctx context.Context) error {
	heartbeat := time.NewTicker(w.Cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	w.Log.Infow("worker runtime starting", "rank", w.Rank)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopped:
			w.Log.Infow("worker runtime stopped")
			return nil
		case req := <-w.ops:
			reply, err := req.fn()
			req.done <- opResult{reply: reply, err: err}
		case t := <-w.tasks:
			w.runTask(ctx, t)
		case <-heartbeat.C:
			w.reportHeartbeat(ctx)
		}
	}
}

// runTask executes one dispatched RUN_KERNEL task to completion: resolve
// the kernel instance, invoke the method, flush every table's outbound
// buffers, then report KERNEL_DONE. All of this runs on the loop
// goroutine, so it never races a concurrently-arriving PUT/GET.
//
// Per spec.md §4.4's task-execution invariant, every send this task
// generated must drain before KERNEL_DONE is emitted, which is why
// flushAllPending runs synchronously before reportDone rather than being
// left to the next heartbeat tick.
func (w *Worker) runTask(ctx context.Context, t wire.RunKernel) {
	log := w.Log.With("run_id", t.RunID, "kernel", t.KernelName, "method", t.Method, "table_id", t.TableID, "shard_id", t.ShardID)

	w.setEpoch(t.Epoch)

	k, err := w.kernelFor(t.KernelName, t.TableID, t.ShardID)
	if err != nil {
		log.Warnw("failed to resolve kernel", "error", err)
		w.reportDone(ctx, t, true, err)
		return
	}

	if err := k.Run(t.Method, kernel.Params(t.Params)); err != nil {
		log.Warnw("kernel task failed", "error", err)
		w.reportDone(ctx, t, true, err)
		if errs.Classify(err) == errs.KindProcessFatal {
			log.Fatalw("invariant violation during kernel task", "error", err)
		}
		return
	}

	if err := w.flushAllPending(ctx); err != nil {
		log.Warnw("failed to flush outbound buffers after task", "error", err)
		w.reportDone(ctx, t, true, err)
		return
	}

	w.reportDone(ctx, t, false, nil)
}

// setEpoch advances this worker's current epoch and propagates it to
// every globalTables entry already created, so a task that writes through
// a table other than the one it was dispatched against (a cross-table
// trigger side effect) still stamps that write at the right epoch.
func (w *Worker) setEpoch(epoch uint64) {
	w.currentEpoch = epoch
	for _, gt := range w.globalTables {
		gt.SetEpoch(epoch)
	}
}

// kernelFor returns the cached Kernel instance for (name, tableID,
// shardID), constructing one via the Registry on first use. Cached
// instances are reused across every subsequent task against that shard,
// matching the original framework's per-shard kernel instance model
// (spec.md §4.4).
func (w *Worker) kernelFor(name string, tableID, shardID uint32) (kernel.Kernel, error) {
	key := fmt.Sprintf("%s|%d|%d", name, tableID, shardID)
	if k, ok := w.kernelCache.Load(key); ok {
		return k, nil
	}
	k, err := w.Kernels.New(name, w.globalTable)
	if err != nil {
		return nil, err
	}
	actual, _ := w.kernelCache.LoadOrStore(key, k)
	return actual, nil
}

// flushAllPending drains every registered table's outbound write buffers,
// not just the table the just-finished task touched, mirroring the
// original framework's NetworkLoop scanning every table each tick
// (SPEC_FULL.md §4, "GetPendingUpdates/per-table outbound work queue").
func (w *Worker) flushAllPending(ctx context.Context) error {
	sendCtx, cancel := context.WithTimeout(ctx, w.Cfg.NetworkTimeout)
	defer cancel()

	for _, desc := range w.Tables.All() {
		gt, err := w.globalTable(desc.TableID)
		if err != nil {
			return err
		}
		if err := gt.FlushPending(sendCtx); err != nil {
			return err
		}
	}
	return nil
}

// hasAnyPending reports whether any registered table still holds buffered
// outbound writes. Nothing in the package calls it; the BARRIER handler
// reaches quiescence by calling flushAllPending before acknowledging.
func (w *Worker) hasAnyPending() bool {
	for _, desc := range w.Tables.All() {
		gt, err := w.globalTable(desc.TableID)
		if err != nil {
			continue
		}
		if gt.HasPending() {
			return true
		}
	}
	return false
}

// reportDone sends a KERNEL_DONE notification to the master,
// fire-and-forget: the master's completion bookkeeping, not an
// acknowledgement round trip, is what advances the run (spec.md §4.5).
func (w *Worker) reportDone(ctx context.Context, t wire.RunKernel, aborted bool, taskErr error) {
	msg := wire.KernelDone{RunID: t.RunID, ShardID: t.ShardID, Aborted: aborted}
	if taskErr != nil {
		msg.Error = taskErr.Error()
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.Cfg.NetworkTimeout)
	defer cancel()
	if err := w.Transport.Send(sendCtx, masterRank, wire.KindKernelDone, msg); err != nil {
		w.Log.Warnw("failed to report kernel done to master", "run_id", t.RunID, "error", err)
	}
}

// reportHeartbeat reports liveness to the master on the configured
// interval (spec.md §4.4 step 4, "approximately every 100ms"). spec.md §6
// defines no dedicated heartbeat wire kind, so this reuses KERNEL_DONE
// with an empty RunID: the Master Runtime's health tracker (spec.md §4.5)
// updates a worker's last-seen time from the Envelope's From field on
// every KERNEL_DONE it receives, whether or not RunID matches a
// currently-dispatched task, rather than requiring a fifteenth kind for
// what is otherwise an ordinary completion report.
func (w *Worker) reportHeartbeat(ctx context.Context) {
	sendCtx, cancel := context.WithTimeout(ctx, w.Cfg.NetworkTimeout)
	defer cancel()

	msg := wire.KernelDone{RunID: "", ShardID: 0, Aborted: false}
	if err := w.Transport.Send(sendCtx, masterRank, wire.KindKernelDone, msg); err != nil {
		w.Log.Debugw("heartbeat send failed", "error", err)
	}
}
