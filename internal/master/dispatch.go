package master

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/torua/internal/kernel"
	"github.com/dreamware/torua/internal/wire"
)

// stealCheckInterval is how often the dispatch loop looks for a worker
// to steal work from while a run is in flight.
const stealCheckInterval = 250 * time.Millisecond

// dispatchedTask is the master's bookkeeping for one shard's task within
// a run, the Go equivalent of spec.md §3's Task lifecycle entry.
type dispatchedTask struct {
	ShardID    uint32
	Rank       int
	StartedAt  time.Time
	Superseded bool
}

// RunAll dispatches desc against every shard of its locality table
// (spec.md §4.5 "run_all").
func (m *Master) RunAll(ctx context.Context, desc kernel.RunDescriptor) error {
	dtor, ok := m.Tables.Lookup(desc.TableID)
	if !ok {
		return fmt.Errorf("master: unknown table %d", desc.TableID)
	}
	shards := make([]uint32, dtor.ShardCount)
	for i := range shards {
		shards[i] = uint32(i)
	}
	return m.dispatch(ctx, desc, shards)
}

// RunOne dispatches desc against a single arbitrary shard of its
// locality table (spec.md §4.5 "run_one"), used for single-shot setup
// kernels like InitTables.
func (m *Master) RunOne(ctx context.Context, desc kernel.RunDescriptor) error {
	return m.dispatch(ctx, desc, []uint32{0})
}

// RunRange dispatches desc against the caller-chosen shard set shards
// (spec.md §4.5 "run_range").
func (m *Master) RunRange(ctx context.Context, desc kernel.RunDescriptor, shards []uint32) error {
	return m.dispatch(ctx, desc, shards)
}

// dispatch implements spec.md §4.5's dispatch algorithm: compute the task
// list, broadcast shard assignment if it changed, send RUN_KERNEL to
// each task's owner, then loop awaiting KERNEL_DONE while performing
// work stealing, finishing with an optional barrier.
func (m *Master) dispatch(ctx context.Context, desc kernel.RunDescriptor, shards []uint32) error {
	dtor, ok := m.Tables.Lookup(desc.TableID)
	if !ok {
		return fmt.Errorf("master: unknown table %d", desc.TableID)
	}

	owners, created, err := m.ensureAssignment(desc.TableID, dtor.ShardCount)
	if err != nil {
		return err
	}
	if created {
		if err := m.broadcastAssignment(ctx, desc.TableID, owners); err != nil {
			return fmt.Errorf("master: broadcasting shard assignment: %w", err)
		}
	}

	runID := uuid.NewString()
	tasks := make(map[uint32]*dispatchedTask, len(shards))
	for _, shardID := range shards {
		rank, ok := owners[shardID]
		if !ok {
			return fmt.Errorf("master: shard %d of table %d has no owner", shardID, desc.TableID)
		}
		tasks[shardID] = &dispatchedTask{ShardID: shardID, Rank: rank}
	}

	if err := m.sendTasks(ctx, runID, desc, tasks); err != nil {
		return err
	}

	done := make(chan wire.KernelDone, len(tasks)*2)
	m.dispatchMu.Lock()
	m.dispatchDone = done
	m.dispatchMu.Unlock()
	defer func() {
		m.dispatchMu.Lock()
		m.dispatchDone = nil
		m.dispatchMu.Unlock()
	}()

	if err := m.awaitCompletion(ctx, runID, desc, tasks, done); err != nil {
		return err
	}

	if desc.Barrier {
		if err := m.Transport.SyncBroadcast(ctx, wire.KindBarrier, wire.Barrier{Epoch: m.checkpointEpoch}); err != nil {
			return fmt.Errorf("master: barrier: %w", err)
		}
	}
	return nil
}

// sendTasks sends one RUN_KERNEL message per task to its assigned
// worker and marks that worker's CurrentShards/start time.
func (m *Master) sendTasks(ctx context.Context, runID string, desc kernel.RunDescriptor, tasks map[uint32]*dispatchedTask) error {
	now := time.Now()
	for _, t := range tasks {
		t.StartedAt = now
		m.markOutstanding(t.Rank, t.ShardID, true)

		msg := wire.RunKernel{
			RunID:      runID,
			KernelName: desc.KernelName,
			Method:     desc.Method,
			TableID:    desc.TableID,
			ShardID:    t.ShardID,
			Epoch:      m.checkpointEpoch,
			Params:     map[string]string(desc.Params),
		}
		sendCtx, cancel := context.WithTimeout(ctx, m.Cfg.NetworkTimeout)
		err := m.Transport.Send(sendCtx, t.Rank, wire.KindRunKernel, msg)
		cancel()
		if err != nil {
			return fmt.Errorf("master: dispatching shard %d to rank %d: %w", t.ShardID, t.Rank, err)
		}
	}
	return nil
}

func (m *Master) markOutstanding(rank int, shardID uint32, outstanding bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[rank]
	if !ok {
		return
	}
	if outstanding {
		w.CurrentShards[shardID] = true
	} else {
		delete(w.CurrentShards, shardID)
	}
}

// awaitCompletion drains done until every task is accounted for,
// performing work stealing on stealCheckInterval ticks in the meantime
// (spec.md §4.5 step 4).
func (m *Master) awaitCompletion(ctx context.Context, runID string, desc kernel.RunDescriptor, tasks map[uint32]*dispatchedTask, done <-chan wire.KernelDone) error {
	total := len(tasks)
	finished := 0
	ticker := time.NewTicker(stealCheckInterval)
	defer ticker.Stop()

	for finished < total {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg := <-done:
			if msg.RunID != runID {
				continue // stale heartbeat or a different run's straggler
			}
			t, ok := tasks[msg.ShardID]
			if !ok || t.Superseded {
				continue // late duplicate from a superseded work-stolen invocation
			}
			m.markOutstanding(t.Rank, t.ShardID, false)
			m.recordCompletion(t.Rank, time.Since(t.StartedAt))
			if msg.Aborted {
				m.Log.Warnw("task aborted", "run_id", runID, "shard_id", msg.ShardID, "rank", t.Rank, "error", msg.Error)
			}
			delete(tasks, msg.ShardID)
			finished++

			if desc.CheckpointInterval > 0 && finished < total && finished%desc.CheckpointInterval == 0 {
				m.triggerIntraRunCheckpoint(ctx, runID, desc)
			}

		case <-ticker.C:
			m.tryStealWork(ctx, runID, desc, tasks)
		}
	}
	return nil
}

func (m *Master) recordCompletion(rank int, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.workers[rank]; ok {
		w.recordTaskDuration(d)
	}
}

// tryStealWork reassigns one pending shard from the slowest loaded
// worker to an idle one when that worker's outstanding work has run
// more than 2x the fleet's average task time (spec.md §4.5 step 4's
// work-stealing trigger), adapted from the teacher's
// HealthMonitor.onUnhealthy reassignment callback pattern applied to
// load instead of failure.
func (m *Master) tryStealWork(ctx context.Context, runID string, desc kernel.RunDescriptor, tasks map[uint32]*dispatchedTask) {
	avg := m.averageTaskTime()
	if avg <= 0 {
		return
	}

	idleRank, ok := m.findIdleWorker()
	if !ok {
		return
	}

	slowRank, shardID, ok := m.findOverloadedShard(tasks, avg)
	if !ok || slowRank == idleRank {
		return
	}

	old := tasks[shardID]
	old.Superseded = true
	m.markOutstanding(old.Rank, old.ShardID, false)

	owners := m.reassignShard(desc.TableID, shardID, idleRank)
	if err := m.broadcastAssignment(ctx, desc.TableID, owners); err != nil {
		m.Log.Warnw("failed to broadcast reassignment during work stealing", "error", err)
		return
	}

	newTask := &dispatchedTask{ShardID: shardID, Rank: idleRank}
	tasks[shardID] = newTask
	if err := m.sendTasks(ctx, runID, desc, map[uint32]*dispatchedTask{shardID: newTask}); err != nil {
		m.Log.Warnw("failed to resend stolen task", "shard_id", shardID, "error", err)
	}
	m.Log.Infow("work stolen", "table_id", desc.TableID, "shard_id", shardID, "from_rank", old.Rank, "to_rank", idleRank)
}

func (m *Master) averageTaskTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total time.Duration
	var n int
	for _, w := range m.workers {
		if w.AvgTaskTime > 0 {
			total += w.AvgTaskTime
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

func (m *Master) findIdleWorker() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for rank, w := range m.workers {
		if !w.Failed && len(w.CurrentShards) == 0 {
			return rank, true
		}
	}
	return 0, false
}

// findOverloadedShard returns the earliest (lowest shard id) pending
// task belonging to a worker whose total outstanding task time exceeds
// 2x avg.
func (m *Master) findOverloadedShard(tasks map[uint32]*dispatchedTask, avg time.Duration) (rank int, shardID uint32, ok bool) {
	m.mu.Lock()
	outstandingByRank := make(map[int]time.Duration)
	now := time.Now()
	for _, t := range tasks {
		if t.Superseded {
			continue
		}
		outstandingByRank[t.Rank] += now.Sub(t.StartedAt)
	}
	m.mu.Unlock()

	best := uint32(0)
	bestRank := -1
	found := false
	for r, total := range outstandingByRank {
		if total <= 2*avg {
			continue
		}
		for _, t := range tasks {
			if t.Rank != r || t.Superseded {
				continue
			}
			if !found || t.ShardID < best {
				best = t.ShardID
				bestRank = r
				found = true
			}
		}
	}
	return bestRank, best, found
}
