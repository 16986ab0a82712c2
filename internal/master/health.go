package master

import (
	"context"
	"time"

	"github.com/dreamware/torua/internal/wire"
)

// StartHealthMonitor runs a periodic liveness sweep until ctx is
// cancelled, the Go equivalent of the teacher's HealthMonitor.Start
// ticker loop, adapted to key off KERNEL_DONE receipt (spec.md §4.4
// step 4's heartbeat) instead of an HTTP /health poll: the Master here
// is passive, workers push liveness, so the sweep only has to notice
// silence.
//
// Each sweep that finds a worker silent (no KERNEL_DONE) for longer than
// MaxConsecutiveFailures heartbeat intervals counts one miss; the worker
// is marked failed on the sweep that brings its misses to
// MaxConsecutiveFailures (spec.md §7:
// "InvariantViolation... master must treat a silent worker as failed").
// Run this in its own goroutine; it blocks until ctx is done.
func (m *Master) StartHealthMonitor(ctx context.Context) {
	interval := m.Cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepHealth()
		}
	}
}

func (m *Master) sweepHealth() {
	threshold := time.Duration(m.Cfg.MaxConsecutiveFailures) * m.Cfg.HeartbeatInterval
	if threshold <= 0 {
		threshold = time.Second
	}

	var newlyFailed []int
	now := time.Now()

	m.mu.Lock()
	for rank, w := range m.workers {
		if w.Failed {
			continue
		}
		if now.Sub(w.LastSeen) > threshold {
			w.ConsecutiveMisses++
			if w.ConsecutiveMisses >= m.Cfg.MaxConsecutiveFailures {
				w.Failed = true
				newlyFailed = append(newlyFailed, rank)
			}
		}
	}
	m.mu.Unlock()

	for _, rank := range newlyFailed {
		m.Log.Warnw("worker marked failed, no heartbeat received", "rank", rank, "threshold", threshold)
		m.handleWorkerFailure(rank)
	}
}

// handleWorkerFailure reassigns every shard the failed worker owned to
// the remaining live workers, round-robin, mirroring the teacher's
// onUnhealthy callback triggering shard redistribution, then broadcasts
// each affected table's updated assignment immediately: a reassignment
// left unbroadcast would leave live workers routing remote gets/puts to
// the dead rank until the next dispatch happens to touch that table.
func (m *Master) handleWorkerFailure(failedRank int) {
	m.mu.Lock()
	live := m.liveWorkerRanksLocked()
	if len(live) == 0 {
		m.mu.Unlock()
		m.Log.Errorw("all workers failed, no targets for shard reassignment")
		return
	}

	touchedTables := make(map[uint32]bool)
	i := 0
	for tableID, owners := range m.assignment {
		for shardID, rank := range owners {
			if rank == failedRank {
				owners[shardID] = live[i%len(live)]
				touchedTables[tableID] = true
				i++
			}
		}
	}

	updates := make(map[uint32]map[uint32]int, len(touchedTables))
	for tableID := range touchedTables {
		owners := m.assignment[tableID]
		cp := make(map[uint32]int, len(owners))
		for k, v := range owners {
			cp[k] = v
		}
		updates[tableID] = cp
	}
	m.mu.Unlock()

	for tableID, owners := range updates {
		ctx, cancel := context.WithTimeout(context.Background(), m.Cfg.NetworkTimeout)
		err := m.Transport.SyncBroadcast(ctx, wire.KindShardAssignment, wire.ShardAssignment{TableID: tableID, Owners: owners})
		cancel()
		if err != nil {
			m.Log.Warnw("failed to broadcast reassignment after worker failure", "table_id", tableID, "error", err)
			continue
		}
		m.Log.Infow("shards reassigned after worker failure", "table_id", tableID, "failed_rank", failedRank)
	}
}
