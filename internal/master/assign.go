package master

import (
	"context"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/dreamware/torua/internal/wire"
)

// ensureAssignment returns tableID's current shard_id -> rank map,
// assigning it round-robin across live workers on first use (spec.md
// §4.5's shard assignment policy), adapted from the teacher's
// ShardRegistry.RebalanceShards round-robin loop. Returns the map and
// whether it was freshly created (so the caller knows whether to
// broadcast it).
func (m *Master) ensureAssignment(tableID, shardCount uint32) (map[uint32]int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.assignment[tableID]; ok {
		cp := make(map[uint32]int, len(existing))
		for k, v := range existing {
			cp[k] = v
		}
		return cp, false, nil
	}

	ranks := m.liveWorkerRanksLocked()
	if len(ranks) == 0 {
		return nil, false, fmt.Errorf("master: no live workers to assign table %d to", tableID)
	}

	owners := make(map[uint32]int, shardCount)
	for shardID := uint32(0); shardID < shardCount; shardID++ {
		owners[shardID] = ranks[int(shardID)%len(ranks)]
	}
	m.assignment[tableID] = owners

	cp := make(map[uint32]int, len(owners))
	for k, v := range owners {
		cp[k] = v
	}
	return cp, true, nil
}

// liveWorkerRanksLocked is liveWorkerRanks for callers already holding m.mu.
func (m *Master) liveWorkerRanksLocked() []int {
	ranks := make([]int, 0, len(m.workers))
	for r, w := range m.workers {
		if !w.Failed {
			ranks = append(ranks, r)
		}
	}
	slices.Sort(ranks)
	return ranks
}

// reassignShard moves shardID of tableID to newRank in the master's
// bookkeeping and returns the full updated owners map to broadcast.
func (m *Master) reassignShard(tableID, shardID uint32, newRank int) map[uint32]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	owners, ok := m.assignment[tableID]
	if !ok {
		owners = make(map[uint32]int)
		m.assignment[tableID] = owners
	}
	owners[shardID] = newRank

	cp := make(map[uint32]int, len(owners))
	for k, v := range owners {
		cp[k] = v
	}
	return cp
}

// broadcastAssignment sync-broadcasts tableID's full shard ownership map
// to every worker (spec.md §3: "replicated to workers via a broadcast
// message").
func (m *Master) broadcastAssignment(ctx context.Context, tableID uint32, owners map[uint32]int) error {
	return m.Transport.SyncBroadcast(ctx, wire.KindShardAssignment, wire.ShardAssignment{
		TableID: tableID,
		Owners:  owners,
	})
}
