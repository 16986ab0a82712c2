package master

import (
	"context"
	"fmt"

	"github.com/dreamware/torua/internal/wire"
)

// EnableTrigger toggles one table's trigger on or off across every
// worker (spec.md §4.3: "enabled/disabled per (table_id, trigger_id) by
// the master between tasks"). Callers must not invoke this while a
// dispatch for tableID is in flight.
func (m *Master) EnableTrigger(ctx context.Context, tableID uint32, triggerID string, enabled bool) error {
	err := m.Transport.SyncBroadcast(ctx, wire.KindEnableTrigger, wire.EnableTrigger{
		TableID:   tableID,
		TriggerID: triggerID,
		Enabled:   enabled,
	})
	if err != nil {
		return fmt.Errorf("master: enable trigger: %w", err)
	}
	return nil
}

// SwapTable sync-broadcasts an atomic exchange of two tables' contents
// (spec.md §4.2 "swap"), valid only between tasks.
func (m *Master) SwapTable(ctx context.Context, tableAID, tableBID uint32) error {
	err := m.Transport.SyncBroadcast(ctx, wire.KindSwapTable, wire.SwapTable{TableAID: tableAID, TableBID: tableBID})
	if err != nil {
		return fmt.Errorf("master: swap table: %w", err)
	}
	return nil
}

// ClearTable sync-broadcasts clearing every shard of tableID (spec.md
// §4.2 "clear").
func (m *Master) ClearTable(ctx context.Context, tableID uint32) error {
	err := m.Transport.SyncBroadcast(ctx, wire.KindClearTable, wire.ClearTable{TableID: tableID})
	if err != nil {
		return fmt.Errorf("master: clear table: %w", err)
	}
	return nil
}

// Shutdown sync-broadcasts WORKER_SHUTDOWN to every worker so they stop
// their runtime loop and exit cleanly.
func (m *Master) Shutdown(ctx context.Context, reason string) error {
	err := m.Transport.SyncBroadcast(ctx, wire.KindWorkerShutdown, wire.WorkerShutdown{Reason: reason})
	if err != nil {
		return fmt.Errorf("master: shutdown: %w", err)
	}
	return nil
}
