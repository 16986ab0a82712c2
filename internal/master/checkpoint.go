package master

import (
	"context"
	"fmt"
	"strings"

	"github.com/dreamware/torua/internal/ckptstore"
	"github.com/dreamware/torua/internal/kernel"
	"github.com/dreamware/torua/internal/wire"
)

// Checkpoint orchestrates one coordinated checkpoint over tableIDs
// (spec.md §4.6 steps 1-4): advance the epoch, sync-broadcast
// START_CHECKPOINT, persist the manifest, then sync-broadcast
// FINISH_CHECKPOINT. Safe to call while tasks are in flight elsewhere:
// spec.md §4.6 describes checkpointing as "asynchronous with kernel
// progress", fenced by epoch rather than by pausing the run.
func (m *Master) Checkpoint(ctx context.Context, prefix string, tableIDs []uint32, fullSnapshot bool, params map[string]string) error {
	m.mu.Lock()
	m.checkpointEpoch++
	epoch := m.checkpointEpoch
	manifestParams := mergeParams(params, m.checkpointVars)
	m.mu.Unlock()

	start := wire.StartCheckpoint{
		Epoch:        epoch,
		TableIDs:     tableIDs,
		FullSnapshot: fullSnapshot,
		Prefix:       prefix,
	}
	if err := m.Transport.SyncBroadcast(ctx, wire.KindStartCheckpoint, start); err != nil {
		return fmt.Errorf("master: start checkpoint: %w", err)
	}

	if err := m.Ckpt.WriteManifest(prefix, ckptstore.Manifest{
		Epoch:  epoch,
		Tables: tableIDs,
		Params: manifestParams,
	}); err != nil {
		return fmt.Errorf("master: writing checkpoint manifest: %w", err)
	}

	finish := wire.FinishCheckpoint{Epoch: epoch}
	if err := m.Transport.SyncBroadcast(ctx, wire.KindFinishCheckpoint, finish); err != nil {
		return fmt.Errorf("master: finish checkpoint: %w", err)
	}
	return nil
}

// cpVarPrefix namespaces checkpoint variables within a manifest's Params
// map, so they never collide with a run's own kernel.RunDescriptor.Params
// entries sharing the same manifest.
const cpVarPrefix = "cpvar:"

// mergeParams combines a run's params with the job's checkpoint
// variables into one manifest Params map, the latter namespaced by
// cpVarPrefix so the two never collide.
func mergeParams(runParams, vars map[string]string) map[string]string {
	out := make(map[string]string, len(runParams)+len(vars))
	for k, v := range runParams {
		out[k] = v
	}
	for k, v := range vars {
		out[cpVarPrefix+k] = v
	}
	return out
}

// triggerIntraRunCheckpoint fires a best-effort checkpoint partway
// through a run when kernel.RunDescriptor.CheckpointInterval requests
// one (spec.md §3's "checkpoint_policy"). A failure here is logged, not
// propagated: per spec.md §7 a checkpoint I/O error aborts the
// checkpoint attempt, but an in-flight run's tasks are unaffected by it.
func (m *Master) triggerIntraRunCheckpoint(ctx context.Context, runID string, desc kernel.RunDescriptor) {
	prefix := fmt.Sprintf("%s/run-%s-table-%d", m.Cfg.CheckpointDir, runID, desc.TableID)
	if err := m.Checkpoint(ctx, prefix, []uint32{desc.TableID}, true, desc.Params); err != nil {
		m.Log.Warnw("intra-run checkpoint failed", "run_id", runID, "error", err)
	}
}

// Restore reloads every worker's local shards for tableIDs from the
// checkpoint at prefix, read via the manifest to recover its epoch
// (spec.md §4.6 "Restore").
func (m *Master) Restore(ctx context.Context, prefix string, tableIDs []uint32) error {
	manifest, err := m.Ckpt.ReadManifest(prefix)
	if err != nil {
		return fmt.Errorf("master: reading checkpoint manifest: %w", err)
	}

	m.mu.Lock()
	if manifest.Epoch > m.checkpointEpoch {
		m.checkpointEpoch = manifest.Epoch
	}
	for k, v := range manifest.Params {
		if name, ok := strings.CutPrefix(k, cpVarPrefix); ok {
			m.checkpointVars[name] = v
		}
	}
	m.mu.Unlock()

	req := wire.Restore{Epoch: manifest.Epoch, TableIDs: tableIDs, Prefix: prefix}
	if err := m.Transport.SyncBroadcast(ctx, wire.KindRestore, req); err != nil {
		return fmt.Errorf("master: restore: %w", err)
	}
	return nil
}
