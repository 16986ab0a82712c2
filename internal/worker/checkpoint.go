package worker

import (
	"context"
	"fmt"

	"github.com/dreamware/torua/internal/errs"
	"github.com/dreamware/torua/internal/wire"
)

// handleStartCheckpoint begins a checkpoint window (spec.md §4.6 step 2):
// for each local shard of each listed table, optionally write a full
// snapshot, then begin recording into an in-memory delta log the
// subsequent writes whose originating epoch predates req.Epoch (see
// shard.LocalShard.BeginDelta).
func (w *Worker) handleStartCheckpoint(ctx context.Context, env wire.Envelope) (any, error) {
	var req wire.StartCheckpoint
	if err := wire.Decode(env, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecode, err)
	}
	return w.do(ctx, func() (any, error) {
		for _, tableID := range req.TableIDs {
			gt, err := w.globalTable(tableID)
			if err != nil {
				return nil, err
			}
			for shardID, s := range gt.LocalShards() {
				if req.FullSnapshot {
					if err := w.Ckpt.WriteSnapshot(req.Prefix, tableID, shardID, gt.Descriptor.ShardCount, s.Snapshot()); err != nil {
						return nil, fmt.Errorf("%w: %v", errs.ErrCheckpointIO, err)
					}
				}
				s.BeginDelta(req.Epoch)
			}
		}
		w.checkpoint = &checkpointWindow{Prefix: req.Prefix, Epoch: req.Epoch, TableIDs: req.TableIDs}
		return nil, nil
	})
}

// handleFinishCheckpoint closes the checkpoint window (spec.md §4.6 step
// 4): for every local shard tracked since START_CHECKPOINT, write its
// accumulated delta log to disk and stop recording. A FINISH_CHECKPOINT
// for an epoch this worker never started (or already finished) is a
// no-op, since a stale retransmit must not double-append the delta.
func (w *Worker) handleFinishCheckpoint(ctx context.Context, env wire.Envelope) (any, error) {
	var req wire.FinishCheckpoint
	if err := wire.Decode(env, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecode, err)
	}
	return w.do(ctx, func() (any, error) {
		if w.checkpoint == nil || w.checkpoint.Epoch != req.Epoch {
			return nil, nil
		}
		for _, tableID := range w.checkpoint.TableIDs {
			gt, err := w.globalTable(tableID)
			if err != nil {
				return nil, err
			}
			for shardID, s := range gt.LocalShards() {
				entries := s.EndDelta()
				if err := w.Ckpt.WriteDelta(w.checkpoint.Prefix, tableID, shardID, gt.Descriptor.ShardCount, entries); err != nil {
					return nil, fmt.Errorf("%w: %v", errs.ErrCheckpointIO, err)
				}
			}
		}
		w.checkpoint = nil
		return nil, nil
	})
}

// handleRestore reloads every local shard of the named tables from the
// checkpoint at prefix/epoch: the base snapshot loaded wholesale, then the
// delta log replayed as a replace-log (spec.md §9 Open Question 1's
// resolution, implemented by shard.LocalShard.ApplyDeltaAsReplace). Only
// the shards returned by GlobalTable.LocalShards are reloaded; no shard
// is cleared or dropped on the basis of the table's current ownership
// assignment.
func (w *Worker) handleRestore(ctx context.Context, env wire.Envelope) (any, error) {
	var req wire.Restore
	if err := wire.Decode(env, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecode, err)
	}
	return w.do(ctx, func() (any, error) {
		for _, tableID := range req.TableIDs {
			gt, err := w.globalTable(tableID)
			if err != nil {
				return nil, err
			}
			for shardID, s := range gt.LocalShards() {
				snapshot, err := w.Ckpt.ReadSnapshot(req.Prefix, tableID, shardID, gt.Descriptor.ShardCount)
				if err != nil {
					return nil, fmt.Errorf("%w: %v", errs.ErrCheckpointIO, err)
				}
				s.LoadSnapshot(snapshot)

				delta, err := w.Ckpt.ReadDelta(req.Prefix, tableID, shardID, gt.Descriptor.ShardCount)
				if err != nil {
					return nil, fmt.Errorf("%w: %v", errs.ErrCheckpointIO, err)
				}
				if len(delta) > 0 {
					w.Log.Infow("restore: replaying delta as replace-log",
						"table_id", tableID, "shard_id", shardID, "accumulator", gt.Descriptor.Accumulate.Tag())
				}
				s.ApplyDeltaAsReplace(delta)
			}
		}
		return nil, nil
	})
}
