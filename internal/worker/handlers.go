package worker

import (
	"context"
	"fmt"

	"github.com/dreamware/torua/internal/errs"
	"github.com/dreamware/torua/internal/wire"
)

// RegisterHandlers installs this Worker as the handler for every inbound
// message kind a Worker Runtime must answer (spec.md §4.4 step 1). Must be
// called before Transport.Serve.
func (w *Worker) RegisterHandlers() {
	w.Transport.RegisterHandler(wire.KindPutRequest, w.handlePut)
	w.Transport.RegisterHandler(wire.KindGetRequest, w.handleGet)
	w.Transport.RegisterHandler(wire.KindRunKernel, w.handleRunKernel)
	w.Transport.RegisterHandler(wire.KindShardAssignment, w.handleShardAssignment)
	w.Transport.RegisterHandler(wire.KindEnableTrigger, w.handleEnableTrigger)
	w.Transport.RegisterHandler(wire.KindStartCheckpoint, w.handleStartCheckpoint)
	w.Transport.RegisterHandler(wire.KindFinishCheckpoint, w.handleFinishCheckpoint)
	w.Transport.RegisterHandler(wire.KindRestore, w.handleRestore)
	w.Transport.RegisterHandler(wire.KindSwapTable, w.handleSwapTable)
	w.Transport.RegisterHandler(wire.KindClearTable, w.handleClearTable)
	w.Transport.RegisterHandler(wire.KindBarrier, w.handleBarrier)
	w.Transport.RegisterHandler(wire.KindWorkerShutdown, w.handleShutdown)
}

// handlePut applies an inbound buffered write to its target local shard
// (spec.md §4.4 step 1, "Put"). Fire-and-forget on the sender's side, so
// the reply is always nil.
func (w *Worker) handlePut(ctx context.Context, env wire.Envelope) (any, error) {
	var req wire.PutRequest
	if err := wire.Decode(env, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecode, err)
	}
	return w.do(ctx, func() (any, error) {
		gt, err := w.globalTable(req.TableID)
		if err != nil {
			return nil, err
		}
		return nil, gt.ApplyIncoming(req.ShardID, req.Entries, req.Epoch)
	})
}

// handleGet answers a remote GET_REQUEST against a local shard (spec.md
// §4.4 step 1, "Get").
func (w *Worker) handleGet(ctx context.Context, env wire.Envelope) (any, error) {
	var req wire.GetRequest
	if err := wire.Decode(env, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecode, err)
	}
	return w.do(ctx, func() (any, error) {
		gt, err := w.globalTable(req.TableID)
		if err != nil {
			return nil, err
		}
		return gt.HandleGetRequest(req.ShardID, req.Key)
	})
}

// handleRunKernel enqueues a dispatched task for execution on the Run
// loop (spec.md §4.4 step 1, "Run Task": "append to pending-task queue").
// It returns as soon as the task is queued; completion is reported
// asynchronously via KERNEL_DONE, not as this handler's reply.
func (w *Worker) handleRunKernel(ctx context.Context, env wire.Envelope) (any, error) {
	var req wire.RunKernel
	if err := wire.Decode(env, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecode, err)
	}
	select {
	case w.tasks <- req:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.stopped:
		return nil, fmt.Errorf("worker: shutting down")
	}
}

// handleShardAssignment replaces this worker's view of a table's full
// shard_id -> rank mapping, and assigns local shards for the ids this
// rank owns (spec.md §4.4 step 1, "Shard Assignment": "overwrite
// assignment table").
func (w *Worker) handleShardAssignment(ctx context.Context, env wire.Envelope) (any, error) {
	var req wire.ShardAssignment
	if err := wire.Decode(env, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecode, err)
	}
	return w.do(ctx, func() (any, error) {
		gt, err := w.globalTable(req.TableID)
		if err != nil {
			return nil, err
		}
		for shardID, rank := range req.Owners {
			gt.SetOwner(shardID, rank)
			if rank == w.Rank {
				gt.AssignLocal(shardID)
			}
		}
		return nil, nil
	})
}

// handleEnableTrigger toggles a table's trigger on or off (spec.md §4.4
// step 1, "Enable/Disable Trigger: toggle dispatcher flag").
func (w *Worker) handleEnableTrigger(ctx context.Context, env wire.Envelope) (any, error) {
	var req wire.EnableTrigger
	if err := wire.Decode(env, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecode, err)
	}
	return w.do(ctx, func() (any, error) {
		gt, err := w.globalTable(req.TableID)
		if err != nil {
			return nil, err
		}
		gt.Triggers.SetEnabled(req.TriggerID, req.Enabled)
		return nil, nil
	})
}

// handleSwapTable exchanges the local shard contents of two tables
// (spec.md §4.4 step 1, "Swap/Clear: perform, then reply to
// sync-broadcast" — the reply here is this handler's return, since
// Transport.SyncBroadcast waits for one Send per peer to complete, not a
// second round trip).
func (w *Worker) handleSwapTable(ctx context.Context, env wire.Envelope) (any, error) {
	var req wire.SwapTable
	if err := wire.Decode(env, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecode, err)
	}
	return w.do(ctx, func() (any, error) {
		a, err := w.globalTable(req.TableAID)
		if err != nil {
			return nil, err
		}
		b, err := w.globalTable(req.TableBID)
		if err != nil {
			return nil, err
		}
		return nil, a.Swap(b)
	})
}

// handleClearTable empties every local shard of one table.
func (w *Worker) handleClearTable(ctx context.Context, env wire.Envelope) (any, error) {
	var req wire.ClearTable
	if err := wire.Decode(env, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecode, err)
	}
	return w.do(ctx, func() (any, error) {
		gt, err := w.globalTable(req.TableID)
		if err != nil {
			return nil, err
		}
		gt.Clear()
		return nil, nil
	})
}

// handleBarrier acknowledges a BARRIER only once every registered table's
// outbound buffers are flushed and empty and no task remains queued
// (spec.md §4.4's task-execution invariant, and §6: "master awaits one
// reply of matching kind from each [worker]"). Queued tasks are drained
// in-line here, on the loop goroutine, rather than left for the next
// select iteration, since a barrier must not return while kernel work for
// this epoch is still outstanding.
func (w *Worker) handleBarrier(ctx context.Context, env wire.Envelope) (any, error) {
	var req wire.Barrier
	if err := wire.Decode(env, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecode, err)
	}
	return w.do(ctx, func() (any, error) {
		for {
			select {
			case t := <-w.tasks:
				w.runTask(ctx, t)
			default:
				if err := w.flushAllPending(ctx); err != nil {
					return nil, err
				}
				// flushAllPending drains every buffer synchronously via
				// Transport.Send; HasPending can only still be true here
				// if a send failed, which already returned above.
				return wire.Barrier{Epoch: req.Epoch}, nil
			}
		}
	})
}

// handleShutdown stops the Run loop after acknowledging, per spec.md
// §4.4 step 1's "Shutdown: set running=false".
func (w *Worker) handleShutdown(ctx context.Context, env wire.Envelope) (any, error) {
	var req wire.WorkerShutdown
	if err := wire.Decode(env, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecode, err)
	}
	w.Log.Infow("worker shutdown requested", "reason", req.Reason)
	w.stopOnce()
	return nil, nil
}
