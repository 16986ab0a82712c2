package globaltable

import (
	"context"
	"testing"
	"time"

	"github.com/dreamware/torua/internal/table"
	"github.com/dreamware/torua/internal/transport"
	"github.com/dreamware/torua/internal/wire"
)

func newTestDescriptor() *table.Descriptor {
	return &table.Descriptor{
		Name:       "test",
		TableID:    1,
		ShardCount: 4,
		Shard:      table.Modulo(),
		Accumulate: table.Replace(),
	}
}

func TestGetLocalShardFastPath(t *testing.T) {
	desc := newTestDescriptor()
	gt := New(desc, nil, 0)

	shardID := desc.ShardFor([]byte("k"))
	gt.AssignLocal(shardID)
	gt.Update([]byte("k"), []byte("v"))

	v, ok, err := gt.Get(context.Background(), []byte("k"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || string(v) != "v" {
		t.Errorf("expected v='v', ok=true, got v=%q ok=%v", v, ok)
	}
}

func TestUpdateOnNonLocalShardBuffersInstead(t *testing.T) {
	desc := newTestDescriptor()
	gt := New(desc, nil, 0)

	shardID := desc.ShardFor([]byte("k"))
	gt.SetOwner(shardID, 1) // owned elsewhere; not assigned locally

	gt.Update([]byte("k"), []byte("v"))

	if !gt.HasPending() {
		t.Error("expected a pending buffered update for the non-local shard")
	}
}

func TestEnqueueUpdateDoesNotTouchLocalState(t *testing.T) {
	desc := newTestDescriptor()
	gt := New(desc, nil, 0)
	gt.SetOwner(0, 1)

	gt.EnqueueUpdate(0, []byte("k"), []byte("v"))

	if gt.IsLocalShard(0) {
		t.Error("EnqueueUpdate must not create a local shard")
	}
	if !gt.HasPending() {
		t.Error("expected buffered update to be visible via HasPending")
	}
}

func TestFlushPendingAppliesLocalShardDirectly(t *testing.T) {
	desc := newTestDescriptor()
	gt := New(desc, nil, 0)

	shardID := desc.ShardFor([]byte("k"))
	gt.AssignLocal(shardID)

	// EnqueueUpdate is the only call a Trigger may make, even against a
	// shard this rank owns locally; FlushPending must still apply it
	// without needing a Transport (nil here) or a registered peer
	// address for "self".
	gt.EnqueueUpdate(shardID, []byte("k"), []byte("v"))

	if err := gt.FlushPending(context.Background()); err != nil {
		t.Fatalf("FlushPending: %v", err)
	}

	v, ok, err := gt.Get(context.Background(), []byte("k"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || string(v) != "v" {
		t.Errorf("expected v='v', ok=true, got v=%q ok=%v", v, ok)
	}
}

func TestApplyIncomingRejectsNonLocalShard(t *testing.T) {
	desc := newTestDescriptor()
	gt := New(desc, nil, 0)

	err := gt.ApplyIncoming(3, []wire.Entry{{Key: []byte("k"), Value: []byte("v")}}, 0)
	if err == nil {
		t.Fatal("expected an error for a non-local shard")
	}
}

func TestHandleGetRequestMissingKey(t *testing.T) {
	desc := newTestDescriptor()
	gt := New(desc, nil, 0)
	gt.AssignLocal(0)

	resp, err := gt.HandleGetRequest(0, []byte("missing"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Missing {
		t.Error("expected Missing=true for an absent key")
	}
}

func TestClearEmptiesLocalShards(t *testing.T) {
	desc := newTestDescriptor()
	gt := New(desc, nil, 0)
	s := gt.AssignLocal(0)
	s.Update("k", []byte("v"), 0)

	gt.Clear()

	if s.Size() != 0 {
		t.Errorf("expected shard to be empty after Clear, got %d keys", s.Size())
	}
}

func TestSwapExchangesLocalShards(t *testing.T) {
	descA := newTestDescriptor()
	descA.TableID = 1
	descB := newTestDescriptor()
	descB.TableID = 2

	a := New(descA, nil, 0)
	b := New(descB, nil, 0)

	sa := a.AssignLocal(0)
	sa.Update("only-in-a", []byte("1"), 0)
	sb := b.AssignLocal(0)
	sb.Update("only-in-b", []byte("2"), 0)

	if err := a.Swap(b); err != nil {
		t.Fatalf("Swap failed: %v", err)
	}

	aShards := a.LocalShards()
	if v, ok := aShards[0].Get("only-in-b"); !ok || string(v) != "2" {
		t.Errorf("expected table a's shard 0 to now hold only-in-b, got %q ok=%v", v, ok)
	}
}

func TestFlushPendingSendsBufferedUpdates(t *testing.T) {
	// Two in-process transports wired to each other over loopback, enough
	// to exercise FlushPending's real Send call without a fake Transport.
	workerAddr := freeAddr(t)
	masterAddr := freeAddr(t)

	worker := transport.New(1, 2, workerAddr)
	master := transport.New(0, 2, masterAddr)
	master.SetPeer(1, workerAddr)

	received := make(chan wire.PutRequest, 1)
	worker.RegisterHandler(wire.KindPutRequest, func(ctx context.Context, env wire.Envelope) (any, error) {
		var req wire.PutRequest
		if err := wire.Decode(env, &req); err != nil {
			return nil, err
		}
		received <- req
		return nil, nil
	})

	go worker.Serve()
	defer worker.Shutdown(context.Background())
	waitUntilUp(t, workerAddr)

	desc := newTestDescriptor()
	gt := New(desc, master, 0)
	gt.SetEpoch(7)
	gt.SetOwner(3, 1)
	gt.EnqueueUpdate(3, []byte("k"), []byte("v"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := gt.FlushPending(ctx); err != nil {
		t.Fatalf("FlushPending failed: %v", err)
	}

	select {
	case req := <-received:
		if req.ShardID != 3 || len(req.Entries) != 1 || string(req.Entries[0].Key) != "k" {
			t.Errorf("unexpected PutRequest: %+v", req)
		}
		if req.SourceRank != 0 || req.Epoch != 7 {
			t.Errorf("expected source_rank=0 epoch=7, got source_rank=%d epoch=%d", req.SourceRank, req.Epoch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker never received the flushed update")
	}

	if gt.HasPending() {
		t.Error("expected pending buffer to be cleared after FlushPending")
	}
}
