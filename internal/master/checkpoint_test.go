package master

import (
	"context"
	"testing"
	"time"

	"github.com/dreamware/torua/internal/ckptstore"
	"github.com/dreamware/torua/internal/config"
	"github.com/dreamware/torua/internal/kernel"
	"github.com/dreamware/torua/internal/logging"
	"github.com/dreamware/torua/internal/table"
	"github.com/dreamware/torua/internal/worker"
)

// TestCheckpointThenRestoreRecoversCheckpointVar exercises spec.md §8
// scenario S4's checkpoint/restore round trip for the get_cp_var/
// put_cp_var supplement (SPEC_FULL.md §4): a checkpoint variable set
// before a Checkpoint call is recoverable via GetCheckpointVar only after
// a matching Restore, not before, and only on the Master instance that
// actually restores it.
func TestCheckpointThenRestoreRecoversCheckpointVar(t *testing.T) {
	desc := &table.Descriptor{Name: "ckpt", TableID: 1, ShardCount: 2, Shard: table.Modulo(), Accumulate: table.Replace()}

	masterTr, masterAddr := startTransport(t, 0, 2)
	workerTr, workerAddr := startTransport(t, 1, 2)
	masterTr.SetPeer(1, workerAddr)
	workerTr.SetPeer(0, masterAddr)

	workerTables := table.NewRegistry()
	if err := workerTables.Register(desc); err != nil {
		t.Fatalf("Register (worker): %v", err)
	}
	workerStore, err := ckptstore.NewFile(t.TempDir())
	if err != nil {
		t.Fatalf("ckptstore.NewFile: %v", err)
	}
	w := worker.New(1, workerTr, workerTables, kernel.NewRegistry(), workerStore, config.FromEnv(), logging.New("worker", 1))
	w.RegisterHandlers()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(runCtx) }()

	m := newTestMaster(t, masterTr)
	m.AddWorker(1, workerAddr)
	m.Tables = table.NewRegistry()
	if err := m.Tables.Register(desc); err != nil {
		t.Fatalf("Register (master): %v", err)
	}

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	if _, ok := m.GetCheckpointVar("epoch_seen"); ok {
		t.Fatal("expected no checkpoint var before any Put/Restore")
	}

	m.PutCheckpointVar("epoch_seen", "7")
	prefix := t.TempDir() + "/snap"
	if err := m.Checkpoint(ctx, prefix, []uint32{1}, true, nil); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	// A fresh Master (simulating a new job attempt against the same
	// worker) starts with no checkpoint vars until it restores from the
	// same prefix.
	m2 := newTestMaster(t, masterTr)
	m2.AddWorker(1, workerAddr)
	if _, ok := m2.GetCheckpointVar("epoch_seen"); ok {
		t.Fatal("expected a brand new Master to have no checkpoint vars before Restore")
	}

	if err := m2.Restore(ctx, prefix, []uint32{1}); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	v, ok := m2.GetCheckpointVar("epoch_seen")
	if !ok || v != "7" {
		t.Fatalf("expected checkpoint var epoch_seen=7 after restore, got %q (ok=%v)", v, ok)
	}
}

// TestCheckpointVarsDoNotCollideWithRunParams confirms mergeParams'
// namespacing: a run parameter and a checkpoint variable sharing the
// same key are kept distinct in the merged manifest Params map.
func TestCheckpointVarsDoNotCollideWithRunParams(t *testing.T) {
	runParams := map[string]string{"epoch_seen": "run-value"}
	vars := map[string]string{"epoch_seen": "cpvar-value"}

	merged := mergeParams(runParams, vars)
	if merged["epoch_seen"] != "run-value" {
		t.Fatalf("expected the run param to own the bare key, got %q", merged["epoch_seen"])
	}
	if merged[cpVarPrefix+"epoch_seen"] != "cpvar-value" {
		t.Fatalf("expected the checkpoint var under its namespaced key, got %q", merged[cpVarPrefix+"epoch_seen"])
	}
}
