package master

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dreamware/torua/internal/ckptstore"
	"github.com/dreamware/torua/internal/config"
	"github.com/dreamware/torua/internal/kernel"
	"github.com/dreamware/torua/internal/logging"
	"github.com/dreamware/torua/internal/table"
	"github.com/dreamware/torua/internal/transport"
	"github.com/dreamware/torua/internal/wire"
	"github.com/dreamware/torua/internal/worker"
)

// stubTransport is an in-memory transport.Transport that records every
// Send/SyncBroadcast call instead of making network calls, for unit
// tests that exercise Master bookkeeping without spinning up a worker
// process.
type stubTransport struct {
	mu         sync.Mutex
	rank, size int
	sent       []wire.Envelope
	broadcasts []wire.Envelope
	sendErr    error
}

func newStubTransport(rank, size int) *stubTransport {
	return &stubTransport{rank: rank, size: size}
}

func (s *stubTransport) Rank() int { return s.rank }
func (s *stubTransport) Size() int { return s.size }
func (s *stubTransport) SetPeer(rank int, addr string)          {}
func (s *stubTransport) RegisterHandler(wire.Kind, transport.HandlerFunc) {}

func (s *stubTransport) Send(ctx context.Context, to int, kind wire.Kind, payload any) error {
	env, err := wire.Encode(kind, s.rank, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = append(s.sent, env)
	s.mu.Unlock()
	return s.sendErr
}

func (s *stubTransport) SendRecv(ctx context.Context, to int, kind wire.Kind, payload any, out any) error {
	return s.Send(ctx, to, kind, payload)
}

func (s *stubTransport) SyncBroadcast(ctx context.Context, kind wire.Kind, payload any) error {
	env, err := wire.Encode(kind, s.rank, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.broadcasts = append(s.broadcasts, env)
	s.mu.Unlock()
	return s.sendErr
}

func (s *stubTransport) Serve() error                       { return nil }
func (s *stubTransport) Shutdown(ctx context.Context) error { return nil }

func newTestMaster(t *testing.T, tr transport.Transport) *Master {
	t.Helper()
	store, err := ckptstore.NewFile(t.TempDir())
	if err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}
	cfg := config.FromEnv()
	cfg.NetworkTimeout = 2 * time.Second
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.HealthCheckInterval = 20 * time.Millisecond
	cfg.MaxConsecutiveFailures = 2
	cfg.CheckpointDir = t.TempDir()

	m := New(tr, table.NewRegistry(), store, cfg, logging.New("master", 0))
	m.RegisterHandlers()
	return m
}

func TestEnsureAssignmentRoundRobin(t *testing.T) {
	m := newTestMaster(t, newStubTransport(0, 4))
	m.workers[1] = &WorkerState{Rank: 1, CurrentShards: map[uint32]bool{}}
	m.workers[2] = &WorkerState{Rank: 2, CurrentShards: map[uint32]bool{}}
	m.workers[3] = &WorkerState{Rank: 3, CurrentShards: map[uint32]bool{}}

	owners, created, err := m.ensureAssignment(7, 5)
	if err != nil {
		t.Fatalf("ensureAssignment failed: %v", err)
	}
	if !created {
		t.Fatal("expected first call to report created=true")
	}
	want := map[uint32]int{0: 1, 1: 2, 2: 3, 3: 1, 4: 2}
	for shard, rank := range want {
		if owners[shard] != rank {
			t.Errorf("shard %d: expected rank %d, got %d", shard, rank, owners[shard])
		}
	}

	_, created2, err := m.ensureAssignment(7, 5)
	if err != nil {
		t.Fatalf("second ensureAssignment failed: %v", err)
	}
	if created2 {
		t.Error("expected second call to report created=false")
	}
}

func TestEnsureAssignmentFailsWithNoWorkers(t *testing.T) {
	m := newTestMaster(t, newStubTransport(0, 1))
	if _, _, err := m.ensureAssignment(1, 4); err == nil {
		t.Fatal("expected an error assigning shards with no live workers")
	}
}

func TestReassignShardUpdatesOwnerMap(t *testing.T) {
	m := newTestMaster(t, newStubTransport(0, 3))
	m.workers[1] = &WorkerState{Rank: 1, CurrentShards: map[uint32]bool{}}
	m.workers[2] = &WorkerState{Rank: 2, CurrentShards: map[uint32]bool{}}
	if _, _, err := m.ensureAssignment(1, 3); err != nil {
		t.Fatalf("ensureAssignment failed: %v", err)
	}

	owners := m.reassignShard(1, 0, 2)
	if owners[0] != 2 {
		t.Errorf("expected shard 0 reassigned to rank 2, got %d", owners[0])
	}
	// Confirm the master's own bookkeeping (not just the returned copy)
	// was updated.
	again, _, err := m.ensureAssignment(1, 3)
	if err != nil {
		t.Fatalf("ensureAssignment failed: %v", err)
	}
	if again[0] != 2 {
		t.Errorf("expected persisted assignment to reflect reassignment, got %d", again[0])
	}
}

func TestHandleKernelDoneUpdatesLastSeenAndForwardsActiveRun(t *testing.T) {
	tr := newStubTransport(0, 2)
	m := newTestMaster(t, tr)
	m.workers[1] = &WorkerState{Rank: 1, CurrentShards: map[uint32]bool{}, LastSeen: time.Time{}}

	done := make(chan wire.KernelDone, 1)
	m.dispatchMu.Lock()
	m.dispatchDone = done
	m.dispatchMu.Unlock()

	env, err := wire.Encode(wire.KindKernelDone, 1, wire.KernelDone{RunID: "run-1", ShardID: 3})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if _, err := m.handleKernelDone(context.Background(), env); err != nil {
		t.Fatalf("handleKernelDone failed: %v", err)
	}

	m.mu.Lock()
	lastSeen := m.workers[1].LastSeen
	m.mu.Unlock()
	if lastSeen.IsZero() {
		t.Error("expected LastSeen to be updated")
	}

	select {
	case msg := <-done:
		if msg.RunID != "run-1" || msg.ShardID != 3 {
			t.Errorf("unexpected forwarded message: %+v", msg)
		}
	default:
		t.Fatal("expected KernelDone to be forwarded to the active dispatch channel")
	}
}

func TestHandleKernelDoneHeartbeatDoesNotRequireActiveRun(t *testing.T) {
	tr := newStubTransport(0, 2)
	m := newTestMaster(t, tr)
	m.workers[1] = &WorkerState{Rank: 1, CurrentShards: map[uint32]bool{}}

	env, err := wire.Encode(wire.KindKernelDone, 1, wire.KernelDone{RunID: ""})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if _, err := m.handleKernelDone(context.Background(), env); err != nil {
		t.Fatalf("handleKernelDone failed: %v", err)
	}

	m.mu.Lock()
	lastSeen := m.workers[1].LastSeen
	m.mu.Unlock()
	if lastSeen.IsZero() {
		t.Error("expected heartbeat to update LastSeen even with no active run")
	}
}

func TestSweepHealthMarksFailedAfterThresholdAndReassigns(t *testing.T) {
	tr := newStubTransport(0, 3)
	m := newTestMaster(t, tr)
	m.Cfg.HeartbeatInterval = 10 * time.Millisecond
	m.Cfg.MaxConsecutiveFailures = 2

	m.workers[1] = &WorkerState{Rank: 1, CurrentShards: map[uint32]bool{}, LastSeen: time.Now().Add(-time.Hour)}
	m.workers[2] = &WorkerState{Rank: 2, CurrentShards: map[uint32]bool{}, LastSeen: time.Now()}
	m.assignment[5] = map[uint32]int{0: 1, 1: 2, 2: 1}

	m.sweepHealth()
	m.sweepHealth()

	m.mu.Lock()
	failed := m.workers[1].Failed
	owners := m.assignment[5]
	m.mu.Unlock()

	if !failed {
		t.Fatal("expected worker 1 to be marked failed after repeated missed heartbeats")
	}
	for shard, rank := range owners {
		if rank == 1 {
			t.Errorf("shard %d still assigned to failed rank 1", shard)
		}
	}

	tr.mu.Lock()
	n := len(tr.broadcasts)
	tr.mu.Unlock()
	if n == 0 {
		t.Error("expected the reassignment to broadcast an updated shard assignment")
	}
}

func TestAverageTaskTimeAndOverloadedShardSelection(t *testing.T) {
	m := newTestMaster(t, newStubTransport(0, 3))
	m.workers[1] = &WorkerState{Rank: 1, CurrentShards: map[uint32]bool{}, AvgTaskTime: 10 * time.Millisecond}
	m.workers[2] = &WorkerState{Rank: 2, CurrentShards: map[uint32]bool{}, AvgTaskTime: 30 * time.Millisecond}

	avg := m.averageTaskTime()
	if avg != 20*time.Millisecond {
		t.Errorf("expected average 20ms, got %v", avg)
	}

	tasks := map[uint32]*dispatchedTask{
		0: {ShardID: 0, Rank: 2, StartedAt: time.Now().Add(-100 * time.Millisecond)},
		1: {ShardID: 1, Rank: 1, StartedAt: time.Now()},
	}
	rank, shardID, ok := m.findOverloadedShard(tasks, avg)
	if !ok {
		t.Fatal("expected an overloaded shard to be found")
	}
	if rank != 2 || shardID != 0 {
		t.Errorf("expected shard 0 on rank 2 to be selected, got shard %d on rank %d", shardID, rank)
	}
}

func TestFindIdleWorker(t *testing.T) {
	m := newTestMaster(t, newStubTransport(0, 3))
	m.workers[1] = &WorkerState{Rank: 1, CurrentShards: map[uint32]bool{0: true}}
	m.workers[2] = &WorkerState{Rank: 2, CurrentShards: map[uint32]bool{}}

	rank, ok := m.findIdleWorker()
	if !ok || rank != 2 {
		t.Errorf("expected idle worker 2, got rank=%d ok=%v", rank, ok)
	}
}

// --- end-to-end dispatch against a real Worker Runtime ---

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find a free port: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func waitUntilUp(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("server at %s never came up", addr)
}

func startTransport(t *testing.T, rank, size int) (transport.Transport, string) {
	t.Helper()
	addr := freeAddr(t)
	tr := transport.New(rank, size, addr)
	go func() { _ = tr.Serve() }()
	waitUntilUp(t, addr)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tr.Shutdown(ctx)
	})
	return tr, addr
}

// countingKernel increments a per-shard counter table entry by 1 each
// time it runs, so a dispatched run over all shards is verifiable by
// summing the table afterward.
type countingKernel struct {
	tables kernel.TableAccessor
}

func (k *countingKernel) Run(method string, params kernel.Params) error {
	gt, err := k.tables(1)
	if err != nil {
		return err
	}
	gt.Update([]byte(method), table.EncodeInt64(1))
	return nil
}

func TestMasterRunAllDispatchesToRealWorkersAndBarrierQuiesces(t *testing.T) {
	masterTr, masterAddr := startTransport(t, 0, 3)
	w1Tr, w1Addr := startTransport(t, 1, 3)
	w2Tr, w2Addr := startTransport(t, 2, 3)

	desc := &table.Descriptor{Name: "counters", TableID: 1, ShardCount: 4, Shard: table.Modulo(), Accumulate: table.Sum()}

	registries := []*table.Registry{table.NewRegistry(), table.NewRegistry()}
	for _, r := range registries {
		if err := r.Register(desc); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	kernels1, kernels2 := kernel.NewRegistry(), kernel.NewRegistry()
	for _, kr := range []*kernel.Registry{kernels1, kernels2} {
		if err := kr.Register("count", func(tables kernel.TableAccessor) kernel.Kernel {
			return &countingKernel{tables: tables}
		}); err != nil {
			t.Fatalf("kernel Register failed: %v", err)
		}
	}

	store1, _ := ckptstore.NewFile(t.TempDir())
	store2, _ := ckptstore.NewFile(t.TempDir())
	cfg := config.FromEnv()
	cfg.NetworkTimeout = 2 * time.Second
	cfg.HeartbeatInterval = time.Hour

	w1 := worker.New(1, w1Tr, registries[0], kernels1, store1, cfg, logging.New("worker", 1))
	w1.RegisterHandlers()
	w2 := worker.New(2, w2Tr, registries[1], kernels2, store2, cfg, logging.New("worker", 2))
	w2.RegisterHandlers()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w1.Run(ctx) }()
	go func() { _ = w2.Run(ctx) }()

	masterTr.SetPeer(1, w1Addr)
	masterTr.SetPeer(2, w2Addr)
	w1Tr.SetPeer(0, masterAddr)
	w2Tr.SetPeer(0, masterAddr)

	m := newTestMaster(t, masterTr)
	m.AddWorker(1, w1Addr)
	m.AddWorker(2, w2Addr)
	m.Tables = registries[0]

	runCtx, runCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer runCancel()
	err := m.RunAll(runCtx, kernel.RunDescriptor{
		KernelName: "count",
		Method:     "Step",
		TableID:    1,
		Barrier:    true,
	})
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}

	for _, w := range m.Workers() {
		if len(w.CurrentShards) != 0 {
			t.Errorf("rank %d still has outstanding shards after RunAll: %v", w.Rank, w.CurrentShards)
		}
	}

	// Every one of the 4 dispatched tasks increments the same fixed key
	// ("Step", the method name), regardless of which shard it was
	// dispatched against, so under the Sum accumulator the final value
	// is the task count once the barrier confirms full quiescence.
	var resp wire.GetResponse
	getCtx, getCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer getCancel()
	shardID := desc.ShardFor([]byte("Step"))
	ownerRank := func() int {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.assignment[1][shardID]
	}()
	if err := masterTr.SendRecv(getCtx, ownerRank, wire.KindGetRequest, wire.GetRequest{TableID: 1, ShardID: shardID, Key: []byte("Step")}, &resp); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if resp.Missing {
		t.Fatal("expected the counter key to be present after the run")
	}
	if got := table.DecodeInt64(resp.Value); got != 4 {
		t.Errorf("expected counter value 4 after all 4 shard tasks ran, got %d", got)
	}
}
