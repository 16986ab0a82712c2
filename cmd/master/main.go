// Command master runs the Master Runtime (spec.md §4.5): the rank-0
// process that accepts worker registrations, assigns shards, dispatches
// kernel runs, and orchestrates checkpoints. Its admin surface is plain
// HTTP with three endpoints (/register, /workers, /health), after the
// teacher's coordinator binary; dispatch and everything else travels over the rank-
// addressed wire Transport instead of a REST data-plane API.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dreamware/torua/internal/ckptstore"
	"github.com/dreamware/torua/internal/config"
	"github.com/dreamware/torua/internal/logging"
	"github.com/dreamware/torua/internal/master"
	"github.com/dreamware/torua/internal/table"
	"github.com/dreamware/torua/internal/transport"

	"github.com/dreamware/torua/examples/bipartite"
)

func main() {
	cfg := config.FromEnv()
	log := logging.New("master", 0)

	ckpt, err := ckptstore.NewFile(cfg.CheckpointDir)
	if err != nil {
		log.Fatalw("opening checkpoint store", "error", err)
	}

	tr := transport.New(0, cfg.JobSize, cfg.ListenAddr)
	tables := table.NewRegistry()
	// The master never applies writes or fires triggers itself (only
	// workers do, per its single-owner-goroutine invariant), so it
	// registers these descriptors with a nil accessor purely to learn
	// their shape for dispatch (table.Registry.Lookup's ShardCount).
	if err := bipartite.RegisterTables(tables, cfg.ShardCount, nil); err != nil {
		log.Fatalw("registering bipartite tables", "error", err)
	}
	m := master.New(tr, tables, ckpt, cfg, log)
	m.RegisterHandlers()

	go func() {
		if err := tr.Serve(); err != nil {
			log.Fatalw("transport serve", "error", err)
		}
	}()

	healthCtx, stopHealth := context.WithCancel(context.Background())
	go m.StartHealthMonitor(healthCtx)

	srv := newAdminServer(m)
	httpSrv := &http.Server{
		Addr:              cfg.AdminListenAddr,
		Handler:           srv.mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Infow("admin listening", "addr", cfg.AdminListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("admin listen", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Infow("shutting down")
	stopHealth()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx, "master exiting"); err != nil {
		log.Warnw("broadcasting shutdown", "error", err)
	}
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Warnw("admin http shutdown", "error", err)
	}
	if err := tr.Shutdown(ctx); err != nil {
		log.Warnw("transport shutdown", "error", err)
	}
	log.Infow("master stopped")
}

// adminServer holds the HTTP handlers for the master's registration and
// status endpoints, the rank-addressed counterpart of the teacher's
// coordinator server struct.
type adminServer struct {
	m *master.Master

	mu      sync.Mutex
	workers []master.RegisterRequest
}

func newAdminServer(m *master.Master) *adminServer {
	return &adminServer{m: m}
}

func (s *adminServer) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/register", s.handleRegister)
	mux.HandleFunc("/workers", s.handleListWorkers)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// handleRegister records one worker's rank and wire-Transport address,
// the admin-plane equivalent of the teacher's /register handler. Unlike
// the teacher, this never auto-assigns shards: shard assignment happens
// lazily on first dispatch (spec.md §4.5's "on first run, assign shards
// round-robin among workers").
func (s *adminServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req master.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Rank <= 0 || req.Addr == "" {
		http.Error(w, "missing rank/addr", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.workers = append(s.workers, req)
	s.mu.Unlock()

	s.m.AddWorker(req.Rank, req.Addr)
	w.WriteHeader(http.StatusNoContent)
}

func (s *adminServer) handleListWorkers(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(struct {
		Workers []master.WorkerState `json:"workers"`
	}{Workers: s.m.Workers()}); err != nil {
		s.m.Log.Warnw("encoding workers response", "error", err)
	}
}
