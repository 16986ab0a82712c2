// Command worker runs the Worker Runtime (spec.md §4.4): a single
// cooperative loop owning this rank's Local Shards and Global Table
// participation, executing kernel tasks the master dispatches to it.
// Startup mirrors the teacher's node binary (register with the
// coordinator, then serve until a shutdown signal), adapted to register
// by rank instead of string node ID and to serve the wire Transport
// instead of a shard/store REST API.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dreamware/torua/internal/cluster"
	"github.com/dreamware/torua/internal/ckptstore"
	"github.com/dreamware/torua/internal/config"
	"github.com/dreamware/torua/internal/kernel"
	"github.com/dreamware/torua/internal/logging"
	"github.com/dreamware/torua/internal/master"
	"github.com/dreamware/torua/internal/table"
	"github.com/dreamware/torua/internal/transport"
	"github.com/dreamware/torua/internal/worker"

	"github.com/dreamware/torua/examples/bipartite"
)

// logFatal is a variable so tests can intercept fatal errors instead of
// terminating the process, mirroring cmd/node's indirection.
var logFatal = log.Fatalf

func main() {
	rank := mustGetenvInt("TORUA_RANK")
	public := getenv("TORUA_WORKER_ADDR", "")
	if public == "" {
		logFatal("TORUA_WORKER_ADDR is required")
	}

	cfg := config.FromEnv()
	log := logging.New("worker", rank)

	ckpt, err := ckptstore.NewFile(cfg.CheckpointDir)
	if err != nil {
		logFatal("opening checkpoint store: %v", err)
	}

	tr := transport.New(rank, cfg.JobSize, cfg.ListenAddr)
	tr.SetPeer(0, cfg.MasterAddr)

	tables := table.NewRegistry()
	kernels := kernel.NewRegistry()

	w := worker.New(rank, tr, tables, kernels, ckpt, cfg, log)
	w.RegisterHandlers()

	// Table descriptors are registered after the Worker itself so the
	// bipartite example's cross-table triggers can resolve other tables
	// through w.TableAccessor at Fire time (internal/worker.Worker's
	// globalTables map only needs to exist, not be populated, yet).
	if err := bipartite.RegisterKernel(kernels); err != nil {
		logFatal("registering bipartite kernel: %v", err)
	}
	if err := bipartite.RegisterTables(tables, cfg.ShardCount, w.TableAccessor()); err != nil {
		logFatal("registering bipartite tables: %v", err)
	}

	go func() {
		if err := tr.Serve(); err != nil {
			logFatal("transport serve: %v", err)
		}
	}()

	registerWithMaster(context.Background(), cfg.MasterAdminAddr, rank, public)

	runCtx, cancelRun := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- w.Run(runCtx) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case <-stop:
		log.Infow("shutting down")
	case err := <-runDone:
		if err != nil {
			log.Errorw("run loop exited", "error", err)
		}
	}

	cancelRun()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Shutdown(shutdownCtx); err != nil {
		log.Warnw("transport shutdown", "error", err)
	}
	<-runDone
	log.Infow("worker stopped")
}

// registerWithMaster announces this worker's rank and public Transport
// address to the master's admin endpoint, retrying to absorb master
// startup delay, mirroring cmd/node's register function.
func registerWithMaster(ctx context.Context, masterAdminAddr string, rank int, addr string) {
	body := master.RegisterRequest{Rank: rank, Addr: addr}
	url := "http://" + masterAdminAddr + "/register"
	var lastErr error
	for i := 0; i < 10; i++ {
		lastErr = cluster.PostJSON(ctx, url, body, nil)
		if lastErr == nil {
			log.Printf("worker[%d] registered with master @ %s", rank, masterAdminAddr)
			return
		}
		log.Printf("register retry %d: %v", i+1, lastErr)
		time.Sleep(400 * time.Millisecond)
	}
	logFatal("failed to register with master: %v", lastErr)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustGetenvInt(k string) int {
	v := os.Getenv(k)
	if v == "" {
		logFatal("%s is required", k)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logFatal("%s must be an integer: %v", k, err)
	}
	return n
}
