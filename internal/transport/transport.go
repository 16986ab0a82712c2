// Package transport implements the Transport component of spec.md §4: rank
// addressed message delivery between the Master and Worker runtimes. It
// generalizes the teacher's cluster.PostJSON/GetJSON helpers (single-shot
// HTTP calls keyed by URL) into a rank-addressed API keyed by process rank,
// with broadcast and a blocking request/reply form for synchronous remote
// gets.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dreamware/torua/internal/errs"
	"github.com/dreamware/torua/internal/wire"
)

// HandlerFunc processes one inbound Envelope. A non-nil reply is marshaled
// back to the caller for SendRecv; handlers invoked via Send or
// SyncBroadcast have their reply ignored (but still observed for error
// reporting).
type HandlerFunc func(ctx context.Context, env wire.Envelope) (reply any, err error)

// Transport is the rank-addressed messaging surface every runtime talks
// to. Rank 0 is always the Master; ranks 1..Size()-1 are Workers
// (spec.md §2).
type Transport interface {
	// Rank returns this process's own rank.
	Rank() int
	// Size returns the total number of ranks in the job.
	Size() int

	// SetPeer records the address for a peer rank, so Send/SendRecv know
	// where to dial. Safe to call before Serve.
	SetPeer(rank int, addr string)

	// RegisterHandler installs fn as the handler for inbound messages of
	// kind. Must be called before Serve.
	RegisterHandler(kind wire.Kind, fn HandlerFunc)

	// Send delivers payload to rank as kind, not waiting for the
	// handler's reply. Used for fire-and-forget messages like
	// PUT_REQUEST chunks.
	Send(ctx context.Context, to int, kind wire.Kind, payload any) error

	// SendRecv delivers payload to rank as kind and decodes the
	// handler's reply into out. Used for synchronous remote GET_REQUEST.
	SendRecv(ctx context.Context, to int, kind wire.Kind, payload any, out any) error

	// SyncBroadcast sends payload as kind to every known peer in
	// parallel and waits for all replies (or the first error), the
	// pattern used for barriers and START_CHECKPOINT/FINISH_CHECKPOINT.
	SyncBroadcast(ctx context.Context, kind wire.Kind, payload any) error

	// Serve starts accepting inbound connections. It blocks until
	// Shutdown is called or an unrecoverable listener error occurs.
	Serve() error

	// Shutdown gracefully stops the inbound listener.
	Shutdown(ctx context.Context) error
}

// httpTransport is the framework's HTTP-based Transport implementation.
// Each rank runs its own http.Server with a single /rpc endpoint; the
// Kind field of the posted Envelope selects the registered handler.
//
// Inbound handlers run on whatever goroutine net/http schedules them on.
// Handlers that touch LocalShard state must not do so directly; instead
// they enqueue work for the single Worker Runtime loop to pick up, per the
// cooperative single-loop design (see internal/worker).
type httpTransport struct {
	client *http.Client
	server *http.Server

	mu    sync.RWMutex
	peers map[int]string
	handlers map[wire.Kind]HandlerFunc

	rank int
	size int
}

// New returns an HTTP-based Transport for this process, listening on
// listenAddr once Serve is called. rank is this process's rank; size is
// the total job size (spec.md §2: rank 0 is the Master, 1..size-1 are
// Workers).
func New(rank, size int, listenAddr string) Transport {
	t := &httpTransport{
		client:   &http.Client{Timeout: 5 * time.Second},
		peers:    make(map[int]string),
		handlers: make(map[wire.Kind]HandlerFunc),
		rank:     rank,
		size:     size,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", t.handleRPC)
	t.server = &http.Server{Addr: listenAddr, Handler: mux}

	return t
}

func (t *httpTransport) Rank() int { return t.rank }
func (t *httpTransport) Size() int { return t.size }

func (t *httpTransport) SetPeer(rank int, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[rank] = addr
}

func (t *httpTransport) RegisterHandler(kind wire.Kind, fn HandlerFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[kind] = fn
}

func (t *httpTransport) addrFor(rank int) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	addr, ok := t.peers[rank]
	return addr, ok
}

func (t *httpTransport) Send(ctx context.Context, to int, kind wire.Kind, payload any) error {
	_, err := t.call(ctx, to, kind, payload, false)
	return err
}

func (t *httpTransport) SendRecv(ctx context.Context, to int, kind wire.Kind, payload any, out any) error {
	env, err := t.call(ctx, to, kind, payload, true)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return wire.Decode(env, out)
}

func (t *httpTransport) call(ctx context.Context, to int, kind wire.Kind, payload any, wantReply bool) (wire.Envelope, error) {
	addr, ok := t.addrFor(to)
	if !ok {
		return wire.Envelope{}, fmt.Errorf("%w: no address for rank %d", errs.ErrPeerUnreachable, to)
	}

	env, err := wire.Encode(kind, t.rank, payload)
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("%w: %v", errs.ErrDecode, err)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("%w: %v", errs.ErrDecode, err)
	}

	url := "http://" + addr + "/rpc"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return wire.Envelope{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return wire.Envelope{}, fmt.Errorf("%w: %v", errs.ErrSendTimeout, err)
		}
		return wire.Envelope{}, fmt.Errorf("%w: %v", errs.ErrPeerUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return wire.Envelope{}, fmt.Errorf("%w: rank %d returned http %d", errs.ErrPeerUnreachable, to, resp.StatusCode)
	}

	if !wantReply {
		return wire.Envelope{}, nil
	}

	var replyEnv wire.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&replyEnv); err != nil {
		return wire.Envelope{}, fmt.Errorf("%w: %v", errs.ErrDecode, err)
	}
	return replyEnv, nil
}

func (t *httpTransport) SyncBroadcast(ctx context.Context, kind wire.Kind, payload any) error {
	t.mu.RLock()
	ranks := make([]int, 0, len(t.peers))
	for r := range t.peers {
		ranks = append(ranks, r)
	}
	t.mu.RUnlock()

	errCh := make(chan error, len(ranks))
	var wg sync.WaitGroup
	for _, r := range ranks {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errCh <- t.Send(ctx, rank, kind, payload)
		}(r)
	}
	wg.Wait()
	close(errCh)

	var firstErr error
	for err := range errCh {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *httpTransport) handleRPC(w http.ResponseWriter, r *http.Request) {
	var env wire.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}

	t.mu.RLock()
	handler, ok := t.handlers[env.Kind]
	t.mu.RUnlock()
	if !ok {
		http.Error(w, fmt.Sprintf("no handler for kind %q", env.Kind), http.StatusNotFound)
		return
	}

	reply, err := handler(r.Context(), env)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if reply == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	replyEnv, err := wire.Encode(env.Kind, t.rank, reply)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(replyEnv)
}

func (t *httpTransport) Serve() error {
	err := t.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (t *httpTransport) Shutdown(ctx context.Context) error {
	return t.server.Shutdown(ctx)
}
