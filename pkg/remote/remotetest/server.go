package remotetest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/riverdelta/eddy/pkg/fact"
	"github.com/riverdelta/eddy/pkg/remote"
)

// watcherBufferSize bounds the per-connection event queue. Sends block
// once it fills, so a slow watcher throttles commits instead of
// silently losing updates.
const watcherBufferSize = 64

// commitPayload mirrors the commit POST body the client sends.
type commitPayload struct {
	Writes []fact.Fact `json:"writes"`
}

// watchControl mirrors the client-to-server control frames on the
// watch socket.
type watchControl struct {
	Action string `json:"action"`
	Space  string `json:"space"`
	Entity string `json:"entity"`
}

// Server exposes an Authority over the authority wire protocol: HTTP
// pull and commit plus the websocket watch feed. Successful commits
// fan out to every watcher subscribed to the written entities, so two
// clients pointed at the same Server observe each other's writes.
type Server struct {
	authority *Authority
	logger    *slog.Logger

	mu       sync.Mutex
	watchers map[*watcher]struct{}
}

// watcher is one connected watch socket and its subscription set.
type watcher struct {
	mu   sync.Mutex
	subs map[fact.EntityKey]struct{}

	out  chan remote.Event
	done chan struct{}
}

func (w *watcher) wants(key fact.EntityKey) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, ok := w.subs[key]

	return ok
}

func (w *watcher) set(key fact.EntityKey, subscribed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if subscribed {
		w.subs[key] = struct{}{}
	} else {
		delete(w.subs, key)
	}
}

// NewServer wraps an authority with the wire protocol. A nil logger
// uses slog.Default.
func NewServer(authority *Authority, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		authority: authority,
		logger:    logger,
		watchers:  make(map[*watcher]struct{}),
	}
}

// Authority returns the wrapped in-memory authority for direct
// seeding and inspection.
func (s *Server) Authority() *Authority {
	return s.authority
}

// Handler returns the authority's HTTP surface. Mount it on a test or
// development server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/spaces/{space}/facts/{entity}", s.handlePull)
	mux.HandleFunc("POST /v1/spaces/{space}/commit", s.handleCommit)
	mux.HandleFunc("GET /v1/watch", s.handleWatch)

	return mux
}

// Publish installs a head directly and fans it out to watchers,
// emulating a write that arrived through some other channel. Seed, in
// contrast, installs silently.
func (s *Server) Publish(space string, f fact.Fact) {
	s.authority.Seed(space, f)
	s.broadcast(space, f)
}

// SubscriberCount reports how many connected watchers are subscribed
// to key. Tests use it to wait for a subscribe frame to land before
// committing, so the commit's broadcast cannot race it.
func (s *Server) SubscriberCount(key fact.EntityKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int

	for wt := range s.watchers {
		if wt.wants(key) {
			n++
		}
	}

	return n
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	space := r.PathValue("space")
	entity := r.PathValue("entity")

	f, err := s.authority.Pull(r.Context(), space, entity)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	if f == nil {
		http.Error(w, "no fact for "+space+"/"+entity, http.StatusNotFound)

		return
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(f); err != nil {
		s.logger.Warn("encoding pull response", slog.Any("error", err))
	}
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	space := r.PathValue("space")

	var payload commitPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "malformed commit body: "+err.Error(), http.StatusBadRequest)

		return
	}

	if err := s.authority.Commit(r.Context(), space, payload.Writes); err != nil {
		if errors.Is(err, remote.ErrConflict) {
			http.Error(w, err.Error(), http.StatusConflict)

			return
		}

		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	// The batch landed atomically; now every watcher hears about it.
	for _, f := range payload.Writes {
		s.broadcast(space, f)
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("watch upgrade failed", slog.Any("error", err))

		return
	}
	defer conn.CloseNow()

	wt := &watcher{
		subs: make(map[fact.EntityKey]struct{}),
		out:  make(chan remote.Event, watcherBufferSize),
		done: make(chan struct{}),
	}

	s.register(wt)
	defer s.unregister(wt)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go writeEvents(ctx, conn, wt)

	s.readControls(ctx, conn, wt)
}

// readControls applies subscribe/unsubscribe frames until the
// connection drops.
func (s *Server) readControls(ctx context.Context, conn *websocket.Conn, wt *watcher) {
	for {
		var req watchControl
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}

		key := fact.EntityKey{Space: req.Space, Entity: req.Entity}

		switch req.Action {
		case "subscribe":
			wt.set(key, true)
		case "unsubscribe":
			wt.set(key, false)
		default:
			s.logger.Warn("unknown watch action", slog.String("action", req.Action))
		}
	}
}

// writeEvents drains the watcher's queue onto the connection.
func writeEvents(ctx context.Context, conn *websocket.Conn, wt *watcher) {
	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-wt.out:
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) register(wt *watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.watchers[wt] = struct{}{}
}

func (s *Server) unregister(wt *watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.watchers, wt)
	close(wt.done)
}

// broadcast queues an event on every watcher subscribed to the
// written entity. A full queue blocks until the watcher drains or
// disconnects.
func (s *Server) broadcast(space string, f fact.Fact) {
	key := fact.EntityKey{Space: space, Entity: f.Entity}
	ev := remote.Event{Space: space, Fact: f}

	s.mu.Lock()
	targets := make([]*watcher, 0, len(s.watchers))

	for wt := range s.watchers {
		if wt.wants(key) {
			targets = append(targets, wt)
		}
	}
	s.mu.Unlock()

	for _, wt := range targets {
		select {
		case wt.out <- ev:
		case <-wt.done:
		}
	}
}
