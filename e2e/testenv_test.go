//go:build e2e

package e2e

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riverdelta/eddy/pkg/fact"
	"github.com/riverdelta/eddy/pkg/reactor"
	"github.com/riverdelta/eddy/pkg/remote"
	"github.com/riverdelta/eddy/pkg/remote/remotetest"
	"github.com/riverdelta/eddy/pkg/store"
)

const (
	convergeTimeout = 10 * time.Second
	pollInterval    = 20 * time.Millisecond
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startAuthority runs an in-memory authority behind its real wire
// protocol on a local listener.
func startAuthority(t *testing.T) (*remotetest.Server, string) {
	t.Helper()

	srv := remotetest.NewServer(remotetest.New(), testLogger())
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	return srv, hs.URL
}

// engine is one client's full stack against the shared authority:
// SQLite-backed tiered store, scheduler, and watch socket, wired the
// way the daemon wires them.
type engine struct {
	manager *store.Manager
	sched   *reactor.Scheduler
	socket  *remote.Socket
}

func startEngine(t *testing.T, baseURL string, mode reactor.Mode) *engine {
	t.Helper()

	logger := testLogger()

	cache, err := store.OpenCache(filepath.Join(t.TempDir(), "facts.db"), logger)
	require.NoError(t, err)

	client := remote.NewClient(baseURL, http.DefaultClient, logger)
	manager := store.NewManager(cache, client, logger)
	t.Cleanup(func() { _ = manager.Close() })

	e := &engine{
		manager: manager,
		sched:   reactor.NewScheduler(manager, reactor.Config{Mode: mode}, logger),
		socket:  remote.NewSocket(baseURL, http.DefaultClient, logger),
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() { _ = e.sched.Serve(ctx) }()
	go func() { _ = e.socket.Run(ctx) }()
	go e.pump(ctx)

	return e
}

// pump lands watch events in the store and wakes affected actions,
// mirroring the daemon's remote event loop. Echoed and shadowed
// updates leave the visible value unchanged and do not propagate.
func (e *engine) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-e.socket.Events():
			if !ok {
				return
			}

			outcome, err := e.manager.ApplyRemote(ctx, ev.Space, ev.Fact)
			if err != nil {
				continue
			}

			if outcome == store.ReconcileNone || outcome == store.ReconcilePurged {
				e.sched.NotifyChanged(fact.NewAddress(ev.Space, ev.Fact.Entity))
			}
		}
	}
}

// watch subscribes the engine's socket to an entity and blocks until
// the authority has registered the subscription. Comparing against the
// prior count keeps two engines watching the same entity honest.
func (e *engine) watch(t *testing.T, srv *remotetest.Server, key fact.EntityKey) {
	t.Helper()

	before := srv.SubscriberCount(key)
	require.NoError(t, e.socket.Subscribe(context.Background(), key))

	require.Eventually(t, func() bool {
		return srv.SubscriberCount(key) > before
	}, convergeTimeout, pollInterval)
}
