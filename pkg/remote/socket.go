package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/riverdelta/eddy/pkg/fact"
)

// Reconnect constants for the watch socket.
const (
	initialSocketBackoff = 1 * time.Second
	maxSocketBackoff     = 30 * time.Second
	socketBackoffFactor  = 2
	eventBufferSize      = 64
)

// Event is one fact update delivered by the watch socket.
type Event struct {
	Space string    `json:"space"`
	Fact  fact.Fact `json:"fact"`
}

// watchRequest is a client-to-server control frame on the watch socket.
type watchRequest struct {
	Action string `json:"action"` // "subscribe" or "unsubscribe"
	Space  string `json:"space"`
	Entity string `json:"entity"`
}

// Socket maintains a websocket subscription feed from the authority.
// Subscriptions are tracked per entity and survive reconnects: every
// new connection replays the full subscription set before events flow.
type Socket struct {
	watchURL   string
	httpClient *http.Client
	logger     *slog.Logger
	sleepFunc  func(ctx context.Context, d time.Duration) error

	// mu guards subs and conn; writes to the connection are serialized
	// through it. The read side is Run's goroutine alone.
	mu   sync.Mutex
	subs map[fact.EntityKey]struct{}
	conn *websocket.Conn

	events chan Event
}

// NewSocket creates a watch socket against the authority at baseURL.
// The httpClient carries any credentials the deployment requires; nil
// uses http.DefaultClient.
func NewSocket(baseURL string, httpClient *http.Client, logger *slog.Logger) *Socket {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Socket{
		watchURL:   baseURL + "/v1/watch",
		httpClient: httpClient,
		logger:     logger,
		sleepFunc:  timeSleep,
		subs:       make(map[fact.EntityKey]struct{}),
		events:     make(chan Event, eventBufferSize),
	}
}

// Events returns the update feed. Events are delivered while Run is
// active; the channel closes when Run returns.
func (s *Socket) Events() <-chan Event {
	return s.events
}

// Subscribe registers interest in an entity and, when connected,
// notifies the authority immediately.
func (s *Socket) Subscribe(ctx context.Context, key fact.EntityKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subs[key] = struct{}{}

	if s.conn == nil {
		return nil
	}

	req := watchRequest{Action: "subscribe", Space: key.Space, Entity: key.Entity}
	if err := wsjson.Write(ctx, s.conn, req); err != nil {
		return fmt.Errorf("remote: subscribing to %s: %w", key, err)
	}

	return nil
}

// Unsubscribe drops interest in an entity and, when connected, notifies
// the authority immediately.
func (s *Socket) Unsubscribe(ctx context.Context, key fact.EntityKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.subs, key)

	if s.conn == nil {
		return nil
	}

	req := watchRequest{Action: "unsubscribe", Space: key.Space, Entity: key.Entity}
	if err := wsjson.Write(ctx, s.conn, req); err != nil {
		return fmt.Errorf("remote: unsubscribing from %s: %w", key, err)
	}

	return nil
}

// Run dials the watch socket and pumps events until the context is
// canceled. Dropped connections are re-dialed with capped doubling
// backoff. Always returns nil after cleanup; transport errors are
// retried, not surfaced.
func (s *Socket) Run(ctx context.Context) error {
	defer close(s.events)

	backoff := initialSocketBackoff

	for {
		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			s.logger.Warn("watch socket dial failed, backing off",
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()),
			)

			if sleepErr := s.sleepFunc(ctx, backoff); sleepErr != nil {
				return nil
			}

			backoff = nextSocketBackoff(backoff)

			continue
		}

		backoff = initialSocketBackoff

		err = s.readLoop(ctx, conn)
		s.teardown(conn)

		if ctx.Err() != nil {
			return nil
		}

		s.logger.Warn("watch socket disconnected, reconnecting",
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		if sleepErr := s.sleepFunc(ctx, backoff); sleepErr != nil {
			return nil
		}

		backoff = nextSocketBackoff(backoff)
	}
}

// dial opens a connection and replays the subscription set.
func (s *Socket) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := websocket.Dial(ctx, s.watchURL, &websocket.DialOptions{HTTPClient: s.httpClient})
	if err != nil {
		return nil, fmt.Errorf("remote: dialing watch socket: %w", err)
	}

	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	if err := s.attach(ctx, conn); err != nil {
		conn.Close(websocket.StatusInternalError, "resubscribe failed")
		return nil, err
	}

	return conn, nil
}

// attach publishes the connection for Subscribe/Unsubscribe writers and
// replays every tracked subscription to the authority.
func (s *Socket) attach(ctx context.Context, conn *websocket.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn = conn

	for key := range s.subs {
		req := watchRequest{Action: "subscribe", Space: key.Space, Entity: key.Entity}
		if err := wsjson.Write(ctx, conn, req); err != nil {
			s.conn = nil
			return fmt.Errorf("remote: replaying subscription for %s: %w", key, err)
		}
	}

	s.logger.Debug("watch socket connected", slog.Int("subscriptions", len(s.subs)))

	return nil
}

// teardown retires the connection so writers stop using it.
func (s *Socket) teardown(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()

	conn.Close(websocket.StatusNormalClosure, "")
}

// readLoop delivers incoming events until the connection drops or the
// context is canceled. Sends block: a dropped update would leave the
// heap stale behind the authority with no recovery short of a re-pull,
// so backpressure slows the feed instead.
func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var ev Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return err
		}

		select {
		case s.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// nextSocketBackoff doubles the backoff up to the cap.
func nextSocketBackoff(current time.Duration) time.Duration {
	next := current * socketBackoffFactor
	if next > maxSocketBackoff {
		return maxSocketBackoff
	}

	return next
}
