package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/riverdelta/eddy/pkg/fact"
)

// Retry and backoff constants.
const (
	maxRetries       = 5
	baseBackoff      = 1 * time.Second
	maxBackoff       = 60 * time.Second
	backoffFactor    = 2.0
	jitterFraction   = 0.25
	batchPullWorkers = 8
	userAgent        = "eddy/0.1"
)

// commitRequest is the POST body for a commit batch. The authority
// compare-and-swaps each write's Cause against the entity's current
// head and rejects the whole batch with HTTP 409 on any mismatch.
type commitRequest struct {
	Writes []fact.Fact `json:"writes"`
}

// Client is an HTTP client for a fact authority. It handles request
// construction, retry with exponential backoff, Retry-After throttling,
// and error classification.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates an authority client. The httpClient carries any
// credentials the deployment requires; nil uses http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

// Pull fetches the current fact for an entity. Returns (nil, nil) when
// the entity does not exist remotely — callers use the nil fact to
// distinguish "absent" from transport failure.
func (c *Client) Pull(ctx context.Context, space, entity string) (*fact.Fact, error) {
	path := "/v1/spaces/" + url.PathEscape(space) + "/facts/" + url.PathEscape(entity)

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if errors.Is(err, ErrNotFound) {
		return nil, nil //nolint:nilnil // nil fact means "absent remotely"
	}

	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var f fact.Fact
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		return nil, fmt.Errorf("remote: decoding fact for %s/%s: %w", space, entity, err)
	}

	return &f, nil
}

// Commit pushes a batch of writes to the authority. A compare-and-swap
// rejection surfaces as an error matching ErrConflict; the caller
// decides whether to re-derive and retry.
func (c *Client) Commit(ctx context.Context, space string, writes []fact.Fact) error {
	payload, err := json.Marshal(commitRequest{Writes: writes})
	if err != nil {
		return fmt.Errorf("remote: encoding commit for %s: %w", space, err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/v1/spaces/"+url.PathEscape(space)+"/commit", payload)
	if err != nil {
		return err
	}

	return resp.Body.Close()
}

// BatchPull fetches several entities concurrently through a bounded
// worker pool. Entities absent remotely are omitted from the result
// map; the first transport failure cancels the remaining pulls.
func (c *Client) BatchPull(ctx context.Context, space string, entities []string) (map[string]*fact.Fact, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchPullWorkers)

	var mu sync.Mutex

	results := make(map[string]*fact.Fact, len(entities))

	for _, entity := range entities {
		g.Go(func() error {
			f, err := c.Pull(gctx, space, entity)
			if err != nil {
				return err
			}

			if f == nil {
				return nil
			}

			mu.Lock()
			results[entity] = f
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// do executes an HTTP request against the authority with retry. The
// payload is replayed from scratch on each attempt, so retried POSTs
// send a complete body. The caller must close the response body on
// success.
func (c *Client) do(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	reqURL := c.baseURL + path

	var attempt int
	for {
		resp, err := c.doOnce(ctx, method, reqURL, payload)
		if err != nil {
			// Context cancellation is not retryable.
			if ctx.Err() != nil {
				return nil, fmt.Errorf("remote: request canceled: %w", ctx.Err())
			}

			// Network errors are retryable.
			if attempt < maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", method),
					slog.String("path", path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("remote: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("remote: %s %s failed after %d retries: %w", method, path, maxRetries, err)
		}

		// 2xx — success.
		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			return resp, nil
		}

		// Read and close body for error responses.
		errBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		reqID := resp.Header.Get("request-id")

		if isRetryable(resp.StatusCode) && attempt < maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("remote: request canceled: %w", err)
			}

			attempt++

			continue
		}

		return nil, &RemoteError{
			StatusCode: resp.StatusCode,
			RequestID:  reqID,
			Message:    string(errBody),
			Err:        classifyStatus(resp.StatusCode),
		}
	}
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(ctx context.Context, method, reqURL string, payload []byte) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// retryBackoff returns the backoff duration for a retryable response.
// For 429 responses with a Retry-After header, that value is used.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	// Apply ±25% jitter.
	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for the given duration or until the context is
// canceled. It is the default sleepFunc for Client and Socket.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
