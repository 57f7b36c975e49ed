// Package client is the RPC facade callers use to invoke a named method
// against the node pool. It applies the retry policy: transport failures are
// retried on another endpoint with jittered exponential backoff, node-reported
// errors surface immediately.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/chainsync/internal/pool"
	"github.com/tensorplex-labs/chainsync/internal/substrate"
)

// Client errors. The last underlying error is wrapped so callers can still
// inspect it with errors.As.
var (
	ErrTimeout             = errors.New("rpc call timed out")
	ErrNoAvailableEndpoint = errors.New("no available endpoint")
)

// Caller is the call capability consumers depend on. Satisfied by *Client.
type Caller interface {
	Call(ctx context.Context, method string, params ...any) (json.RawMessage, error)
}

// Config controls the retry policy.
type Config struct {
	// MaxRetries is the total number of attempts per call.
	MaxRetries int
	// BackoffBase is the delay before the second attempt; it doubles each
	// attempt after that.
	BackoffBase time.Duration
	// BackoffCap bounds the backoff delay.
	BackoffCap time.Duration
}

// DefaultConfig returns the retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  3,
		BackoffBase: 250 * time.Millisecond,
		BackoffCap:  5 * time.Second,
	}
}

// Client invokes RPC methods through the connection pool.
type Client struct {
	pool *pool.Pool
	cfg  Config
}

// New creates a client over the given pool.
func New(p *pool.Pool, cfg Config) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultConfig().BackoffCap
	}
	return &Client{pool: p, cfg: cfg}
}

// Call invokes method with params against some healthy endpoint. Transport
// failures invalidate the connection, count against that endpoint's breaker,
// and are retried on another endpoint up to MaxRetries attempts. Remote
// errors release the connection and are surfaced verbatim without retry.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			log.Debug().
				Str("method", method).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Msg("retrying rpc call")
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
			case <-time.After(delay):
			}
		}

		conn, err := c.pool.Acquire(ctx)
		if err != nil {
			lastErr = err
			if errors.Is(err, pool.ErrAllEndpointsUnreachable) || errors.Is(err, pool.ErrPoolClosed) {
				return nil, fmt.Errorf("%w: %v", ErrNoAvailableEndpoint, err)
			}
			if errors.Is(err, pool.ErrPoolExhausted) {
				return nil, fmt.Errorf("%w: %v", ErrNoAvailableEndpoint, err)
			}
			// dial-level transport failure, already counted against the
			// breaker by the pool
			continue
		}

		result, err := conn.Call(ctx, method, params...)
		if err == nil {
			conn.Endpoint().Breaker().RecordSuccess()
			c.pool.Release(conn)
			return result, nil
		}

		var remote *substrate.RemoteError
		if errors.As(err, &remote) {
			// the node answered; the connection is fine and the error final
			conn.Endpoint().Breaker().RecordSuccess()
			c.pool.Release(conn)
			return nil, remote
		}

		conn.Endpoint().Breaker().RecordFailure()
		c.pool.Invalidate(conn)
		lastErr = err
		log.Warn().
			Err(err).
			Str("method", method).
			Str("url", conn.Endpoint().URL()).
			Int("attempt", attempt+1).
			Msg("rpc attempt failed")

		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, lastErr)
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrTimeout, c.cfg.MaxRetries, lastErr)
}

// backoff returns the delay before the given attempt: base doubling per
// attempt, capped, with up to ±20% random jitter to avoid synchronized retry
// storms across concurrent callers.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.BackoffBase << (attempt - 1)
	if d > c.cfg.BackoffCap {
		d = c.cfg.BackoffCap
	}
	jitter := time.Duration(rand.Int63n(2*int64(d)/5+1)) - d/5
	return d + jitter
}
