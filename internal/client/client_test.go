package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tensorplex-labs/chainsync/internal/breaker"
	"github.com/tensorplex-labs/chainsync/internal/pool"
	"github.com/tensorplex-labs/chainsync/internal/substrate"
)

// scriptedNode simulates one node URL: every call consults fail to decide the
// outcome and counts attempts.
type scriptedNode struct {
	calls atomic.Int64
	fail  func(n int64) error
}

type scriptedConn struct {
	node *scriptedNode
	url  string
}

func (c *scriptedConn) Call(_ context.Context, _ string, _ ...any) (json.RawMessage, error) {
	n := c.node.calls.Add(1)
	if c.node.fail != nil {
		if err := c.node.fail(n); err != nil {
			return nil, err
		}
	}
	return json.RawMessage(`"ok"`), nil
}

func (c *scriptedConn) Close() error { return nil }

func newTestPool(t *testing.T, nodes map[string]*scriptedNode, urls ...string) *pool.Pool {
	t.Helper()
	dial := func(_ context.Context, url string) (pool.Conn, error) {
		return &scriptedConn{node: nodes[url], url: url}, nil
	}
	p, err := pool.New(urls, dial, pool.Config{
		MaxPerEndpoint: 2,
		AcquireTimeout: 100 * time.Millisecond,
		Breaker:        breaker.Config{FailureThreshold: 3, Cooldown: time.Minute},
	})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func transportErr(url string) error {
	return &substrate.TransportError{URL: url, Err: fmt.Errorf("connection reset")}
}

func fastConfig() Config {
	return Config{MaxRetries: 3, BackoffBase: time.Millisecond, BackoffCap: 4 * time.Millisecond}
}

func TestCallSuccess(t *testing.T) {
	nodes := map[string]*scriptedNode{"http://a:9933": {}}
	c := New(newTestPool(t, nodes, "http://a:9933"), fastConfig())

	res, err := c.Call(context.Background(), "system_chain")
	require.NoError(t, err)
	require.JSONEq(t, `"ok"`, string(res))
	require.Equal(t, int64(1), nodes["http://a:9933"].calls.Load())
}

func TestRetryBudgetExhausted(t *testing.T) {
	node := &scriptedNode{fail: func(int64) error { return transportErr("http://a:9933") }}
	nodes := map[string]*scriptedNode{"http://a:9933": node}
	c := New(newTestPool(t, nodes, "http://a:9933"), fastConfig())

	_, err := c.Call(context.Background(), "system_chain")
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, int64(3), node.calls.Load(), "must attempt exactly MaxRetries times")
}

func TestRemoteErrorNotRetried(t *testing.T) {
	node := &scriptedNode{fail: func(int64) error {
		return &substrate.RemoteError{Code: -32601, Message: "Method not found"}
	}}
	nodes := map[string]*scriptedNode{"http://a:9933": node}
	c := New(newTestPool(t, nodes, "http://a:9933"), fastConfig())

	_, err := c.Call(context.Background(), "system_bogus")
	var remote *substrate.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, -32601, remote.Code)
	require.Equal(t, int64(1), node.calls.Load(), "remote errors must not be retried")
}

func TestTransportErrorRetriesOnOtherEndpoint(t *testing.T) {
	a := &scriptedNode{fail: func(int64) error { return transportErr("http://a:9933") }}
	b := &scriptedNode{}
	nodes := map[string]*scriptedNode{"http://a:9933": a, "http://b:9933": b}
	c := New(newTestPool(t, nodes, "http://a:9933", "http://b:9933"), fastConfig())

	res, err := c.Call(context.Background(), "system_chain")
	require.NoError(t, err)
	require.JSONEq(t, `"ok"`, string(res))
	require.Equal(t, int64(1), b.calls.Load())
}

func TestFailingEndpointIsolatedByBreaker(t *testing.T) {
	a := &scriptedNode{fail: func(int64) error { return transportErr("http://a:9933") }}
	b := &scriptedNode{}
	nodes := map[string]*scriptedNode{"http://a:9933": a, "http://b:9933": b}
	c := New(newTestPool(t, nodes, "http://a:9933", "http://b:9933"), fastConfig())

	// five foreground calls against a pool where node A always fails at the
	// transport level and node B is healthy
	for i := 0; i < 5; i++ {
		_, err := c.Call(context.Background(), "system_chain")
		require.NoError(t, err)
	}

	// A's breaker opened at the failure threshold; no further attempts
	// reached A once open
	require.Equal(t, int64(3), a.calls.Load())
	require.Equal(t, int64(5), b.calls.Load())
}

func TestAllEndpointsUnreachable(t *testing.T) {
	a := &scriptedNode{fail: func(int64) error { return transportErr("http://a:9933") }}
	nodes := map[string]*scriptedNode{"http://a:9933": a}
	p := newTestPool(t, nodes, "http://a:9933")
	c := New(p, fastConfig())

	// open the breaker
	_, err := c.Call(context.Background(), "system_chain")
	require.ErrorIs(t, err, ErrTimeout)

	_, err = c.Call(context.Background(), "system_chain")
	require.ErrorIs(t, err, ErrNoAvailableEndpoint)
	require.Equal(t, int64(3), a.calls.Load())
}

func TestContextDeadlineSurfacesTimeout(t *testing.T) {
	node := &scriptedNode{fail: func(int64) error { return transportErr("http://a:9933") }}
	nodes := map[string]*scriptedNode{"http://a:9933": node}
	cfg := fastConfig()
	cfg.BackoffBase = 50 * time.Millisecond
	c := New(newTestPool(t, nodes, "http://a:9933"), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.Call(ctx, "system_chain")
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, node.calls.Load(), int64(3))
}

func TestSuccessAfterFailureResetsBreakerCounter(t *testing.T) {
	// fail twice, then recover; the breaker must never open
	node := &scriptedNode{fail: func(n int64) error {
		if n <= 2 {
			return transportErr("http://a:9933")
		}
		return nil
	}}
	nodes := map[string]*scriptedNode{"http://a:9933": node}
	p := newTestPool(t, nodes, "http://a:9933")
	c := New(p, fastConfig())

	_, err := c.Call(context.Background(), "system_chain")
	require.NoError(t, err)

	// two more failing streaks of length 2 would have opened the breaker had
	// the success not reset the counter
	for _, st := range p.Status() {
		require.Equal(t, breaker.Closed, st.BreakerState)
		require.Equal(t, pool.Healthy, st.Health)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	c := &Client{cfg: Config{BackoffBase: 100 * time.Millisecond, BackoffCap: 5 * time.Second}}

	for attempt := 1; attempt <= 4; attempt++ {
		base := c.cfg.BackoffBase << (attempt - 1)
		for i := 0; i < 200; i++ {
			d := c.backoff(attempt)
			require.GreaterOrEqual(t, d, base-base/5, "attempt %d", attempt)
			require.LessOrEqual(t, d, base+base/5, "attempt %d", attempt)
		}
	}
}

func TestBackoffCapped(t *testing.T) {
	c := &Client{cfg: Config{BackoffBase: time.Second, BackoffCap: 2 * time.Second}}

	for i := 0; i < 200; i++ {
		d := c.backoff(10)
		require.LessOrEqual(t, d, c.cfg.BackoffCap+c.cfg.BackoffCap/5)
	}
}
