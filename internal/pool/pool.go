// Package pool manages a bounded set of node connections across one or more
// node URLs, handing out healthy connections under concurrent demand.
//
// The pool owns endpoint bookkeeping (lease counts, idle connections, health)
// behind a single mutex that is never held across network I/O: dialing a new
// connection happens after a lease slot has been reserved and the lock
// released.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/chainsync/internal/breaker"
)

// Pool errors.
var (
	ErrPoolExhausted           = errors.New("connection pool exhausted")
	ErrAllEndpointsUnreachable = errors.New("all endpoints unreachable")
	ErrPoolClosed              = errors.New("pool is closed")
	ErrNoEndpoints             = errors.New("no endpoints configured")
)

// Default configuration values.
const (
	DefaultMaxPerEndpoint = 5
	DefaultAcquireTimeout = 10 * time.Second
	DefaultIdleTimeout    = 5 * time.Minute
	DefaultReapInterval   = 30 * time.Second
)

// Conn is the transport capability the pool manages. Satisfied by
// *substrate.Conn.
type Conn interface {
	Call(ctx context.Context, method string, params ...any) (json.RawMessage, error)
	Close() error
}

// DialFunc opens a new connection to the node at url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// HealthState of an endpoint as exposed in status reports.
type HealthState string

const (
	Healthy     HealthState = "healthy"
	Degraded    HealthState = "degraded"
	Unreachable HealthState = "unreachable"
)

// Config controls pool behavior.
type Config struct {
	// MaxPerEndpoint bounds simultaneous leases per endpoint.
	MaxPerEndpoint int
	// AcquireTimeout is how long Acquire blocks waiting for a free lease.
	AcquireTimeout time.Duration
	// IdleTimeout is how long an unused connection survives in the idle set.
	IdleTimeout time.Duration
	// ReapInterval is how often the idle reaper runs.
	ReapInterval time.Duration
	// Breaker is the per-endpoint circuit breaker configuration.
	Breaker breaker.Config
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxPerEndpoint: DefaultMaxPerEndpoint,
		AcquireTimeout: DefaultAcquireTimeout,
		IdleTimeout:    DefaultIdleTimeout,
		ReapInterval:   DefaultReapInterval,
		Breaker:        breaker.DefaultConfig(),
	}
}

// Endpoint is one configured node URL and its connection bookkeeping.
// Endpoints are created at pool construction and never removed; a failing
// endpoint is only ever marked unreachable by its breaker.
type Endpoint struct {
	url        string
	brk        *breaker.Breaker
	active     int
	idle       []*PooledConnection
	lastErr    time.Time
	lastLeased time.Time
}

// URL returns the endpoint's node URL.
func (e *Endpoint) URL() string { return e.url }

// Breaker returns the endpoint's circuit breaker. Callers report call
// outcomes here so the breaker sees failures the pool itself never observes.
func (e *Endpoint) Breaker() *breaker.Breaker { return e.brk }

// PooledConnection is a leased handle to an endpoint's connection.
type PooledConnection struct {
	conn      Conn
	ep        *Endpoint
	createdAt time.Time
	lastUsed  time.Time
	closed    bool
}

// Call forwards to the underlying transport connection.
func (pc *PooledConnection) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	return pc.conn.Call(ctx, method, params...)
}

// Endpoint returns the endpoint this lease belongs to.
func (pc *PooledConnection) Endpoint() *Endpoint { return pc.ep }

// Pool hands out PooledConnections across the configured endpoints.
type Pool struct {
	cfg  Config
	dial DialFunc

	mu        sync.Mutex
	cond      *sync.Cond
	endpoints []*Endpoint
	closed    bool

	reapCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a pool over the given node URLs. Connections are dialed lazily
// on Acquire.
func New(urls []string, dial DialFunc, cfg Config) (*Pool, error) {
	if len(urls) == 0 {
		return nil, ErrNoEndpoints
	}
	if cfg.MaxPerEndpoint <= 0 {
		cfg.MaxPerEndpoint = DefaultMaxPerEndpoint
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}

	p := &Pool{cfg: cfg, dial: dial}
	p.cond = sync.NewCond(&p.mu)
	for _, u := range urls {
		p.endpoints = append(p.endpoints, &Endpoint{
			url: u,
			brk: breaker.New(u, cfg.Breaker),
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.reapCancel = cancel
	p.wg.Add(1)
	go p.reapLoop(ctx)

	return p, nil
}

// Acquire leases a connection from the healthiest available endpoint,
// blocking up to the acquire timeout (or ctx deadline, whichever is sooner).
// Fails fast with ErrAllEndpointsUnreachable when every breaker is open.
func (p *Pool) Acquire(ctx context.Context) (*PooledConnection, error) {
	deadline := time.Now().Add(p.cfg.AcquireTimeout)

	// Wake the wait loop when the caller gives up. The broadcast must happen
	// under the lock so it cannot slip between the deadline check and the
	// waiter registration inside cond.Wait.
	waitCtx, cancelWait := context.WithDeadline(ctx, deadline)
	defer cancelWait()
	go func() {
		<-waitCtx.Done()
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	}()

	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if p.allBreakersOpen() {
			p.mu.Unlock()
			return nil, ErrAllEndpointsUnreachable
		}

		ep := p.selectEndpoint()
		if ep != nil {
			if err := ep.brk.Allow(); err != nil {
				// lost a race for the half-open trial slot, look again
				continue
			}
			ep.active++
			ep.lastLeased = time.Now()
			var idle *PooledConnection
			if n := len(ep.idle); n > 0 {
				idle = ep.idle[n-1]
				ep.idle = ep.idle[:n-1]
			}
			p.mu.Unlock()

			if idle != nil {
				idle.lastUsed = time.Now()
				log.Debug().Str("url", ep.url).Msg("connection acquired from idle set")
				return idle, nil
			}
			return p.dialNew(ctx, ep)
		}

		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", ErrPoolExhausted, err)
		}
		if time.Now().After(deadline) {
			p.mu.Unlock()
			log.Warn().Dur("timeout", p.cfg.AcquireTimeout).Msg("pool acquire timed out")
			return nil, ErrPoolExhausted
		}
		p.cond.Wait()
	}
}

// dialNew dials a fresh connection for an endpoint whose lease slot was
// already reserved. Runs without the pool lock held.
func (p *Pool) dialNew(ctx context.Context, ep *Endpoint) (*PooledConnection, error) {
	conn, err := p.dial(ctx, ep.url)

	p.mu.Lock()
	if err != nil {
		ep.active--
		ep.lastErr = time.Now()
		p.cond.Broadcast()
		p.mu.Unlock()

		ep.brk.RecordFailure()
		log.Warn().Err(err).Str("url", ep.url).Msg("connection dial failed")
		return nil, err
	}
	p.mu.Unlock()

	now := time.Now()
	log.Debug().Str("url", ep.url).Msg("connection acquired via dial")
	return &PooledConnection{conn: conn, ep: ep, createdAt: now, lastUsed: now}, nil
}

// Release returns a healthy connection to the endpoint's idle set.
func (p *Pool) Release(pc *PooledConnection) {
	if pc == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	ep := pc.ep
	ep.active--
	if p.closed || pc.closed {
		p.closeConn(pc)
	} else {
		pc.lastUsed = time.Now()
		ep.idle = append(ep.idle, pc)
	}
	p.cond.Broadcast()
}

// Invalidate closes a connection instead of returning it to the pool. Used
// after protocol/transport errors where the socket state is suspect.
func (p *Pool) Invalidate(pc *PooledConnection) {
	if pc == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	ep := pc.ep
	ep.active--
	ep.lastErr = time.Now()
	p.closeConn(pc)
	p.cond.Broadcast()
	log.Debug().Str("url", ep.url).Msg("connection invalidated")
}

// Close shuts the pool down, closing idle connections and rejecting further
// acquires. Leased connections are closed as they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, ep := range p.endpoints {
		for _, pc := range ep.idle {
			p.closeConn(pc)
		}
		ep.idle = nil
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	p.reapCancel()
	p.wg.Wait()
	log.Info().Msg("connection pool closed")
}

// EndpointStatus describes one endpoint for status reporting.
type EndpointStatus struct {
	URL          string
	Health       HealthState
	BreakerState breaker.State
	Active       int
	Idle         int
	LastError    time.Time
}

// Status reports per-endpoint health. An endpoint with an open breaker is
// unreachable; one with recent errors but a closed breaker is degraded.
func (p *Pool) Status() []EndpointStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]EndpointStatus, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		st := ep.brk.State()
		health := Healthy
		switch {
		case st == breaker.Open:
			health = Unreachable
		case st == breaker.HalfOpen || ep.brk.Failures() > 0:
			health = Degraded
		}
		out = append(out, EndpointStatus{
			URL:          ep.url,
			Health:       health,
			BreakerState: st,
			Active:       ep.active,
			Idle:         len(ep.idle),
			LastError:    ep.lastErr,
		})
	}
	return out
}

// selectEndpoint picks the endpoint with the fewest active leases among those
// whose breaker admits calls and whose lease cap is not reached, breaking
// ties by least-recently-leased so consecutive attempts spread across
// endpoints. Must be called with p.mu held.
func (p *Pool) selectEndpoint() *Endpoint {
	var best *Endpoint
	for _, ep := range p.endpoints {
		if ep.active >= p.cfg.MaxPerEndpoint {
			continue
		}
		if !ep.brk.CanAttempt() {
			continue
		}
		if best == nil ||
			ep.active < best.active ||
			(ep.active == best.active && ep.lastLeased.Before(best.lastLeased)) {
			best = ep
		}
	}
	return best
}

// allBreakersOpen must be called with p.mu held.
func (p *Pool) allBreakersOpen() bool {
	for _, ep := range p.endpoints {
		if ep.brk.CanAttempt() {
			return false
		}
	}
	return true
}

// closeConn must be called with p.mu held.
func (p *Pool) closeConn(pc *PooledConnection) {
	pc.closed = true
	if err := pc.conn.Close(); err != nil {
		log.Warn().Err(err).Str("url", pc.ep.url).Msg("error closing connection")
	}
}

const probeTimeout = 5 * time.Second

// reapLoop closes idle connections unused longer than the idle threshold and
// probes the liveness of connections sitting idle for more than one reap
// interval.
func (p *Pool) reapLoop(ctx context.Context) {
	defer p.wg.Done()
	t := time.NewTicker(p.cfg.ReapInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.reapIdle()
		}
	}
}

func (p *Pool) reapIdle() {
	now := time.Now()
	cutoff := now.Add(-p.cfg.IdleTimeout)
	probeCutoff := now.Add(-p.cfg.ReapInterval)

	// Connections pulled out of the idle set for probing; Acquire cannot hand
	// them out while the probe runs.
	var probe []*PooledConnection

	p.mu.Lock()
	for _, ep := range p.endpoints {
		kept := ep.idle[:0]
		for _, pc := range ep.idle {
			switch {
			case pc.lastUsed.Before(cutoff):
				p.closeConn(pc)
				log.Debug().Str("url", ep.url).Time("last_used", pc.lastUsed).Msg("idle connection reaped")
			case pc.lastUsed.Before(probeCutoff):
				probe = append(probe, pc)
			default:
				kept = append(kept, pc)
			}
		}
		ep.idle = kept
	}
	p.mu.Unlock()

	for _, pc := range probe {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		_, err := pc.conn.Call(ctx, "system_health")
		cancel()

		p.mu.Lock()
		if err != nil || p.closed {
			p.closeConn(pc)
			if err != nil {
				pc.ep.lastErr = time.Now()
				log.Warn().Err(err).Str("url", pc.ep.url).Msg("idle connection failed liveness probe")
			}
		} else {
			pc.lastUsed = time.Now()
			pc.ep.idle = append(pc.ep.idle, pc)
		}
		p.mu.Unlock()
	}
}
