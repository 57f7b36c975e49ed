// Package breaker implements a per-endpoint circuit breaker. Each endpoint
// has an independent breaker; one endpoint's failures never affect others.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrOpen is returned by Allow while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

// State of the breaker state machine.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Config controls breaker behavior.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before permitting a trial.
	Cooldown time.Duration
	// CooldownMax caps the cooldown when it grows across repeated
	// open -> half-open -> open cycles. Zero disables the growth.
	CooldownMax time.Duration
}

// DefaultConfig returns the breaker defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
		CooldownMax:      5 * time.Minute,
	}
}

// Breaker tracks consecutive failures for one endpoint.
//
// closed -> (threshold consecutive failures) -> open
// open -> (cooldown elapsed) -> half-open, exactly one trial permitted
// half-open -> success -> closed, failure -> open with a longer cooldown
type Breaker struct {
	mu sync.Mutex

	url      string
	cfg      Config
	state    State
	failures int
	openedAt time.Time
	cooldown time.Duration
	trial    bool // a half-open trial is in flight
}

// New creates a breaker for the endpoint identified by url.
func New(url string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	return &Breaker{url: url, cfg: cfg, state: Closed, cooldown: cfg.Cooldown}
}

// Allow reports whether a call may proceed, consuming the half-open trial
// slot when the cooldown has elapsed. Returns ErrOpen otherwise.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if time.Since(b.openedAt) < b.cooldown {
			return ErrOpen
		}
		b.transition(HalfOpen)
		b.trial = true
		return nil
	case HalfOpen:
		if b.trial {
			return ErrOpen
		}
		b.trial = true
		return nil
	}
	return ErrOpen
}

// CanAttempt reports whether Allow would currently admit a call, without
// consuming the half-open trial slot. Used for endpoint selection.
func (b *Breaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		return time.Since(b.openedAt) >= b.cooldown
	case HalfOpen:
		return !b.trial
	}
	return false
}

// RecordSuccess resets the consecutive-failure counter and closes the breaker
// after a successful half-open trial.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.trial = false
	if b.state != Closed {
		b.cooldown = b.cfg.Cooldown
		b.transition(Closed)
	}
}

// RecordFailure counts a consecutive failure, opening the breaker at the
// threshold. A failed half-open trial reopens immediately with a doubled
// cooldown, capped at CooldownMax.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case Closed:
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = time.Now()
			b.transition(Open)
		}
	case HalfOpen:
		b.trial = false
		if b.cfg.CooldownMax > 0 {
			b.cooldown *= 2
			if b.cooldown > b.cfg.CooldownMax {
				b.cooldown = b.cfg.CooldownMax
			}
		}
		b.openedAt = time.Now()
		b.transition(Open)
	case Open:
		// failure recorded between cooldown expiry checks, keep it open
		b.openedAt = time.Now()
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	log.Info().
		Str("url", b.url).
		Str("from", from.String()).
		Str("to", to.String()).
		Int("failures", b.failures).
		Dur("cooldown", b.cooldown).
		Msg("breaker state transition")
}
