// Package syncer runs the background query-map sync loop: a bounded worker
// pool picks up due descriptors and runs fetch + reconcile cycles, one at a
// time per descriptor, independent of foreground request traffic.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/chainsync/internal/querymap"
	"github.com/tensorplex-labs/chainsync/internal/reconcile"
)

// Fetcher is the fetch capability the scheduler drives. Satisfied by
// *querymap.Fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, desc *querymap.Descriptor) (*querymap.Snapshot, error)
}

// Reconciler is the apply capability. Satisfied by *reconcile.Reconciler.
type Reconciler interface {
	Reconcile(ctx context.Context, desc *querymap.Descriptor, snap *querymap.Snapshot) (reconcile.Result, error)
}

// Config controls the scheduler.
type Config struct {
	// Workers is the size of the worker pool, decoupled from the number of
	// registered descriptors.
	Workers int
	// DispatchInterval is how often due descriptors are checked.
	DispatchInterval time.Duration
	// FailureBackoff delays a descriptor's next attempt after a failed cycle,
	// multiplied by the consecutive-failure count.
	FailureBackoff time.Duration
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		DispatchInterval: time.Second,
		FailureBackoff:   time.Minute,
	}
}

// Scheduler owns the registered descriptors and their sync cadence.
type Scheduler struct {
	cfg        Config
	fetcher    Fetcher
	reconciler Reconciler

	mu          sync.Mutex
	descriptors []*querymap.Descriptor

	queue chan *querymap.Descriptor
	wg    sync.WaitGroup
	once  sync.Once

	// dispatchCtx stops new dispatch; cycleCtx hard-stops in-flight cycles
	// only when a graceful shutdown runs out of time.
	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc
	cycleCtx       context.Context
	cycleCancel    context.CancelFunc
}

// New creates a scheduler. Register descriptors before Start.
func New(f Fetcher, r Reconciler, cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = DefaultConfig().DispatchInterval
	}
	if cfg.FailureBackoff <= 0 {
		cfg.FailureBackoff = DefaultConfig().FailureBackoff
	}

	dispatchCtx, dispatchCancel := context.WithCancel(context.Background())
	cycleCtx, cycleCancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:            cfg,
		fetcher:        f,
		reconciler:     r,
		queue:          make(chan *querymap.Descriptor, cfg.Workers*2),
		dispatchCtx:    dispatchCtx,
		dispatchCancel: dispatchCancel,
		cycleCtx:       cycleCtx,
		cycleCancel:    cycleCancel,
	}
}

// Register adds a descriptor to the sync rotation.
func (s *Scheduler) Register(desc *querymap.Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.descriptors = append(s.descriptors, desc)
	log.Info().
		Str("map", desc.ID()).
		Dur("interval", desc.Interval).
		Uint32("page_size", desc.PageSize).
		Msg("query map registered")
}

// Start launches the dispatcher and the worker pool.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.dispatchLoop()

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	log.Info().Int("workers", s.cfg.Workers).Msg("sync scheduler started")
}

// Shutdown stops dispatching new cycles and waits for in-flight ones to
// finish. When the ctx deadline passes first, in-flight cycles are canceled.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.once.Do(func() {
		s.dispatchCancel()
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("sync scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cycleCancel()
		log.Warn().Msg("sync scheduler shutdown timed out, canceling in-flight cycles")
		<-done
		return ctx.Err()
	}
}

// dispatchLoop enqueues due descriptors for the workers.
func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.DispatchInterval)
	defer t.Stop()

	for {
		select {
		case <-s.dispatchCtx.Done():
			close(s.queue)
			return
		case <-t.C:
			s.dispatchDue()
		}
	}
}

func (s *Scheduler) dispatchDue() {
	s.mu.Lock()
	descs := make([]*querymap.Descriptor, len(s.descriptors))
	copy(descs, s.descriptors)
	s.mu.Unlock()

	now := time.Now()
	for _, desc := range descs {
		if !desc.Due(now, s.cfg.FailureBackoff) {
			continue
		}
		select {
		case s.queue <- desc:
		default:
			// queue full; the descriptor stays due and is picked up on the
			// next dispatch tick
		}
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	for desc := range s.queue {
		s.runCycle(id, desc)
	}
}

// runCycle runs one fetch + reconcile cycle for a descriptor. Failures are
// logged and backed off per descriptor; they never propagate to other
// descriptors or stop the workers.
func (s *Scheduler) runCycle(worker int, desc *querymap.Descriptor) {
	if !desc.TryLock() {
		return
	}
	defer desc.Unlock()

	desc.MarkAttempt(time.Now())
	started := time.Now()
	log.Info().Str("map", desc.ID()).Int("worker", worker).Msg("sync cycle started")

	snap, err := s.fetcher.Fetch(s.cycleCtx, desc)
	if err != nil {
		desc.MarkFailed()
		log.Error().Err(err).Str("map", desc.ID()).Msg("sync cycle fetch failed")
		return
	}

	res, err := s.reconciler.Reconcile(s.cycleCtx, desc, snap)
	if err != nil {
		desc.MarkFailed()
		log.Error().Err(err).Str("map", desc.ID()).Msg("sync cycle reconcile failed")
		return
	}

	log.Info().
		Str("map", desc.ID()).
		Uint64("height", snap.Height).
		Int("inserted", res.Inserted).
		Int("updated", res.Updated).
		Int("deleted", res.Deleted).
		Int("unchanged", res.Unchanged).
		Dur("elapsed", time.Since(started)).
		Msg("sync cycle finished")
}
