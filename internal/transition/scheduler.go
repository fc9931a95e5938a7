// Package transition animates changes between resolution tiers.
package transition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gftdcojp/asset-stream-cache/internal/metrics"
	"github.com/gftdcojp/asset-stream-cache/internal/tier"
	"github.com/gftdcojp/asset-stream-cache/internal/types"
	"go.uber.org/zap"
)

// Outcome is how a transition ended.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeSuperseded
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeSuperseded:
		return "superseded"
	case OutcomeCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Observer is notified when a transition completes.
type Observer func(to types.TierID, cfg tier.Config) error

// Handle tracks one transition.
type Handle struct {
	From      types.TierID
	To        types.TierID
	StartedAt time.Time
	Duration  time.Duration
	Easing    Easing

	startLevel float64
	done       chan struct{}
	outcome    Outcome
}

// Done is closed when the transition ends for any reason.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the transition ends or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (h *Handle) progress(now time.Time) float64 {
	if h.Duration <= 0 {
		return 1
	}
	p := float64(now.Sub(h.StartedAt)) / float64(h.Duration)
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

// Scheduler runs at most one transition at a time. Step advances it; tests
// drive Step with synthetic time.
type Scheduler struct {
	table  *tier.Table
	clock  func() time.Time
	logger *zap.Logger

	mu        sync.Mutex
	current   types.TierID
	level     float64
	active    *Handle
	observers []Observer
}

// NewScheduler creates a scheduler displaying the far tier.
func NewScheduler(table *tier.Table, clock func() time.Time, logger *zap.Logger) *Scheduler {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.CurrentTier.Set(float64(types.TierFar))
	return &Scheduler{
		table:   table,
		clock:   clock,
		logger:  logger,
		current: types.TierFar,
		level:   float64(types.TierFar),
	}
}

// Begin starts a transition to `to`, superseding any active one. The new
// transition starts from the current interpolated level.
func (s *Scheduler) Begin(from, to types.TierID, duration time.Duration, easing Easing) *Handle {
	h := &Handle{
		From:      from,
		To:        to,
		StartedAt: s.clock(),
		Duration:  duration,
		Easing:    easing,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev := s.active; prev != nil {
		s.finishLocked(prev, OutcomeSuperseded)
		s.logger.Debug("transition superseded",
			zap.String("from", prev.From.String()),
			zap.String("to", prev.To.String()),
			zap.String("new_to", to.String()),
		)
	}
	h.startLevel = s.level
	s.active = h
	return h
}

// Cancel stops h if it is still active. The level stays where it was.
func (s *Scheduler) Cancel(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == h && h != nil {
		s.finishLocked(h, OutcomeCancelled)
	}
}

// OnComplete registers an observer for completed transitions.
func (s *Scheduler) OnComplete(obs Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, obs)
}

// Step advances the active transition to now. Completion commits the target
// tier before observers are notified.
func (s *Scheduler) Step(now time.Time) {
	s.mu.Lock()
	h := s.active
	if h == nil {
		s.mu.Unlock()
		return
	}

	p := h.progress(now)
	s.level = h.startLevel + (float64(h.To)-h.startLevel)*h.Easing.Apply(p)
	if p < 1 {
		s.mu.Unlock()
		return
	}

	s.current = h.To
	s.level = float64(h.To)
	s.finishLocked(h, OutcomeCompleted)
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	metrics.CurrentTier.Set(float64(h.To))
	s.logger.Info("tier transition completed", zap.String("tier", h.To.String()))

	cfg := s.table.Config(h.To)
	for i, obs := range observers {
		if err := notify(obs, h.To, cfg); err != nil {
			metrics.ObserverFailures.Inc()
			s.logger.Error("transition observer failed",
				zap.Int("observer", i),
				zap.String("tier", h.To.String()),
				zap.Error(err),
			)
		}
	}
}

func notify(obs Observer, to types.TierID, cfg tier.Config) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panicked: %v", r)
		}
	}()
	return obs(to, cfg)
}

func (s *Scheduler) finishLocked(h *Handle, outcome Outcome) {
	h.outcome = outcome
	close(h.done)
	if s.active == h {
		s.active = nil
	}
	metrics.Transitions.WithLabelValues(outcome.String()).Inc()
}

// Current returns the committed tier.
func (s *Scheduler) Current() types.TierID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Level returns the interpolated tier position.
func (s *Scheduler) Level() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

// Active returns the running transition, or nil.
func (s *Scheduler) Active() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Run calls Step every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("transition: step interval must be > 0")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Step(s.clock())
		}
	}
}
