package tier

import (
	"sync"
	"time"

	"github.com/gftdcojp/asset-stream-cache/internal/metrics"
	"github.com/gftdcojp/asset-stream-cache/internal/types"
	"go.uber.org/zap"
)

// Decision is a change of target tier.
type Decision struct {
	From     types.TierID
	To       types.TierID
	Distance float64
	At       time.Time
}

// Selector turns a stream of distance reports into tier decisions. Reports
// arriving within the throttle window of the last accepted one are coalesced:
// only the latest is kept and evaluated once the window elapses.
type Selector struct {
	table  *Table
	window time.Duration
	logger *zap.Logger

	mu             sync.Mutex
	target         types.TierID
	lastDistance   float64
	reported       bool
	lastAcceptedAt time.Time
	accepted       bool
	pending        bool
	pendingAt      float64
}

// NewSelector creates a selector starting at the far tier.
func NewSelector(table *Table, window time.Duration, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{
		table:  table,
		window: window,
		logger: logger,
		target: types.TierFar,
	}
}

// Table returns the selector's distance table.
func (s *Selector) Table() *Table { return s.table }

// Window returns the throttle window.
func (s *Selector) Window() time.Duration { return s.window }

// HandleDistanceChange records distance. It returns a decision when the
// report is accepted and its tier differs from the current target.
func (s *Selector) HandleDistanceChange(distance float64, now time.Time) (Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastDistance = distance
	s.reported = true

	if s.accepted && now.Sub(s.lastAcceptedAt) < s.window {
		s.pending = true
		s.pendingAt = distance
		metrics.DistanceReports.WithLabelValues("coalesced").Inc()
		return Decision{}, false
	}

	s.pending = false
	return s.evaluateLocked(distance, now)
}

// Flush evaluates the coalesced report once the throttle window has elapsed.
func (s *Selector) Flush(now time.Time) (Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.pending || now.Sub(s.lastAcceptedAt) < s.window {
		return Decision{}, false
	}
	s.pending = false
	return s.evaluateLocked(s.pendingAt, now)
}

func (s *Selector) evaluateLocked(distance float64, now time.Time) (Decision, bool) {
	s.lastAcceptedAt = now
	s.accepted = true
	metrics.DistanceReports.WithLabelValues("accepted").Inc()

	next := s.table.CalculateTier(distance)
	if next == s.target {
		return Decision{}, false
	}

	d := Decision{From: s.target, To: next, Distance: distance, At: now}
	s.target = next
	metrics.TierChanges.WithLabelValues(d.From.String(), d.To.String()).Inc()
	s.logger.Debug("target tier changed",
		zap.String("from", d.From.String()),
		zap.String("to", d.To.String()),
		zap.Float64("distance", distance),
	)
	return d, true
}

// Target returns the current target tier.
func (s *Selector) Target() types.TierID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// LastDistance returns the most recent report, accepted or not.
func (s *Selector) LastDistance() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDistance, s.reported
}

// Pending reports whether a coalesced report awaits Flush.
func (s *Selector) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}
