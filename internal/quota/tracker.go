// Package quota tracks per-provider usage inside rolling time windows and
// answers whether execution may proceed. Usage is a heuristic signal derived
// from call counts against an estimated capacity, not a precise billing
// count; the capacity estimator is pluggable.
package quota

import (
	"sync"
	"time"

	"github.com/praxislabs/dirigent/internal/event"
	"github.com/praxislabs/dirigent/internal/logging"
)

// State describes where a provider's usage sits relative to its thresholds.
type State string

const (
	// StateOK means usage is below the warning threshold.
	StateOK State = "ok"
	// StateWarning means usage is at or above the warning threshold.
	StateWarning State = "warning"
	// StateCritical means usage is at or above 0.9.
	StateCritical State = "critical"
	// StateExceeded means usage is at or above the hard-stop threshold.
	// CanExecute is false only in this state.
	StateExceeded State = "exceeded"
)

// criticalRatio is the fixed ratio at which the critical state begins.
const criticalRatio = 0.9

// escalation orders states for crossing detection.
var escalation = map[State]int{
	StateOK:       0,
	StateWarning:  1,
	StateCritical: 2,
	StateExceeded: 3,
}

// CapacityEstimator reports the nominal call ceiling for a provider's
// window. No hard numeric limit exists upstream, so implementations are
// heuristics.
type CapacityEstimator interface {
	EstimatedCapacity(provider string) int
}

// FixedCapacity is a CapacityEstimator that returns the same ceiling for
// every provider.
type FixedCapacity int

// EstimatedCapacity implements CapacityEstimator.
func (f FixedCapacity) EstimatedCapacity(string) int { return int(f) }

// TierUsage accumulates usage for one hierarchy tier within a window.
type TierUsage struct {
	Calls          int   `json:"calls"`
	TokensSent     int64 `json:"tokens_sent"`
	TokensReceived int64 `json:"tokens_received"`
}

// Window is a snapshot of one provider's rolling usage window.
type Window struct {
	Provider       string               `json:"provider"`
	Start          time.Time            `json:"start"`
	End            time.Time            `json:"end"`
	Calls          int                  `json:"calls"`
	TokensSent     int64                `json:"tokens_sent"`
	TokensReceived int64                `json:"tokens_received"`
	ByTier         map[string]TierUsage `json:"by_tier"`
}

// Status is the externally visible quota state for a provider.
type Status struct {
	Provider string        `json:"provider"`
	Ratio    float64       `json:"ratio"`
	State    State         `json:"state"`
	ResetIn  time.Duration `json:"reset_in"`
}

// Config holds tracker configuration.
type Config struct {
	// WindowDuration is the fixed length of each usage window.
	WindowDuration time.Duration
	// WarningThreshold is the usage ratio at which the warning state begins.
	WarningThreshold float64
	// HardStopThreshold is the usage ratio at which execution is refused.
	HardStopThreshold float64
	// Estimator supplies the per-window call ceiling.
	Estimator CapacityEstimator
}

// Tracker accounts usage per provider inside rolling windows. It owns its
// windows exclusively and is safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	cfg       Config
	bus       *event.Bus
	logger    *logging.Logger
	windows   map[string]*Window
	lastState map[string]State

	// now is swappable for deterministic window rotation in tests.
	now func() time.Time
}

// NewTracker creates a Tracker publishing threshold and rotation events to
// the given bus. A nil bus disables notifications.
func NewTracker(cfg Config, bus *event.Bus, logger *logging.Logger) *Tracker {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.Estimator == nil {
		cfg.Estimator = FixedCapacity(100)
	}
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = 5 * time.Hour
	}
	return &Tracker{
		cfg:       cfg,
		bus:       bus,
		logger:    logger,
		windows:   make(map[string]*Window),
		lastState: make(map[string]State),
		now:       time.Now,
	}
}

// RecordUsage adds one call's usage for a provider and tier, rotating the
// window first if it has expired. Threshold crossings emit exactly one
// notification per transition.
func (t *Tracker) RecordUsage(provider, tier string, sent, received int64) {
	t.mu.Lock()
	w := t.currentWindowLocked(provider)
	w.Calls++
	w.TokensSent += sent
	w.TokensReceived += received

	tu := w.ByTier[tier]
	tu.Calls++
	tu.TokensSent += sent
	tu.TokensReceived += received
	w.ByTier[tier] = tu

	ratio := t.ratioLocked(w)
	state := t.stateFor(ratio)
	prev := t.lastState[provider]
	t.lastState[provider] = state
	t.mu.Unlock()

	if escalation[state] > escalation[prev] {
		t.logger.Warn("quota threshold crossed",
			"provider", provider,
			"state", string(state),
			"ratio", ratio,
		)
		if t.bus != nil {
			t.bus.Publish(event.NewQuotaThresholdEvent(provider, string(state), ratio))
		}
	}
}

// CanExecute reports whether the provider may execute another call.
// It is false if and only if the provider is in the exceeded state.
func (t *Tracker) CanExecute(provider string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.currentWindowLocked(provider)
	return t.stateFor(t.ratioLocked(w)) != StateExceeded
}

// Status returns the current usage ratio, state, and time until the window
// resets for a provider.
func (t *Tracker) Status(provider string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.currentWindowLocked(provider)
	ratio := t.ratioLocked(w)
	return Status{
		Provider: provider,
		Ratio:    ratio,
		State:    t.stateFor(ratio),
		ResetIn:  w.End.Sub(t.now()),
	}
}

// WindowSnapshot returns a copy of the provider's current window.
func (t *Tracker) WindowSnapshot(provider string) Window {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.currentWindowLocked(provider)
	cp := *w
	cp.ByTier = make(map[string]TierUsage, len(w.ByTier))
	for k, v := range w.ByTier {
		cp.ByTier[k] = v
	}
	return cp
}

// currentWindowLocked returns the provider's window, lazily creating or
// rotating it when the end time has passed. Caller holds t.mu.
func (t *Tracker) currentWindowLocked(provider string) *Window {
	now := t.now()
	w, ok := t.windows[provider]
	if ok && now.Before(w.End) {
		return w
	}

	rotated := ok
	w = &Window{
		Provider: provider,
		Start:    now,
		End:      now.Add(t.cfg.WindowDuration),
		ByTier:   make(map[string]TierUsage),
	}
	t.windows[provider] = w
	t.lastState[provider] = StateOK

	if rotated {
		t.logger.Info("quota window rotated", "provider", provider)
		if t.bus != nil {
			// Publish without holding ordering assumptions; the bus is
			// synchronous but handlers must not call back into the tracker
			// while it holds the lock, so defer to a goroutine.
			go t.bus.Publish(event.NewQuotaWindowRotatedEvent(provider, w.Start, w.End))
		}
	}
	return w
}

// ratioLocked computes min(1, calls/capacity) for the window.
func (t *Tracker) ratioLocked(w *Window) float64 {
	capacity := t.cfg.Estimator.EstimatedCapacity(w.Provider)
	if capacity <= 0 {
		return 0
	}
	ratio := float64(w.Calls) / float64(capacity)
	if ratio > 1 {
		return 1
	}
	return ratio
}

// stateFor maps a usage ratio onto the threshold states.
func (t *Tracker) stateFor(ratio float64) State {
	switch {
	case t.cfg.HardStopThreshold > 0 && ratio >= t.cfg.HardStopThreshold:
		return StateExceeded
	case ratio >= criticalRatio:
		return StateCritical
	case t.cfg.WarningThreshold > 0 && ratio >= t.cfg.WarningThreshold:
		return StateWarning
	default:
		return StateOK
	}
}
