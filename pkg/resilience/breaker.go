package resilience

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSettings parameterize one named circuit breaker.
type BreakerSettings struct {
	// FailureThreshold consecutive failures trip the breaker open.
	FailureThreshold uint32
	// RecoveryTimeout is how long the breaker stays open before probing.
	RecoveryTimeout time.Duration
	// SuccessThreshold consecutive half-open successes close the breaker.
	SuccessThreshold uint32
}

// DefaultBreakerSettings are the process-wide defaults.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
	}
}

// BreakerRegistry holds one circuit breaker per named resource
// (llm, cache, oracle, doris, postgres, ...). Process-wide; breakers are
// created lazily on first use.
type BreakerRegistry struct {
	settings BreakerSettings
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates a registry with the given default settings.
func NewBreakerRegistry(settings BreakerSettings) *BreakerRegistry {
	return &BreakerRegistry{
		settings: settings,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Execute runs fn through the breaker named name. When the breaker is open
// (or half-open at capacity) the call fails fast with ErrCircuitOpen.
func (r *BreakerRegistry) Execute(name string, fn func() (any, error)) (any, error) {
	out, err := r.breaker(name).Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, ErrCircuitOpen
	}
	return out, err
}

// State returns the current state string for a named breaker:
// "closed", "open", or "half-open".
func (r *BreakerRegistry) State(name string) string {
	return r.breaker(name).State().String()
}

// Counts returns the rolling counts for a named breaker.
func (r *BreakerRegistry) Counts(name string) gobreaker.Counts {
	return r.breaker(name).Counts()
}

// Names returns the names of all breakers created so far.
func (r *BreakerRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.breakers))
	for n := range r.breakers {
		names = append(names, n)
	}
	return names
}

func (r *BreakerRegistry) breaker(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	s := r.settings
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: name,
		// MaxRequests half-open probes must all succeed before closing,
		// which is exactly the success-threshold semantic.
		MaxRequests: s.SuccessThreshold,
		Timeout:     s.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	r.breakers[name] = cb
	return cb
}
