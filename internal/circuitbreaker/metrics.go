package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "research_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name", "service"},
	)
	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_circuit_breaker_requests_total",
			Help: "Requests through circuit breakers",
		},
		[]string{"name", "service", "state", "result"},
	)
	breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "service", "from_state", "to_state"},
	)
)

// Registry tracks breakers for metric export and health reporting.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// Metrics is the process-wide registry.
var Metrics = &Registry{breakers: make(map[string]*Breaker)}

// Track registers b and hooks its transitions into the state metrics.
func (r *Registry) Track(service string, b *Breaker) {
	r.mu.Lock()
	r.breakers[service+":"+b.name] = b
	r.mu.Unlock()

	b.mu.Lock()
	prev := b.settings.OnTransition
	b.settings.OnTransition = func(name string, from, to State) {
		if prev != nil {
			prev(name, from, to)
		}
		breakerTransitions.WithLabelValues(name, service, from.String(), to.String()).Inc()
		breakerState.WithLabelValues(name, service).Set(float64(to))
	}
	b.mu.Unlock()
	breakerState.WithLabelValues(b.name, service).Set(float64(StateClosed))
}

// Open lists "service:name" keys of breakers that are currently open.
func (r *Registry) Open() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for key, b := range r.breakers {
		if b.State() == StateOpen {
			out = append(out, key)
		}
	}
	return out
}

func (r *Registry) observe(name, service string, state State, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	breakerRequests.WithLabelValues(name, service, state.String(), result).Inc()
}

// refresh re-exports the state gauge, advancing breakers whose cooldown expired.
func (r *Registry) refresh() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for key, b := range r.breakers {
		service := key[:len(key)-len(b.name)-1]
		breakerState.WithLabelValues(b.name, service).Set(float64(b.State()))
	}
}

// StartMetricsCollection refreshes breaker gauges until stop is closed.
func StartMetricsCollection(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				Metrics.refresh()
			}
		}
	}()
}
