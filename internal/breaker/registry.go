package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/fleetguard/fleetguard/pkg/config"
	"github.com/fleetguard/fleetguard/pkg/events"
	"github.com/fleetguard/fleetguard/pkg/logging"
	"github.com/fleetguard/fleetguard/pkg/metrics"
)

// Registry owns the set of named breakers and their periodic evaluator.
// Breakers are created lazily on first use and share the registry's default
// tuning unless a per-name override is registered first.
type Registry struct {
	cfg     config.BreakerConfig
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *logging.Logger

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRegistry creates a breaker registry with the given default tuning
func NewRegistry(cfg config.BreakerConfig, bus *events.Bus, m *metrics.Metrics, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Registry{
		cfg:      cfg,
		bus:      bus,
		metrics:  m,
		logger:   logger.WithComponent("breaker_registry"),
		breakers: make(map[string]*CircuitBreaker),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Get returns the breaker for name, creating it on first use
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb = New(name, r.cfg, r.bus, r.metrics, r.logger)
	r.breakers[name] = cb
	r.logger.Debug("Created circuit breaker", "name", name)
	return cb
}

// Register installs a breaker with custom tuning under its name. An existing
// breaker with the same name is replaced.
func (r *Registry) Register(name string, cfg config.BreakerConfig) *CircuitBreaker {
	cb := New(name, cfg, r.bus, r.metrics, r.logger)
	r.mu.Lock()
	r.breakers[name] = cb
	r.mu.Unlock()
	return cb
}

// Call executes op under the named breaker
func (r *Registry) Call(ctx context.Context, name string, op Operation) error {
	return r.Get(name).Call(ctx, op)
}

// Snapshots returns the observable state of every registered breaker
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Snapshot, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.Snapshot()
	}
	return out
}

// ResetAll resets every registered breaker
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
}

// Start launches the periodic evaluator goroutine
func (r *Registry) Start(ctx context.Context) {
	go r.run(ctx)
}

func (r *Registry) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.cfg.EvalInterval)
	defer ticker.Stop()

	r.logger.Info("Circuit breaker evaluator started", "interval", r.cfg.EvalInterval.String())
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case now := <-ticker.C:
			r.evaluateAll(now)
		}
	}
}

func (r *Registry) evaluateAll(now time.Time) {
	r.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.RUnlock()

	for _, cb := range breakers {
		cb.Evaluate(now)
	}
}

// Stop terminates the evaluator and waits for it to exit
func (r *Registry) Stop() {
	close(r.stopCh)
	<-r.doneCh
}
