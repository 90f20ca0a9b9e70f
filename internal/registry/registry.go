// Package registry implements the process-wide channel-tag -> adapter map
// (spec §4.F). The registry is immutable after boot: adapters are registered
// once, initialized once, and shut down once from the signal handler.
package registry

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kimjaechol/moa-gateway/internal/channel"
	"github.com/kimjaechol/moa-gateway/internal/metrics"
)

// Registry is the plugin registry singleton.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]channel.Adapter
	active   map[string]bool
	metrics  *metrics.Registry
	logger   *zap.Logger
}

// New constructs an empty Registry. A nil metrics registry simply disables
// the active-adapter gauge.
func New(logger *zap.Logger, reg *metrics.Registry) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		adapters: make(map[string]channel.Adapter),
		active:   make(map[string]bool),
		metrics:  reg,
		logger:   logger,
	}
}

// Register adds an adapter under its channel tag. Registering a second
// adapter for the same tag is an error — only one adapter per channel tag is
// ever allowed.
func (r *Registry) Register(a channel.Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tag := a.Channel()
	if _, exists := r.adapters[tag]; exists {
		return fmt.Errorf("registry: adapter for channel %q already registered", tag)
	}
	r.adapters[tag] = a
	return nil
}

// Get looks up the adapter registered under tag.
func (r *Registry) Get(tag string) (channel.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[tag]
	return a, ok
}

// GetAll returns every registered adapter, keyed by channel tag.
func (r *Registry) GetAll() map[string]channel.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]channel.Adapter, len(r.adapters))
	for k, v := range r.adapters {
		out[k] = v
	}
	return out
}

// GetActive returns adapters that are configured and successfully
// initialized.
func (r *Registry) GetActive() map[string]channel.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]channel.Adapter, len(r.adapters))
	for tag, a := range r.adapters {
		if a.IsConfigured() && r.active[tag] {
			out[tag] = a
		}
	}
	return out
}

// InitializeAll calls Initialize only on configured adapters. Individual
// adapter failures are logged but do not abort boot, unless NO adapter
// initialized successfully, in which case InitializeAll returns an error.
func (r *Registry) InitializeAll(ctx context.Context) error {
	r.mu.Lock()
	all := make(map[string]channel.Adapter, len(r.adapters))
	for k, v := range r.adapters {
		all[k] = v
	}
	r.mu.Unlock()

	succeeded := 0
	for tag, a := range all {
		if !a.IsConfigured() {
			r.logger.Debug("adapter not configured, skipping", zap.String("channel", tag))
			continue
		}
		if err := a.Initialize(ctx); err != nil {
			r.logger.Error("adapter failed to initialize",
				zap.String("channel", tag), zap.Error(err))
			r.setActive(tag, false)
			continue
		}
		r.setActive(tag, true)
		succeeded++
		r.logger.Info("adapter initialized", zap.String("channel", tag))
	}
	if succeeded == 0 && len(all) > 0 {
		return fmt.Errorf("registry: no adapter initialized successfully out of %d registered", len(all))
	}
	return nil
}

// ShutdownAll calls Shutdown on every registered adapter, logging (but not
// propagating) individual failures.
func (r *Registry) ShutdownAll(ctx context.Context) {
	all := r.GetAll()
	for tag, a := range all {
		if err := a.Shutdown(ctx); err != nil {
			r.logger.Error("adapter shutdown failed", zap.String("channel", tag), zap.Error(err))
		}
		r.setActive(tag, false)
	}
}

func (r *Registry) setActive(tag string, ok bool) {
	r.mu.Lock()
	r.active[tag] = ok
	count := 0
	for _, v := range r.active {
		if v {
			count++
		}
	}
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.ActiveAdapters.Set(float64(count))
	}
}
