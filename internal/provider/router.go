package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy bounds transient-failure retries on a single provider before
// falling through to the next one in the chain.
type RetryPolicy struct {
	Attempts int           // total tries per provider, minimum 1
	Delay    time.Duration // fixed delay between tries
}

// Router manages registered providers and routes completion requests with
// per-role bindings, fallback chains, and bounded retries.
type Router struct {
	providers map[string]Provider
	bindings  map[string]string   // role -> providerID
	fallbacks map[string][]string // role -> fallback provider chain
	defaults  string              // default provider ID
	retry     RetryPolicy
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a provider router with the given retry policy.
func NewRouter(retry RetryPolicy, logger *zap.Logger) *Router {
	if retry.Attempts < 1 {
		retry.Attempts = 1
	}
	return &Router{
		providers: make(map[string]Provider),
		bindings:  make(map[string]string),
		fallbacks: make(map[string][]string),
		retry:     retry,
		logger:    logger,
	}
}

// Register adds a provider. The first registered provider becomes the default.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// SetDefault sets the default provider.
func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = providerID
}

// Bind associates a worker role with a specific provider.
func (r *Router) Bind(role, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[role] = providerID
}

// SetFallbacks configures fallback providers for a role.
func (r *Router) SetFallbacks(role string, providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[role] = providerIDs
}

// Complete routes a request through the provider bound to the role, retrying
// transient failures up to the configured attempt count and degrading to the
// fallback chain before giving up.
func (r *Router) Complete(ctx context.Context, role string, req *Request) (*Response, error) {
	r.mu.RLock()
	primary := r.pick(role)
	chain := r.fallbacks[role]
	r.mu.RUnlock()

	if primary == nil {
		return nil, fmt.Errorf("no provider available for role %s", role)
	}

	resp, err := r.completeWithRetry(ctx, primary, req)
	if err == nil {
		return resp, nil
	}
	r.logger.Warn("primary provider failed, trying fallbacks",
		zap.String("role", role), zap.Error(err))

	for _, fbID := range chain {
		r.mu.RLock()
		fb, ok := r.providers[fbID]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		resp, err = r.completeWithRetry(ctx, fb, req)
		if err == nil {
			return resp, nil
		}
		r.logger.Warn("fallback provider failed", zap.String("provider", fbID), zap.Error(err))
	}

	return nil, fmt.Errorf("all providers failed for role %s: %w", role, err)
}

func (r *Router) completeWithRetry(ctx context.Context, p Provider, req *Request) (*Response, error) {
	var lastErr error
	for attempt := 1; attempt <= r.retry.Attempts; attempt++ {
		resp, err := p.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < r.retry.Attempts {
			r.logger.Debug("provider call failed, retrying",
				zap.String("provider", p.ID()),
				zap.Int("attempt", attempt),
				zap.Error(err))
			select {
			case <-time.After(r.retry.Delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

func (r *Router) pick(role string) Provider {
	if pid, ok := r.bindings[role]; ok {
		if p, ok := r.providers[pid]; ok {
			return p
		}
	}
	if p, ok := r.providers[r.defaults]; ok {
		return p
	}
	return nil
}

// GetProvider returns a provider by ID.
func (r *Router) GetProvider(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// ListProviders returns all registered providers.
func (r *Router) ListProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	return result
}
