// Package dnsprovider publishes and removes the TXT records used by DNS-01
// challenges and checks that they are visible on public resolvers.
package dnsprovider

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Record is one DNS-01 TXT record.
type Record struct {
	// Domain is the identifier being proven, without any wildcard prefix.
	Domain string
	// FQDN is the record name, e.g. "_acme-challenge.example.com.".
	FQDN string
	// Value is the base64url SHA-256 digest of the key authorization.
	Value string
	// Token and KeyAuth are kept for providers that compute the record themselves.
	Token   string
	KeyAuth string
}

// Provider manages TXT records on one DNS backend.
type Provider interface {
	Name() string
	AddTXTRecord(ctx context.Context, rec Record) error
	RemoveTXTRecord(ctx context.Context, rec Record) error
	// WaitForPropagation reports whether the record became visible before
	// timeout or ctx ended. It never returns an error.
	WaitForPropagation(ctx context.Context, rec Record, timeout time.Duration) bool
}

// Registry maps provider names to providers. Unknown or empty names resolve to
// the manual fallback and the substitution is logged.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	fallback  Provider
	logger    *zap.Logger
}

// NewRegistry creates a registry with fallback registered under its own name.
func NewRegistry(fallback Provider, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.L()
	}
	r := &Registry{
		providers: map[string]Provider{},
		fallback:  fallback,
		logger:    logger.With(zap.String("package", "dnsprovider")),
	}
	r.Register(fallback)
	return r
}

// Register adds or replaces a provider under p.Name().
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Resolve returns the provider registered under name or the fallback.
func (r *Registry) Resolve(name string) Provider {
	r.mu.RLock()
	p, ok := r.providers[name]
	r.mu.RUnlock()
	if ok {
		return p
	}
	if name == "" {
		r.logger.Warn("no DNS provider configured, using fallback", zap.String("fallback", r.fallback.Name()))
	} else {
		r.logger.Warn("DNS provider not registered, using fallback",
			zap.String("requested", name), zap.String("fallback", r.fallback.Name()))
	}
	return r.fallback
}

// Names lists registered providers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
