package dnsprovider

import (
	"context"
	"fmt"
	"time"

	"github.com/go-acme/lego/v4/providers/dns/cloudflare"
	"go.uber.org/zap"
)

// challengeSolver is the subset of a lego DNS provider we drive.
type challengeSolver interface {
	Present(domain, token, keyAuth string) error
	CleanUp(domain, token, keyAuth string) error
}

// Cloudflare publishes records through the Cloudflare API using a scoped
// bearer token.
type Cloudflare struct {
	solver  challengeSolver
	checker *PropagationChecker
	logger  *zap.Logger
}

var _ Provider = (*Cloudflare)(nil)

// NewCloudflare builds the provider from an API token.
func NewCloudflare(apiToken string, ttl int, checker *PropagationChecker, logger *zap.Logger) (*Cloudflare, error) {
	if apiToken == "" {
		return nil, fmt.Errorf("dnsprovider: cloudflare API token is required")
	}
	cfg := cloudflare.NewDefaultConfig()
	cfg.AuthToken = apiToken
	cfg.TTL = ttl
	p, err := cloudflare.NewDNSProviderConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("dnsprovider: failed to create cloudflare client: %w", err)
	}
	return newCloudflare(p, checker, logger), nil
}

func newCloudflare(solver challengeSolver, checker *PropagationChecker, logger *zap.Logger) *Cloudflare {
	if logger == nil {
		logger = zap.L()
	}
	return &Cloudflare{
		solver:  solver,
		checker: checker,
		logger:  logger.With(zap.String("package", "dnsprovider"), zap.String("provider", "cloudflare")),
	}
}

func (c *Cloudflare) Name() string { return "cloudflare" }

func (c *Cloudflare) AddTXTRecord(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.solver.Present(rec.Domain, rec.Token, rec.KeyAuth); err != nil {
		return fmt.Errorf("dnsprovider: failed to create TXT record %s: %w", rec.FQDN, err)
	}
	c.logger.Info("TXT record created", zap.String("fqdn", rec.FQDN))
	return nil
}

// RemoveTXTRecord is best effort; failures are logged and not returned.
func (c *Cloudflare) RemoveTXTRecord(ctx context.Context, rec Record) error {
	if err := c.solver.CleanUp(rec.Domain, rec.Token, rec.KeyAuth); err != nil {
		c.logger.Warn("failed to remove TXT record", zap.String("fqdn", rec.FQDN), zap.Error(err))
		return nil
	}
	c.logger.Info("TXT record removed", zap.String("fqdn", rec.FQDN))
	return nil
}

func (c *Cloudflare) WaitForPropagation(ctx context.Context, rec Record, timeout time.Duration) bool {
	return c.checker.Wait(ctx, rec.FQDN, rec.Value, timeout)
}
