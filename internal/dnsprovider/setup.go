package dnsprovider

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/blockadesystems/certpilot/internal/config"
)

// FromConfig builds the registry for the daemon. The manual provider is always
// present as the fallback; API providers are added when their credentials are
// configured.
func FromConfig(ctx context.Context, cfg config.DNSConfig, out io.Writer, in io.Reader, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.L()
	}
	checker := NewPropagationChecker(cfg.Resolver, cfg.InitialDelay, cfg.PollInterval, logger)
	reg := NewRegistry(NewManual(out, in, cfg.ManualAutoConfirm, cfg.ManualWait, logger), logger)

	if cfg.CloudflareAPIToken != "" {
		cf, err := NewCloudflare(cfg.CloudflareAPIToken, cfg.RecordTTL, checker, logger)
		if err != nil {
			return nil, err
		}
		reg.Register(cf)
	}
	if cfg.Provider == "route53" || cfg.Route53ZoneID != "" {
		r53, err := NewRoute53(ctx, cfg.Route53Region, cfg.Route53ZoneID, cfg.RecordTTL, checker, logger)
		if err != nil {
			return nil, err
		}
		reg.Register(r53)
	}
	logger.Info("DNS providers registered", zap.Strings("providers", reg.Names()), zap.String("selected", cfg.Provider))
	return reg, nil
}
