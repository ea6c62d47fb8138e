package dnsprovider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// DefaultResolver is queried when no resolver is configured.
const DefaultResolver = "8.8.8.8:53"

// PropagationChecker asks a public resolver directly whether a TXT record is
// visible, bypassing the local stub resolver and its cache.
type PropagationChecker struct {
	Resolver     string
	InitialDelay time.Duration
	PollInterval time.Duration

	client *dns.Client
	logger *zap.Logger
}

// NewPropagationChecker returns a checker querying resolver ("host:port").
func NewPropagationChecker(resolver string, initialDelay, pollInterval time.Duration, logger *zap.Logger) *PropagationChecker {
	if resolver == "" {
		resolver = DefaultResolver
	}
	if logger == nil {
		logger = zap.L()
	}
	return &PropagationChecker{
		Resolver:     resolver,
		InitialDelay: initialDelay,
		PollInterval: pollInterval,
		client:       &dns.Client{Net: "udp", Timeout: 5 * time.Second},
		logger:       logger.With(zap.String("package", "dnsprovider"), zap.String("resolver", resolver)),
	}
}

// Lookup returns the TXT strings the resolver holds for fqdn.
func (c *PropagationChecker) Lookup(ctx context.Context, fqdn string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(fqdn), dns.TypeTXT)
	m.RecursionDesired = true

	resp, _, err := c.client.ExchangeContext(ctx, m, c.Resolver)
	if err != nil {
		return nil, fmt.Errorf("dnsprovider: failed to query %s for %s: %w", c.Resolver, fqdn, err)
	}
	if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
		return nil, fmt.Errorf("dnsprovider: resolver %s answered %s for %s", c.Resolver, dns.RcodeToString[resp.Rcode], fqdn)
	}
	var values []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			values = append(values, strings.Join(txt.Txt, ""))
		}
	}
	return values, nil
}

// Wait sleeps for the initial delay, then polls until the record holds value.
// It returns false on timeout or when ctx ends.
func (c *PropagationChecker) Wait(ctx context.Context, fqdn, value string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := c.logger.With(zap.String("fqdn", fqdn))
	if !sleep(ctx, c.InitialDelay) {
		log.Warn("propagation wait ended during initial delay")
		return false
	}
	for attempt := 1; ; attempt++ {
		values, err := c.Lookup(ctx, fqdn)
		if err != nil {
			log.Debug("propagation lookup failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		for _, v := range values {
			if v == value {
				log.Info("TXT record visible", zap.Int("attempt", attempt))
				return true
			}
		}
		if !sleep(ctx, c.PollInterval) {
			log.Warn("TXT record not visible before deadline", zap.Int("attempts", attempt))
			return false
		}
	}
}
