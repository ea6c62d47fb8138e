package challenge

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/certpilot/internal/acmeclient"
	"github.com/blockadesystems/certpilot/internal/dnsprovider"
)

// DNS01Handler publishes the challenge TXT record through a DNS provider.
type DNS01Handler struct {
	provider           dnsprovider.Provider
	propagationTimeout time.Duration
	poll               acmeclient.PollConfig
	logger             *zap.Logger
}

var _ Handler = (*DNS01Handler)(nil)

func NewDNS01Handler(provider dnsprovider.Provider, propagationTimeout time.Duration, poll acmeclient.PollConfig, logger *zap.Logger) *DNS01Handler {
	if logger == nil {
		logger = zap.L()
	}
	return &DNS01Handler{
		provider:           provider,
		propagationTimeout: propagationTimeout,
		poll:               poll,
		logger: logger.With(zap.String("package", "challenge"), zap.String("type", string(DNS01)),
			zap.String("provider", provider.Name())),
	}
}

func (h *DNS01Handler) Type() Type { return DNS01 }

// Record returns the TXT record for task.
func Record(task *Task) dnsprovider.Record {
	return dnsprovider.Record{
		Domain:  acmeclient.ChallengeDomain(task.Domain),
		FQDN:    acmeclient.DNS01FQDN(task.Domain),
		Value:   acmeclient.DNS01Value(task.KeyAuth),
		Token:   task.Challenge.Token,
		KeyAuth: task.KeyAuth,
	}
}

func (h *DNS01Handler) Prepare(ctx context.Context, task *Task) error {
	rec := Record(task)
	if err := h.provider.AddTXTRecord(ctx, rec); err != nil {
		return fmt.Errorf("challenge: failed to publish TXT record for %s: %w", task.Domain, err)
	}
	if !h.provider.WaitForPropagation(ctx, rec, h.propagationTimeout) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("challenge: propagation wait for %s interrupted: %w", task.Domain, err)
		}
		// The CA may see the record before our resolver does.
		h.logger.Warn("TXT record not confirmed on public resolver, continuing",
			zap.String("fqdn", rec.FQDN), zap.Duration("timeout", h.propagationTimeout))
	}
	return nil
}

func (h *DNS01Handler) Validate(ctx context.Context, task *Task) error {
	return accept(ctx, task, h.poll)
}

func (h *DNS01Handler) Cleanup(ctx context.Context, task *Task) {
	rec := Record(task)
	if err := h.provider.RemoveTXTRecord(ctx, rec); err != nil {
		h.logger.Warn("failed to remove TXT record", zap.String("fqdn", rec.FQDN), zap.Error(err))
	}
}
