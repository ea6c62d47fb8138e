// Package scheduler periodically renews certificates that are close to expiry
// and, when configured, redeploys them.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/blockadesystems/certpilot/internal/config"
	"github.com/blockadesystems/certpilot/internal/metrics"
	"github.com/blockadesystems/certpilot/internal/model"
)

// Renewer is the part of the lifecycle service the scheduler drives.
type Renewer interface {
	RefreshStatuses(ctx context.Context) (int, error)
	FindExpiring(ctx context.Context, days int) ([]*model.Certificate, error)
	Renew(ctx context.Context, id string) (*model.Certificate, error)
	DecryptPrivateKey(cert *model.Certificate) (string, error)
}

// Deployer pushes renewed certificates to their servers.
type Deployer interface {
	IsReadyForDeployment(ctx context.Context, cert *model.Certificate) bool
	Deploy(ctx context.Context, cert *model.Certificate, privateKeyPEM string) (*model.Deployment, error)
}

// Summary counts the outcome of one sweep.
type Summary struct {
	Expiring int
	Renewed  int
	Failed   int
	Deployed int
}

type Scheduler struct {
	renewer  Renewer
	deployer Deployer
	cfg      config.SchedulerConfig
	limiter  *rate.Limiter
	metrics  *metrics.Collector
	logger   *zap.Logger
}

type Option func(*Scheduler)

func WithMetrics(c *metrics.Collector) Option { return func(s *Scheduler) { s.metrics = c } }

// New creates a Scheduler. deployer may be nil, which disables auto-deploy.
func New(renewer Renewer, deployer Deployer, cfg config.SchedulerConfig, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.L()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.RenewBeforeDays <= 0 {
		cfg.RenewBeforeDays = model.DefaultAlertDaysBefore
	}
	limit := rate.Inf
	if cfg.RenewalsPerMin > 0 {
		limit = rate.Limit(cfg.RenewalsPerMin / 60)
	}
	s := &Scheduler{
		renewer:  renewer,
		deployer: deployer,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger.With(zap.String("package", "scheduler")),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start sweeps once immediately and then every Interval until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Starting scheduler", zap.Duration("interval", s.cfg.Interval), zap.Int("workers", s.cfg.Workers))
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping scheduler")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce refreshes statuses and renews everything inside the renewal window.
func (s *Scheduler) RunOnce(ctx context.Context) Summary {
	var sum Summary
	defer s.metrics.SchedulerRun()

	if changed, err := s.renewer.RefreshStatuses(ctx); err != nil {
		s.logger.Error("Failed to refresh certificate statuses", zap.Error(err))
	} else if changed > 0 {
		s.logger.Info("Certificate statuses refreshed", zap.Int("changed", changed))
	}

	certs, err := s.renewer.FindExpiring(ctx, s.cfg.RenewBeforeDays)
	if err != nil {
		s.logger.Error("Failed to find expiring certificates", zap.Error(err))
		return sum
	}
	sum.Expiring = len(certs)
	if len(certs) == 0 {
		return sum
	}

	jobs := make(chan *model.Certificate)
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for cert := range jobs {
				renewed, deployed := s.process(ctx, cert)
				mu.Lock()
				if renewed {
					sum.Renewed++
				} else {
					sum.Failed++
				}
				if deployed {
					sum.Deployed++
				}
				mu.Unlock()
			}
		}()
	}

dispatch:
	for _, c := range certs {
		select {
		case jobs <- c:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	s.logger.Info("Renewal sweep finished", zap.Int("expiring", sum.Expiring),
		zap.Int("renewed", sum.Renewed), zap.Int("failed", sum.Failed), zap.Int("deployed", sum.Deployed))
	return sum
}

func (s *Scheduler) process(ctx context.Context, cert *model.Certificate) (renewed, deployed bool) {
	log := s.logger.With(zap.String("certificateID", cert.ID), zap.String("domain", cert.Domain))
	if err := s.limiter.Wait(ctx); err != nil {
		log.Warn("Renewal skipped", zap.Error(err))
		return false, false
	}
	renewedCert, err := s.renewer.Renew(ctx, cert.ID)
	if err != nil {
		log.Error("Renewal failed", zap.Error(err))
		return false, false
	}
	if !s.cfg.AutoDeploy || s.deployer == nil || renewedCert.ServerID == "" {
		return true, false
	}
	if !s.deployer.IsReadyForDeployment(ctx, renewedCert) {
		log.Warn("Renewed certificate is not ready for deployment")
		return true, false
	}
	key, err := s.renewer.DecryptPrivateKey(renewedCert)
	if err != nil {
		log.Error("Failed to decrypt key for deployment", zap.Error(err))
		return true, false
	}
	if _, err := s.deployer.Deploy(ctx, renewedCert, key); err != nil {
		log.Error("Auto-deploy failed", zap.Error(err))
		return true, false
	}
	return true, true
}
