// Package deploy pushes issued certificates to remote servers over SSH/SFTP
// and reloads the web server when it knows how.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blockadesystems/certpilot/internal/config"
	"github.com/blockadesystems/certpilot/internal/metrics"
	"github.com/blockadesystems/certpilot/internal/model"
	"github.com/blockadesystems/certpilot/internal/storage"
)

var (
	ErrNoServer = errors.New("deploy: certificate has no deployment server")
	ErrNotReady = errors.New("deploy: certificate is not ready for deployment")
)

// FileMode is applied to every uploaded file.
const FileMode os.FileMode = 0o600

const (
	defaultRetries    = 3
	defaultRetryDelay = 5 * time.Second
	recordTimeout     = 10 * time.Second
)

// Session is an open connection to a deployment target.
type Session interface {
	// Upload writes data to remotePath and sets its mode.
	Upload(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error
	// Run executes cmd with stdin and returns combined output.
	Run(ctx context.Context, cmd, stdin string) (string, error)
	Close() error
}

// Dialer opens Sessions.
type Dialer interface {
	Dial(ctx context.Context, srv *model.Server) (Session, error)
}

// Service distributes certificates and records every attempt as a Deployment.
type Service struct {
	store   storage.Storage
	dialer  Dialer
	cfg     config.DeployConfig
	metrics *metrics.Collector
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

type Option func(*Service)

func WithMetrics(c *metrics.Collector) Option { return func(s *Service) { s.metrics = c } }

// WithSleep replaces the wait between connection attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) { s.sleep = fn }
}

func New(store storage.Storage, dialer Dialer, cfg config.DeployConfig, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.L()
	}
	if cfg.ConnectRetries < 1 {
		cfg.ConnectRetries = defaultRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.NginxBinary == "" {
		cfg.NginxBinary = "nginx"
	}
	s := &Service{
		store:  store,
		dialer: dialer,
		cfg:    cfg,
		logger: logger.With(zap.String("package", "deploy")),
		sleep:  sleep,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) server(ctx context.Context, cert *model.Certificate) (*model.Server, error) {
	if cert.ServerID == "" {
		return nil, ErrNoServer
	}
	srv, err := s.store.GetServer(ctx, cert.ServerID)
	if err != nil {
		return nil, fmt.Errorf("deploy: failed to load server: %w", err)
	}
	if srv == nil {
		return nil, fmt.Errorf("%w: server %s does not exist", ErrNoServer, cert.ServerID)
	}
	return srv, nil
}

// CheckReady reports why cert cannot be deployed, or nil.
func (s *Service) CheckReady(ctx context.Context, cert *model.Certificate) error {
	srv, err := s.server(ctx, cert)
	if err != nil {
		return err
	}
	return ready(cert, srv)
}

func ready(cert *model.Certificate, srv *model.Server) error {
	switch {
	case cert.CertificatePEM == "" || cert.PrivateKey == "":
		return fmt.Errorf("%w: %s has not been issued", ErrNotReady, cert.Domain)
	case srv.Host == "":
		return fmt.Errorf("%w: server %s has no host", ErrNotReady, srv.Name)
	case !srv.HasCredentials():
		return fmt.Errorf("%w: server %s has no SSH credentials", ErrNotReady, srv.Name)
	}
	return nil
}

func (s *Service) IsReadyForDeployment(ctx context.Context, cert *model.Certificate) bool {
	return s.CheckReady(ctx, cert) == nil
}

// RemoteDir is the directory certificates are written to on srv.
func (s *Service) RemoteDir(srv *model.Server) string {
	if srv.DeployPath != "" {
		return srv.DeployPath
	}
	return s.cfg.DefaultPath
}

// fileBase names the remote files; a wildcard becomes "_wildcard".
func fileBase(domain string) string {
	return strings.Replace(domain, "*", "_wildcard", 1)
}

type upload struct {
	name string
	data string
}

// Deploy uploads the certificate, key and chain of cert to its server. The
// returned Deployment is the persisted record; it is nil only when nothing was
// recorded.
func (s *Service) Deploy(ctx context.Context, cert *model.Certificate, privateKeyPEM string) (*model.Deployment, error) {
	srv, err := s.server(ctx, cert)
	if err != nil {
		return nil, err
	}
	if err := ready(cert, srv); err != nil {
		return nil, err
	}
	if privateKeyPEM == "" {
		return nil, fmt.Errorf("%w: private key is empty", ErrNotReady)
	}

	dir := s.RemoteDir(srv)
	start := s.now()
	d := &model.Deployment{
		ID:            uuid.NewString(),
		CertificateID: cert.ID,
		ServerID:      srv.ID,
		Status:        model.DeploymentInProgress,
		Path:          dir,
		StartedAt:     start,
	}
	if err := s.store.CreateDeployment(ctx, d); err != nil {
		return nil, fmt.Errorf("deploy: failed to record deployment: %w", err)
	}
	log := s.logger.With(zap.String("deploymentID", d.ID), zap.String("domain", cert.Domain),
		zap.String("server", srv.Name), zap.String("host", srv.Host))
	log.Info("deployment started", zap.String("path", dir))

	err = s.push(ctx, log, srv, cert, privateKeyPEM, dir, d)
	s.metrics.ObserveDeployment(err)
	if err != nil {
		d.Status = model.DeploymentFailed
		d.Message = err.Error()
		log.Error("deployment failed", zap.Error(err))
	} else {
		d.Status = model.DeploymentSuccess
		log.Info("deployment finished", zap.String("message", d.Message))
	}
	finished := s.now()
	d.FinishedAt = &finished
	d.DurationMS = finished.Sub(start).Milliseconds()

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if uerr := s.store.UpdateDeployment(rctx, d); uerr != nil {
		log.Error("failed to record deployment result", zap.Error(uerr))
		if err == nil {
			err = fmt.Errorf("deploy: failed to record deployment result: %w", uerr)
		}
	}
	return d, err
}

func (s *Service) push(ctx context.Context, log *zap.Logger, srv *model.Server, cert *model.Certificate, keyPEM, dir string, d *model.Deployment) error {
	sess, err := s.connect(ctx, log, srv)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Warn("failed to close SSH session", zap.Error(err))
		}
	}()

	base := fileBase(cert.Domain)
	files := []upload{
		{name: base + ".crt", data: cert.CertificatePEM},
		{name: base + ".key", data: keyPEM},
	}
	if cert.ChainPEM != "" {
		files = append(files, upload{name: base + "-chain.crt", data: cert.ChainPEM})
	}
	for _, f := range files {
		remote := path.Join(dir, f.name)
		if err := sess.Upload(ctx, remote, []byte(f.data), FileMode); err != nil {
			return fmt.Errorf("deploy: failed to upload %s: %w", remote, err)
		}
		log.Debug("uploaded file", zap.String("path", remote))
	}
	d.Message = fmt.Sprintf("uploaded %d files to %s", len(files), dir)

	if srv.WebServer == model.WebServerNginx {
		if err := s.reloadNginx(ctx, sess, srv); err != nil {
			log.Warn("nginx reload failed", zap.Error(err))
			d.Message += "; nginx reload failed: " + err.Error()
		} else {
			d.Message += "; nginx reloaded"
		}
	}
	return nil
}

// connect dials srv with linear backoff: the wait before attempt n+1 is
// RetryDelay * n.
func (s *Service) connect(ctx context.Context, log *zap.Logger, srv *model.Server) (Session, error) {
	var last error
	for attempt := 1; attempt <= s.cfg.ConnectRetries; attempt++ {
		sess, err := s.dialer.Dial(ctx, srv)
		if err == nil {
			return sess, nil
		}
		last = err
		log.Warn("SSH connection attempt failed", zap.Int("attempt", attempt),
			zap.Int("maxAttempts", s.cfg.ConnectRetries), zap.Error(err))
		if attempt == s.cfg.ConnectRetries {
			break
		}
		if err := s.sleep(ctx, s.cfg.RetryDelay*time.Duration(attempt)); err != nil {
			return nil, fmt.Errorf("deploy: connection to %s abandoned: %w", srv.Host, err)
		}
	}
	return nil, fmt.Errorf("deploy: failed to connect to %s after %d attempts: %w", srv.Host, s.cfg.ConnectRetries, last)
}

// sudo prefixes cmd so that sudo reads the password from stdin when the
// server has one.
func sudo(srv *model.Server, cmd string) (string, string) {
	if srv.Password != "" {
		return "sudo -S -p '' " + cmd, srv.Password + "\n"
	}
	return "sudo -n " + cmd, ""
}

func (s *Service) reloadNginx(ctx context.Context, sess Session, srv *model.Server) error {
	cmd, stdin := sudo(srv, s.cfg.NginxBinary+" -t")
	if out, err := sess.Run(ctx, cmd, stdin); err != nil {
		return fmt.Errorf("configuration test failed: %w: %s", err, strings.TrimSpace(out))
	}
	cmd, stdin = sudo(srv, s.cfg.NginxBinary+" -s reload")
	if out, err := sess.Run(ctx, cmd, stdin); err != nil {
		return fmt.Errorf("reload failed: %w: %s", err, strings.TrimSpace(out))
	}
	return nil
}

// History lists recorded deployments.
func (s *Service) History(ctx context.Context, filter storage.DeploymentFilter) ([]*model.Deployment, error) {
	out, err := s.store.ListDeployments(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("deploy: failed to list deployments: %w", err)
	}
	return out, nil
}
