// Package lifecycle owns the state of managed certificates: creation,
// renewal, expiry tracking and access to the decrypted key.
package lifecycle

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blockadesystems/certpilot/internal/acme"
	"github.com/blockadesystems/certpilot/internal/challenge"
	"github.com/blockadesystems/certpilot/internal/lock"
	"github.com/blockadesystems/certpilot/internal/metrics"
	"github.com/blockadesystems/certpilot/internal/model"
	"github.com/blockadesystems/certpilot/internal/secrets"
	"github.com/blockadesystems/certpilot/internal/storage"
	"github.com/blockadesystems/certpilot/internal/validation"
)

var (
	ErrDuplicateDomain = errors.New("lifecycle: a certificate for this domain already exists")
	ErrNotFound        = errors.New("lifecycle: certificate not found")
	ErrInvalidStatus   = errors.New("lifecycle: operation not allowed in current status")
	ErrNotIssued       = errors.New("lifecycle: certificate has not been issued")
)

// persistTimeout bounds the FAILED write after the caller's context has ended.
const persistTimeout = 10 * time.Second

// Issuer obtains certificates from the CA.
type Issuer interface {
	Issue(ctx context.Context, domain string, typ challenge.Type) (*acme.IssuedCertificate, error)
}

// CreateRequest describes a new managed certificate.
type CreateRequest struct {
	Domain        string
	ChallengeType string
	AdminEmail    string
	// AlertDaysBefore defaults to model.DefaultAlertDaysBefore when zero.
	AlertDaysBefore int
	// ServerID optionally names the deployment target.
	ServerID string
}

// Service manages certificates.
type Service struct {
	store       storage.Storage
	issuer      Issuer
	cipher      *secrets.Cipher
	locker      lock.Locker
	validator   *validation.Validator
	metrics     *metrics.Collector
	defaultType challenge.Type
	logger      *zap.Logger
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithMetrics(c *metrics.Collector) Option { return func(s *Service) { s.metrics = c } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithDefaultChallenge sets the type used when a request names none.
func WithDefaultChallenge(t challenge.Type) Option { return func(s *Service) { s.defaultType = t } }

func New(store storage.Storage, issuer Issuer, cipher *secrets.Cipher, locker lock.Locker, validator *validation.Validator, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.L()
	}
	s := &Service{
		store:       store,
		issuer:      issuer,
		cipher:      cipher,
		locker:      locker,
		validator:   validator,
		defaultType: challenge.Default,
		logger:      logger.With(zap.String("package", "lifecycle")),
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func lockKey(domain string) string { return "certificate:" + domain }

func (s *Service) challengeType(name string) (challenge.Type, error) {
	if name == "" {
		return s.defaultType, nil
	}
	return challenge.ParseType(name)
}

// Create issues a certificate for a new domain. The record is stored PENDING
// before the CA is contacted and ends ACTIVE or FAILED.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.Certificate, error) {
	domain := strings.ToLower(strings.TrimSpace(req.Domain))
	if err := acme.ValidateDomain(domain); err != nil {
		return nil, err
	}
	typ, err := s.challengeType(req.ChallengeType)
	if err != nil {
		return nil, err
	}
	if req.ServerID != "" {
		srv, err := s.store.GetServer(ctx, req.ServerID)
		if err != nil {
			return nil, fmt.Errorf("lifecycle: failed to look up server: %w", err)
		}
		if srv == nil {
			return nil, fmt.Errorf("lifecycle: server %s does not exist", req.ServerID)
		}
	}
	alertDays := req.AlertDaysBefore
	if alertDays <= 0 {
		alertDays = model.DefaultAlertDaysBefore
	}

	unlock, err := s.locker.Lock(ctx, lockKey(domain))
	if err != nil {
		return nil, fmt.Errorf("lifecycle: failed to lock %s: %w", domain, err)
	}
	defer unlock()

	existing, err := s.store.GetCertificateByDomain(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: failed to check for existing certificate: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateDomain, domain)
	}

	cert := &model.Certificate{
		ID:              uuid.NewString(),
		Domain:          domain,
		Status:          model.StatusPending,
		ChallengeType:   string(typ),
		AdminEmail:      req.AdminEmail,
		AlertDaysBefore: alertDays,
		ServerID:        req.ServerID,
	}
	if err := s.store.CreateCertificate(ctx, cert); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateDomain, domain)
		}
		return nil, fmt.Errorf("lifecycle: failed to store certificate: %w", err)
	}
	log := s.logger.With(zap.String("certificateID", cert.ID), zap.String("domain", domain))
	log.Info("certificate created", zap.String("challenge", string(typ)))

	if err := s.issue(ctx, log, cert, typ, metrics.OpCreate); err != nil {
		return cert, err
	}
	return cert, nil
}

// Renew replaces the key and certificate of an ACTIVE, EXPIRING_SOON or
// EXPIRED certificate.
func (s *Service) Renew(ctx context.Context, id string) (*model.Certificate, error) {
	cert, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := s.locker.Lock(ctx, lockKey(cert.Domain))
	if err != nil {
		return nil, fmt.Errorf("lifecycle: failed to lock %s: %w", cert.Domain, err)
	}
	defer unlock()

	// Another holder may have changed it while we waited.
	cert, err = s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cert.Status.Renewable() {
		return cert, fmt.Errorf("%w: cannot renew %s certificate", ErrInvalidStatus, cert.Status)
	}
	typ, err := s.challengeType(cert.ChallengeType)
	if err != nil {
		return cert, err
	}

	cert.Status = model.StatusRenewing
	cert.RenewalAttempts++
	if err := s.store.UpdateCertificate(ctx, cert); err != nil {
		return cert, fmt.Errorf("lifecycle: failed to mark certificate renewing: %w", err)
	}
	log := s.logger.With(zap.String("certificateID", cert.ID), zap.String("domain", cert.Domain))
	log.Info("renewing certificate", zap.Int("attempt", cert.RenewalAttempts))

	if err := s.issue(ctx, log, cert, typ, metrics.OpRenew); err != nil {
		return cert, err
	}
	return cert, nil
}

func (s *Service) issue(ctx context.Context, log *zap.Logger, cert *model.Certificate, typ challenge.Type, op string) error {
	start := s.now()
	err := s.obtain(ctx, cert, typ)
	s.metrics.ObserveIssuance(op, s.now().Sub(start), err)
	if err != nil {
		log.Error("issuance failed", zap.String("operation", op), zap.Error(err))
		s.fail(ctx, log, cert, err)
		return err
	}
	log.Info("certificate issued", zap.String("operation", op), zap.Timep("expiresAt", cert.ExpiresAt))
	return nil
}

func (s *Service) obtain(ctx context.Context, cert *model.Certificate, typ challenge.Type) error {
	issued, err := s.issuer.Issue(ctx, cert.Domain, typ)
	if err != nil {
		return err
	}
	notBefore, notAfter, err := certificateDates(issued.CertificatePEM)
	if err != nil {
		return err
	}
	encrypted, err := s.cipher.Encrypt(issued.PrivateKeyPEM)
	if err != nil {
		return fmt.Errorf("lifecycle: failed to encrypt private key: %w", err)
	}
	cert.CertificatePEM = issued.CertificatePEM
	cert.ChainPEM = issued.ChainPEM
	cert.PrivateKey = encrypted
	cert.IssuedAt = &notBefore
	cert.ExpiresAt = &notAfter
	cert.Status = model.StatusActive
	cert.LastError = ""
	if err := s.store.UpdateCertificate(ctx, cert); err != nil {
		return fmt.Errorf("lifecycle: failed to store issued certificate: %w", err)
	}
	return nil
}

// fail records cause on cert. It writes on a detached context so a cancelled
// request still leaves the record FAILED.
func (s *Service) fail(ctx context.Context, log *zap.Logger, cert *model.Certificate, cause error) {
	cert.Status = model.StatusFailed
	cert.LastError = cause.Error()
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.store.UpdateCertificate(pctx, cert); err != nil {
		log.Error("failed to record certificate failure", zap.Error(err))
	}
}

func certificateDates(certPEM string) (time.Time, time.Time, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return time.Time{}, time.Time{}, errors.New("lifecycle: issued certificate is not PEM encoded")
	}
	c, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("lifecycle: failed to parse issued certificate: %w", err)
	}
	return c.NotBefore.UTC(), c.NotAfter.UTC(), nil
}

// FindExpiring returns ACTIVE, EXPIRING_SOON and EXPIRED certificates whose
// notAfter falls within days from now.
func (s *Service) FindExpiring(ctx context.Context, days int) ([]*model.Certificate, error) {
	before := s.now().Add(time.Duration(days) * 24 * time.Hour)
	certs, err := s.store.FindCertificatesExpiringBefore(ctx, before,
		model.StatusActive, model.StatusExpiringSoon, model.StatusExpired)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: failed to find expiring certificates: %w", err)
	}
	return certs, nil
}

// RefreshStatuses moves certificates to EXPIRING_SOON inside their alert
// window and to EXPIRED after notAfter. It returns how many changed.
func (s *Service) RefreshStatuses(ctx context.Context) (int, error) {
	certs, err := s.store.ListCertificates(ctx, storage.CertificateFilter{})
	if err != nil {
		return 0, fmt.Errorf("lifecycle: failed to list certificates: %w", err)
	}
	now := s.now()
	counts := map[model.CertificateStatus]int{}
	changed := 0
	for _, c := range certs {
		next := nextStatus(c, now)
		if next != c.Status {
			s.logger.Info("certificate status changed", zap.String("certificateID", c.ID), zap.String("domain", c.Domain),
				zap.String("from", string(c.Status)), zap.String("to", string(next)))
			c.Status = next
			if err := s.store.UpdateCertificate(ctx, c); err != nil {
				return changed, fmt.Errorf("lifecycle: failed to update status of %s: %w", c.Domain, err)
			}
			changed++
		}
		counts[c.Status]++
	}
	s.metrics.SetCertificateCounts(counts)
	return changed, nil
}

func nextStatus(c *model.Certificate, now time.Time) model.CertificateStatus {
	if c.ExpiresAt == nil || (c.Status != model.StatusActive && c.Status != model.StatusExpiringSoon) {
		return c.Status
	}
	if now.After(*c.ExpiresAt) {
		return model.StatusExpired
	}
	alert := c.AlertDaysBefore
	if alert <= 0 {
		alert = model.DefaultAlertDaysBefore
	}
	if c.ExpiresAt.Sub(now) <= time.Duration(alert)*24*time.Hour {
		return model.StatusExpiringSoon
	}
	return c.Status
}

// DecryptPrivateKey returns the plaintext PEM key of cert. Keys stored before
// encryption was enabled are returned as is.
func (s *Service) DecryptPrivateKey(cert *model.Certificate) (string, error) {
	if cert.PrivateKey == "" {
		return "", ErrNotIssued
	}
	key, err := s.cipher.Decrypt(cert.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("lifecycle: failed to decrypt key for %s: %w", cert.Domain, err)
	}
	return key, nil
}

func (s *Service) Get(ctx context.Context, id string) (*model.Certificate, error) {
	cert, err := s.store.GetCertificate(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: failed to load certificate: %w", err)
	}
	if cert == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cert, nil
}

func (s *Service) List(ctx context.Context, filter storage.CertificateFilter) ([]*model.Certificate, error) {
	certs, err := s.store.ListCertificates(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: failed to list certificates: %w", err)
	}
	return certs, nil
}

// Delete removes a certificate and its deployment history.
func (s *Service) Delete(ctx context.Context, id string) error {
	cert, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	unlock, err := s.locker.Lock(ctx, lockKey(cert.Domain))
	if err != nil {
		return fmt.Errorf("lifecycle: failed to lock %s: %w", cert.Domain, err)
	}
	defer unlock()
	if err := s.store.DeleteCertificate(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("lifecycle: failed to delete certificate: %w", err)
	}
	s.logger.Info("certificate deleted", zap.String("certificateID", id), zap.String("domain", cert.Domain))
	return nil
}

// Validate runs the validation engine against a stored certificate.
func (s *Service) Validate(ctx context.Context, id string) (*model.CertificateValidationResult, error) {
	cert, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cert.CertificatePEM == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotIssued, cert.Domain)
	}
	return s.validator.Validate(validation.Input{
		CertificatePEM: cert.CertificatePEM,
		ChainPEM:       cert.ChainPEM,
		ExpectedDomain: cert.Domain,
	}), nil
}
