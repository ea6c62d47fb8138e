package acme

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/certpilot/internal/acmeclient"
	"github.com/blockadesystems/certpilot/internal/challenge"
	"github.com/blockadesystems/certpilot/internal/model"
)

// OrderState is a step of one issuance, used for logging.
type OrderState string

const (
	StateCreated         OrderState = "CREATED"
	StateAuthorizing     OrderState = "AUTHORIZING"
	StateCSRSubmitted    OrderState = "CSR_SUBMITTED"
	StatePendingFinalize OrderState = "PENDING_FINALIZE"
	StateValid           OrderState = "VALID"
	StateInvalid         OrderState = "INVALID"
	StateTimeout         OrderState = "TIMEOUT"
)

// cleanupTimeout bounds challenge cleanup, which runs even after the issuing
// context has been cancelled.
const cleanupTimeout = 30 * time.Second

// IssuedCertificate is the transient result of an issuance. PrivateKeyPEM is
// plaintext and must be encrypted before it is stored.
type IssuedCertificate struct {
	Domain         string
	CertificatePEM string
	PrivateKeyPEM  string
	ChainPEM       string
}

// Sessions opens CA sessions for the default account.
type Sessions interface {
	GetOrCreateDefaultAccount(ctx context.Context) (*model.AcmeAccount, error)
	Session(ctx context.Context, acc *model.AcmeAccount) (acmeclient.Client, error)
}

// OrderService issues certificates.
type OrderService struct {
	sessions    Sessions
	challenges  *challenge.Registry
	certKeyType string
	poll        acmeclient.PollConfig
	logger      *zap.Logger
}

// NewOrderService creates an OrderService. certKeyType names the key type of
// issued certificates; poll bounds the wait for finalization.
func NewOrderService(sessions Sessions, challenges *challenge.Registry, certKeyType string, poll acmeclient.PollConfig, log *zap.Logger) *OrderService {
	if log == nil {
		log = logger
	} else {
		log = log.With(zap.String("package", "acme"))
	}
	return &OrderService{
		sessions:    sessions,
		challenges:  challenges,
		certKeyType: certKeyType,
		poll:        poll,
		logger:      log,
	}
}

// Issue obtains a certificate for domain using the given challenge type. A new
// private key is generated for every call.
func (s *OrderService) Issue(ctx context.Context, domain string, typ challenge.Type) (*IssuedCertificate, error) {
	if err := ValidateDomain(domain); err != nil {
		return nil, err
	}
	handler, err := s.challenges.Lookup(typ)
	if err != nil {
		return nil, err
	}
	acc, err := s.sessions.GetOrCreateDefaultAccount(ctx)
	if err != nil {
		return nil, err
	}
	client, err := s.sessions.Session(ctx, acc)
	if err != nil {
		return nil, err
	}

	log := s.logger.With(zap.String("domain", domain), zap.String("challenge", string(typ)))
	order, err := client.NewOrder(ctx, []string{domain})
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("order", order.Location))
	transition(log, StateCreated)

	issued, err := s.complete(ctx, log, client, handler, domain, order)
	if err != nil {
		var terr *acmeclient.TimeoutError
		if errors.As(err, &terr) {
			transition(log, StateTimeout, zap.Error(err))
		} else {
			transition(log, StateInvalid, zap.Error(err))
		}
		return nil, err
	}
	transition(log, StateValid)
	return issued, nil
}

func (s *OrderService) complete(ctx context.Context, log *zap.Logger, client acmeclient.Client, handler challenge.Handler, domain string, order *model.Order) (*IssuedCertificate, error) {
	transition(log, StateAuthorizing, zap.Int("authorizations", len(order.Authorizations)))
	for _, authzURL := range order.Authorizations {
		if err := s.authorize(ctx, log, client, handler, domain, authzURL); err != nil {
			return nil, err
		}
	}

	key, err := GenerateKey(s.certKeyType)
	if err != nil {
		return nil, err
	}
	csr, err := buildCSR(key, domain)
	if err != nil {
		return nil, err
	}
	finalized, err := client.FinalizeOrder(ctx, order.FinalizeURL, csr)
	if err != nil {
		return nil, err
	}
	transition(log, StateCSRSubmitted)

	if finalized.Status == model.ACMEStatusInvalid {
		return nil, &acmeclient.ProtocolError{Stage: acmeclient.StageOrder, Identifier: domain, Problem: finalized.Error}
	}
	if finalized.Status != model.ACMEStatusValid || finalized.CertificateURL == "" {
		transition(log, StatePendingFinalize)
		finalized, err = acmeclient.PollOrder(ctx, client, order.Location, domain, s.poll, func(attempt int, status string) {
			log.Debug("order polled", zap.Int("attempt", attempt), zap.String("status", status))
		})
		if err != nil {
			return nil, err
		}
	}
	if finalized.CertificateURL == "" {
		return nil, fmt.Errorf("acme: order for %s is valid but has no certificate URL", domain)
	}

	certPEM, chainPEM, err := client.FetchCertificate(ctx, finalized.CertificateURL)
	if err != nil {
		return nil, err
	}
	return &IssuedCertificate{
		Domain:         domain,
		CertificatePEM: string(certPEM),
		PrivateKeyPEM:  string(EncodeKey(key)),
		ChainPEM:       string(chainPEM),
	}, nil
}

func (s *OrderService) authorize(ctx context.Context, log *zap.Logger, client acmeclient.Client, handler challenge.Handler, domain, authzURL string) error {
	authz, err := client.GetAuthorization(ctx, authzURL)
	if err != nil {
		return err
	}
	if authz.Status == model.ACMEStatusValid {
		log.Debug("authorization already valid", zap.String("identifier", authz.Identifier.Value))
		return nil
	}

	var ch *model.Challenge
	for i := range authz.Challenges {
		if authz.Challenges[i].Type == string(handler.Type()) {
			ch = &authz.Challenges[i]
			break
		}
	}
	if ch == nil {
		return &acmeclient.ProtocolError{
			Stage:      acmeclient.StageAuthorization,
			Identifier: authz.Identifier.Value,
			Problem:    &model.ProblemDetails{Detail: fmt.Sprintf("CA did not offer a %s challenge", handler.Type())},
		}
	}
	keyAuth, err := client.KeyAuthorization(ch.Token)
	if err != nil {
		return err
	}

	task := &challenge.Task{Domain: domain, Challenge: *ch, KeyAuth: keyAuth, Client: client}
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		handler.Cleanup(cctx, task)
	}()
	if err := handler.Prepare(ctx, task); err != nil {
		return err
	}
	return handler.Validate(ctx, task)
}

func buildCSR(key crypto.Signer, domain string) ([]byte, error) {
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domain},
		DNSNames: []string{domain},
	}, key)
	if err != nil {
		return nil, fmt.Errorf("acme: failed to create CSR for %s: %w", domain, err)
	}
	return der, nil
}

func transition(log *zap.Logger, state OrderState, fields ...zap.Field) {
	log.Info("order state changed", append([]zap.Field{zap.String("state", string(state))}, fields...)...)
}
