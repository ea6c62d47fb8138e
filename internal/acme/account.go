package acme

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blockadesystems/certpilot/internal/acmeclient"
	"github.com/blockadesystems/certpilot/internal/config"
	"github.com/blockadesystems/certpilot/internal/model"
	"github.com/blockadesystems/certpilot/internal/storage"
)

// AccountService manages the single CA account used for all orders.
type AccountService struct {
	store     storage.Storage
	connector acmeclient.Connector
	cfg       config.ACMEConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewAccountService creates an AccountService for the configured directory and email.
func NewAccountService(store storage.Storage, connector acmeclient.Connector, cfg config.ACMEConfig, log *zap.Logger) *AccountService {
	if log == nil {
		log = logger
	} else {
		log = log.With(zap.String("package", "acme"))
	}
	return &AccountService{
		store:     store,
		connector: connector,
		cfg:       cfg,
		logger:    log,
		now:       time.Now,
	}
}

// GetOrCreateDefaultAccount returns the ACTIVE account for the configured email
// and directory, registering a new one when none exists or the stored one was
// deactivated.
func (s *AccountService) GetOrCreateDefaultAccount(ctx context.Context) (*model.AcmeAccount, error) {
	if s.cfg.Email == "" {
		return nil, ErrNoEmail
	}
	log := s.logger.With(zap.String("email", s.cfg.Email), zap.String("directory", s.cfg.DirectoryURL))

	existing, err := s.store.GetAcmeAccount(ctx, s.cfg.Email, s.cfg.DirectoryURL)
	if err != nil {
		return nil, fmt.Errorf("acme: failed to load account: %w", err)
	}
	if existing != nil && existing.Status == model.AccountActive {
		return existing, nil
	}
	if existing != nil {
		log.Info("stored account is deactivated, registering a replacement", zap.String("accountID", existing.ID))
	}

	key, err := GenerateKey(s.cfg.AccountKeyType)
	if err != nil {
		return nil, err
	}
	accountURL, err := s.connector.Register(ctx, s.cfg.DirectoryURL, key, []string{"mailto:" + s.cfg.Email})
	if err != nil {
		return nil, err
	}
	jwk, err := acmeclient.PublicJWK(key.Public())
	if err != nil {
		return nil, err
	}
	alg, size := keyInfo(key)
	now := s.now().UTC()
	acc := &model.AcmeAccount{
		ID:            uuid.NewString(),
		Email:         s.cfg.Email,
		ServerURL:     s.cfg.DirectoryURL,
		PrivateKeyPEM: string(EncodeKey(key)),
		PublicKeyJWK:  jwk,
		AccountURL:    accountURL,
		Status:        model.AccountActive,
		KeyAlgorithm:  alg,
		KeySize:       size,
		LastUsedAt:    &now,
	}
	if err := s.store.SaveAcmeAccount(ctx, acc); err != nil {
		return nil, fmt.Errorf("acme: failed to persist account: %w", err)
	}
	log.Info("ACME account registered", zap.String("accountID", acc.ID), zap.String("accountURL", accountURL))
	return acc, nil
}

// Session opens a CA session for acc. The CA must already know the key.
func (s *AccountService) Session(ctx context.Context, acc *model.AcmeAccount) (acmeclient.Client, error) {
	if acc.Status != model.AccountActive {
		return nil, fmt.Errorf("acme: account %s is %s", acc.ID, acc.Status)
	}
	key, err := DecodeKey([]byte(acc.PrivateKeyPEM))
	if err != nil {
		return nil, err
	}
	client, accountURL, err := s.connector.Resume(ctx, acc.ServerURL, key)
	if err != nil {
		return nil, err
	}
	if accountURL != "" && accountURL != acc.AccountURL {
		s.logger.Warn("CA returned a different account URL", zap.String("stored", acc.AccountURL), zap.String("returned", accountURL))
		acc.AccountURL = accountURL
	}
	now := s.now().UTC()
	acc.LastUsedAt = &now
	if err := s.store.SaveAcmeAccount(ctx, acc); err != nil {
		s.logger.Warn("failed to record account use", zap.String("accountID", acc.ID), zap.Error(err))
	}
	return client, nil
}

// Deactivate deactivates acc at the CA and marks it DEACTIVATED locally.
func (s *AccountService) Deactivate(ctx context.Context, acc *model.AcmeAccount) error {
	key, err := DecodeKey([]byte(acc.PrivateKeyPEM))
	if err != nil {
		return err
	}
	if err := s.connector.Deactivate(ctx, acc.ServerURL, key, acc.AccountURL); err != nil {
		return err
	}
	acc.Status = model.AccountDeactivated
	if err := s.store.SaveAcmeAccount(ctx, acc); err != nil {
		return fmt.Errorf("acme: failed to persist deactivated account: %w", err)
	}
	s.logger.Info("ACME account deactivated", zap.String("accountID", acc.ID))
	return nil
}
