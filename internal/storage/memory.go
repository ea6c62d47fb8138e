package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blockadesystems/certpilot/internal/model"
)

// MemoryStorage is an in-process Storage used for development and tests.
// It enforces the same uniqueness and reference rules as the Postgres schema.
type MemoryStorage struct {
	mu          sync.RWMutex
	certs       map[string]*model.Certificate
	accounts    map[string]*model.AcmeAccount // keyed by email + "|" + server URL
	servers     map[string]*model.Server
	deployments map[string]*model.Deployment
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		certs:       make(map[string]*model.Certificate),
		accounts:    make(map[string]*model.AcmeAccount),
		servers:     make(map[string]*model.Server),
		deployments: make(map[string]*model.Deployment),
	}
}

func accountKey(email, serverURL string) string { return email + "|" + serverURL }

func copyCert(c *model.Certificate) *model.Certificate {
	cp := *c
	if c.IssuedAt != nil {
		t := *c.IssuedAt
		cp.IssuedAt = &t
	}
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}

func (m *MemoryStorage) CreateCertificate(ctx context.Context, cert *model.Certificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.certs {
		if c.Domain == cert.Domain {
			return fmt.Errorf("storage: failed to create certificate '%s': %w", cert.Domain, ErrDuplicate)
		}
	}
	if _, ok := m.certs[cert.ID]; ok {
		return fmt.Errorf("storage: failed to create certificate '%s': %w", cert.ID, ErrDuplicate)
	}
	if cert.ServerID != "" {
		if _, ok := m.servers[cert.ServerID]; !ok {
			return fmt.Errorf("storage: failed to create certificate '%s': %w", cert.Domain, ErrReferenceNotFound)
		}
	}
	now := time.Now()
	if cert.CreatedAt.IsZero() {
		cert.CreatedAt = now
	}
	cert.UpdatedAt = now
	m.certs[cert.ID] = copyCert(cert)
	return nil
}

func (m *MemoryStorage) UpdateCertificate(ctx context.Context, cert *model.Certificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.certs[cert.ID]; !ok {
		return fmt.Errorf("%w: certificate '%s'", ErrNotFound, cert.ID)
	}
	for id, c := range m.certs {
		if id != cert.ID && c.Domain == cert.Domain {
			return fmt.Errorf("storage: failed to update certificate '%s': %w", cert.ID, ErrDuplicate)
		}
	}
	cert.UpdatedAt = time.Now()
	m.certs[cert.ID] = copyCert(cert)
	return nil
}

func (m *MemoryStorage) GetCertificate(ctx context.Context, id string) (*model.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.certs[id]
	if !ok {
		return nil, nil
	}
	return copyCert(c), nil
}

func (m *MemoryStorage) GetCertificateByDomain(ctx context.Context, domain string) (*model.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.certs {
		if c.Domain == domain {
			return copyCert(c), nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) ListCertificates(ctx context.Context, filter CertificateFilter) ([]*model.Certificate, error) {
	m.mu.RLock()
	var out []*model.Certificate
	for _, c := range m.certs {
		if !hasStatus(filter.Statuses, c.Status) {
			continue
		}
		if filter.ServerID != "" && c.ServerID != filter.ServerID {
			continue
		}
		out = append(out, copyCert(c))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStorage) FindCertificatesExpiringBefore(ctx context.Context, before time.Time, statuses ...model.CertificateStatus) ([]*model.Certificate, error) {
	m.mu.RLock()
	var out []*model.Certificate
	for _, c := range m.certs {
		if c.ExpiresAt == nil || c.ExpiresAt.After(before) || !hasStatus(statuses, c.Status) {
			continue
		}
		out = append(out, copyCert(c))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	return out, nil
}

func (m *MemoryStorage) DeleteCertificate(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.certs[id]; !ok {
		return fmt.Errorf("%w: certificate '%s'", ErrNotFound, id)
	}
	delete(m.certs, id)
	for did, d := range m.deployments {
		if d.CertificateID == id {
			delete(m.deployments, did)
		}
	}
	return nil
}

func (m *MemoryStorage) SaveAcmeAccount(ctx context.Context, acc *model.AcmeAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	key := accountKey(acc.Email, acc.ServerURL)
	if existing, ok := m.accounts[key]; ok {
		acc.ID = existing.ID
		acc.CreatedAt = existing.CreatedAt
	} else if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.UpdatedAt = now
	cp := *acc
	m.accounts[key] = &cp
	return nil
}

func (m *MemoryStorage) GetAcmeAccount(ctx context.Context, email, serverURL string) (*model.AcmeAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[accountKey(email, serverURL)]
	if !ok {
		return nil, nil
	}
	cp := *acc
	return &cp, nil
}

func (m *MemoryStorage) SaveServer(ctx context.Context, srv *model.Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if srv.CreatedAt.IsZero() {
		srv.CreatedAt = now
	}
	srv.UpdatedAt = now
	if srv.Port == 0 {
		srv.Port = 22
	}
	cp := *srv
	m.servers[srv.ID] = &cp
	return nil
}

func (m *MemoryStorage) GetServer(ctx context.Context, id string) (*model.Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.servers[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStorage) ListServers(ctx context.Context) ([]*model.Server, error) {
	m.mu.RLock()
	out := make([]*model.Server, 0, len(m.servers))
	for _, s := range m.servers {
		cp := *s
		out = append(out, &cp)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStorage) DeleteServer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[id]; !ok {
		return fmt.Errorf("%w: server '%s'", ErrNotFound, id)
	}
	delete(m.servers, id)
	for _, c := range m.certs {
		if c.ServerID == id {
			c.ServerID = ""
		}
	}
	for did, d := range m.deployments {
		if d.ServerID == id {
			delete(m.deployments, did)
		}
	}
	return nil
}

func (m *MemoryStorage) CreateDeployment(ctx context.Context, d *model.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.certs[d.CertificateID]; !ok {
		return fmt.Errorf("storage: failed to create deployment '%s': %w", d.ID, ErrReferenceNotFound)
	}
	if _, ok := m.servers[d.ServerID]; !ok {
		return fmt.Errorf("storage: failed to create deployment '%s': %w", d.ID, ErrReferenceNotFound)
	}
	if d.StartedAt.IsZero() {
		d.StartedAt = time.Now()
	}
	cp := *d
	m.deployments[d.ID] = &cp
	return nil
}

func (m *MemoryStorage) UpdateDeployment(ctx context.Context, d *model.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.deployments[d.ID]
	if !ok {
		return fmt.Errorf("%w: deployment '%s'", ErrNotFound, d.ID)
	}
	existing.Status = d.Status
	existing.Path = d.Path
	existing.Message = d.Message
	existing.DurationMS = d.DurationMS
	existing.FinishedAt = d.FinishedAt
	return nil
}

func (m *MemoryStorage) ListDeployments(ctx context.Context, f DeploymentFilter) ([]*model.Deployment, error) {
	m.mu.RLock()
	var out []*model.Deployment
	for _, d := range m.deployments {
		if f.CertificateID != "" && d.CertificateID != f.CertificateID {
			continue
		}
		if f.ServerID != "" && d.ServerID != f.ServerID {
			continue
		}
		if !f.From.IsZero() && d.StartedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !d.StartedAt.Before(f.To) {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// WithinTransaction runs fn against the store itself. Writes are not rolled
// back on error.
func (m *MemoryStorage) WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error {
	return fn(ctx, m)
}

func (m *MemoryStorage) Close() error { return nil }
