package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/certpilot/internal/config"
	"github.com/blockadesystems/certpilot/internal/model"
)

var (
	// ErrDuplicate is returned when a unique constraint (certificate domain,
	// account email+server URL) would be violated.
	ErrDuplicate = errors.New("storage: duplicate record")
	// ErrNotFound is returned by updates and deletes that match no row. Lookups
	// return nil, nil instead.
	ErrNotFound = errors.New("storage: record not found")
	// ErrReferenceNotFound is returned when a record points at a missing parent.
	ErrReferenceNotFound = errors.New("storage: referenced record not found")
)

// logger returns the package logger from the process-wide zap logger so it
// picks up zap.ReplaceGlobals done in main.
func logger() *zap.Logger {
	return zap.L().With(zap.String("package", "storage"))
}

// --- Interfaces ---

// Querier defines common methods implemented by *sql.DB and *sql.Tx.
// This allows storage methods to work with either a pool or a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// CertificateFilter narrows ListCertificates. Zero values mean "no filter".
type CertificateFilter struct {
	Statuses []model.CertificateStatus
	ServerID string
	Limit    int
	Offset   int
}

// DeploymentFilter narrows ListDeployments. Zero values mean "no filter".
type DeploymentFilter struct {
	CertificateID string
	ServerID      string
	From          time.Time
	To            time.Time
	Limit         int
}

// Storage is the persistence abstraction for certificates, ACME accounts,
// deployment targets and deployment records.
type Storage interface {
	// Certificate Methods
	CreateCertificate(ctx context.Context, cert *model.Certificate) error // INSERT only, ErrDuplicate on domain conflict
	UpdateCertificate(ctx context.Context, cert *model.Certificate) error
	GetCertificate(ctx context.Context, id string) (*model.Certificate, error)
	GetCertificateByDomain(ctx context.Context, domain string) (*model.Certificate, error)
	ListCertificates(ctx context.Context, filter CertificateFilter) ([]*model.Certificate, error)
	FindCertificatesExpiringBefore(ctx context.Context, before time.Time, statuses ...model.CertificateStatus) ([]*model.Certificate, error)
	DeleteCertificate(ctx context.Context, id string) error

	// ACME Account Methods
	SaveAcmeAccount(ctx context.Context, acc *model.AcmeAccount) error // UPSERT on (email, server_url)
	GetAcmeAccount(ctx context.Context, email, serverURL string) (*model.AcmeAccount, error)

	// Server Methods
	SaveServer(ctx context.Context, srv *model.Server) error // UPSERT
	GetServer(ctx context.Context, id string) (*model.Server, error)
	ListServers(ctx context.Context) ([]*model.Server, error)
	DeleteServer(ctx context.Context, id string) error

	// Deployment Methods
	CreateDeployment(ctx context.Context, d *model.Deployment) error
	UpdateDeployment(ctx context.Context, d *model.Deployment) error
	ListDeployments(ctx context.Context, filter DeploymentFilter) ([]*model.Deployment, error)

	// Transaction Helper
	WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error

	Close() error
}

// NewStorage is the factory function.
func NewStorage(cfg *config.Config) (Storage, error) {
	switch strings.ToLower(cfg.StorageType) {
	case "postgres":
		return NewPostgreSQLStorage(cfg.PostgresDSN())
	case "memory":
		logger().Warn("Using in-memory storage, data is lost on restart")
		return NewMemoryStorage(), nil
	default:
		logger().Error("Invalid storage type specified", zap.String("storage_type", cfg.StorageType))
		return nil, fmt.Errorf("storage: invalid storage type: %s", cfg.StorageType)
	}
}

func statusStrings(statuses []model.CertificateStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

func hasStatus(statuses []model.CertificateStatus, s model.CertificateStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}
