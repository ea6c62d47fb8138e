package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq" // Import the PostgreSQL driver AND helpers like pq.Array
	"go.uber.org/zap"

	"github.com/blockadesystems/certpilot/internal/model"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// pgForeignKeyViolation is the SQLSTATE for foreign_key_violation.
const pgForeignKeyViolation = "23503"

// --- PostgreSQL Implementation ---

// pgQueries implements every data method over a Querier. It is embedded by
// both the pool-backed store and the transaction store.
type pgQueries struct {
	q Querier
}

// PostgreSQLStorage holds the connection pool.
type PostgreSQLStorage struct {
	pgQueries
	db *sql.DB
}

// postgresTxStore holds a transaction and implements the Storage interface.
type postgresTxStore struct {
	pgQueries
	tx *sql.Tx
}

// Ensure PostgreSQLStorage implements Storage (compile-time check).
var _ Storage = (*PostgreSQLStorage)(nil)

// Ensure postgresTxStore implements Storage (compile-time check).
var _ Storage = (*postgresTxStore)(nil)

// NewPostgreSQLStorage opens the pool, verifies connectivity and ensures the schema exists.
func NewPostgreSQLStorage(connStr string) (*PostgreSQLStorage, error) {
	l := logger()
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		l.Error("Failed to open PostgreSQL connection", zap.Error(err))
		return nil, fmt.Errorf("storage: failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		l.Error("Failed to ping PostgreSQL database", zap.Error(err))
		return nil, fmt.Errorf("storage: failed to connect to PostgreSQL database: %w", err)
	}
	l.Info("Successfully connected to PostgreSQL database")

	schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 30*time.Second) // Longer timeout for DDL
	defer schemaCancel()
	if err := ensureSchema(schemaCtx, db); err != nil {
		db.Close()
		return nil, err
	}

	l.Info("PostgreSQLStorage initialized")
	return &PostgreSQLStorage{pgQueries: pgQueries{q: db}, db: db}, nil
}

// ensureSchema creates tables and indexes if they don't exist.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	l := logger()
	// Phase 1: Create Tables and Indexes
	tableAndIndexStmts := []string{
		`CREATE TABLE IF NOT EXISTS servers ( id TEXT PRIMARY KEY, name TEXT NOT NULL, host TEXT NOT NULL, port INTEGER NOT NULL DEFAULT 22, username TEXT NOT NULL, password TEXT, private_key_pem TEXT, host_key TEXT, web_server TEXT NOT NULL, deploy_path TEXT, created_at TIMESTAMP WITH TIME ZONE NOT NULL, updated_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE TABLE IF NOT EXISTS certificates ( id TEXT PRIMARY KEY, domain TEXT NOT NULL UNIQUE, status TEXT NOT NULL, certificate_pem TEXT, private_key TEXT, chain_pem TEXT, challenge_type TEXT NOT NULL, issued_at TIMESTAMP WITH TIME ZONE, expires_at TIMESTAMP WITH TIME ZONE, admin_email TEXT, alert_days_before INTEGER NOT NULL DEFAULT 30, renewal_attempts INTEGER NOT NULL DEFAULT 0, last_error TEXT, server_id TEXT, created_at TIMESTAMP WITH TIME ZONE NOT NULL, updated_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_certificates_status ON certificates (status);`,
		`CREATE INDEX IF NOT EXISTS idx_certificates_expires_at ON certificates (expires_at);`,
		`CREATE TABLE IF NOT EXISTS acme_accounts ( id TEXT PRIMARY KEY, email TEXT NOT NULL, server_url TEXT NOT NULL, private_key_pem TEXT NOT NULL, public_key_jwk TEXT NOT NULL, account_url TEXT NOT NULL, status TEXT NOT NULL, key_algorithm TEXT NOT NULL, key_size INTEGER NOT NULL, last_used_at TIMESTAMP WITH TIME ZONE, created_at TIMESTAMP WITH TIME ZONE NOT NULL, updated_at TIMESTAMP WITH TIME ZONE NOT NULL, CONSTRAINT uq_acme_accounts_email_server UNIQUE (email, server_url) );`,
		`CREATE TABLE IF NOT EXISTS deployments ( id TEXT PRIMARY KEY, certificate_id TEXT NOT NULL, server_id TEXT NOT NULL, status TEXT NOT NULL, path TEXT, message TEXT, duration_ms BIGINT NOT NULL DEFAULT 0, started_at TIMESTAMP WITH TIME ZONE NOT NULL, finished_at TIMESTAMP WITH TIME ZONE );`,
		`CREATE INDEX IF NOT EXISTS idx_deployments_certificate_id ON deployments (certificate_id);`,
		`CREATE INDEX IF NOT EXISTS idx_deployments_server_id ON deployments (server_id);`,
		`CREATE INDEX IF NOT EXISTS idx_deployments_started_at ON deployments (started_at);`,
	}

	l.Info("Executing CREATE TABLE IF NOT EXISTS and CREATE INDEX IF NOT EXISTS statements...")
	for i, stmt := range tableAndIndexStmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			l.Error("Failed to execute schema statement (Table/Index Phase)", zap.Error(err), zap.Int("statement_index", i), zap.String("statement", stmt))
			return fmt.Errorf("storage: failed to initialize database schema (Table/Index Phase): %w", err)
		}
	}

	// Phase 2: Add Foreign Key Constraints
	fkStmt := `DO $$ BEGIN
            IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_certificates_server_id') THEN
                ALTER TABLE certificates ADD CONSTRAINT fk_certificates_server_id FOREIGN KEY (server_id) REFERENCES servers(id) ON DELETE SET NULL;
            END IF;
            IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_deployments_certificate_id') THEN
                ALTER TABLE deployments ADD CONSTRAINT fk_deployments_certificate_id FOREIGN KEY (certificate_id) REFERENCES certificates(id) ON DELETE CASCADE;
            END IF;
            IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_deployments_server_id') THEN
                ALTER TABLE deployments ADD CONSTRAINT fk_deployments_server_id FOREIGN KEY (server_id) REFERENCES servers(id) ON DELETE CASCADE;
            END IF;
        END $$;`

	if _, err := db.ExecContext(ctx, fkStmt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			l.Error("Failed to add foreign key constraints", zap.Error(err),
				zap.String("code", string(pqErr.Code)),
				zap.String("detail", pqErr.Detail),
				zap.String("constraint", pqErr.Constraint),
			)
		}
		return fmt.Errorf("storage: failed to initialize database schema (Foreign Key Phase): %w", err)
	}

	l.Info("Database schema initialization check complete.")
	return nil
}

// Close shuts down the database connection pool.
func (s *PostgreSQLStorage) Close() error {
	logger().Info("Closing database connection pool")
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// WithinTransaction executes the given function within a database transaction.
func (s *PostgreSQLStorage) WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: failed to begin transaction: %w", err)
	}
	txStore := &postgresTxStore{pgQueries: pgQueries{q: tx}, tx: tx}
	if err := fn(ctx, txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger().Error("Transaction function failed and rollback failed", zap.Error(err), zap.NamedError("rollback_error", rbErr))
			return fmt.Errorf("storage: transaction function failed (%w) and rollback failed (%v)", err, rbErr)
		}
		logger().Warn("Transaction rolled back due to error", zap.Error(err))
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: failed to commit transaction: %w", err)
	}
	return nil
}

// Close is a no-op for a transaction store.
func (s *postgresTxStore) Close() error { return nil }

// WithinTransaction cannot be called on an already active transaction store.
func (s *postgresTxStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error {
	return errors.New("storage: nested transactions are not supported")
}

// mapPQError converts constraint violations into package sentinels.
func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrDuplicate, pqErr.Constraint)
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: %s", ErrReferenceNotFound, pqErr.Constraint)
		}
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func checkAffected(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: failed to read affected rows for %s '%s': %w", what, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s '%s'", ErrNotFound, what, id)
	}
	return nil
}

// --- Certificate Helpers ---

const certificateColumns = `id, domain, status, certificate_pem, private_key, chain_pem, challenge_type, issued_at, expires_at, admin_email, alert_days_before, renewal_attempts, last_error, server_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCertificate(row rowScanner) (*model.Certificate, error) {
	var c model.Certificate
	var certPEM, key, chain, email, lastErr, serverID sql.NullString
	var issued, expires sql.NullTime
	var status string
	err := row.Scan(&c.ID, &c.Domain, &status, &certPEM, &key, &chain, &c.ChallengeType, &issued, &expires,
		&email, &c.AlertDaysBefore, &c.RenewalAttempts, &lastErr, &serverID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = model.CertificateStatus(status)
	c.CertificatePEM = certPEM.String
	c.PrivateKey = key.String
	c.ChainPEM = chain.String
	c.AdminEmail = email.String
	c.LastError = lastErr.String
	c.ServerID = serverID.String
	c.IssuedAt = timePtr(issued)
	c.ExpiresAt = timePtr(expires)
	return &c, nil
}

func createCertificate(ctx context.Context, q Querier, c *model.Certificate) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	query := `INSERT INTO certificates (` + certificateColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	_, err := q.ExecContext(ctx, query,
		c.ID, c.Domain, string(c.Status), nullString(c.CertificatePEM), nullString(c.PrivateKey), nullString(c.ChainPEM),
		c.ChallengeType, nullTime(c.IssuedAt), nullTime(c.ExpiresAt), nullString(c.AdminEmail), c.AlertDaysBefore,
		c.RenewalAttempts, nullString(c.LastError), nullString(c.ServerID), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: failed to create certificate '%s': %w", c.Domain, mapPQError(err))
	}
	logger().Debug("Certificate created", zap.String("certificateID", c.ID), zap.String("domain", c.Domain))
	return nil
}

func updateCertificate(ctx context.Context, q Querier, c *model.Certificate) error {
	c.UpdatedAt = time.Now()
	query := `UPDATE certificates SET domain = $2, status = $3, certificate_pem = $4, private_key = $5, chain_pem = $6,
        challenge_type = $7, issued_at = $8, expires_at = $9, admin_email = $10, alert_days_before = $11,
        renewal_attempts = $12, last_error = $13, server_id = $14, updated_at = $15
        WHERE id = $1`
	res, err := q.ExecContext(ctx, query,
		c.ID, c.Domain, string(c.Status), nullString(c.CertificatePEM), nullString(c.PrivateKey), nullString(c.ChainPEM),
		c.ChallengeType, nullTime(c.IssuedAt), nullTime(c.ExpiresAt), nullString(c.AdminEmail), c.AlertDaysBefore,
		c.RenewalAttempts, nullString(c.LastError), nullString(c.ServerID), c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: failed to update certificate '%s': %w", c.ID, mapPQError(err))
	}
	return checkAffected(res, "certificate", c.ID)
}

func getCertificate(ctx context.Context, q Querier, column, value string) (*model.Certificate, error) {
	query := `SELECT ` + certificateColumns + ` FROM certificates WHERE ` + column + ` = $1`
	c, err := scanCertificate(q.QueryRowContext(ctx, query, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get certificate by %s '%s': %w", column, value, err)
	}
	return c, nil
}

func queryCertificates(ctx context.Context, q Querier, query string, args ...interface{}) ([]*model.Certificate, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query certificates: %w", err)
	}
	defer rows.Close()

	var certs []*model.Certificate
	for rows.Next() {
		c, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan certificate row: %w", err)
		}
		certs = append(certs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating certificate rows: %w", err)
	}
	return certs, nil
}

func listCertificates(ctx context.Context, q Querier, f CertificateFilter) ([]*model.Certificate, error) {
	var where []string
	var args []interface{}
	if len(f.Statuses) > 0 {
		args = append(args, pq.Array(statusStrings(f.Statuses)))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if f.ServerID != "" {
		args = append(args, f.ServerID)
		where = append(where, fmt.Sprintf("server_id = $%d", len(args)))
	}
	query := `SELECT ` + certificateColumns + ` FROM certificates`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY domain`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return queryCertificates(ctx, q, query, args...)
}

func findCertificatesExpiringBefore(ctx context.Context, q Querier, before time.Time, statuses []model.CertificateStatus) ([]*model.Certificate, error) {
	query := `SELECT ` + certificateColumns + ` FROM certificates WHERE expires_at IS NOT NULL AND expires_at <= $1`
	args := []interface{}{before}
	if len(statuses) > 0 {
		query += ` AND status = ANY($2)`
		args = append(args, pq.Array(statusStrings(statuses)))
	}
	query += ` ORDER BY expires_at`
	return queryCertificates(ctx, q, query, args...)
}

func deleteCertificate(ctx context.Context, q Querier, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM certificates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: failed to delete certificate '%s': %w", id, err)
	}
	return checkAffected(res, "certificate", id)
}

// --- ACME Account Helpers ---

func saveAcmeAccount(ctx context.Context, q Querier, acc *model.AcmeAccount) error {
	now := time.Now()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.UpdatedAt = now
	query := `
        INSERT INTO acme_accounts (id, email, server_url, private_key_pem, public_key_jwk, account_url, status, key_algorithm, key_size, last_used_at, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        ON CONFLICT (email, server_url) DO UPDATE SET
            private_key_pem = EXCLUDED.private_key_pem, public_key_jwk = EXCLUDED.public_key_jwk,
            account_url = EXCLUDED.account_url, status = EXCLUDED.status, key_algorithm = EXCLUDED.key_algorithm,
            key_size = EXCLUDED.key_size, last_used_at = EXCLUDED.last_used_at, updated_at = EXCLUDED.updated_at
        RETURNING id, created_at`
	err := q.QueryRowContext(ctx, query,
		acc.ID, acc.Email, acc.ServerURL, acc.PrivateKeyPEM, acc.PublicKeyJWK, acc.AccountURL, string(acc.Status),
		acc.KeyAlgorithm, acc.KeySize, nullTime(acc.LastUsedAt), acc.CreatedAt, acc.UpdatedAt,
	).Scan(&acc.ID, &acc.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save acme account '%s': %w", acc.Email, mapPQError(err))
	}
	logger().Debug("ACME account saved", zap.String("accountID", acc.ID), zap.String("server_url", acc.ServerURL))
	return nil
}

func getAcmeAccount(ctx context.Context, q Querier, email, serverURL string) (*model.AcmeAccount, error) {
	query := `SELECT id, email, server_url, private_key_pem, public_key_jwk, account_url, status, key_algorithm, key_size, last_used_at, created_at, updated_at
        FROM acme_accounts WHERE email = $1 AND server_url = $2`
	var acc model.AcmeAccount
	var status string
	var lastUsed sql.NullTime
	err := q.QueryRowContext(ctx, query, email, serverURL).Scan(&acc.ID, &acc.Email, &acc.ServerURL, &acc.PrivateKeyPEM,
		&acc.PublicKeyJWK, &acc.AccountURL, &status, &acc.KeyAlgorithm, &acc.KeySize, &lastUsed, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get acme account '%s': %w", email, err)
	}
	acc.Status = model.AcmeAccountStatus(status)
	acc.LastUsedAt = timePtr(lastUsed)
	return &acc, nil
}

// --- Server Helpers ---

const serverColumns = `id, name, host, port, username, password, private_key_pem, host_key, web_server, deploy_path, created_at, updated_at`

func scanServer(row rowScanner) (*model.Server, error) {
	var s model.Server
	var password, key, hostKey, path sql.NullString
	var web string
	if err := row.Scan(&s.ID, &s.Name, &s.Host, &s.Port, &s.Username, &password, &key, &hostKey, &web, &path, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Password = password.String
	s.PrivateKeyPEM = key.String
	s.HostKey = hostKey.String
	s.WebServer = model.WebServerType(web)
	s.DeployPath = path.String
	return &s, nil
}

func saveServer(ctx context.Context, q Querier, s *model.Server) error {
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if s.Port == 0 {
		s.Port = 22
	}
	query := `INSERT INTO servers (` + serverColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        ON CONFLICT (id) DO UPDATE SET
            name = EXCLUDED.name, host = EXCLUDED.host, port = EXCLUDED.port, username = EXCLUDED.username,
            password = EXCLUDED.password, private_key_pem = EXCLUDED.private_key_pem, host_key = EXCLUDED.host_key,
            web_server = EXCLUDED.web_server, deploy_path = EXCLUDED.deploy_path, updated_at = EXCLUDED.updated_at`
	_, err := q.ExecContext(ctx, query, s.ID, s.Name, s.Host, s.Port, s.Username, nullString(s.Password),
		nullString(s.PrivateKeyPEM), nullString(s.HostKey), string(s.WebServer), nullString(s.DeployPath), s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save server '%s': %w", s.ID, mapPQError(err))
	}
	return nil
}

func getServer(ctx context.Context, q Querier, id string) (*model.Server, error) {
	s, err := scanServer(q.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get server '%s': %w", id, err)
	}
	return s, nil
}

func listServers(ctx context.Context, q Querier) ([]*model.Server, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to list servers: %w", err)
	}
	defer rows.Close()
	var servers []*model.Server
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan server row: %w", err)
		}
		servers = append(servers, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating server rows: %w", err)
	}
	return servers, nil
}

func deleteServer(ctx context.Context, q Querier, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM servers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: failed to delete server '%s': %w", id, err)
	}
	return checkAffected(res, "server", id)
}

// --- Deployment Helpers ---

const deploymentColumns = `id, certificate_id, server_id, status, path, message, duration_ms, started_at, finished_at`

func createDeployment(ctx context.Context, q Querier, d *model.Deployment) error {
	if d.StartedAt.IsZero() {
		d.StartedAt = time.Now()
	}
	query := `INSERT INTO deployments (` + deploymentColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := q.ExecContext(ctx, query, d.ID, d.CertificateID, d.ServerID, string(d.Status), nullString(d.Path),
		nullString(d.Message), d.DurationMS, d.StartedAt, nullTime(d.FinishedAt))
	if err != nil {
		return fmt.Errorf("storage: failed to create deployment '%s': %w", d.ID, mapPQError(err))
	}
	return nil
}

func updateDeployment(ctx context.Context, q Querier, d *model.Deployment) error {
	query := `UPDATE deployments SET status = $2, path = $3, message = $4, duration_ms = $5, finished_at = $6 WHERE id = $1`
	res, err := q.ExecContext(ctx, query, d.ID, string(d.Status), nullString(d.Path), nullString(d.Message), d.DurationMS, nullTime(d.FinishedAt))
	if err != nil {
		return fmt.Errorf("storage: failed to update deployment '%s': %w", d.ID, err)
	}
	return checkAffected(res, "deployment", d.ID)
}

func listDeployments(ctx context.Context, q Querier, f DeploymentFilter) ([]*model.Deployment, error) {
	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.CertificateID != "" {
		add("certificate_id = $%d", f.CertificateID)
	}
	if f.ServerID != "" {
		add("server_id = $%d", f.ServerID)
	}
	if !f.From.IsZero() {
		add("started_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("started_at < $%d", f.To)
	}
	query := `SELECT ` + deploymentColumns + ` FROM deployments`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY started_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to list deployments: %w", err)
	}
	defer rows.Close()
	var out []*model.Deployment
	for rows.Next() {
		var d model.Deployment
		var status string
		var path, msg sql.NullString
		var finished sql.NullTime
		if err := rows.Scan(&d.ID, &d.CertificateID, &d.ServerID, &status, &path, &msg, &d.DurationMS, &d.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("storage: failed to scan deployment row: %w", err)
		}
		d.Status = model.DeploymentStatus(status)
		d.Path = path.String
		d.Message = msg.String
		d.FinishedAt = timePtr(finished)
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating deployment rows: %w", err)
	}
	return out, nil
}

// =============================================
// pgQueries Method Implementations
// =============================================

func (p pgQueries) CreateCertificate(ctx context.Context, cert *model.Certificate) error {
	return createCertificate(ctx, p.q, cert)
}
func (p pgQueries) UpdateCertificate(ctx context.Context, cert *model.Certificate) error {
	return updateCertificate(ctx, p.q, cert)
}
func (p pgQueries) GetCertificate(ctx context.Context, id string) (*model.Certificate, error) {
	return getCertificate(ctx, p.q, "id", id)
}
func (p pgQueries) GetCertificateByDomain(ctx context.Context, domain string) (*model.Certificate, error) {
	return getCertificate(ctx, p.q, "domain", domain)
}
func (p pgQueries) ListCertificates(ctx context.Context, filter CertificateFilter) ([]*model.Certificate, error) {
	return listCertificates(ctx, p.q, filter)
}
func (p pgQueries) FindCertificatesExpiringBefore(ctx context.Context, before time.Time, statuses ...model.CertificateStatus) ([]*model.Certificate, error) {
	return findCertificatesExpiringBefore(ctx, p.q, before, statuses)
}
func (p pgQueries) DeleteCertificate(ctx context.Context, id string) error {
	return deleteCertificate(ctx, p.q, id)
}
func (p pgQueries) SaveAcmeAccount(ctx context.Context, acc *model.AcmeAccount) error {
	return saveAcmeAccount(ctx, p.q, acc)
}
func (p pgQueries) GetAcmeAccount(ctx context.Context, email, serverURL string) (*model.AcmeAccount, error) {
	return getAcmeAccount(ctx, p.q, email, serverURL)
}
func (p pgQueries) SaveServer(ctx context.Context, srv *model.Server) error {
	return saveServer(ctx, p.q, srv)
}
func (p pgQueries) GetServer(ctx context.Context, id string) (*model.Server, error) {
	return getServer(ctx, p.q, id)
}
func (p pgQueries) ListServers(ctx context.Context) ([]*model.Server, error) {
	return listServers(ctx, p.q)
}
func (p pgQueries) DeleteServer(ctx context.Context, id string) error {
	return deleteServer(ctx, p.q, id)
}
func (p pgQueries) CreateDeployment(ctx context.Context, d *model.Deployment) error {
	return createDeployment(ctx, p.q, d)
}
func (p pgQueries) UpdateDeployment(ctx context.Context, d *model.Deployment) error {
	return updateDeployment(ctx, p.q, d)
}
func (p pgQueries) ListDeployments(ctx context.Context, filter DeploymentFilter) ([]*model.Deployment, error) {
	return listDeployments(ctx, p.q, filter)
}
