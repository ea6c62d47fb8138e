package model

import (
	"encoding/json"
	"time"
)

// CertificateStatus is the lifecycle state of a managed certificate.
type CertificateStatus string

const (
	StatusPending      CertificateStatus = "PENDING"
	StatusActive       CertificateStatus = "ACTIVE"
	StatusRenewing     CertificateStatus = "RENEWING"
	StatusExpiringSoon CertificateStatus = "EXPIRING_SOON"
	StatusExpired      CertificateStatus = "EXPIRED"
	StatusFailed       CertificateStatus = "FAILED"
)

// Renewable reports whether a certificate in this state may be renewed.
func (s CertificateStatus) Renewable() bool {
	switch s {
	case StatusActive, StatusExpiringSoon, StatusExpired:
		return true
	}
	return false
}

// DefaultAlertDaysBefore is the renewal/alert lead time used when none is given.
const DefaultAlertDaysBefore = 30

// Certificate is a managed TLS server certificate for a single domain.
type Certificate struct {
	ID              string            `json:"id" db:"id"`
	Domain          string            `json:"domain" db:"domain"` // Globally unique
	Status          CertificateStatus `json:"status" db:"status"`
	CertificatePEM  string            `json:"certificatePem,omitempty" db:"certificate_pem"`
	PrivateKey      string            `json:"-" db:"private_key"` // Encrypted at rest, Base64(IV||ciphertext)
	ChainPEM        string            `json:"chainPem,omitempty" db:"chain_pem"`
	ChallengeType   string            `json:"challengeType" db:"challenge_type"`
	IssuedAt        *time.Time        `json:"issuedAt,omitempty" db:"issued_at"`
	ExpiresAt       *time.Time        `json:"expiresAt,omitempty" db:"expires_at"`
	AdminEmail      string            `json:"adminEmail,omitempty" db:"admin_email"`
	AlertDaysBefore int               `json:"alertDaysBefore" db:"alert_days_before"`
	RenewalAttempts int               `json:"renewalAttempts" db:"renewal_attempts"`
	LastError       string            `json:"lastError,omitempty" db:"last_error"`
	ServerID        string            `json:"serverId,omitempty" db:"server_id"` // Deployment target, optional
	CreatedAt       time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time         `json:"updatedAt" db:"updated_at"`
}

// AcmeAccountStatus is the local view of an ACME account registration.
type AcmeAccountStatus string

const (
	AccountActive      AcmeAccountStatus = "ACTIVE"
	AccountDeactivated AcmeAccountStatus = "DEACTIVATED"
)

// AcmeAccount is a registration with one ACME directory. One per (email, server URL).
type AcmeAccount struct {
	ID            string            `json:"id" db:"id"`
	Email         string            `json:"email" db:"email"`
	ServerURL     string            `json:"serverUrl" db:"server_url"`
	PrivateKeyPEM string            `json:"-" db:"private_key_pem"`
	PublicKeyJWK  string            `json:"-" db:"public_key_jwk"` // JWK JSON of the account key
	AccountURL    string            `json:"accountUrl" db:"account_url"`
	Status        AcmeAccountStatus `json:"status" db:"status"`
	KeyAlgorithm  string            `json:"keyAlgorithm" db:"key_algorithm"` // "EC" or "RSA"
	KeySize       int               `json:"keySize" db:"key_size"`
	LastUsedAt    *time.Time        `json:"lastUsedAt,omitempty" db:"last_used_at"`
	CreatedAt     time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time         `json:"updatedAt" db:"updated_at"`
}

// WebServerType selects post-upload behaviour on a deployment target.
type WebServerType string

const (
	WebServerNginx  WebServerType = "nginx"
	WebServerApache WebServerType = "apache"
	WebServerOther  WebServerType = "other"
)

// Server is a deployment target reachable over SSH.
type Server struct {
	ID            string        `json:"id" db:"id"`
	Name          string        `json:"name" db:"name"`
	Host          string        `json:"host" db:"host"`
	Port          int           `json:"port" db:"port"`
	Username      string        `json:"username" db:"username"`
	Password      string        `json:"-" db:"password"`
	PrivateKeyPEM string        `json:"-" db:"private_key_pem"`
	HostKey       string        `json:"hostKey,omitempty" db:"host_key"` // authorized_keys format, pins the host key when set
	WebServer     WebServerType `json:"webServer" db:"web_server"`
	DeployPath    string        `json:"deployPath,omitempty" db:"deploy_path"`
	CreatedAt     time.Time     `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time     `json:"updatedAt" db:"updated_at"`
}

// HasCredentials reports whether the server carries any SSH credential.
func (s *Server) HasCredentials() bool {
	return s.Username != "" && (s.Password != "" || s.PrivateKeyPEM != "")
}

// DeploymentStatus tracks a single distribution attempt.
type DeploymentStatus string

const (
	DeploymentInProgress DeploymentStatus = "IN_PROGRESS"
	DeploymentSuccess    DeploymentStatus = "SUCCESS"
	DeploymentFailed     DeploymentStatus = "FAILED"
	DeploymentRolledBack DeploymentStatus = "ROLLED_BACK"
)

// Deployment is the audit record of one push of a certificate to one server.
type Deployment struct {
	ID            string           `json:"id" db:"id"`
	CertificateID string           `json:"certificateId" db:"certificate_id"`
	ServerID      string           `json:"serverId" db:"server_id"`
	Status        DeploymentStatus `json:"status" db:"status"`
	Path          string           `json:"path" db:"path"`
	Message       string           `json:"message" db:"message"`
	DurationMS    int64            `json:"durationMs" db:"duration_ms"`
	StartedAt     time.Time        `json:"startedAt" db:"started_at"`
	FinishedAt    *time.Time       `json:"finishedAt,omitempty" db:"finished_at"`
}

// ValidationCheckResult is the outcome of one validation check.
type ValidationCheckResult struct {
	Valid     bool           `json:"valid"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	ErrorCode string         `json:"errorCode,omitempty"`
}

// CertificateValidationResult aggregates the six checks. Never persisted.
type CertificateValidationResult struct {
	Valid       bool                  `json:"valid"`
	Signature   ValidationCheckResult `json:"signature"`
	Validity    ValidationCheckResult `json:"validity"`
	Chain       ValidationCheckResult `json:"chain"`
	Revocation  ValidationCheckResult `json:"revocation"`
	Domain      ValidationCheckResult `json:"domain"`
	KeyUsage    ValidationCheckResult `json:"keyUsage"`
	Errors      []string              `json:"errors"`
	Warnings    []string              `json:"warnings"`
	ValidatedAt time.Time             `json:"validatedAt"`
}

// Checks returns the six results in a fixed order, keyed by check name.
func (r *CertificateValidationResult) Checks() []NamedCheck {
	return []NamedCheck{
		{Name: "signature", Result: r.Signature},
		{Name: "validity", Result: r.Validity},
		{Name: "chain", Result: r.Chain},
		{Name: "revocation", Result: r.Revocation},
		{Name: "domain", Result: r.Domain},
		{Name: "keyUsage", Result: r.KeyUsage},
	}
}

// NamedCheck pairs a check name with its result.
type NamedCheck struct {
	Name   string
	Result ValidationCheckResult
}

// --- ACME wire views (client side) ---

// Identifier represents a domain or other identifier in an order.
type Identifier struct {
	Type  string `json:"type"`  // e.g., "dns"
	Value string `json:"value"` // e.g., "example.com"
}

// Order is the client's view of an ACME order.
type Order struct {
	Location       string          `json:"-"`
	Status         string          `json:"status"` // "pending", "ready", "processing", "valid", "invalid"
	Identifiers    []Identifier    `json:"identifiers"`
	Authorizations []string        `json:"authorizations"`
	FinalizeURL    string          `json:"finalize"`
	CertificateURL string          `json:"certificate,omitempty"`
	Error          *ProblemDetails `json:"error,omitempty"`
}

// Authorization is the CA's per-identifier record for an order.
type Authorization struct {
	URL        string      `json:"-"`
	Status     string      `json:"status"`
	Identifier Identifier  `json:"identifier"`
	Challenges []Challenge `json:"challenges"`
	Wildcard   bool        `json:"wildcard"`
}

// Challenge represents an ACME challenge to prove control over an identifier.
type Challenge struct {
	Type      string          `json:"type"` // e.g., "http-01", "dns-01"
	URL       string          `json:"url"`
	Status    string          `json:"status"`
	Token     string          `json:"token"`
	Validated time.Time       `json:"validated,omitempty"`
	Error     *ProblemDetails `json:"error,omitempty"`
}

// ProblemDetails represents an ACME error object (RFC 7807 / RFC 8555 Section 6.7).
type ProblemDetails struct {
	Type        string          `json:"type"`
	Detail      string          `json:"detail"`
	Status      int             `json:"status,omitempty"`
	Instance    string          `json:"instance,omitempty"`
	Subproblems json.RawMessage `json:"subproblems,omitempty"`
}

func (p *ProblemDetails) Error() string {
	if p == nil {
		return ""
	}
	if p.Type == "" {
		return p.Detail
	}
	return p.Type + ": " + p.Detail
}

// ACME object statuses (RFC 8555 Section 7.1.6).
const (
	ACMEStatusPending     = "pending"
	ACMEStatusReady       = "ready"
	ACMEStatusProcessing  = "processing"
	ACMEStatusValid       = "valid"
	ACMEStatusInvalid     = "invalid"
	ACMEStatusDeactivated = "deactivated"
)
