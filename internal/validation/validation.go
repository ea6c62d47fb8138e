// Package validation inspects an issued certificate and reports six
// independent checks: signature, validity period, chain, revocation
// information, domain coverage and key usage.
package validation

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/certpilot/internal/model"
)

// Error codes set on check results.
const (
	CodeParseError     = "PARSE_ERROR"
	CodeSignature      = "SIGNATURE_INVALID"
	CodeNotYetValid    = "NOT_YET_VALID"
	CodeExpired        = "EXPIRED"
	CodeChainInvalid   = "CHAIN_INVALID"
	CodeStagingCA      = "STAGING_CA"
	CodeNoNames        = "NO_DOMAIN_NAMES"
	CodeDomainMismatch = "DOMAIN_MISMATCH"
	CodeKeyUsage       = "KEY_USAGE_INVALID"
)

// SoonWindow is how close to expiry a certificate is reported as expiring soon.
const SoonWindow = 30 * 24 * time.Hour

// warningKeywords mark a passing check's message as a warning.
var warningKeywords = []string{"warning", "soon", "staging", "partial"}

// stagingMarkers appear in the names of non-production ACME issuers.
var stagingMarkers = []string{"staging", "fake le", "pebble", "happy hacker", "(test)"}

var stagingWarnings = []string{
	"certificate was issued by a staging CA",
	"staging certificates are not browser-trusted",
}

// Input is the material to validate.
type Input struct {
	CertificatePEM string
	// ChainPEM holds intermediates, issuer first. May be empty.
	ChainPEM string
	// ExpectedDomain, when set, must be covered by the certificate.
	ExpectedDomain string
}

// Validator runs the checks against a set of trusted roots.
type Validator struct {
	roots  *x509.CertPool
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithRoots replaces the system trust store.
func WithRoots(pool *x509.CertPool) Option {
	return func(v *Validator) { v.roots = pool }
}

// WithClock sets the time source used for validity checks.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// New returns a Validator using the system trust store unless WithRoots is given.
func New(logger *zap.Logger, opts ...Option) *Validator {
	if logger == nil {
		logger = zap.L()
	}
	v := &Validator{now: time.Now, logger: logger.With(zap.String("package", "validation"))}
	for _, o := range opts {
		o(v)
	}
	if v.roots == nil {
		pool, err := x509.SystemCertPool()
		if err != nil {
			v.logger.Warn("system trust store unavailable, chain checks will not find a root", zap.Error(err))
			pool = x509.NewCertPool()
		}
		v.roots = pool
	}
	return v
}

// Validate runs every check; no check short-circuits another.
func (v *Validator) Validate(in Input) *model.CertificateValidationResult {
	res := &model.CertificateValidationResult{ValidatedAt: v.now().UTC()}

	cert, err := parseOne(in.CertificatePEM)
	if err != nil {
		fail := model.ValidationCheckResult{Message: err.Error(), ErrorCode: CodeParseError}
		res.Signature, res.Validity, res.Chain = fail, fail, fail
		res.Revocation, res.Domain, res.KeyUsage = fail, fail, fail
		res.Errors = []string{err.Error()}
		return res
	}
	chain, err := parseAll(in.ChainPEM)
	if err != nil {
		v.logger.Warn("ignoring unparsable chain", zap.Error(err))
		chain = nil
	}

	now := v.now()
	res.Signature = checkSignature(cert, chain)
	res.Validity = checkValidity(cert, now)
	res.Chain = v.checkChain(cert, chain, now)
	res.Revocation = checkRevocation(cert)
	res.Domain = checkDomain(cert, in.ExpectedDomain)
	res.KeyUsage = checkKeyUsage(cert)

	res.Valid = true
	staging := false
	for _, c := range res.Checks() {
		if c.Result.ErrorCode == CodeStagingCA {
			staging = true
		}
		if !c.Result.Valid {
			res.Valid = false
			res.Errors = append(res.Errors, c.Result.Message)
			continue
		}
		if isWarning(c.Result.Message) {
			res.Warnings = append(res.Warnings, c.Result.Message)
		}
	}
	if staging {
		res.Warnings = append(res.Warnings, stagingWarnings...)
	}
	return res
}

func isWarning(msg string) bool {
	lower := strings.ToLower(msg)
	for _, k := range warningKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

func parseOne(data string) (*x509.Certificate, error) {
	certs, err := parseAll(data)
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, errors.New("validation: no certificate found in PEM data")
	}
	return certs[0], nil
}

func parseAll(data string) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := []byte(data)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return certs, nil
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("validation: failed to parse certificate: %w", err)
		}
		certs = append(certs, c)
	}
}

func isSelfSigned(cert *x509.Certificate) bool {
	if string(cert.RawIssuer) != string(cert.RawSubject) {
		return false
	}
	// CheckSignatureFrom would reject a non-CA parent, so verify directly.
	return cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature) == nil
}

func checkSignature(cert *x509.Certificate, chain []*x509.Certificate) model.ValidationCheckResult {
	details := map[string]any{"algorithm": cert.SignatureAlgorithm.String()}
	if isSelfSigned(cert) {
		details["selfSigned"] = true
		return model.ValidationCheckResult{Valid: true, Message: "self-signed signature is intact (not verified against a CA)", Details: details}
	}
	if len(chain) > 0 {
		issuer := chain[0]
		details["issuer"] = issuer.Subject.CommonName
		if err := cert.CheckSignatureFrom(issuer); err != nil {
			return model.ValidationCheckResult{
				Message:   fmt.Sprintf("signature does not verify against issuer %q: %v", issuer.Subject.CommonName, err),
				Details:   details,
				ErrorCode: CodeSignature,
			}
		}
		return model.ValidationCheckResult{Valid: true, Message: fmt.Sprintf("signature verified against issuer %q", issuer.Subject.CommonName), Details: details}
	}
	details["verified"] = false
	return model.ValidationCheckResult{Valid: true, Message: "signature partially verified: issuer certificate not supplied", Details: details}
}

func checkValidity(cert *x509.Certificate, now time.Time) model.ValidationCheckResult {
	remaining := cert.NotAfter.Sub(now)
	details := map[string]any{
		"notBefore":     cert.NotBefore.UTC(),
		"notAfter":      cert.NotAfter.UTC(),
		"daysRemaining": int(remaining.Hours() / 24),
	}
	switch {
	case now.Before(cert.NotBefore):
		return model.ValidationCheckResult{
			Message:   fmt.Sprintf("certificate is not valid before %s", cert.NotBefore.UTC().Format(time.RFC3339)),
			Details:   details,
			ErrorCode: CodeNotYetValid,
		}
	case now.After(cert.NotAfter):
		return model.ValidationCheckResult{
			Message:   fmt.Sprintf("certificate expired at %s", cert.NotAfter.UTC().Format(time.RFC3339)),
			Details:   details,
			ErrorCode: CodeExpired,
		}
	case remaining < SoonWindow:
		return model.ValidationCheckResult{
			Valid:   true,
			Message: fmt.Sprintf("certificate expires soon, in %d days", int(remaining.Hours()/24)),
			Details: details,
		}
	}
	return model.ValidationCheckResult{
		Valid:   true,
		Message: fmt.Sprintf("certificate valid until %s", cert.NotAfter.UTC().Format(time.RFC3339)),
		Details: details,
	}
}

func (v *Validator) checkChain(cert *x509.Certificate, chain []*x509.Certificate, now time.Time) model.ValidationCheckResult {
	staging := isStaging(cert.Issuer.String())
	for _, c := range chain {
		staging = staging || isStaging(c.Subject.String()) || isStaging(c.Issuer.String())
	}
	details := map[string]any{"supplied": len(chain), "issuer": cert.Issuer.String()}
	code := ""
	if staging {
		code = CodeStagingCA
		details["staging"] = true
	}

	intermediates := x509.NewCertPool()
	for _, c := range chain {
		intermediates.AddCert(c)
	}
	opts := x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	paths, err := cert.Verify(opts)
	if err == nil {
		details["length"] = len(paths[0])
		if len(chain) == 0 {
			return model.ValidationCheckResult{Valid: true, Message: "issuer found in trust store", Details: details, ErrorCode: code}
		}
		return model.ValidationCheckResult{Valid: true, Message: "certificate chain verified to a trusted root", Details: details, ErrorCode: code}
	}
	details["error"] = err.Error()

	if len(chain) == 0 {
		msg := "chain partially verified: no intermediates supplied and issuer not in trust store"
		if staging {
			msg = "chain partially verified: issuer is a staging CA"
		}
		return model.ValidationCheckResult{Valid: true, Message: msg, Details: details, ErrorCode: code}
	}
	if staging {
		return model.ValidationCheckResult{
			Message:   fmt.Sprintf("certificate chain does not lead to a trusted root: issued by staging CA %q", cert.Issuer.CommonName),
			Details:   details,
			ErrorCode: CodeStagingCA,
		}
	}
	return model.ValidationCheckResult{
		Message:   fmt.Sprintf("certificate chain validation failed: %v", err),
		Details:   details,
		ErrorCode: CodeChainInvalid,
	}
}

func isStaging(name string) bool {
	lower := strings.ToLower(name)
	for _, m := range stagingMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// checkRevocation reports which revocation mechanisms the certificate
// advertises. No OCSP or CRL request is made.
func checkRevocation(cert *x509.Certificate) model.ValidationCheckResult {
	details := map[string]any{
		"status":  "skipped",
		"ocsp":    cert.OCSPServer,
		"crlDist": cert.CRLDistributionPoints,
	}
	switch {
	case len(cert.OCSPServer) > 0:
		return model.ValidationCheckResult{Valid: true, Message: "OCSP responder advertised, revocation status not queried", Details: details}
	case len(cert.CRLDistributionPoints) > 0:
		return model.ValidationCheckResult{Valid: true, Message: "CRL distribution point advertised, revocation status not queried", Details: details}
	}
	return model.ValidationCheckResult{Valid: true, Message: "no revocation information in certificate, check skipped", Details: details}
}

func checkDomain(cert *x509.Certificate, expected string) model.ValidationCheckResult {
	names := cert.DNSNames
	if len(names) == 0 && cert.Subject.CommonName != "" {
		names = []string{cert.Subject.CommonName}
	}
	details := map[string]any{"names": names}
	if len(names) == 0 {
		return model.ValidationCheckResult{Message: "certificate has no DNS names or common name", Details: details, ErrorCode: CodeNoNames}
	}
	if expected == "" {
		return model.ValidationCheckResult{Valid: true, Message: fmt.Sprintf("certificate names: %s", strings.Join(names, ", ")), Details: details}
	}
	details["expected"] = expected
	for _, n := range names {
		if MatchesDomain(n, expected) {
			details["matched"] = n
			return model.ValidationCheckResult{Valid: true, Message: fmt.Sprintf("certificate covers %s", expected), Details: details}
		}
	}
	return model.ValidationCheckResult{
		Message:   fmt.Sprintf("certificate does not cover %s (names: %s)", expected, strings.Join(names, ", ")),
		Details:   details,
		ErrorCode: CodeDomainMismatch,
	}
}

// MatchesDomain reports whether a certificate name covers host. A wildcard
// pattern matches exactly one leftmost label.
func MatchesDomain(pattern, host string) bool {
	pattern = strings.ToLower(strings.TrimSuffix(pattern, "."))
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if pattern == "" || host == "" {
		return false
	}
	if pattern == host {
		return true
	}
	if !strings.HasPrefix(pattern, "*.") {
		return false
	}
	suffix := pattern[1:]
	if !strings.HasSuffix(host, suffix) {
		return false
	}
	label := strings.TrimSuffix(host, suffix)
	return label != "" && !strings.Contains(label, ".") && label != "*"
}

// checkKeyUsage requires the certificate to be usable for TLS server auth.
func checkKeyUsage(cert *x509.Certificate) model.ValidationCheckResult {
	details := map[string]any{"keyUsage": int(cert.KeyUsage), "extKeyUsage": len(cert.ExtKeyUsage)}
	if len(cert.ExtKeyUsage) > 0 || len(cert.UnknownExtKeyUsage) > 0 {
		if err := requireExtKeyUsage(cert.ExtKeyUsage, x509.ExtKeyUsageServerAuth); err != nil {
			return model.ValidationCheckResult{Message: err.Error(), Details: details, ErrorCode: CodeKeyUsage}
		}
	}
	if cert.KeyUsage != 0 {
		if err := requireAnyKeyUsage(cert.KeyUsage, x509.KeyUsageDigitalSignature, x509.KeyUsageKeyEncipherment); err != nil {
			return model.ValidationCheckResult{Message: err.Error(), Details: details, ErrorCode: CodeKeyUsage}
		}
	}
	return model.ValidationCheckResult{Valid: true, Message: "key usage permits TLS server authentication", Details: details}
}

func requireExtKeyUsage(have []x509.ExtKeyUsage, want x509.ExtKeyUsage) error {
	for _, u := range have {
		if u == want || u == x509.ExtKeyUsageAny {
			return nil
		}
	}
	return fmt.Errorf("extended key usage does not include serverAuth")
}

func requireAnyKeyUsage(have x509.KeyUsage, allowed ...x509.KeyUsage) error {
	for _, u := range allowed {
		if have&u != 0 {
			return nil
		}
	}
	return fmt.Errorf("key usage allows neither digitalSignature nor keyEncipherment")
}
