package acmeclient

import (
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	jose "github.com/go-jose/go-jose/v4"
)

// Thumbprint returns the base64url RFC 7638 SHA-256 thumbprint of pub.
func Thumbprint(pub crypto.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	tp, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("acme: failed to compute JWK thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}

// KeyAuthorization returns token || "." || thumbprint(account key).
func KeyAuthorization(pub crypto.PublicKey, token string) (string, error) {
	tp, err := Thumbprint(pub)
	if err != nil {
		return "", err
	}
	return token + "." + tp, nil
}

// PublicJWK serialises the public half of key as a JWK JSON document.
func PublicJWK(pub crypto.PublicKey) (string, error) {
	b, err := json.Marshal(jose.JSONWebKey{Key: pub})
	if err != nil {
		return "", fmt.Errorf("acme: failed to marshal public JWK: %w", err)
	}
	return string(b), nil
}

// DNS01Value is the TXT record content for a key authorization.
func DNS01Value(keyAuth string) string {
	sum := sha256.Sum256([]byte(keyAuth))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ChallengeDomain strips a wildcard label: authorizations for *.example.com
// are proven on example.com.
func ChallengeDomain(domain string) string {
	return strings.TrimPrefix(domain, "*.")
}

// DNS01FQDN is the fully qualified TXT record name for domain.
func DNS01FQDN(domain string) string {
	return "_acme-challenge." + strings.TrimSuffix(ChallengeDomain(domain), ".") + "."
}
