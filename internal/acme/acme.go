// Package acme obtains certificates from an ACME CA: it owns the account used
// to talk to the CA and drives orders through authorization and finalization.
package acme

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"

	"github.com/go-acme/lego/v4/certcrypto"
	"go.uber.org/zap"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "acme"))
}

var (
	ErrNoEmail        = errors.New("acme: an account email is required")
	ErrUnknownKeyType = errors.New("acme: unknown key type")
	ErrInvalidDomain  = errors.New("acme: invalid domain")
)

// keyTypes maps configured names to lego key types.
var keyTypes = map[string]certcrypto.KeyType{
	"EC256":   certcrypto.EC256,
	"EC384":   certcrypto.EC384,
	"RSA2048": certcrypto.RSA2048,
	"RSA3072": certcrypto.RSA3072,
	"RSA4096": certcrypto.RSA4096,
	"RSA8192": certcrypto.RSA8192,
}

// GenerateKey creates a private key of the named type (EC256, EC384, RSA2048,
// RSA3072, RSA4096, RSA8192).
func GenerateKey(keyType string) (crypto.Signer, error) {
	kt, ok := keyTypes[strings.ToUpper(keyType)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKeyType, keyType)
	}
	key, err := certcrypto.GeneratePrivateKey(kt)
	if err != nil {
		return nil, fmt.Errorf("acme: failed to generate %s key: %w", keyType, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("acme: generated %s key is not a signer", keyType)
	}
	return signer, nil
}

// EncodeKey returns key as PEM.
func EncodeKey(key crypto.Signer) []byte {
	return certcrypto.PEMEncode(key)
}

// DecodeKey parses a PEM private key written by EncodeKey.
func DecodeKey(pemData []byte) (crypto.Signer, error) {
	key, err := certcrypto.ParsePEMPrivateKey(pemData)
	if err != nil {
		return nil, fmt.Errorf("acme: failed to parse private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("acme: stored key is not a signer")
	}
	return signer, nil
}

// keyInfo describes a key for storage: algorithm family and size in bits.
func keyInfo(key crypto.Signer) (string, int) {
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		return "EC", k.Curve.Params().BitSize
	case *rsa.PrivateKey:
		return "RSA", k.N.BitLen()
	default:
		return "UNKNOWN", 0
	}
}

// ValidateDomain checks that domain is a plausible DNS name, allowing a single
// leading wildcard label.
func ValidateDomain(domain string) error {
	d := strings.TrimPrefix(domain, "*.")
	if d == "" || len(domain) > 253 || strings.HasSuffix(d, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	labels := strings.Split(d, ".")
	if len(labels) < 2 {
		return fmt.Errorf("%w: %q needs at least two labels", ErrInvalidDomain, domain)
	}
	for _, l := range labels {
		if len(l) == 0 || len(l) > 63 || l[0] == '-' || l[len(l)-1] == '-' {
			return fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
		}
		for _, r := range l {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-') {
				return fmt.Errorf("%w: %q contains %q", ErrInvalidDomain, domain, r)
			}
		}
	}
	return nil
}
