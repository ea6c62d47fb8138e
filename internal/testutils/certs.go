package testutils

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"testing"
	"time"
)

// CertOptions describes a test certificate. Zero values get sensible defaults:
// valid from an hour ago for 90 days, digitalSignature key usage, no EKU.
type CertOptions struct {
	CommonName            string
	DNSNames              []string
	NotBefore             time.Time
	NotAfter              time.Time
	KeyUsage              x509.KeyUsage
	OmitKeyUsage          bool
	ExtKeyUsage           []x509.ExtKeyUsage
	OCSPServer            []string
	CRLDistributionPoints []string
	IsCA                  bool
}

// IssuedCert is a generated certificate with its key.
type IssuedCert struct {
	Cert   *x509.Certificate
	Key    crypto.Signer
	PEM    string
	KeyPEM string
}

// NewRootCA generates a self-signed CA certificate.
func NewRootCA(t testing.TB, commonName string) *IssuedCert {
	t.Helper()
	return SelfSigned(t, CertOptions{
		CommonName: commonName,
		IsCA:       true,
		KeyUsage:   x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		NotAfter:   time.Now().AddDate(10, 0, 0),
	})
}

// SelfSigned generates a certificate signed by its own key.
func SelfSigned(t testing.TB, opts CertOptions) *IssuedCert {
	t.Helper()
	key := newKey(t)
	tmpl := template(t, opts)
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatalf("testutils: failed to create self-signed certificate: %v", err)
	}
	return finish(t, der, key)
}

// Issue signs a new certificate with the receiver.
func (ca *IssuedCert) Issue(t testing.TB, opts CertOptions) *IssuedCert {
	t.Helper()
	key := newKey(t)
	tmpl := template(t, opts)
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.Cert, key.Public(), ca.Key)
	if err != nil {
		t.Fatalf("testutils: failed to issue certificate: %v", err)
	}
	return finish(t, der, key)
}

// NewIntermediate issues a CA certificate from the receiver.
func (ca *IssuedCert) NewIntermediate(t testing.TB, commonName string) *IssuedCert {
	t.Helper()
	return ca.Issue(t, CertOptions{
		CommonName: commonName,
		IsCA:       true,
		KeyUsage:   x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		NotAfter:   time.Now().AddDate(5, 0, 0),
	})
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("testutils: failed to generate key: %v", err)
	}
	return key
}

func template(t testing.TB, opts CertOptions) *x509.Certificate {
	t.Helper()
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("testutils: failed to generate serial number: %v", err)
	}
	notBefore := opts.NotBefore
	if notBefore.IsZero() {
		notBefore = time.Now().Add(-time.Hour)
	}
	notAfter := opts.NotAfter
	if notAfter.IsZero() {
		notAfter = notBefore.AddDate(0, 0, 90)
	}
	keyUsage := opts.KeyUsage
	if keyUsage == 0 && !opts.OmitKeyUsage {
		keyUsage = x509.KeyUsageDigitalSignature
	}
	if opts.OmitKeyUsage {
		keyUsage = 0
	}
	return &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: opts.CommonName},
		DNSNames:              opts.DNSNames,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              keyUsage,
		ExtKeyUsage:           opts.ExtKeyUsage,
		OCSPServer:            opts.OCSPServer,
		CRLDistributionPoints: opts.CRLDistributionPoints,
		BasicConstraintsValid: true,
		IsCA:                  opts.IsCA,
	}
}

func finish(t testing.TB, der []byte, key *ecdsa.PrivateKey) *IssuedCert {
	t.Helper()
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("testutils: failed to parse generated certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("testutils: failed to marshal key: %v", err)
	}
	return &IssuedCert{
		Cert:   cert,
		Key:    key,
		PEM:    string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		KeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})),
	}
}

// IssueForCSR signs a DER encoded CSR and returns the leaf as PEM. Used by the
// fake CA to answer finalize requests.
func (ca *IssuedCert) IssueForCSR(csrDER []byte, lifetime time.Duration) ([]byte, error) {
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, fmt.Errorf("testutils: failed to parse CSR: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("testutils: CSR signature invalid: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("testutils: failed to generate serial number: %w", err)
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: csr.Subject.CommonName},
		DNSNames:              csr.DNSNames,
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(lifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.Cert, csr.PublicKey, ca.Key)
	if err != nil {
		return nil, fmt.Errorf("testutils: failed to sign CSR: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

// CSR returns a DER encoded certificate request for domains.
func CSR(t testing.TB, domains ...string) []byte {
	t.Helper()
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domains[0]},
		DNSNames: domains,
	}, newKey(t))
	if err != nil {
		t.Fatalf("testutils: failed to create CSR: %v", err)
	}
	return der
}
