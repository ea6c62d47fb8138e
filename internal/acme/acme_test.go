package acme_test

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/blockadesystems/certpilot/internal/acme"
	"github.com/blockadesystems/certpilot/internal/acmeclient"
	"github.com/blockadesystems/certpilot/internal/challenge"
	"github.com/blockadesystems/certpilot/internal/config"
	"github.com/blockadesystems/certpilot/internal/model"
	"github.com/blockadesystems/certpilot/internal/storage"
	"github.com/blockadesystems/certpilot/internal/testutils"
)

var fast = acmeclient.PollConfig{Interval: time.Millisecond, MaxAttempts: 5}

func samePublic(a, b crypto.PublicKey) bool {
	k, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	return ok && k.Equal(b)
}

func acmeConfig() config.ACMEConfig {
	return config.ACMEConfig{
		DirectoryURL:   config.LetsEncryptStaging,
		Email:          "ops@example.com",
		AccountKeyType: "EC256",
		CertKeyType:    "EC256",
	}
}

func TestGenerateAndDecodeKey(t *testing.T) {
	for _, kt := range config.KeyTypes {
		t.Run(kt, func(t *testing.T) {
			if kt == "RSA8192" && testing.Short() {
				t.Skip("slow key generation")
			}
			key, err := acme.GenerateKey(kt)
			require.NoError(t, err)
			decoded, err := acme.DecodeKey(acme.EncodeKey(key))
			require.NoError(t, err)
			assert.True(t, samePublic(key.Public(), decoded.Public()))
		})
	}
	_, err := acme.GenerateKey("ED25519")
	assert.ErrorIs(t, err, acme.ErrUnknownKeyType)
}

func TestValidateDomain(t *testing.T) {
	for _, d := range []string{"example.com", "*.example.com", "a-b.sub.example.co.uk"} {
		assert.NoError(t, acme.ValidateDomain(d), d)
	}
	for _, d := range []string{"", "localhost", "-bad.example.com", "ex ample.com", "*.", "a..b.com", "*.*.example.com"} {
		assert.ErrorIs(t, acme.ValidateDomain(d), acme.ErrInvalidDomain, d)
	}
}

func TestAccountService(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	fake := testutils.NewFakeACME(t)
	conn := testutils.NewFakeConnector(fake)
	svc := acme.NewAccountService(store, conn, acmeConfig(), zaptest.NewLogger(t))

	acc, err := svc.GetOrCreateDefaultAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.AccountActive, acc.Status)
	assert.Equal(t, "EC", acc.KeyAlgorithm)
	assert.Equal(t, 256, acc.KeySize)
	assert.Contains(t, acc.PublicKeyJWK, `"kty":"EC"`)
	assert.Equal(t, "https://ca.test/acct/1", acc.AccountURL)

	again, err := svc.GetOrCreateDefaultAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, acc.ID, again.ID)
	assert.Equal(t, 1, conn.Registered, "existing active account is reused")

	client, err := svc.Session(ctx, again)
	require.NoError(t, err)
	assert.NotNil(t, client)

	require.NoError(t, svc.Deactivate(ctx, again))
	stored, err := store.GetAcmeAccount(ctx, "ops@example.com", config.LetsEncryptStaging)
	require.NoError(t, err)
	assert.Equal(t, model.AccountDeactivated, stored.Status)

	_, err = svc.Session(ctx, stored)
	assert.Error(t, err, "deactivated accounts have no session")

	replacement, err := svc.GetOrCreateDefaultAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.AccountActive, replacement.Status)
	assert.NotEqual(t, acc.PrivateKeyPEM, replacement.PrivateKeyPEM)
	assert.Equal(t, 2, conn.Registered)
}

func TestAccountServiceRequiresEmail(t *testing.T) {
	cfg := acmeConfig()
	cfg.Email = ""
	svc := acme.NewAccountService(storage.NewMemoryStorage(), testutils.NewFakeConnector(nil), cfg, zaptest.NewLogger(t))
	_, err := svc.GetOrCreateDefaultAccount(context.Background())
	assert.ErrorIs(t, err, acme.ErrNoEmail)
}

func TestSessionRejectsUnknownKey(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	conn := testutils.NewFakeConnector(testutils.NewFakeACME(t))
	svc := acme.NewAccountService(store, conn, acmeConfig(), zaptest.NewLogger(t))
	acc, err := svc.GetOrCreateDefaultAccount(ctx)
	require.NoError(t, err)

	// Simulate the CA forgetting the account.
	other := acme.NewAccountService(store, testutils.NewFakeConnector(nil), acmeConfig(), zaptest.NewLogger(t))
	_, err = other.Session(ctx, acc)
	var pd *model.ProblemDetails
	assert.True(t, errors.As(err, &pd))
}

// countingHandler wraps a real handler and records calls.
type countingHandler struct {
	challenge.Handler
	mu       sync.Mutex
	prepared int
	cleaned  int
}

func (h *countingHandler) Prepare(ctx context.Context, task *challenge.Task) error {
	h.mu.Lock()
	h.prepared++
	h.mu.Unlock()
	return h.Handler.Prepare(ctx, task)
}

func (h *countingHandler) Cleanup(ctx context.Context, task *challenge.Task) {
	h.mu.Lock()
	h.cleaned++
	h.mu.Unlock()
	h.Handler.Cleanup(ctx, task)
}

func newOrderService(t *testing.T, fake *testutils.FakeACME) (*acme.OrderService, *countingHandler) {
	t.Helper()
	conn := testutils.NewFakeConnector(fake)
	accounts := acme.NewAccountService(storage.NewMemoryStorage(), conn, acmeConfig(), zaptest.NewLogger(t))
	handler := &countingHandler{Handler: challenge.NewHTTP01Handler(t.TempDir(), fast, zaptest.NewLogger(t))}
	return acme.NewOrderService(accounts, challenge.NewRegistry(handler), "EC256", fast, zaptest.NewLogger(t)), handler
}

func TestIssue(t *testing.T) {
	ctx := context.Background()
	fake := testutils.NewFakeACME(t)
	svc, handler := newOrderService(t, fake)

	issued, err := svc.Issue(ctx, "example.com", challenge.HTTP01)
	require.NoError(t, err)
	assert.Equal(t, "example.com", issued.Domain)
	assert.Equal(t, 1, handler.prepared)
	assert.Equal(t, 1, handler.cleaned)

	block, _ := pem.Decode([]byte(issued.CertificatePEM))
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com"}, cert.DNSNames)
	assert.NotEmpty(t, issued.ChainPEM)

	key, err := acme.DecodeKey([]byte(issued.PrivateKeyPEM))
	require.NoError(t, err)
	assert.True(t, samePublic(key.Public(), cert.PublicKey), "certificate is for the generated key")

	require.Len(t, fake.FinalizeCSR, 1)
	csr, err := x509.ParseCertificateRequest(fake.FinalizeCSR[0])
	require.NoError(t, err)
	assert.Equal(t, "example.com", csr.Subject.CommonName)

	second, err := svc.Issue(ctx, "example.com", challenge.HTTP01)
	require.NoError(t, err)
	assert.NotEqual(t, issued.PrivateKeyPEM, second.PrivateKeyPEM, "fresh key per issuance")
}

func TestIssueFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("challenge invalid still cleans up", func(t *testing.T) {
		fake := testutils.NewFakeACME(t)
		fake.ChallengeStatuses = []string{model.ACMEStatusInvalid}
		fake.ChallengeError = &model.ProblemDetails{Type: "urn:ietf:params:acme:error:dns", Detail: "dns problem"}
		svc, handler := newOrderService(t, fake)

		_, err := svc.Issue(ctx, "example.com", challenge.HTTP01)
		var perr *acmeclient.ProtocolError
		require.True(t, errors.As(err, &perr))
		assert.Contains(t, err.Error(), "dns problem")
		assert.Equal(t, 1, handler.cleaned)
		assert.Empty(t, fake.FinalizeCSR)
	})

	t.Run("order never completes", func(t *testing.T) {
		fake := testutils.NewFakeACME(t)
		fake.OrderStatuses = []string{model.ACMEStatusProcessing}
		svc, _ := newOrderService(t, fake)

		_, err := svc.Issue(ctx, "example.com", challenge.HTTP01)
		var terr *acmeclient.TimeoutError
		require.True(t, errors.As(err, &terr))
		assert.Equal(t, acmeclient.StageOrder, terr.Stage)
	})

	t.Run("order invalid", func(t *testing.T) {
		fake := testutils.NewFakeACME(t)
		fake.OrderStatuses = []string{model.ACMEStatusInvalid}
		fake.OrderError = &model.ProblemDetails{Detail: "rejected identifier"}
		svc, _ := newOrderService(t, fake)

		_, err := svc.Issue(ctx, "example.com", challenge.HTTP01)
		assert.ErrorContains(t, err, "rejected identifier")
	})

	t.Run("unregistered challenge type", func(t *testing.T) {
		svc, _ := newOrderService(t, testutils.NewFakeACME(t))
		_, err := svc.Issue(ctx, "example.com", challenge.DNS01)
		assert.ErrorIs(t, err, challenge.ErrNoHandler)
	})

	t.Run("wildcard without offered challenge", func(t *testing.T) {
		fake := testutils.NewFakeACME(t)
		svc, _ := newOrderService(t, fake)
		_, err := svc.Issue(ctx, "*.example.com", challenge.HTTP01)
		var perr *acmeclient.ProtocolError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, acmeclient.StageAuthorization, perr.Stage)
	})

	t.Run("invalid domain never reaches the CA", func(t *testing.T) {
		fake := testutils.NewFakeACME(t)
		fake.NewOrderErr = errors.New("must not be called")
		svc, _ := newOrderService(t, fake)
		_, err := svc.Issue(ctx, "not a domain", challenge.HTTP01)
		assert.ErrorIs(t, err, acme.ErrInvalidDomain)
	})
}
