package lifecycle_test

import (
	"context"
	"crypto/x509"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/blockadesystems/certpilot/internal/acme"
	"github.com/blockadesystems/certpilot/internal/acmeclient"
	"github.com/blockadesystems/certpilot/internal/challenge"
	"github.com/blockadesystems/certpilot/internal/config"
	"github.com/blockadesystems/certpilot/internal/lifecycle"
	"github.com/blockadesystems/certpilot/internal/lock"
	"github.com/blockadesystems/certpilot/internal/metrics"
	"github.com/blockadesystems/certpilot/internal/model"
	"github.com/blockadesystems/certpilot/internal/secrets"
	"github.com/blockadesystems/certpilot/internal/storage"
	"github.com/blockadesystems/certpilot/internal/testutils"
	"github.com/blockadesystems/certpilot/internal/validation"
)

var fast = acmeclient.PollConfig{Interval: time.Millisecond, MaxAttempts: 5}

type fixture struct {
	svc   *lifecycle.Service
	store *storage.MemoryStorage
	fake  *testutils.FakeACME
	reg   *prometheus.Registry

	// onIssue, when set, runs before each issuance reaches the CA.
	onIssue func(domain string)
}

// hookedIssuer lets tests observe stored state while issuance is in flight.
type hookedIssuer struct {
	next lifecycle.Issuer
	f    *fixture
}

func (h hookedIssuer) Issue(ctx context.Context, domain string, typ challenge.Type) (*acme.IssuedCertificate, error) {
	if h.f.onIssue != nil {
		h.f.onIssue(domain)
	}
	return h.next.Issue(ctx, domain, typ)
}

func newFixture(t *testing.T, opts ...lifecycle.Option) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	store := storage.NewMemoryStorage()
	fake := testutils.NewFakeACME(t)

	accounts := acme.NewAccountService(store, testutils.NewFakeConnector(fake), config.ACMEConfig{
		DirectoryURL:   config.LetsEncryptStaging,
		Email:          "ops@example.com",
		AccountKeyType: "EC256",
	}, log)
	registry := challenge.NewRegistry(
		challenge.NewHTTP01Handler(t.TempDir(), fast, log),
	)
	orders := acme.NewOrderService(accounts, registry, "EC256", fast, log)

	key, err := secrets.GenerateKey()
	require.NoError(t, err)
	cipher, err := secrets.NewCipher(key)
	require.NoError(t, err)

	roots := x509.NewCertPool()
	roots.AddCert(fake.Issuer.Cert)
	validator := validation.New(log, validation.WithRoots(roots))

	reg := prometheus.NewRegistry()
	opts = append([]lifecycle.Option{
		lifecycle.WithMetrics(metrics.New(reg)),
		lifecycle.WithDefaultChallenge(challenge.HTTP01),
	}, opts...)
	f := &fixture{store: store, fake: fake, reg: reg}
	f.svc = lifecycle.New(store, hookedIssuer{next: orders, f: f}, cipher, lock.NewLocal(), validator, log, opts...)
	return f
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cert, err := f.svc.Create(ctx, lifecycle.CreateRequest{Domain: " Example.COM ", AdminEmail: "ops@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "example.com", cert.Domain)
	assert.Equal(t, model.StatusActive, cert.Status)
	assert.Equal(t, "http-01", cert.ChallengeType)
	assert.Equal(t, model.DefaultAlertDaysBefore, cert.AlertDaysBefore)
	require.NotNil(t, cert.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(90*24*time.Hour), *cert.ExpiresAt, time.Hour)
	assert.True(t, secrets.IsEncrypted(cert.PrivateKey), "key is stored encrypted")

	stored, err := f.svc.Get(ctx, cert.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, stored.Status)

	keyPEM, err := f.svc.DecryptPrivateKey(stored)
	require.NoError(t, err)
	assert.Contains(t, keyPEM, "PRIVATE KEY")
	_, err = acme.DecodeKey([]byte(keyPEM))
	assert.NoError(t, err)

	n, err := testutil.GatherAndCount(f.reg, "certpilot_issuances_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCreateRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Create(ctx, lifecycle.CreateRequest{Domain: "not a domain"})
	assert.ErrorIs(t, err, acme.ErrInvalidDomain)

	_, err = f.svc.Create(ctx, lifecycle.CreateRequest{Domain: "example.com", ChallengeType: "smoke-signal"})
	assert.ErrorIs(t, err, challenge.ErrUnknownType)

	_, err = f.svc.Create(ctx, lifecycle.CreateRequest{Domain: "example.com", ServerID: "missing"})
	assert.Error(t, err)

	certs, err := f.svc.List(ctx, storage.CertificateFilter{})
	require.NoError(t, err)
	assert.Empty(t, certs, "nothing stored for rejected requests")
}

func TestCreateDuplicateDomain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Create(ctx, lifecycle.CreateRequest{Domain: "example.com"})
		}(i)
	}
	wg.Wait()

	ok, dup := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, lifecycle.ErrDuplicateDomain):
			dup++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 3, dup)
	assert.Len(t, f.fake.FinalizeCSR, 1, "only one order reached the CA")
}

func TestCreateFailureIsRecorded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fake.NewOrderErr = errors.New("rate limited")

	cert, err := f.svc.Create(ctx, lifecycle.CreateRequest{Domain: "example.com"})
	require.Error(t, err)
	require.NotNil(t, cert)

	stored, err := f.svc.Get(ctx, cert.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "rate limited")
	assert.Empty(t, stored.PrivateKey)

	_, err = f.svc.DecryptPrivateKey(stored)
	assert.ErrorIs(t, err, lifecycle.ErrNotIssued)

	_, err = f.svc.Renew(ctx, cert.ID)
	assert.ErrorIs(t, err, lifecycle.ErrInvalidStatus, "FAILED certificates are not renewable")
}

func TestRenew(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cert, err := f.svc.Create(ctx, lifecycle.CreateRequest{Domain: "example.com"})
	require.NoError(t, err)
	firstKey := cert.PrivateKey

	renewed, err := f.svc.Renew(ctx, cert.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, renewed.Status)
	assert.Equal(t, 1, renewed.RenewalAttempts)
	assert.NotEqual(t, firstKey, renewed.PrivateKey)
	assert.Len(t, f.fake.FinalizeCSR, 2)

	t.Run("challenge failure marks FAILED", func(t *testing.T) {
		f.fake.ChallengeStatuses = []string{model.ACMEStatusInvalid}
		f.fake.ChallengeError = &model.ProblemDetails{Type: "urn:ietf:params:acme:error:dns", Detail: "dns problem"}
		var during model.CertificateStatus
		f.onIssue = func(string) {
			inFlight, err := f.store.GetCertificate(ctx, cert.ID)
			if assert.NoError(t, err) && assert.NotNil(t, inFlight) {
				during = inFlight.Status
			}
		}
		defer func() { f.onIssue = nil }()

		_, err := f.svc.Renew(ctx, cert.ID)
		require.Error(t, err)
		assert.Equal(t, model.StatusRenewing, during)
		stored, err := f.svc.Get(ctx, cert.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailed, stored.Status)
		assert.Equal(t, 2, stored.RenewalAttempts)
		assert.Contains(t, stored.LastError, "dns problem")
		assert.Equal(t, renewed.PrivateKey, stored.PrivateKey, "previous key survives a failed renewal")
	})

	_, err = f.svc.Renew(ctx, "missing")
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)
}

func TestRefreshStatusesAndFindExpiring(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	f := newFixture(t, lifecycle.WithClock(func() time.Time { return now }))

	at := func(d time.Duration) *time.Time { t := now.Add(d); return &t }
	seed := []*model.Certificate{
		{ID: "far", Domain: "far.example.com", Status: model.StatusActive, ExpiresAt: at(80 * 24 * time.Hour)},
		{ID: "soon", Domain: "soon.example.com", Status: model.StatusActive, ExpiresAt: at(10 * 24 * time.Hour)},
		{ID: "custom", Domain: "custom.example.com", Status: model.StatusActive, AlertDaysBefore: 7, ExpiresAt: at(10 * 24 * time.Hour)},
		{ID: "gone", Domain: "gone.example.com", Status: model.StatusExpiringSoon, ExpiresAt: at(-time.Hour)},
		{ID: "failed", Domain: "failed.example.com", Status: model.StatusFailed, ExpiresAt: at(-time.Hour)},
		{ID: "pending", Domain: "pending.example.com", Status: model.StatusPending},
	}
	for _, c := range seed {
		require.NoError(t, f.store.CreateCertificate(ctx, c))
	}

	changed, err := f.svc.RefreshStatuses(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, changed)

	status := func(id string) model.CertificateStatus {
		c, err := f.svc.Get(ctx, id)
		require.NoError(t, err)
		return c.Status
	}
	assert.Equal(t, model.StatusActive, status("far"))
	assert.Equal(t, model.StatusExpiringSoon, status("soon"))
	assert.Equal(t, model.StatusActive, status("custom"))
	assert.Equal(t, model.StatusExpired, status("gone"))
	assert.Equal(t, model.StatusFailed, status("failed"))

	expiring, err := f.svc.FindExpiring(ctx, 30)
	require.NoError(t, err)
	var ids []string
	for _, c := range expiring {
		ids = append(ids, c.ID)
	}
	assert.ElementsMatch(t, []string{"soon", "custom", "gone"}, ids)
}

func TestValidateAndDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cert, err := f.svc.Create(ctx, lifecycle.CreateRequest{Domain: "example.com"})
	require.NoError(t, err)

	res, err := f.svc.Validate(ctx, cert.ID)
	require.NoError(t, err)
	assert.True(t, res.Valid, "errors: %v", res.Errors)
	assert.True(t, res.Domain.Valid)

	require.NoError(t, f.svc.Delete(ctx, cert.ID))
	_, err = f.svc.Get(ctx, cert.ID)
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)
	assert.ErrorIs(t, f.svc.Delete(ctx, cert.ID), lifecycle.ErrNotFound)

	// The domain is free again.
	_, err = f.svc.Create(ctx, lifecycle.CreateRequest{Domain: "example.com"})
	assert.NoError(t, err)
}
