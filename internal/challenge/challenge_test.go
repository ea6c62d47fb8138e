package challenge_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/blockadesystems/certpilot/internal/acmeclient"
	"github.com/blockadesystems/certpilot/internal/challenge"
	"github.com/blockadesystems/certpilot/internal/dnsprovider"
	"github.com/blockadesystems/certpilot/internal/model"
	"github.com/blockadesystems/certpilot/internal/testutils"
)

var fast = acmeclient.PollConfig{Interval: time.Millisecond, MaxAttempts: 5}

func TestParseType(t *testing.T) {
	for _, s := range []string{"http-01", "dns-01", "tls-alpn-01"} {
		typ, err := challenge.ParseType(s)
		require.NoError(t, err)
		assert.Equal(t, s, typ.String())
	}
	typ, err := challenge.ParseType("")
	require.NoError(t, err)
	assert.Equal(t, challenge.DNS01, typ)

	_, err = challenge.ParseType("email-01")
	assert.ErrorIs(t, err, challenge.ErrUnknownType)
}

func TestRegistryLookup(t *testing.T) {
	http := challenge.NewHTTP01Handler(t.TempDir(), fast, zaptest.NewLogger(t))
	reg := challenge.NewRegistry(http)

	h, err := reg.Lookup(challenge.HTTP01)
	require.NoError(t, err)
	assert.Equal(t, challenge.HTTP01, h.Type())

	_, err = reg.Lookup(challenge.TLSALPN01)
	assert.ErrorIs(t, err, challenge.ErrNoHandler)
	assert.Equal(t, []challenge.Type{challenge.HTTP01}, reg.Types())
}

func newTask(t *testing.T, fake *testutils.FakeACME, domain string, typ challenge.Type) *challenge.Task {
	t.Helper()
	order, err := fake.NewOrder(context.Background(), []string{domain})
	require.NoError(t, err)
	authz, err := fake.GetAuthorization(context.Background(), order.Authorizations[0])
	require.NoError(t, err)
	for _, ch := range authz.Challenges {
		if ch.Type == string(typ) {
			ka, err := fake.KeyAuthorization(ch.Token)
			require.NoError(t, err)
			return &challenge.Task{Domain: domain, Challenge: ch, KeyAuth: ka, Client: fake}
		}
	}
	t.Fatalf("no %s challenge offered for %s", typ, domain)
	return nil
}

func TestHTTP01Handler(t *testing.T) {
	ctx := context.Background()
	webroot := t.TempDir()
	h := challenge.NewHTTP01Handler(webroot, fast, zaptest.NewLogger(t))

	t.Run("writes token then removes it", func(t *testing.T) {
		fake := testutils.NewFakeACME(t)
		task := newTask(t, fake, "example.com", challenge.HTTP01)

		require.NoError(t, h.Prepare(ctx, task))
		path := filepath.Join(webroot, ".well-known", "acme-challenge", task.Challenge.Token)
		body, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, task.KeyAuth, string(body))

		require.NoError(t, h.Validate(ctx, task))
		assert.Equal(t, []string{task.Challenge.URL}, fake.Accepted)

		h.Cleanup(ctx, task)
		_, err = os.Stat(path)
		assert.True(t, os.IsNotExist(err))
		h.Cleanup(ctx, task)
	})

	t.Run("invalid challenge is a protocol error", func(t *testing.T) {
		fake := testutils.NewFakeACME(t)
		fake.ChallengeStatuses = []string{model.ACMEStatusInvalid}
		fake.ChallengeError = &model.ProblemDetails{Type: "urn:ietf:params:acme:error:connection", Detail: "connection refused"}
		task := newTask(t, fake, "example.com", challenge.HTTP01)

		err := h.Validate(ctx, task)
		var perr *acmeclient.ProtocolError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, "connection refused", perr.Problem.Detail)
	})

	t.Run("exhausted polling is a timeout", func(t *testing.T) {
		fake := testutils.NewFakeACME(t)
		fake.ChallengeStatuses = []string{model.ACMEStatusProcessing}
		task := newTask(t, fake, "example.com", challenge.HTTP01)

		var terr *acmeclient.TimeoutError
		require.True(t, errors.As(h.Validate(ctx, task), &terr))
		assert.Equal(t, fast.MaxAttempts, fake.ChallengePolls(task.Challenge.URL))
	})

	t.Run("rejects path traversal tokens", func(t *testing.T) {
		task := &challenge.Task{Domain: "example.com", Challenge: model.Challenge{Token: "../../etc/passwd"}}
		assert.Error(t, h.Prepare(ctx, task))
	})
}

// recordingProvider captures calls and reports a fixed propagation result.
type recordingProvider struct {
	mu         sync.Mutex
	added      []dnsprovider.Record
	removed    []dnsprovider.Record
	propagated bool
	addErr     error
}

func (p *recordingProvider) Name() string { return "recording" }

func (p *recordingProvider) AddTXTRecord(_ context.Context, rec dnsprovider.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.addErr != nil {
		return p.addErr
	}
	p.added = append(p.added, rec)
	return nil
}

func (p *recordingProvider) RemoveTXTRecord(_ context.Context, rec dnsprovider.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, rec)
	return errors.New("remove failed")
}

func (p *recordingProvider) WaitForPropagation(context.Context, dnsprovider.Record, time.Duration) bool {
	return p.propagated
}

func TestDNS01Handler(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes digest of key authorization", func(t *testing.T) {
		fake := testutils.NewFakeACME(t)
		provider := &recordingProvider{propagated: true}
		h := challenge.NewDNS01Handler(provider, time.Second, fast, zaptest.NewLogger(t))
		task := newTask(t, fake, "*.example.com", challenge.DNS01)

		require.NoError(t, h.Prepare(ctx, task))
		require.Len(t, provider.added, 1)
		rec := provider.added[0]
		assert.Equal(t, "_acme-challenge.example.com.", rec.FQDN)
		assert.Equal(t, "example.com", rec.Domain)
		assert.Equal(t, acmeclient.DNS01Value(task.KeyAuth), rec.Value)

		require.NoError(t, h.Validate(ctx, task))
		h.Cleanup(ctx, task)
		assert.Len(t, provider.removed, 1, "removal errors are swallowed")
	})

	t.Run("unconfirmed propagation proceeds", func(t *testing.T) {
		fake := testutils.NewFakeACME(t)
		provider := &recordingProvider{propagated: false}
		h := challenge.NewDNS01Handler(provider, time.Millisecond, fast, zaptest.NewLogger(t))
		task := newTask(t, fake, "example.com", challenge.DNS01)

		require.NoError(t, h.Prepare(ctx, task))
		require.NoError(t, h.Validate(ctx, task))
	})

	t.Run("provider failure stops preparation", func(t *testing.T) {
		fake := testutils.NewFakeACME(t)
		provider := &recordingProvider{addErr: errors.New("zone not found")}
		h := challenge.NewDNS01Handler(provider, time.Second, fast, zaptest.NewLogger(t))
		task := newTask(t, fake, "example.com", challenge.DNS01)

		assert.ErrorContains(t, h.Prepare(ctx, task), "zone not found")
	})
}
