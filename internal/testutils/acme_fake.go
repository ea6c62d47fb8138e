package testutils

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/blockadesystems/certpilot/internal/acmeclient"
	"github.com/blockadesystems/certpilot/internal/model"
)

// FakeACME is an in-memory acmeclient.Client. Challenge and order polls walk
// through scripted status sequences; the last status repeats once exhausted.
type FakeACME struct {
	mu sync.Mutex

	Key crypto.Signer

	// ChallengeStatuses is returned by successive GetChallenge calls for every
	// challenge without an entry in ChallengeOverrides.
	ChallengeStatuses  []string
	ChallengeOverrides map[string][]string
	ChallengeError     *model.ProblemDetails

	// OrderStatuses is returned by successive GetOrder calls after finalize.
	OrderStatuses []string
	OrderError    *model.ProblemDetails

	NewOrderErr error
	FinalizeErr error

	// Issuer signs finalized CSRs.
	Issuer *IssuedCert

	orders      map[string]*model.Order
	authzs      map[string]*model.Authorization
	challenges  map[string]*model.Challenge
	chPolls     map[string]int
	orderPolls  map[string]int
	finalized   map[string]bool
	certs       map[string][2][]byte
	Accepted    []string
	FinalizeCSR [][]byte
}

var _ acmeclient.Client = (*FakeACME)(nil)

// NewFakeACME returns a fake whose challenges and orders become valid on the
// second poll.
func NewFakeACME(t *testing.T) *FakeACME {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate account key: %v", err)
	}
	return &FakeACME{
		Key:                key,
		Issuer:             NewRootCA(t, "Fake ACME Root"),
		ChallengeStatuses:  []string{model.ACMEStatusPending, model.ACMEStatusValid},
		ChallengeOverrides: map[string][]string{},
		OrderStatuses:      []string{model.ACMEStatusProcessing, model.ACMEStatusValid},
		orders:             map[string]*model.Order{},
		authzs:             map[string]*model.Authorization{},
		challenges:         map[string]*model.Challenge{},
		chPolls:            map[string]int{},
		orderPolls:         map[string]int{},
		finalized:          map[string]bool{},
		certs:              map[string][2][]byte{},
	}
}

// ChallengeURL is the URL the fake assigns to a domain's challenge of a type.
func ChallengeURL(domain, typ string) string {
	return fmt.Sprintf("https://ca.test/chall/%s/%s", acmeclient.ChallengeDomain(domain), typ)
}

func (f *FakeACME) NewOrder(ctx context.Context, domains []string) (*model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NewOrderErr != nil {
		return nil, f.NewOrderErr
	}
	id := len(f.orders) + 1
	order := &model.Order{
		Location:    fmt.Sprintf("https://ca.test/order/%d", id),
		Status:      model.ACMEStatusPending,
		FinalizeURL: fmt.Sprintf("https://ca.test/order/%d/finalize", id),
	}
	for _, d := range domains {
		order.Identifiers = append(order.Identifiers, model.Identifier{Type: "dns", Value: d})
		base := acmeclient.ChallengeDomain(d)
		authz := &model.Authorization{
			URL:        fmt.Sprintf("https://ca.test/authz/%d/%s", id, base),
			Status:     model.ACMEStatusPending,
			Identifier: model.Identifier{Type: "dns", Value: base},
			Wildcard:   strings.HasPrefix(d, "*."),
		}
		types := []string{"http-01", "dns-01", "tls-alpn-01"}
		if authz.Wildcard {
			types = []string{"dns-01"}
		}
		for _, typ := range types {
			ch := &model.Challenge{
				Type:   typ,
				URL:    ChallengeURL(d, typ),
				Status: model.ACMEStatusPending,
				Token:  "tok-" + strings.ReplaceAll(base, ".", "-") + "-" + typ,
			}
			f.challenges[ch.URL] = ch
			authz.Challenges = append(authz.Challenges, *ch)
		}
		f.authzs[authz.URL] = authz
		order.Authorizations = append(order.Authorizations, authz.URL)
	}
	f.orders[order.Location] = order
	cp := *order
	return &cp, nil
}

func (f *FakeACME) GetOrder(ctx context.Context, orderURL string) (*model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderURL]
	if !ok {
		return nil, &model.ProblemDetails{Type: "urn:ietf:params:acme:error:malformed", Detail: "no such order", Status: 404}
	}
	if f.finalized[orderURL] {
		n := f.orderPolls[orderURL]
		f.orderPolls[orderURL] = n + 1
		order.Status = pick(f.OrderStatuses, n)
		switch order.Status {
		case model.ACMEStatusValid:
			order.CertificateURL = orderURL + "/cert"
		case model.ACMEStatusInvalid:
			order.Error = f.OrderError
		}
	}
	cp := *order
	return &cp, nil
}

func (f *FakeACME) GetAuthorization(ctx context.Context, authzURL string) (*model.Authorization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	authz, ok := f.authzs[authzURL]
	if !ok {
		return nil, &model.ProblemDetails{Type: "urn:ietf:params:acme:error:malformed", Detail: "no such authorization", Status: 404}
	}
	cp := *authz
	cp.Challenges = append([]model.Challenge(nil), authz.Challenges...)
	return &cp, nil
}

func (f *FakeACME) AcceptChallenge(ctx context.Context, challengeURL string) (*model.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.challenges[challengeURL]
	if !ok {
		return nil, &model.ProblemDetails{Type: "urn:ietf:params:acme:error:malformed", Detail: "no such challenge", Status: 404}
	}
	f.Accepted = append(f.Accepted, challengeURL)
	ch.Status = model.ACMEStatusProcessing
	cp := *ch
	return &cp, nil
}

func (f *FakeACME) GetChallenge(ctx context.Context, challengeURL string) (*model.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.challenges[challengeURL]
	if !ok {
		return nil, &model.ProblemDetails{Type: "urn:ietf:params:acme:error:malformed", Detail: "no such challenge", Status: 404}
	}
	seq := f.ChallengeStatuses
	if o, ok := f.ChallengeOverrides[challengeURL]; ok {
		seq = o
	}
	n := f.chPolls[challengeURL]
	f.chPolls[challengeURL] = n + 1
	ch.Status = pick(seq, n)
	if ch.Status == model.ACMEStatusInvalid {
		ch.Error = f.ChallengeError
	}
	cp := *ch
	return &cp, nil
}

// ChallengePolls reports how many times a challenge was polled.
func (f *FakeACME) ChallengePolls(challengeURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chPolls[challengeURL]
}

func (f *FakeACME) FinalizeOrder(ctx context.Context, finalizeURL string, csrDER []byte) (*model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FinalizeErr != nil {
		return nil, f.FinalizeErr
	}
	orderURL := strings.TrimSuffix(finalizeURL, "/finalize")
	order, ok := f.orders[orderURL]
	if !ok {
		return nil, &model.ProblemDetails{Type: "urn:ietf:params:acme:error:malformed", Detail: "no such order", Status: 404}
	}
	f.FinalizeCSR = append(f.FinalizeCSR, csrDER)
	f.finalized[orderURL] = true
	order.Status = model.ACMEStatusProcessing

	leaf, err := f.Issuer.IssueForCSR(csrDER, 90*24*time.Hour)
	if err != nil {
		return nil, err
	}
	f.certs[orderURL+"/cert"] = [2][]byte{leaf, []byte(f.Issuer.PEM)}
	cp := *order
	return &cp, nil
}

func (f *FakeACME) FetchCertificate(ctx context.Context, certURL string) ([]byte, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pair, ok := f.certs[certURL]
	if !ok {
		return nil, nil, &model.ProblemDetails{Type: "urn:ietf:params:acme:error:malformed", Detail: "no such certificate", Status: 404}
	}
	return pair[0], pair[1], nil
}

func (f *FakeACME) KeyAuthorization(token string) (string, error) {
	return acmeclient.KeyAuthorization(f.Key.Public(), token)
}

func pick(seq []string, n int) string {
	if len(seq) == 0 {
		return model.ACMEStatusPending
	}
	if n >= len(seq) {
		return seq[len(seq)-1]
	}
	return seq[n]
}

// FakeConnector registers accounts in memory and hands out Client for known
// keys. Client builds the session for a resumed account.
type FakeConnector struct {
	mu          sync.Mutex
	accounts    map[string]string // thumbprint -> account URL
	Registered  int
	Deactivated []string
	RegisterErr error
	Client      func(key crypto.Signer) acmeclient.Client
}

var _ acmeclient.Connector = (*FakeConnector)(nil)

// NewFakeConnector returns a connector whose sessions are served by client.
func NewFakeConnector(client acmeclient.Client) *FakeConnector {
	return &FakeConnector{
		accounts: map[string]string{},
		Client:   func(crypto.Signer) acmeclient.Client { return client },
	}
}

func (c *FakeConnector) Register(ctx context.Context, directoryURL string, key crypto.Signer, contact []string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.RegisterErr != nil {
		return "", c.RegisterErr
	}
	tp, err := acmeclient.Thumbprint(key.Public())
	if err != nil {
		return "", err
	}
	c.Registered++
	url := fmt.Sprintf("https://ca.test/acct/%d", c.Registered)
	c.accounts[tp] = url
	return url, nil
}

func (c *FakeConnector) Resume(ctx context.Context, directoryURL string, key crypto.Signer) (acmeclient.Client, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tp, err := acmeclient.Thumbprint(key.Public())
	if err != nil {
		return nil, "", err
	}
	url, ok := c.accounts[tp]
	if !ok {
		return nil, "", &model.ProblemDetails{Type: "urn:ietf:params:acme:error:accountDoesNotExist", Detail: "no account for key", Status: 400}
	}
	return c.Client(key), url, nil
}

func (c *FakeConnector) Deactivate(ctx context.Context, directoryURL string, key crypto.Signer, accountURL string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tp, err := acmeclient.Thumbprint(key.Public())
	if err != nil {
		return err
	}
	delete(c.accounts, tp)
	c.Deactivated = append(c.Deactivated, accountURL)
	return nil
}
