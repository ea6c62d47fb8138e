package acmeclient

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/acme/api"

	"github.com/blockadesystems/certpilot/internal/model"
)

// LegoConnector talks to an ACME directory through lego's low level API.
type LegoConnector struct {
	HTTPClient *http.Client
	UserAgent  string
}

var _ Connector = (*LegoConnector)(nil)

// NewLegoConnector returns a connector whose requests time out after timeout.
func NewLegoConnector(timeout time.Duration, userAgent string) *LegoConnector {
	return &LegoConnector{
		HTTPClient: &http.Client{Timeout: timeout},
		UserAgent:  userAgent,
	}
}

func (c *LegoConnector) core(directoryURL, kid string, key crypto.Signer) (*api.Core, error) {
	core, err := api.New(c.HTTPClient, c.UserAgent, directoryURL, kid, key)
	if err != nil {
		return nil, fmt.Errorf("acme: failed to load directory %s: %w", directoryURL, err)
	}
	return core, nil
}

func (c *LegoConnector) Register(ctx context.Context, directoryURL string, key crypto.Signer, contact []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	core, err := c.core(directoryURL, "", key)
	if err != nil {
		return "", err
	}
	acct, err := core.Accounts.New(acme.Account{Contact: contact, TermsOfServiceAgreed: true})
	if err != nil {
		return "", fmt.Errorf("acme: failed to register account: %w", mapError(err))
	}
	return acct.Location, nil
}

func (c *LegoConnector) Resume(ctx context.Context, directoryURL string, key crypto.Signer) (Client, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	core, err := c.core(directoryURL, "", key)
	if err != nil {
		return nil, "", err
	}
	acct, err := core.Accounts.New(acme.Account{OnlyReturnExisting: true})
	if err != nil {
		return nil, "", fmt.Errorf("acme: account not recognised by CA: %w", mapError(err))
	}
	session, err := c.core(directoryURL, acct.Location, key)
	if err != nil {
		return nil, "", err
	}
	return &legoClient{core: session, key: key}, acct.Location, nil
}

func (c *LegoConnector) Deactivate(ctx context.Context, directoryURL string, key crypto.Signer, accountURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	core, err := c.core(directoryURL, accountURL, key)
	if err != nil {
		return err
	}
	if err := core.Accounts.Deactivate(accountURL); err != nil {
		return fmt.Errorf("acme: failed to deactivate account: %w", mapError(err))
	}
	return nil
}

// legoClient is a Client bound to one account. lego's API is synchronous so
// ctx is only checked between requests; the HTTP client timeout bounds each call.
type legoClient struct {
	core *api.Core
	key  crypto.Signer
}

func (l *legoClient) NewOrder(ctx context.Context, domains []string) (*model.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o, err := l.core.Orders.New(domains)
	if err != nil {
		return nil, fmt.Errorf("acme: failed to create order: %w", mapError(err))
	}
	return toOrder(o), nil
}

func (l *legoClient) GetOrder(ctx context.Context, orderURL string) (*model.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o, err := l.core.Orders.Get(orderURL)
	if err != nil {
		return nil, fmt.Errorf("acme: failed to fetch order: %w", mapError(err))
	}
	return toOrder(o), nil
}

func (l *legoClient) GetAuthorization(ctx context.Context, authzURL string) (*model.Authorization, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a, err := l.core.Authorizations.Get(authzURL)
	if err != nil {
		return nil, fmt.Errorf("acme: failed to fetch authorization: %w", mapError(err))
	}
	authz := &model.Authorization{
		URL:        authzURL,
		Status:     a.Status,
		Identifier: model.Identifier{Type: a.Identifier.Type, Value: a.Identifier.Value},
		Wildcard:   a.Wildcard,
	}
	for _, ch := range a.Challenges {
		authz.Challenges = append(authz.Challenges, toChallenge(ch))
	}
	return authz, nil
}

func (l *legoClient) AcceptChallenge(ctx context.Context, challengeURL string) (*model.Challenge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, err := l.core.Challenges.New(challengeURL)
	if err != nil {
		return nil, fmt.Errorf("acme: failed to trigger challenge: %w", mapError(err))
	}
	out := toChallenge(ch.Challenge)
	return &out, nil
}

func (l *legoClient) GetChallenge(ctx context.Context, challengeURL string) (*model.Challenge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, err := l.core.Challenges.Get(challengeURL)
	if err != nil {
		return nil, fmt.Errorf("acme: failed to fetch challenge: %w", mapError(err))
	}
	out := toChallenge(ch.Challenge)
	return &out, nil
}

func (l *legoClient) FinalizeOrder(ctx context.Context, finalizeURL string, csrDER []byte) (*model.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o, err := l.core.Orders.UpdateForCSR(finalizeURL, csrDER)
	if err != nil {
		return nil, fmt.Errorf("acme: failed to finalize order: %w", mapError(err))
	}
	return toOrder(o), nil
}

func (l *legoClient) FetchCertificate(ctx context.Context, certURL string) ([]byte, []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	// With bundle=false lego splits the leaf from the issuer chain.
	cert, issuer, err := l.core.Certificates.Get(certURL, false)
	if err != nil {
		return nil, nil, fmt.Errorf("acme: failed to download certificate: %w", mapError(err))
	}
	return cert, issuer, nil
}

func (l *legoClient) KeyAuthorization(token string) (string, error) {
	return KeyAuthorization(l.key.Public(), token)
}

func toOrder(o acme.ExtendedOrder) *model.Order {
	order := &model.Order{
		Location:       o.Location,
		Status:         o.Status,
		Authorizations: o.Authorizations,
		FinalizeURL:    o.Finalize,
		CertificateURL: o.Certificate,
		Error:          toProblem(o.Error),
	}
	for _, id := range o.Identifiers {
		order.Identifiers = append(order.Identifiers, model.Identifier{Type: id.Type, Value: id.Value})
	}
	return order
}

func toChallenge(ch acme.Challenge) model.Challenge {
	return model.Challenge{
		Type:      ch.Type,
		URL:       ch.URL,
		Status:    ch.Status,
		Token:     ch.Token,
		Validated: ch.Validated,
		Error:     toProblem(ch.Error),
	}
}

func toProblem(p *acme.ProblemDetails) *model.ProblemDetails {
	if p == nil {
		return nil
	}
	out := &model.ProblemDetails{
		Type:     p.Type,
		Detail:   p.Detail,
		Status:   p.HTTPStatus,
		Instance: p.Instance,
	}
	if len(p.SubProblems) > 0 {
		if raw, err := json.Marshal(p.SubProblems); err == nil {
			out.Subproblems = raw
		}
	}
	return out
}

// mapError converts lego's problem document into ours so callers can match
// on *model.ProblemDetails without importing lego.
func mapError(err error) error {
	var pd *acme.ProblemDetails
	if errors.As(err, &pd) {
		return toProblem(pd)
	}
	return err
}
