// Package acmeclient is the boundary between certpilot and the ACME wire
// protocol. Services depend on the Client and Connector interfaces; the lego
// backed implementation lives in lego.go.
package acmeclient

import (
	"context"
	"crypto"
	"fmt"
	"time"

	"github.com/blockadesystems/certpilot/internal/model"
)

// Client is an authenticated session with one ACME directory.
type Client interface {
	NewOrder(ctx context.Context, domains []string) (*model.Order, error)
	GetOrder(ctx context.Context, orderURL string) (*model.Order, error)
	GetAuthorization(ctx context.Context, authzURL string) (*model.Authorization, error)
	// AcceptChallenge tells the CA the challenge is ready to be validated.
	AcceptChallenge(ctx context.Context, challengeURL string) (*model.Challenge, error)
	GetChallenge(ctx context.Context, challengeURL string) (*model.Challenge, error)
	// FinalizeOrder submits a DER encoded PKCS#10 CSR to the order's finalize URL.
	FinalizeOrder(ctx context.Context, finalizeURL string, csrDER []byte) (*model.Order, error)
	// FetchCertificate downloads the leaf and the issuer chain as PEM.
	FetchCertificate(ctx context.Context, certURL string) (certPEM, chainPEM []byte, err error)
	KeyAuthorization(token string) (string, error)
}

// Connector registers accounts and opens sessions.
type Connector interface {
	// Register creates a new account with terms accepted and returns its URL.
	Register(ctx context.Context, directoryURL string, key crypto.Signer, contact []string) (accountURL string, err error)
	// Resume opens a session for an existing account only; it fails when the
	// CA does not know the key.
	Resume(ctx context.Context, directoryURL string, key crypto.Signer) (Client, string, error)
	Deactivate(ctx context.Context, directoryURL string, key crypto.Signer, accountURL string) error
}

// Stages reported in ProtocolError and TimeoutError.
const (
	StageAuthorization = "authorization"
	StageChallenge     = "challenge"
	StageOrder         = "order"
)

// ProtocolError is an explicit rejection by the CA.
type ProtocolError struct {
	Stage      string
	Identifier string
	Problem    *model.ProblemDetails
}

func (e *ProtocolError) Error() string {
	detail := "no error detail from CA"
	if e.Problem != nil {
		detail = e.Problem.Error()
	}
	if e.Identifier != "" {
		return fmt.Sprintf("acme: %s for %s is invalid: %s", e.Stage, e.Identifier, detail)
	}
	return fmt.Sprintf("acme: %s is invalid: %s", e.Stage, detail)
}

// TimeoutError means polling ran out of attempts before a terminal status.
type TimeoutError struct {
	Stage      string
	Identifier string
	Attempts   int
	LastStatus string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("acme: %s for %s did not reach a final state after %d attempts (last status %q)",
		e.Stage, e.Identifier, e.Attempts, e.LastStatus)
}

// PollConfig bounds a polling loop.
type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
