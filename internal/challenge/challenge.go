// Package challenge proves control of a domain to the CA. Each ACME challenge
// type has a Handler; the Registry selects one by type.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/blockadesystems/certpilot/internal/acmeclient"
	"github.com/blockadesystems/certpilot/internal/model"
)

// Type is an ACME challenge type.
type Type string

const (
	HTTP01    Type = "http-01"
	DNS01     Type = "dns-01"
	TLSALPN01 Type = "tls-alpn-01"

	// Default is used when a request names no challenge type.
	Default = DNS01
)

var (
	ErrUnknownType = errors.New("challenge: unknown challenge type")
	ErrNoHandler   = errors.New("challenge: no handler registered for challenge type")
)

// ParseType accepts the three ACME challenge types. The empty string means Default.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case "":
		return Default, nil
	case HTTP01, DNS01, TLSALPN01:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
}

func (t Type) String() string { return string(t) }

// Task is the work for one authorization.
type Task struct {
	// Domain is the order identifier, possibly a wildcard.
	Domain    string
	Challenge model.Challenge
	KeyAuth   string
	Client    acmeclient.Client
}

// Handler satisfies one challenge type. Cleanup always runs after Prepare,
// even when Prepare or Validate failed, and only logs its own failures.
type Handler interface {
	Type() Type
	Prepare(ctx context.Context, task *Task) error
	Validate(ctx context.Context, task *Task) error
	Cleanup(ctx context.Context, task *Task)
}

// Registry holds the handlers available to the order service.
type Registry struct {
	handlers map[Type]Handler
}

// NewRegistry registers handlers; a later handler replaces an earlier one of
// the same type.
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[Type]Handler, len(handlers))}
	for _, h := range handlers {
		r.handlers[h.Type()] = h
	}
	return r
}

// Lookup returns the handler for t, or ErrNoHandler.
func (r *Registry) Lookup(t Type) (Handler, error) {
	if h, ok := r.handlers[t]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoHandler, t)
}

// Types lists the registered challenge types, sorted.
func (r *Registry) Types() []Type {
	out := make([]Type, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// accept triggers validation and polls until the challenge reaches a final state.
func accept(ctx context.Context, task *Task, poll acmeclient.PollConfig) error {
	ch, err := task.Client.AcceptChallenge(ctx, task.Challenge.URL)
	if err != nil {
		return fmt.Errorf("challenge: failed to trigger %s for %s: %w", task.Challenge.Type, task.Domain, err)
	}
	if ch.Status == model.ACMEStatusValid {
		return nil
	}
	if ch.Status == model.ACMEStatusInvalid {
		return &acmeclient.ProtocolError{Stage: acmeclient.StageChallenge, Identifier: task.Domain, Problem: ch.Error}
	}
	_, err = acmeclient.PollChallenge(ctx, task.Client, ch, task.Domain, poll)
	return err
}
