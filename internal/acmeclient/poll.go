package acmeclient

import (
	"context"
	"fmt"

	"github.com/blockadesystems/certpilot/internal/model"
)

// PollChallenge polls a triggered challenge until it is valid or invalid, the
// attempt budget runs out, or ctx ends.
func PollChallenge(ctx context.Context, client Client, ch *model.Challenge, identifier string, cfg PollConfig) (*model.Challenge, error) {
	last := ch.Status
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		current, err := client.GetChallenge(ctx, ch.URL)
		if err != nil {
			return nil, fmt.Errorf("acme: failed to poll challenge for %s: %w", identifier, err)
		}
		last = current.Status
		switch current.Status {
		case model.ACMEStatusValid:
			return current, nil
		case model.ACMEStatusInvalid:
			return current, &ProtocolError{Stage: StageChallenge, Identifier: identifier, Problem: current.Error}
		}
		if attempt < cfg.MaxAttempts {
			if err := Sleep(ctx, cfg.Interval); err != nil {
				return nil, fmt.Errorf("acme: challenge polling for %s interrupted: %w", identifier, err)
			}
		}
	}
	return nil, &TimeoutError{Stage: StageChallenge, Identifier: identifier, Attempts: cfg.MaxAttempts, LastStatus: last}
}

// PollOrder polls an order until it is valid or invalid, the attempt budget
// runs out, or ctx ends. onPoll, when set, is called with each observed status.
func PollOrder(ctx context.Context, client Client, orderURL, identifier string, cfg PollConfig, onPoll func(attempt int, status string)) (*model.Order, error) {
	last := ""
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		order, err := client.GetOrder(ctx, orderURL)
		if err != nil {
			return nil, fmt.Errorf("acme: failed to poll order for %s: %w", identifier, err)
		}
		last = order.Status
		if onPoll != nil {
			onPoll(attempt, order.Status)
		}
		switch order.Status {
		case model.ACMEStatusValid:
			return order, nil
		case model.ACMEStatusInvalid:
			return order, &ProtocolError{Stage: StageOrder, Identifier: identifier, Problem: order.Error}
		}
		if attempt < cfg.MaxAttempts {
			if err := Sleep(ctx, cfg.Interval); err != nil {
				return nil, fmt.Errorf("acme: order polling for %s interrupted: %w", identifier, err)
			}
		}
	}
	return nil, &TimeoutError{Stage: StageOrder, Identifier: identifier, Attempts: cfg.MaxAttempts, LastStatus: last}
}
