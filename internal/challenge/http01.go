package challenge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"go.uber.org/zap"

	"github.com/blockadesystems/certpilot/internal/acmeclient"
)

// WellKnownPath is the URL path prefix the CA fetches HTTP-01 tokens from.
const WellKnownPath = "/.well-known/acme-challenge/"

// tokens are base64url without padding (RFC 8555 section 8.1).
var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// TokenPath returns the file that holds token under webroot.
func TokenPath(webroot, token string) (string, error) {
	if !tokenPattern.MatchString(token) {
		return "", fmt.Errorf("challenge: invalid token %q", token)
	}
	return filepath.Join(webroot, ".well-known", "acme-challenge", token), nil
}

// HTTP01Handler writes key authorizations below a webroot that is served on
// port 80, either by this process or by an existing web server.
type HTTP01Handler struct {
	webroot string
	poll    acmeclient.PollConfig
	logger  *zap.Logger
}

var _ Handler = (*HTTP01Handler)(nil)

func NewHTTP01Handler(webroot string, poll acmeclient.PollConfig, logger *zap.Logger) *HTTP01Handler {
	if logger == nil {
		logger = zap.L()
	}
	return &HTTP01Handler{
		webroot: webroot,
		poll:    poll,
		logger:  logger.With(zap.String("package", "challenge"), zap.String("type", string(HTTP01))),
	}
}

func (h *HTTP01Handler) Type() Type { return HTTP01 }

func (h *HTTP01Handler) Prepare(ctx context.Context, task *Task) error {
	path, err := TokenPath(h.webroot, task.Challenge.Token)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("challenge: failed to create challenge directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(task.KeyAuth), 0o644); err != nil {
		return fmt.Errorf("challenge: failed to write challenge file: %w", err)
	}
	h.logger.Info("challenge file written", zap.String("domain", task.Domain), zap.String("path", path))
	return nil
}

func (h *HTTP01Handler) Validate(ctx context.Context, task *Task) error {
	return accept(ctx, task, h.poll)
}

func (h *HTTP01Handler) Cleanup(ctx context.Context, task *Task) {
	path, err := TokenPath(h.webroot, task.Challenge.Token)
	if err != nil {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		h.logger.Warn("failed to remove challenge file", zap.String("path", path), zap.Error(err))
	}
}
