package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blockadesystems/certpilot/internal/model"
)

// ErrInvalidServer is returned when a deployment target is missing required fields.
var ErrInvalidServer = errors.New("deploy: invalid server")

// AddServer validates and stores a deployment target. An empty ID gets a new
// uuid; an existing ID is updated in place.
func (s *Service) AddServer(ctx context.Context, srv *model.Server) error {
	srv.Name = strings.TrimSpace(srv.Name)
	srv.Host = strings.TrimSpace(srv.Host)
	if srv.WebServer == "" {
		srv.WebServer = model.WebServerNginx
	}
	if srv.Port == 0 {
		srv.Port = 22
	}
	switch {
	case srv.Host == "":
		return fmt.Errorf("%w: host is required", ErrInvalidServer)
	case srv.Port < 1 || srv.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalidServer, srv.Port)
	case !srv.HasCredentials():
		return fmt.Errorf("%w: a username and a password or private key are required", ErrInvalidServer)
	}
	switch srv.WebServer {
	case model.WebServerNginx, model.WebServerApache, model.WebServerOther:
	default:
		return fmt.Errorf("%w: unknown web server %q", ErrInvalidServer, srv.WebServer)
	}
	if srv.Name == "" {
		srv.Name = srv.Host
	}
	if srv.ID == "" {
		srv.ID = uuid.NewString()
	}
	if err := s.store.SaveServer(ctx, srv); err != nil {
		return fmt.Errorf("deploy: failed to save server %s: %w", srv.Name, err)
	}
	s.logger.Info("Deployment server saved", zap.String("server_id", srv.ID), zap.String("host", srv.Host))
	return nil
}

func (s *Service) ListServers(ctx context.Context) ([]*model.Server, error) {
	servers, err := s.store.ListServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("deploy: failed to list servers: %w", err)
	}
	return servers, nil
}

// RemoveServer deletes a target. Certificates pointing at it lose their server.
func (s *Service) RemoveServer(ctx context.Context, id string) error {
	if err := s.store.DeleteServer(ctx, id); err != nil {
		return fmt.Errorf("deploy: failed to delete server %s: %w", id, err)
	}
	s.logger.Info("Deployment server deleted", zap.String("server_id", id))
	return nil
}
