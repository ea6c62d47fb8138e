package deploy_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/blockadesystems/certpilot/internal/config"
	"github.com/blockadesystems/certpilot/internal/deploy"
	"github.com/blockadesystems/certpilot/internal/model"
	"github.com/blockadesystems/certpilot/internal/storage"
)

func TestServerRegistration(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	svc := deploy.New(store, nil, config.DeployConfig{}, zaptest.NewLogger(t))

	srv := &model.Server{Host: " web1.example.com ", Username: "deploy", Password: "hunter2"}
	require.NoError(t, svc.AddServer(ctx, srv))
	assert.NotEmpty(t, srv.ID)
	assert.Equal(t, "web1.example.com", srv.Name)
	assert.Equal(t, 22, srv.Port)
	assert.Equal(t, model.WebServerNginx, srv.WebServer)

	cert := &model.Certificate{Domain: "example.com", ServerID: srv.ID, CertificatePEM: "cert", PrivateKey: "key"}
	assert.True(t, svc.IsReadyForDeployment(ctx, cert))

	servers, err := svc.ListServers(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, srv.ID, servers[0].ID)

	require.NoError(t, svc.RemoveServer(ctx, srv.ID))
	assert.False(t, svc.IsReadyForDeployment(ctx, cert))
	assert.ErrorIs(t, svc.RemoveServer(ctx, srv.ID), storage.ErrNotFound)
}

func TestAddServerRejectsIncompleteTargets(t *testing.T) {
	svc := deploy.New(storage.NewMemoryStorage(), nil, config.DeployConfig{}, zaptest.NewLogger(t))
	for name, srv := range map[string]*model.Server{
		"no host":        {Username: "deploy", Password: "x"},
		"no credentials": {Host: "web1", Username: "deploy"},
		"bad port":       {Host: "web1", Username: "deploy", Password: "x", Port: 70000},
		"bad web server": {Host: "web1", Username: "deploy", Password: "x", WebServer: "iis"},
	} {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, svc.AddServer(context.Background(), srv), deploy.ErrInvalidServer)
		})
	}
}
