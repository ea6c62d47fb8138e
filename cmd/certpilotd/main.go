package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/certpilot/internal/acme"
	"github.com/blockadesystems/certpilot/internal/acmeclient"
	"github.com/blockadesystems/certpilot/internal/challenge"
	"github.com/blockadesystems/certpilot/internal/config"
	"github.com/blockadesystems/certpilot/internal/deploy"
	"github.com/blockadesystems/certpilot/internal/dnsprovider"
	"github.com/blockadesystems/certpilot/internal/lifecycle"
	"github.com/blockadesystems/certpilot/internal/lock"
	"github.com/blockadesystems/certpilot/internal/metrics"
	"github.com/blockadesystems/certpilot/internal/model"
	"github.com/blockadesystems/certpilot/internal/scheduler"
	"github.com/blockadesystems/certpilot/internal/secrets"
	"github.com/blockadesystems/certpilot/internal/server"
	"github.com/blockadesystems/certpilot/internal/storage"
	"github.com/blockadesystems/certpilot/internal/validation"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	logger = l.With(zap.String("package", "main"))
}

const usage = `usage: certpilotd <command> [flags]

commands:
  serve      run the HTTP server and renewal scheduler (default)
  create     issue a certificate for a new domain
  renew      renew a certificate by id
  deploy     push a certificate to its server
  validate   validate a stored certificate
  list       list managed certificates
  server     add, list or delete deployment servers (server add|list|delete)
`

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	base, err := buildLogger(cfg)
	if err != nil {
		logger.Fatal("failed to build logger", zap.Error(err))
	}
	zap.ReplaceGlobals(base)
	logger = base.With(zap.String("package", "main"))
	defer base.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	if cmd == "server" {
		action := "list"
		if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
			action, args = args[0], args[1:]
		}
		cmd = "server " + action
	}
	if err := run(ctx, cfg, cmd, args); err != nil {
		logger.Error("command failed", zap.String("command", cmd), zap.Error(err))
		os.Exit(1)
	}
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	if cfg.IsProduction() {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	zcfg.Level = level
	return zcfg.Build()
}

// app holds the wired services.
type app struct {
	cfg       *config.Config
	store     storage.Storage
	registry  *prometheus.Registry
	metrics   *metrics.Collector
	lifecycle *lifecycle.Service
	deploy    *deploy.Service
	closers   []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("error during shutdown", zap.Error(err))
		}
	}
}

func build(ctx context.Context, cfg *config.Config) (*app, error) {
	base := zap.L()
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	store, err := storage.NewStorage(cfg)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	logger.Info("storage initialized", zap.String("storage_type", cfg.StorageType))

	cipher, err := secrets.FromConfig(cfg.EncryptionKey, cfg.DevMode, base)
	if err != nil {
		a.Close()
		return nil, err
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisURL != "" {
		client, err := lock.Connect(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		locker = lock.NewRedis(client, cfg.LockTTL, base)
		logger.Info("using Redis issuance lock")
	}

	dnsProviders, err := dnsprovider.FromConfig(ctx, cfg.DNS, os.Stdout, os.Stdin, base)
	if err != nil {
		a.Close()
		return nil, err
	}
	challenges := challenge.NewRegistry(
		challenge.NewHTTP01Handler(cfg.Challenge.Webroot,
			acmeclient.PollConfig{Interval: cfg.Challenge.HTTPPollInterval, MaxAttempts: cfg.Challenge.HTTPPollAttempts}, base),
		challenge.NewDNS01Handler(dnsProviders.Resolve(cfg.DNS.Provider), cfg.Challenge.PropagationTimeout,
			acmeclient.PollConfig{Interval: cfg.Challenge.DNSPollInterval, MaxAttempts: cfg.Challenge.DNSPollAttempts}, base),
	)
	defaultType, err := challenge.ParseType(cfg.Challenge.DefaultType)
	if err != nil {
		a.Close()
		return nil, err
	}

	connector := acmeclient.NewLegoConnector(cfg.ACME.HTTPTimeout, cfg.ACME.UserAgent)
	accounts := acme.NewAccountService(store, connector, cfg.ACME, base)
	orders := acme.NewOrderService(accounts, challenges, cfg.ACME.CertKeyType,
		acmeclient.PollConfig{Interval: cfg.ACME.OrderPollInterval, MaxAttempts: cfg.ACME.OrderPollAttempts}, base)

	a.lifecycle = lifecycle.New(store, orders, cipher, locker, validation.New(base), base,
		lifecycle.WithMetrics(a.metrics), lifecycle.WithDefaultChallenge(defaultType))
	a.deploy = deploy.New(store, deploy.NewSSHDialer(cfg.Deploy.ConnectTimeout, base), cfg.Deploy, base,
		deploy.WithMetrics(a.metrics))
	return a, nil
}

func run(ctx context.Context, cfg *config.Config, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	id := fs.String("id", "", "certificate or server id")
	domain := fs.String("domain", "", "domain name (create)")
	challengeType := fs.String("challenge", "", "challenge type: http-01 or dns-01 (create)")
	email := fs.String("email", "", "admin email (create)")
	alertDays := fs.Int("alert-days", 0, "days before expiry to alert and renew (create)")
	serverID := fs.String("server", "", "deployment server id (create)")
	name := fs.String("name", "", "server name (server add)")
	host := fs.String("host", "", "SSH host (server add)")
	port := fs.Int("port", 22, "SSH port (server add)")
	user := fs.String("user", "", "SSH user (server add)")
	keyFile := fs.String("key-file", "", "SSH private key file (server add)")
	passwordStdin := fs.Bool("password-stdin", false, "read the SSH and sudo password from stdin (server add)")
	hostKey := fs.String("host-key", "", "pinned host key in authorized_keys format (server add)")
	webServer := fs.String("web-server", string(model.WebServerNginx), "nginx, apache or other (server add)")
	deployPath := fs.String("path", "", "remote certificate directory (server add)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	switch cmd {
	case "serve":
		return serve(ctx, a)
	case "create":
		cert, err := a.lifecycle.Create(ctx, lifecycle.CreateRequest{
			Domain:          *domain,
			ChallengeType:   *challengeType,
			AdminEmail:      *email,
			AlertDaysBefore: *alertDays,
			ServerID:        *serverID,
		})
		if err != nil {
			return err
		}
		return printJSON(cert)
	case "renew":
		cert, err := a.lifecycle.Renew(ctx, *id)
		if err != nil {
			return err
		}
		return printJSON(cert)
	case "deploy":
		cert, err := a.lifecycle.Get(ctx, *id)
		if err != nil {
			return err
		}
		key, err := a.lifecycle.DecryptPrivateKey(cert)
		if err != nil {
			return err
		}
		d, err := a.deploy.Deploy(ctx, cert, key)
		if d != nil {
			_ = printJSON(d)
		}
		return err
	case "validate":
		res, err := a.lifecycle.Validate(ctx, *id)
		if err != nil {
			return err
		}
		return printJSON(res)
	case "list":
		certs, err := a.lifecycle.List(ctx, storage.CertificateFilter{})
		if err != nil {
			return err
		}
		return printJSON(certs)
	case "server add":
		srv := &model.Server{
			ID:         *id,
			Name:       *name,
			Host:       *host,
			Port:       *port,
			Username:   *user,
			HostKey:    *hostKey,
			WebServer:  model.WebServerType(*webServer),
			DeployPath: *deployPath,
		}
		if *keyFile != "" {
			data, err := os.ReadFile(*keyFile)
			if err != nil {
				return fmt.Errorf("failed to read key file: %w", err)
			}
			srv.PrivateKeyPEM = string(data)
		}
		if *passwordStdin {
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("failed to read password: %w", err)
			}
			srv.Password = strings.TrimRight(line, "\r\n")
		}
		if err := a.deploy.AddServer(ctx, srv); err != nil {
			return err
		}
		return printJSON(srv)
	case "server list":
		servers, err := a.deploy.ListServers(ctx)
		if err != nil {
			return err
		}
		return printJSON(servers)
	case "server delete":
		return a.deploy.RemoveServer(ctx, *id)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func serve(ctx context.Context, a *app) error {
	logger.Info("certpilot starting",
		zap.String("environment", a.cfg.Environment),
		zap.String("acme_directory", a.cfg.ACME.DirectoryURL),
		zap.String("dns_provider", a.cfg.DNS.Provider))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.cfg.Scheduler.Enabled {
		s := scheduler.New(a.lifecycle, a.deploy, a.cfg.Scheduler, zap.L(), scheduler.WithMetrics(a.metrics))
		done := make(chan struct{})
		go func() {
			defer close(done)
			s.Start(ctx)
		}()
		defer func() {
			cancel()
			select {
			case <-done:
			case <-time.After(30 * time.Second):
				logger.Warn("scheduler did not stop in time")
			}
		}()
	}

	e := server.New(server.Dependencies{
		Webroot:  a.cfg.Challenge.Webroot,
		Store:    a.store,
		Gatherer: a.registry,
	}, zap.L())
	return server.Serve(ctx, e, a.cfg.HTTPAddress, logger)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
