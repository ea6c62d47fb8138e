package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every environment variable read by LoadConfig.
const EnvPrefix = "CERTPILOT_"

const (
	EnvironmentProduction  = "production"
	EnvironmentDevelopment = "development"
)

const (
	LetsEncryptProduction = "https://acme-v02.api.letsencrypt.org/directory"
	LetsEncryptStaging    = "https://acme-staging-v02.api.letsencrypt.org/directory"
)

// Config is the complete process configuration.
type Config struct {
	Environment   string `env:"ENVIRONMENT" envDefault:"development"` // "production" or "development"
	DevMode       bool   `env:"DEV_MODE" envDefault:"false"`          // Allows a generated encryption key
	EncryptionKey string `env:"ENCRYPTION_KEY"`                       // Base64 encoded 32-byte AES key
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPAddress   string `env:"HTTP_ADDRESS" envDefault:":8080"` // HTTP-01 webroot, health, metrics

	StorageType string        `env:"STORAGE_TYPE" envDefault:"postgres"` // "postgres" or "memory"
	RedisURL    string        `env:"REDIS_URL"`                          // Enables the distributed issuance lease when set
	LockTTL     time.Duration `env:"LOCK_TTL" envDefault:"15m"`

	DB        DBConfig        `envPrefix:"DB_"`
	ACME      ACMEConfig      `envPrefix:"ACME_"`
	Challenge ChallengeConfig `envPrefix:"CHALLENGE_"`
	DNS       DNSConfig       `envPrefix:"DNS_"`
	Deploy    DeployConfig    `envPrefix:"DEPLOY_"`
	Scheduler SchedulerConfig `envPrefix:"SCHEDULER_"`
}

// DBConfig holds PostgreSQL connection settings.
type DBConfig struct {
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     int    `env:"PORT" envDefault:"5432"`
	User     string `env:"USER" envDefault:"certpilot"`
	Password string `env:"PASSWORD" envDefault:"password"`
	Name     string `env:"NAME" envDefault:"certpilot"`
	SSLMode  string `env:"SSLMODE" envDefault:"disable"`
	Cert     string `env:"CERT"`     // PostgreSQL client certificate file
	Key      string `env:"KEY"`      // PostgreSQL client private key file
	RootCert string `env:"ROOTCERT"` // PostgreSQL root CA certificate file
}

// ACMEConfig controls the CA account and order handling.
type ACMEConfig struct {
	DirectoryURL      string        `env:"DIRECTORY_URL" envDefault:"https://acme-v02.api.letsencrypt.org/directory"`
	Email             string        `env:"EMAIL"`
	AccountKeyType    string        `env:"ACCOUNT_KEY_TYPE" envDefault:"EC256"`
	CertKeyType       string        `env:"CERT_KEY_TYPE" envDefault:"EC256"`
	OrderPollInterval time.Duration `env:"ORDER_POLL_INTERVAL" envDefault:"5s"`
	OrderPollAttempts int           `env:"ORDER_POLL_ATTEMPTS" envDefault:"60"`
	UserAgent         string        `env:"USER_AGENT" envDefault:"certpilot/1.0"`
	HTTPTimeout       time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`
}

// ChallengeConfig controls the challenge handlers.
type ChallengeConfig struct {
	DefaultType        string        `env:"DEFAULT_TYPE" envDefault:"dns-01"`
	Webroot            string        `env:"WEBROOT" envDefault:"./data/webroot"`
	HTTPPollInterval   time.Duration `env:"HTTP_POLL_INTERVAL" envDefault:"3s"`
	HTTPPollAttempts   int           `env:"HTTP_POLL_ATTEMPTS" envDefault:"60"`
	DNSPollInterval    time.Duration `env:"DNS_POLL_INTERVAL" envDefault:"3s"`
	DNSPollAttempts    int           `env:"DNS_POLL_ATTEMPTS" envDefault:"100"`
	PropagationTimeout time.Duration `env:"PROPAGATION_TIMEOUT" envDefault:"5m"`
}

// DNSConfig selects and configures the DNS provider used for DNS-01.
type DNSConfig struct {
	Provider           string        `env:"PROVIDER"` // "cloudflare", "route53" or "manual"; empty means manual
	Resolver           string        `env:"RESOLVER" envDefault:"8.8.8.8:53"`
	InitialDelay       time.Duration `env:"INITIAL_DELAY" envDefault:"20s"`
	PollInterval       time.Duration `env:"POLL_INTERVAL" envDefault:"10s"`
	RecordTTL          int           `env:"RECORD_TTL" envDefault:"120"`
	CloudflareAPIToken string        `env:"CLOUDFLARE_API_TOKEN"`
	Route53ZoneID      string        `env:"ROUTE53_HOSTED_ZONE_ID"`
	Route53Region      string        `env:"ROUTE53_REGION" envDefault:"us-east-1"`
	ManualAutoConfirm  bool          `env:"MANUAL_AUTO_CONFIRM" envDefault:"false"`
	ManualWait         time.Duration `env:"MANUAL_WAIT" envDefault:"30s"`
}

// DeployConfig controls SSH distribution.
type DeployConfig struct {
	DefaultPath    string        `env:"DEFAULT_PATH" envDefault:"/etc/ssl/certpilot"`
	ConnectRetries int           `env:"SSH_CONNECT_RETRIES" envDefault:"3"`
	RetryDelay     time.Duration `env:"SSH_RETRY_DELAY" envDefault:"5s"`
	ConnectTimeout time.Duration `env:"SSH_CONNECT_TIMEOUT" envDefault:"30s"`
	NginxBinary    string        `env:"NGINX_BINARY" envDefault:"nginx"`
}

// SchedulerConfig controls the periodic renewal trigger.
type SchedulerConfig struct {
	Enabled         bool          `env:"ENABLED" envDefault:"true"`
	Interval        time.Duration `env:"INTERVAL" envDefault:"1h"`
	Workers         int           `env:"WORKERS" envDefault:"2"`
	RenewBeforeDays int           `env:"RENEW_BEFORE_DAYS" envDefault:"30"`
	RenewalsPerMin  float64       `env:"RENEWALS_PER_MINUTE" envDefault:"10"`
	AutoDeploy      bool          `env:"AUTO_DEPLOY" envDefault:"true"`
}

// KeyTypes lists the accepted CERT_KEY_TYPE and ACCOUNT_KEY_TYPE values.
var KeyTypes = []string{"EC256", "EC384", "RSA2048", "RSA3072", "RSA4096", "RSA8192"}

// LoadConfig loads an optional .env file and then the environment.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: failed to load .env file: %w", err)
	}
	return Parse(nil)
}

// Parse reads the configuration from environ, or from the process
// environment when environ is nil, and validates it.
func Parse(environ map[string]string) (*Config, error) {
	cfg := &Config{}
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("config: failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsProduction reports whether the production profile is active.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, EnvironmentProduction)
}

// Validate enforces cross-field rules the struct tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	if c.IsProduction() && c.DevMode {
		errs = append(errs, errors.New("config: DEV_MODE cannot be enabled in production"))
	}
	if c.EncryptionKey == "" && !c.DevMode {
		errs = append(errs, errors.New("config: ENCRYPTION_KEY is required unless DEV_MODE is enabled"))
	}
	switch c.StorageType {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("config: unsupported storage type %q", c.StorageType))
	}
	if c.StorageType == "memory" && c.IsProduction() {
		errs = append(errs, errors.New("config: memory storage cannot be used in production"))
	}
	if !isKnownKeyType(c.ACME.AccountKeyType) {
		errs = append(errs, fmt.Errorf("config: unsupported account key type %q", c.ACME.AccountKeyType))
	}
	if !isKnownKeyType(c.ACME.CertKeyType) {
		errs = append(errs, fmt.Errorf("config: unsupported certificate key type %q", c.ACME.CertKeyType))
	}
	if c.ACME.OrderPollInterval <= 0 || c.ACME.OrderPollAttempts <= 0 {
		errs = append(errs, errors.New("config: order poll interval and attempts must be positive"))
	}
	if c.Challenge.HTTPPollAttempts <= 0 || c.Challenge.DNSPollAttempts <= 0 {
		errs = append(errs, errors.New("config: challenge poll attempts must be positive"))
	}
	switch strings.ToLower(c.DNS.Provider) {
	case "cloudflare":
		if c.DNS.CloudflareAPIToken == "" {
			errs = append(errs, errors.New("config: DNS_CLOUDFLARE_API_TOKEN is required for the cloudflare provider"))
		}
	}
	if c.Deploy.ConnectRetries < 1 {
		errs = append(errs, errors.New("config: SSH_CONNECT_RETRIES must be at least 1"))
	}
	if c.Scheduler.Enabled && (c.Scheduler.Interval <= 0 || c.Scheduler.Workers < 1) {
		errs = append(errs, errors.New("config: scheduler interval and workers must be positive"))
	}
	return errors.Join(errs...)
}

// PostgresDSN builds a lib/pq connection string.
func (c *Config) PostgresDSN() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode)
	if c.DB.Cert != "" {
		dsn += " sslcert=" + c.DB.Cert
	}
	if c.DB.Key != "" {
		dsn += " sslkey=" + c.DB.Key
	}
	if c.DB.RootCert != "" {
		dsn += " sslrootcert=" + c.DB.RootCert
	}
	return dsn
}

func isKnownKeyType(kt string) bool {
	for _, k := range KeyTypes {
		if strings.EqualFold(k, kt) {
			return true
		}
	}
	return false
}
