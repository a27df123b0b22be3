package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	JWT           JWTConfig
	Encryption    EncryptionConfig
	Scheduler     SchedulerConfig
	TLS           TLSConfig
	Aggregator    AggregatorConfig
	Consent       ConsentConfig
	Sync          SyncConfig
	Token         TokenConfig
	Firebase      FirebaseConfig
	Notifications NotificationsConfig
	Telemetry     TelemetryConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	HostURL      string
	AllowedHosts []string
}

type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver      string
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	AutoMigrate bool
}

type JWTConfig struct {
	Secret string
	TTL    time.Duration
}

type EncryptionConfig struct {
	Key string
}

type SchedulerConfig struct {
	Enabled      bool
	RunOnStartup bool
	WorkerCount  int
	QueueSize    int
	JobTimeout   time.Duration

	SyncInterval      time.Duration
	RefreshInterval   time.Duration
	ExpiryInterval    time.Duration
	ReconcileInterval time.Duration
	RevokeInterval    time.Duration
	PruneInterval     time.Duration
}

type TLSConfig struct {
	Enabled      bool
	CertPath     string
	KeyPath      string
	RedirectHTTP bool
}

type AggregatorConfig struct {
	BaseURL           string
	ClientID          string
	ClientSecret      string
	Scopes            []string
	ClientCert        string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

type ConsentConfig struct {
	TTL            time.Duration
	PendingTimeout time.Duration
	StateTTL       time.Duration
	CallbackURL    string
	// AppRedirectURL receives the browser after the callback. Empty means
	// the callback answers with JSON.
	AppRedirectURL   string
	RevokeTimeout    time.Duration
	RevokeAttempts   int
	InstitutionsFile string
}

type SyncConfig struct {
	CallTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxAttempts         int
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	BackoffMultiplier   float64
	TransactionLookback time.Duration
	TransactionOverlap  time.Duration
	AccountsStaleAfter  time.Duration
	JobRetention        time.Duration
	StaleJobAfter       time.Duration
}

type TokenConfig struct {
	RefreshSkew    time.Duration
	ProactiveLead  time.Duration
	RefreshRetries int
	RefreshTimeout time.Duration
}

type FirebaseConfig struct {
	CredentialsFile string
}

type NotificationsConfig struct {
	MessagesFile        string
	LowBalanceThreshold string
}

type TelemetryConfig struct {
	Enabled      bool
	ServiceName  string
	Environment  string
	OTLPEndpoint string
	MetricsAddr  string
	SampleRatio  float64
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	var p parser

	hostURL := strings.TrimRight(getEnv("HOST_URL", ""), "/")
	callbackURL := getEnv("CONSENT_CALLBACK_URL", "")
	if callbackURL == "" && hostURL != "" {
		callbackURL = hostURL + "/api/consents/callback"
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Host:         getEnv("HOST", "0.0.0.0"),
			HostURL:      hostURL,
			AllowedHosts: getListEnv("ALLOWED_HOSTS"),
		},
		Database: DatabaseConfig{
			Driver:      strings.ToLower(getEnv("DB_DRIVER", "postgres")),
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        p.int("DB_PORT", 5432),
			User:        getEnv("DB_USER", "momali"),
			Password:    getEnv("DB_PASSWORD", ""),
			DBName:      getEnv("DB_NAME", "momali"),
			SSLMode:     getEnv("DB_SSLMODE", "disable"),
			AutoMigrate: p.bool("DB_AUTO_MIGRATE", false),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
			TTL:    p.duration("JWT_TTL", 24*time.Hour),
		},
		Encryption: EncryptionConfig{
			Key: getEnv("ENCRYPTION_KEY", ""),
		},
		Scheduler: SchedulerConfig{
			Enabled:           p.bool("SCHEDULER_ENABLED", true),
			RunOnStartup:      p.bool("SCHEDULER_RUN_ON_STARTUP", false),
			WorkerCount:       p.int("SCHEDULER_WORKERS", 5),
			QueueSize:         p.int("SCHEDULER_QUEUE_SIZE", 100),
			JobTimeout:        p.duration("SCHEDULER_JOB_TIMEOUT", 15*time.Minute),
			SyncInterval:      p.duration("SYNC_INTERVAL", 4*time.Hour),
			RefreshInterval:   p.duration("TOKEN_REFRESH_INTERVAL", 5*time.Minute),
			ExpiryInterval:    p.duration("CONSENT_EXPIRY_INTERVAL", 15*time.Minute),
			ReconcileInterval: p.duration("CONSENT_RECONCILE_INTERVAL", time.Hour),
			RevokeInterval:    p.duration("REVOKE_RETRY_INTERVAL", 10*time.Minute),
			PruneInterval:     p.duration("SYNC_PRUNE_INTERVAL", 24*time.Hour),
		},
		TLS: TLSConfig{
			Enabled:      p.bool("TLS_ENABLED", false),
			CertPath:     getEnv("TLS_CERT_PATH", ""),
			KeyPath:      getEnv("TLS_KEY_PATH", ""),
			RedirectHTTP: p.bool("TLS_REDIRECT_HTTP", false),
		},
		Aggregator: AggregatorConfig{
			BaseURL:           strings.TrimRight(getEnv("AGGREGATOR_BASE_URL", ""), "/"),
			ClientID:          getEnv("AGGREGATOR_CLIENT_ID", ""),
			ClientSecret:      getEnv("AGGREGATOR_CLIENT_SECRET", ""),
			Scopes:            getListEnv("AGGREGATOR_SCOPES"),
			ClientCert:        getEnv("AGGREGATOR_CLIENT_CERT", ""),
			RequestsPerSecond: p.float("AGGREGATOR_RPS", 10),
			Burst:             p.int("AGGREGATOR_BURST", 5),
			Timeout:           p.duration("AGGREGATOR_TIMEOUT", time.Minute),
		},
		Consent: ConsentConfig{
			TTL:              p.duration("CONSENT_TTL", 90*24*time.Hour),
			PendingTimeout:   p.duration("CONSENT_PENDING_TIMEOUT", 30*time.Minute),
			StateTTL:         p.duration("CONSENT_STATE_TTL", 15*time.Minute),
			CallbackURL:      callbackURL,
			AppRedirectURL:   getEnv("CONSENT_APP_REDIRECT_URL", ""),
			RevokeTimeout:    p.duration("CONSENT_REVOKE_TIMEOUT", 2*time.Minute),
			RevokeAttempts:   p.int("CONSENT_REVOKE_ATTEMPTS", 3),
			InstitutionsFile: getEnv("INSTITUTIONS_FILE", ""),
		},
		Sync: SyncConfig{
			CallTimeout:         p.duration("SYNC_CALL_TIMEOUT", 30*time.Second),
			WriteTimeout:        p.duration("SYNC_WRITE_TIMEOUT", 30*time.Second),
			MaxAttempts:         p.int("SYNC_STAGE_MAX_ATTEMPTS", 4),
			InitialBackoff:      p.duration("SYNC_STAGE_INITIAL_BACKOFF", time.Second),
			MaxBackoff:          p.duration("SYNC_STAGE_MAX_BACKOFF", time.Minute),
			BackoffMultiplier:   p.float("SYNC_STAGE_BACKOFF_MULTIPLIER", 2),
			TransactionLookback: p.duration("SYNC_TRANSACTION_LOOKBACK", 90*24*time.Hour),
			TransactionOverlap:  p.duration("SYNC_TRANSACTION_OVERLAP", 72*time.Hour),
			AccountsStaleAfter:  p.duration("SYNC_ACCOUNTS_STALE_AFTER", 24*time.Hour),
			JobRetention:        p.duration("SYNC_JOB_RETENTION", 30*24*time.Hour),
			StaleJobAfter:       p.duration("SYNC_STALE_JOB_AFTER", 30*time.Minute),
		},
		Token: TokenConfig{
			RefreshSkew:    p.duration("TOKEN_REFRESH_SKEW", 120*time.Second),
			ProactiveLead:  p.duration("TOKEN_PROACTIVE_LEAD", 10*time.Minute),
			RefreshRetries: p.int("TOKEN_REFRESH_ATTEMPTS", 3),
			RefreshTimeout: p.duration("TOKEN_REFRESH_TIMEOUT", time.Minute),
		},
		Firebase: FirebaseConfig{
			CredentialsFile: getEnv("FIREBASE_CREDENTIALS_FILE", ""),
		},
		Notifications: NotificationsConfig{
			MessagesFile:        getEnv("NOTIFICATIONS_MESSAGES_FILE", ""),
			LowBalanceThreshold: getEnv("LOW_BALANCE_THRESHOLD", "0"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      p.bool("OTEL_ENABLED", false),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "momali-api"),
			Environment:  getEnv("ENVIRONMENT", "development"),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
			MetricsAddr:  getEnv("METRICS_ADDR", ":9090"),
			SampleRatio:  p.float("OTEL_SAMPLE_RATIO", 1),
		},
	}

	if err := p.err(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Encryption.Key == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if len(c.Encryption.Key) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes for AES-256")
	}

	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("DB_DRIVER must be postgres or memory, got %q", c.Database.Driver)
	}

	if c.Aggregator.BaseURL == "" {
		return fmt.Errorf("AGGREGATOR_BASE_URL is required")
	}
	if c.Aggregator.ClientID == "" {
		return fmt.Errorf("AGGREGATOR_CLIENT_ID is required")
	}

	if c.TLS.Enabled {
		if c.TLS.CertPath == "" {
			return fmt.Errorf("TLS_CERT_PATH is required when TLS_ENABLED=true")
		}
		if c.TLS.KeyPath == "" {
			return fmt.Errorf("TLS_KEY_PATH is required when TLS_ENABLED=true")
		}
	}

	positive := map[string]time.Duration{
		"SYNC_INTERVAL":              c.Scheduler.SyncInterval,
		"TOKEN_REFRESH_INTERVAL":     c.Scheduler.RefreshInterval,
		"CONSENT_EXPIRY_INTERVAL":    c.Scheduler.ExpiryInterval,
		"CONSENT_RECONCILE_INTERVAL": c.Scheduler.ReconcileInterval,
		"REVOKE_RETRY_INTERVAL":      c.Scheduler.RevokeInterval,
		"SYNC_PRUNE_INTERVAL":        c.Scheduler.PruneInterval,
		"SYNC_CALL_TIMEOUT":          c.Sync.CallTimeout,
		"SYNC_WRITE_TIMEOUT":         c.Sync.WriteTimeout,
		"TOKEN_REFRESH_TIMEOUT":      c.Token.RefreshTimeout,
		"CONSENT_TTL":                c.Consent.TTL,
		"CONSENT_STATE_TTL":          c.Consent.StateTTL,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("SYNC_STAGE_MAX_ATTEMPTS must be at least 1")
	}
	if c.Scheduler.WorkerCount < 1 {
		return fmt.Errorf("SCHEDULER_WORKERS must be at least 1")
	}
	return nil
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// URL is the connection string in the form golang-migrate expects.
func (c *DatabaseConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getListEnv splits a comma-separated variable, dropping empty items.
func getListEnv(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parser collects parse failures so Load reports them together.
type parser struct {
	errs []error
}

func (p *parser) err() error {
	return errors.Join(p.errs...)
}

func (p *parser) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return f
}

func (p *parser) bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "yes", "on":
		return true
	case "no", "off":
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return d
}
