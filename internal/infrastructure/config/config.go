package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the graygate server.
// All configuration is loaded from YAML and can be overridden by environment variables.
//
// A Config is built once at startup and treated as immutable afterwards:
// request handling only ever reads it.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	APIs      APISet          `yaml:"enabled_apis"`
	Auth      AuthConfig      `yaml:"auth"`
	Limits    LimitsConfig    `yaml:"limits"`
	Modes     ModesConfig     `yaml:"modes"`
	Features  FeatureFlags    `yaml:"features"`
	Database  DatabaseConfig  `yaml:"database"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Redis     RedisConfig     `yaml:"redis"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Tracing   TracingConfig   `yaml:"tracing"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP listener settings.
type ServerConfig struct {
	Host     string              `yaml:"host"`
	Port     int                 `yaml:"port"`
	TLS      TLSConfig           `yaml:"tls"`
	Timeouts ServerTimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig          `yaml:"cors"`

	// MaxBodyBytes caps the size of any request body.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// GzipMinBytes is the smallest response body that is compressed when
	// the client accepts gzip. Zero disables compression.
	GzipMinBytes int `yaml:"gzip_min_bytes"`

	// ShutdownTimeout bounds the graceful drain on shutdown (seconds).
	ShutdownTimeout int `yaml:"shutdown_timeout"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ServerTimeoutConfig contains HTTP timeout settings in seconds.
type ServerTimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// AuthConfig selects how callers are identified.
//
// The active mode is derived from which fields are set:
//   - no admin secret: every request is treated as admin
//   - admin secret only: requests without the secret are rejected,
//     unless UnauthorizedRole is set
//   - admin secret + JWT: bearer tokens are verified locally
//   - admin secret + webhook: an external service resolves the identity
type AuthConfig struct {
	// AdminSecrets accepts plaintext secrets or Argon2id PHC hashes.
	AdminSecrets     []string      `yaml:"admin_secrets"`
	UnauthorizedRole string        `yaml:"unauthorized_role"`
	JWT              JWTConfig     `yaml:"jwt"`
	Webhook          WebhookConfig `yaml:"webhook"`
}

// JWTConfig contains bearer-token verification settings.
type JWTConfig struct {
	// Algorithm is HS256 or RS256.
	Algorithm string `yaml:"algorithm"`
	// Secret is the HMAC key (HS256).
	Secret string `yaml:"secret"`
	// PublicKeyFile is a PEM encoded RSA public key (RS256).
	PublicKeyFile   string `yaml:"public_key_file"`
	ClaimsNamespace string `yaml:"claims_namespace"`
	Issuer          string `yaml:"issuer"`
	Audience        string `yaml:"audience"`
	// AllowedSkew is the leeway applied to exp/nbf checks (seconds).
	AllowedSkew int `yaml:"allowed_skew"`
}

// Enabled reports whether JWT verification is configured.
func (j JWTConfig) Enabled() bool {
	return j.Secret != "" || j.PublicKeyFile != ""
}

// WebhookConfig contains external authentication webhook settings.
type WebhookConfig struct {
	URL string `yaml:"url"`
	// Mode is GET (headers only) or POST (headers plus the GraphQL request).
	Mode    string `yaml:"mode"`
	Timeout int    `yaml:"timeout"`
	// CacheTTL is used when the webhook response carries no caching hint (seconds).
	CacheTTL int `yaml:"cache_ttl"`
}

// LimitsConfig contains admission control and rate limit settings.
type LimitsConfig struct {
	// MaxConcurrent bounds in-flight handler executions. Zero means unlimited.
	MaxConcurrent int `yaml:"max_concurrent"`
	// MaxHeapMB rejects new work while the Go heap exceeds this size. Zero disables.
	MaxHeapMB int             `yaml:"max_heap_mb"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig contains per-role request rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool           `yaml:"enabled"`
	RequestsPerMinute int            `yaml:"requests_per_minute"`
	PerRole           map[string]int `yaml:"per_role"`
}

// LimitFor returns the requests-per-minute budget for a role.
func (r RateLimitConfig) LimitFor(role string) int {
	if n, ok := r.PerRole[role]; ok {
		return n
	}
	return r.RequestsPerMinute
}

// ModesConfig contains server-wide operating modes.
type ModesConfig struct {
	Maintenance bool `yaml:"maintenance"`
	ReadOnly    bool `yaml:"read_only"`
	Events      bool `yaml:"events"`
	// DevMode exposes internal error detail to every caller.
	DevMode bool `yaml:"dev_mode"`
	// AdminInternalErrors exposes internal error detail to admin callers.
	AdminInternalErrors bool `yaml:"admin_internal_errors"`
}

// DatabaseConfig contains SQLite metadata store settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// PostgresConfig contains the settings for the default SQL source.
type PostgresConfig struct {
	URL               string `yaml:"url"`
	MaxConns          int    `yaml:"max_conns"`
	StringifyNumerics bool   `yaml:"stringify_numerics"`
	PgDumpPath        string `yaml:"pg_dump_path"`
}

// UpstreamConfig contains the GraphQL executor settings.
type UpstreamConfig struct {
	GraphQLURL string `yaml:"graphql_url"`
	Timeout    int    `yaml:"timeout"`
	Retries    int    `yaml:"retries"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TLS      bool   `yaml:"tls"`
}

// MQTTConfig contains MQTT broker connection settings used for schema sync.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
	TopicPrefix string              `yaml:"topic_prefix"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB connection settings for request telemetry.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// TracingConfig contains OpenTelemetry settings.
type TracingConfig struct {
	ServiceName string            `yaml:"service_name"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	Timeout     int               `yaml:"timeout"`
	// Sampler is one of always_on, always_off, traceidratio, parentbased.
	Sampler    string  `yaml:"sampler"`
	SamplerArg float64 `yaml:"sampler_arg"`
}

// WebSocketConfig contains GraphQL-over-WebSocket settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
	InitTimeout    int `yaml:"init_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults), skipped when path is empty
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYGATE_SECTION_KEY
// For example: GRAYGATE_DATABASE_PATH, GRAYGATE_SERVER_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: ServerTimeoutConfig{
				Read:  30,
				Write: 60,
				Idle:  120,
			},
			MaxBodyBytes:    10 << 20,
			GzipMinBytes:    1024,
			ShutdownTimeout: 10,
		},
		APIs: APISet{APIQuery, APIMetadata, APIGraphQL, APIPGDump, APIConfig},
		Auth: AuthConfig{
			JWT: JWTConfig{
				Algorithm:       "HS256",
				ClaimsNamespace: "https://hasura.io/jwt/claims",
				AllowedSkew:     30,
			},
			Webhook: WebhookConfig{
				Mode:     "GET",
				Timeout:  10,
				CacheTTL: 0,
			},
		},
		Limits: LimitsConfig{
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 600,
			},
		},
		Modes: ModesConfig{
			AdminInternalErrors: true,
		},
		Database: DatabaseConfig{
			Path:        "./data/graygate.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Postgres: PostgresConfig{
			MaxConns:   10,
			PgDumpPath: "pg_dump",
		},
		Upstream: UpstreamConfig{
			Timeout: 30,
			Retries: 1,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graygate",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			TopicPrefix: "graygate",
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Tracing: TracingConfig{
			ServiceName: "graygate",
			Timeout:     5,
			Sampler:     "parentbased",
			SamplerArg:  1,
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 1 << 20,
			PingInterval:   30,
			PongTimeout:    10,
			InitTimeout:    3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYGATE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("GRAYGATE_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("GRAYGATE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("GRAYGATE_ENABLED_APIS"); v != "" {
		cfg.APIs = ParseAPISet(v)
	}

	// Auth
	if v := os.Getenv("GRAYGATE_ADMIN_SECRET"); v != "" {
		cfg.Auth.AdminSecrets = []string{v}
	}
	if v := os.Getenv("GRAYGATE_UNAUTHORIZED_ROLE"); v != "" {
		cfg.Auth.UnauthorizedRole = v
	}
	if v := os.Getenv("GRAYGATE_JWT_SECRET"); v != "" {
		cfg.Auth.JWT.Secret = v
	}
	if v := os.Getenv("GRAYGATE_AUTH_WEBHOOK"); v != "" {
		cfg.Auth.Webhook.URL = v
	}

	// Modes
	if v := os.Getenv("GRAYGATE_DEV_MODE"); v != "" {
		cfg.Modes.DevMode = parseBool(v)
	}
	if v := os.Getenv("GRAYGATE_READ_ONLY"); v != "" {
		cfg.Modes.ReadOnly = parseBool(v)
	}

	// Storage
	if v := os.Getenv("GRAYGATE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("GRAYGATE_POSTGRES_URL"); v != "" {
		cfg.Postgres.URL = v
	}
	if v := os.Getenv("GRAYGATE_UPSTREAM_GRAPHQL_URL"); v != "" {
		cfg.Upstream.GraphQLURL = v
	}
	if v := os.Getenv("GRAYGATE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("GRAYGATE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	// MQTT
	if v := os.Getenv("GRAYGATE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYGATE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYGATE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Telemetry
	if v := os.Getenv("GRAYGATE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("OTEL_TRACES_SAMPLER"); v != "" {
		cfg.Tracing.Sampler = v
	}
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

// Validate checks the configuration for errors and unsafe combinations.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, "server.max_body_bytes must be positive")
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		errs = append(errs, "server.tls requires cert_file and key_file")
	}

	for _, api := range c.APIs {
		if !api.Known() {
			errs = append(errs, fmt.Sprintf("enabled_apis: unknown api %q", api))
		}
	}

	errs = append(errs, c.Auth.validate()...)

	if c.Limits.MaxConcurrent < 0 {
		errs = append(errs, "limits.max_concurrent must not be negative")
	}
	if c.Limits.MaxHeapMB < 0 {
		errs = append(errs, "limits.max_heap_mb must not be negative")
	}
	if c.Limits.RateLimit.Enabled && c.Limits.RateLimit.RequestsPerMinute <= 0 {
		errs = append(errs, "limits.rate_limit.requests_per_minute must be positive when enabled")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.Enabled && (c.MQTT.QoS < 0 || c.MQTT.QoS > 2) {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	switch strings.ToLower(c.Tracing.Sampler) {
	case "", "always_on", "always_off", "traceidratio", "parentbased", "parentbased_traceidratio":
	default:
		errs = append(errs, fmt.Sprintf("tracing.sampler: unknown sampler %q", c.Tracing.Sampler))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// minJWTSecretLength is the shortest accepted HMAC key.
const minJWTSecretLength = 32

func (a AuthConfig) validate() []string {
	var errs []string

	needsSecret := a.JWT.Enabled() || a.Webhook.URL != "" || a.UnauthorizedRole != ""
	if needsSecret && len(a.AdminSecrets) == 0 {
		errs = append(errs, "auth.admin_secrets is required when jwt, webhook or unauthorized_role is set")
	}
	if a.JWT.Enabled() && a.Webhook.URL != "" {
		errs = append(errs, "auth.jwt and auth.webhook are mutually exclusive")
	}

	switch strings.ToUpper(a.JWT.Algorithm) {
	case "HS256":
		if a.JWT.Secret != "" && len(a.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "auth.jwt.secret must be at least 32 characters")
		}
	case "RS256":
		if a.JWT.Enabled() && a.JWT.PublicKeyFile == "" {
			errs = append(errs, "auth.jwt.public_key_file is required for RS256")
		}
	default:
		errs = append(errs, fmt.Sprintf("auth.jwt.algorithm: unsupported algorithm %q", a.JWT.Algorithm))
	}

	switch strings.ToUpper(a.Webhook.Mode) {
	case "GET", "POST":
	default:
		errs = append(errs, "auth.webhook.mode must be GET or POST")
	}

	return errs
}

// GetReadTimeout returns the server read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.Server.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the server write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.Server.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the server idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.Server.Timeouts.Idle) * time.Second
}

// GetShutdownTimeout returns the graceful shutdown window.
func (c *Config) GetShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeout) * time.Second
}

// ExposeInternalErrors reports whether internal error detail may be shown
// to a caller with the given admin status.
func (m ModesConfig) ExposeInternalErrors(isAdmin bool) bool {
	return m.DevMode || (isAdmin && m.AdminInternalErrors)
}
