package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultShutdownTimeout     = 20 * time.Second
	defaultLogLevel            = "info"
	defaultDatabaseDriver      = "sqlite"
	defaultDatabaseURL         = "file:commerce.db"
	defaultMaxOpenConns        = 10
	defaultTxAttempts          = 3
	defaultCodeAttempts        = 8
	defaultCheckoutPerMinute   = 30
	defaultIdempotencyBackend  = "memory"
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultIdempotencyInterval = time.Hour
	defaultIdempotencyBatch    = 200
	defaultEventsBackend       = "none"
	defaultOutboxInterval      = 2 * time.Second
	defaultOutboxBatch         = 100
	defaultSecurityEnvironment = "local"
	defaultHMACClockSkew       = 5 * time.Minute
	defaultHMACNonceTTL        = 5 * time.Minute
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Logging     LoggingConfig
	Database    DatabaseConfig
	Checkout    CheckoutConfig
	Idempotency IdempotencyConfig
	Redis       RedisConfig
	Firestore   FirestoreConfig
	Events      EventsConfig
	Security    SecurityConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// LoggingConfig selects the zap level.
type LoggingConfig struct {
	Level string
}

// DatabaseConfig selects the SQL backend. Driver is "postgres" or "sqlite".
type DatabaseConfig struct {
	Driver       string
	URL          string
	MaxOpenConns int
	TxAttempts   int
}

// CheckoutConfig bounds order-code generation and per-caller checkout throughput.
type CheckoutConfig struct {
	CodeAttempts      int
	CheckoutPerMinute int
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Backend          string
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// RedisConfig is optional. An empty Addr disables every Redis-backed component.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// FirestoreConfig is only consulted by the firestore idempotency backend.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// EventsConfig selects where relayed outbox events are published.
type EventsConfig struct {
	Backend         string
	PubSubProjectID string
	PubSubTopic     string
	KafkaBrokers    []string
	KafkaTopic      string
	OutboxInterval  time.Duration
	OutboxBatch     int
}

// SecurityConfig groups gateway signature settings. An empty HMAC secret disables verification.
type SecurityConfig struct {
	Environment string
	ProjectID   string
	HMAC        HMACConfig
}

// HMACConfig captures gateway signing expectations.
type HMACConfig struct {
	Secret    string
	ClockSkew time.Duration
	NonceTTL  time.Duration
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets resolved to nothing.
// Names are reported as short hashes so logs never carry the field list verbatim.
type MissingSecretsError struct {
	redacted []string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.redacted, ", "))
}

// RedactedNames returns a copy of the redacted secret identifiers.
func (e *MissingSecretsError) RedactedNames() []string {
	out := make([]string, len(e.redacted))
	copy(out, e.redacted)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides. An empty path skips the file.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map that takes precedence over every other source.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for sm:// and secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks secret-bearing fields as mandatory, e.g. "Security.HMAC.Secret".
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// env resolves keys with precedence explicit map > process env > .env file.
type env struct {
	explicit map[string]string
	system   bool
	dotenv   map[string]string
}

func (e env) lookup(key string) (string, bool) {
	if value, ok := e.explicit[key]; ok {
		return value, true
	}
	if e.system {
		if value, ok := os.LookupEnv(key); ok {
			return value, true
		}
	}
	value, ok := e.dotenv[key]
	return value, ok
}

func (e env) str(key, fallback string) string {
	if value, ok := e.lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func (e env) duration(key string, fallback time.Duration) time.Duration {
	if value, ok := e.lookup(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func (e env) integer(key string, fallback int) int {
	if value, ok := e.lookup(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func (e env) list(key string) []string {
	raw, _ := e.lookup(key)
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional Secret Manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotenv, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}
	e := env{explicit: options.envMap, system: options.useSystemEnv, dotenv: dotenv}

	cfg := Config{
		Server: ServerConfig{
			Port:            e.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:     e.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    e.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     e.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: e.duration("API_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Logging: LoggingConfig{
			Level: strings.ToLower(e.str("LOG_LEVEL", defaultLogLevel)),
		},
		Database: DatabaseConfig{
			Driver:       strings.ToLower(e.str("API_DATABASE_DRIVER", defaultDatabaseDriver)),
			URL:          e.str("API_DATABASE_URL", defaultDatabaseURL),
			MaxOpenConns: e.integer("API_DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
			TxAttempts:   e.integer("API_DATABASE_TX_ATTEMPTS", defaultTxAttempts),
		},
		Checkout: CheckoutConfig{
			CodeAttempts:      e.integer("API_CHECKOUT_CODE_ATTEMPTS", defaultCodeAttempts),
			CheckoutPerMinute: e.integer("API_CHECKOUT_RATE_PER_MIN", defaultCheckoutPerMinute),
		},
		Idempotency: IdempotencyConfig{
			Backend:          strings.ToLower(e.str("API_IDEMPOTENCY_BACKEND", defaultIdempotencyBackend)),
			Header:           e.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              e.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  e.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: e.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatch),
		},
		Redis: RedisConfig{
			Addr:     e.str("API_REDIS_ADDR", ""),
			Password: e.str("API_REDIS_PASSWORD", ""),
			DB:       e.integer("API_REDIS_DB", 0),
		},
		Firestore: FirestoreConfig{
			ProjectID:    e.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: e.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Events: EventsConfig{
			Backend:         strings.ToLower(e.str("API_EVENTS_BACKEND", defaultEventsBackend)),
			PubSubProjectID: e.str("API_PUBSUB_PROJECT_ID", ""),
			PubSubTopic:     e.str("API_PUBSUB_TOPIC", ""),
			KafkaBrokers:    e.list("API_KAFKA_BROKERS"),
			KafkaTopic:      e.str("API_KAFKA_TOPIC", ""),
			OutboxInterval:  e.duration("API_OUTBOX_INTERVAL", defaultOutboxInterval),
			OutboxBatch:     e.integer("API_OUTBOX_BATCH", defaultOutboxBatch),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(e.str("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			ProjectID:   e.str("API_SECURITY_PROJECT_ID", ""),
			HMAC: HMACConfig{
				Secret:    e.str("API_SECURITY_HMAC_SECRET", ""),
				ClockSkew: e.duration("API_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:  e.duration("API_SECURITY_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
		},
	}

	// Google projects cascade so a single project id is enough on Cloud Run.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Security.ProjectID
	}
	if cfg.Events.PubSubProjectID == "" {
		cfg.Events.PubSubProjectID = cfg.Security.ProjectID
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Database.URL", &cfg.Database.URL},
		{"Redis.Password", &cfg.Redis.Password},
		{"Security.HMAC.Secret", &cfg.Security.HMAC.Secret},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = value
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	if err := checkRequiredSecrets(options.requiredSecrets, resolved); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	var invalid []string
	add := func(ok bool, field string) {
		if !ok {
			invalid = append(invalid, field)
		}
	}

	add(cfg.Server.Port != "", "Server.Port")
	add(cfg.Database.Driver == "postgres" || cfg.Database.Driver == "sqlite", "Database.Driver")
	add(cfg.Database.URL != "", "Database.URL")
	add(cfg.Database.MaxOpenConns > 0, "Database.MaxOpenConns")
	add(cfg.Database.TxAttempts > 0, "Database.TxAttempts")
	add(cfg.Checkout.CodeAttempts > 0, "Checkout.CodeAttempts")
	add(cfg.Checkout.CheckoutPerMinute >= 0, "Checkout.CheckoutPerMinute")

	switch cfg.Idempotency.Backend {
	case "memory":
	case "redis":
		add(cfg.Redis.Addr != "", "Redis.Addr")
	case "firestore":
		add(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	default:
		add(false, "Idempotency.Backend")
	}
	add(cfg.Idempotency.Header != "", "Idempotency.Header")
	add(cfg.Idempotency.TTL > 0, "Idempotency.TTL")
	add(cfg.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	add(cfg.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")

	switch cfg.Events.Backend {
	case "none":
	case "pubsub":
		add(cfg.Events.PubSubProjectID != "", "Events.PubSubProjectID")
		add(cfg.Events.PubSubTopic != "", "Events.PubSubTopic")
	case "kafka":
		add(len(cfg.Events.KafkaBrokers) > 0, "Events.KafkaBrokers")
		add(cfg.Events.KafkaTopic != "", "Events.KafkaTopic")
	default:
		add(false, "Events.Backend")
	}
	if cfg.Events.Backend != "none" {
		add(cfg.Events.OutboxInterval > 0, "Events.OutboxInterval")
		add(cfg.Events.OutboxBatch > 0, "Events.OutboxBatch")
	}

	// Production never accepts unsigned identity headers.
	if cfg.Security.Environment == "prod" {
		add(cfg.Security.HMAC.Secret != "", "Security.HMAC.Secret")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "secret://") && !strings.HasPrefix(trimmed, "sm://") {
		return value, nil
	}
	ref := "secret://" + strings.TrimPrefix(strings.TrimPrefix(trimmed, "sm://"), "secret://")
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func checkRequiredSecrets(required []string, resolved map[string]string) error {
	seen := make(map[string]struct{})
	var redacted []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(resolved[name]) != "" {
			continue
		}
		sum := sha256.Sum256([]byte(name))
		redacted = append(redacted, hex.EncodeToString(sum[:8]))
	}
	if len(redacted) == 0 {
		return nil
	}
	sort.Strings(redacted)
	return &MissingSecretsError{redacted: redacted}
}

// loadDotEnv parses KEY=VALUE lines, tolerating comments, export prefixes, and quotes.
// A missing file is not an error.
func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", path, err)
	}
	return values, nil
}
