package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultFallbackPath = ".secrets.local"
	defaultCacheTTL     = 10 * time.Minute
	meterName           = "github.com/hanko-field/commerce/internal/platform/secrets"
)

// ErrNotFound is returned when neither Secret Manager nor the fallback file hold the reference.
var ErrNotFound = errors.New("secrets: not found")

var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (secretManagerClient, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references against Google Secret Manager. Values are cached for a TTL.
// When the project is unknown or Secret Manager is unreachable, KEY=VALUE pairs in a local file are used.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger
	projectID  string
	ttl        time.Duration
	now        func() time.Time

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string

	mu    sync.Mutex
	cache map[string]cachedSecret

	latency metric.Float64Histogram
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

// Option customises the fetcher.
type Option func(*Fetcher)

// WithLogger sets the fetcher logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithProject sets the project used for references without ?project=.
func WithProject(projectID string) Option {
	return func(f *Fetcher) {
		f.projectID = strings.TrimSpace(projectID)
	}
}

// WithFallbackFile overrides the local fallback file. An empty path disables it.
func WithFallbackFile(path string) Option {
	return func(f *Fetcher) {
		f.fallbackPath = strings.TrimSpace(path)
	}
}

// WithCacheTTL overrides how long resolved values are reused.
func WithCacheTTL(ttl time.Duration) Option {
	return func(f *Fetcher) {
		if ttl > 0 {
			f.ttl = ttl
		}
	}
}

// WithClock overrides the cache clock.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) {
		if now != nil {
			f.now = now
		}
	}
}

// WithMeter records fetch latency on the supplied meter instead of the global provider.
func WithMeter(meter metric.Meter) Option {
	return func(f *Fetcher) {
		f.latency = newLatencyHistogram(meter)
	}
}

func withClient(client secretManagerClient) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// NewFetcher builds a Fetcher. A missing Secret Manager client is not fatal; the fetcher then serves
// from the fallback file only.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	f := &Fetcher{
		logger:       zap.NewNop(),
		ttl:          defaultCacheTTL,
		now:          time.Now,
		fallbackPath: defaultFallbackPath,
		cache:        make(map[string]cachedSecret),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	if f.latency == nil {
		f.latency = newLatencyHistogram(otel.GetMeterProvider().Meter(meterName))
	}

	if f.client == nil && f.projectID != "" {
		client, err := newSecretManagerClient(ctx)
		if err != nil {
			f.logger.Warn("secrets: secret manager unavailable, using fallback file only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

// ResolveSecret satisfies config.SecretResolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f.Resolve(ctx, ref)
}

// Resolve returns the secret value for "secret://name[?version=N&project=P]".
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	start := f.now()
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	if entry, ok := f.cache[parsed.key()]; ok && f.now().Before(entry.expiresAt) {
		f.mu.Unlock()
		f.record(ctx, start, "cache")
		return entry.value, nil
	}
	f.mu.Unlock()

	project := parsed.project
	if project == "" {
		project = f.projectID
	}
	if project != "" && f.client != nil {
		value, err := f.fetchRemote(ctx, project, parsed)
		switch {
		case err == nil:
			f.store(parsed, value)
			f.record(ctx, start, "remote")
			return value, nil
		case !canFallBack(err):
			f.record(ctx, start, "error")
			return "", fmt.Errorf("secrets: fetch %s: %w", parsed.name, err)
		}
		f.logger.Debug("secrets: remote fetch failed, trying fallback", zap.String("secret", parsed.name), zap.Error(err))
	}

	value, ok := f.lookupFallback(parsed)
	if !ok {
		f.record(ctx, start, "error")
		return "", fmt.Errorf("%w: %s", ErrNotFound, parsed.name)
	}
	f.store(parsed, value)
	f.record(ctx, start, "fallback")
	return value, nil
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *Fetcher) fetchRemote(ctx context.Context, project string, ref reference) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, ref.name, ref.version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("empty payload for %s", name)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) store(ref reference, value string) {
	f.mu.Lock()
	f.cache[ref.key()] = cachedSecret{value: value, expiresAt: f.now().Add(f.ttl)}
	f.mu.Unlock()
}

// lookupFallback accepts either secret://name or bare name keys in the fallback file.
func (f *Fetcher) lookupFallback(ref reference) (string, bool) {
	f.fallbackOnce.Do(func() {
		f.fallback = map[string]string{}
		if f.fallbackPath == "" {
			return
		}
		file, err := os.Open(f.fallbackPath)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				f.logger.Warn("secrets: unable to open fallback file", zap.String("path", f.fallbackPath), zap.Error(err))
			}
			return
		}
		defer file.Close()

		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			key, value, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			key = strings.TrimSpace(key)
			if parsed, err := parseReference(key); err == nil {
				key = parsed.name
			}
			f.fallback[key] = strings.TrimSpace(value)
		}
	})
	value, ok := f.fallback[ref.name]
	return value, ok
}

func (f *Fetcher) record(ctx context.Context, start time.Time, source string) {
	if f.latency == nil {
		return
	}
	elapsed := float64(f.now().Sub(start)) / float64(time.Millisecond)
	f.latency.Record(ctx, elapsed, metric.WithAttributes(attribute.String("source", source)))
}

func newLatencyHistogram(meter metric.Meter) metric.Float64Histogram {
	if meter == nil {
		return nil
	}
	histogram, err := meter.Float64Histogram("secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds for secret resolution"),
	)
	if err != nil {
		return nil
	}
	return histogram
}

type reference struct {
	name    string
	version string
	project string
}

func (r reference) key() string {
	return r.project + "/" + r.name + "#" + r.version
}

func parseReference(ref string) (reference, error) {
	trimmed := strings.TrimSpace(ref)
	if strings.HasPrefix(trimmed, "sm://") {
		trimmed = "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return reference{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}
	version := strings.TrimSpace(u.Query().Get("version"))
	if version == "" {
		version = "latest"
	}
	return reference{
		name:    name,
		version: version,
		project: strings.TrimSpace(u.Query().Get("project")),
	}, nil
}

// canFallBack reports transport and permission failures where a local value is acceptable.
// NotFound is terminal so a misspelt secret never silently resolves from disk.
func canFallBack(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}
