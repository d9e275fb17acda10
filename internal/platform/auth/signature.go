package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"

	defaultClockSkew = 5 * time.Minute
	defaultNonceTTL  = 5 * time.Minute
)

// Logger is the minimal logging surface used by the verifier.
type Logger interface {
	Printf(format string, args ...any)
}

// MetricsRecorder records verification outcomes for observability.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

// SecretProvider resolves shared secrets used for HMAC validation.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretProviderFunc adapts a function to the SecretProvider interface.
type SecretProviderFunc func(context.Context, string) (string, error)

// GetSecret implements SecretProvider.
func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	if f == nil {
		return "", errors.New("auth: secret provider not configured")
	}
	return f(ctx, name)
}

// StaticSecret serves a single secret value regardless of the requested name.
func StaticSecret(value string) SecretProvider {
	return SecretProviderFunc(func(context.Context, string) (string, error) {
		if strings.TrimSpace(value) == "" {
			return "", errors.New("auth: secret is empty")
		}
		return value, nil
	})
}

// NonceStore tracks unique nonces for replay prevention.
type NonceStore interface {
	// UseNonce records the nonce if it has not been seen before within the scope. The boolean indicates
	// whether the nonce was stored (true) or already existed (false).
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// InMemoryNonceStore offers an in-memory nonce registry suitable for tests and single instance runs.
type InMemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time
	now    func() time.Time
}

// NewInMemoryNonceStore constructs the store.
func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{nonces: make(map[string]time.Time), now: time.Now}
}

// UseNonce records the nonce until the provided expiry, rejecting replays until then.
func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}

	key := scope + "::" + nonce

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.nonces {
		if exp.Before(now) {
			delete(s.nonces, k)
		}
	}

	if expiry.Before(now) {
		return false, errors.New("auth: nonce expiry is in the past")
	}

	if existing, ok := s.nonces[key]; ok && existing.After(now) {
		return false, nil
	}

	s.nonces[key] = expiry
	return true, nil
}

// VerificationError describes why a signed request was rejected.
type VerificationError struct {
	Status  int
	Code    string
	Message string
	Reason  string
	Err     error
}

func (e *VerificationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return "auth: " + e.Reason
}

func (e *VerificationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func rejectSignature(status int, code, message, reason string, err error) *VerificationError {
	return &VerificationError{Status: status, Code: code, Message: message, Reason: reason, Err: err}
}

// SignatureMetadata describes a verified gateway signature.
type SignatureMetadata struct {
	Timestamp time.Time
	Nonce     string
	Signature []byte
}

// SignatureVerifier checks that identity headers were signed by the fronting gateway. The signed
// canonical string binds the method, path, identity headers and body digest together.
type SignatureVerifier struct {
	provider   SecretProvider
	secretName string
	nonces     NonceStore

	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string
	ownerHeader     string
	rolesHeader     string

	clockSkew time.Duration
	nonceTTL  time.Duration

	secretCache sync.Map
}

// SignatureOption customises the verifier.
type SignatureOption func(*SignatureVerifier)

// NewSignatureVerifier builds a verifier using the given secret provider and nonce store.
func NewSignatureVerifier(provider SecretProvider, secretName string, nonces NonceStore, opts ...SignatureOption) *SignatureVerifier {
	verifier := &SignatureVerifier{
		provider:        provider,
		secretName:      strings.TrimSpace(secretName),
		nonces:          nonces,
		logger:          log.Default(),
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		ownerHeader:     defaultOwnerHeader,
		rolesHeader:     defaultRolesHeader,
		clockSkew:       defaultClockSkew,
		nonceTTL:        defaultNonceTTL,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(verifier)
		}
	}

	return verifier
}

// WithSignatureLogger overrides the verifier logger.
func WithSignatureLogger(logger Logger) SignatureOption {
	return func(v *SignatureVerifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithSignatureMetrics sets the metrics recorder.
func WithSignatureMetrics(metrics MetricsRecorder) SignatureOption {
	return func(v *SignatureVerifier) {
		v.metrics = metrics
	}
}

// WithSignatureClock injects a custom clock, primarily for tests.
func WithSignatureClock(now func() time.Time) SignatureOption {
	return func(v *SignatureVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithSignatureHeaders customises the header names carrying the signature material.
func WithSignatureHeaders(signature, timestamp, nonce string) SignatureOption {
	return func(v *SignatureVerifier) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if timestamp != "" {
			v.timestampHeader = timestamp
		}
		if nonce != "" {
			v.nonceHeader = nonce
		}
	}
}

// WithSignatureClockSkew adjusts the accepted timestamp skew.
func WithSignatureClockSkew(d time.Duration) SignatureOption {
	return func(v *SignatureVerifier) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

// WithSignatureNonceTTL customises the nonce retention duration.
func WithSignatureNonceTTL(d time.Duration) SignatureOption {
	return func(v *SignatureVerifier) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

// Verify validates the signature headers on the request. The request body is restored so handlers
// can read it again.
func (v *SignatureVerifier) Verify(r *http.Request) (*SignatureMetadata, error) {
	start := v.now()
	ctx := r.Context()

	meta, err := v.verify(ctx, r)
	if err != nil {
		var verr *VerificationError
		reason := "error"
		if errors.As(err, &verr) {
			reason = verr.Reason
		}
		v.record(ctx, false, reason, start)
		return nil, err
	}
	v.record(ctx, true, "ok", start)
	return meta, nil
}

func (v *SignatureVerifier) verify(ctx context.Context, r *http.Request) (*SignatureMetadata, error) {
	if v.secretName == "" {
		return nil, rejectSignature(http.StatusServiceUnavailable, "verification_unavailable", "signature secret not configured", "secret_not_configured", nil)
	}

	secret, err := v.loadSecret(ctx)
	if err != nil {
		if v.logger != nil {
			v.logger.Printf("auth: signature secret lookup failed: %v", err)
		}
		return nil, rejectSignature(http.StatusServiceUnavailable, "verification_unavailable", "signature secret unavailable", "secret_unavailable", err)
	}

	signatureValue := strings.TrimSpace(r.Header.Get(v.signatureHeader))
	if signatureValue == "" {
		return nil, rejectSignature(http.StatusUnauthorized, "signature_missing", "signature header missing", "signature_missing", nil)
	}

	timestampValue := strings.TrimSpace(r.Header.Get(v.timestampHeader))
	if timestampValue == "" {
		return nil, rejectSignature(http.StatusUnauthorized, "timestamp_missing", "signature timestamp missing", "timestamp_missing", nil)
	}
	timestamp, err := parseSignatureTimestamp(timestampValue)
	if err != nil {
		return nil, rejectSignature(http.StatusUnauthorized, "timestamp_invalid", "signature timestamp invalid", "timestamp_invalid", err)
	}
	if skew := v.now().Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
		return nil, rejectSignature(http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window", "timestamp_skew", nil)
	}

	nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
	if nonce == "" {
		return nil, rejectSignature(http.StatusUnauthorized, "nonce_missing", "signature nonce missing", "nonce_missing", nil)
	}

	body, err := readAndRestoreBody(r)
	if err != nil {
		return nil, rejectSignature(http.StatusBadRequest, "invalid_body", "unable to read body for signature verification", "body_unreadable", err)
	}

	signature, err := decodeSignature(signatureValue)
	if err != nil {
		return nil, rejectSignature(http.StatusUnauthorized, "signature_invalid", "signature encoding invalid", "signature_invalid", err)
	}

	canonical := v.canonical(r, body, timestampValue, nonce)
	if !hmac.Equal(signature, computeHMAC(secret, canonical)) {
		return nil, rejectSignature(http.StatusUnauthorized, "signature_mismatch", "signature verification failed", "signature_mismatch", nil)
	}

	if v.nonces == nil {
		return nil, rejectSignature(http.StatusServiceUnavailable, "verification_unavailable", "nonce store unavailable", "nonce_store_unavailable", nil)
	}

	expiry := timestamp.Add(v.nonceTTL)
	if expiry.Before(v.now()) {
		expiry = v.now().Add(v.nonceTTL)
	}
	stored, err := v.nonces.UseNonce(ctx, v.secretName, nonce, expiry)
	if err != nil {
		if v.logger != nil {
			v.logger.Printf("auth: nonce store error: %v", err)
		}
		return nil, rejectSignature(http.StatusServiceUnavailable, "verification_unavailable", "nonce storage error", "nonce_store_error", err)
	}
	if !stored {
		return nil, rejectSignature(http.StatusUnauthorized, "nonce_replay", "duplicate signature nonce", "nonce_replay", nil)
	}

	return &SignatureMetadata{Timestamp: timestamp, Nonce: nonce, Signature: signature}, nil
}

// Sign computes the base64 signature a gateway would attach to the request. The request body is
// restored after hashing.
func (v *SignatureVerifier) Sign(r *http.Request, timestamp, nonce string) (string, error) {
	secret, err := v.loadSecret(r.Context())
	if err != nil {
		return "", err
	}
	body, err := readAndRestoreBody(r)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(computeHMAC(secret, v.canonical(r, body, timestamp, nonce))), nil
}

func (v *SignatureVerifier) canonical(r *http.Request, body []byte, timestamp, nonce string) []byte {
	method := strings.ToUpper(r.Method)
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}

	hash := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		method,
		path,
		timestamp,
		nonce,
		strings.TrimSpace(r.Header.Get(v.ownerHeader)),
		strings.TrimSpace(r.Header.Get(v.rolesHeader)),
		hex.EncodeToString(hash[:]),
	}, "\n"))
}

func (v *SignatureVerifier) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v == nil || v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "gateway_signature", success, reason, v.now().Sub(start))
}

func (v *SignatureVerifier) loadSecret(ctx context.Context) ([]byte, error) {
	if v == nil || v.provider == nil {
		return nil, errors.New("auth: secret provider not configured")
	}

	if cached, ok := v.secretCache.Load(v.secretName); ok {
		if secret, ok := cached.([]byte); ok && len(secret) > 0 {
			return secret, nil
		}
	}

	raw, err := v.provider.GetSecret(ctx, v.secretName)
	if err != nil {
		return nil, err
	}

	secret := []byte(raw)
	if len(secret) == 0 {
		return nil, errors.New("auth: secret is empty")
	}

	v.secretCache.Store(v.secretName, secret)
	return secret, nil
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

func decodeSignature(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("auth: empty signature")
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be base64 or hex encoded")
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("auth: timestamp empty")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

func computeHMAC(secret []byte, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}
