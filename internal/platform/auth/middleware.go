package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

const (
	defaultOwnerHeader  = "X-Owner-ID"
	defaultRolesHeader  = "X-Owner-Roles"
	defaultFallbackRole = RoleUser
	maxOwnerIDLength    = 128
)

// Authenticator turns gateway identity headers into an Identity on the request context.
type Authenticator struct {
	verifier *SignatureVerifier

	ownerHeader  string
	rolesHeader  string
	fallbackRole string
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithSignatureVerifier requires every identity to carry a valid gateway signature.
func WithSignatureVerifier(verifier *SignatureVerifier) Option {
	return func(a *Authenticator) {
		a.verifier = verifier
	}
}

// WithIdentityHeaders overrides the headers carrying the owner id and roles.
func WithIdentityHeaders(owner, roles string) Option {
	return func(a *Authenticator) {
		if owner = strings.TrimSpace(owner); owner != "" {
			a.ownerHeader = owner
		}
		if roles = strings.TrimSpace(roles); roles != "" {
			a.rolesHeader = roles
		}
	}
}

// WithFallbackRole sets the default role when the gateway forwards none.
func WithFallbackRole(role string) Option {
	return func(a *Authenticator) {
		role = normaliseRole(role)
		if role != "" {
			a.fallbackRole = role
		}
	}
}

// NewAuthenticator constructs an Authenticator for middleware composition.
func NewAuthenticator(opts ...Option) *Authenticator {
	a := &Authenticator{
		ownerHeader:  defaultOwnerHeader,
		rolesHeader:  defaultRolesHeader,
		fallbackRole: defaultFallbackRole,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}

	return a
}

// RequireIdentity resolves the caller from gateway headers and ensures one of the allowed roles
// when any are given.
func (a *Authenticator) RequireIdentity(allowedRoles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(allowedRoles))
	for _, role := range allowedRoles {
		role = normaliseRole(role)
		if role == "" {
			continue
		}
		allowed[role] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a == nil {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "authentication unavailable")
				return
			}

			// An outer RequireIdentity already verified the request; the nonce must not be consumed twice.
			if resolved, ok := IdentityFromContext(r.Context()); ok && resolved != nil {
				if len(allowed) > 0 && !hasAllowedRole(resolved.Roles, allowed) {
					respondAuthError(w, http.StatusForbidden, "insufficient_role", "identity does not have required role")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			uid := strings.TrimSpace(r.Header.Get(a.ownerHeader))
			if uid == "" {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "caller identity missing")
				return
			}
			if len(uid) > maxOwnerIDLength {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "caller identity invalid")
				return
			}

			identity := &Identity{
				UID:   uid,
				Roles: parseRoles(r.Header.Get(a.rolesHeader)),
			}

			if a.verifier != nil {
				if _, err := a.verifier.Verify(r); err != nil {
					respondVerificationError(w, err)
					return
				}
				identity.Signed = true
			}

			if len(identity.Roles) == 0 && a.fallbackRole != "" {
				identity.Roles = []string{a.fallbackRole}
			}

			if len(allowed) > 0 && !hasAllowedRole(identity.Roles, allowed) {
				respondAuthError(w, http.StatusForbidden, "insufficient_role", "identity does not have required role")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func hasAllowedRole(identityRoles []string, allowed map[string]struct{}) bool {
	for _, role := range identityRoles {
		if _, ok := allowed[normaliseRole(role)]; ok {
			return true
		}
	}
	return false
}

func respondAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   code,
		"message": message,
		"status":  status,
	})
}

func respondVerificationError(w http.ResponseWriter, err error) {
	var verr *VerificationError
	if errors.As(err, &verr) {
		respondAuthError(w, verr.Status, verr.Code, verr.Message)
		return
	}
	respondAuthError(w, http.StatusUnauthorized, "signature_invalid", "gateway signature verification failed")
}
