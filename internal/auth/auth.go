package auth

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/AlexKimmel/throttlegate/internal/config"
)

type ctxKey int

const keyIdentity ctxKey = 0

// PriorityHeader lets a client lower the priority of a single request.
const PriorityHeader = "X-Request-Priority"

// Identity is what an API key resolves to.
type Identity struct {
	ID       string
	Priority int
}

// Store is a static in-memory key store: secret -> identity
type Store struct {
	header   string
	bySecret map[string]Identity
}

// NewStatic creates a new static key store.
// header: HTTP header to read the key from (e.g., "X-API-Key")
// pairs: map of secret -> identity
func NewStatic(header string, pairs map[string]Identity) *Store {
	h := header
	if h == "" {
		h = "X-API-Key"
	}
	return &Store{header: h, bySecret: pairs}
}

// FromConfig indexes the configured keys by secret, skipping incomplete ones.
func FromConfig(a config.Auth) *Store {
	pairs := make(map[string]Identity, len(a.Keys))
	for _, k := range a.Keys {
		if k.Secret != "" && k.ID != "" {
			pairs[k.Secret] = Identity{ID: k.ID, Priority: k.Priority}
		}
	}
	return NewStatic(a.Header, pairs)
}

func (s *Store) identityFor(secret string) (Identity, bool) {
	id, ok := s.bySecret[secret]
	return id, ok
}

// WithIdentity injects the caller identity into context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, keyIdentity, id)
}

// IdentityFrom extracts the caller identity from context (if present).
func IdentityFrom(ctx context.Context) (Identity, bool) {
	v := ctx.Value(keyIdentity)
	if v == nil {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

// KeyIDFrom extracts the key ID from context (if present).
func KeyIDFrom(ctx context.Context) (string, bool) {
	id, ok := IdentityFrom(ctx)
	return id.ID, ok
}

// RequestPriority is the key's priority, lowered (never raised) by a valid
// PriorityHeader value.
func RequestPriority(r *http.Request) int {
	id, _ := IdentityFrom(r.Context())
	p := id.Priority
	if h := strings.TrimSpace(r.Header.Get(PriorityHeader)); h != "" {
		if v, err := strconv.Atoi(h); err == nil && v >= 0 && v < p {
			p = v
		}
	}
	return p
}

// Middleware validates the API key and writes JSON errors on failure.
// It skips authentication for any path in skipPaths.
func (s *Store) Middleware(skipPaths map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hname := s.header

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			secret := strings.TrimSpace(r.Header.Get(hname))
			if secret == "" {
				writeJSON(w, http.StatusUnauthorized, "missing_api_key", "Provide API key in "+hname)
				return
			}
			id, ok := s.identityFor(secret)
			if !ok {
				writeJSON(w, http.StatusUnauthorized, "invalid_api_key", "API key not recognized")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
