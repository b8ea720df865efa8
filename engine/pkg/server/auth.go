package server

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/malbeclabs/incentives/engine/pkg/incentive"
)

// TokenAuth maps API bearer tokens to caller ids. Only SHA-256 hashes of the
// tokens are held.
type TokenAuth struct {
	callers map[string]string
}

// NewTokenAuth creates a TokenAuth from token hash to caller id.
func NewTokenAuth(hashes map[string]string) *TokenAuth {
	callers := make(map[string]string, len(hashes))
	for hash, caller := range hashes {
		callers[strings.ToLower(hash)] = caller
	}
	return &TokenAuth{callers: callers}
}

// ParseTokenHashes parses "caller=sha256hex,caller=sha256hex" into a hash to
// caller map.
func ParseTokenHashes(s string) (map[string]string, error) {
	out := make(map[string]string)
	for entry := range strings.SplitSeq(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		caller, hash, ok := strings.Cut(entry, "=")
		caller, hash = strings.TrimSpace(caller), strings.ToLower(strings.TrimSpace(hash))
		if !ok || caller == "" {
			return nil, fmt.Errorf("invalid token entry %q: want caller=sha256hex", entry)
		}
		if b, err := hex.DecodeString(hash); err != nil || len(b) != sha256.Size {
			return nil, fmt.Errorf("invalid token hash for caller %q", caller)
		}
		out[hash] = caller
	}
	return out, nil
}

// HashToken returns the hex SHA-256 of a token.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// Caller resolves a raw token.
func (a *TokenAuth) Caller(token string) (string, bool) {
	caller, ok := a.callers[HashToken(token)]
	return caller, ok
}

// Middleware puts the caller of a valid bearer token into the request
// context. Requests without a token proceed anonymously; an unknown token is
// rejected.
func (a *TokenAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		caller, ok := a.Caller(token)
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", "Bearer")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid token","code":"unauthenticated","category":"authorization","retryable":false}` + "\n"))
			return
		}
		next.ServeHTTP(w, r.WithContext(incentive.WithCaller(r.Context(), caller)))
	})
}

// extractBearerToken extracts the token from Authorization header
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
