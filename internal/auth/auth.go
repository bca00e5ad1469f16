// Package auth checks bearer tokens against the hashes stored in the state
// directory.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const MinTokenLength = 36

const tokensDir = "hashed-tokens"

type Auth struct {
	stateDir string
}

func New(stateDir string) (*Auth, error) {
	dir := filepath.Join(stateDir, tokensDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create %s directory: %w", tokensDir, err)
	}
	return &Auth{stateDir: stateDir}, nil
}

// Validate reports whether token was registered with AddToken.
func (a *Auth) Validate(token string) bool {
	if len(token) < MinTokenLength {
		slog.Debug("Token too short")
		return false
	}
	path := filepath.Join(a.stateDir, tokensDir, hashToken(token))
	if _, err := os.Stat(path); err != nil {
		slog.Debug("Token file not found", "path", path)
		return false
	}
	return true
}

// Middleware rejects requests without a valid token.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Validate(FromRequest(r)) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="cellrunner"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// FromRequest returns the bearer token of r. Browsers cannot set headers on
// a websocket handshake, so the token query parameter is accepted too.
func FromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// GenerateToken returns a random token long enough for AddToken.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// AddToken stores the hash of token in the hashed-tokens directory.
func AddToken(stateDir, token string) error {
	if len(token) < MinTokenLength {
		return fmt.Errorf("token must be at least %d characters long", MinTokenLength)
	}

	dir := filepath.Join(stateDir, tokensDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", tokensDir, err)
	}

	if err := os.WriteFile(filepath.Join(dir, hashToken(token)), []byte{}, 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
