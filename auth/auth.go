// Package auth guards the dashboard's mutating routes with a single admin
// password. The password lives in the .env file next to the binary; a random
// one is generated and written there on first start. Clients exchange the
// password for a token (an HMAC of the password under a per-process secret)
// and send it back in the X-Auth header, so restarting the service
// invalidates every issued token.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/joho/godotenv"
)

const (
	// EnvKey is the .env key holding the password.
	EnvKey = "ADMIN_PASSWORD"
	// MinPasswordLen is the shortest password Change accepts.
	MinPasswordLen = 4

	generatedBytes = 3
	secretBytes    = 16
)

// ErrTooShort is returned by Change for passwords under MinPasswordLen.
var ErrTooShort = fmt.Errorf("password must be at least %d characters", MinPasswordLen)

// Guard holds the password and the token derived from it.
type Guard struct {
	envPath string
	secret  []byte
	logger  *slog.Logger

	mu       sync.RWMutex
	password string
	token    string
}

// Option configures a Guard.
type Option func(*Guard)

// WithSecret fixes the token secret (for testing).
func WithSecret(secret []byte) Option {
	return func(g *Guard) { g.secret = secret }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// Load builds a Guard. initial, when non-empty, is used as the password;
// otherwise the password is read from envPath and, if absent there, generated
// and written back. generated reports the last case.
func Load(envPath, initial string, opts ...Option) (g *Guard, generated bool, err error) {
	g = &Guard{envPath: envPath, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(slog.String("component", "auth"))
	if len(g.secret) == 0 {
		if g.secret, err = randomBytes(secretBytes); err != nil {
			return nil, false, fmt.Errorf("auth secret: %w", err)
		}
	}

	pw := initial
	if pw == "" {
		env, err := readEnv(envPath)
		if err != nil {
			return nil, false, err
		}
		pw = env[EnvKey]
	}
	if pw == "" {
		b, err := randomBytes(generatedBytes)
		if err != nil {
			return nil, false, fmt.Errorf("generate password: %w", err)
		}
		pw = hex.EncodeToString(b)
		if err := writeEnvKey(envPath, pw); err != nil {
			return nil, false, err
		}
		generated = true
		g.logger.Info("generated admin password", slog.String("path", envPath))
	}
	g.setLocked(pw)
	return g, generated, nil
}

// Password returns the current password.
func (g *Guard) Password() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.password
}

// Token returns the token clients must present.
func (g *Guard) Token() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.token
}

// Login returns the token when password is correct.
func (g *Guard) Login(password string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if subtle.ConstantTimeCompare([]byte(password), []byte(g.password)) != 1 {
		return "", false
	}
	return g.token, true
}

// Verify reports whether token is the current token.
func (g *Guard) Verify(token string) bool {
	if token == "" {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return subtle.ConstantTimeCompare([]byte(token), []byte(g.token)) == 1
}

// Change replaces the password, persists it and returns the new token.
func (g *Guard) Change(newPassword string) (string, error) {
	if len(newPassword) < MinPasswordLen {
		return "", ErrTooShort
	}
	if err := writeEnvKey(g.envPath, newPassword); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.setLocked(newPassword)
	g.logger.Info("admin password changed")
	return g.token, nil
}

func (g *Guard) setLocked(pw string) {
	g.password = pw
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(pw))
	g.token = hex.EncodeToString(mac.Sum(nil))
}

func readEnv(path string) (map[string]string, error) {
	env, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return env, nil
}

// writeEnvKey sets EnvKey in the .env file, keeping the other keys.
func writeEnvKey(path, pw string) error {
	env, err := readEnv(path)
	if err != nil {
		return err
	}
	env[EnvKey] = pw
	if err := godotenv.Write(env, path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
