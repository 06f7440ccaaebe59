package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/teraunit/teraunit/pkg/telemetry"
)

// Header names accepted by the guards.
const (
	HeaderControlToken   = "X-Tera-Control-Token"
	HeaderHeartbeatToken = "X-Tera-Heartbeat-Token"
	HeaderAuthorization  = "Authorization"
)

var (
	// ErrControlTokenNotConfigured is returned when no control token exists.
	ErrControlTokenNotConfigured = errors.New("CONTROL_TOKEN_NOT_CONFIGURED")

	// ErrControlTokenInvalid is returned when the presented token matches none.
	ErrControlTokenInvalid = errors.New("CONTROL_TOKEN_INVALID")
)

// ControlAuth guards operator endpoints with a set of shared tokens.
// Several tokens may be valid at once so they can be rotated without downtime.
type ControlAuth struct {
	tokens atomic.Pointer[[]string]
	logger *telemetry.Logger
}

// NewControlAuth creates a guard accepting any of tokens. Blank tokens are ignored.
func NewControlAuth(tokens []string, logger *telemetry.Logger) *ControlAuth {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	c := &ControlAuth{logger: logger.NewComponentLogger("control-auth")}
	c.SetTokens(tokens)
	return c
}

// SetTokens atomically replaces the accepted token set.
func (c *ControlAuth) SetTokens(tokens []string) {
	cleaned := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			cleaned = append(cleaned, t)
		}
	}
	c.tokens.Store(&cleaned)
}

// TokenCount returns the number of accepted tokens.
func (c *ControlAuth) TokenCount() int {
	return len(*c.tokens.Load())
}

// Authorize checks the control token presented on r.
func (c *ControlAuth) Authorize(r *http.Request) error {
	tokens := *c.tokens.Load()
	if len(tokens) == 0 {
		return ErrControlTokenNotConfigured
	}

	provided := strings.TrimSpace(r.Header.Get(HeaderControlToken))
	if provided == "" {
		provided = bearerToken(r.Header.Get(HeaderAuthorization))
	}

	// Every token is compared so timing does not reveal which one matched
	match := false
	for _, t := range tokens {
		if TokensEqual(t, provided) {
			match = true
		}
	}
	if !match {
		return ErrControlTokenInvalid
	}
	return nil
}

// ParseTokenList splits a token list separated by commas, semicolons or whitespace.
func ParseTokenList(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
}

// LoadTokenFile reads a token list from path.
func LoadTokenFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read control token file: %w", err)
	}
	return ParseTokenList(string(data)), nil
}

// WatchTokenFile reloads the token set whenever path changes, until ctx is done.
// Tokens given at construction are kept alongside the file's tokens.
func (c *ControlAuth) WatchTokenFile(ctx context.Context, path string, static []string) error {
	reload := func() {
		fileTokens, err := LoadTokenFile(path)
		if err != nil {
			c.logger.WithError(err).Warn("control token reload failed, keeping previous tokens")
			return
		}
		c.SetTokens(append(append([]string{}, static...), fileTokens...))
		c.logger.Infof("control tokens reloaded (%d active)", c.TokenCount())
	}
	reload()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory so atomic replace-by-rename is observed
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
					reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.WithError(err).Warn("control token watcher error")
			}
		}
	}()

	return nil
}
