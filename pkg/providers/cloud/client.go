package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/teraunit/teraunit/pkg/engine"
)

const (
	// DefaultTimeout bounds every provider call.
	DefaultTimeout = 30 * time.Second

	// maxErrorBody caps how much of an error response is kept.
	maxErrorBody = 2048

	userAgent = "teraunit-orchestrator"
)

// ClientConfig configures outbound provider calls.
type ClientConfig struct {
	Timeout time.Duration `yaml:"timeout"`

	// RequestsPerSecond paces calls per provider. Zero disables pacing.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// apiClient performs authenticated JSON calls against one provider.
type apiClient struct {
	provider engine.ProviderName
	http     *http.Client
	limiter  *rate.Limiter
}

func newAPIClient(provider engine.ProviderName, httpClient *http.Client, cfg ClientConfig) *apiClient {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &apiClient{provider: provider, http: httpClient, limiter: limiter}
}

// newHTTPClient builds the traced client shared by all providers.
func newHTTPClient(cfg ClientConfig) *http.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// do sends body as JSON with a bearer credential and decodes a 2xx response
// into out (when non-nil). Non-2xx responses become a *ProviderError.
func (c *apiClient) do(ctx context.Context, operation, method, url, key string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &ProviderError{Provider: c.provider, Operation: operation, Err: err}
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", operation, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", operation, err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &ProviderError{Provider: c.provider, Operation: operation, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &ProviderError{
			Provider:   c.provider,
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(raw),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return &ProviderError{
			Provider:   c.provider,
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Message:    "malformed response",
			Err:        err,
		}
	}
	return nil
}

// errorMessage extracts the human text from the error envelopes the
// providers use, falling back to the raw body.
func errorMessage(raw []byte) string {
	var envelope struct {
		Error  json.RawMessage `json:"error"`
		Msg    string          `json:"msg"`
		Errors []graphQLError  `json:"errors"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		if len(envelope.Error) > 0 {
			var nested struct {
				Message    string `json:"message"`
				Suggestion string `json:"suggestion"`
			}
			if json.Unmarshal(envelope.Error, &nested) == nil && nested.Message != "" {
				if nested.Suggestion != "" {
					return nested.Message + " (" + nested.Suggestion + ")"
				}
				return nested.Message
			}
			var flat string
			if json.Unmarshal(envelope.Error, &flat) == nil && flat != "" {
				if envelope.Msg != "" {
					return flat + ": " + envelope.Msg
				}
				return flat
			}
		}
		if envelope.Msg != "" {
			return envelope.Msg
		}
		if len(envelope.Errors) > 0 {
			return graphQLMessage(envelope.Errors)
		}
	}
	return strings.TrimSpace(string(raw))
}

// graphQLError is one entry of a GraphQL "errors" array.
type graphQLError struct {
	Message string `json:"message"`
}

func graphQLMessage(errs []graphQLError) string {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Message)
	}
	return strings.Join(msgs, "; ")
}
