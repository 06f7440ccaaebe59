package cloud

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/teraunit/teraunit/pkg/engine"
)

// ProviderError is a failure reported by, or on the way to, a provider API.
// Message carries the provider's raw text and must only be logged server-side.
type ProviderError struct {
	Provider   engine.ProviderName
	Operation  string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s failed", e.Provider, e.Operation)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NotFound reports whether the provider answered 404. Message text is not
// consulted: auth and gateway failures also say "not found".
func (e *ProviderError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// IsNotFound reports whether err is a provider "already gone" answer.
func IsNotFound(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.NotFound()
}

// FailureClass is the coarse, caller-safe category of a provider failure.
type FailureClass string

const (
	FailureFunds     FailureClass = "funds"
	FailureQuota     FailureClass = "quota"
	FailureAuth      FailureClass = "auth"
	FailureInventory FailureClass = "inventory"
	FailureUnknown   FailureClass = "unknown"
)

// Describe returns the human-readable text shown to operators.
func (c FailureClass) Describe() string {
	switch c {
	case FailureFunds:
		return "INSUFFICIENT FUNDS (Check Provider Account)"
	case FailureQuota:
		return "PROVIDER QUOTA EXCEEDED"
	case FailureAuth:
		return "INVALID API KEY"
	case FailureInventory:
		return "INSTANCE NO LONGER AVAILABLE"
	default:
		return "PROVIDER REJECTED REQUEST"
	}
}

// Classify pattern-matches the text of a provider failure into a FailureClass.
func Classify(err error) FailureClass {
	if err == nil {
		return FailureUnknown
	}

	var pe *ProviderError
	if errors.As(err, &pe) && (pe.StatusCode == http.StatusUnauthorized || pe.StatusCode == http.StatusForbidden) {
		return FailureAuth
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "balance", "funds", "credit"):
		return FailureFunds
	case containsAny(msg, "quota", "limit", "capacity"):
		return FailureQuota
	case containsAny(msg, "unauthorized", "401", "403", "auth"):
		return FailureAuth
	case containsAny(msg, "unavailable", "stock", "sold out"):
		return FailureInventory
	default:
		return FailureUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
