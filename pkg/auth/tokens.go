// Package auth implements the two request guards of the control plane
// (control token and heartbeat token), credential sanitation and client
// address resolution.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/teraunit/teraunit/pkg/engine"
)

// GenerateToken returns 32 random bytes encoded as unpadded base64url.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken returns the lowercase hex SHA-256 of a token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// TokensEqual compares two tokens in constant time. Both sides are hashed
// first so the comparison does not leak their lengths.
func TokensEqual(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// NewHeartbeatIdentity mints a heartbeat id (UUID) and a fresh agent token.
func NewHeartbeatIdentity() (engine.HeartbeatIdentity, error) {
	token, err := GenerateToken()
	if err != nil {
		return engine.HeartbeatIdentity{}, err
	}
	return engine.HeartbeatIdentity{
		ID:        uuid.NewString(),
		Token:     token,
		TokenHash: HashToken(token),
	}, nil
}

// SanitizeAPIKey normalises a pasted provider credential: invisible
// characters, an "Authorization:" header prefix, a "Bearer " scheme,
// surrounding quotes and backticks, embedded whitespace, wrapping brackets
// and trailing punctuation are removed.
func SanitizeAPIKey(key string) string {
	cleaned := strings.TrimSpace(stripInvisible(key))

	if hasPrefixFold(cleaned, "Authorization:") {
		cleaned = strings.TrimSpace(cleaned[len("Authorization:"):])
	}
	if hasPrefixFold(cleaned, "Bearer ") {
		cleaned = strings.TrimSpace(cleaned[len("Bearer "):])
	}

	for len(cleaned) >= 2 {
		first, last := cleaned[0], cleaned[len(cleaned)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			cleaned = strings.TrimSpace(cleaned[1 : len(cleaned)-1])
			continue
		}
		break
	}
	for len(cleaned) >= 2 && cleaned[0] == '`' && cleaned[len(cleaned)-1] == '`' {
		cleaned = strings.TrimSpace(cleaned[1 : len(cleaned)-1])
	}

	cleaned = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, cleaned)

	cleaned = strings.TrimLeft(cleaned, "<[({")
	cleaned = strings.TrimRight(cleaned, ">])}")
	cleaned = strings.TrimRight(cleaned, ".,;:")

	return cleaned
}

// SanitizeHumanIdentifier normalises a human-typed name such as an SSH key
// name. Spaces are legitimate and kept, but collapsed.
func SanitizeHumanIdentifier(value string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case isInvisible(r):
			return -1
		case r == '\u00a0':
			return ' '
		case r >= '\u2010' && r <= '\u2015', r == '\u2212':
			return '-'
		}
		return r
	}, value)

	return strings.Join(strings.Fields(cleaned), " ")
}

func stripInvisible(s string) string {
	return strings.Map(func(r rune) rune {
		if isInvisible(r) {
			return -1
		}
		return r
	}, s)
}

// isInvisible matches Unicode control (Cc) and format (Cf) characters.
func isInvisible(r rune) bool {
	return unicode.Is(unicode.Cc, r) || unicode.Is(unicode.Cf, r)
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// bearerToken extracts the token of an "Authorization: Bearer <token>" header value.
func bearerToken(header string) string {
	if hasPrefixFold(header, "Bearer ") {
		return strings.TrimSpace(header[len("Bearer "):])
	}
	return ""
}
