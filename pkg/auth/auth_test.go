package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/teraunit/teraunit/pkg/engine"
)

func TestSanitizeAPIKey(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "sk_live_abc", "sk_live_abc"},
		{"bearer with whitespace", " Bearer  sk_live_abc \n", "sk_live_abc"},
		{"full header", "Authorization: Bearer sk_live_abc", "sk_live_abc"},
		{"lowercase header", "authorization: bearer sk_live_abc", "sk_live_abc"},
		{"single quotes", "'sk_live_abc'", "sk_live_abc"},
		{"nested quotes", `"'sk_live_abc'"`, "sk_live_abc"},
		{"backticks", "`sk_live_abc`", "sk_live_abc"},
		{"trailing period", "sk_live_abc.", "sk_live_abc"},
		{"angle brackets", "<sk_live_abc>", "sk_live_abc"},
		{"zero width space", "sk_live\u200b_abc", "sk_live_abc"},
		{"embedded newline", "sk_live\n_abc", "sk_live_abc"},
		{"embedded space", "sk_live _abc", "sk_live_abc"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeAPIKey(tt.in); got != tt.want {
				t.Errorf("SanitizeAPIKey(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeHumanIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"my key", "my key"},
		{"  my   key  ", "my key"},
		{"my\u00a0key", "my key"},
		{"my\u2013key", "my-key"},
		{"my\u2212key", "my-key"},
		{"my\u200bkey", "mykey"},
		{"laptop\tkey\n", "laptopkey"},
	}

	for _, tt := range tests {
		if got := SanitizeHumanIdentifier(tt.in); got != tt.want {
			t.Errorf("SanitizeHumanIdentifier(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTokens(t *testing.T) {
	tok, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	if len(tok) != 43 {
		t.Errorf("token length = %d, want 43", len(tok))
	}
	if strings.ContainsAny(tok, "+/=") {
		t.Errorf("token %q is not unpadded base64url", tok)
	}

	other, _ := GenerateToken()
	if tok == other {
		t.Error("two generated tokens are equal")
	}

	if got := HashToken("abc"); got != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Errorf("HashToken(abc) = %s", got)
	}

	if !TokensEqual("same", "same") {
		t.Error("TokensEqual(same, same) = false")
	}
	if TokensEqual("same", "different-length") {
		t.Error("TokensEqual() matched different tokens")
	}
}

func TestNewHeartbeatIdentity(t *testing.T) {
	id, err := NewHeartbeatIdentity()
	if err != nil {
		t.Fatalf("NewHeartbeatIdentity() error = %v", err)
	}
	if len(id.ID) != 36 || id.Token == "" {
		t.Errorf("unexpected identity %+v", id)
	}
	if id.TokenHash != HashToken(id.Token) {
		t.Error("TokenHash does not match the token")
	}

	other, _ := NewHeartbeatIdentity()
	if other.ID == id.ID || other.Token == id.Token {
		t.Error("two identities collide")
	}
}

func TestControlAuth(t *testing.T) {
	guard := NewControlAuth([]string{"tok-a", " tok-b "}, nil)

	tests := []struct {
		name    string
		headers map[string]string
		wantErr error
	}{
		{"custom header", map[string]string{HeaderControlToken: "tok-a"}, nil},
		{"second token", map[string]string{HeaderControlToken: "tok-b"}, nil},
		{"bearer", map[string]string{HeaderAuthorization: "Bearer tok-a"}, nil},
		{"bearer lowercase scheme", map[string]string{HeaderAuthorization: "bearer tok-b"}, nil},
		{"wrong token", map[string]string{HeaderControlToken: "nope"}, ErrControlTokenInvalid},
		{"missing", nil, ErrControlTokenInvalid},
		{"basic scheme", map[string]string{HeaderAuthorization: "Basic tok-a"}, ErrControlTokenInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/v1/launch", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if err := guard.Authorize(r); !errors.Is(err, tt.wantErr) {
				t.Errorf("Authorize() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestControlAuthNotConfigured(t *testing.T) {
	guard := NewControlAuth([]string{" ", ""}, nil)
	r := httptest.NewRequest(http.MethodGet, "/v1/instances", nil)
	r.Header.Set(HeaderControlToken, "")
	if err := guard.Authorize(r); !errors.Is(err, ErrControlTokenNotConfigured) {
		t.Errorf("Authorize() error = %v, want ErrControlTokenNotConfigured", err)
	}
}

func TestControlAuthTokenFileReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tokens")
	if err := os.WriteFile(path, []byte("first\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	guard := NewControlAuth(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := guard.WatchTokenFile(ctx, path, []string{"static"}); err != nil {
		t.Fatalf("WatchTokenFile() error = %v", err)
	}
	if guard.TokenCount() != 2 {
		t.Fatalf("TokenCount() = %d, want 2", guard.TokenCount())
	}

	if err := os.WriteFile(path, []byte("second, third\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for guard.TokenCount() != 3 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(HeaderControlToken, "third")
	if err := guard.Authorize(r); err != nil {
		t.Errorf("reloaded token rejected: %v", err)
	}
	r.Header.Set(HeaderControlToken, "first")
	if err := guard.Authorize(r); err == nil {
		t.Error("removed token still accepted")
	}
}

type fakeLookup struct {
	records map[string]*engine.Instance
}

func (f *fakeLookup) FindByHeartbeatID(_ context.Context, id string) (*engine.Instance, error) {
	if inst, ok := f.records[id]; ok {
		return inst, nil
	}
	return nil, engine.ErrInstanceNotFound
}

func TestHeartbeatAuth(t *testing.T) {
	lookup := &fakeLookup{records: map[string]*engine.Instance{
		"hb-ok":       {InstanceID: "i-1", HeartbeatID: "hb-ok", HeartbeatTokenHash: HashToken("agent-token"), Active: true},
		"hb-inactive": {InstanceID: "i-2", HeartbeatID: "hb-inactive", HeartbeatTokenHash: HashToken("agent-token"), Active: false},
		"hb-legacy":   {InstanceID: "i-3", HeartbeatID: "hb-legacy", Active: true},
	}}

	tests := []struct {
		name        string
		allowUnauth bool
		id          string
		headers     map[string]string
		wantErr     error
	}{
		{"valid header", false, "hb-ok", map[string]string{HeaderHeartbeatToken: "agent-token"}, nil},
		{"valid bearer", false, "hb-ok", map[string]string{HeaderAuthorization: "Bearer agent-token"}, nil},
		{"wrong token", false, "hb-ok", map[string]string{HeaderHeartbeatToken: "other"}, ErrHeartbeatTokenInvalid},
		{"missing token", false, "hb-ok", nil, ErrHeartbeatTokenInvalid},
		{"unknown id", false, "hb-none", map[string]string{HeaderHeartbeatToken: "agent-token"}, ErrHeartbeatUnknown},
		{"blank id", false, " ", nil, ErrHeartbeatIDRequired},
		{"inactive", false, "hb-inactive", map[string]string{HeaderHeartbeatToken: "agent-token"}, ErrHeartbeatInactive},
		{"no hash, flag off", false, "hb-legacy", nil, ErrHeartbeatTokenInvalid},
		{"no hash, flag on", true, "hb-legacy", nil, nil},
		{"flag does not bypass hash", true, "hb-ok", nil, ErrHeartbeatTokenInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guard := NewHeartbeatAuth(lookup, tt.allowUnauth)
			r := httptest.NewRequest(http.MethodPost, "/v1/heartbeat", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			_, err := guard.Authorize(context.Background(), r, tt.id)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Authorize() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestClientIPResolver(t *testing.T) {
	tests := []struct {
		name    string
		trust   bool
		remote  string
		headers map[string]string
		want    string
	}{
		{"remote only", false, "10.0.0.1:5000", nil, "10.0.0.1"},
		{"untrusted ignores headers", false, "10.0.0.1:5000", map[string]string{"X-Forwarded-For": "1.2.3.4"}, "10.0.0.1"},
		{"forwarded", true, "10.0.0.1:5000", map[string]string{"Forwarded": "for=1.2.3.4;proto=https"}, "1.2.3.4"},
		{"forwarded ipv6", true, "10.0.0.1:5000", map[string]string{"Forwarded": `For="[2001:db8::1]:4711"`}, "2001:db8::1"},
		{"xff first", true, "10.0.0.1:5000", map[string]string{"X-Forwarded-For": "5.6.7.8, 10.0.0.2"}, "5.6.7.8"},
		{"xff unknown falls through", true, "10.0.0.1:5000", map[string]string{"X-Forwarded-For": "unknown", "X-Real-IP": "9.9.9.9"}, "9.9.9.9"},
		{"forwarded wins over xff", true, "10.0.0.1:5000", map[string]string{"Forwarded": "for=1.1.1.1", "X-Forwarded-For": "2.2.2.2"}, "1.1.1.1"},
		{"trusted without headers", true, "[::1]:8080", nil, "::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := NewClientIPResolver(tt.trust).Resolve(r); got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}
