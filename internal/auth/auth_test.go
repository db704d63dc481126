package auth

import (
	"net/http/httptest"
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "valid", header: "Bearer abc123", want: "abc123"},
		{name: "trims whitespace", header: "Bearer   abc123  ", want: "abc123"},
		{name: "missing header", header: "", wantErr: true},
		{name: "wrong scheme", header: "Basic abc123", wantErr: true},
		{name: "empty token", header: "Bearer ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/v1/sessions", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(r)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got token %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("token = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAuthenticateLegacyKey(t *testing.T) {
	p, ok := Authenticate("master-key", "master-key", nil)
	if !ok {
		t.Fatal("legacy key rejected")
	}
	if !HasAnyScope(p, ScopeSessionsRW) {
		t.Fatal("legacy key should grant all scopes")
	}
}

func TestAuthenticateScopedTokens(t *testing.T) {
	tokens := []TokenConfig{
		{Token: "reader", Scopes: []string{ScopeSessionsRO}},
		{Token: "writer", Scopes: []string{ScopeSessionsRW}},
	}

	p, ok := Authenticate("reader", "", tokens)
	if !ok {
		t.Fatal("reader token rejected")
	}
	if !HasAnyScope(p, ScopeSessionsRO) {
		t.Fatal("reader missing read scope")
	}
	if HasAnyScope(p, ScopeSessionsRW) {
		t.Fatal("reader must not have write scope")
	}

	p, ok = Authenticate("writer", "", tokens)
	if !ok {
		t.Fatal("writer token rejected")
	}
	if !HasAnyScope(p, ScopeSessionsRO) {
		t.Fatal("write scope should imply read")
	}
}

func TestAuthenticateRejectsUnknown(t *testing.T) {
	if _, ok := Authenticate("nope", "key", []TokenConfig{{Token: "other", Scopes: []string{ScopeSessionsRO}}}); ok {
		t.Fatal("unknown token accepted")
	}
	if _, ok := Authenticate("", "", nil); ok {
		t.Fatal("empty token accepted")
	}
}
