package dwp

import (
	"context"
	"errors"
	"testing"
)

func TestAPIKeyAuthenticator(t *testing.T) {
	t.Parallel()

	auth := NewAPIKeyAuthenticator(
		APIKeyEntry{
			Token: "dk_test_123",
			Identity: Identity{
				Subject: "user-1",
				Scopes:  []string{ScopeRunWrite, ScopeStreamRead},
			},
		},
		APIKeyEntry{
			Token: "dk_admin_456",
			Identity: Identity{
				Subject: "admin-1",
				Scopes:  []string{ScopeAll},
			},
		},
	)

	ctx := context.Background()

	t.Run("valid token", func(t *testing.T) {
		id, err := auth.Authenticate(ctx, "dk_test_123")
		if err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
		if id.Subject != "user-1" {
			t.Errorf("Subject = %q, want %q", id.Subject, "user-1")
		}
		if !id.HasScope(ScopeStreamRead) {
			t.Error("expected stream:read scope")
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		_, err := auth.Authenticate(ctx, "invalid")
		if !errors.Is(err, ErrUnauthorized) {
			t.Errorf("expected ErrUnauthorized, got %v", err)
		}
	})
}

func TestIdentityHasScope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		scopes   []string
		check    string
		expected bool
	}{
		{"exact match", []string{"run:write"}, "run:write", true},
		{"no match", []string{"run:write"}, "run:read", false},
		{"wildcard", []string{"*"}, "anything", true},
		{"multiple scopes", []string{"run:read", "hook:write"}, "hook:write", true},
		{"empty scopes", nil, "run:read", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := &Identity{Subject: "test", Scopes: tt.scopes}
			if got := id.HasScope(tt.check); got != tt.expected {
				t.Errorf("HasScope(%q) = %v, want %v", tt.check, got, tt.expected)
			}
		})
	}
}

func TestRequiredScope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		method string
		want   string
	}{
		{MethodAuth, ""},
		{MethodRunStart, ScopeRunWrite},
		{MethodRunCancel, ScopeRunWrite},
		{MethodRunGet, ScopeRunRead},
		{MethodHookResume, ScopeHookWrite},
		{MethodStreamSubscribe, ScopeStreamRead},
		{MethodStreamUnsubscribe, ScopeStreamRead},
		{MethodSubscribe, ScopeSubscribe},
		{MethodStats, ScopeStatsRead},
		{"something.else", ScopeAdmin},
	}
	for _, tt := range tests {
		if got := RequiredScope(tt.method); got != tt.want {
			t.Errorf("RequiredScope(%q) = %q, want %q", tt.method, got, tt.want)
		}
	}
}

func TestNoopAuthenticator(t *testing.T) {
	t.Parallel()

	id, err := (&NoopAuthenticator{}).Authenticate(context.Background(), "")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !id.HasScope(ScopeAdmin) {
		t.Error("noop identity should hold every scope")
	}
}

func TestCompositeAuthenticator(t *testing.T) {
	t.Parallel()

	first := NewAPIKeyAuthenticator(APIKeyEntry{Token: "a", Identity: Identity{Subject: "from-a"}})
	second := NewAPIKeyAuthenticator(APIKeyEntry{Token: "b", Identity: Identity{Subject: "from-b"}})
	auth := NewCompositeAuthenticator(first, second)

	id, err := auth.Authenticate(context.Background(), "b")
	if err != nil || id.Subject != "from-b" {
		t.Fatalf("Authenticate(b) = %v, %v", id, err)
	}
	if _, err := auth.Authenticate(context.Background(), "c"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}
