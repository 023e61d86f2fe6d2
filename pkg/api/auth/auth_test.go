package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const testSecret = "test-secret-key-that-is-at-least-32-characters-long"

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{Secret: testSecret, Issuer: "test"})
	if err != nil {
		t.Fatalf("failed to create token service: %v", err)
	}
	return svc
}

func TestNewServiceRejectsShortSecret(t *testing.T) {
	if _, err := NewService(Config{Secret: "short"}); !errors.Is(err, ErrInvalidSecretLength) {
		t.Errorf("expected ErrInvalidSecretLength, got %v", err)
	}
}

func TestIssueAndValidate(t *testing.T) {
	svc := newTestService(t)

	token, expires, err := svc.Issue("grafana", time.Hour)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if time.Until(expires) <= 0 {
		t.Errorf("expiry %v is not in the future", expires)
	}

	claims, err := svc.Validate(token)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if claims.Subject != "grafana" {
		t.Errorf("subject = %q, want grafana", claims.Subject)
	}
	if claims.Scope != ScopeRead {
		t.Errorf("scope = %q, want %q", claims.Scope, ScopeRead)
	}
}

func TestValidateExpired(t *testing.T) {
	svc := newTestService(t)
	token, _, err := svc.Issue("grafana", time.Minute)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	if _, err := svc.Validate(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("expected ErrExpiredToken, got %v", err)
	}
}

func TestValidateRejectsForeignTokens(t *testing.T) {
	svc := newTestService(t)

	other, err := NewService(Config{Secret: testSecret + "-other", Issuer: "test"})
	if err != nil {
		t.Fatal(err)
	}
	foreign, _, _ := other.Issue("grafana", time.Hour)

	wrongIssuer, err := NewService(Config{Secret: testSecret, Issuer: "elsewhere"})
	if err != nil {
		t.Fatal(err)
	}
	misissued, _, _ := wrongIssuer.Issue("grafana", time.Hour)

	for name, token := range map[string]string{
		"garbage":      "not-a-token",
		"other secret": foreign,
		"other issuer": misissued,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.Validate(token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name       string
		authHeader string
		wantToken  string
		wantOK     bool
	}{
		{"empty header", "", "", false},
		{"bearer token", "Bearer abc123", "abc123", true},
		{"lowercase scheme", "bearer abc123", "abc123", true},
		{"missing token", "Bearer", "", false},
		{"wrong scheme", "Basic abc123", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			token, ok := bearerToken(req)
			if ok != tt.wantOK || token != tt.wantToken {
				t.Errorf("bearerToken() = (%q, %v), want (%q, %v)", token, ok, tt.wantToken, tt.wantOK)
			}
		})
	}
}

func TestRequireToken(t *testing.T) {
	svc := newTestService(t)
	token, _, err := svc.Issue("grafana", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	var subject string
	h := RequireToken(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c := ClaimsFromContext(r.Context()); c != nil {
			subject = c.Subject
		}
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("missing", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", w.Code)
		}
		if w.Header().Get("WWW-Authenticate") == "" {
			t.Error("expected WWW-Authenticate header")
		}
	})

	t.Run("valid", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", w.Code)
		}
		if subject != "grafana" {
			t.Errorf("claims subject = %q, want grafana", subject)
		}
	})
}
