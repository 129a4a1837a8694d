package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/santhai/internal/model"
)

// mockAuthenticator はTokenAuthenticatorのテスト用モック。
type mockAuthenticator struct {
	authenticateFn func(ctx context.Context, token string) (int64, error)
}

func (m *mockAuthenticator) Authenticate(ctx context.Context, token string) (int64, error) {
	return m.authenticateFn(ctx, token)
}

func validTokenAuthenticator() *mockAuthenticator {
	return &mockAuthenticator{
		authenticateFn: func(_ context.Context, token string) (int64, error) {
			if token == "valid-token" {
				return 42, nil
			}
			return 0, model.NewUnauthorizedError()
		},
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	var captured int64
	handler := NewAuthMiddleware(validTokenAuthenticator())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/products/my", nil)
	req.Header.Set("Authorization", "Bearer valid-token")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if captured != 42 {
		t.Errorf("userID = %d, want %d", captured, 42)
	}
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"wrong scheme", "Basic dXNlcjpwYXNz"},
		{"empty token", "Bearer "},
		{"invalid token", "Bearer forged"},
		{"no separator", "Bearervalid-token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := NewAuthMiddleware(validTokenAuthenticator())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/products/my", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
			if called {
				t.Error("next handler should not be called")
			}
			if got := w.Header().Get("WWW-Authenticate"); got != "Bearer" {
				t.Errorf("WWW-Authenticate = %q, want %q", got, "Bearer")
			}

			var body ErrorResponseBody
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode response body: %v", err)
			}
			if body.Detail != "Could not validate credentials" {
				t.Errorf("detail = %q, want %q", body.Detail, "Could not validate credentials")
			}
		})
	}
}

func TestAuthMiddleware_BackendErrorIsUnauthorized(t *testing.T) {
	auth := &mockAuthenticator{
		authenticateFn: func(context.Context, string) (int64, error) {
			return 0, errors.New("db down")
		},
	}
	handler := NewAuthMiddleware(auth)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("next handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer token")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestBearerToken_CaseInsensitiveScheme(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer  abc.def.ghi ")

	token, ok := BearerToken(req)
	if !ok || token != "abc.def.ghi" {
		t.Errorf("BearerToken() = %q, %v, want %q, true", token, ok, "abc.def.ghi")
	}
}

func TestUserIDFromContext(t *testing.T) {
	if _, ok := UserIDFromContext(context.Background()); ok {
		t.Error("empty context should not contain a user id")
	}

	ctx := ContextWithUserID(context.Background(), 7)
	if got, ok := UserIDFromContext(ctx); !ok || got != 7 {
		t.Errorf("UserIDFromContext() = %d, %v, want 7, true", got, ok)
	}
}
