package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

const testAccessToken = "test-access-token"

// fakeAuthServer は認証APIの最小限のフェイク。
type fakeAuthServer struct {
	verifyCalls int32
	signupCalls int32
	resendCalls int32
}

func (f *fakeAuthServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/signup":
			atomic.AddInt32(&f.signupCalls, 1)
			writeJSON(w, http.StatusCreated, map[string]any{
				"message": "Account created successfully. Please login to continue.",
				"email":   "user@example.com",
			})
		case "/api/auth/login":
			if err := r.ParseForm(); err != nil {
				t.Fatal(err)
			}
			if r.PostForm.Get("password") != "secret1" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "Incorrect email or password"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"message":      "Verification code sent to your email",
				"email":        r.PostForm.Get("username"),
				"requires_otp": true,
			})
		case "/api/auth/resend-otp":
			atomic.AddInt32(&f.resendCalls, 1)
			writeJSON(w, http.StatusOK, map[string]any{"message": "resent", "email": "user@example.com", "requires_otp": true})
		case "/api/auth/verify-otp":
			atomic.AddInt32(&f.verifyCalls, 1)
			var body map[string]string
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body["otp_code"] != "123456" {
				writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "Invalid verification code"})
				return
			}
			writeAuth(w)
		case "/api/auth/google":
			writeAuth(w)
		case "/api/auth/me":
			if r.Header.Get("Authorization") != "Bearer "+testAccessToken {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "Not authenticated"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"id":            7,
				"email":         "user@example.com",
				"auth_provider": "password",
				"created_at":    "2026-01-02T03:04:05Z",
			})
		default:
			http.NotFound(w, r)
		}
	}
}

func writeAuth(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": testAccessToken,
		"token_type":   "bearer",
		"expires_at":   "2099-01-01T00:00:00Z",
		"user": map[string]any{
			"id":            7,
			"email":         "user@example.com",
			"auth_provider": "password",
			"created_at":    "2026-01-02T03:04:05Z",
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func startFakeAuthServer(t *testing.T) (*fakeAuthServer, string) {
	t.Helper()
	fake := &fakeAuthServer{}
	server := httptest.NewServer(fake.handler(t))
	t.Cleanup(server.Close)
	return fake, server.URL
}

func readSavedToken(t *testing.T, dir string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "auth-storage.json"))
	if err != nil {
		t.Fatalf("failed to read state file: %v", err)
	}
	var saved struct {
		State struct {
			Token string `json:"token"`
		} `json:"state"`
	}
	if err := json.Unmarshal(data, &saved); err != nil {
		t.Fatalf("failed to decode state file: %v", err)
	}
	return saved.State.Token
}

func TestRunLogin_PasswordAndOTP(t *testing.T) {
	fake, baseURL := startFakeAuthServer(t)
	dir := t.TempDir()

	// 1回目はパスワード誤り、2回目で成功。コードも1回目は誤り
	in := strings.NewReader("user@example.com\nwrong-pass\nuser@example.com\nsecret1\n654321\n123456\n")
	var out bytes.Buffer

	err := runLogin(context.Background(), in, &out, []string{"-api", baseURL, "-state-dir", dir})
	if err != nil {
		t.Fatalf("runLogin() error = %v\noutput: %s", err, out.String())
	}

	output := out.String()
	for _, want := range []string{
		"Incorrect email or password",
		"Verification code sent to your email",
		"Invalid verification code",
		"Logged in as user@example.com (password)",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output should contain %q, got:\n%s", want, output)
		}
	}
	if got := atomic.LoadInt32(&fake.verifyCalls); got != 2 {
		t.Errorf("verify calls = %d, want 2", got)
	}
	if got := readSavedToken(t, dir); got != testAccessToken {
		t.Errorf("saved token = %q, want %q", got, testAccessToken)
	}
}

func TestRunLogin_ShortCodeIsNotSent(t *testing.T) {
	fake, baseURL := startFakeAuthServer(t)
	dir := t.TempDir()

	in := strings.NewReader("user@example.com\nsecret1\n123\n123456\n")
	var out bytes.Buffer

	if err := runLogin(context.Background(), in, &out, []string{"-api", baseURL, "-state-dir", dir}); err != nil {
		t.Fatalf("runLogin() error = %v", err)
	}
	if got := atomic.LoadInt32(&fake.verifyCalls); got != 1 {
		t.Errorf("verify calls = %d, want 1", got)
	}
}

func TestRunLogin_ResendDuringCooldown(t *testing.T) {
	fake, baseURL := startFakeAuthServer(t)
	dir := t.TempDir()

	in := strings.NewReader("user@example.com\nsecret1\nr\n123456\n")
	var out bytes.Buffer

	if err := runLogin(context.Background(), in, &out, []string{"-api", baseURL, "-state-dir", dir}); err != nil {
		t.Fatalf("runLogin() error = %v", err)
	}
	if !strings.Contains(out.String(), "Resend available in") {
		t.Errorf("output should mention the cooldown, got:\n%s", out.String())
	}
	if got := atomic.LoadInt32(&fake.resendCalls); got != 0 {
		t.Errorf("resend calls = %d, want 0", got)
	}
}

func TestRunLogin_SignupThenLogin(t *testing.T) {
	fake, baseURL := startFakeAuthServer(t)
	dir := t.TempDir()

	// 確認用パスワードの不一致はリクエストを送らない
	in := strings.NewReader(strings.Join([]string{
		"user@example.com", "secret1", "secret2",
		"user@example.com", "secret1", "secret1",
		"user@example.com", "secret1", "123456",
	}, "\n") + "\n")
	var out bytes.Buffer

	err := runLogin(context.Background(), in, &out, []string{"-api", baseURL, "-state-dir", dir, "-signup"})
	if err != nil {
		t.Fatalf("runLogin() error = %v\noutput: %s", err, out.String())
	}
	if got := atomic.LoadInt32(&fake.signupCalls); got != 1 {
		t.Errorf("signup calls = %d, want 1", got)
	}
	if !strings.Contains(out.String(), "Passwords do not match") {
		t.Errorf("output should contain the mismatch message, got:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "Account created successfully") {
		t.Errorf("output should contain the signup message, got:\n%s", out.String())
	}
}

func TestRunLogin_Google(t *testing.T) {
	fake, baseURL := startFakeAuthServer(t)
	dir := t.TempDir()

	var out bytes.Buffer
	err := runLogin(context.Background(), strings.NewReader(""), &out,
		[]string{"-api", baseURL, "-state-dir", dir, "-google", "google-credential"})
	if err != nil {
		t.Fatalf("runLogin() error = %v", err)
	}
	if got := atomic.LoadInt32(&fake.verifyCalls); got != 0 {
		t.Errorf("verify calls = %d, want 0", got)
	}
	if got := readSavedToken(t, dir); got != testAccessToken {
		t.Errorf("saved token = %q, want %q", got, testAccessToken)
	}
}

func TestRunLogin_Logout(t *testing.T) {
	_, baseURL := startFakeAuthServer(t)
	dir := t.TempDir()

	var out bytes.Buffer
	if err := runLogin(context.Background(), strings.NewReader(""), &out,
		[]string{"-api", baseURL, "-state-dir", dir, "-google", "google-credential"}); err != nil {
		t.Fatalf("runLogin() error = %v", err)
	}

	out.Reset()
	if err := runLogin(context.Background(), strings.NewReader(""), &out, []string{"-state-dir", dir, "-logout"}); err != nil {
		t.Fatalf("runLogin(-logout) error = %v", err)
	}
	if got := readSavedToken(t, dir); got != "" {
		t.Errorf("saved token = %q, want empty", got)
	}
}

func TestRunLogin_InputEnds(t *testing.T) {
	_, baseURL := startFakeAuthServer(t)

	var out bytes.Buffer
	err := runLogin(context.Background(), strings.NewReader("user@example.com\n"), &out,
		[]string{"-api", baseURL, "-state-dir", t.TempDir()})
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("runLogin() error = %v, want %v", err, io.ErrUnexpectedEOF)
	}
}

func TestRunLogin_InvalidAPIURL(t *testing.T) {
	var out bytes.Buffer
	err := runLogin(context.Background(), strings.NewReader(""), &out,
		[]string{"-api", "ftp://example.com", "-state-dir", t.TempDir()})
	if err == nil {
		t.Fatal("runLogin() with a non-http url should return error")
	}
}

func TestParseLoginFlags(t *testing.T) {
	t.Setenv("SANTHAI_API_URL", "https://api.example.com")

	var out bytes.Buffer
	opts, err := parseLoginFlags([]string{"-state-dir", "/tmp/santhai-test", "-signup"}, &out)
	if err != nil {
		t.Fatalf("parseLoginFlags() error = %v", err)
	}
	if opts.apiURL != "https://api.example.com" {
		t.Errorf("apiURL = %q, want %q", opts.apiURL, "https://api.example.com")
	}
	if opts.stateDir != "/tmp/santhai-test" {
		t.Errorf("stateDir = %q, want %q", opts.stateDir, "/tmp/santhai-test")
	}
	if !opts.signup || opts.logout || opts.google != "" {
		t.Errorf("opts = %+v, want signup only", opts)
	}
}

func TestRunLogin_HelpIsNotAnError(t *testing.T) {
	var out bytes.Buffer
	if err := runLogin(context.Background(), strings.NewReader(""), &out, []string{"-h"}); err != nil {
		t.Errorf("runLogin(-h) error = %v", err)
	}
	if !strings.Contains(out.String(), "-api") {
		t.Errorf("usage should list the -api flag, got:\n%s", out.String())
	}
}
