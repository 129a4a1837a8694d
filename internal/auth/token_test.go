package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hitoshi/santhai/internal/model"
)

func TestTokenIssuer_IssueAndParse(t *testing.T) {
	issuer := NewTokenIssuer(testSecret, time.Hour)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	issuer.now = func() time.Time { return now }

	token, expiresAt, err := issuer.Issue(&model.User{ID: 42, Email: "a@example.com"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if !expiresAt.Equal(now.Add(time.Hour)) {
		t.Errorf("expiresAt = %v, want %v", expiresAt, now.Add(time.Hour))
	}

	userID, err := issuer.Parse(token)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if userID != 42 {
		t.Errorf("userID = %d, want %d", userID, 42)
	}
}

func TestTokenIssuer_Parse_Rejects(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	issuer := NewTokenIssuer(testSecret, time.Hour)
	issuer.now = func() time.Time { return now }

	valid, _, _ := issuer.Issue(&model.User{ID: 1})

	other := NewTokenIssuer("another-secret-another-secret-xx", time.Hour)
	other.now = issuer.now
	foreign, _, _ := other.Issue(&model.User{ID: 1})

	noneToken, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "1",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "1",
	}).SignedString([]byte(testSecret))

	badSub, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString([]byte(testSecret))

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "abc.def.ghi"},
		{"wrong secret", foreign},
		{"alg none", noneToken},
		{"missing exp", noExp},
		{"non numeric sub", badSub},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := issuer.Parse(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Parse() error = %v, want %v", err, ErrInvalidToken)
			}
		})
	}

	if _, err := issuer.Parse(valid); err != nil {
		t.Errorf("Parse(valid) error = %v", err)
	}
}

func TestTokenIssuer_Parse_Expired(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	issuer := NewTokenIssuer(testSecret, time.Hour)
	issuer.now = func() time.Time { return now }

	token, _, _ := issuer.Issue(&model.User{ID: 1})

	now = now.Add(time.Hour + time.Second)
	if _, err := issuer.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Parse(expired) error = %v, want %v", err, ErrInvalidToken)
	}
}
