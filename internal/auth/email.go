package auth

import (
	"errors"
	"net/mail"
	"strings"

	"golang.org/x/net/idna"
)

// ErrInvalidEmail はメールアドレスの形式が不正な場合のエラー。
var ErrInvalidEmail = errors.New("invalid email address")

// NormalizeEmail はメールアドレスを検証し、正規化した形式で返す。
// 前後の空白を除去し、ローカル部とドメインを小文字化し、ドメインをIDNAのASCII表記に変換する。
// 表示名付き（"Name <a@b>"）の形式は受け付けない。
func NormalizeEmail(raw string) (string, error) {
	email := strings.TrimSpace(raw)
	if email == "" {
		return "", ErrInvalidEmail
	}

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Name != "" || addr.Address != email {
		return "", ErrInvalidEmail
	}

	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", ErrInvalidEmail
	}
	local, domain := email[:at], email[at+1:]

	asciiDomain, err := idna.Lookup.ToASCII(strings.ToLower(domain))
	if err != nil || !strings.Contains(asciiDomain, ".") {
		return "", ErrInvalidEmail
	}

	return strings.ToLower(local) + "@" + asciiDomain, nil
}
