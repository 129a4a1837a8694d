package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/api/idtoken"
	"google.golang.org/api/option"
)

var (
	// ErrInvalidGoogleToken はGoogle IDトークンの検証に失敗した場合のエラー。
	ErrInvalidGoogleToken = errors.New("invalid google token")
	// ErrGoogleNoEmail はIDトークンにメールアドレスが含まれない場合のエラー。
	ErrGoogleNoEmail = errors.New("google account has no email")
)

// GoogleIdentity はGoogle IDトークンから取り出した本人情報。
type GoogleIdentity struct {
	Subject string
	Email   string
}

// IdentityVerifier は外部IdPのIDトークンを検証するインターフェース。
type IdentityVerifier interface {
	// Verify はIDトークンを検証し、確認済みの本人情報を返す。
	Verify(ctx context.Context, credential string) (*GoogleIdentity, error)
}

// tokenValidator はidtoken.Validatorの検証メソッド。テストで差し替える。
type tokenValidator interface {
	Validate(ctx context.Context, idToken string, audience string) (*idtoken.Payload, error)
}

// GoogleIDTokenVerifier はGoogle Sign-Inが発行したIDトークンを検証する。
// 署名はGoogleの公開鍵で、audienceはクライアントIDで検証する。
type GoogleIDTokenVerifier struct {
	clientID  string
	validator tokenValidator
}

// NewGoogleIDTokenVerifier はGoogleIDTokenVerifierを生成する。
// httpClientがnilの場合は既定のクライアントで公開鍵を取得する。
func NewGoogleIDTokenVerifier(ctx context.Context, clientID string, httpClient *http.Client) (*GoogleIDTokenVerifier, error) {
	var opts []option.ClientOption
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	v, err := idtoken.NewValidator(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create id token validator: %w", err)
	}
	return &GoogleIDTokenVerifier{clientID: clientID, validator: v}, nil
}

// Verify はIDトークンを検証し、Googleアカウントのsubとメールアドレスを返す。
// 検証失敗はErrInvalidGoogleToken、メールアドレス欠落はErrGoogleNoEmailでラップする。
func (v *GoogleIDTokenVerifier) Verify(ctx context.Context, credential string) (*GoogleIdentity, error) {
	if strings.TrimSpace(credential) == "" {
		return nil, fmt.Errorf("%w: credential is empty", ErrInvalidGoogleToken)
	}

	payload, err := v.validator.Validate(ctx, credential, v.clientID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGoogleToken, err)
	}

	email, _ := payload.Claims["email"].(string)
	if email == "" {
		return nil, ErrGoogleNoEmail
	}
	if !claimTrue(payload.Claims["email_verified"]) {
		return nil, fmt.Errorf("%w: email is not verified", ErrInvalidGoogleToken)
	}

	return &GoogleIdentity{Subject: payload.Subject, Email: email}, nil
}

// claimTrue はbool、または文字列"true"のクレームを真と判定する。
func claimTrue(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true")
	default:
		return false
	}
}

// compile-time interface check
var _ IdentityVerifier = (*GoogleIDTokenVerifier)(nil)
