package model

import (
	"fmt"
	"time"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
// Messageはクライアントがそのまま表示する文言（レスポンスのdetailにも入る）。
type APIError struct {
	Code       string        // エラーコード
	Message    string        // エラーメッセージ
	Category   string        // カテゴリ: auth, validation, product, template, system
	Action     string        // ユーザー向け対処方法
	RetryAfter time.Duration // 0より大きい場合はRetry-Afterヘッダーを付与する
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeEmailRegistered    = "EMAIL_ALREADY_REGISTERED"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeGoogleAccount      = "GOOGLE_ACCOUNT"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
	ErrCodeInvalidOTP         = "INVALID_OTP"
	ErrCodeOTPLocked          = "OTP_LOCKED"
	ErrCodeOTPCooldown        = "OTP_COOLDOWN"
	ErrCodeInvalidGoogleToken = "INVALID_GOOGLE_TOKEN"
	ErrCodeGoogleNoEmail      = "GOOGLE_NO_EMAIL"
	ErrCodeGoogleDisabled     = "GOOGLE_SIGNIN_DISABLED"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeProductNotFound    = "PRODUCT_NOT_FOUND"
	ErrCodeProductForbidden   = "PRODUCT_FORBIDDEN"
	ErrCodeTemplateNotFound   = "TEMPLATE_NOT_FOUND"
	ErrCodeTemplateBadRequest = "TEMPLATE_BAD_REQUEST"
	ErrCodeUpstreamRateLimit  = "UPSTREAM_RATE_LIMIT"
	ErrCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  message,
		Category: "validation",
		Action:   "Check the highlighted fields and try again.",
	}
}

// NewEmailAlreadyRegisteredError は登録済みメールアドレスでのサインアップエラーを生成する。
func NewEmailAlreadyRegisteredError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailRegistered,
		Message:  "Email already registered",
		Category: "auth",
		Action:   "Log in with this email, or sign up with a different address.",
	}
}

// NewInvalidCredentialsError は認証情報不一致エラーを生成する。
// メールアドレスとパスワードのどちらが誤っているかは明かさない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "Incorrect email or password",
		Category: "auth",
		Action:   "Check your email and password and try again.",
	}
}

// NewGoogleAccountError はGoogle専用アカウントでのパスワードログインエラーを生成する。
func NewGoogleAccountError() *APIError {
	return &APIError{
		Code:     ErrCodeGoogleAccount,
		Message:  "This account uses Google Sign-In. Please login with Google.",
		Category: "auth",
		Action:   "Use the Google Sign-In button.",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "User not found",
		Category: "auth",
		Action:   "Sign up first, or check the email address.",
	}
}

// NewInvalidOTPError は認証コードの不一致、期限切れ、未発行のエラーを生成する。
func NewInvalidOTPError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidOTP,
		Message:  "Invalid or expired verification code",
		Category: "auth",
		Action:   "Check the code in your email, or request a new one.",
	}
}

// NewOTPLockedError は試行回数超過でコードが無効化された場合のエラーを生成する。
func NewOTPLockedError() *APIError {
	return &APIError{
		Code:     ErrCodeOTPLocked,
		Message:  "Too many failed attempts. Please request a new code.",
		Category: "auth",
		Action:   "Request a new verification code.",
	}
}

// NewOTPCooldownError は再送クールダウン中のエラーを生成する。
func NewOTPCooldownError(retryAfter time.Duration) *APIError {
	secs := int(retryAfter.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return &APIError{
		Code:       ErrCodeOTPCooldown,
		Message:    fmt.Sprintf("Please wait %d seconds before requesting a new code.", secs),
		Category:   "auth",
		Action:     "Wait for the countdown to finish and try again.",
		RetryAfter: time.Duration(secs) * time.Second,
	}
}

// NewInvalidGoogleTokenError はGoogle IDトークンの検証失敗エラーを生成する。
func NewInvalidGoogleTokenError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidGoogleToken,
		Message:  fmt.Sprintf("Invalid Google token: %s", reason),
		Category: "auth",
		Action:   "Try signing in with Google again.",
	}
}

// NewGoogleNoEmailError はGoogleアカウントからメールアドレスを取得できない場合のエラーを生成する。
func NewGoogleNoEmailError() *APIError {
	return &APIError{
		Code:     ErrCodeGoogleNoEmail,
		Message:  "Could not get email from Google account",
		Category: "auth",
		Action:   "Allow email access for this app in your Google account.",
	}
}

// NewGoogleDisabledError はGoogle Sign-Inが未設定の場合のエラーを生成する。
func NewGoogleDisabledError() *APIError {
	return &APIError{
		Code:     ErrCodeGoogleDisabled,
		Message:  "Google Sign-In is not configured",
		Category: "auth",
		Action:   "Log in with email and password.",
	}
}

// NewUnauthorizedError はトークン未指定、無効、期限切れのエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Could not validate credentials",
		Category: "auth",
		Action:   "Log in again.",
	}
}

// NewProductNotFoundError はプロダクト未検出エラーを生成する。
func NewProductNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeProductNotFound,
		Message:  "Product not found",
		Category: "product",
		Action:   "Check the product ID.",
	}
}

// NewProductForbiddenError は作成者以外による変更操作のエラーを生成する。
// actionには "update" または "delete" を指定する。
func NewProductForbiddenError(action string) *APIError {
	return &APIError{
		Code:     ErrCodeProductForbidden,
		Message:  fmt.Sprintf("Not authorized to %s this product", action),
		Category: "product",
		Action:   "Only the creator of a product can change it.",
	}
}

// NewTemplateNotFoundError はテンプレートのパス未検出エラーを生成する。
func NewTemplateNotFoundError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeTemplateNotFound,
		Message:  message,
		Category: "template",
		Action:   "Select a file from the tree, or trigger a sync.",
	}
}

// NewTemplateBadRequestError はテンプレート参照の不正リクエストエラーを生成する。
func NewTemplateBadRequestError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeTemplateBadRequest,
		Message:  message,
		Category: "template",
		Action:   "Select a different file.",
	}
}

// NewUpstreamRateLimitError はGitHub APIのレート制限エラーを生成する。
func NewUpstreamRateLimitError() *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamRateLimit,
		Message:  "GitHub API rate limit exceeded. Try again later.",
		Category: "template",
		Action:   "Wait a while and sync again.",
	}
}

// NewRateLimitExceededError はこのAPI自身のレート制限エラーを生成する。
func NewRateLimitExceededError(retryAfter time.Duration) *APIError {
	return &APIError{
		Code:       ErrCodeRateLimitExceeded,
		Message:    "Too many requests. Please try again later.",
		Category:   "system",
		Action:     "Please wait and retry after the specified time.",
		RetryAfter: retryAfter,
	}
}

// NewInternalError は原因を伏せた内部エラーを生成する。詳細はログにのみ残す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "An internal error occurred.",
		Category: "system",
		Action:   "Please wait a moment and try again.",
	}
}
