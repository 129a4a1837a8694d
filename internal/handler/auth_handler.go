// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/santhai/internal/auth"
	"github.com/hitoshi/santhai/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Signup(ctx context.Context, email, password string) (*auth.SignupResult, error)
	Login(ctx context.Context, email, password string) (*auth.OTPChallenge, error)
	VerifyOTP(ctx context.Context, email, code string) (*auth.AuthResult, error)
	ResendOTP(ctx context.Context, email string) (*auth.OTPChallenge, error)
	GoogleSignIn(ctx context.Context, credential string) (*auth.AuthResult, error)
	GetUser(ctx context.Context, userID int64) (*model.User, error)
}

var _ AuthServiceInterface = (*auth.Service)(nil)

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface) *AuthHandler {
	return &AuthHandler{service: service}
}

type signupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type verifyOTPRequest struct {
	Email   string `json:"email"`
	OTPCode string `json:"otp_code"`
}

type resendOTPRequest struct {
	Email string `json:"email"`
}

type googleRequest struct {
	Credential string `json:"credential"`
}

type signupResponse struct {
	Message string `json:"message"`
	Email   string `json:"email"`
}

// otpChallengeResponse はOTP入力を要求するレスポンス。
type otpChallengeResponse struct {
	Message     string `json:"message"`
	Email       string `json:"email"`
	RequiresOTP bool   `json:"requires_otp"`
}

// userResponse はユーザー情報のAPIレスポンス。
type userResponse struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	CreatedAt    time.Time `json:"created_at"`
	AuthProvider string    `json:"auth_provider"`
}

type tokenResponse struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	ExpiresAt   time.Time    `json:"expires_at"`
	User        userResponse `json:"user"`
}

// Signup はユーザー登録を処理する。
// POST /api/auth/signup
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.Signup(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, signupResponse{Message: result.Message, Email: result.Email})
}

// Login はパスワードを検証し、OTPをメールで送信する。
// POST /api/auth/login（form: username, password）
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	form, ok := decodeForm(w, r)
	if !ok {
		return
	}

	challenge, err := h.service.Login(r.Context(), form.Get("username"), form.Get("password"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toOTPChallengeResponse(challenge))
}

// VerifyOTP はOTPを検証し、アクセストークンを発行する。
// POST /api/auth/verify-otp
func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.VerifyOTP(r.Context(), req.Email, req.OTPCode)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toTokenResponse(result))
}

// ResendOTP はOTPを再発行する。
// POST /api/auth/resend-otp
func (h *AuthHandler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	var req resendOTPRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	challenge, err := h.service.ResendOTP(r.Context(), req.Email)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toOTPChallengeResponse(challenge))
}

// Google はGoogle IDトークンでサインインする。OTPは要求しない。
// POST /api/auth/google
func (h *AuthHandler) Google(w http.ResponseWriter, r *http.Request) {
	var req googleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.GoogleSignIn(r.Context(), req.Credential)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toTokenResponse(result))
}

// Me は認証済みユーザーの情報を返す。
// GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	user, err := h.service.GetUser(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(user))
}

func toOTPChallengeResponse(c *auth.OTPChallenge) otpChallengeResponse {
	return otpChallengeResponse{Message: c.Message, Email: c.Email, RequiresOTP: true}
}

func toTokenResponse(result *auth.AuthResult) tokenResponse {
	return tokenResponse{
		AccessToken: result.AccessToken,
		TokenType:   result.TokenType,
		ExpiresAt:   result.ExpiresAt,
		User:        toUserResponse(result.User),
	}
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:           u.ID,
		Email:        u.Email,
		CreatedAt:    u.CreatedAt,
		AuthProvider: string(u.AuthProvider),
	}
}
