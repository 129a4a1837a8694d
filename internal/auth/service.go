// Package auth はメールOTPとGoogle Sign-Inによる認証フロー、セッショントークンの発行と検証を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/santhai/internal/metrics"
	"github.com/hitoshi/santhai/internal/model"
	"github.com/hitoshi/santhai/internal/repository"
)

// レスポンスに含める固定メッセージ。
const (
	MessageSignupSucceeded = "Account created successfully. Please login to continue."
	MessageOTPSent         = "Verification code sent to your email"
	MessageOTPResent       = "Verification code resent to your email"
)

// OTPSender はワンタイムコードをメールで送信するインターフェース。
type OTPSender interface {
	SendOTP(ctx context.Context, email, code string, ttl time.Duration) error
}

// KeyLimiter はキー（メールアドレス）単位のレート制限インターフェース。
// Takeは枯渇時にトークンを消費せず、次のトークンまでの待ち時間を返す。
type KeyLimiter interface {
	Take(key string) (wait time.Duration, ok bool)
}

// SignupResult はサインアップ成功時の結果。トークンは発行しない。
type SignupResult struct {
	Message string
	Email   string
}

// OTPChallenge はOTP入力を要求する結果。
type OTPChallenge struct {
	Message string
	Email   string
}

// AuthResult はセッション確立時の結果。
type AuthResult struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
	User        *model.User
}

// ServiceDeps は認証サービスが利用する外部コンポーネント。
// GoogleがnilのときはGoogle Sign-Inを無効とする。
// ResendLimiterとMetricsは省略可能。
type ServiceDeps struct {
	Users         repository.UserRepository
	OTPs          repository.OTPStore
	Sender        OTPSender
	Tokens        *TokenIssuer
	Google        IdentityVerifier
	ResendLimiter KeyLimiter
	Metrics       metrics.MetricsCollector
	Logger        *slog.Logger
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	OTP        OTPPolicy
	BcryptCost int // 0の場合はbcrypt.DefaultCost
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	users         repository.UserRepository
	otps          repository.OTPStore
	sender        OTPSender
	tokens        *TokenIssuer
	google        IdentityVerifier
	resendLimiter KeyLimiter
	metrics       metrics.MetricsCollector
	logger        *slog.Logger
	config        ServiceConfig
	now           func() time.Time

	// 未登録メールアドレスでもbcrypt比較を行い、応答時間の差を小さくする
	dummyHashOnce sync.Once
	dummyHash     string
}

// NewService はServiceを生成する。
func NewService(deps ServiceDeps, config ServiceConfig) *Service {
	m := deps.Metrics
	if m == nil {
		m = metrics.Nop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		users:         deps.Users,
		otps:          deps.OTPs,
		sender:        deps.Sender,
		tokens:        deps.Tokens,
		google:        deps.Google,
		resendLimiter: deps.ResendLimiter,
		metrics:       m,
		logger:        logger,
		config:        config,
		now:           time.Now,
	}
}

// Signup はメールアドレスとパスワードでユーザーを登録する。
// 登録後はログイン（OTP認証）が必要なため、トークンは発行しない。
func (s *Service) Signup(ctx context.Context, email, password string) (*SignupResult, error) {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		s.metrics.RecordAuthEvent("signup", "invalid_input")
		return nil, model.NewValidationError("Invalid email address")
	}
	if err := ValidatePassword(password); err != nil {
		s.metrics.RecordAuthEvent("signup", "invalid_input")
		return nil, model.NewValidationError(passwordMessage(err))
	}

	existing, err := s.users.FindByEmail(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if existing != nil {
		s.metrics.RecordAuthEvent("signup", "duplicate")
		return nil, model.NewEmailAlreadyRegisteredError()
	}

	hash, err := HashPassword(password, s.config.BcryptCost)
	if err != nil {
		return nil, err
	}

	user := &model.User{
		Email:          normalized,
		HashedPassword: hash,
		AuthProvider:   model.AuthProviderPassword,
	}
	if err := s.users.Create(ctx, user); err != nil {
		// 同時登録でユニーク制約に当たった場合
		if errors.Is(err, repository.ErrDuplicateEmail) {
			s.metrics.RecordAuthEvent("signup", "duplicate")
			return nil, model.NewEmailAlreadyRegisteredError()
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.metrics.RecordAuthEvent("signup", "success")
	s.logger.Info("user signed up",
		slog.Int64("user_id", user.ID),
		slog.String("auth_provider", string(user.AuthProvider)),
	)

	return &SignupResult{Message: MessageSignupSucceeded, Email: user.Email}, nil
}

// Login はメールアドレスとパスワードを検証し、ワンタイムコードを発行する。
// 未登録とパスワード不一致は同じエラーを返し、どちらが誤りかは明かさない。
func (s *Service) Login(ctx context.Context, email, password string) (*OTPChallenge, error) {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		s.metrics.RecordAuthEvent("login", "invalid_credentials")
		return nil, model.NewInvalidCredentialsError()
	}

	user, err := s.users.FindByEmail(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		CheckPassword(s.timingHash(), password)
		s.metrics.RecordAuthEvent("login", "invalid_credentials")
		return nil, model.NewInvalidCredentialsError()
	}
	if !user.HasPassword() {
		s.metrics.RecordAuthEvent("login", "google_account")
		return nil, model.NewGoogleAccountError()
	}
	if !CheckPassword(user.HashedPassword, password) {
		s.metrics.RecordAuthEvent("login", "invalid_credentials")
		return nil, model.NewInvalidCredentialsError()
	}

	// パスワードを確認済みのためクールダウンは適用しない（レート制限のみ）
	if err := s.issueOTP(ctx, user.Email, false); err != nil {
		return nil, err
	}

	s.metrics.RecordAuthEvent("login", "otp_sent")
	return &OTPChallenge{Message: MessageOTPSent, Email: user.Email}, nil
}

// VerifyOTP はワンタイムコードを照合し、一致した場合はセッショントークンを発行する。
// 照合と消費はストア内で原子的に行われ、再発行で置き換えられたコードは一致しない。
func (s *Service) VerifyOTP(ctx context.Context, email, code string) (*AuthResult, error) {
	user, err := s.findUserForOTP(ctx, email)
	if err != nil {
		return nil, err
	}

	if err := validateCode(code); err != nil {
		s.metrics.RecordAuthEvent("verify", "invalid_otp")
		return nil, model.NewInvalidOTPError()
	}

	now := s.now()
	outcome, err := s.otps.Verify(ctx, user.Email, model.OTPPurposeLogin, s.config.OTP.checker(user.Email, code, now))
	if err != nil {
		return nil, fmt.Errorf("failed to verify otp: %w", err)
	}
	s.metrics.RecordOTPVerification(outcome.String())

	switch outcome {
	case repository.OTPMatched:
	case repository.OTPLocked:
		s.metrics.RecordAuthEvent("verify", "locked")
		s.logger.Warn("otp locked after too many failed attempts", slog.Int64("user_id", user.ID))
		return nil, model.NewOTPLockedError()
	default:
		s.metrics.RecordAuthEvent("verify", "invalid_otp")
		return nil, model.NewInvalidOTPError()
	}

	result, err := s.issueSession(user)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordAuthEvent("verify", "success")
	s.logger.Info("user logged in", slog.Int64("user_id", user.ID), slog.String("method", "otp"))
	return result, nil
}

// ResendOTP はワンタイムコードを再発行する。
// 直近の発行から再送間隔が経過していない場合は429相当のエラーを返す。
func (s *Service) ResendOTP(ctx context.Context, email string) (*OTPChallenge, error) {
	user, err := s.findUserForOTP(ctx, email)
	if err != nil {
		return nil, err
	}

	if err := s.issueOTP(ctx, user.Email, true); err != nil {
		return nil, err
	}

	s.metrics.RecordAuthEvent("resend", "otp_sent")
	return &OTPChallenge{Message: MessageOTPResent, Email: user.Email}, nil
}

// GoogleSignIn はGoogle IDトークンを検証し、セッショントークンを直接発行する。
// Googleがメールアドレスを確認済みのため、OTPは要求しない。
// 同じメールアドレスのパスワードユーザーが存在する場合はgoogle_idを紐付ける。
func (s *Service) GoogleSignIn(ctx context.Context, credential string) (*AuthResult, error) {
	if s.google == nil {
		return nil, model.NewGoogleDisabledError()
	}

	identity, err := s.google.Verify(ctx, credential)
	if err != nil {
		if errors.Is(err, ErrGoogleNoEmail) {
			s.metrics.RecordAuthEvent("google", "no_email")
			return nil, model.NewGoogleNoEmailError()
		}
		s.metrics.RecordAuthEvent("google", "invalid_token")
		return nil, model.NewInvalidGoogleTokenError(googleErrorReason(err))
	}

	email, err := NormalizeEmail(identity.Email)
	if err != nil {
		s.metrics.RecordAuthEvent("google", "no_email")
		return nil, model.NewGoogleNoEmailError()
	}

	user, err := s.users.FindByGoogleIDOrEmail(ctx, identity.Subject, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	if user == nil {
		user, err = s.createGoogleUser(ctx, identity.Subject, email)
		if err != nil {
			return nil, err
		}
	}
	if user.GoogleID == "" {
		if err := s.users.LinkGoogle(ctx, user.ID, identity.Subject); err != nil {
			return nil, err
		}
		user.GoogleID = identity.Subject
		user.AuthProvider = model.AuthProviderGoogle
		s.logger.Info("google account linked", slog.Int64("user_id", user.ID))
	}

	result, err := s.issueSession(user)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordAuthEvent("google", "success")
	s.logger.Info("user logged in", slog.Int64("user_id", user.ID), slog.String("method", "google"))
	return result, nil
}

// createGoogleUser はGoogleアカウントのユーザーを作成する。
// 同じメールアドレスで同時に初回サインインした別リクエストが先に作成していれば、そのユーザーを返す。
func (s *Service) createGoogleUser(ctx context.Context, googleID, email string) (*model.User, error) {
	user := &model.User{
		Email:        email,
		GoogleID:     googleID,
		AuthProvider: model.AuthProviderGoogle,
	}
	err := s.users.Create(ctx, user)
	if err == nil {
		s.logger.Info("user created via google", slog.Int64("user_id", user.ID))
		return user, nil
	}
	if !errors.Is(err, repository.ErrDuplicateEmail) {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	existing, err := s.users.FindByGoogleIDOrEmail(ctx, googleID, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if existing == nil {
		return nil, fmt.Errorf("user %s not found after duplicate email", email)
	}
	return existing, nil
}

// Authenticate はセッショントークンを検証し、ユーザーIDを返す。
func (s *Service) Authenticate(ctx context.Context, token string) (int64, error) {
	userID, err := s.tokens.Parse(token)
	if err != nil {
		return 0, model.NewUnauthorizedError()
	}
	return userID, nil
}

// GetCurrentUser はセッショントークンに対応するユーザーを返す。
// トークンが有効でもユーザーが削除済みの場合は認証エラーとする。
func (s *Service) GetCurrentUser(ctx context.Context, token string) (*model.User, error) {
	userID, err := s.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, userID)
}

// GetUser は認証済みユーザーIDからユーザーを取得する。
func (s *Service) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUnauthorizedError()
	}
	return user, nil
}

// findUserForOTP はOTP操作の対象ユーザーを取得する。見つからない場合は404相当のエラーを返す。
func (s *Service) findUserForOTP(ctx context.Context, email string) (*model.User, error) {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return nil, model.NewUserNotFoundError()
	}
	user, err := s.users.FindByEmail(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

// issueOTP はコードを置き換え、メールで送信する。
// enforceCooldownがtrueの場合は直近の発行からの経過時間を確認する。
// 送信失敗はログに残し、呼び出し元には成功を返す（再送で回復できるため）。
func (s *Service) issueOTP(ctx context.Context, email string, enforceCooldown bool) error {
	policy := s.config.OTP
	now := s.now()

	if enforceCooldown {
		current, err := s.otps.Find(ctx, email, model.OTPPurposeLogin)
		if err != nil {
			return fmt.Errorf("failed to find current otp: %w", err)
		}
		if remaining := policy.cooldownRemaining(current, now); remaining > 0 {
			s.metrics.RecordAuthEvent("otp_issue", "cooldown")
			return model.NewOTPCooldownError(remaining)
		}
	}

	// バケットは実際にコードを発行するときだけ消費する
	if s.resendLimiter != nil {
		if wait, ok := s.resendLimiter.Take(email); !ok {
			s.metrics.RecordAuthEvent("otp_issue", "rate_limited")
			return model.NewOTPCooldownError(wait)
		}
	}

	code, otp, err := policy.newPendingOTP(email, model.OTPPurposeLogin, now)
	if err != nil {
		return err
	}
	if err := s.otps.Replace(ctx, otp); err != nil {
		return fmt.Errorf("failed to store otp: %w", err)
	}
	s.metrics.RecordOTPIssued(string(model.OTPPurposeLogin))

	if err := s.sender.SendOTP(ctx, email, code, policy.TTL); err != nil {
		s.logger.Error("failed to send otp email",
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// issueSession はユーザーのセッショントークンを発行する。
func (s *Service) issueSession(user *model.User) (*AuthResult, error) {
	token, expiresAt, err := s.tokens.Issue(user)
	if err != nil {
		return nil, err
	}
	return &AuthResult{
		AccessToken: token,
		TokenType:   TokenType,
		ExpiresAt:   expiresAt,
		User:        user,
	}, nil
}

// timingHash は未登録ユーザーのログイン時に比較に使うダミーハッシュを返す。
func (s *Service) timingHash() string {
	s.dummyHashOnce.Do(func() {
		h, err := HashPassword("santhai-timing-equalizer", s.config.BcryptCost)
		if err == nil {
			s.dummyHash = h
		}
	})
	return s.dummyHash
}

// passwordMessage はパスワード検証エラーをユーザー向けの文言に変換する。
func passwordMessage(err error) string {
	switch {
	case errors.Is(err, ErrPasswordTooLong):
		return fmt.Sprintf("Password must be at most %d bytes", MaxPasswordBytes)
	default:
		return fmt.Sprintf("Password must be at least %d characters", MinPasswordLength)
	}
}

// googleErrorReason はIDトークン検証エラーからレスポンスに含める理由を取り出す。
func googleErrorReason(err error) string {
	return strings.TrimPrefix(err.Error(), ErrInvalidGoogleToken.Error()+": ")
}
