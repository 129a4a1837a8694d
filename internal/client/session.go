package client

import (
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrEmptyToken は空のトークンでSetAuthが呼ばれた場合のエラー。
var ErrEmptyToken = errors.New("client: empty token")

// Session はStoreを境界とする認証状態のコンテナ。
// 状態はメモリに保持せず、参照のたびにStoreから読み直す。
type Session struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewSession はSessionを生成する。loggerがnilの場合はslog.Default()を使う。
func NewSession(store Store, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{store: store, logger: logger, now: time.Now}
}

// State は永続化された状態を読み込んで返す。
// IsAuthenticatedはトークンの有無と期限から再計算する。
// 読み込みに失敗した場合は未認証として扱う。
func (s *Session) State() State {
	st, err := s.store.Load()
	if err != nil {
		s.logger.Warn("failed to load auth state", slog.String("error", err.Error()))
		return State{}
	}
	st.IsAuthenticated = st.Token != "" && !tokenExpired(st.Token, s.now())
	return st
}

// SetAuth は認証済み状態を保存する。
func (s *Session) SetAuth(user *User, token string) error {
	if token == "" {
		return ErrEmptyToken
	}
	return s.store.Save(State{User: user, Token: token, IsAuthenticated: true})
}

// Logout は状態をクリアして保存する。何度呼んでもよい。
func (s *Session) Logout() error {
	return s.store.Save(State{})
}

// IsAuthenticated は認証済みかを返す。
func (s *Session) IsAuthenticated() bool {
	return s.State().IsAuthenticated
}

// Token は送信に使うトークンを返す。未認証の場合は空文字列。
func (s *Session) Token() string {
	st := s.State()
	if !st.IsAuthenticated {
		return ""
	}
	return st.Token
}

// User はトークン発行時点のユーザー情報を返す。
func (s *Session) User() *User {
	return s.State().User
}

// tokenExpired はトークンにexpが読み取れ、それが過去であればtrueを返す。
// 署名は検証しない。期限切れのトークンを送らないためだけに使う。
func tokenExpired(token string, now time.Time) bool {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !now.Before(claims.ExpiresAt.Time)
}
