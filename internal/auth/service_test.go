package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/santhai/internal/model"
	"github.com/hitoshi/santhai/internal/repository"
	"golang.org/x/crypto/bcrypt"
)

// --- モック定義 ---

// fakeUserRepo はメモリ上のユーザーリポジトリ。
type fakeUserRepo struct {
	mu     sync.Mutex
	users  map[int64]*model.User
	nextID int64

	findByEmailFn func(ctx context.Context, email string) (*model.User, error)
	createFn      func(ctx context.Context, user *model.User) error
	linkCalls     int
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[int64]*model.User), nextID: 1}
}

func (r *fakeUserRepo) FindByID(_ context.Context, id int64) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (r *fakeUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	if r.findByEmailFn != nil {
		return r.findByEmailFn(ctx, email)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeUserRepo) FindByGoogleIDOrEmail(_ context.Context, googleID, email string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var byEmail *model.User
	for _, u := range r.users {
		if u.GoogleID != "" && u.GoogleID == googleID {
			cp := *u
			return &cp, nil
		}
		if u.Email == email {
			byEmail = u
		}
	}
	if byEmail != nil {
		cp := *byEmail
		return &cp, nil
	}
	return nil, nil
}

func (r *fakeUserRepo) Create(ctx context.Context, user *model.User) error {
	if r.createFn != nil {
		return r.createFn(ctx, user)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == user.Email {
			return repository.ErrDuplicateEmail
		}
	}
	user.ID = r.nextID
	r.nextID++
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	cp := *user
	r.users[user.ID] = &cp
	return nil
}

func (r *fakeUserRepo) LinkGoogle(_ context.Context, id int64, googleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.linkCalls++
	u, ok := r.users[id]
	if !ok {
		return errors.New("user not found")
	}
	u.GoogleID = googleID
	u.AuthProvider = model.AuthProviderGoogle
	return nil
}

// memOTPStore はミューテックスで照合と消費を直列化するメモリ上のOTPストア。
type memOTPStore struct {
	mu   sync.Mutex
	otps map[string]*model.PendingOTP
}

func newMemOTPStore() *memOTPStore {
	return &memOTPStore{otps: make(map[string]*model.PendingOTP)}
}

func (s *memOTPStore) key(email string, purpose model.OTPPurpose) string {
	return string(purpose) + ":" + email
}

func (s *memOTPStore) Replace(_ context.Context, otp *model.PendingOTP) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *otp
	cp.Attempts = 0
	s.otps[s.key(otp.Email, otp.Purpose)] = &cp
	return nil
}

func (s *memOTPStore) Find(_ context.Context, email string, purpose model.OTPPurpose) (*model.PendingOTP, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if otp, ok := s.otps[s.key(email, purpose)]; ok {
		cp := *otp
		return &cp, nil
	}
	return nil, nil
}

func (s *memOTPStore) Verify(_ context.Context, email string, purpose model.OTPPurpose, check repository.OTPCheckFunc) (repository.OTPOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.key(email, purpose)
	otp, ok := s.otps[k]
	if !ok {
		return repository.OTPNotFound, nil
	}
	cp := *otp
	outcome := check(&cp)
	switch outcome {
	case repository.OTPMatched, repository.OTPLocked, repository.OTPExpired:
		delete(s.otps, k)
	case repository.OTPMismatch:
		otp.Attempts++
	}
	return outcome, nil
}

func (s *memOTPStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, otp := range s.otps {
		if otp.IsExpired(now) {
			delete(s.otps, k)
			n++
		}
	}
	return n, nil
}

// recordingSender は送信したコードを記録するOTPSender。
type recordingSender struct {
	mu    sync.Mutex
	codes map[string][]string
	err   error
}

func newRecordingSender() *recordingSender {
	return &recordingSender{codes: make(map[string][]string)}
}

func (s *recordingSender) SendOTP(_ context.Context, email, code string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[email] = append(s.codes[email], code)
	return s.err
}

func (s *recordingSender) last(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := s.codes[email]
	if len(codes) == 0 {
		return ""
	}
	return codes[len(codes)-1]
}

func (s *recordingSender) count(email string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.codes[email])
}

type mockVerifier struct {
	verifyFn func(ctx context.Context, credential string) (*GoogleIdentity, error)
}

func (m *mockVerifier) Verify(ctx context.Context, credential string) (*GoogleIdentity, error) {
	return m.verifyFn(ctx, credential)
}

type mockLimiter struct {
	takeFn func(key string) (time.Duration, bool)
}

func (m *mockLimiter) Take(key string) (time.Duration, bool) {
	return m.takeFn(key)
}

// countingLimiter はキーごとに固定数のトークンを持つリミッター。補充はしない。
type countingLimiter struct {
	mu     sync.Mutex
	tokens map[string]int
	burst  int
}

func (l *countingLimiter) Take(key string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tokens == nil {
		l.tokens = make(map[string]int)
	}
	used := l.tokens[key]
	if used >= l.burst {
		return 10 * time.Minute, false
	}
	l.tokens[key] = used + 1
	return 0, true
}

// --- compile-time interface checks ---
var (
	_ repository.UserRepository = (*fakeUserRepo)(nil)
	_ repository.OTPStore       = (*memOTPStore)(nil)
	_ OTPSender                 = (*recordingSender)(nil)
	_ IdentityVerifier          = (*mockVerifier)(nil)
	_ KeyLimiter                = (*mockLimiter)(nil)
	_ KeyLimiter                = (*countingLimiter)(nil)
)

// --- テストヘルパー ---

const testSecret = "test-jwt-secret-that-is-32-bytes!"

type testEnv struct {
	svc    *Service
	users  *fakeUserRepo
	otps   *memOTPStore
	sender *recordingSender
	clock  *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEnv(t *testing.T, google IdentityVerifier) *testEnv {
	t.Helper()

	clock := &testClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	users := newFakeUserRepo()
	otps := newMemOTPStore()
	sender := newRecordingSender()
	tokens := NewTokenIssuer(testSecret, 7*24*time.Hour)
	tokens.now = clock.Now

	svc := NewService(ServiceDeps{
		Users:  users,
		OTPs:   otps,
		Sender: sender,
		Tokens: tokens,
		Google: google,
	}, ServiceConfig{
		OTP: OTPPolicy{
			TTL:            5 * time.Minute,
			MaxAttempts:    3,
			ResendCooldown: 60 * time.Second,
		},
		BcryptCost: bcrypt.MinCost,
	})
	svc.now = clock.Now

	return &testEnv{svc: svc, users: users, otps: otps, sender: sender, clock: clock}
}

func (e *testEnv) signup(t *testing.T, email, password string) {
	t.Helper()
	if _, err := e.svc.Signup(context.Background(), email, password); err != nil {
		t.Fatalf("Signup(%q) error = %v", email, err)
	}
}

func assertAPIError(t *testing.T, err error, code string) *model.APIError {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *model.APIError with code %s", err, code)
	}
	if apiErr.Code != code {
		t.Fatalf("error code = %s, want %s (message: %s)", apiErr.Code, code, apiErr.Message)
	}
	return apiErr
}

// wrongCode は正しいコードと異なる6桁コードを返す。
func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

// --- Signup ---

func TestSignup_CreatesPasswordUser(t *testing.T) {
	env := newTestEnv(t, nil)

	result, err := env.svc.Signup(context.Background(), "  Alice@Example.COM ", "secret1")
	if err != nil {
		t.Fatalf("Signup() error = %v", err)
	}
	if result.Message != MessageSignupSucceeded {
		t.Errorf("Message = %q, want %q", result.Message, MessageSignupSucceeded)
	}
	if result.Email != "alice@example.com" {
		t.Errorf("Email = %q, want %q", result.Email, "alice@example.com")
	}

	user, _ := env.users.FindByEmail(context.Background(), "alice@example.com")
	if user == nil {
		t.Fatal("user was not created")
	}
	if user.AuthProvider != model.AuthProviderPassword {
		t.Errorf("AuthProvider = %q, want %q", user.AuthProvider, model.AuthProviderPassword)
	}
	if user.HashedPassword == "" || user.HashedPassword == "secret1" {
		t.Error("password should be stored as a bcrypt hash")
	}
	// サインアップではOTPを送らない
	if n := env.sender.count("alice@example.com"); n != 0 {
		t.Errorf("otp sent %d times on signup, want 0", n)
	}
}

func TestSignup_DuplicateEmail_ReturnsError(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signup(t, "alice@example.com", "secret1")

	_, err := env.svc.Signup(context.Background(), "ALICE@example.com", "another1")
	apiErr := assertAPIError(t, err, model.ErrCodeEmailRegistered)
	if apiErr.Message != "Email already registered" {
		t.Errorf("Message = %q, want %q", apiErr.Message, "Email already registered")
	}
}

func TestSignup_InvalidInput_ReturnsValidationError(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		password string
	}{
		{"malformed email", "not-an-email", "secret1"},
		{"display name form", "Alice <alice@example.com>", "secret1"},
		{"short password", "alice@example.com", "abc"},
		{"too long password", "alice@example.com", strings.Repeat("a", 73)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			_, err := env.svc.Signup(context.Background(), tt.email, tt.password)
			assertAPIError(t, err, model.ErrCodeValidation)
		})
	}
}

func TestSignup_RepositoryError_IsWrapped(t *testing.T) {
	env := newTestEnv(t, nil)
	dbErr := errors.New("connection refused")
	env.users.findByEmailFn = func(context.Context, string) (*model.User, error) {
		return nil, dbErr
	}

	_, err := env.svc.Signup(context.Background(), "alice@example.com", "secret1")
	if !errors.Is(err, dbErr) {
		t.Errorf("error = %v, want wrapped %v", err, dbErr)
	}
}

// --- Login ---

func TestLogin_ValidCredentials_SendsOTP(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signup(t, "alice@example.com", "secret1")

	challenge, err := env.svc.Login(context.Background(), "alice@example.com", "secret1")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if challenge.Message != MessageOTPSent {
		t.Errorf("Message = %q, want %q", challenge.Message, MessageOTPSent)
	}

	code := env.sender.last("alice@example.com")
	if err := validateCode(code); err != nil {
		t.Fatalf("sent code %q is not 6 digits", code)
	}

	stored, _ := env.otps.Find(context.Background(), "alice@example.com", model.OTPPurposeLogin)
	if stored == nil {
		t.Fatal("otp was not stored")
	}
	if stored.CodeHash == code || stored.CodeHash != hashOTP("alice@example.com", code) {
		t.Error("stored otp should be the hash of email:code")
	}
	if want := env.clock.Now().Add(5 * time.Minute); !stored.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", stored.ExpiresAt, want)
	}
}

func TestLogin_UnknownEmailAndWrongPassword_ReturnSameError(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signup(t, "alice@example.com", "secret1")

	_, errUnknown := env.svc.Login(context.Background(), "bob@example.com", "secret1")
	_, errWrong := env.svc.Login(context.Background(), "alice@example.com", "wrong-pass")

	a := assertAPIError(t, errUnknown, model.ErrCodeInvalidCredentials)
	b := assertAPIError(t, errWrong, model.ErrCodeInvalidCredentials)
	if a.Message != b.Message {
		t.Errorf("messages differ: %q vs %q", a.Message, b.Message)
	}
	if n := env.sender.count("alice@example.com"); n != 0 {
		t.Errorf("otp sent %d times, want 0", n)
	}
}

func TestLogin_GoogleOnlyAccount_ReturnsGoogleAccountError(t *testing.T) {
	env := newTestEnv(t, nil)
	env.users.Create(context.Background(), &model.User{
		Email:        "g@example.com",
		GoogleID:     "google-sub-1",
		AuthProvider: model.AuthProviderGoogle,
	})

	_, err := env.svc.Login(context.Background(), "g@example.com", "anything")
	assertAPIError(t, err, model.ErrCodeGoogleAccount)
}

// 2回目のログインで1回目のコードは無効になり、最新のコードのみ照合できる
func TestLogin_SecondLoginInvalidatesFirstCode(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signup(t, "alice@example.com", "secret1")
	ctx := context.Background()

	if _, err := env.svc.Login(ctx, "alice@example.com", "secret1"); err != nil {
		t.Fatalf("first Login() error = %v", err)
	}
	first := env.sender.last("alice@example.com")

	if _, err := env.svc.Login(ctx, "alice@example.com", "secret1"); err != nil {
		t.Fatalf("second Login() error = %v", err)
	}
	second := env.sender.last("alice@example.com")
	if first == second {
		t.Skip("generated codes collided")
	}

	_, err := env.svc.VerifyOTP(ctx, "alice@example.com", first)
	assertAPIError(t, err, model.ErrCodeInvalidOTP)

	result, err := env.svc.VerifyOTP(ctx, "alice@example.com", second)
	if err != nil {
		t.Fatalf("VerifyOTP(latest) error = %v", err)
	}
	if result.AccessToken == "" {
		t.Error("expected access token")
	}
}

func TestLogin_RateLimitedByEmail(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signup(t, "alice@example.com", "secret1")
	env.svc.resendLimiter = &mockLimiter{takeFn: func(key string) (time.Duration, bool) {
		if key == "alice@example.com" {
			return 9 * time.Minute, false
		}
		return 0, true
	}}

	_, err := env.svc.Login(context.Background(), "alice@example.com", "secret1")
	apiErr := assertAPIError(t, err, model.ErrCodeOTPCooldown)
	// 待ち時間はクールダウンではなくリミッターの補充時間
	if apiErr.RetryAfter != 9*time.Minute {
		t.Errorf("RetryAfter = %v, want %v", apiErr.RetryAfter, 9*time.Minute)
	}
	if env.sender.count("alice@example.com") != 0 {
		t.Error("no code should be sent when rate limited")
	}
}

func TestResendOTP_RejectedDuringCooldown_DoesNotBlockLogin(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signup(t, "alice@example.com", "secret1")
	env.svc.resendLimiter = &countingLimiter{burst: 2}
	ctx := context.Background()

	if _, err := env.svc.Login(ctx, "alice@example.com", "secret1"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	// 第三者がクールダウン中に再送を繰り返してもバケットは減らない
	for i := 0; i < 4; i++ {
		_, err := env.svc.ResendOTP(ctx, "alice@example.com")
		assertAPIError(t, err, model.ErrCodeOTPCooldown)
	}

	env.clock.Advance(61 * time.Second)
	if _, err := env.svc.Login(ctx, "alice@example.com", "secret1"); err != nil {
		t.Fatalf("Login() after cooldown error = %v", err)
	}
	if got := env.sender.count("alice@example.com"); got != 2 {
		t.Errorf("codes sent = %d, want 2", got)
	}
}

// --- VerifyOTP ---

func TestVerifyOTP_Success_IssuesTokenAndConsumesCode(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signup(t, "alice@example.com", "secret1")
	ctx := context.Background()

	env.svc.Login(ctx, "alice@example.com", "secret1")
	code := env.sender.last("alice@example.com")

	result, err := env.svc.VerifyOTP(ctx, "Alice@Example.com", code)
	if err != nil {
		t.Fatalf("VerifyOTP() error = %v", err)
	}
	if result.TokenType != "bearer" {
		t.Errorf("TokenType = %q, want %q", result.TokenType, "bearer")
	}
	if result.User.Email != "alice@example.com" {
		t.Errorf("User.Email = %q, want %q", result.User.Email, "alice@example.com")
	}

	userID, err := env.svc.tokens.Parse(result.AccessToken)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if userID != result.User.ID {
		t.Errorf("token user id = %d, want %d", userID, result.User.ID)
	}

	// 同じコードは再利用できない
	_, err = env.svc.VerifyOTP(ctx, "alice@example.com", code)
	assertAPIError(t, err, model.ErrCodeInvalidOTP)
}

func TestVerifyOTP_ExpiredCode_Rejected(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signup(t, "alice@example.com", "secret1")
	ctx := context.Background()

	env.svc.Login(ctx, "alice@example.com", "secret1")
	code := env.sender.last("alice@example.com")

	env.clock.Advance(5 * time.Minute)

	_, err := env.svc.VerifyOTP(ctx, "alice@example.com", code)
	apiErr := assertAPIError(t, err, model.ErrCodeInvalidOTP)
	if apiErr.Message != "Invalid or expired verification code" {
		t.Errorf("Message = %q, want %q", apiErr.Message, "Invalid or expired verification code")
	}
}

func TestVerifyOTP_LocksAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signup(t, "alice@example.com", "secret1")
	ctx := context.Background()

	env.svc.Login(ctx, "alice@example.com", "secret1")
	code := env.sender.last("alice@example.com")
	bad := wrongCode(code)

	// MaxAttempts=3: 2回までは通常の不一致
	for i := 0; i < 2; i++ {
		_, err := env.svc.VerifyOTP(ctx, "alice@example.com", bad)
		assertAPIError(t, err, model.ErrCodeInvalidOTP)
	}

	_, err := env.svc.VerifyOTP(ctx, "alice@example.com", bad)
	apiErr := assertAPIError(t, err, model.ErrCodeOTPLocked)
	if apiErr.Message != "Too many failed attempts. Please request a new code." {
		t.Errorf("Message = %q", apiErr.Message)
	}

	// ロック後は正しいコードでも照合できず、再送が必要
	_, err = env.svc.VerifyOTP(ctx, "alice@example.com", code)
	assertAPIError(t, err, model.ErrCodeInvalidOTP)

	if _, err := env.svc.ResendOTP(ctx, "alice@example.com"); err != nil {
		t.Fatalf("ResendOTP() after lock error = %v", err)
	}
	if _, err := env.svc.VerifyOTP(ctx, "alice@example.com", env.sender.last("alice@example.com")); err != nil {
		t.Errorf("VerifyOTP(resent) error = %v", err)
	}
}

func TestVerifyOTP_UnknownUser_ReturnsNotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.svc.VerifyOTP(context.Background(), "nobody@example.com", "123456")
	apiErr := assertAPIError(t, err, model.ErrCodeUserNotFound)
	if apiErr.Message != "User not found" {
		t.Errorf("Message = %q, want %q", apiErr.Message, "User not found")
	}
}

func TestVerifyOTP_MalformedCode_DoesNotCountAttempt(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signup(t, "alice@example.com", "secret1")
	ctx := context.Background()

	env.svc.Login(ctx, "alice@example.com", "secret1")

	for _, code := range []string{"", "12345", "1234567", "12a456"} {
		_, err := env.svc.VerifyOTP(ctx, "alice@example.com", code)
		assertAPIError(t, err, model.ErrCodeInvalidOTP)
	}

	stored, _ := env.otps.Find(ctx, "alice@example.com", model.OTPPurposeLogin)
	if stored == nil || stored.Attempts != 0 {
		t.Errorf("stored otp = %+v, want attempts 0", stored)
	}
}

func TestVerifyOTP_NoCodeIssued_ReturnsInvalidOTP(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signup(t, "alice@example.com", "secret1")

	_, err := env.svc.VerifyOTP(context.Background(), "alice@example.com", "123456")
	assertAPIError(t, err, model.ErrCodeInvalidOTP)
}

// --- ResendOTP ---

func TestResendOTP_CooldownEnforcedOnServer(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signup(t, "alice@example.com", "secret1")
	ctx := context.Background()

	env.svc.Login(ctx, "alice@example.com", "secret1")
	first := env.sender.last("alice@example.com")

	env.clock.Advance(20 * time.Second)
	_, err := env.svc.ResendOTP(ctx, "alice@example.com")
	apiErr := assertAPIError(t, err, model.ErrCodeOTPCooldown)
	if apiErr.RetryAfter != 40*time.Second {
		t.Errorf("RetryAfter = %v, want %v", apiErr.RetryAfter, 40*time.Second)
	}
	if n := env.sender.count("alice@example.com"); n != 1 {
		t.Errorf("otp sent %d times during cooldown, want 1", n)
	}

	env.clock.Advance(40 * time.Second)
	challenge, err := env.svc.ResendOTP(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("ResendOTP() after cooldown error = %v", err)
	}
	if challenge.Message != MessageOTPResent {
		t.Errorf("Message = %q, want %q", challenge.Message, MessageOTPResent)
	}

	second := env.sender.last("alice@example.com")
	if first == second {
		t.Skip("generated codes collided")
	}
	_, err = env.svc.VerifyOTP(ctx, "alice@example.com", first)
	assertAPIError(t, err, model.ErrCodeInvalidOTP)
	if _, err := env.svc.VerifyOTP(ctx, "alice@example.com", second); err != nil {
		t.Errorf("VerifyOTP(resent) error = %v", err)
	}
}

func TestResendOTP_UnknownUser_ReturnsNotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.svc.ResendOTP(context.Background(), "nobody@example.com")
	assertAPIError(t, err, model.ErrCodeUserNotFound)
}

func TestResendOTP_SendFailure_StillSucceeds(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signup(t, "alice@example.com", "secret1")
	env.sender.err = errors.New("smtp down")

	if _, err := env.svc.ResendOTP(context.Background(), "alice@example.com"); err != nil {
		t.Fatalf("ResendOTP() error = %v", err)
	}
	stored, _ := env.otps.Find(context.Background(), "alice@example.com", model.OTPPurposeLogin)
	if stored == nil {
		t.Error("otp should be stored even when mail delivery fails")
	}
}

// --- GoogleSignIn ---

func googleVerifier(sub, email string) *mockVerifier {
	return &mockVerifier{verifyFn: func(context.Context, string) (*GoogleIdentity, error) {
		return &GoogleIdentity{Subject: sub, Email: email}, nil
	}}
}

// Google Sign-InはOTPを介さずに直接トークンを発行する
func TestGoogleSignIn_NewUser_IssuesTokenWithoutOTP(t *testing.T) {
	env := newTestEnv(t, googleVerifier("google-sub-1", "New.User@Gmail.com"))

	result, err := env.svc.GoogleSignIn(context.Background(), "valid-credential")
	if err != nil {
		t.Fatalf("GoogleSignIn() error = %v", err)
	}
	if result.AccessToken == "" {
		t.Fatal("expected access token")
	}
	if result.User.AuthProvider != model.AuthProviderGoogle {
		t.Errorf("AuthProvider = %q, want %q", result.User.AuthProvider, model.AuthProviderGoogle)
	}
	if result.User.Email != "new.user@gmail.com" {
		t.Errorf("Email = %q, want %q", result.User.Email, "new.user@gmail.com")
	}
	if result.User.HasPassword() {
		t.Error("google user should not have a password")
	}
	if n := env.sender.count("new.user@gmail.com"); n != 0 {
		t.Errorf("otp sent %d times, want 0", n)
	}
	stored, _ := env.otps.Find(context.Background(), "new.user@gmail.com", model.OTPPurposeLogin)
	if stored != nil {
		t.Error("google sign-in should not create an otp")
	}
}

func TestGoogleSignIn_ConcurrentFirstSignIn_UsesWinner(t *testing.T) {
	env := newTestEnv(t, googleVerifier("google-sub-1", "new.user@gmail.com"))

	// 検索と作成の間に別リクエストが同じユーザーを作成した状況
	env.users.createFn = func(_ context.Context, _ *model.User) error {
		env.users.mu.Lock()
		defer env.users.mu.Unlock()
		env.users.users[99] = &model.User{
			ID:           99,
			Email:        "new.user@gmail.com",
			GoogleID:     "google-sub-1",
			AuthProvider: model.AuthProviderGoogle,
		}
		return repository.ErrDuplicateEmail
	}

	result, err := env.svc.GoogleSignIn(context.Background(), "valid-credential")
	if err != nil {
		t.Fatalf("GoogleSignIn() error = %v", err)
	}
	if result.User.ID != 99 {
		t.Errorf("User.ID = %d, want 99", result.User.ID)
	}
	if env.users.linkCalls != 0 {
		t.Errorf("LinkGoogle called %d times, want 0", env.users.linkCalls)
	}
}

func TestGoogleSignIn_ExistingPasswordUser_LinksGoogleID(t *testing.T) {
	env := newTestEnv(t, googleVerifier("google-sub-1", "alice@example.com"))
	env.signup(t, "alice@example.com", "secret1")

	result, err := env.svc.GoogleSignIn(context.Background(), "valid-credential")
	if err != nil {
		t.Fatalf("GoogleSignIn() error = %v", err)
	}
	if result.User.GoogleID != "google-sub-1" {
		t.Errorf("GoogleID = %q, want %q", result.User.GoogleID, "google-sub-1")
	}
	if result.User.AuthProvider != model.AuthProviderGoogle {
		t.Errorf("AuthProvider = %q, want %q", result.User.AuthProvider, model.AuthProviderGoogle)
	}
	if env.users.linkCalls != 1 {
		t.Errorf("LinkGoogle called %d times, want 1", env.users.linkCalls)
	}

	// 2回目は既に紐付け済みのため更新しない
	if _, err := env.svc.GoogleSignIn(context.Background(), "valid-credential"); err != nil {
		t.Fatalf("second GoogleSignIn() error = %v", err)
	}
	if env.users.linkCalls != 1 {
		t.Errorf("LinkGoogle called %d times, want 1", env.users.linkCalls)
	}
	// パスワードは残るため、パスワードログインも引き続き可能
	if _, err := env.svc.Login(context.Background(), "alice@example.com", "secret1"); err != nil {
		t.Errorf("Login() after link error = %v", err)
	}
}

func TestGoogleSignIn_InvalidToken_ReturnsReason(t *testing.T) {
	env := newTestEnv(t, &mockVerifier{verifyFn: func(context.Context, string) (*GoogleIdentity, error) {
		return nil, fmt.Errorf("%w: token expired", ErrInvalidGoogleToken)
	}})

	_, err := env.svc.GoogleSignIn(context.Background(), "bad")
	apiErr := assertAPIError(t, err, model.ErrCodeInvalidGoogleToken)
	if apiErr.Message != "Invalid Google token: token expired" {
		t.Errorf("Message = %q, want %q", apiErr.Message, "Invalid Google token: token expired")
	}
}

func TestGoogleSignIn_NoEmail_ReturnsError(t *testing.T) {
	env := newTestEnv(t, &mockVerifier{verifyFn: func(context.Context, string) (*GoogleIdentity, error) {
		return nil, ErrGoogleNoEmail
	}})

	_, err := env.svc.GoogleSignIn(context.Background(), "credential")
	apiErr := assertAPIError(t, err, model.ErrCodeGoogleNoEmail)
	if apiErr.Message != "Could not get email from Google account" {
		t.Errorf("Message = %q", apiErr.Message)
	}
}

func TestGoogleSignIn_NotConfigured_ReturnsDisabled(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.svc.GoogleSignIn(context.Background(), "credential")
	assertAPIError(t, err, model.ErrCodeGoogleDisabled)
}

// --- GetCurrentUser / Authenticate ---

func TestGetCurrentUser_ValidToken_ReturnsUser(t *testing.T) {
	env := newTestEnv(t, googleVerifier("google-sub-1", "g@example.com"))
	result, err := env.svc.GoogleSignIn(context.Background(), "credential")
	if err != nil {
		t.Fatalf("GoogleSignIn() error = %v", err)
	}

	user, err := env.svc.GetCurrentUser(context.Background(), result.AccessToken)
	if err != nil {
		t.Fatalf("GetCurrentUser() error = %v", err)
	}
	if user.ID != result.User.ID || user.Email != "g@example.com" {
		t.Errorf("user = %+v, want id %d", user, result.User.ID)
	}
}

func TestGetCurrentUser_InvalidOrExpiredToken_ReturnsUnauthorized(t *testing.T) {
	env := newTestEnv(t, googleVerifier("google-sub-1", "g@example.com"))
	result, _ := env.svc.GoogleSignIn(context.Background(), "credential")

	tests := []struct {
		name  string
		token string
		wait  time.Duration
	}{
		{"empty", "", 0},
		{"garbage", "not-a-jwt", 0},
		{"tampered", result.AccessToken + "x", 0},
		{"expired", result.AccessToken, 7*24*time.Hour + time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.clock.Advance(tt.wait)
			_, err := env.svc.GetCurrentUser(context.Background(), tt.token)
			apiErr := assertAPIError(t, err, model.ErrCodeUnauthorized)
			if apiErr.Message != "Could not validate credentials" {
				t.Errorf("Message = %q", apiErr.Message)
			}
		})
	}
}

func TestGetCurrentUser_DeletedUser_ReturnsUnauthorized(t *testing.T) {
	env := newTestEnv(t, nil)
	token, _, err := env.svc.tokens.Issue(&model.User{ID: 999, Email: "ghost@example.com"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	_, err = env.svc.GetCurrentUser(context.Background(), token)
	assertAPIError(t, err, model.ErrCodeUnauthorized)
}
