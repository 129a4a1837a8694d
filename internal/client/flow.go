package client

import (
	"context"
	"errors"
	"sync"
)

// 画面に表示する通知文言。
const (
	NoticeOTPSent   = "Verification code sent to your email"
	NoticeOTPResent = "Verification code resent to your email"
)

// errCodeOTPLocked はサーバーが試行回数超過を示すエラーコード。
const errCodeOTPLocked = "OTP_LOCKED"

const lockedMessage = "Too many failed attempts. Please request a new code."

var (
	// ErrBusy は別のリクエストの処理中に操作した場合のエラー。
	ErrBusy = errors.New("client: request in progress")
	// ErrResendRequired は試行回数超過後に再送せずに検証しようとした場合のエラー。
	ErrResendRequired = errors.New("client: resend required")
)

// FlowError はAPI呼び出しの失敗を表示用の文言とともに保持する。
type FlowError struct {
	Message string
	Err     error
}

func (e *FlowError) Error() string { return e.Message }
func (e *FlowError) Unwrap() error { return e.Err }

// AuthAPI はFlowが呼び出す認証APIのインターフェース。APIClientが実装する。
type AuthAPI interface {
	Signup(ctx context.Context, email, password string) (*SignupResponse, error)
	Login(ctx context.Context, email, password string) (*OTPChallenge, error)
	VerifyOTP(ctx context.Context, email, code string) (*AuthResponse, error)
	ResendOTP(ctx context.Context, email string) (*OTPChallenge, error)
	GoogleSignIn(ctx context.Context, credential string) (*AuthResponse, error)
}

var _ AuthAPI = (*APIClient)(nil)

// Flow はログインウィザード、APIクライアント、再送クールダウン、Sessionをまとめる。
// 処理中は次の操作を受け付けない。失敗時はステップを変えない。
type Flow struct {
	api      AuthAPI
	session  *Session
	cooldown *Cooldown

	mu      sync.Mutex
	step    Step
	loading bool
	notice  string
}

// NewFlow はFlowを生成する。初期ステップはStepCredentials。
func NewFlow(api AuthAPI, session *Session, cooldown *Cooldown) *Flow {
	if cooldown == nil {
		cooldown = NewCooldown(DefaultResendCooldown, nil)
	}
	return &Flow{api: api, session: session, cooldown: cooldown, step: StepCredentials{}}
}

// Step は現在のステップを返す。
func (f *Flow) Step() Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.step
}

// Loading はリクエスト処理中かを返す。
func (f *Flow) Loading() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loading
}

// Notice は直近の成功時の通知文言を返す。
func (f *Flow) Notice() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notice
}

// Cooldown は再送クールダウンを返す。
func (f *Flow) Cooldown() *Cooldown { return f.cooldown }

// Signup は入力を検証してからユーザー登録する。
// 検証エラーの場合はリクエストを送信せず*ValidationErrorを返す。
func (f *Flow) Signup(ctx context.Context, email, password, confirmPassword string) error {
	if errs := SignupSchema.Validate(Values{
		"email":           email,
		"password":        password,
		"confirmPassword": confirmPassword,
	}); len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	if err := f.begin(StepCredentials{}); err != nil {
		return err
	}

	resp, err := f.api.Signup(ctx, email, password)
	if err != nil {
		return f.fail(err, FallbackSignup)
	}
	return f.finish(EventSignedUp{Email: resp.Email, Message: resp.Message}, resp.Message)
}

// Continue はサインアップ完了後にログイン入力へ戻る。
func (f *Flow) Continue() error {
	return f.apply(EventContinue{}, "")
}

// Login はパスワードを検証し、OTP入力へ進む。再送クールダウンを開始する。
func (f *Flow) Login(ctx context.Context, email, password string) error {
	if errs := LoginSchema.Validate(Values{"email": email, "password": password}); len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	if err := f.begin(StepCredentials{}); err != nil {
		return err
	}

	resp, err := f.api.Login(ctx, email, password)
	if err != nil {
		return f.fail(err, FallbackLogin)
	}
	if resp.Email != "" {
		email = resp.Email
	}
	if err := f.finish(EventOTPRequested{Email: email, Mode: ModeLogin}, NoticeOTPSent); err != nil {
		return err
	}
	f.cooldown.Start()
	return nil
}

// VerifyOTP は認証コードを検証し、成功したらトークンをSessionに保存する。
func (f *Flow) VerifyOTP(ctx context.Context, code string) error {
	otp, err := f.currentOTP()
	if err != nil {
		return err
	}
	if otp.Locked {
		return &FlowError{Message: lockedMessage, Err: ErrResendRequired}
	}
	if !IsOTPCode(code, DefaultOTPLength) {
		return &ValidationError{Fields: map[string]string{"otp_code": "Please enter the 6-digit code"}}
	}
	if err := f.begin(otp); err != nil {
		return err
	}

	resp, err := f.api.VerifyOTP(ctx, otp.Email, code)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == errCodeOTPLocked {
			f.mu.Lock()
			f.step, _ = Transition(f.step, EventLocked{})
			f.mu.Unlock()
			f.cooldown.Reset()
		}
		return f.fail(err, FallbackVerify)
	}

	if err := f.session.SetAuth(&resp.User, resp.AccessToken); err != nil {
		return f.fail(err, FallbackVerify)
	}
	f.cooldown.Reset()
	return f.finish(EventVerified{}, "")
}

// Resend は認証コードを再送する。クールダウン中はリクエストを送信せずErrCooldownActiveを返す。
func (f *Flow) Resend(ctx context.Context) error {
	otp, err := f.currentOTP()
	if err != nil {
		return err
	}
	if !f.cooldown.Try() {
		return ErrCooldownActive
	}
	if err := f.begin(otp); err != nil {
		return err
	}

	if _, err := f.api.ResendOTP(ctx, otp.Email); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			f.cooldown.StartFor(apiErr.RetryAfter)
		}
		return f.fail(err, FallbackResend)
	}
	if err := f.finish(EventResent{}, NoticeOTPResent); err != nil {
		return err
	}
	f.cooldown.Start()
	return nil
}

// Back はOTP入力をやめて資格情報入力へ戻る。サーバーには何も送信しない。
func (f *Flow) Back() error {
	return f.apply(EventBack{}, "")
}

// GoogleSignIn はGoogle IDトークンでサインインし、OTPを経由せずに認証済みとなる。
func (f *Flow) GoogleSignIn(ctx context.Context, credential string) error {
	if credential == "" {
		return &FlowError{Message: FallbackGoogle}
	}
	if err := f.begin(StepCredentials{}); err != nil {
		return err
	}

	resp, err := f.api.GoogleSignIn(ctx, credential)
	if err != nil {
		return f.fail(err, FallbackGoogle)
	}
	if err := f.session.SetAuth(&resp.User, resp.AccessToken); err != nil {
		return f.fail(err, FallbackGoogle)
	}
	return f.finish(EventFederated{}, "")
}

func (f *Flow) currentOTP() (StepOTP, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	otp, ok := f.step.(StepOTP)
	if !ok {
		return StepOTP{}, ErrInvalidTransition
	}
	return otp, nil
}

// begin は処理中フラグを立てる。ステップがwantと異なる、または処理中の場合はエラー。
func (f *Flow) begin(want Step) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loading {
		return ErrBusy
	}
	if StepName(f.step) != StepName(want) {
		return ErrInvalidTransition
	}
	f.loading = true
	f.notice = ""
	return nil
}

func (f *Flow) fail(err error, fallback string) error {
	f.mu.Lock()
	f.loading = false
	f.mu.Unlock()
	return &FlowError{Message: Message(err, fallback), Err: err}
}

func (f *Flow) finish(event Event, notice string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loading = false
	next, err := Transition(f.step, event)
	if err != nil {
		return err
	}
	f.step = next
	f.notice = notice
	return nil
}

func (f *Flow) apply(event Event, notice string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loading {
		return ErrBusy
	}
	next, err := Transition(f.step, event)
	if err != nil {
		return err
	}
	f.step = next
	f.notice = notice
	return nil
}
