package client

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition は現在のステップで受け付けないイベントのエラー。
var ErrInvalidTransition = errors.New("client: invalid wizard transition")

// Mode はOTP入力に至った操作を表す。
type Mode string

const (
	ModeLogin  Mode = "login"
	ModeSignup Mode = "signup"
)

// Step はログインウィザードの状態。以下のいずれかの型を取る。
//
//	StepCredentials, StepOTP, StepSuccess, StepAuthenticated
type Step interface {
	stepName() string
}

// StepCredentials はメールアドレスとパスワードの入力状態。初期状態。
type StepCredentials struct{}

// StepOTP は認証コードの入力待ち状態。
// Lockedは試行回数超過でコードが無効化され、再送が必要なことを示す。
type StepOTP struct {
	Email  string
	Mode   Mode
	Locked bool
}

// StepSuccess はサインアップ完了状態。続けてログインする。
type StepSuccess struct {
	Email   string
	Message string
}

// StepAuthenticated は認証済みの終端状態。
type StepAuthenticated struct{}

func (StepCredentials) stepName() string   { return "credentials" }
func (StepOTP) stepName() string           { return "otp" }
func (StepSuccess) stepName() string       { return "success" }
func (StepAuthenticated) stepName() string { return "authenticated" }

// StepName はステップの名前を返す。
func StepName(s Step) string {
	if s == nil {
		return ""
	}
	return s.stepName()
}

// Event はウィザードへの入力イベント。
type Event interface {
	eventName() string
}

// EventOTPRequested はログインでOTPが送信されたことを表す。
type EventOTPRequested struct {
	Email string
	Mode  Mode
}

// EventSignedUp はサインアップが完了したことを表す。
type EventSignedUp struct {
	Email   string
	Message string
}

// EventVerified はOTP検証が成功したことを表す。
type EventVerified struct{}

// EventResent はOTPが再送されたことを表す。
type EventResent struct{}

// EventLocked は試行回数超過でOTPが無効化されたことを表す。
type EventLocked struct{}

// EventBack はOTP入力をやめて資格情報入力へ戻ることを表す。サーバー側の状態は変えない。
type EventBack struct{}

// EventFederated はGoogle Sign-Inが成功したことを表す。OTPを経由しない。
type EventFederated struct{}

// EventContinue はサインアップ完了画面からログインへ進むことを表す。
type EventContinue struct{}

func (EventOTPRequested) eventName() string { return "otp_requested" }
func (EventSignedUp) eventName() string     { return "signed_up" }
func (EventVerified) eventName() string     { return "verified" }
func (EventResent) eventName() string       { return "resent" }
func (EventLocked) eventName() string       { return "locked" }
func (EventBack) eventName() string         { return "back" }
func (EventFederated) eventName() string    { return "federated" }
func (EventContinue) eventName() string     { return "continue" }

// Transition は(step, event)から次のステップを返す純粋関数。
// 受け付けないイベントの場合は元のステップとErrInvalidTransitionを返す。
func Transition(step Step, event Event) (Step, error) {
	switch s := step.(type) {
	case StepCredentials:
		switch e := event.(type) {
		case EventOTPRequested:
			mode := e.Mode
			if mode == "" {
				mode = ModeLogin
			}
			return StepOTP{Email: e.Email, Mode: mode}, nil
		case EventSignedUp:
			return StepSuccess{Email: e.Email, Message: e.Message}, nil
		case EventFederated:
			return StepAuthenticated{}, nil
		}
	case StepOTP:
		switch event.(type) {
		case EventVerified:
			if s.Locked {
				break
			}
			if s.Mode == ModeSignup {
				return StepSuccess{Email: s.Email}, nil
			}
			return StepAuthenticated{}, nil
		case EventResent:
			return StepOTP{Email: s.Email, Mode: s.Mode}, nil
		case EventLocked:
			return StepOTP{Email: s.Email, Mode: s.Mode, Locked: true}, nil
		case EventBack:
			return StepCredentials{}, nil
		}
	case StepSuccess:
		if _, ok := event.(EventContinue); ok {
			return StepCredentials{}, nil
		}
	}

	var name string
	if event != nil {
		name = event.eventName()
	}
	return step, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, name, StepName(step))
}
