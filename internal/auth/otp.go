package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/hitoshi/santhai/internal/model"
	"github.com/hitoshi/santhai/internal/repository"
)

// OTPCodeLength はワンタイムコードの桁数。
const OTPCodeLength = 6

// ErrInvalidOTPFormat はコードが6桁の数字でない場合のエラー。
var ErrInvalidOTPFormat = errors.New("verification code must be 6 digits")

// OTPPolicy はワンタイムコードの有効期限、試行回数、再送間隔の方針。
type OTPPolicy struct {
	TTL            time.Duration
	MaxAttempts    int
	ResendCooldown time.Duration
}

// generateOTPCode はcrypto/randで6桁の数字コードを生成する。
func generateOTPCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("failed to generate otp code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// validateCode はコードが6桁の数字であることを検証する。
func validateCode(code string) error {
	if len(code) != OTPCodeLength {
		return ErrInvalidOTPFormat
	}
	for _, ch := range code {
		if ch < '0' || ch > '9' {
			return ErrInvalidOTPFormat
		}
	}
	return nil
}

// hashOTP はメールアドレスとコードを結合したSHA-256ハッシュを返す。
// 平文のコードは保存しない。
func hashOTP(email, code string) string {
	sum := sha256.Sum256([]byte(email + ":" + code))
	return hex.EncodeToString(sum[:])
}

// newPendingOTP は発行するコードとその保存用レコードを生成する。
func (p OTPPolicy) newPendingOTP(email string, purpose model.OTPPurpose, now time.Time) (string, *model.PendingOTP, error) {
	code, err := generateOTPCode()
	if err != nil {
		return "", nil, err
	}
	return code, &model.PendingOTP{
		Email:     email,
		Purpose:   purpose,
		CodeHash:  hashOTP(email, code),
		ExpiresAt: now.Add(p.TTL),
		CreatedAt: now,
	}, nil
}

// cooldownRemaining は直近の発行から再送可能になるまでの残り時間を返す。
// 発行済みコードがない、または期限切れの場合は0を返す。
func (p OTPPolicy) cooldownRemaining(current *model.PendingOTP, now time.Time) time.Duration {
	if current == nil || p.ResendCooldown <= 0 || current.IsExpired(now) {
		return 0
	}
	remaining := current.CreatedAt.Add(p.ResendCooldown).Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// checker は提出されたコードを保存済みレコードと照合する判定関数を返す。
// 期限切れは一致していても拒否し、不一致が上限回数に達した時点でロックする。
func (p OTPPolicy) checker(email, code string, now time.Time) repository.OTPCheckFunc {
	submitted := hashOTP(email, code)
	return func(otp *model.PendingOTP) repository.OTPOutcome {
		if otp.IsExpired(now) {
			return repository.OTPExpired
		}
		if subtle.ConstantTimeCompare([]byte(submitted), []byte(otp.CodeHash)) == 1 {
			return repository.OTPMatched
		}
		if p.MaxAttempts > 0 && otp.Attempts+1 >= p.MaxAttempts {
			return repository.OTPLocked
		}
		return repository.OTPMismatch
	}
}
