package model

import "time"

// OTPPurpose はワンタイムコードの用途を表す。
type OTPPurpose string

// OTPPurposeLogin はパスワードログインの2段階目で使うコード。
const OTPPurposeLogin OTPPurpose = "login"

// PendingOTP はメールアドレスごとに発行された未使用のワンタイムコード。
// コード自体は保持せず、メールアドレスと結合したハッシュのみを保持する。
// (Email, Purpose) ごとに有効なコードは最大1件。
type PendingOTP struct {
	ID        string
	Email     string
	Purpose   OTPPurpose
	CodeHash  string
	Attempts  int
	ExpiresAt time.Time
	CreatedAt time.Time
}

// IsExpired は指定時刻においてコードが期限切れかを返す。
func (o *PendingOTP) IsExpired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}
