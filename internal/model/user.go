// Package model はドメインモデルを定義する。
package model

import "time"

// AuthProvider はユーザーの認証方式を表す。
type AuthProvider string

const (
	// AuthProviderPassword はメールアドレスとパスワードで登録したユーザー。
	AuthProviderPassword AuthProvider = "password"
	// AuthProviderGoogle はGoogle Sign-Inで登録、または連携したユーザー。
	AuthProviderGoogle AuthProvider = "google"
)

// User はサービス利用ユーザーを表す。
// Emailは正規化済み（小文字化、ドメインはASCII表記）で保持する。
// Google経由で作成されたユーザーはHashedPasswordを持たない。
type User struct {
	ID             int64
	Email          string
	HashedPassword string
	GoogleID       string
	AuthProvider   AuthProvider
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasPassword はパスワードログインが可能なユーザーかを返す。
func (u *User) HasPassword() bool {
	return u.HashedPassword != ""
}
