// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/santhai/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.User, error)

	// FindByEmail は正規化済みメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// FindByGoogleIDOrEmail はgoogle_idまたはメールアドレスでユーザーを取得する。
	// google_idが一致するユーザーを優先する。見つからない場合はnilを返す。
	FindByGoogleIDOrEmail(ctx context.Context, googleID, email string) (*model.User, error)

	// Create はユーザーを作成し、採番されたIDとタイムスタンプをuserに設定する。
	// メールアドレスが登録済みの場合はErrDuplicateEmailを返す。
	Create(ctx context.Context, user *model.User) error

	// LinkGoogle は既存ユーザーにgoogle_idを紐付け、auth_providerをgoogleに変更する。
	LinkGoogle(ctx context.Context, id int64, googleID string) error
}

// OTPOutcome はワンタイムコード検証の判定結果。
type OTPOutcome int

const (
	// OTPNotFound は有効なコードが存在しない（未発行、消費済み、置き換え済み）。
	OTPNotFound OTPOutcome = iota
	// OTPMatched はコードが一致した。レコードは削除される。
	OTPMatched
	// OTPMismatch はコードが一致しなかった。試行回数が加算される。
	OTPMismatch
	// OTPLocked は試行回数の上限に達した。レコードは削除される。
	OTPLocked
	// OTPExpired は有効期限切れ。レコードは削除される。
	OTPExpired
)

// String はログ出力用の文字列表現を返す。
func (o OTPOutcome) String() string {
	switch o {
	case OTPMatched:
		return "matched"
	case OTPMismatch:
		return "mismatch"
	case OTPLocked:
		return "locked"
	case OTPExpired:
		return "expired"
	default:
		return "not_found"
	}
}

// OTPCheckFunc は保存済みコードに対する判定を行う関数。
// ストアはレコードをロックした状態で呼び出すため、副作用を持ってはならない。
// Redisストアでは競合時に再実行されることがある。
type OTPCheckFunc func(otp *model.PendingOTP) OTPOutcome

// OTPStore はワンタイムコードの永続化インターフェース。
// (email, purpose) ごとの発行、照合、消費はストア内で原子的に行う。
type OTPStore interface {
	// Replace は(email, purpose)の既存コードを破棄して新しいコードを保存する。
	Replace(ctx context.Context, otp *model.PendingOTP) error

	// Find は現在有効なコードを取得する。存在しない場合はnilを返す。
	Find(ctx context.Context, email string, purpose model.OTPPurpose) (*model.PendingOTP, error)

	// Verify は保存済みコードをロックしてcheckで判定し、結果に応じて
	// 削除（Matched/Locked/Expired）または試行回数の加算（Mismatch）を行う。
	// コードが存在しない場合はcheckを呼ばずにOTPNotFoundを返す。
	Verify(ctx context.Context, email string, purpose model.OTPPurpose, check OTPCheckFunc) (OTPOutcome, error)

	// DeleteExpired は期限切れのコードを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// ProductRepository はプロダクトデータの永続化インターフェース。
type ProductRepository interface {
	// List は全プロダクトを作成日時の降順で返す。
	List(ctx context.Context) ([]*model.Product, error)

	// ListByCreator は指定ユーザーが作成したプロダクトを作成日時の降順で返す。
	ListByCreator(ctx context.Context, userID int64) ([]*model.Product, error)

	// FindByID は指定IDのプロダクトを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.Product, error)

	// Create はプロダクトを作成し、採番されたIDと作成日時をproductに設定する。
	Create(ctx context.Context, product *model.Product) error

	// Update はプロダクトの全編集可能フィールドを上書きする。
	Update(ctx context.Context, product *model.Product) error

	// Delete は指定IDのプロダクトを削除する。
	Delete(ctx context.Context, id int64) error
}
