package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/santhai/internal/model"
)

// PostgresOTPRepo はPostgreSQLを使用したワンタイムコードストア。
// (email, purpose) のユニーク制約により有効なコードは常に1件となる。
type PostgresOTPRepo struct {
	db *sql.DB
}

// NewPostgresOTPRepo はPostgresOTPRepoを生成する。
func NewPostgresOTPRepo(db *sql.DB) *PostgresOTPRepo {
	return &PostgresOTPRepo{db: db}
}

// Replace は(email, purpose)の既存コードを新しいコードで置き換える。
// 照合中のトランザクションが行ロックを保持している場合はその完了を待つ。
func (r *PostgresOTPRepo) Replace(ctx context.Context, otp *model.PendingOTP) error {
	if otp.ID == "" {
		otp.ID = uuid.New().String()
	}
	if otp.CreatedAt.IsZero() {
		otp.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO otps (id, email, purpose, code_hash, attempts, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, 0, $5, $6)
		 ON CONFLICT (email, purpose) DO UPDATE SET
			id = EXCLUDED.id,
			code_hash = EXCLUDED.code_hash,
			attempts = 0,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at`,
		otp.ID, otp.Email, string(otp.Purpose), otp.CodeHash, otp.ExpiresAt, otp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to replace otp: %w", err)
	}
	otp.Attempts = 0
	return nil
}

// Find は現在保存されているコードを取得する。存在しない場合はnilを返す。
// 期限切れのレコードもそのまま返すため、判定は呼び出し側で行う。
func (r *PostgresOTPRepo) Find(ctx context.Context, email string, purpose model.OTPPurpose) (*model.PendingOTP, error) {
	otp, err := scanOTP(r.db.QueryRowContext(ctx,
		`SELECT id, email, purpose, code_hash, attempts, expires_at, created_at
		 FROM otps WHERE email = $1 AND purpose = $2`,
		email, string(purpose),
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find otp: %w", err)
	}
	return otp, nil
}

// Verify はSELECT ... FOR UPDATEで行をロックしてからcheckで判定し、結果を反映する。
// 同じメールアドレスへの再発行はこのトランザクションの完了まで待たされる。
func (r *PostgresOTPRepo) Verify(ctx context.Context, email string, purpose model.OTPPurpose, check OTPCheckFunc) (OTPOutcome, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return OTPNotFound, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	otp, err := scanOTP(tx.QueryRowContext(ctx,
		`SELECT id, email, purpose, code_hash, attempts, expires_at, created_at
		 FROM otps WHERE email = $1 AND purpose = $2
		 FOR UPDATE`,
		email, string(purpose),
	))
	if err == sql.ErrNoRows {
		return OTPNotFound, nil
	}
	if err != nil {
		return OTPNotFound, fmt.Errorf("failed to lock otp: %w", err)
	}

	outcome := check(otp)
	switch outcome {
	case OTPMatched, OTPLocked, OTPExpired:
		if _, err := tx.ExecContext(ctx, `DELETE FROM otps WHERE id = $1`, otp.ID); err != nil {
			return OTPNotFound, fmt.Errorf("failed to delete otp: %w", err)
		}
	case OTPMismatch:
		if _, err := tx.ExecContext(ctx, `UPDATE otps SET attempts = attempts + 1 WHERE id = $1`, otp.ID); err != nil {
			return OTPNotFound, fmt.Errorf("failed to increment otp attempts: %w", err)
		}
	default:
		return outcome, nil
	}

	if err := tx.Commit(); err != nil {
		return OTPNotFound, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return outcome, nil
}

// DeleteExpired は期限切れのコードを削除し、削除件数を返す。
func (r *PostgresOTPRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM otps WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired otps: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOTP(row rowScanner) (*model.PendingOTP, error) {
	otp := &model.PendingOTP{}
	var purpose string
	if err := row.Scan(
		&otp.ID, &otp.Email, &purpose, &otp.CodeHash,
		&otp.Attempts, &otp.ExpiresAt, &otp.CreatedAt,
	); err != nil {
		return nil, err
	}
	otp.Purpose = model.OTPPurpose(purpose)
	return otp, nil
}

// compile-time interface check
var _ OTPStore = (*PostgresOTPRepo)(nil)
