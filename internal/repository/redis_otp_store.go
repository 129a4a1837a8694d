package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/hitoshi/santhai/internal/model"
)

const (
	otpKeyPrefix = "santhai:otp:"
	// redisWatchRetries はWATCH競合時の再試行回数。
	redisWatchRetries = 3
)

// redisOTP はRedisに保存するワンタイムコードの表現。
type redisOTP struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Purpose   string    `json:"purpose"`
	CodeHash  string    `json:"code_hash"`
	Attempts  int       `json:"attempts"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisOTPStore はRedisを使用したワンタイムコードストア。
// キーのTTLをコードの有効期限に合わせるため、期限切れレコードはRedis側で消える。
type RedisOTPStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisOTPStore はRedisOTPStoreを生成する。
func NewRedisOTPStore(client *redis.Client) *RedisOTPStore {
	return &RedisOTPStore{client: client, now: time.Now}
}

// NewRedisClient はredis://形式のURLからクライアントを生成し、疎通を確認する。
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func otpKey(email string, purpose model.OTPPurpose) string {
	return otpKeyPrefix + string(purpose) + ":" + email
}

// Replace はキーを上書きして新しいコードを保存する。SETは単一コマンドのため原子的。
func (s *RedisOTPStore) Replace(ctx context.Context, otp *model.PendingOTP) error {
	if otp.ID == "" {
		otp.ID = uuid.New().String()
	}
	if otp.CreatedAt.IsZero() {
		otp.CreatedAt = s.now().UTC()
	}
	otp.Attempts = 0

	ttl := otp.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("otp already expired at %s", otp.ExpiresAt.Format(time.RFC3339))
	}

	data, err := json.Marshal(toRedisOTP(otp))
	if err != nil {
		return fmt.Errorf("failed to marshal otp: %w", err)
	}
	if err := s.client.Set(ctx, otpKey(otp.Email, otp.Purpose), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store otp: %w", err)
	}
	return nil
}

// Find は現在保存されているコードを取得する。存在しない場合はnilを返す。
func (s *RedisOTPStore) Find(ctx context.Context, email string, purpose model.OTPPurpose) (*model.PendingOTP, error) {
	data, err := s.client.Get(ctx, otpKey(email, purpose)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get otp: %w", err)
	}
	return decodeRedisOTP(data)
}

// Verify はWATCHでキーを監視しながらcheckで判定し、MULTI/EXECで結果を反映する。
// 判定中にReplaceされた場合はEXECが失敗し、新しいコードに対して再判定する。
func (s *RedisOTPStore) Verify(ctx context.Context, email string, purpose model.OTPPurpose, check OTPCheckFunc) (OTPOutcome, error) {
	key := otpKey(email, purpose)
	var outcome OTPOutcome

	txf := func(tx *redis.Tx) error {
		outcome = OTPNotFound

		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		otp, err := decodeRedisOTP(data)
		if err != nil {
			return err
		}

		outcome = check(otp)
		switch outcome {
		case OTPMatched, OTPLocked, OTPExpired:
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			return err
		case OTPMismatch:
			otp.Attempts++
			updated, err := json.Marshal(toRedisOTP(otp))
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, redis.KeepTTL)
				return nil
			})
			return err
		}
		return nil
	}

	for i := 0; i < redisWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return outcome, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return OTPNotFound, fmt.Errorf("failed to verify otp: %w", err)
		}
	}
	// 照合中に再発行が続いた場合は安全側に倒す
	return OTPNotFound, nil
}

// DeleteExpired はRedisのキー失効に任せるため何もしない。
func (s *RedisOTPStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func toRedisOTP(otp *model.PendingOTP) redisOTP {
	return redisOTP{
		ID:        otp.ID,
		Email:     otp.Email,
		Purpose:   string(otp.Purpose),
		CodeHash:  otp.CodeHash,
		Attempts:  otp.Attempts,
		ExpiresAt: otp.ExpiresAt,
		CreatedAt: otp.CreatedAt,
	}
}

func decodeRedisOTP(data []byte) (*model.PendingOTP, error) {
	var r redisOTP
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal otp: %w", err)
	}
	return &model.PendingOTP{
		ID:        r.ID,
		Email:     r.Email,
		Purpose:   model.OTPPurpose(r.Purpose),
		CodeHash:  r.CodeHash,
		Attempts:  r.Attempts,
		ExpiresAt: r.ExpiresAt,
		CreatedAt: r.CreatedAt,
	}, nil
}

// compile-time interface check
var _ OTPStore = (*RedisOTPStore)(nil)
