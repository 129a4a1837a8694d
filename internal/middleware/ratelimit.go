package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hitoshi/santhai/internal/model"
	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // 認証済みAPIのレート（req/sec）。120/60 = 2 req/sec
	GeneralBurst    int           // 認証済みAPIのバーストサイズ
	AuthRate        rate.Limit    // 認証エンドポイントのIPごとのレート（req/sec）。20/60
	AuthBurst       int           // 認証エンドポイントのバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// 認証済みAPI 120 req/min/user、認証エンドポイント 20 req/min/IP
func DefaultRateLimiterConfig() RateLimiterConfig {
	return PerMinuteRateLimiterConfig(120, 20)
}

// PerMinuteRateLimiterConfig は1分あたりのリクエスト数から設定を生成する。
func PerMinuteRateLimiterConfig(generalPerMinute, authPerMinute int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(float64(generalPerMinute) / 60.0),
		GeneralBurst:    generalPerMinute,
		AuthRate:        rate.Limit(float64(authPerMinute) / 60.0),
		AuthBurst:       authPerMinute,
		CleanupInterval: 5 * time.Minute,
	}
}

// keyEntry はキーごとのレートリミッターとアクセス時刻を保持する。
type keyEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// KeyedLimiter はキー（ユーザーID、IPアドレス、メールアドレス）ごとのトークンバケット。
type KeyedLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*keyEntry
}

// NewKeyedLimiter は新しいKeyedLimiterを生成する。
func NewKeyedLimiter(limit rate.Limit, burst int) *KeyedLimiter {
	if burst < 1 {
		burst = 1
	}
	return &KeyedLimiter{
		limit:   limit,
		burst:   burst,
		entries: make(map[string]*keyEntry),
	}
}

// entry はキーのエントリを返す。呼び出し側でmuを保持すること。
func (k *KeyedLimiter) entry(key string, now time.Time) *keyEntry {
	e, ok := k.entries[key]
	if !ok {
		e = &keyEntry{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.entries[key] = e
	}
	e.lastAccess = now
	return e
}

// Allow はキーのトークンを1つ消費できるかを返す。
func (k *KeyedLimiter) Allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := time.Now()
	return k.entry(key, now).limiter.AllowN(now, 1)
}

// Take はトークンを1つ消費する。枯渇している場合は予約を取り消してトークンを残し、
// 次のトークンが補充されるまでの待ち時間を返す。
func (k *KeyedLimiter) Take(key string) (time.Duration, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now()
	r := k.entry(key, now).limiter.ReserveN(now, 1)
	if !r.OK() {
		return k.RetryAfter(), false
	}
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return wait, false
	}
	return 0, true
}

// refillWindow は空のバケットが満杯に戻るまでの時間。
// 最終アクセスからこれ以上経ったエントリは新規作成と区別がつかない。
func (k *KeyedLimiter) refillWindow() time.Duration {
	if k.limit <= 0 || k.limit == rate.Inf {
		return 0
	}
	return time.Duration(float64(k.burst) / float64(k.limit) * float64(time.Second))
}

// RetryAfter はトークンが1つ補充されるまでの推定時間を返す。最小1秒。
func (k *KeyedLimiter) RetryAfter() time.Duration {
	if k.limit <= 0 {
		return time.Minute
	}
	secs := math.Ceil(1.0 / float64(k.limit))
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// Len は現在管理しているキーの数を返す。テストおよびメトリクス用。
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// Cleanup は最終アクセスからttlを超えたエントリを削除する。
// ttlがバケットの補充時間より短い場合は補充時間まで保持し、削除で制限が緩まないようにする。
func (k *KeyedLimiter) Cleanup(ttl time.Duration) {
	if w := k.refillWindow(); w > ttl {
		ttl = w
	}
	now := time.Now()
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, e := range k.entries {
		if now.Sub(e.lastAccess) > ttl {
			delete(k.entries, key)
		}
	}
}

// RateLimiter は認証済みAPIと認証エンドポイントのレート制限を管理する。
type RateLimiter struct {
	config  RateLimiterConfig
	general *KeyedLimiter
	auth    *KeyedLimiter
	extra   []*KeyedLimiter
	logger  *slog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	rl := &RateLimiter{
		config:  config,
		general: NewKeyedLimiter(config.GeneralRate, config.GeneralBurst),
		auth:    NewKeyedLimiter(config.AuthRate, config.AuthBurst),
		logger:  logger,
		stopCh:  make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Track はクリーンアップ対象に別のKeyedLimiterを追加する。
// メールアドレス単位のOTP発行制限など、ミドルウェア以外で使うリミッター向け。
func (rl *RateLimiter) Track(k *KeyedLimiter) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.extra = append(rl.extra, k)
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// GeneralMiddleware は認証済みAPIのユーザーごとのレート制限ミドルウェアを返す。
// 認証ミドルウェアの後に配置する。ユーザーIDがない場合はIPアドレスで制限する。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.general, "general", func(r *http.Request) string {
		if userID, ok := UserIDFromContext(r.Context()); ok {
			return "user:" + strconv.FormatInt(userID, 10)
		}
		return "ip:" + ClientIP(r)
	})
}

// AuthMiddleware は認証エンドポイントのIPアドレスごとのレート制限ミドルウェアを返す。
func (rl *RateLimiter) AuthMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.auth, "auth", ClientIP)
}

// GeneralLimiterCount は認証済みAPIリミッターのエントリ数を返す。
func (rl *RateLimiter) GeneralLimiterCount() int { return rl.general.Len() }

// AuthLimiterCount は認証エンドポイントリミッターのエントリ数を返す。
func (rl *RateLimiter) AuthLimiterCount() int { return rl.auth.Len() }

func (rl *RateLimiter) middleware(k *KeyedLimiter, limitType string, keyFn func(*http.Request) string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if !k.Allow(key) {
				rl.logger.Warn("rate limit exceeded",
					slog.String("key", key),
					slog.String("limit_type", limitType),
				)
				WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitExceededError(k.RetryAfter()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍（またはバケットの補充時間）を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2
	rl.general.Cleanup(ttl)
	rl.auth.Cleanup(ttl)

	rl.mu.Lock()
	extra := append([]*KeyedLimiter(nil), rl.extra...)
	rl.mu.Unlock()
	for _, k := range extra {
		k.Cleanup(ttl)
	}
}

// ClientIP はリクエスト元のIPアドレスを返す。
// chiのRealIPミドルウェアの後に配置するとプロキシヘッダーの値が使われる。
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
