package client

import (
	"errors"
	"sync"
	"time"
)

// DefaultResendCooldown はOTP再送のクールダウン。
const DefaultResendCooldown = 60 * time.Second

// ErrCooldownActive はクールダウン中に再送しようとした場合のエラー。
var ErrCooldownActive = errors.New("client: resend cooldown active")

// Cooldown は再送ボタンのカウントダウン。時計は差し替えられる。
type Cooldown struct {
	mu     sync.Mutex
	period time.Duration
	until  time.Time
	now    func() time.Time
}

// NewCooldown はCooldownを生成する。nowがnilの場合はtime.Nowを使う。
func NewCooldown(period time.Duration, now func() time.Time) *Cooldown {
	if period <= 0 {
		period = DefaultResendCooldown
	}
	if now == nil {
		now = time.Now
	}
	return &Cooldown{period: period, now: now}
}

// Start は既定の期間でカウントダウンを開始する。
func (c *Cooldown) Start() {
	c.StartFor(c.period)
}

// StartFor は指定した期間でカウントダウンを開始する。
// サーバーのRetry-Afterに合わせる場合に使う。
func (c *Cooldown) StartFor(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until = c.now().Add(d)
}

// Reset はカウントダウンを止める。
func (c *Cooldown) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until = time.Time{}
}

// Remaining は残り時間を返す。終了していれば0。
func (c *Cooldown) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d := c.until.Sub(c.now()); d > 0 {
		return d
	}
	return 0
}

// RemainingSeconds は表示用に切り上げた残り秒数を返す。
func (c *Cooldown) RemainingSeconds() int {
	d := c.Remaining()
	return int((d + time.Second - 1) / time.Second)
}

// Try は操作を実行してよいかを返す。残り時間がある間は何もせずfalseを返す。
// カウントダウンは操作が成功した後にStartで開始する。
func (c *Cooldown) Try() bool {
	return c.Remaining() == 0
}
