// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証サービス、テンプレート同期、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordAuthEvent(operation, result string)
	RecordOTPVerification(outcome string)
	RecordOTPIssued(purpose string)
	RecordSyncRun(result string, files int, duration time.Duration)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authEvents   *prometheus.CounterVec
	otpVerify    *prometheus.CounterVec
	otpIssued    *prometheus.CounterVec
	syncRuns     *prometheus.CounterVec
	syncFiles    prometheus.Gauge
	syncDuration prometheus.Histogram
	httpStatus   *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "santhai_auth_events_total",
			Help: "認証操作の結果別件数",
		}, []string{"operation", "result"}),
		otpVerify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "santhai_otp_verifications_total",
			Help: "ワンタイムコード照合の判定別件数",
		}, []string{"outcome"}),
		otpIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "santhai_otp_issued_total",
			Help: "発行したワンタイムコードの件数",
		}, []string{"purpose"}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "santhai_template_sync_runs_total",
			Help: "テンプレート同期の結果別実行回数",
		}, []string{"result"}),
		syncFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "santhai_template_files",
			Help: "直近の同期で取得したテンプレートファイル数",
		}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "santhai_template_sync_duration_seconds",
			Help:    "テンプレート同期の所要時間（秒）",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "santhai_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.authEvents,
		c.otpVerify,
		c.otpIssued,
		c.syncRuns,
		c.syncFiles,
		c.syncDuration,
		c.httpStatus,
	)

	return c
}

// RecordAuthEvent は認証操作（signup, login, verify, resend, google）の結果を記録する。
func (c *Collector) RecordAuthEvent(operation, result string) {
	c.authEvents.WithLabelValues(operation, result).Inc()
}

// RecordOTPVerification はワンタイムコード照合の判定を記録する。
func (c *Collector) RecordOTPVerification(outcome string) {
	c.otpVerify.WithLabelValues(outcome).Inc()
}

// RecordOTPIssued はワンタイムコードの発行を記録する。
func (c *Collector) RecordOTPIssued(purpose string) {
	c.otpIssued.WithLabelValues(purpose).Inc()
}

// RecordSyncRun はテンプレート同期の実行結果を記録する。
// 成功時のみファイル数のゲージを更新する。
func (c *Collector) RecordSyncRun(result string, files int, duration time.Duration) {
	c.syncRuns.WithLabelValues(result).Inc()
	c.syncDuration.Observe(duration.Seconds())
	if result == "synced" {
		c.syncFiles.Set(float64(files))
	}
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。メトリクス不要なテストやCLIで使用する。
type Nop struct{}

func (Nop) RecordAuthEvent(string, string) {}
func (Nop) RecordOTPVerification(string) {}
func (Nop) RecordOTPIssued(string) {}
func (Nop) RecordSyncRun(string, int, time.Duration) {}
func (Nop) RecordHTTPStatus(int) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// ワーカープロセスが単独でメトリクスを公開する場合に使用する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
