// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/messmenu/internal/auth"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証フロー、HTTPミドルウェア、ワーカーから利用する。
type MetricsCollector interface {
	auth.Recorder
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
	RecordCleanup(kind string, deleted int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	signInStarted  *prometheus.CounterVec
	authFailures   *prometheus.CounterVec
	reconcile      *prometheus.CounterVec
	magicLinksSent prometheus.Counter
	httpStatus     *prometheus.CounterVec
	requestLatency prometheus.Histogram
	cleanupDeleted *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		signInStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messmenu_signin_started_total",
			Help: "プロバイダ・方式別のサインイン開始数",
		}, []string{"provider", "mode"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messmenu_auth_failures_total",
			Help: "エラーコード別のサインイン失敗数",
		}, []string{"code", "silent"}),
		reconcile: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messmenu_reconcile_outcomes_total",
			Help: "リダイレクト照合の結果別の件数",
		}, []string{"outcome"}),
		magicLinksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messmenu_magic_links_sent_total",
			Help: "送信したサインインリンクの合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messmenu_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "messmenu_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		cleanupDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messmenu_cleanup_deleted_total",
			Help: "クリーンアップで削除したレコード数",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.signInStarted,
		c.authFailures,
		c.reconcile,
		c.magicLinksSent,
		c.httpStatus,
		c.requestLatency,
		c.cleanupDeleted,
	)

	return c
}

// SignInStarted はサインイン開始を記録する。
func (c *Collector) SignInStarted(provider, mode string) {
	c.signInStarted.WithLabelValues(provider, mode).Inc()
}

// AuthFailure はサインイン失敗を記録する。
func (c *Collector) AuthFailure(code string, silent bool) {
	c.authFailures.WithLabelValues(code, strconv.FormatBool(silent)).Inc()
}

// MagicLinkSent はサインインリンクの送信を記録する。
func (c *Collector) MagicLinkSent() {
	c.magicLinksSent.Inc()
}

// ReconcileOutcome はリダイレクト照合の結果を記録する。
func (c *Collector) ReconcileOutcome(outcome string) {
	c.reconcile.WithLabelValues(outcome).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエストの処理時間を記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// RecordCleanup はクリーンアップで削除した件数を記録する。
func (c *Collector) RecordCleanup(kind string, deleted int64) {
	c.cleanupDeleted.WithLabelValues(kind).Add(float64(deleted))
}

// RegisterGaugeFunc はスクレイプ時にfnの値を返すゲージを登録する。
func RegisterGaugeFunc(reg prometheus.Registerer, name, help string, labels prometheus.Labels, fn func() int) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        name,
		Help:        help,
		ConstLabels: labels,
	}, func() float64 { return float64(fn()) }))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
