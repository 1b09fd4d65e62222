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
// フェッチャー、カレンダーサービス、同期ワーカーから利用する。
// ラベルにURLやユーザーIDを含めてはならない。
type MetricsCollector interface {
	RecordFetchSuccess()
	RecordFetchFailure(reason string)
	RecordHTTPStatus(statusCode int)
	RecordFetchLatency(duration time.Duration)
	RecordParseWarnings(count int)
	RecordEventsServed(count int)
	RecordDecryptionFailure()
	RecordSyncResult(status string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	fetchSuccess   prometheus.Counter
	fetchFail      *prometheus.CounterVec
	httpStatus     *prometheus.CounterVec
	fetchLatency   prometheus.Histogram
	parseWarnings  prometheus.Counter
	eventsServed   prometheus.Counter
	decryptionFail prometheus.Counter
	syncResults    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		fetchSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vendorcal_fetch_success_total",
			Help: "外部カレンダーフィード取得成功の合計数",
		}),
		fetchFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vendorcal_fetch_fail_total",
			Help: "外部カレンダーフィード取得失敗の合計数（理由別）",
		}, []string{"reason"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vendorcal_http_status_total",
			Help: "上流HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vendorcal_fetch_latency_seconds",
			Help:    "外部カレンダーフィード取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		parseWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vendorcal_parse_warnings_total",
			Help: "破棄または縮退したVEVENTの合計数",
		}),
		eventsServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vendorcal_events_served_total",
			Help: "APIで返却した外部イベントの合計数",
		}),
		decryptionFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vendorcal_decryption_fail_total",
			Help: "保存済みカレンダーURLの復号失敗の合計数",
		}),
		syncResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vendorcal_sync_results_total",
			Help: "バックグラウンド同期の結果別件数",
		}, []string{"status"}),
	}

	reg.MustRegister(
		c.fetchSuccess,
		c.fetchFail,
		c.httpStatus,
		c.fetchLatency,
		c.parseWarnings,
		c.eventsServed,
		c.decryptionFail,
		c.syncResults,
	)

	return c
}

// RecordFetchSuccess はフェッチ成功を記録する。
func (c *Collector) RecordFetchSuccess() {
	c.fetchSuccess.Inc()
}

// RecordFetchFailure はフェッチ失敗を理由別に記録する。
func (c *Collector) RecordFetchFailure(reason string) {
	c.fetchFail.WithLabelValues(reason).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordFetchLatency はフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordParseWarnings はパース警告の件数を加算する。
func (c *Collector) RecordParseWarnings(count int) {
	c.parseWarnings.Add(float64(count))
}

// RecordEventsServed は返却したイベント数を加算する。
func (c *Collector) RecordEventsServed(count int) {
	c.eventsServed.Add(float64(count))
}

// RecordDecryptionFailure は復号失敗を記録する。
func (c *Collector) RecordDecryptionFailure() {
	c.decryptionFail.Inc()
}

// RecordSyncResult は同期結果を記録する。
func (c *Collector) RecordSyncResult(status string) {
	c.syncResults.WithLabelValues(status).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop はメトリクスを記録しないMetricsCollector。
// テストやメトリクス不要な経路で使用する。
type Nop struct{}

func (Nop) RecordFetchSuccess() {}
func (Nop) RecordFetchFailure(string) {}
func (Nop) RecordHTTPStatus(int) {}
func (Nop) RecordFetchLatency(time.Duration) {}
func (Nop) RecordParseWarnings(int) {}
func (Nop) RecordEventsServed(int) {}
func (Nop) RecordDecryptionFailure() {}
func (Nop) RecordSyncResult(string) {}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
