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
// サービス層、変更フィードのHub、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordBookmarkCreated()
	RecordBookmarkDeleted()
	RecordWriteFailure(operation string)
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
	SetFeedSubscribers(count int)
	RecordEventDelivered(kind string)
	RecordEventDropped()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	bookmarksCreated prometheus.Counter
	bookmarksDeleted prometheus.Counter
	writeFail        *prometheus.CounterVec
	httpStatus       *prometheus.CounterVec
	requestLatency   prometheus.Histogram
	feedSubscribers  prometheus.Gauge
	eventsDelivered  *prometheus.CounterVec
	eventsDropped    prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		bookmarksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smartmark_bookmarks_created_total",
			Help: "作成されたブックマークの合計数",
		}),
		bookmarksDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smartmark_bookmarks_deleted_total",
			Help: "削除されたブックマークの合計数",
		}),
		writeFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartmark_write_fail_total",
			Help: "書き込み操作の失敗数",
		}, []string{"operation"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartmark_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "smartmark_request_latency_seconds",
			Help:    "HTTPリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		feedSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smartmark_feed_subscribers",
			Help: "接続中の変更フィード購読者数",
		}),
		eventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartmark_feed_events_delivered_total",
			Help: "購読者に配信された変更イベント数",
		}, []string{"type"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smartmark_feed_events_dropped_total",
			Help: "購読者のバッファ溢れで破棄された変更イベント数",
		}),
	}

	reg.MustRegister(
		c.bookmarksCreated,
		c.bookmarksDeleted,
		c.writeFail,
		c.httpStatus,
		c.requestLatency,
		c.feedSubscribers,
		c.eventsDelivered,
		c.eventsDropped,
	)

	return c
}

// RecordBookmarkCreated はブックマーク作成を記録する。
func (c *Collector) RecordBookmarkCreated() {
	c.bookmarksCreated.Inc()
}

// RecordBookmarkDeleted はブックマーク削除を記録する。
func (c *Collector) RecordBookmarkDeleted() {
	c.bookmarksDeleted.Inc()
}

// RecordWriteFailure は書き込み失敗を操作種別ごとに記録する。
func (c *Collector) RecordWriteFailure(operation string) {
	c.writeFail.WithLabelValues(operation).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエストのレイテンシを記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// SetFeedSubscribers は接続中の購読者数を設定する。
func (c *Collector) SetFeedSubscribers(count int) {
	c.feedSubscribers.Set(float64(count))
}

// RecordEventDelivered は変更イベントの配信を記録する。
func (c *Collector) RecordEventDelivered(kind string) {
	c.eventsDelivered.WithLabelValues(kind).Inc()
}

// RecordEventDropped は破棄された変更イベントを記録する。
func (c *Collector) RecordEventDropped() {
	c.eventsDropped.Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordBookmarkCreated()             {}
func (Nop) RecordBookmarkDeleted()             {}
func (Nop) RecordWriteFailure(string)          {}
func (Nop) RecordHTTPStatus(int)               {}
func (Nop) RecordRequestLatency(time.Duration) {}
func (Nop) SetFeedSubscribers(int)             {}
func (Nop) RecordEventDelivered(string)        {}
func (Nop) RecordEventDropped()                {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
