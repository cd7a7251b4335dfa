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
// サービス層やミドルウェアから利用する。
type MetricsCollector interface {
	RecordInference(disease, outcome string, duration time.Duration)
	RecordPredictionCache(hit bool)
	RecordModelLoaded(disease string, loaded bool)
	RecordAuthEvent(event, outcome string)
	RecordEmail(kind string, err error)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	inferenceTotal   *prometheus.CounterVec
	inferenceLatency *prometheus.HistogramVec
	cacheLookups     *prometheus.CounterVec
	modelLoaded      *prometheus.GaugeVec
	authEvents       *prometheus.CounterVec
	emails           *prometheus.CounterVec
	httpStatus       *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		inferenceTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "neurosight_inference_total",
			Help: "疾患・結果別の推論回数",
		}, []string{"disease", "outcome"}),
		inferenceLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "neurosight_inference_latency_seconds",
			Help:    "推論のレイテンシ（秒）",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"disease"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "neurosight_prediction_cache_lookups_total",
			Help: "推論結果キャッシュの参照回数",
		}, []string{"result"}),
		modelLoaded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "neurosight_model_loaded",
			Help: "起動時にロードできたモデル（1=ロード済み, 0=利用不可）",
		}, []string{"disease"}),
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "neurosight_auth_events_total",
			Help: "認証イベント別の処理回数",
		}, []string{"event", "outcome"}),
		emails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "neurosight_emails_total",
			Help: "種類・結果別のメール送信数",
		}, []string{"kind", "outcome"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "neurosight_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.inferenceTotal,
		c.inferenceLatency,
		c.cacheLookups,
		c.modelLoaded,
		c.authEvents,
		c.emails,
		c.httpStatus,
	)

	return c
}

// RecordInference は推論結果とレイテンシを記録する。
func (c *Collector) RecordInference(disease, outcome string, duration time.Duration) {
	c.inferenceTotal.WithLabelValues(disease, outcome).Inc()
	c.inferenceLatency.WithLabelValues(disease).Observe(duration.Seconds())
}

// RecordPredictionCache はキャッシュのヒット/ミスを記録する。
func (c *Collector) RecordPredictionCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

// RecordModelLoaded はモデルのロード状態を記録する。
func (c *Collector) RecordModelLoaded(disease string, loaded bool) {
	v := 0.0
	if loaded {
		v = 1
	}
	c.modelLoaded.WithLabelValues(disease).Set(v)
}

// RecordAuthEvent は認証イベントを記録する。outcomeにはエラーコードまたは"ok"を渡す。
func (c *Collector) RecordAuthEvent(event, outcome string) {
	c.authEvents.WithLabelValues(event, outcome).Inc()
}

// RecordEmail はメール送信結果を記録する。
func (c *Collector) RecordEmail(kind string, err error) {
	outcome := "sent"
	if err != nil {
		outcome = "failed"
	}
	c.emails.WithLabelValues(kind, outcome).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordInference(string, string, time.Duration) {}
func (Nop) RecordPredictionCache(bool)                    {}
func (Nop) RecordModelLoaded(string, bool)                {}
func (Nop) RecordAuthEvent(string, string)                {}
func (Nop) RecordEmail(string, error)                     {}
func (Nop) RecordHTTPStatus(int)                          {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
