// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ジョブ失敗の種別ラベル
const (
	FailureTransient = "transient"
	FailurePermanent = "permanent"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 受付サービス、集計ワーカー、定期ジョブから利用する。
type MetricsCollector interface {
	RecordSubmissionAccepted()
	RecordSubmissionRejected(reason string)
	RecordEnqueueFailure()
	RecordJobProcessed(insertedPages int64)
	RecordJobFailed(kind string)
	RecordAggregationLatency(duration time.Duration)
	RecordLockWait(duration time.Duration)
	RecordAggregateInconsistency()
	RecordAuditMismatches(count int)
	RecordSubmissionsRequeued(count int)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	submissionsAccepted prometheus.Counter
	submissionsRejected *prometheus.CounterVec
	enqueueFailures     prometheus.Counter
	jobsProcessed       prometheus.Counter
	jobsFailed          *prometheus.CounterVec
	pagesInserted       prometheus.Counter
	aggregationLatency  prometheus.Histogram
	lockWait            prometheus.Histogram
	inconsistencies     prometheus.Counter
	auditMismatches     prometheus.Counter
	requeued            prometheus.Counter
	httpStatus          *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		submissionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "readtrack_submissions_accepted_total",
			Help: "受け付けた読書区間の合計数",
		}),
		submissionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "readtrack_submissions_rejected_total",
			Help: "検証で拒否した読書区間の数（理由別）",
		}, []string{"reason"}),
		enqueueFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "readtrack_enqueue_failures_total",
			Help: "送信ログ保存後の集計ジョブ投入失敗の合計数",
		}),
		jobsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "readtrack_jobs_processed_total",
			Help: "コミットまで完了した集計ジョブの合計数",
		}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "readtrack_jobs_failed_total",
			Help: "失敗した集計ジョブの試行数（transient/permanent別）",
		}, []string{"kind"}),
		pagesInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "readtrack_coverage_pages_inserted_total",
			Help: "新規に挿入された既読ページ事実の合計数",
		}),
		aggregationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "readtrack_aggregation_latency_seconds",
			Help:    "集計ジョブ1件の処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "readtrack_book_lock_wait_seconds",
			Help:    "本ごとのロック取得までの待ち時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		inconsistencies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "readtrack_aggregate_inconsistencies_total",
			Help: "既読ページ数が総ページ数を超えた集計不整合の検出数",
		}),
		auditMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "readtrack_audit_mismatches_total",
			Help: "監査で検出した集計値の食い違いの合計数",
		}),
		requeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "readtrack_submissions_requeued_total",
			Help: "再投入スイーパーが投入した送信の合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "readtrack_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.submissionsAccepted,
		c.submissionsRejected,
		c.enqueueFailures,
		c.jobsProcessed,
		c.jobsFailed,
		c.pagesInserted,
		c.aggregationLatency,
		c.lockWait,
		c.inconsistencies,
		c.auditMismatches,
		c.requeued,
		c.httpStatus,
	)

	return c
}

// RecordSubmissionAccepted は読書区間の受付を記録する。
func (c *Collector) RecordSubmissionAccepted() {
	c.submissionsAccepted.Inc()
}

// RecordSubmissionRejected は検証エラーによる拒否を記録する。reasonにはエラーコードを渡す。
func (c *Collector) RecordSubmissionRejected(reason string) {
	c.submissionsRejected.WithLabelValues(reason).Inc()
}

// RecordEnqueueFailure はジョブ投入の失敗を記録する。
func (c *Collector) RecordEnqueueFailure() {
	c.enqueueFailures.Inc()
}

// RecordJobProcessed は集計ジョブの完了と新規挿入ページ数を記録する。
func (c *Collector) RecordJobProcessed(insertedPages int64) {
	c.jobsProcessed.Inc()
	c.pagesInserted.Add(float64(insertedPages))
}

// RecordJobFailed は集計ジョブの失敗を記録する。
func (c *Collector) RecordJobFailed(kind string) {
	c.jobsFailed.WithLabelValues(kind).Inc()
}

// RecordAggregationLatency は集計ジョブの処理時間を記録する。
func (c *Collector) RecordAggregationLatency(duration time.Duration) {
	c.aggregationLatency.Observe(duration.Seconds())
}

// RecordLockWait は本ロックの待ち時間を記録する。
func (c *Collector) RecordLockWait(duration time.Duration) {
	c.lockWait.Observe(duration.Seconds())
}

// RecordAggregateInconsistency は集計不整合（データ整合性アラーム）を記録する。
func (c *Collector) RecordAggregateInconsistency() {
	c.inconsistencies.Inc()
}

// RecordAuditMismatches は監査で検出した食い違いの件数を記録する。
func (c *Collector) RecordAuditMismatches(count int) {
	c.auditMismatches.Add(float64(count))
}

// RecordSubmissionsRequeued は再投入した送信の件数を記録する。
func (c *Collector) RecordSubmissionsRequeued(count int) {
	c.requeued.Add(float64(count))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// workerモードではこのハンドラーだけを別ポートで公開する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
