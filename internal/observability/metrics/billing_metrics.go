package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	ErrorTypeDeadlineExceeded = "deadline_exceeded"
	ErrorTypeDB               = "db"
	ErrorTypeBusinessRule     = "business_rule"
	ErrorTypeUnknown          = "unknown"
)

const (
	JobReasonDeadlineExceeded     = "deadline_exceeded"
	JobReasonDBLockTimeout        = "db_lock_timeout"
	JobReasonSerializationFailure = "serialization_failure"
	JobReasonUniqueViolation      = "unique_violation"
	JobReasonUnknown              = "unknown"
)

// BillingMetrics captures billing run health for dashboards and alerts.
type BillingMetrics struct {
	jobRuns                 *prometheus.CounterVec
	jobDuration             *prometheus.HistogramVec
	jobTimeouts             *prometheus.CounterVec
	jobErrors               *prometheus.CounterVec
	runLoopLag              prometheus.Histogram
	outcomes                *prometheus.CounterVec
	invoiceTransitions      *prometheus.CounterVec
	subscriptionTransitions *prometheus.CounterVec
	lockContention          *prometheus.CounterVec
	notificationFailures    *prometheus.CounterVec
	unrecordedCharges       prometheus.Counter
}

var (
	billingMetricsOnce sync.Once
	billingMetrics     *BillingMetrics
)

// Billing returns the singleton billing metrics registry.
func Billing() *BillingMetrics {
	return BillingWithConfig(Config{})
}

// BillingWithConfig returns the singleton, labelled with service and env on
// first use.
func BillingWithConfig(cfg Config) *BillingMetrics {
	billingMetricsOnce.Do(func() {
		billingMetrics = newBillingMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return billingMetrics
}

// ResetBillingMetricsForTest resets the singleton for tests.
func ResetBillingMetricsForTest() {
	billingMetricsOnce = sync.Once{}
	billingMetrics = nil
}

func newBillingMetrics(registerer prometheus.Registerer, cfg Config) *BillingMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "pawbill"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{"service": serviceName, "env": environment}

	m := &BillingMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "pawbill_billing_job_runs_total",
			Help:        "Billing job runs by name.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "pawbill_billing_job_duration_seconds",
			Help:        "Billing job latency.",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "pawbill_billing_job_timeouts_total",
			Help:        "Billing jobs cut short by their deadline.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "pawbill_billing_job_errors_total",
			Help:        "Billing job errors by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		runLoopLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "pawbill_billing_schedule_lag_seconds",
			Help:        "Delay between the scheduled fire time and the run start.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			ConstLabels: constLabels,
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "pawbill_billing_subscription_outcomes_total",
			Help:        "Per-subscription billing outcomes.",
			ConstLabels: constLabels,
		}, []string{"trigger", "outcome"}),
		invoiceTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "pawbill_invoice_transitions_total",
			Help:        "Invoice status transitions.",
			ConstLabels: constLabels,
		}, []string{"from", "to"}),
		subscriptionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "pawbill_subscription_transitions_total",
			Help:        "Subscription status transitions made by billing.",
			ConstLabels: constLabels,
		}, []string{"from", "to"}),
		lockContention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "pawbill_billing_lock_contention_total",
			Help:        "Subscriptions skipped because another run held the lock.",
			ConstLabels: constLabels,
		}, []string{"backend"}),
		notificationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "pawbill_notification_failures_total",
			Help:        "Customer notifications that could not be delivered.",
			ConstLabels: constLabels,
		}, []string{"event_type"}),
		unrecordedCharges: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "pawbill_billing_unrecorded_charges_total",
			Help:        "Settled charges whose bookkeeping transaction failed.",
			ConstLabels: constLabels,
		}),
	}

	registerer.MustRegister(
		m.jobRuns,
		m.jobDuration,
		m.jobTimeouts,
		m.jobErrors,
		m.runLoopLag,
		m.outcomes,
		m.invoiceTransitions,
		m.subscriptionTransitions,
		m.lockContention,
		m.notificationFailures,
		m.unrecordedCharges,
	)
	return m
}

func (m *BillingMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *BillingMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *BillingMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

func (m *BillingMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyJobReason(err)).Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *BillingMetrics) ObserveRunLoopLag(lag time.Duration) {
	if m == nil {
		return
	}
	if lag < 0 {
		lag = 0
	}
	m.runLoopLag.Observe(lag.Seconds())
}

func (m *BillingMetrics) IncOutcome(trigger, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(trigger, outcome).Inc()
}

func (m *BillingMetrics) IncInvoiceTransition(from, to string) {
	if m == nil {
		return
	}
	if from == "" {
		from = "none"
	}
	m.invoiceTransitions.WithLabelValues(from, to).Inc()
}

func (m *BillingMetrics) IncSubscriptionTransition(from, to string) {
	if m == nil || from == to {
		return
	}
	m.subscriptionTransitions.WithLabelValues(from, to).Inc()
}

func (m *BillingMetrics) IncLockContention(backend string) {
	if m == nil {
		return
	}
	m.lockContention.WithLabelValues(backend).Inc()
}

func (m *BillingMetrics) IncNotificationFailure(eventType string) {
	if m == nil {
		return
	}
	m.notificationFailures.WithLabelValues(eventType).Inc()
}

func (m *BillingMetrics) IncUnrecordedCharge() {
	if m == nil {
		return
	}
	m.unrecordedCharges.Inc()
}

// ClassifyErrorType returns a low-cardinality error type for logging.
func ClassifyErrorType(err error) string {
	switch {
	case err == nil:
		return ErrorTypeUnknown
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return ErrorTypeDeadlineExceeded
	case isDBError(err):
		return ErrorTypeDB
	default:
		return ErrorTypeBusinessRule
	}
}

// IsRetryable reports whether a later run could succeed without intervention.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return isDBError(err)
}

// ClassifyJobReason maps job errors to low-cardinality reasons.
func ClassifyJobReason(err error) string {
	switch {
	case err == nil:
		return JobReasonUnknown
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return JobReasonDeadlineExceeded
	case hasPGCode(err, "55P03"):
		return JobReasonDBLockTimeout
	case hasPGCode(err, "40001"):
		return JobReasonSerializationFailure
	case errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505"):
		return JobReasonUniqueViolation
	default:
		return JobReasonUnknown
	}
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrUnsupportedDriver) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
