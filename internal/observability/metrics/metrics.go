package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/smallbiznis/billingcore"

// PipelineMetrics captures billing pipeline health signals: invoices written,
// line items priced, discount clamps, and per-customer run failures.
type PipelineMetrics struct {
	invoicesGenerated metric.Int64Counter
	lineItems         metric.Int64Counter
	discountCapped    metric.Int64Counter
	customerFailures  metric.Int64Counter
	runDuration       metric.Float64Histogram
}

var (
	pipelineOnce sync.Once
	pipeline     *PipelineMetrics
)

// Pipeline returns the singleton pipeline metrics registry. Instruments are
// created against the global meter provider, so they are noop until a real
// provider is installed.
func Pipeline() *PipelineMetrics {
	pipelineOnce.Do(func() {
		pipeline = newPipelineMetrics()
	})
	return pipeline
}

// ResetPipelineMetricsForTest resets the pipeline metrics singleton for tests.
func ResetPipelineMetricsForTest() {
	pipelineOnce = sync.Once{}
	pipeline = nil
}

func newPipelineMetrics() *PipelineMetrics {
	meter := otel.Meter(meterName)

	invoicesGenerated, _ := meter.Int64Counter(
		"billingcore_invoices_generated_total",
		metric.WithDescription("Invoices generated, by status."),
	)
	lineItems, _ := meter.Int64Counter(
		"billingcore_pricing_line_items_total",
		metric.WithDescription("Tier line items produced by the pricing engine."),
	)
	discountCapped, _ := meter.Int64Counter(
		"billingcore_discount_capped_total",
		metric.WithDescription("Discount applications clamped at zero."),
	)
	customerFailures, _ := meter.Int64Counter(
		"billingcore_billing_run_customer_failures_total",
		metric.WithDescription("Customers that failed inside a billing run, by reason."),
	)
	runDuration, _ := meter.Float64Histogram(
		"billingcore_billing_run_duration_seconds",
		metric.WithDescription("Wall-clock duration of billing runs."),
	)

	return &PipelineMetrics{
		invoicesGenerated: invoicesGenerated,
		lineItems:         lineItems,
		discountCapped:    discountCapped,
		customerFailures:  customerFailures,
		runDuration:       runDuration,
	}
}

func (m *PipelineMetrics) IncInvoiceGenerated(status string) {
	if m == nil || m.invoicesGenerated == nil {
		return
	}
	m.invoicesGenerated.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("status", status)))
}

func (m *PipelineMetrics) AddLineItems(count int) {
	if m == nil || m.lineItems == nil || count <= 0 {
		return
	}
	m.lineItems.Add(context.Background(), int64(count))
}

func (m *PipelineMetrics) IncDiscountCapped(count int) {
	if m == nil || m.discountCapped == nil || count <= 0 {
		return
	}
	m.discountCapped.Add(context.Background(), int64(count))
}

func (m *PipelineMetrics) IncCustomerFailure(reason string) {
	if m == nil || m.customerFailures == nil {
		return
	}
	m.customerFailures.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *PipelineMetrics) ObserveRunDuration(d time.Duration) {
	if m == nil || m.runDuration == nil {
		return
	}
	m.runDuration.Record(context.Background(), d.Seconds())
}
