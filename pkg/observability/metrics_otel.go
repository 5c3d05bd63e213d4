package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics holds OpenTelemetry metric instruments for components that
// report through the OTLP pipeline in addition to Prometheus (currently the
// audit archiver).
type OTelMetrics struct {
	// Archive metrics
	archiveUploads       metric.Int64Counter
	archiveUploadBytes   metric.Int64Histogram
	archiveUploadLatency metric.Float64Histogram

	// Permission pipeline metrics
	permissionChecks metric.Int64Counter
}

// NewOTelMetrics creates a new OTel metrics instance
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter("github.com/guildtools/guildgate")

	m := &OTelMetrics{}
	var err error

	m.archiveUploads, err = meter.Int64Counter(
		"audit.archive.uploads",
		metric.WithDescription("Total number of audit archive uploads"),
		metric.WithUnit("{upload}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive uploads counter: %w", err)
	}

	m.archiveUploadBytes, err = meter.Int64Histogram(
		"audit.archive.upload.bytes",
		metric.WithDescription("Compressed size of audit archive uploads"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive upload bytes histogram: %w", err)
	}

	m.archiveUploadLatency, err = meter.Float64Histogram(
		"audit.archive.upload.duration",
		metric.WithDescription("Audit archive upload duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive upload duration histogram: %w", err)
	}

	m.permissionChecks, err = meter.Int64Counter(
		"permission.checks",
		metric.WithDescription("Total number of permission checks"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create permission checks counter: %w", err)
	}

	return m, nil
}

// RecordArchiveUpload records one archive upload attempt.
func (m *OTelMetrics) RecordArchiveUpload(ctx context.Context, bucket string, bytes int64, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("bucket", bucket),
		attribute.String("status", status),
	)
	m.archiveUploads.Add(ctx, 1, attrs)
	if err == nil {
		m.archiveUploadBytes.Record(ctx, bytes, attrs)
	}
	m.archiveUploadLatency.Record(ctx, duration.Seconds(), attrs)
}

// RecordPermissionCheck records one permission decision.
func (m *OTelMetrics) RecordPermissionCheck(ctx context.Context, outcome, rule string) {
	m.permissionChecks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("rule", rule),
	))
}
