package audit

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/guildtools/guildgate/pkg/observability"
	"github.com/guildtools/guildgate/pkg/store"
)

var tracer = otel.Tracer("github.com/guildtools/guildgate/pkg/audit")

// S3Config configures the audit archiver's object storage target.
type S3Config struct {
	Bucket    string
	Region    string
	Prefix    string
	AccessKey string
	SecretKey string

	// Endpoint and UsePathStyle support S3-compatible stores (MinIO).
	Endpoint     string
	UsePathStyle bool
}

// S3Archiver uploads expired audit entries as gzipped NDJSON objects under
// <prefix>/<date>/guildgate-audits-<timestamp>.ndjson.gz.
type S3Archiver struct {
	client  *s3.Client
	bucket  string
	prefix  string
	metrics *observability.OTelMetrics
}

// NewS3Archiver builds the archiver. Static credentials are used when both
// keys are set; otherwise the default AWS credential chain applies.
func NewS3Archiver(ctx context.Context, cfg S3Config, metrics *observability.OTelMetrics) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKey,
				cfg.SecretKey,
				"",
			)),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "audit"
	}

	return &S3Archiver{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  prefix,
		metrics: metrics,
	}, nil
}

// Archive uploads the entries and returns the object key.
func (a *S3Archiver) Archive(ctx context.Context, entries []store.FeaturePermissionAudit) (string, error) {
	now := time.Now().UTC()
	key := fmt.Sprintf("%s/%s/guildgate-audits-%d.ndjson.gz",
		a.prefix, now.Format("2006-01-02"), now.UnixNano())

	ctx, span := tracer.Start(ctx, "audit.Archive",
		trace.WithAttributes(
			attribute.String("s3.bucket", a.bucket),
			attribute.String("s3.key", key),
			attribute.Int("audit.entries", len(entries)),
		),
	)
	defer span.End()

	start := time.Now()
	body, err := compressNDJSON(entries)
	if err == nil {
		_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:          aws.String(a.bucket),
			Key:             aws.String(key),
			Body:            bytes.NewReader(body),
			ContentType:     aws.String("application/x-ndjson"),
			ContentEncoding: aws.String("gzip"),
		})
	}

	if a.metrics != nil {
		a.metrics.RecordArchiveUpload(ctx, a.bucket, int64(len(body)), time.Since(start), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "archive upload failed")
		return "", fmt.Errorf("failed to upload audit archive: %w", err)
	}

	span.SetAttributes(attribute.Int("s3.bytes", len(body)))
	return key, nil
}

func compressNDJSON(entries []store.FeaturePermissionAudit) ([]byte, error) {
	raw, err := Export(entries, FormatNDJSON)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to compress audit archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize audit archive: %w", err)
	}
	return buf.Bytes(), nil
}
