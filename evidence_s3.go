package sfup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3ArchiveMirrorConfig configures the Evidence Log's S3 archival
// mirror (spec §7's "archival backend"), grounded on chronicle's
// S3Backend connection setup.
type S3ArchiveMirrorConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	MaxRetries      int
}

// S3ArchiveMirror implements SegmentArchiver against S3 or an
// S3-compatible store.
type S3ArchiveMirror struct {
	client *s3.Client
	cfg    S3ArchiveMirrorConfig
	guard  *ResourceGuard
}

// NewS3ArchiveMirror builds an archiver from cfg.
func NewS3ArchiveMirror(ctx context.Context, cfg S3ArchiveMirrorConfig) (*S3ArchiveMirror, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("evidence: s3 archive mirror requires a bucket")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("evidence: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3ArchiveMirror{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		cfg:    cfg,
		guard: NewResourceGuard(RetryConfig{
			MaxAttempts:       cfg.MaxRetries,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           IsTransient,
		}, 5, 30*time.Second),
	}, nil
}

// Archive uploads a rotated, snappy-compressed segment to S3 under
// cfg.Prefix, retrying transient failures and short-circuiting through
// a circuit breaker during an outage so EvidenceLog rotation never
// blocks indefinitely on a dead archival backend.
func (m *S3ArchiveMirror) Archive(segmentName string, compressed []byte) error {
	key := segmentName
	if m.cfg.Prefix != "" {
		key = m.cfg.Prefix + "/" + segmentName
	}

	err := m.guard.Do(context.Background(), func() error {
		_, err := m.client.PutObject(context.Background(), &s3.PutObjectInput{
			Bucket: aws.String(m.cfg.Bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(compressed),
		})
		return err
	})
	if err != nil && !errors.Is(err, ErrCircuitOpen) {
		return fmt.Errorf("evidence: archive segment %s (breaker %s): %w", segmentName, m.guard.State(), err)
	}
	return err
}
