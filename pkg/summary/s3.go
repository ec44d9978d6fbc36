package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/openfroyo/fabprov/pkg/engine"
)

// PutObjectAPI is the subset of the S3 client used by S3Writer.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config locates the summary mirror.
type S3Config struct {
	Bucket  string
	Prefix  string
	Region  string
	Profile string
}

// S3Writer mirrors summaries to s3://<bucket>/<prefix>/<run-id>.json and
// s3://<bucket>/<prefix>/latest.json.
type S3Writer struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// NewS3Writer creates a writer using the default AWS credential chain.
func NewS3Writer(ctx context.Context, cfg S3Config) (*S3Writer, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 summary mirror requires a bucket")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	return NewS3WriterWithClient(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Prefix), nil
}

// NewS3WriterWithClient creates a writer around an existing client.
func NewS3WriterWithClient(client PutObjectAPI, bucket, prefix string) *S3Writer {
	return &S3Writer{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// Write uploads the per-run document first, then latest.json.
func (w *S3Writer) Write(ctx context.Context, s *engine.RunSummary) error {
	if s == nil {
		return fmt.Errorf("summary is nil")
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}

	keys := []string{w.key("latest.json")}
	if s.RunID != "" {
		keys = append([]string{w.key(s.RunID + ".json")}, keys...)
	}

	for _, key := range keys {
		_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(w.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return fmt.Errorf("failed to write run summary to s3://%s/%s: %w", w.bucket, key, err)
		}
	}
	return nil
}

func (w *S3Writer) key(name string) string {
	if w.prefix == "" {
		return name
	}
	return path.Join(w.prefix, name)
}
