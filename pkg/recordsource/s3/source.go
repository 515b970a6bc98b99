// Package s3 implements a record source over CSV objects in AWS S3 and
// S3-compatible storage.
package s3

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"golang.org/x/time/rate"

	"github.com/3leaps/gomatch/pkg/matching"
	"github.com/3leaps/gomatch/pkg/recordsource"
)

const sourceName = "s3"

// Source implements recordsource.Source for CSV objects under a prefix.
type Source struct {
	client  *s3.Client
	bucket  string
	prefix  string
	maxKeys int
	limiter *rate.Limiter
}

var _ recordsource.Source = (*Source)(nil)

// New creates an S3 record source.
//
// The source uses AWS SDK v2's default credential chain unless explicit
// credentials are provided in the config.
func New(ctx context.Context, cfg Config) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &recordsource.SourceError{Op: "New", Source: sourceName, Err: err}
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	maxKeys := cfg.MaxKeys
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Source{
		client:  s3.NewFromConfig(awsCfg, s3Opts...),
		bucket:  cfg.Bucket,
		prefix:  strings.TrimPrefix(cfg.Prefix, "/"),
		maxKeys: maxKeys,
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

// loadAWSConfig builds the AWS configuration with appropriate credentials.
func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = DefaultAWSRegion
	}
	return awsCfg, nil
}

// Stream reads every .csv object under the prefix in key order.
func (s *Source) Stream(ctx context.Context, spec recordsource.Spec, fn func(matching.Record) error) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	keys, err := s.listKeys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return s.wrapError("Stream", key, err)
		}
		derr := recordsource.DecodeRows(out.Body, spec, sourceName, key, fn)
		_ = out.Body.Close()
		if derr != nil {
			return derr
		}
	}
	return nil
}

// Fetch scans the stream for the requested ids.
func (s *Source) Fetch(ctx context.Context, spec recordsource.Spec, ids []string) ([]matching.Record, error) {
	return recordsource.FetchByStreaming(ctx, s, spec, ids)
}

// Count sums the data rows of every object under the prefix.
func (s *Source) Count(ctx context.Context) (int64, error) {
	keys, err := s.listKeys(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, key := range keys {
		if err := s.limiter.Wait(ctx); err != nil {
			return 0, err
		}
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return 0, s.wrapError("Count", key, err)
		}
		n, cerr := recordsource.CountRows(out.Body)
		_ = out.Body.Close()
		if cerr != nil {
			return 0, s.wrapError("Count", key, cerr)
		}
		total += n
	}
	return total, nil
}

// Close releases any resources held by the source.
// The S3 client doesn't require explicit cleanup, but this satisfies the interface.
func (s *Source) Close() error { return nil }

// listKeys pages through ListObjectsV2 and returns the .csv keys sorted.
func (s *Source) listKeys(ctx context.Context) ([]string, error) {
	var keys []string
	var token *string
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		input := &s3.ListObjectsV2Input{
			Bucket:  aws.String(s.bucket),
			MaxKeys: aws.Int32(int32(s.maxKeys)),
		}
		if s.prefix != "" {
			input.Prefix = aws.String(s.prefix)
		}
		if token != nil {
			input.ContinuationToken = token
		}

		output, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, s.wrapError("List", "", err)
		}
		for _, obj := range output.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(strings.ToLower(key), ".csv") {
				keys = append(keys, key)
			}
		}
		if !aws.ToBool(output.IsTruncated) || output.NextContinuationToken == nil {
			break
		}
		token = output.NextContinuationToken
	}
	sort.Strings(keys)
	return keys, nil
}

// wrapError converts S3 errors to source errors with appropriate sentinels.
func (s *Source) wrapError(op, key string, err error) error {
	wrapped := &recordsource.SourceError{Op: op, Source: sourceName, Path: key, Err: err}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket
	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey), errors.As(err, &noSuchBucket):
		wrapped.Err = recordsource.ErrSourceNotFound
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			wrapped.Err = recordsource.ErrSourceNotFound
			return wrapped
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = recordsource.ErrAccessDenied
			return wrapped
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = recordsource.ErrThrottled
			return wrapped
		case "ServiceUnavailable", "InternalError":
			wrapped.Err = recordsource.ErrSourceUnavailable
			return wrapped
		}
	}

	// Fallback: some middleware layers flatten the typed error into a message.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "NoSuchKey"), strings.Contains(msg, "NotFound"),
		strings.Contains(msg, "NoSuchBucket"), strings.Contains(msg, "StatusCode: 404"):
		wrapped.Err = recordsource.ErrSourceNotFound
	case strings.Contains(msg, "AccessDenied"), strings.Contains(msg, "Forbidden"),
		strings.Contains(msg, "InvalidAccessKeyId"), strings.Contains(msg, "SignatureDoesNotMatch"),
		strings.Contains(msg, "StatusCode: 403"):
		wrapped.Err = recordsource.ErrAccessDenied
	case strings.Contains(msg, "SlowDown"), strings.Contains(msg, "Throttling"),
		strings.Contains(msg, "StatusCode: 429"):
		wrapped.Err = recordsource.ErrThrottled
	case strings.Contains(msg, "ServiceUnavailable"), strings.Contains(msg, "StatusCode: 503"):
		wrapped.Err = recordsource.ErrSourceUnavailable
	}
	return wrapped
}
