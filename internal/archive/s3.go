// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/time/rate"

	"github.com/nishisan-dev/syncd/internal/config"
)

// s3Mirror uploads archived files to an S3-compatible bucket. Disabled
// mirrors never touch the AWS SDK at all; only constructing one loads
// credentials.
type s3Mirror struct {
	client  *s3.Client
	bucket  string
	prefix  string
	limiter *rate.Limiter
}

// newS3Mirror builds a mirror from cfg. cfg.Enabled must already be true;
// callers check that before constructing one.
func newS3Mirror(ctx context.Context, cfg config.S3MirrorConfig) (*s3Mirror, error) {
	optFns := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	var limiter *rate.Limiter
	if cfg.RateLimitMBps > 0 {
		bytesPerSec := cfg.RateLimitMBps * 1024 * 1024
		limiter = rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))
	}

	return &s3Mirror{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		limiter: limiter,
	}, nil
}

// upload pushes the archived file at localPath to <prefix>/<basename>,
// rate-limiting the read side if a limiter is configured.
func (m *s3Mirror) upload(ctx context.Context, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s for S3 upload: %w", localPath, err)
	}
	defer f.Close()

	var body io.Reader = f
	if m.limiter != nil {
		body = &rateLimitedReader{ctx: ctx, r: f, limiter: m.limiter}
	}

	key := filepath.Join(m.prefix, filepath.Base(localPath))
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("uploading %s to s3://%s/%s: %w", localPath, m.bucket, key, err)
	}
	return nil
}

// rateLimitedReader throttles reads through a token bucket, one token per
// byte, matching the teacher's use of golang.org/x/time/rate for outbound
// throttling (internal/agent/throttle.go).
type rateLimitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.limiter.WaitN(r.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
