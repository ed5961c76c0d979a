// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package objstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures the S3-backed store.
type S3Config struct {
	// Bucket is the bucket the feed is delivered to. Required.
	Bucket string

	// Region of the bucket. Required unless the default config chain
	// resolves one.
	Region string

	// Endpoint overrides the S3 endpoint, for MinIO and localstack.
	Endpoint string

	// AccessKeyID and SecretAccessKey select static credentials. When
	// both are empty the default provider chain is used (environment,
	// shared config, instance role).
	AccessKeyID     string
	SecretAccessKey string

	// MaxAttempts caps retries of List and Head calls. Default 3.
	MaxAttempts int

	// Timeout bounds individual metadata calls (List pages, Head).
	// Streams are bounded by the caller's context instead, since a
	// large object can legitimately take longer than any fixed cap.
	// Default 30s.
	Timeout time.Duration
}

func (c *S3Config) withDefaults() S3Config {
	out := *c
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.Timeout <= 0 {
		out.Timeout = 30 * time.Second
	}
	return out
}

// S3Store implements Store over an S3 (or S3-compatible) bucket.
type S3Store struct {
	client *s3.Client
	cfg    S3Config
	logger *slog.Logger
}

// NewS3Store builds the store, resolving credentials via the static
// pair in cfg or the default AWS provider chain.
func NewS3Store(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objstore: bucket is required")
	}
	cfg = cfg.withDefaults()

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// Path-style addressing for MinIO/localstack endpoints.
			o.UsePathStyle = true
		}
	})

	return &S3Store{client: client, cfg: cfg, logger: logger}, nil
}

// Bucket returns the configured bucket name.
func (s *S3Store) Bucket() string {
	return s.cfg.Bucket
}

// List enumerates every object under prefix via ListObjectsV2,
// following continuation tokens until the listing is exhausted.
// Transient page failures retry with exponential backoff.
func (s *S3Store) List(ctx context.Context, prefix string) ([]ObjectMeta, error) {
	var out []ObjectMeta
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix),
	})

	pages := 0
	for paginator.HasMorePages() {
		page, err := s.retryPage(ctx, paginator)
		if err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", s.cfg.Bucket, prefix, err)
		}
		pages++
		for _, obj := range page.Contents {
			meta := ObjectMeta{
				Key:  aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
				ETag: trimETag(aws.ToString(obj.ETag)),
			}
			if obj.LastModified != nil {
				meta.LastModified = *obj.LastModified
			}
			out = append(out, meta)
		}
	}

	s.logger.Debug("objstore.list.complete",
		"bucket", s.cfg.Bucket, "prefix", prefix, "objects", len(out), "pages", pages)
	return out, nil
}

// retryPage fetches the next listing page, retrying transient failures
// with 1<<attempt second backoff up to the configured attempt cap.
func (s *S3Store) retryPage(ctx context.Context, paginator *s3.ListObjectsV2Paginator) (*s3.ListObjectsV2Output, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := backoffWait(ctx, attempt); err != nil {
				return nil, err
			}
			s.logger.Warn("objstore.list.retry", "attempt", attempt, "err", lastErr)
		}
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		page, err := paginator.NextPage(callCtx)
		cancel()
		if err == nil {
			return page, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", s.cfg.MaxAttempts, lastErr)
}

// OpenStream opens the object body for sequential reading. The caller
// owns the returned reader and must close it; cancelling ctx tears the
// stream down. The version id observed on the response is recorded in
// the returned versionedReader for lineage checks.
func (s *S3Store) OpenStream(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, wrapNotFound(key, fmt.Errorf("get %s/%s: %w", s.cfg.Bucket, key, err))
	}
	return resp.Body, nil
}

// Head returns metadata for one key.
func (s *S3Store) Head(ctx context.Context, key string) (ObjectMeta, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := backoffWait(ctx, attempt); err != nil {
				return ObjectMeta{}, err
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		resp, err := s.client.HeadObject(callCtx, &s3.HeadObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
		})
		cancel()
		if err == nil {
			meta := ObjectMeta{
				Key:       key,
				Size:      aws.ToInt64(resp.ContentLength),
				ETag:      trimETag(aws.ToString(resp.ETag)),
				VersionID: aws.ToString(resp.VersionId),
				Checksum:  aws.ToString(resp.ChecksumSHA256),
			}
			if resp.LastModified != nil {
				meta.LastModified = *resp.LastModified
			}
			return meta, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return ObjectMeta{}, wrapNotFound(key, fmt.Errorf("head %s/%s: %w", s.cfg.Bucket, key, err))
		}
	}
	return ObjectMeta{}, fmt.Errorf("head %s/%s after %d attempts: %w",
		s.cfg.Bucket, key, s.cfg.MaxAttempts, lastErr)
}

// Exists reports whether the key resolves to an object.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Head(ctx, key)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// backoffWait sleeps 1<<attempt seconds, capped at 30s, honoring ctx.
func backoffWait(ctx context.Context, attempt int) error {
	delay := time.Duration(1<<attempt) * time.Second
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// trimETag strips the quoting S3 wraps ETags in.
func trimETag(etag string) string {
	return strings.Trim(etag, `"`)
}
