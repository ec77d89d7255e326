// Package remote mirrors content-store blobs to an S3-compatible bucket.
// The mirror is strictly best-effort: store() and remove_secure() never
// block or roll back on a mirror failure (design ledger, open question
// (d)); it exists so a deployment can rebuild a wiped managed root from
// a durable off-host copy.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/januskey/januskey/internal/circuit"
	"github.com/januskey/januskey/internal/config"
	"github.com/januskey/januskey/internal/logging"
	"github.com/januskey/januskey/internal/retry"
	"github.com/januskey/januskey/pkg/errors"
	"github.com/januskey/januskey/pkg/types"
)

// Mirror writes and deletes content-store blobs against a remote
// bucket, guarded by a circuit breaker and retried with backoff.
type Mirror struct {
	cfg     config.RemoteConfig
	conn    *ConnectionManager
	breaker *circuit.MirrorBreaker
	retryer *retry.Retryer
	log     *logging.Logger
}

// NewMirror constructs a Mirror from configuration. The underlying S3
// client is not connected until Connect is called.
func NewMirror(cfg config.RemoteConfig, log *logging.Logger) *Mirror {
	var breaker *circuit.MirrorBreaker
	if cfg.CircuitBreaker.Enabled {
		breaker = circuit.NewMirrorBreaker("remote-mirror", circuit.BreakerConfig{
			MaxProbes: 1,
			Window:    0,
			Cooldown:  cfg.CircuitBreaker.Timeout,
			ReadyToTrip: func(counts circuit.CallCounts) bool {
				return counts.ConsecutiveFailures >= uint32(cfg.CircuitBreaker.FailureThreshold)
			},
		})
	}

	retryer := retry.New(retry.Config{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.BaseDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Multiplier:   2.0,
		Jitter:       true,
	})

	m := &Mirror{cfg: cfg, breaker: breaker, retryer: retryer, log: log.With("remote")}
	m.conn = NewConnectionManager("mirror", DefaultConnectionConfig(), m.connectClient, m.checkHealth, log)
	return m
}

func (m *Mirror) connectClient(ctx context.Context) (interface{}, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(m.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg), nil
}

func (m *Mirror) checkHealth(ctx context.Context, client interface{}) error {
	c := client.(*s3.Client)
	_, err := c.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(m.cfg.Bucket)})
	return err
}

// Connect establishes the S3 client connection. A failure here does
// not prevent the store from operating locally; callers should log and
// continue.
func (m *Mirror) Connect(ctx context.Context) error {
	if !m.cfg.Enabled {
		return nil
	}
	return m.conn.Connect(ctx)
}

func (m *Mirror) key(hash types.Digest) string {
	if m.cfg.Prefix == "" {
		return hash.String()
	}
	return m.cfg.Prefix + "/" + hash.String()
}

// Put uploads content under its hash key. Errors are logged by the
// caller (internal/store) and never surfaced as a store() failure.
func (m *Mirror) Put(ctx context.Context, hash types.Digest, content []byte) error {
	if !m.cfg.Enabled {
		return nil
	}
	return m.execute(ctx, func(ctx context.Context) error {
		client, err := m.conn.Client()
		if err != nil {
			return err
		}
		c := client.(*s3.Client)
		_, err = c.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(m.cfg.Bucket),
			Key:    aws.String(m.key(hash)),
			Body:   bytes.NewReader(content),
		})
		if err != nil {
			return errors.IoFailure("remote", "mirror upload failed", err).WithContext("hash", hash.String())
		}
		return nil
	})
}

// Get retrieves content previously mirrored under hash.
func (m *Mirror) Get(ctx context.Context, hash types.Digest) ([]byte, error) {
	if !m.cfg.Enabled {
		return nil, errors.ContentUnavailable("remote", "mirror disabled")
	}

	var content []byte
	err := m.execute(ctx, func(ctx context.Context) error {
		client, err := m.conn.Client()
		if err != nil {
			return err
		}
		c := client.(*s3.Client)
		out, err := c.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(m.cfg.Bucket),
			Key:    aws.String(m.key(hash)),
		})
		if err != nil {
			return errors.ContentUnavailable("remote", "mirror object missing").WithContext("hash", hash.String())
		}
		defer out.Body.Close()
		content, err = io.ReadAll(out.Body)
		if err != nil {
			return errors.IoFailure("remote", "mirror download failed", err)
		}
		return nil
	})
	return content, err
}

// Delete removes content mirrored under hash, called from
// obliterate() after local storage is cleared.
func (m *Mirror) Delete(ctx context.Context, hash types.Digest) error {
	if !m.cfg.Enabled {
		return nil
	}
	return m.execute(ctx, func(ctx context.Context) error {
		client, err := m.conn.Client()
		if err != nil {
			return err
		}
		c := client.(*s3.Client)
		_, err = c.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.cfg.Bucket),
			Key:    aws.String(m.key(hash)),
		})
		if err != nil {
			return errors.IoFailure("remote", "mirror delete failed", err).WithContext("hash", hash.String())
		}
		return nil
	})
}

// execute runs fn through the circuit breaker (if enabled) wrapped in
// retry with backoff.
func (m *Mirror) execute(ctx context.Context, fn func(context.Context) error) error {
	run := func(ctx context.Context) error {
		if m.breaker == nil {
			return fn(ctx)
		}
		err := m.breaker.CallContext(ctx, fn)
		if err == circuit.ErrMirrorOpen {
			return errors.IoFailure("remote", "mirror circuit breaker open", err)
		}
		return err
	}
	return m.retryer.DoWithContext(ctx, run)
}

// Close releases the mirror's connection resources.
func (m *Mirror) Close() error {
	return m.conn.Close()
}

// Stats reports the mirror's connection state for health checks.
func (m *Mirror) Stats() ConnectionStats {
	return m.conn.Stats()
}
