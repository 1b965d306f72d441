package monitor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"teamcache/internal/config"
	"teamcache/internal/events"
	"teamcache/internal/telemetry"
)

// S3Pinger is the probe surface of the S3 client.
type S3Pinger interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Health periodically probes the egress bucket with HeadBucket and tracks
// latency. The remote filesystem stores its blocks in S3, so bucket latency
// is the leading indicator for fetch slowness across a whole batch.
type S3Health struct {
	client   S3Pinger
	bucket   string
	interval time.Duration
	bus      *events.Bus

	mu        sync.Mutex
	latencies []time.Duration
	healthy   bool
}

// NewS3Health builds the monitor from config; empty bucket disables it.
func NewS3Health(ctx context.Context, cfg config.Config, bus *events.Bus) (*S3Health, error) {
	if cfg.S3HealthBucket == "" {
		return nil, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	interval := cfg.S3HealthInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &S3Health{client: client, bucket: cfg.S3HealthBucket, interval: interval, bus: bus}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.S3Endpoint,
					HostnameImmutable: cfg.S3PathStyle,
					SigningRegion:     cfg.S3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

// Run probes until ctx is cancelled.
func (h *S3Health) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.probe(ctx)
		}
	}
}

func (h *S3Health) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, h.interval)
	defer cancel()

	start := time.Now()
	_, err := h.client.HeadBucket(probeCtx, &s3.HeadBucketInput{Bucket: aws.String(h.bucket)})
	latency := time.Since(start)

	h.mu.Lock()
	h.healthy = err == nil
	h.latencies = append(h.latencies, latency)
	if len(h.latencies) > 8 {
		h.latencies = h.latencies[len(h.latencies)-8:]
	}
	h.mu.Unlock()

	telemetry.S3LatencyMS.Set(float64(latency.Milliseconds()))
	if err != nil {
		telemetry.S3Healthy.Set(0)
		log.Printf("[S3Health] probe failed after %s: %v", latency, err)
	} else {
		telemetry.S3Healthy.Set(1)
	}
	if h.bus != nil {
		h.bus.Publish(ctx, events.S3Health(err == nil, latency))
	}
}

// Status returns the current health flag, last latency, and rolling average.
func (h *S3Health) Status() (healthy bool, last, average time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.latencies) == 0 {
		return h.healthy, 0, 0
	}
	last = h.latencies[len(h.latencies)-1]
	var sum time.Duration
	for _, l := range h.latencies {
		sum += l
	}
	return h.healthy, last, sum / time.Duration(len(h.latencies))
}
