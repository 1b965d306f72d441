package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"teamcache/internal/models"
)

const channel = "teamcache:events"

// Event is one push notification for live dashboards. Workers publish,
// the API process fans out to stream subscribers.
type Event struct {
	Type           string    `json:"type"`
	JobID          string    `json:"jobId,omitempty"`
	Status         string    `json:"status,omitempty"`
	CompletedFiles int       `json:"completedFiles,omitempty"`
	TotalFiles     int       `json:"totalFiles,omitempty"`
	Mbps           float64   `json:"mbps,omitempty"`
	LatencyMS      int64     `json:"latencyMs,omitempty"`
	Healthy        *bool     `json:"healthy,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// JobUpdate builds the job-update event emitted on state change.
func JobUpdate(job models.Job) Event {
	return Event{
		Type:           "job-update",
		JobID:          job.ID,
		Status:         job.Status,
		CompletedFiles: job.CompletedFiles,
		TotalFiles:     job.TotalFiles,
		Timestamp:      time.Now().UTC(),
	}
}

// Throughput builds the event for one link-speed sample.
func Throughput(sample models.ThroughputSample) Event {
	return Event{Type: "throughput", Mbps: sample.Mbps, Timestamp: sample.Timestamp}
}

// S3Health builds the event for one S3 probe result.
func S3Health(healthy bool, latency time.Duration) Event {
	return Event{
		Type:      "s3-health",
		Healthy:   &healthy,
		LatencyMS: latency.Milliseconds(),
		Timestamp: time.Now().UTC(),
	}
}

// Bus broadcasts events across processes over redis pub/sub.
type Bus struct {
	client *redis.Client
}

// NewBus wraps a redis client as an event bus.
func NewBus(client *redis.Client) *Bus {
	return &Bus{client: client}
}

// Publish broadcasts one event. Publish failures are logged, not returned:
// the durable job state already reflects the change and a dropped push only
// delays a dashboard refresh.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[Events] marshal %s event: %v", ev.Type, err)
		return
	}
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		log.Printf("[Events] publish %s event: %v", ev.Type, err)
	}
}

// Subscribe delivers events until ctx is cancelled. Malformed payloads are
// skipped.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	out := make(chan Event, 16)
	sub := b.client.Subscribe(ctx, channel)

	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
