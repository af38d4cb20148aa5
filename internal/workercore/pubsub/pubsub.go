// Package pubsub fans out live log lines over Redis so an (out-of-scope)
// UI layer can tail a running job's output without polling the queue
// table. It is supplemental to the DB logs column (§4.2) the core's own
// correctness never depends on: a nil *Publisher is valid and simply
// drops every line.
package pubsub

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/windmill-labs/workercore/internal/log"
)

var logger = log.New("pubsub")

// Publisher publishes log lines to a per-job Redis channel. The zero
// value (via NewDisabled) is a safe no-op, so wiring this in is never a
// correctness dependency.
type Publisher struct {
	client *redis.Client
}

// New wraps an already-configured Redis client.
func New(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// NewDisabled returns a Publisher whose Publish calls are no-ops,
// for deployments that don't configure a Redis URL.
func NewDisabled() *Publisher {
	return &Publisher{client: nil}
}

func channelName(jobID string) string {
	return fmt.Sprintf("wm:job-logs:%s", jobID)
}

// Publish sends line on jobID's channel. Errors are logged, not
// returned: a dropped live-tail update must never fail the job itself.
func (p *Publisher) Publish(ctx context.Context, jobID, line string) {
	if p == nil || p.client == nil {
		return
	}
	if err := p.client.Publish(ctx, channelName(jobID), line).Err(); err != nil {
		logger.Warnf("publish log line; job: %s: %v", jobID, err)
	}
}

// Subscribe returns a PubSub subscribed to jobID's channel, for the
// (out-of-scope) UI layer to consume. Returns nil if this Publisher is
// disabled.
func (p *Publisher) Subscribe(ctx context.Context, jobID string) *redis.PubSub {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Subscribe(ctx, channelName(jobID))
}
