package instrument

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// statusHistoryLimit caps the per-instrument status list in Redis.
const statusHistoryLimit = 1000

// StatusSnapshot is the message the publisher pushes for each poll.
type StatusSnapshot struct {
	Instrument string    `json:"instrument"`
	Timestamp  time.Time `json:"timestamp"`
	Status     Status    `json:"status"`
}

// StatusPublisher fans polled instrument status out over Redis: a pub/sub
// channel for live consumers plus a capped per-instrument list as a short
// history. Optional; the queue engine runs fine without it.
type StatusPublisher struct {
	client  *redis.Client
	channel string
	log     *logrus.Entry
}

// NewStatusPublisher connects to Redis and verifies the connection.
func NewStatusPublisher(cfg TelemetryConfig, logger *logrus.Logger) (*StatusPublisher, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("telemetry: connect redis: %w", err)
	}
	return &StatusPublisher{
		client:  client,
		channel: cfg.Channel,
		log:     logger.WithField("component", "telemetry"),
	}, nil
}

// Publish sends one status snapshot.
func (p *StatusPublisher) Publish(ctx context.Context, instrument string, st Status) error {
	snap := StatusSnapshot{Instrument: instrument, Timestamp: time.Now(), Status: st}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("telemetry: marshal snapshot: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("telemetry: publish: %w", err)
	}
	listKey := fmt.Sprintf("instrument:%s:status", instrument)
	if err := p.client.LPush(ctx, listKey, data).Err(); err != nil {
		p.log.WithError(err).Warn("status history push failed")
	}
	p.client.LTrim(ctx, listKey, 0, statusHistoryLimit-1)
	return nil
}

// Close releases the Redis connection.
func (p *StatusPublisher) Close() error {
	return p.client.Close()
}
