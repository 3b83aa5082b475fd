package patterns

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/magehq/backend/internal/eventstream"
	"github.com/magehq/backend/internal/metrics"
)

// Consumer tuning. Reads block up to readBlock for at most readCount
// messages; transport failures back the loop off for errorBackoff.
const (
	readCount    = 10
	readBlock    = 5 * time.Second
	errorBackoff = 5 * time.Second
)

// outcomeField is the stream entry field carrying the serialised
// DecisionOutcome document.
const outcomeField = "outcome"

// Consumer drains the durable outcome stream into the pattern service.
// Delivery is at least once: every message is explicitly acknowledged, and
// unparseable messages are acknowledged too so a poison entry cannot
// redeliver forever. The service's outcome dedup keeps replays idempotent.
type Consumer struct {
	stream   eventstream.Stream
	group    string
	consumer string
	service  *Service
	metrics  *metrics.Metrics
	logger   *slog.Logger
	backoff  time.Duration
}

func NewConsumer(stream eventstream.Stream, group string, service *Service, m *metrics.Metrics, logger *slog.Logger) *Consumer {
	consumer := "learner-" + uuid.NewString()[:8]
	return &Consumer{
		stream:   stream,
		group:    group,
		consumer: consumer,
		service:  service,
		metrics:  m,
		logger: logger.With(
			slog.String("component", "pattern_consumer"),
			slog.String("group", group),
			slog.String("consumer", consumer),
		),
		backoff: errorBackoff,
	}
}

// Run blocks until ctx is cancelled, reading outcome batches and applying
// them to the service.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.stream.EnsureGroup(ctx, c.group); err != nil {
		return err
	}
	c.logger.Info("outcome consumer started")

	for {
		if ctx.Err() != nil {
			c.logger.Info("outcome consumer stopped")
			return ctx.Err()
		}

		entries, err := c.stream.ReadGroup(ctx, c.group, c.consumer, readCount, readBlock)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("outcome consumer stopped")
				return ctx.Err()
			}
			c.metrics.ConsumerErrors.WithLabelValues("read").Inc()
			c.logger.Error("outcome stream read failed, backing off", "error", err)
			if !sleep(ctx, c.backoff) {
				return ctx.Err()
			}
			continue
		}

		for _, entry := range entries {
			c.handle(ctx, entry)
		}
		if len(entries) > 0 {
			c.metrics.ConsumerLagSecs.Set(0)
		}
	}
}

// handle applies one entry and acknowledges it. Acknowledgement is
// unconditional once the entry has been looked at: parse failures are logged
// and dropped, learn failures are logged and surfaced as metrics, and in
// both cases redelivering the same bytes would not help.
func (c *Consumer) handle(ctx context.Context, entry eventstream.Entry) {
	raw, ok := entry.Values[outcomeField]
	if !ok {
		c.metrics.ConsumerErrors.WithLabelValues("parse").Inc()
		c.logger.Warn("stream entry carries no outcome field, discarding", "entry_id", entry.ID)
		c.ack(ctx, entry.ID)
		return
	}

	outcome, err := ParseOutcome([]byte(raw))
	if err != nil {
		c.metrics.ConsumerErrors.WithLabelValues("parse").Inc()
		c.logger.Warn("unparseable outcome, discarding", "entry_id", entry.ID, "error", err)
		c.ack(ctx, entry.ID)
		return
	}

	if err := c.service.LearnFromOutcome(ctx, outcome); err != nil {
		c.metrics.ConsumerErrors.WithLabelValues("learn").Inc()
		c.logger.Error("learning from outcome failed",
			"entry_id", entry.ID,
			"composite_key", outcome.Signature.Key(),
			"error", err)
	}
	c.ack(ctx, entry.ID)
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.stream.Ack(ctx, c.group, id); err != nil {
		c.logger.Error("ack failed", "entry_id", id, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
