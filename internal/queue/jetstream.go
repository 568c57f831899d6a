package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/timmy/docvqa/internal/config"
	"github.com/timmy/docvqa/internal/logger"
)

// JetStreamGateway implements the queue gateway on NATS JetStream. Publish
// dedup uses Nats-Msg-Id (the job id), the consumer AckWait is the
// visibility timeout, and a message whose delivery count is exhausted is
// republished to the dead-letter stream and acked on the main one.
type JetStreamGateway struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	cfg    config.QueueConfig
	logger *logger.Logger
}

// NewJetStreamGateway connects to NATS and provisions the main and
// dead-letter streams.
func NewJetStreamGateway(ctx context.Context, cfg config.QueueConfig, log *logger.Logger) (*JetStreamGateway, error) {
	g := &JetStreamGateway{cfg: cfg, logger: log}

	conn, err := nats.Connect(
		cfg.URL,
		nats.ReconnectHandler(g.reconnectHandler),
		nats.DisconnectErrHandler(g.disconnectHandler),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	g.conn = conn

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	g.js = js

	if err := g.ensureStreams(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	return g, nil
}

func (g *JetStreamGateway) reconnectHandler(nc *nats.Conn) {
	g.logger.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
}

func (g *JetStreamGateway) disconnectHandler(_ *nats.Conn, err error) {
	if err != nil {
		g.logger.WithError(err).Warn("NATS disconnected")
	}
}

func (g *JetStreamGateway) ensureStreams(ctx context.Context) error {
	_, err := g.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       g.cfg.Stream,
		Subjects:   []string{g.cfg.Subject},
		MaxAge:     g.cfg.Retention,
		Duplicates: g.cfg.DedupWindow,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", g.cfg.Stream, err)
	}

	_, err = g.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     g.cfg.DeadLetterStream,
		Subjects: []string{g.cfg.DeadLetterSubj},
		MaxAge:   g.cfg.DLQRetention,
	})
	if err != nil {
		return fmt.Errorf("failed to create dead-letter stream %s: %w", g.cfg.DeadLetterStream, err)
	}
	return nil
}

// Publish enqueues a job message with its job id as the deduplication key.
func (g *JetStreamGateway) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}
	_, err = g.js.Publish(ctx, g.cfg.Subject, data, jetstream.WithMsgID(msg.JobID))
	if err != nil {
		return fmt.Errorf("failed to publish job %s: %w", msg.JobID, err)
	}
	return nil
}

// Run fetches batches (size 1 by default: one long-running model evaluation
// per invocation) and dispatches them to the handler until ctx is canceled.
// Succeeded messages are acked; failed ones are redelivered after AckWait
// until MaxDeliver, then moved to the dead-letter stream.
func (g *JetStreamGateway) Run(ctx context.Context, handler BatchHandler) error {
	stream, err := g.js.Stream(ctx, g.cfg.Stream)
	if err != nil {
		return fmt.Errorf("failed to look up stream %s: %w", g.cfg.Stream, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       g.cfg.Consumer,
		FilterSubject: g.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       g.cfg.AckWait,
		MaxDeliver:    g.cfg.MaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", g.cfg.Consumer, err)
	}

	batchSize := g.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, err := cons.Fetch(batchSize, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			g.logger.WithError(err).Warn("Fetch failed, retrying")
			continue
		}

		byJobID := make(map[string]jetstream.Msg, batchSize)
		var msgs []Message
		for raw := range batch.Messages() {
			var msg Message
			if err := json.Unmarshal(raw.Data(), &msg); err != nil {
				g.logger.WithError(err).Error("Failed to unmarshal message, terminating it")
				// Nothing more can come of redelivering an unparseable payload.
				if err := raw.Term(); err != nil {
					g.logger.WithError(err).Error("Failed to terminate message")
				}
				continue
			}
			byJobID[msg.JobID] = raw
			msgs = append(msgs, msg)
		}
		if len(msgs) == 0 {
			continue
		}

		succeeded, _ := handler(ctx, msgs)

		acked := make(map[string]bool, len(succeeded))
		for _, id := range succeeded {
			raw, ok := byJobID[id]
			if !ok {
				continue
			}
			acked[id] = true
			if err := raw.Ack(); err != nil {
				g.logger.WithField(logger.FieldJobID, id).WithError(err).Error("Failed to ack message")
			}
		}

		// Anything not explicitly acked is a failed item.
		for _, msg := range msgs {
			if acked[msg.JobID] {
				continue
			}
			g.failMessage(ctx, byJobID[msg.JobID], msg)
		}
	}
}

// failMessage either schedules a redelivery or, once the delivery budget is
// spent, moves the message to the dead-letter stream.
func (g *JetStreamGateway) failMessage(ctx context.Context, raw jetstream.Msg, msg Message) {
	meta, err := raw.Metadata()
	if err == nil && int(meta.NumDelivered) >= g.cfg.MaxDeliver {
		g.logger.WithField(logger.FieldJobID, msg.JobID).
			Warn("Delivery budget exhausted, moving message to dead-letter queue")
		if _, err := g.js.Publish(ctx, g.cfg.DeadLetterSubj, raw.Data()); err != nil {
			g.logger.WithError(err).Error("Failed to publish to dead-letter queue")
			// Leave it unacked; the next redelivery attempt retries the move.
			return
		}
		if err := raw.Ack(); err != nil {
			g.logger.WithError(err).Error("Failed to ack dead-lettered message")
		}
		return
	}

	if err := raw.Nak(); err != nil {
		g.logger.WithField(logger.FieldJobID, msg.JobID).WithError(err).Error("Failed to nak message")
	}
}

// Close drains the NATS connection.
func (g *JetStreamGateway) Close() {
	if g.conn != nil {
		if err := g.conn.Drain(); err != nil {
			g.logger.WithError(err).Warn("Failed to drain NATS connection")
		}
	}
}
