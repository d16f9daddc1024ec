// Package queue implements the Queue Fabric (C4): durable RabbitMQ queues
// with prefetch=1 manual-ack consumption and exponential-backoff reconnects,
// covering the four work queues the scan pipeline hands jobs through:
// scan_tasks, changed_files, doc_processing, llm_scoring.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// ScanTasksQueue carries new-scan requests from the API/CLI to a worker.
	ScanTasksQueue = "scan_tasks"
	// ChangedFilesQueue carries discovered file paths from the Discovery
	// Engine to the changed-files worker.
	ChangedFilesQueue = "changed_files"
	// DocProcessingQueue carries page IDs from the changed-files worker to
	// the document worker for heuristic scanning.
	DocProcessingQueue = "doc_processing"
	// LLMScoringQueue carries deferred holistic-scoring requests (one page
	// body each) from the document worker to the LLM scoring worker.
	LLMScoringQueue = "llm_scoring"
)

const (
	heartbeatInterval        = 600 * time.Second
	blockedConnectionTimeout = 300 * time.Second
	maxConnectAttempts       = 5
	retryDelayBase           = 2 * time.Second
)

// Fabric owns a single RabbitMQ connection and channel, declaring the four
// durable queues and exposing publish/consume operations over them. It is
// safe for concurrent publishes; each Consume call claims the connection's
// channel for the duration of its consume loop, matching the teacher's
// one-goroutine-per-queue-role worker layout.
type Fabric struct {
	url    string
	logger *slog.Logger

	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewFabric builds a Fabric without connecting; call Connect before use.
func NewFabric(amqpURL string, logger *slog.Logger) *Fabric {
	return &Fabric{url: amqpURL, logger: logger}
}

// Connect establishes the connection and channel, retrying up to
// maxConnectAttempts times with exponential backoff (retryDelayBase^attempt),
// matching QueueService.connect's retry loop.
func (f *Fabric) Connect(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < maxConnectAttempts; attempt++ {
		f.logger.Info("connecting to rabbitmq", "attempt", attempt+1, "max_attempts", maxConnectAttempts)

		conn, err := amqp.DialConfig(f.url, amqp.Config{
			Heartbeat: heartbeatInterval,
			Dial:      amqp.DefaultDial(blockedConnectionTimeout),
		})
		if err == nil {
			ch, chErr := conn.Channel()
			if chErr == nil {
				if qosErr := ch.Qos(1, 0, false); qosErr != nil {
					_ = ch.Close()
					_ = conn.Close()
					lastErr = fmt.Errorf("set qos: %w", qosErr)
				} else if declErr := f.declareQueues(ch); declErr != nil {
					_ = ch.Close()
					_ = conn.Close()
					lastErr = declErr
				} else {
					f.conn = conn
					f.ch = ch
					f.logger.Info("connected to rabbitmq")
					return nil
				}
			} else {
				_ = conn.Close()
				lastErr = fmt.Errorf("open channel: %w", chErr)
			}
		} else {
			lastErr = fmt.Errorf("dial: %w", err)
		}

		f.logger.Error("failed to connect to rabbitmq", "attempt", attempt+1, "error", lastErr)
		if attempt < maxConnectAttempts-1 {
			delay := time.Duration(math.Pow(retryDelayBase.Seconds(), float64(attempt)) * float64(time.Second))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("max connect attempts reached: %w", lastErr)
}

func (f *Fabric) declareQueues(ch *amqp.Channel) error {
	for _, name := range []string{ScanTasksQueue, ChangedFilesQueue, DocProcessingQueue, LLMScoringQueue} {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", name, err)
		}
	}
	return nil
}

// Close tears down the channel and connection.
func (f *Fabric) Close() error {
	var err error
	if f.ch != nil {
		if cerr := f.ch.Close(); cerr != nil {
			err = cerr
		}
	}
	if f.conn != nil {
		if cerr := f.conn.Close(); cerr != nil {
			err = cerr
		}
	}
	return err
}

// ensureConnected reconnects if the channel or connection is missing or
// closed, mirroring consume_tasks' "if not self.channel or connection closed".
func (f *Fabric) ensureConnected(ctx context.Context) error {
	if f.ch != nil && f.conn != nil && !f.conn.IsClosed() {
		return nil
	}
	return f.Connect(ctx)
}

// Publish marshals v to JSON and publishes it to the named durable queue.
func (f *Fabric) Publish(ctx context.Context, queue string, v any) error {
	if err := f.ensureConnected(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message for %s: %w", queue, err)
	}
	err = f.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// PublishBatch publishes each value in vs to queue, stopping at the first
// error.
func (f *Fabric) PublishBatch(ctx context.Context, queue string, vs []any) error {
	for _, v := range vs {
		if err := f.Publish(ctx, queue, v); err != nil {
			return err
		}
	}
	f.logger.Info("published batch", "queue", queue, "count", len(vs))
	return nil
}

// Handler processes one message body; returning an error nacks and requeues
// the message, returning nil acks it.
type Handler func(ctx context.Context, body []byte) error

// Consume drains queue under manual-ack/prefetch=1 semantics until ctx is
// canceled, reconnecting with backoff on connection loss, matching
// consume_tasks's outer retry loop.
func (f *Fabric) Consume(ctx context.Context, queue string, handle Handler) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := f.ensureConnected(ctx); err != nil {
			f.logger.Error("failed to connect, waiting before retry", "queue", queue, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelayBase):
			}
			continue
		}

		deliveries, err := f.ch.Consume(queue, "", false, false, false, false, nil)
		if err != nil {
			f.logger.Error("failed to start consuming", "queue", queue, "error", err)
			f.reconnectAfterLoss(ctx)
			continue
		}

		f.logger.Info("consuming messages", "queue", queue)
		if err := f.drain(ctx, deliveries, handle); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Warn("connection lost while consuming, reconnecting", "queue", queue, "error", err)
			f.reconnectAfterLoss(ctx)
			continue
		}
		return nil
	}
}

func (f *Fabric) drain(ctx context.Context, deliveries <-chan amqp.Delivery, handle Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			if err := handle(ctx, d.Body); err != nil {
				f.logger.Error("handler failed, rejecting message", "error", err)
				if nackErr := d.Nack(false, true); nackErr != nil {
					f.logger.Error("failed to nack message", "error", nackErr)
				}
				continue
			}
			if ackErr := d.Ack(false); ackErr != nil {
				f.logger.Error("failed to ack message", "error", ackErr)
			}
		}
	}
}

func (f *Fabric) reconnectAfterLoss(ctx context.Context) {
	if f.ch != nil {
		_ = f.ch.Close()
		f.ch = nil
	}
	if f.conn != nil {
		_ = f.conn.Close()
		f.conn = nil
	}
	select {
	case <-ctx.Done():
	case <-time.After(retryDelayBase):
	}
}
