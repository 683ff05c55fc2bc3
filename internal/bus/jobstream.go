package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/planningpoker/core/internal/logging"
	"github.com/planningpoker/core/internal/metrics"
)

const (
	exportJobsStream  = "EXPORT_JOBS"
	exportJobsSubject = "export.jobs"
)

// PermanentJobError marks an export job payload as structurally
// unrecoverable: redelivery would never succeed, so the consumer
// terminates it instead of retrying.
type PermanentJobError struct {
	Reason string
}

func (e *PermanentJobError) Error() string { return "permanent job error: " + e.Reason }

// JobHandler processes one dequeued export job payload. Returning a
// *PermanentJobError terminates the message; any other error naks it, so
// JetStream redelivers it without a delay.
type JobHandler func(ctx context.Context, payload []byte) error

// JobStream is the durable, at-least-once export-jobs queue backing
// ExportWorker. It is backed by a NATS JetStream stream so that jobs survive
// a worker restart and are load-balanced across every worker replica sharing
// a consumer group.
type JobStream struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewJobStream connects to NATS and ensures the export-jobs stream exists.
func NewJobStream(url string) (*JobStream, error) {
	nc, err := nats.Connect(url,
		nats.Timeout(10*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("acquire jetstream context: %w", err)
	}

	if _, err := js.StreamInfo(exportJobsStream); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      exportJobsStream,
			Subjects:  []string{exportJobsSubject},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
			MaxAge:    7 * 24 * time.Hour,
		})
		if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			nc.Close()
			return nil, fmt.Errorf("create export jobs stream: %w", err)
		}
	}

	logging.Info(context.Background(), "connected to nats job stream", zap.String("url", url))
	return &JobStream{nc: nc, js: js}, nil
}

// AppendJob enqueues a new export job and returns the stream sequence number
// it was assigned, usable as an idempotency/ordering token.
func (s *JobStream) AppendJob(ctx context.Context, payload []byte) (uint64, error) {
	start := time.Now()
	ack, err := s.js.Publish(exportJobsSubject, payload, nats.Context(ctx))
	metrics.EventBusOperationDuration.WithLabelValues("append_job").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.EventBusOperationsTotal.WithLabelValues("append_job", "error").Inc()
		return 0, fmt.Errorf("append export job: %w", err)
	}
	metrics.EventBusOperationsTotal.WithLabelValues("append_job", "success").Inc()
	return ack.Sequence, nil
}

// Consume runs a durable pull-consumer loop under the given consumer group
// name, dispatching each fetched job to handler, until ctx is cancelled.
// Every replica started with the same group name competes for messages, so
// each delivery goes to one replica; a nak'd or unacknowledged job is
// delivered again, possibly to another replica.
func (s *JobStream) Consume(ctx context.Context, group string, handler JobHandler) error {
	sub, err := s.js.PullSubscribe(exportJobsSubject, group, nats.BindStream(exportJobsStream))
	if err != nil {
		return fmt.Errorf("pull subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	logging.Info(ctx, "export job consumer started", zap.String("group", group))

	for {
		select {
		case <-ctx.Done():
			logging.Info(ctx, "export job consumer stopping", zap.String("group", group))
			return nil
		default:
		}

		msgs, err := sub.Fetch(10, nats.MaxWait(2*time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			logging.Warn(ctx, "export job fetch failed", zap.Error(err))
			continue
		}

		for _, msg := range msgs {
			s.dispatch(ctx, msg, handler)
		}
	}
}

func (s *JobStream) dispatch(ctx context.Context, msg *nats.Msg, handler JobHandler) {
	start := time.Now()
	err := handler(ctx, msg.Data)
	metrics.EventBusOperationDuration.WithLabelValues("consume_job").Observe(time.Since(start).Seconds())

	if err == nil {
		metrics.EventBusOperationsTotal.WithLabelValues("consume_job", "success").Inc()
		_ = msg.Ack()
		return
	}

	var permanent *PermanentJobError
	if errors.As(err, &permanent) {
		metrics.EventBusOperationsTotal.WithLabelValues("consume_job", "terminated").Inc()
		logging.Warn(ctx, "terminating unprocessable export job", zap.Error(err))
		_ = msg.Term()
		return
	}

	metrics.EventBusOperationsTotal.WithLabelValues("consume_job", "nak").Inc()
	logging.Error(ctx, "export job failed, requeueing", zap.Error(err))
	_ = msg.Nak()
}

// Ping verifies NATS connectivity; used by the readiness probe.
func (s *JobStream) Ping(ctx context.Context) error {
	if s == nil || s.nc == nil {
		return nil
	}
	if !s.nc.IsConnected() {
		return errors.New("nats connection not established")
	}
	return s.nc.FlushWithContext(ctx)
}

// Close closes the NATS connection without draining it.
func (s *JobStream) Close() error {
	if s == nil || s.nc == nil {
		return nil
	}
	s.nc.Close()
	return nil
}
