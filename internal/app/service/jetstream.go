package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sifan077/PowerSuffix/internal/app/model"
	"go.uber.org/zap"
)

const (
	defaultFetchBatch = 10
	fetchMaxWait      = 5 * time.Second
	fetchBackoff      = time.Second
)

var (
	clickStream = streamSpec{
		stream:   model.ClickStreamName,
		subject:  model.ClickStreamSubject,
		durable:  model.ClickConsumerName,
		maxBytes: model.ClickStreamMaxBytes,
	}
	lowStockStream = streamSpec{
		stream:   model.LowStockStreamName,
		subject:  model.LowStockStreamSubject,
		durable:  model.LowStockConsumerName,
		maxBytes: model.LowStockStreamMaxBytes,
		ackWait:  refillAckWait,
		batch:    1,
	}
)

type streamSpec struct {
	stream   string
	subject  string
	durable  string
	maxBytes int64
	// ackWait of zero keeps the server default.
	ackWait time.Duration
	// batch is the Fetch size. Streams with slow handlers fetch one message
	// at a time so queued messages do not age past ackWait.
	batch int
}

func (s streamSpec) fetchBatch() int {
	if s.batch > 0 {
		return s.batch
	}
	return defaultFetchBatch
}

// EnsureStreams creates the click and low-stock streams when missing, so
// publishers work before their consumers first start.
func EnsureStreams(js nats.JetStreamContext) error {
	for _, spec := range []streamSpec{clickStream, lowStockStream} {
		if err := ensureStream(js, spec); err != nil {
			return err
		}
	}
	return nil
}

func ensureStream(js nats.JetStreamContext, spec streamSpec) error {
	if _, err := js.StreamInfo(spec.stream); err == nil {
		return nil
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     spec.stream,
		Subjects: []string{spec.subject},
		MaxBytes: spec.maxBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", spec.stream, err)
	}
	return nil
}

// subscribe creates the stream and durable pull consumer when missing and
// binds a pull subscription to them.
func subscribe(js nats.JetStreamContext, spec streamSpec) (*nats.Subscription, error) {
	if err := ensureStream(js, spec); err != nil {
		return nil, err
	}

	if _, err := js.ConsumerInfo(spec.stream, spec.durable); err != nil {
		_, err = js.AddConsumer(spec.stream, &nats.ConsumerConfig{
			Durable:   spec.durable,
			AckPolicy: nats.AckExplicitPolicy,
			AckWait:   spec.ackWait,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create consumer %s: %w", spec.durable, err)
		}
	}

	sub, err := js.PullSubscribe(spec.subject, spec.durable, nats.Bind(spec.stream, spec.durable))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", spec.subject, err)
	}
	return sub, nil
}

// pull fetches batches of batch messages until ctx is done and hands every
// message to handle. handle owns the ack.
func pull(ctx context.Context, sub *nats.Subscription, batch int, logger *zap.Logger, handle func(context.Context, *nats.Msg)) error {
	defer func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			logger.Debug("unsubscribe", zap.Error(err))
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := sub.Fetch(batch, nats.MaxWait(fetchMaxWait))
		if err != nil && !errors.Is(err, nats.ErrTimeout) {
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return fmt.Errorf("fetch: %w", err)
			}
			logger.Error("failed to fetch messages", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(fetchBackoff):
			}
			continue
		}

		for _, msg := range msgs {
			handle(ctx, msg)
		}
	}
}
