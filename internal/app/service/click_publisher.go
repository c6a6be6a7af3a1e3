package service

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sifan077/PowerSuffix/internal/app/model"
	"github.com/sifan077/PowerSuffix/internal/app/repository"
	"go.uber.org/zap"
)

// ClickSink accepts production clicks.
type ClickSink interface {
	Submit(ctx context.Context, event model.ClickEvent) error
}

// ClickRecorder updates the daily click counters.
type ClickRecorder interface {
	RecordClick(ctx context.Context, offerID, accountID, landingPage string) error
}

func stampClick(event *model.ClickEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
}

// ClickPublisher publishes click events to NATS JetStream.
type ClickPublisher struct {
	js nats.JetStreamContext
}

// NewClickPublisher creates a new click event publisher.
func NewClickPublisher(js nats.JetStreamContext) *ClickPublisher {
	return &ClickPublisher{js: js}
}

// Submit publishes the event and waits for the stream ack.
func (p *ClickPublisher) Submit(ctx context.Context, event model.ClickEvent) error {
	stampClick(&event)

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	_, err = p.js.Publish(model.ClickStreamSubject, data, nats.MsgId(event.ID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publish click: %w", err)
	}
	return nil
}

// DirectClicks records clicks synchronously. It backs the click consumer
// and serves the API when JetStream is disabled.
type DirectClicks struct {
	recorder ClickRecorder
	counters repository.OfferCounterRepository
	logger   *zap.Logger
}

// NewDirectClicks builds a DirectClicks. counters may be nil.
func NewDirectClicks(recorder ClickRecorder, counters repository.OfferCounterRepository, logger *zap.Logger) *DirectClicks {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectClicks{recorder: recorder, counters: counters, logger: logger}
}

func (d *DirectClicks) Submit(ctx context.Context, event model.ClickEvent) error {
	stampClick(&event)

	if err := d.recorder.RecordClick(ctx, event.OfferName, event.AccountID, event.LandingPage); err != nil {
		return fmt.Errorf("record click: %w", err)
	}
	if d.counters != nil {
		if err := d.counters.Add(ctx, event.OfferName, map[string]int64{repository.CounterClicks: 1}); err != nil {
			d.logger.Warn("update offer counters", zap.String("offer_id", event.OfferName), zap.Error(err))
		}
	}
	return nil
}
