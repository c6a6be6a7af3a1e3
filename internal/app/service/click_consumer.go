package service

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/sifan077/PowerSuffix/internal/app/model"
	"go.uber.org/zap"
)

// ClickConsumer consumes click events from NATS JetStream into a sink.
type ClickConsumer struct {
	js     nats.JetStreamContext
	logger *zap.Logger
	sink   ClickSink
}

// NewClickConsumer creates a new click event consumer.
func NewClickConsumer(js nats.JetStreamContext, logger *zap.Logger, sink ClickSink) *ClickConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClickConsumer{js: js, logger: logger.Named("click-consumer"), sink: sink}
}

func (c *ClickConsumer) String() string { return "click-consumer" }

// Serve implements suture.Service.
func (c *ClickConsumer) Serve(ctx context.Context) error {
	sub, err := subscribe(c.js, clickStream)
	if err != nil {
		return err
	}
	return pull(ctx, sub, clickStream.fetchBatch(), c.logger, c.handle)
}

func (c *ClickConsumer) handle(ctx context.Context, msg *nats.Msg) {
	var event model.ClickEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		c.logger.Error("failed to unmarshal click event", zap.Error(err))
		_ = msg.Term()
		return
	}

	if err := c.sink.Submit(ctx, event); err != nil {
		c.logger.Error("failed to record click event",
			zap.String("id", event.ID),
			zap.String("offer_id", event.OfferName),
			zap.Error(err))
		_ = msg.Nak()
		return
	}

	c.logger.Debug("click event recorded",
		zap.String("id", event.ID),
		zap.String("offer_id", event.OfferName),
		zap.String("account_id", event.AccountID),
		zap.Time("timestamp", event.Timestamp),
	)
	_ = msg.Ack()
}
