package service

import (
	"context"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/sifan077/PowerSuffix/internal/app/bucket"
	"github.com/sifan077/PowerSuffix/internal/app/model"
)

// LowStockPublisher forwards low-stock signals to JetStream so refills can
// run in another process. It implements bucket.Notifier.
type LowStockPublisher struct {
	js nats.JetStreamContext
}

// NewLowStockPublisher creates a new low-stock signal publisher.
func NewLowStockPublisher(js nats.JetStreamContext) *LowStockPublisher {
	return &LowStockPublisher{js: js}
}

// NotifyLowStock publishes without waiting for the ack.
func (p *LowStockPublisher) NotifyLowStock(_ context.Context, sig model.LowStockSignal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return err
	}

	msgID := sig.OfferID + "|" + sig.TargetGeo + "|" + strconv.FormatInt(sig.RaisedAt.UnixMilli(), 10)
	if _, err := p.js.PublishAsync(model.LowStockStreamSubject, data, nats.MsgId(msgID)); err != nil {
		return fmt.Errorf("%w: %v", bucket.ErrSignalDropped, err)
	}
	return nil
}
