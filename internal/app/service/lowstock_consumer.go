package service

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/sifan077/PowerSuffix/internal/app/filler"
	"github.com/sifan077/PowerSuffix/internal/app/model"
	"github.com/sifan077/PowerSuffix/internal/app/repository"
	"go.uber.org/zap"
)

const (
	refillRetryDelay = 30 * time.Second
	refillAckWait    = 5 * time.Minute
)

// Refiller tops a pool back up after a low-stock signal.
type Refiller interface {
	Refill(ctx context.Context, sig model.LowStockSignal) (filler.FillReport, error)
}

// LowStockConsumer feeds JetStream low-stock signals into the filler. While a
// refill runs the message is marked in progress so it is not redelivered.
type LowStockConsumer struct {
	js     nats.JetStreamContext
	logger *zap.Logger
	filler Refiller

	progressEvery time.Duration
	inProgress    func(*nats.Msg) error
}

// NewLowStockConsumer creates a new low-stock signal consumer.
func NewLowStockConsumer(js nats.JetStreamContext, logger *zap.Logger, f Refiller) *LowStockConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LowStockConsumer{
		js:            js,
		logger:        logger.Named("lowstock-consumer"),
		filler:        f,
		progressEvery: refillAckWait / 2,
		inProgress:    func(m *nats.Msg) error { return m.InProgress() },
	}
}

func (c *LowStockConsumer) String() string { return "lowstock-consumer" }

// Serve implements suture.Service.
func (c *LowStockConsumer) Serve(ctx context.Context) error {
	sub, err := subscribe(c.js, lowStockStream)
	if err != nil {
		return err
	}
	return pull(ctx, sub, lowStockStream.fetchBatch(), c.logger, c.handle)
}

func (c *LowStockConsumer) handle(ctx context.Context, msg *nats.Msg) {
	var sig model.LowStockSignal
	if err := json.Unmarshal(msg.Data, &sig); err != nil {
		c.logger.Error("failed to unmarshal low-stock signal", zap.Error(err))
		_ = msg.Term()
		return
	}

	stop := c.keepAlive(msg)
	report, err := c.filler.Refill(ctx, sig)
	stop()

	switch {
	case errors.Is(err, filler.ErrOfferDisabled), errors.Is(err, repository.ErrOfferNotFound):
		c.logger.Info("dropping low-stock signal",
			zap.String("offer_id", sig.OfferID),
			zap.String("geo", sig.TargetGeo),
			zap.Error(err))
		_ = msg.Term()
		return
	case err != nil:
		c.logger.Error("refill failed",
			zap.String("offer_id", sig.OfferID),
			zap.String("geo", sig.TargetGeo),
			zap.Error(err))
		_ = msg.NakWithDelay(refillRetryDelay)
		return
	}

	c.logger.Info("pool refilled",
		zap.String("offer_id", sig.OfferID),
		zap.String("geo", sig.TargetGeo),
		zap.Int("generated", report.TotalGenerated),
		zap.Int("failed", report.TotalFailed),
	)
	_ = msg.Ack()
}

// keepAlive extends the ack deadline of msg until the returned func is called.
func (c *LowStockConsumer) keepAlive(msg *nats.Msg) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(c.progressEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.inProgress(msg); err != nil {
					c.logger.Debug("failed to extend ack deadline", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}
