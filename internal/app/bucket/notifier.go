package bucket

import (
	"context"
	"errors"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/sifan077/PowerSuffix/internal/app/model"
)

// ErrSignalDropped is returned when a low-stock signal could not be queued.
var ErrSignalDropped = errors.New("bucket: low-stock signal dropped")

// Notifier delivers low-stock signals to whoever refills pools.
// Implementations must not block the allocation path.
type Notifier interface {
	NotifyLowStock(ctx context.Context, sig model.LowStockSignal) error
}

// ChanNotifier queues signals on a buffered channel for an in-process filler.
type ChanNotifier struct {
	ch chan model.LowStockSignal
}

// NewChanNotifier returns a ChanNotifier holding up to buffer pending signals.
func NewChanNotifier(buffer int) *ChanNotifier {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanNotifier{ch: make(chan model.LowStockSignal, buffer)}
}

func (n *ChanNotifier) NotifyLowStock(_ context.Context, sig model.LowStockSignal) error {
	select {
	case n.ch <- sig:
		return nil
	default:
		return ErrSignalDropped
	}
}

// Signals exposes the queue to the consumer.
func (n *ChanNotifier) Signals() <-chan model.LowStockSignal {
	return n.ch
}

// Deduper is an in-process bloom filter over (offer, value) pairs. A miss
// proves the value was never inserted by this process, so Insert only asks
// Redis about values the filter may have seen.
type Deduper struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
}

// NewDeduper sizes the filter for capacity values at falsePositive rate.
func NewDeduper(capacity uint, falsePositive float64) *Deduper {
	if capacity == 0 {
		capacity = 100_000
	}
	if falsePositive <= 0 || falsePositive >= 1 {
		falsePositive = 0.01
	}
	return &Deduper{filter: bloom.NewWithEstimates(capacity, falsePositive)}
}

func dedupeKey(offerID, value string) []byte {
	return []byte(offerID + "\x00" + value)
}

// MaybeSeen reports whether the value may already be stored for the offer.
func (d *Deduper) MaybeSeen(offerID, value string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.filter.Test(dedupeKey(offerID, value))
}

// Add records a stored value.
func (d *Deduper) Add(offerID, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filter.Add(dedupeKey(offerID, value))
}
