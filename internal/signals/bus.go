package signals

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultQueueSize   = 1024
	deliverTimeout     = 10 * time.Second
	drainFlushInterval = 50 * time.Millisecond
)

// Bus is a bounded in-process queue in front of a Sink.
type Bus struct {
	sink   Sink
	logger *slog.Logger

	mu     sync.Mutex
	queue  chan Signal
	closed bool
	done   chan struct{}
}

// NewBus creates a bus draining into sink. Call Start to begin delivery
// and Close to flush on shutdown.
func NewBus(sink Sink, logger *slog.Logger) *Bus {
	return &Bus{
		sink:   sink,
		logger: logger,
		queue:  make(chan Signal, defaultQueueSize),
		done:   make(chan struct{}),
	}
}

// Emit enqueues a signal without blocking. If the queue is full the oldest
// queued signal is discarded to make room.
func (b *Bus) Emit(sig Signal) {
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now()
	}
	signalsEmitted.WithLabelValues(string(sig.Type)).Inc()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for {
		select {
		case b.queue <- sig:
			return
		default:
		}
		select {
		case <-b.queue: // drop oldest
			signalsDropped.Inc()
		default:
		}
	}
}

// Start launches the drain loop. It returns when ctx is cancelled and the
// queue has been flushed.
func (b *Bus) Start(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case sig := <-b.queue:
			b.deliver(sig)
		case <-ctx.Done():
			b.mu.Lock()
			b.closed = true
			b.mu.Unlock()
			// Flush whatever is still queued before exiting.
			for {
				select {
				case sig := <-b.queue:
					b.deliver(sig)
				default:
					return
				}
			}
		}
	}
}

// Wait blocks until the drain loop has exited.
func (b *Bus) Wait() {
	<-b.done
}

func (b *Bus) deliver(sig Signal) {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()
	if err := b.sink.Deliver(ctx, sig); err != nil {
		signalsDeliveryErrors.WithLabelValues(string(sig.Type)).Inc()
		b.logger.Warn("demand signal delivery failed",
			"type", sig.Type, "listing", sig.ListingID, "error", err)
	}
}

// NopEmitter discards all signals. Used when no sink is configured.
type NopEmitter struct{}

func (NopEmitter) Emit(Signal) {}
