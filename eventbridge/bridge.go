package eventbridge

import (
	"context"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/atomic"

	"github.com/ipfs-force-community/sophon-connect/adapter"
)

var log = logging.Logger("event_bridge")

type Handler func(ctx context.Context, event adapter.Event)

var _ adapter.EventSink = (*Bridge)(nil)

// Bridge moves adapter events to the consumer on a single goroutine. Publish never blocks the network
// listener, and events are handed over in the order they were published.
type Bridge struct {
	lk      sync.Mutex
	pending []adapter.Event
	wake    chan struct{}
	closed  bool

	handler   Handler
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func New(handler Handler) *Bridge {
	return &Bridge{
		wake:    make(chan struct{}, 1),
		handler: handler,
	}
}

func (b *Bridge) Publish(event adapter.Event) {
	b.lk.Lock()
	if b.closed {
		b.lk.Unlock()
		b.dropped.Inc()
		log.Warnf("bridge closed, drop %s event", event.Kind())
		return
	}
	b.pending = append(b.pending, event)
	b.lk.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Len is the number of events waiting for delivery.
func (b *Bridge) Len() int {
	b.lk.Lock()
	defer b.lk.Unlock()
	return len(b.pending)
}

func (b *Bridge) Delivered() uint64 {
	return b.delivered.Load()
}

// Run delivers events until ctx is done or Close is called, whatever is queued by then is still delivered.
func (b *Bridge) Run(ctx context.Context) {
	for {
		select {
		case <-b.wake:
		case <-ctx.Done():
			log.Infof("event bridge exit, %d delivered", b.delivered.Load())
			return
		}

		for {
			b.lk.Lock()
			batch := b.pending
			b.pending = nil
			closed := b.closed
			b.lk.Unlock()

			for _, event := range batch {
				b.deliver(ctx, event)
			}
			if closed {
				return
			}
			if len(batch) == 0 {
				break
			}
		}
	}
}

func (b *Bridge) deliver(ctx context.Context, event adapter.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("handle %s event panic: %v", event.Kind(), fmt.Sprint(r))
		}
	}()
	b.handler(ctx, event)
	b.delivered.Inc()
}

func (b *Bridge) Close() {
	b.lk.Lock()
	b.closed = true
	b.lk.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}
