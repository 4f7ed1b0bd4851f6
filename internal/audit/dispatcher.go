package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

// Config controls dispatcher buffering behavior.
type Config struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// Dispatcher forwards audit events to a sink on a dedicated goroutine so
// that sink latency never sits on the request path. A nil *Dispatcher is
// valid and drops everything.
type Dispatcher struct {
	sink         Sink
	queue        chan Event
	done         chan struct{}
	dropWhenFull bool

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	buffer := cfg.BufferSize
	if buffer <= 0 {
		buffer = 1
	}

	d := &Dispatcher{
		sink:         sink,
		queue:        make(chan Event, buffer),
		done:         make(chan struct{}),
		dropWhenFull: cfg.DropIfFull,
	}
	go d.pump()
	return d
}

// pump drains the queue until Close closes it; ranging over the channel
// guarantees buffered events are delivered before shutdown completes.
func (d *Dispatcher) pump() {
	defer close(d.done)
	for event := range d.queue {
		d.sink.Emit(context.Background(), event)
	}
}

func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	// The read lock keeps Close from closing the queue mid-send.
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	if d.dropWhenFull {
		select {
		case d.queue <- event:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.queue <- event:
	case <-ctx.Done():
	}
}

// Close stops intake, waits for buffered events to reach the sink, and
// returns. Safe to call more than once.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}

	d.mu.Lock()
	already := d.closed
	d.closed = true
	if !already {
		close(d.queue)
	}
	d.mu.Unlock()

	<-d.done
}

// Dropped reports how many events were discarded under backpressure.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
