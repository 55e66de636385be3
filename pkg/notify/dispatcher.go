package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"settlenet/pkg/logging"
	"settlenet/pkg/metrics"
)

// Publisher pushes events to an external delivery channel (e.g. a redis
// topic). Errors are logged and counted, never surfaced to settlement.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Dispatcher implements Sink with a bounded queue and a worker pool, so a
// slow consumer or publisher can never stall a money-moving request.
type Dispatcher struct {
	registry   *Registry
	publishers []Publisher
	queue      chan Event
	workers    int
	wg         sync.WaitGroup
	ctx        context.Context
	cancelFunc context.CancelFunc
	maxWait    time.Duration
	logger     *logging.Logger
	metrics    metrics.Collector

	// Statistics (accessed atomically)
	delivered atomic.Int64
	dropped   atomic.Int64

	depthTicker *time.Ticker
	depthStop   chan struct{}
}

// DispatcherConfig configures the dispatcher.
type DispatcherConfig struct {
	// QueueSize is the bounded queue size (default 1000).
	QueueSize int

	// Workers is the number of concurrent delivery workers (default 2).
	Workers int

	// MaxWaitTime is the max time to wait if the queue is full.
	// 0 means drop immediately (default 10ms).
	MaxWaitTime time.Duration
}

// NewDispatcher creates a dispatcher delivering to the registry and the
// given publishers. It starts processing immediately and must be closed
// with Close.
func NewDispatcher(registry *Registry, config DispatcherConfig, logger *logging.Logger, collector metrics.Collector, publishers ...Publisher) *Dispatcher {
	if config.QueueSize <= 0 {
		config.QueueSize = 1000
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.MaxWaitTime == 0 {
		config.MaxWaitTime = 10 * time.Millisecond
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		registry:   registry,
		publishers: publishers,
		queue:      make(chan Event, config.QueueSize),
		workers:    config.Workers,
		ctx:        ctx,
		cancelFunc: cancel,
		maxWait:    config.MaxWaitTime,
		logger:     logger.Named("notify"),
		metrics:    collector,
		depthStop:  make(chan struct{}),
	}

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	d.depthTicker = time.NewTicker(5 * time.Second)
	go d.reportDepth()

	return d
}

// FundsReceived enqueues an event. When the queue stays full past
// MaxWaitTime the event is dropped and counted; settlement is never
// blocked.
func (d *Dispatcher) FundsReceived(ev Event) {
	select {
	case d.queue <- ev:
		return
	default:
	}

	if d.maxWait > 0 {
		timer := time.NewTimer(d.maxWait)
		defer timer.Stop()
		select {
		case d.queue <- ev:
			return
		case <-timer.C:
		case <-d.ctx.Done():
		}
	}

	d.dropped.Add(1)
	d.metrics.RecordNotification(false)
	d.logger.Warn("notification dropped, queue full",
		zap.String("account", ev.Account),
		zap.String("transaction_id", ev.TransactionID),
	)
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			// Drain what is already queued before exiting.
			for {
				select {
				case ev := <-d.queue:
					d.deliver(ev)
				default:
					return
				}
			}
		case ev := <-d.queue:
			d.deliver(ev)
		}
	}
}

func (d *Dispatcher) deliver(ev Event) {
	if d.registry != nil {
		d.registry.Broadcast(ev)
	}
	for _, pub := range d.publishers {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := pub.Publish(ctx, ev); err != nil {
			d.logger.Warn("publisher delivery failed",
				zap.String("account", ev.Account),
				zap.Error(err),
			)
		}
		cancel()
	}
	d.delivered.Add(1)
	d.metrics.RecordNotification(true)
}

func (d *Dispatcher) reportDepth() {
	for {
		select {
		case <-d.depthTicker.C:
			d.metrics.RecordQueueDepth(len(d.queue))
		case <-d.depthStop:
			return
		}
	}
}

// Stats returns delivered and dropped counts.
func (d *Dispatcher) Stats() (delivered, dropped int64) {
	return d.delivered.Load(), d.dropped.Load()
}

// Close stops the workers after draining the queue.
func (d *Dispatcher) Close() {
	d.depthTicker.Stop()
	close(d.depthStop)
	d.cancelFunc()
	d.wg.Wait()
}
