package notify

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// PrefsSource loads a recipient's notification preferences.
type PrefsSource interface {
	FetchPrefs(ctx context.Context, userID string) (Prefs, error)
}

// Sink delivers gated notifications to an external channel, such as a queue
// drained by a Telegram or webhook relay.
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

const (
	defaultWorkers         = 8
	defaultBuffer          = 1024
	defaultDeliveryTimeout = 30 * time.Second
)

// Dispatcher gates notification fan-out by each recipient's quiet hours and
// category flags, then delivers asynchronously through a bounded worker pool.
// When the buffer is saturated the caller delivers inline instead of dropping.
type Dispatcher struct {
	prefs   PrefsSource
	sink    Sink
	log     *log.Logger
	now     func() time.Time
	timeout time.Duration

	jobs chan Notification
	wg   sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithWorkers sets the worker count and buffer size.
func WithWorkers(workers, buffer int) DispatcherOption {
	return func(d *Dispatcher) {
		if workers > 0 && buffer > 0 {
			d.jobs = make(chan Notification, buffer)
			d.startWorkers(workers)
		}
	}
}

// WithNow overrides the time source used for quiet-hours checks.
func WithNow(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// WithDeliveryTimeout bounds each sink delivery attempt.
func WithDeliveryTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

func NewDispatcher(prefs PrefsSource, sink Sink, logger *log.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = log.StandardLogger()
	}
	d := &Dispatcher{
		prefs:   prefs,
		sink:    sink,
		log:     logger,
		now:     time.Now,
		timeout: defaultDeliveryTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.jobs == nil {
		d.jobs = make(chan Notification, defaultBuffer)
		d.startWorkers(defaultWorkers)
	}
	return d
}

func (d *Dispatcher) startWorkers(n int) {
	for i := 0; i < n; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for n := range d.jobs {
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.sink.Deliver(ctx, n); err != nil {
		d.log.WithFields(log.Fields{"user": n.UserID, "category": string(n.Category)}).
			Errorf("deliver notification: %v", err)
	}
}

// Dispatch fans one event out to the listed recipients. Recipients inside
// quiet hours or with the category disabled are skipped outright. It returns
// the user ids actually handed to the sink.
func (d *Dispatcher) Dispatch(ctx context.Context, recipients []string, category Category, resourceID, message string) []string {
	now := d.now()
	delivered := make([]string, 0, len(recipients))
	for _, userID := range recipients {
		prefs, err := d.prefs.FetchPrefs(ctx, userID)
		if err != nil {
			d.log.WithField("user", userID).Errorf("fetch prefs: %v", err)
			continue
		}
		if !prefs.Allows(category, now) {
			continue
		}
		n := Notification{
			UserID:     userID,
			Category:   category,
			ResourceID: resourceID,
			Message:    message,
			Time:       now.UnixNano(),
		}
		d.enqueue(n)
		delivered = append(delivered, userID)
	}
	return delivered
}

// enqueue hands the notification to the worker pool. A saturated buffer or a
// closed pool falls back to inline delivery, never dropping. The closed check
// and the channel send share the mutex with Close, so no send can race the
// channel close.
func (d *Dispatcher) enqueue(n Notification) {
	d.mu.Lock()
	if !d.closed {
		select {
		case d.jobs <- n:
			d.mu.Unlock()
			return
		default:
		}
		d.mu.Unlock()
		d.log.Warn("notification buffer saturated; delivering inline")
		d.deliver(n)
		return
	}
	d.mu.Unlock()
	d.deliver(n)
}

// Close stops the worker pool and waits for in-flight deliveries. Later
// Dispatch calls still deliver, inline.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.jobs)
	})
	d.wg.Wait()
}
