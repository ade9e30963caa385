package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"knowledge-agent/internal/domain"
	"knowledge-agent/internal/logger"
	"knowledge-agent/internal/metrics"
)

const (
	DefaultQueueSize    = 256
	defaultWriteTimeout = 5 * time.Second
)

// Writer persists a single record.
type Writer interface {
	Record(ctx context.Context, rec domain.QueryLog) error
}

// Dispatcher hands records to a background worker so that audit writes never
// delay a response. When the queue is full new records are dropped.
type Dispatcher struct {
	w       Writer
	queue   chan domain.QueryLog
	logger  *zap.Logger
	timeout time.Duration

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
}

func NewDispatcher(w Writer, queueSize int, log *zap.Logger) (*Dispatcher, error) {
	if w == nil {
		return nil, errors.New("audit: writer must not be nil")
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		w:       w,
		queue:   make(chan domain.QueryLog, queueSize),
		logger:  log,
		timeout: defaultWriteTimeout,
		done:    make(chan struct{}),
	}
	go d.run()
	return d, nil
}

// Submit enqueues rec without blocking.
func (d *Dispatcher) Submit(rec domain.QueryLog) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.IncAudit("dropped")
		return
	}
	select {
	case d.queue <- rec:
	default:
		metrics.IncAudit("dropped")
		d.logger.Warn("audit_dropped",
			zap.String("query_id", rec.ID),
			zap.String("session_id", logger.MaskID(rec.SessionID)))
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for rec := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.w.Record(ctx, rec)
		cancel()
		if err != nil {
			metrics.IncAudit("failed")
			d.logger.Error("audit_write_failed", zap.String("query_id", rec.ID), zap.Error(err))
			continue
		}
		metrics.IncAudit("written")
	}
}

// Close stops accepting records and waits for queued ones to be written or
// for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
