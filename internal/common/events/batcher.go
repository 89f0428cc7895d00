package events

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type batchCallback func(events []Event) error

// BatchingSink buffers events and hands them to a callback either when the
// batch is full or when the flush timeout expires, whichever comes first.
type BatchingSink struct {
	batchSize int
	timeout   time.Duration
	callback  batchCallback

	mutex sync.Mutex
	batch []Event
	timer *time.Timer

	stopOnce sync.Once
	stopChan chan struct{}
}

func NewBatchingSink(batchSize int, timeout time.Duration, callback batchCallback) *BatchingSink {
	return &BatchingSink{
		batchSize: batchSize,
		timeout:   timeout,
		callback:  callback,
		batch:     []Event{},
		stopChan:  make(chan struct{}),
	}
}

func (b *BatchingSink) Send(event Event) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.batch = append(b.batch, event)
	if len(b.batch) >= b.batchSize {
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
		b.flushUnlocked()
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.timeout, b.Flush)
	}
}

// Flush delivers any buffered events immediately.
func (b *BatchingSink) Flush() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.flushUnlocked()
}

func (b *BatchingSink) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopChan)
		b.Flush()
	})
}

func (b *BatchingSink) flushUnlocked() {
	if len(b.batch) == 0 {
		return
	}
	batch := b.batch
	b.batch = []Event{}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if err := b.callback(batch); err != nil {
		// Fire-and-forget: delivery failures are logged, never propagated.
		log.Errorf("failed to deliver %d events: %v", len(batch), err)
	}
}

// LogSink writes events to the application log. Used as the default callback
// target when no external notification service is configured.
type LogSink struct{}

func (LogSink) Send(event Event) {
	log.WithField("type", event.Type).
		WithField("jobId", event.JobId).
		WithField("resourceId", event.ResourceId).
		Info("event")
}

func (LogSink) Stop() {}
