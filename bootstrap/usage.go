package bootstrap

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/credmeter/domain/usage"
	"github.com/artpar/credmeter/ports"
)

// LocalUsageRecorder buffers usage events and writes them in batches to the
// store. Recording never blocks a charge; a lost batch loses analytics, not
// accounting.
type LocalUsageRecorder struct {
	store         ports.UsageStore
	logger        zerolog.Logger
	buffer        []usage.Event
	mu            sync.Mutex
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

// NewLocalUsageRecorder creates a new local usage recorder.
func NewLocalUsageRecorder(store ports.UsageStore, logger zerolog.Logger, batchSize int, flushInterval time.Duration) *LocalUsageRecorder {
	if batchSize == 0 {
		batchSize = 100
	}
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	r := &LocalUsageRecorder{
		store:         store,
		logger:        logger,
		buffer:        make([]usage.Event, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
	}

	r.wg.Add(1)
	go r.flushLoop()

	return r
}

// Record queues a usage event for processing.
func (r *LocalUsageRecorder) Record(e usage.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buffer = append(r.buffer, e)

	if len(r.buffer) >= r.batchSize {
		r.flushLocked()
	}
}

// Flush forces immediate processing of queued events.
func (r *LocalUsageRecorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushLocked()
	return nil
}

func (r *LocalUsageRecorder) flushLocked() {
	if len(r.buffer) == 0 {
		return
	}

	events := make([]usage.Event, len(r.buffer))
	copy(events, r.buffer)
	r.buffer = r.buffer[:0]

	// Write in background to not block the charge path. The WaitGroup keeps
	// Close from returning while a batch is still in flight.
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.store.RecordBatch(ctx, events); err != nil {
			r.logger.Error().Err(err).Int("events", len(events)).Msg("usage batch write failed")
		}
	}()
}

func (r *LocalUsageRecorder) flushLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Flush(context.Background())
		case <-r.stopCh:
			return
		}
	}
}

// Close stops the recorder and flushes remaining events.
func (r *LocalUsageRecorder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stopCh)
		r.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r.mu.Lock()
		defer r.mu.Unlock()

		if len(r.buffer) > 0 {
			err = r.store.RecordBatch(ctx, r.buffer)
			r.buffer = nil
		}
	})
	return err
}

// Ensure interface compliance.
var _ ports.UsageRecorder = (*LocalUsageRecorder)(nil)
