package store

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// BufferedReading is one sample waiting in the batch inserter.
type BufferedReading struct {
	SensorID int64
	Value    float64
	DeviceTS *time.Time
	IngestTS time.Time
}

// BatchStats are the inserter counters. At any observation point
// Buffered == Flushed + Dropped + len(buffer).
type BatchStats struct {
	Buffered uint64 `json:"buffered"`
	Flushed  uint64 `json:"flushed"`
	Dropped  uint64 `json:"dropped"`
	Flushes  uint64 `json:"flushes"`
}

// FlushFunc persists one batch in a single statement.
type FlushFunc func(ctx context.Context, batch []BufferedReading) error

// BatchInserter buffers readings and flushes them in bulk, either when the
// buffer fills or on a periodic tick. It is the high-throughput alternative
// to per-observation InsertReading.
type BatchInserter struct {
	flush         FlushFunc
	bufferSize    int
	flushInterval time.Duration
	maxBatchSize  int
	onFlush       func(n int)
	logger        *log.Logger

	mu     sync.Mutex
	buffer []BufferedReading
	stats  BatchStats

	kick    chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// BatchOption tweaks a BatchInserter.
type BatchOption func(*BatchInserter)

// WithOnFlush installs a callback invoked with the size of each flushed batch.
func WithOnFlush(fn func(n int)) BatchOption {
	return func(b *BatchInserter) { b.onFlush = fn }
}

// NewBatchInserter builds an inserter with the given knobs; zero values take
// the defaults (100 buffer, 5s interval, 500 max batch).
func NewBatchInserter(flush FlushFunc, bufferSize int, flushInterval time.Duration, maxBatchSize int, opts ...BatchOption) *BatchInserter {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if maxBatchSize <= 0 {
		maxBatchSize = 500
	}
	b := &BatchInserter{
		flush:         flush,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		maxBatchSize:  maxBatchSize,
		logger:        log.New(log.Writer(), "[BATCH] ", log.LstdFlags),
		kick:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start launches the periodic flusher. Idempotent.
func (b *BatchInserter) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.stop = make(chan struct{})
	b.mu.Unlock()

	b.wg.Add(1)
	go b.flushLoop()
	b.logger.Printf("started buffer_size=%d flush_interval=%s max_batch=%d",
		b.bufferSize, b.flushInterval, b.maxBatchSize)
}

// Stop halts the flusher; when flushRemaining is set the buffered tail is
// written out first. Idempotent.
func (b *BatchInserter) Stop(flushRemaining bool) {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	close(b.stop)
	b.mu.Unlock()

	b.wg.Wait()
	if flushRemaining {
		for b.Flush(context.Background()) > 0 {
		}
	}
	s := b.Stats()
	b.logger.Printf("stopped buffered=%d flushed=%d dropped=%d", s.Buffered, s.Flushed, s.Dropped)
}

// Add buffers one reading. Returns false when the sample was dropped for
// backpressure (buffer at twice its nominal capacity).
func (b *BatchInserter) Add(sensorID int64, value float64, deviceTS *time.Time) bool {
	r := BufferedReading{
		SensorID: sensorID,
		Value:    value,
		DeviceTS: deviceTS,
		IngestTS: time.Now().UTC(),
	}

	b.mu.Lock()
	if len(b.buffer) >= b.bufferSize*2 {
		b.stats.Dropped++
		b.mu.Unlock()
		b.logger.Printf("buffer full, dropping reading sensor_id=%d", sensorID)
		return false
	}
	b.buffer = append(b.buffer, r)
	b.stats.Buffered++
	full := len(b.buffer) >= b.bufferSize
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
	return true
}

func (b *BatchInserter) flushLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.Flush(context.Background())
		case <-b.kick:
			b.Flush(context.Background())
		case <-b.stop:
			return
		}
	}
}

// Flush writes out up to maxBatchSize buffered readings in one statement and
// returns how many were written. On a database error the batch is re-prepended
// so the next tick retries it.
func (b *BatchInserter) Flush(ctx context.Context) int {
	b.mu.Lock()
	if len(b.buffer) == 0 {
		b.mu.Unlock()
		return 0
	}
	n := len(b.buffer)
	if n > b.maxBatchSize {
		n = b.maxBatchSize
	}
	batch := make([]BufferedReading, n)
	copy(batch, b.buffer[:n])
	b.buffer = b.buffer[n:]
	b.mu.Unlock()

	if err := b.flush(ctx, batch); err != nil {
		b.logger.Printf("flush of %d readings failed, will retry: %v", len(batch), err)
		b.mu.Lock()
		b.buffer = append(batch, b.buffer...)
		b.mu.Unlock()
		return 0
	}

	b.mu.Lock()
	b.stats.Flushed += uint64(len(batch))
	b.stats.Flushes++
	b.mu.Unlock()

	if b.onFlush != nil {
		b.onFlush(len(batch))
	}
	return len(batch)
}

// Pending returns the current buffer depth.
func (b *BatchInserter) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

// Stats returns a snapshot of the counters.
func (b *BatchInserter) Stats() BatchStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// InsertReadingsBatch is the FlushFunc backed by the store: one multi-row
// INSERT per batch.
func (s *Store) InsertReadingsBatch(ctx context.Context, batch []BufferedReading) error {
	if len(batch) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString("INSERT INTO sensor_readings (sensor_id, value, device_ts, ingest_ts) VALUES ")
	args := make([]any, 0, len(batch)*4)
	for i, r := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 4
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4)
		args = append(args, r.SensorID, r.Value, nullTime(r.DeviceTS), r.IngestTS.UTC())
	}
	_, err := s.db.ExecContext(ctx, sb.String(), args...)
	return err
}
