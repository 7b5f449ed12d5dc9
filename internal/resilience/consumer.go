package resilience

import (
	"context"
	"log"
	"sync"
	"time"
)

// DLQHandler reprocesses one dead-lettered entry. A nil return deletes the
// entry; an error requeues it (or archives it once retries are exhausted).
type DLQHandler func(ctx context.Context, entry DLQEntry) error

// DLQConsumerConfig controls polling cadence and retry budget.
type DLQConsumerConfig struct {
	BatchSize  int
	PollEvery  time.Duration
	MaxRetries int
}

// DLQConsumer polls the dead-letter queue in batches and hands entries to a
// handler for reprocessing.
type DLQConsumer struct {
	queue   DeadLetterQueue
	handler DLQHandler
	cfg     DLQConsumerConfig
	logger  *log.Logger

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewDLQConsumer(queue DeadLetterQueue, handler DLQHandler, cfg DLQConsumerConfig) *DLQConsumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 60 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &DLQConsumer{
		queue:   queue,
		handler: handler,
		cfg:     cfg,
		logger:  log.New(log.Writer(), "[DLQ] ", log.LstdFlags),
		stop:    make(chan struct{}),
	}
}

// Start launches the polling goroutine. Idempotent via Stop's once guard on
// the other side; calling Start twice is a programming error.
func (c *DLQConsumer) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.PollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.ProcessBatch(context.Background())
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop halts polling and waits for the in-flight batch.
func (c *DLQConsumer) Stop() {
	c.once.Do(func() { close(c.stop) })
	c.wg.Wait()
}

// ProcessBatch drains up to BatchSize entries once. Exposed for tests and
// for the diagnostics "replay now" path.
func (c *DLQConsumer) ProcessBatch(ctx context.Context) (processed, requeued, archived int) {
	entries, err := c.queue.Read(ctx, c.cfg.BatchSize)
	if err != nil {
		c.logger.Printf("read failed: %v", err)
		return
	}
	for _, stored := range entries {
		if err := c.handler(ctx, stored.DLQEntry); err == nil {
			if err := c.queue.Delete(ctx, stored.ID); err != nil {
				c.logger.Printf("delete %s failed: %v", stored.ID, err)
			}
			processed++
			continue
		}
		if stored.RetryCount+1 >= c.cfg.MaxRetries {
			if err := c.queue.Archive(ctx, stored); err != nil {
				c.logger.Printf("archive %s failed: %v", stored.ID, err)
				continue
			}
			c.logger.Printf("archived entry id=%s error_type=%s retries=%d",
				stored.ID, stored.ErrorType, stored.RetryCount+1)
			archived++
			continue
		}
		if err := c.queue.Requeue(ctx, stored); err != nil {
			c.logger.Printf("requeue %s failed: %v", stored.ID, err)
			continue
		}
		requeued++
	}
	return
}
