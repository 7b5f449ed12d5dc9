package resilience

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DLQEntry is one failed payload parked for later inspection or replay.
type DLQEntry struct {
	Payload    string    `json:"payload"`
	Error      string    `json:"error"`
	ErrorType  string    `json:"error_type"` // parse_error, validation_error, db_error, circuit_breaker_open, …
	Source     string    `json:"source"`     // http, mqtt, websocket, csv, pipeline
	Timestamp  time.Time `json:"timestamp"`
	SensorID   int64     `json:"sensor_id,omitempty"`
	MsgID      string    `json:"msg_id,omitempty"`
	RetryCount int       `json:"retry_count"`
}

// StoredDLQEntry is an entry plus its queue-assigned id, needed to delete or
// requeue it.
type StoredDLQEntry struct {
	ID string
	DLQEntry
}

const (
	dlqPayloadLimit = 5000 // bytes of payload kept per entry
	dlqErrorLimit   = 1000 // bytes of error text kept per entry
)

// DeadLetterQueue is an append-only bounded stream of failed payloads.
type DeadLetterQueue interface {
	Add(ctx context.Context, entry DLQEntry) error
	// Read returns up to count entries from the head without removing them.
	Read(ctx context.Context, count int) ([]StoredDLQEntry, error)
	Delete(ctx context.Context, id string) error
	// Requeue re-adds the entry with retry_count+1 and deletes the original.
	Requeue(ctx context.Context, stored StoredDLQEntry) error
	// Archive moves the entry to the archive stream.
	Archive(ctx context.Context, stored StoredDLQEntry) error
	Len(ctx context.Context) (int64, error)
}

func truncateDLQ(e *DLQEntry) {
	if len(e.Payload) > dlqPayloadLimit {
		e.Payload = e.Payload[:dlqPayloadLimit]
	}
	if len(e.Error) > dlqErrorLimit {
		e.Error = e.Error[:dlqErrorLimit]
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

const (
	dlqStreamKey  = "ingest:dlq"
	dlqArchiveKey = "ingest:dlq:archive"
)

// RedisDLQ stores entries in a Redis stream with approximate MAXLEN trimming.
type RedisDLQ struct {
	rdb    *redis.Client
	maxLen int64
}

func NewRedisDLQ(rdb *redis.Client, maxLen int64) *RedisDLQ {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisDLQ{rdb: rdb, maxLen: maxLen}
}

func (q *RedisDLQ) Add(ctx context.Context, entry DLQEntry) error {
	truncateDLQ(&entry)
	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqStreamKey,
		MaxLen: q.maxLen,
		Approx: true,
		Values: entryValues(entry),
	}).Err()
}

func entryValues(e DLQEntry) map[string]interface{} {
	return map[string]interface{}{
		"payload":     e.Payload,
		"error":       e.Error,
		"error_type":  e.ErrorType,
		"source":      e.Source,
		"timestamp":   e.Timestamp.UTC().Format(time.RFC3339Nano),
		"sensor_id":   strconv.FormatInt(e.SensorID, 10),
		"msg_id":      e.MsgID,
		"retry_count": strconv.Itoa(e.RetryCount),
	}
}

func entryFromValues(id string, vals map[string]interface{}) StoredDLQEntry {
	get := func(k string) string {
		if v, ok := vals[k].(string); ok {
			return v
		}
		return ""
	}
	ts, _ := time.Parse(time.RFC3339Nano, get("timestamp"))
	sensorID, _ := strconv.ParseInt(get("sensor_id"), 10, 64)
	retries, _ := strconv.Atoi(get("retry_count"))
	return StoredDLQEntry{
		ID: id,
		DLQEntry: DLQEntry{
			Payload:    get("payload"),
			Error:      get("error"),
			ErrorType:  get("error_type"),
			Source:     get("source"),
			Timestamp:  ts,
			SensorID:   sensorID,
			MsgID:      get("msg_id"),
			RetryCount: retries,
		},
	}
}

func (q *RedisDLQ) Read(ctx context.Context, count int) ([]StoredDLQEntry, error) {
	msgs, err := q.rdb.XRangeN(ctx, dlqStreamKey, "-", "+", int64(count)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]StoredDLQEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, entryFromValues(m.ID, m.Values))
	}
	return out, nil
}

func (q *RedisDLQ) Delete(ctx context.Context, id string) error {
	return q.rdb.XDel(ctx, dlqStreamKey, id).Err()
}

func (q *RedisDLQ) Requeue(ctx context.Context, stored StoredDLQEntry) error {
	entry := stored.DLQEntry
	entry.RetryCount++
	if err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqStreamKey,
		MaxLen: q.maxLen,
		Approx: true,
		Values: entryValues(entry),
	}).Err(); err != nil {
		return err
	}
	return q.Delete(ctx, stored.ID)
}

func (q *RedisDLQ) Archive(ctx context.Context, stored StoredDLQEntry) error {
	if err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqArchiveKey,
		MaxLen: q.maxLen,
		Approx: true,
		Values: entryValues(stored.DLQEntry),
	}).Err(); err != nil {
		return err
	}
	return q.Delete(ctx, stored.ID)
}

func (q *RedisDLQ) Len(ctx context.Context) (int64, error) {
	return q.rdb.XLen(ctx, dlqStreamKey).Result()
}

// MemoryDLQ is the in-process bounded variant.
type MemoryDLQ struct {
	maxLen int

	mu      sync.Mutex
	nextID  int64
	entries []StoredDLQEntry
	archive []StoredDLQEntry
}

func NewMemoryDLQ(maxLen int) *MemoryDLQ {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &MemoryDLQ{maxLen: maxLen}
}

func (q *MemoryDLQ) Add(_ context.Context, entry DLQEntry) error {
	truncateDLQ(&entry)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	q.entries = append(q.entries, StoredDLQEntry{ID: strconv.FormatInt(q.nextID, 10), DLQEntry: entry})
	if len(q.entries) > q.maxLen {
		q.entries = q.entries[len(q.entries)-q.maxLen:]
	}
	return nil
}

func (q *MemoryDLQ) Read(_ context.Context, count int) ([]StoredDLQEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if count > len(q.entries) {
		count = len(q.entries)
	}
	out := make([]StoredDLQEntry, count)
	copy(out, q.entries[:count])
	return out, nil
}

func (q *MemoryDLQ) Delete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleteLocked(id)
	return nil
}

func (q *MemoryDLQ) deleteLocked(id string) {
	for i, e := range q.entries {
		if e.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

func (q *MemoryDLQ) Requeue(ctx context.Context, stored StoredDLQEntry) error {
	q.mu.Lock()
	q.deleteLocked(stored.ID)
	q.mu.Unlock()
	entry := stored.DLQEntry
	entry.RetryCount++
	return q.Add(ctx, entry)
}

func (q *MemoryDLQ) Archive(_ context.Context, stored StoredDLQEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleteLocked(stored.ID)
	q.archive = append(q.archive, stored)
	return nil
}

func (q *MemoryDLQ) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.entries)), nil
}

// Archived returns the archived entries (test helper).
func (q *MemoryDLQ) Archived() []StoredDLQEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]StoredDLQEntry, len(q.archive))
	copy(out, q.archive)
	return out
}

// MarshalPayload renders v as the DLQ payload string, best effort.
func MarshalPayload(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
