package classify

import "sync"

const trackerShards = 16

type trackerShard struct {
	mu     sync.Mutex
	counts map[int64]int
}

// ConsecutiveTracker counts consecutive out-of-range readings per stream.
// Striped by sensor id so concurrent streams never contend on one lock.
type ConsecutiveTracker struct {
	shards [trackerShards]trackerShard
}

func NewConsecutiveTracker() *ConsecutiveTracker {
	t := &ConsecutiveTracker{}
	for i := range t.shards {
		t.shards[i].counts = make(map[int64]int)
	}
	return t
}

func (t *ConsecutiveTracker) shard(sensorID int64) *trackerShard {
	return &t.shards[uint64(sensorID)%trackerShards]
}

// Increment bumps the stream's counter and returns the new value.
func (t *ConsecutiveTracker) Increment(sensorID int64) int {
	s := t.shard(sensorID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[sensorID]++
	return s.counts[sensorID]
}

// Reset clears the stream's counter after an in-range reading.
func (t *ConsecutiveTracker) Reset(sensorID int64) {
	s := t.shard(sensorID)
	s.mu.Lock()
	delete(s.counts, sensorID)
	s.mu.Unlock()
}

// Count returns the current counter without modifying it.
func (t *ConsecutiveTracker) Count(sensorID int64) int {
	s := t.shard(sensorID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[sensorID]
}
