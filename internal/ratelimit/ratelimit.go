// Package ratelimit enforces per-IP, per-device, and per-sensor ingestion
// quotas with an approximate sliding window.
//
// For each key the counter keeps (prev_count, curr_count, window_start) on
// 60-second aligned windows. The approximate rate weighs the previous window
// by the portion of the current window that has not yet elapsed, which keeps
// memory at O(keys) instead of O(requests).
package ratelimit

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Scope names a quota dimension, checked in order ip → device → sensor.
type Scope string

const (
	ScopeIP     Scope = "ip"
	ScopeDevice Scope = "device"
	ScopeSensor Scope = "sensor"
)

// LimitExceeded is returned when a key is over quota. The HTTP edge maps it
// to 429 with Retry-After.
type LimitExceeded struct {
	Scope  Scope
	Key    string
	Limit  int
	Approx int
}

func (e *LimitExceeded) Error() string {
	return fmt.Sprintf("rate limit exceeded: scope=%s key=%s approx=%d limit=%d",
		e.Scope, e.Key, e.Approx, e.Limit)
}

// Config holds the per-scope limits (requests per minute).
type Config struct {
	Enabled      bool
	SensorPerMin int
	DevicePerMin int
	IPPerMin     int
}

type windowEntry struct {
	prev        int
	curr        int
	windowStart int64 // unix seconds, aligned to windowSeconds
}

const (
	windowSeconds = 60
	entryMaxAge   = 5 * time.Minute
	sweepEvery    = time.Minute
)

// slidingCounter is one keyed approximate sliding-window counter.
type slidingCounter struct {
	mu      sync.Mutex
	entries map[string]*windowEntry
	now     func() time.Time
}

func newSlidingCounter(now func() time.Time) *slidingCounter {
	return &slidingCounter{entries: make(map[string]*windowEntry), now: now}
}

// incrementAndCheck records one request for key and returns whether the
// approximate rate stays at or under limit, plus the approximate count.
func (c *slidingCounter) incrementAndCheck(key string, limit int) (bool, int) {
	now := c.now()
	nowUnix := now.Unix()
	windowStart := (nowUnix / windowSeconds) * windowSeconds

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &windowEntry{windowStart: windowStart}
		c.entries[key] = e
	}
	if e.windowStart < windowStart {
		// Rotate. The previous count only carries over when the stored
		// window is the immediately preceding one.
		if e.windowStart == windowStart-windowSeconds {
			e.prev = e.curr
		} else {
			e.prev = 0
		}
		e.curr = 0
		e.windowStart = windowStart
	}
	e.curr++

	elapsed := float64(nowUnix - windowStart)
	prevWeight := 1 - elapsed/windowSeconds
	approx := int(float64(e.prev)*prevWeight) + e.curr
	c.mu.Unlock()

	return approx <= limit, approx
}

// sweep drops entries whose window is older than maxAge.
func (c *slidingCounter) sweep(maxAge time.Duration) int {
	cutoff := c.now().Add(-maxAge).Unix()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if e.windowStart < cutoff {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Limiter enforces all three scopes. One Limiter per process.
type Limiter struct {
	cfg    Config
	sensor *slidingCounter
	device *slidingCounter
	ip     *slidingCounter
	logger *log.Logger

	stop chan struct{}
	once sync.Once
}

// New creates a limiter and starts its periodic GC sweep.
func New(cfg Config) *Limiter {
	return newWithClock(cfg, time.Now)
}

func newWithClock(cfg Config, now func() time.Time) *Limiter {
	if cfg.SensorPerMin <= 0 {
		cfg.SensorPerMin = 60
	}
	if cfg.DevicePerMin <= 0 {
		cfg.DevicePerMin = 300
	}
	if cfg.IPPerMin <= 0 {
		cfg.IPPerMin = 1000
	}
	l := &Limiter{
		cfg:    cfg,
		sensor: newSlidingCounter(now),
		device: newSlidingCounter(now),
		ip:     newSlidingCounter(now),
		logger: log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		stop:   make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Close stops the GC sweep goroutine.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			removed := l.sensor.sweep(entryMaxAge) + l.device.sweep(entryMaxAge) + l.ip.sweep(entryMaxAge)
			if removed > 0 {
				l.logger.Printf("swept %d expired rate-limit entries", removed)
			}
		case <-l.stop:
			return
		}
	}
}

// CheckIP enforces the per-IP quota.
func (l *Limiter) CheckIP(ip string) error {
	return l.check(l.ip, ScopeIP, ip, l.cfg.IPPerMin)
}

// CheckDevice enforces the per-device quota.
func (l *Limiter) CheckDevice(deviceUUID string) error {
	return l.check(l.device, ScopeDevice, deviceUUID, l.cfg.DevicePerMin)
}

// CheckSensor enforces the per-sensor quota.
func (l *Limiter) CheckSensor(sensorID int64) error {
	return l.check(l.sensor, ScopeSensor, fmt.Sprintf("%d", sensorID), l.cfg.SensorPerMin)
}

func (l *Limiter) check(c *slidingCounter, scope Scope, key string, limit int) error {
	if !l.cfg.Enabled || key == "" {
		return nil
	}
	ok, approx := c.incrementAndCheck(key, limit)
	if ok {
		return nil
	}
	l.logger.Printf("rejected scope=%s key=%s approx=%d limit=%d", scope, key, approx, limit)
	return &LimitExceeded{Scope: scope, Key: key, Limit: limit, Approx: approx}
}

// Limit returns the configured limit for a scope, for Retry-After headers.
func (l *Limiter) Limit(scope Scope) int {
	switch scope {
	case ScopeSensor:
		return l.cfg.SensorPerMin
	case ScopeDevice:
		return l.cfg.DevicePerMin
	default:
		return l.cfg.IPPerMin
	}
}
