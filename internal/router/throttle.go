package router

import (
	"sync"
	"time"

	"kingdomcleanup/netcode/internal/protocol"
)

// EffectThrottle rate-limits cosmetic effect messages before they are sent.
// Each type holds a single slot: a message may pass once its minimum interval
// since the previous accepted message has elapsed; everything in between is
// dropped, not queued. Dropped effects are purely visual and the next one
// repaints the same state anyway.
type EffectThrottle struct {
	mu        sync.Mutex
	intervals map[protocol.Type]time.Duration
	last      map[protocol.Type]time.Time
	now       func() time.Time
}

// ThrottleOption configures optional EffectThrottle behaviour.
type ThrottleOption func(*EffectThrottle)

// WithThrottleClock overrides the time source for deterministic tests.
func WithThrottleClock(clock func() time.Time) ThrottleOption {
	return func(t *EffectThrottle) {
		if clock != nil {
			t.now = clock
		}
	}
}

// WithInterval overrides or adds a minimum interval for one message type.
func WithInterval(messageType protocol.Type, interval time.Duration) ThrottleOption {
	return func(t *EffectThrottle) {
		t.intervals[messageType] = interval
	}
}

// NewEffectThrottle constructs a throttle with the standard effect intervals:
// muzzle flashes at most every 50ms, explosions every 100ms and bullet hits
// every 20ms.
func NewEffectThrottle(opts ...ThrottleOption) *EffectThrottle {
	t := &EffectThrottle{
		intervals: map[protocol.Type]time.Duration{
			protocol.TypeMuzzleFlash: 50 * time.Millisecond,
			protocol.TypeExplosion:   100 * time.Millisecond,
			protocol.TypeBulletHit:   20 * time.Millisecond,
		},
		last: make(map[protocol.Type]time.Time),
		now:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Allow reports whether a message of the given type may be sent now. Types
// without a configured interval always pass.
func (t *EffectThrottle) Allow(messageType protocol.Type) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	interval, throttled := t.intervals[messageType]
	if !throttled {
		return true
	}
	current := t.now()
	if previous, ok := t.last[messageType]; ok && current.Sub(previous) < interval {
		return false
	}
	t.last[messageType] = current
	return true
}
