package cookieprofile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	current time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{current: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	return c.current
}

func (c *fakeClock) advance(d time.Duration) {
	c.current = c.current.Add(d)
}

func TestRateLimiterFixedWindow(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	rl := NewRateLimiter(map[string]time.Duration{ActionModalSave: time.Minute})
	rl.now = clock.now

	assert.True(t, rl.Allow("g", "u", ActionModalSave))
	assert.False(t, rl.Allow("g", "u", ActionModalSave))

	clock.advance(59 * time.Second)
	assert.False(t, rl.Allow("g", "u", ActionModalSave))

	clock.advance(time.Second)
	assert.True(t, rl.Allow("g", "u", ActionModalSave))
}

func TestRateLimiterDenialDoesNotExtendWindow(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	rl := NewRateLimiter(map[string]time.Duration{ActionPost: time.Minute})
	rl.now = clock.now

	assert.True(t, rl.Allow("g", "u", ActionPost))

	// hammering during the window must not push the window forward
	for i := 0; i < 10; i++ {
		clock.advance(5 * time.Second)
		rl.Allow("g", "u", ActionPost)
	}
	clock.advance(10 * time.Second)
	assert.True(
		t, rl.Allow("g", "u", ActionPost),
		"window measured from last ALLOWED call",
	)
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	rl := NewRateLimiter(map[string]time.Duration{
		ActionStateChange: 20 * time.Second,
		ActionPost:        2 * time.Minute,
	})
	rl.now = clock.now

	assert.True(t, rl.Allow("g", "u1", ActionStateChange))
	assert.True(t, rl.Allow("g", "u2", ActionStateChange), "other user unaffected")
	assert.True(t, rl.Allow("g2", "u1", ActionStateChange), "other guild unaffected")
	assert.True(t, rl.Allow("g", "u1", ActionPost), "other action unaffected")
	assert.False(t, rl.Allow("g", "u1", ActionStateChange))
}

func TestRateLimiterUnconfiguredActionUnlimited(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(map[string]time.Duration{ActionPanelBump: 0})

	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow("g", "u", ActionPanelBump))
		assert.True(t, rl.Allow("g", "u", "never_configured"))
	}
}

func TestAutopostLimiterTwoTiers(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	al := NewAutopostLimiter(5*time.Second, 10*time.Second)
	al.now = clock.now

	assert.True(t, al.Allow("g", "u", "vc-a"))

	// immediately hopping to another channel: global tier blocks
	assert.False(t, al.Allow("g", "u", "vc-b"))

	// global expired, channel b never used: allowed
	clock.advance(6 * time.Second)
	assert.True(t, al.Allow("g", "u", "vc-b"))

	// channel a cooldown (10s) still running at t=6
	assert.False(t, al.Allow("g", "u", "vc-a"))

	// t=12: channel a clear (last at t=0), global clear (last at t=6)
	clock.advance(6 * time.Second)
	assert.True(t, al.Allow("g", "u", "vc-a"))
}

func TestAutopostLimiterUsersIndependent(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	al := NewAutopostLimiter(5*time.Minute, 10*time.Minute)
	al.now = clock.now

	assert.True(t, al.Allow("g", "u1", "vc"))
	assert.True(t, al.Allow("g", "u2", "vc"))
	assert.False(t, al.Allow("g", "u1", "vc"))
}

func TestAutopostLimiterDenialDoesNotStamp(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	al := NewAutopostLimiter(10*time.Second, 20*time.Second)
	al.now = clock.now

	assert.True(t, al.Allow("g", "u", "vc"))
	clock.advance(9 * time.Second)
	assert.False(t, al.Allow("g", "u", "vc"))

	// one more second reaches the global cooldown measured from the
	// allowed call, but the channel tier still blocks until t=20
	clock.advance(time.Second)
	assert.False(t, al.Allow("g", "u", "vc"))
	clock.advance(10 * time.Second)
	assert.True(t, al.Allow("g", "u", "vc"))
}
