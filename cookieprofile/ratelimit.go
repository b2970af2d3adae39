package cookieprofile

import (
	"sync"
	"time"
)

// Action kinds throttled by the RateLimiter. An action kind with no
// configured window is always allowed.
const (
	ActionModalSave   = "modal_save"
	ActionStateChange = "state_change"
	ActionPostConfirm = "post_confirm"
	ActionPost        = "post"
	ActionPanelBump   = "panel_bump"
)

type rateKey struct {
	GuildID string
	UserID  string
	Action  string
}

// RateLimiter is a fixed-window throttle keyed by (guild, user, action).
//
// It records the timestamp of the last ALLOWED call per key; a call is
// allowed iff no prior allowed call for the exact key landed within the
// action's window. Denials do not touch the timestamp, so a burst of
// denied calls can't extend the window indefinitely.
//
// State is in-memory and process-local. A multi-instance deployment
// would double-allow across instances; that's an accepted scope
// boundary, not a defect.
type RateLimiter struct {
	windows map[string]time.Duration
	last    map[rateKey]time.Time
	mu      sync.Mutex

	// now is swappable for tests
	now func() time.Time
}

// NewRateLimiter creates a limiter with the given per-action windows.
// A zero or missing window means the action is unlimited.
func NewRateLimiter(windows map[string]time.Duration) *RateLimiter {
	w := make(map[string]time.Duration, len(windows))
	for k, v := range windows {
		w[k] = v
	}
	return &RateLimiter{
		windows: w,
		last:    map[rateKey]time.Time{},
		now:     time.Now,
	}
}

// Allow reports whether the action may proceed, and on success marks the
// key as used now. The check-then-set runs under one lock so concurrent
// probes of the same key are totally ordered.
func (r *RateLimiter) Allow(guildID, userID, action string) bool {
	window := r.windows[action]
	if window <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	key := rateKey{GuildID: guildID, UserID: userID, Action: action}
	last, seen := r.last[key]
	if seen && now.Sub(last) < window {
		return false
	}
	r.last[key] = now
	return true
}

type autopostGlobalKey struct {
	GuildID string
	UserID  string
}

type autopostChannelKey struct {
	GuildID   string
	UserID    string
	ChannelID string
}

// AutopostLimiter guards voice-triggered profile broadcasts with two
// independent cooldown tiers:
//
//   - global: per (guild, user), regardless of which voice channel
//   - channel: per (guild, user, voice channel)
//
// Both tiers must be clear for a post to be allowed; on success both
// stamps advance. The global tier is what stops a member from flooding
// broadcasts by hopping between voice channels - the channel tier alone
// wouldn't catch that.
type AutopostLimiter struct {
	globalCooldown  time.Duration
	channelCooldown time.Duration

	lastGlobal  map[autopostGlobalKey]time.Time
	lastChannel map[autopostChannelKey]time.Time
	mu          sync.Mutex

	now func() time.Time
}

func NewAutopostLimiter(globalCooldown, channelCooldown time.Duration) *AutopostLimiter {
	return &AutopostLimiter{
		globalCooldown:  globalCooldown,
		channelCooldown: channelCooldown,
		lastGlobal:      map[autopostGlobalKey]time.Time{},
		lastChannel:     map[autopostChannelKey]time.Time{},
		now:             time.Now,
	}
}

// Allow reports whether a broadcast for (guild, user) into channelID may
// proceed, advancing both tier stamps when it may.
func (a *AutopostLimiter) Allow(guildID, userID, channelID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	gk := autopostGlobalKey{GuildID: guildID, UserID: userID}
	ck := autopostChannelKey{GuildID: guildID, UserID: userID, ChannelID: channelID}

	if last, ok := a.lastGlobal[gk]; ok && now.Sub(last) < a.globalCooldown {
		return false
	}
	if last, ok := a.lastChannel[ck]; ok && now.Sub(last) < a.channelCooldown {
		return false
	}

	a.lastGlobal[gk] = now
	a.lastChannel[ck] = now
	return true
}
