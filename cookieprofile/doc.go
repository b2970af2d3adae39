// Package cookieprofile implements a Discord community-server profile
// bot: members maintain a small profile card (name, condition, hobby,
// care notes, one-liner and a mood state), posted to a configured
// channel, kept reachable via a sticky entry panel, and optionally
// broadcast when the member joins a voice channel.
//
// Durable state lives in a GORM-backed store (sqlite or postgres);
// everything else - rate limit windows, autopost cooldowns, debounced
// broadcasts - is process-local and rebuilt empty on restart. Delayed
// message deletions are durable and drained by a polling worker.
package cookieprofile
