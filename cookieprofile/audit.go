package cookieprofile

import (
	"fmt"
	"time"
)

// AuditEntry is one line of the per-guild audit trail: who did what,
// where, and how it went. Entries are rendered as plain text and sent
// best-effort to the guild's configured log channel - a failed audit
// send never fails the action it describes.
type AuditEntry struct {
	Timestamp time.Time
	GuildID   string
	UserID    string
	Action    string
	ChannelID string
	Result    string
	Reason    string
}

func auditTimestamp(ts time.Time) string {
	return ts.Format("2006/01/02 15:04")
}

// Line renders the entry in the fixed key=value format the log channel
// uses.
func (e AuditEntry) Line() string {
	channel := e.ChannelID
	if channel == "" {
		channel = "-"
	}
	line := fmt.Sprintf(
		"[Profile] ts=%s guild=%s user=%s action=%s channel=%s result=%s",
		auditTimestamp(e.Timestamp),
		e.GuildID,
		e.UserID,
		e.Action,
		channel,
		e.Result,
	)
	if e.Reason != "" {
		line += " reason=" + e.Reason
	}
	return line
}
