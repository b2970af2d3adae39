package cookieprofile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAuditEntryLine(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 6, 1, 21, 30, 0, 0, time.UTC)

	entry := AuditEntry{
		Timestamp: ts,
		GuildID:   "g1",
		UserID:    "u1",
		Action:    "edit",
		ChannelID: "c1",
		Result:    "ok",
	}
	assert.Equal(
		t,
		"[Profile] ts=2025/06/01 21:30 guild=g1 user=u1 action=edit channel=c1 result=ok",
		entry.Line(),
	)
}

func TestAuditEntryLineOmissions(t *testing.T) {
	t.Parallel()

	entry := AuditEntry{
		Timestamp: time.Date(2025, 6, 1, 9, 5, 0, 0, time.UTC),
		GuildID:   "g1",
		UserID:    "u1",
		Action:    "edit",
		Result:    "rejected",
		Reason:    "リンクは入力できません",
	}
	assert.Equal(
		t,
		"[Profile] ts=2025/06/01 09:05 guild=g1 user=u1 action=edit channel=- "+
			"result=rejected reason=リンクは入力できません",
		entry.Line(),
	)
}
