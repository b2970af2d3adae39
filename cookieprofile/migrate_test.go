package cookieprofile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func seedProfileWithState(t *testing.T, db *gorm.DB, userID string, state string) {
	t.Helper()
	require.NoError(
		t, db.Create(
			&Profile{
				GuildID: "g",
				UserID:  userID,
				State:   ProfileState(state),
			},
		).Error,
	)
}

func profileStates(t *testing.T, db *gorm.DB) map[string]string {
	t.Helper()
	var rows []Profile
	require.NoError(t, db.Order("user_id asc").Find(&rows).Error)
	states := make(map[string]string, len(rows))
	for _, r := range rows {
		states[r.UserID] = r.State.String()
	}
	return states
}

// The four-state era used 省エネ alongside 休憩, where 休憩 meant "worn
// out". Its presence anywhere in the table decides how 休憩 is rewritten.
func TestMigrateStateLabelsFourStateEra(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := gormDB(t)

	seedProfileWithState(t, db, "u1", "好調")
	seedProfileWithState(t, db, "u2", "普通")
	seedProfileWithState(t, db, "u3", "不調")
	seedProfileWithState(t, db, "u4", "省エネ")
	seedProfileWithState(t, db, "u5", "休憩")
	seedProfileWithState(t, db, "u6", "元気")

	require.NoError(t, migrate(ctx, db))

	states := profileStates(t, db)
	assert.Equal(t, "元気", states["u1"])
	assert.Equal(t, "通常", states["u2"])
	assert.Equal(t, "しんどい", states["u3"])
	assert.Equal(t, "低速", states["u4"])
	assert.Equal(t, "しんどい", states["u5"], "休憩 follows the four-state meaning")
	assert.Equal(t, "元気", states["u6"], "canonical labels untouched")
}

// Without the 省エネ marker, 休憩 carries the earlier "low power" meaning.
func TestMigrateStateLabelsEarlyEra(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := gormDB(t)

	seedProfileWithState(t, db, "u1", "休憩")
	seedProfileWithState(t, db, "u2", "好調")

	require.NoError(t, migrate(ctx, db))

	states := profileStates(t, db)
	assert.Equal(t, "低速", states["u1"])
	assert.Equal(t, "元気", states["u2"])
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := gormDB(t)

	seedProfileWithState(t, db, "u1", "休憩")
	require.NoError(t, migrate(ctx, db))
	require.NoError(t, migrate(ctx, db))

	states := profileStates(t, db)
	assert.Equal(t, "低速", states["u1"])
}

func TestMigrateLegacyPanelChannelColumn(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := gormDB(t)

	require.NoError(
		t,
		db.Exec("ALTER TABLE guild_config ADD COLUMN panel_channel_id text").Error,
	)
	require.NoError(
		t, db.Exec(
			"INSERT INTO guild_config "+
				"(guild_id, channel_id, log_channel_id, panel_message_id, panel_channel_id) "+
				"VALUES ('g1', '', '', 0, 'legacy-chan')",
		).Error,
	)
	require.NoError(
		t, db.Exec(
			"INSERT INTO guild_config "+
				"(guild_id, channel_id, log_channel_id, panel_message_id, panel_channel_id) "+
				"VALUES ('g2', 'current-chan', '', 0, 'stale-chan')",
		).Error,
	)

	require.NoError(t, migrate(ctx, db))

	var rows []GuildConfig
	require.NoError(t, db.Order("guild_id asc").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(
		t, "legacy-chan", rows[0].ChannelID,
		"empty channel_id backfilled from the legacy column",
	)
	assert.Equal(
		t, "current-chan", rows[1].ChannelID,
		"populated channel_id never overwritten",
	)
}
