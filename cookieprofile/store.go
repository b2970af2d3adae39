package cookieprofile

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the durable state surface for the bot. It owns all four
// entities exclusively - every other component holds only ephemeral,
// process-local state that is rebuilt empty on restart.
//
// Statement errors propagate to the caller with no implicit retry; the
// caller decides what "operation failed" means for the user.
//
// The interface exists primarily to enable mocking in tests; [database]
// implements it for real operations.
type Store interface {
	// GetProfile returns the profile for (guildID, userID), creating an
	// empty one with the default state if none exists. It never returns
	// a not-found error.
	GetProfile(ctx context.Context, guildID, userID string) (*Profile, error)

	// UpdateProfileFields replaces the five text fields and bumps
	// UpdatedAt. StateUpdatedAt is untouched.
	UpdateProfileFields(ctx context.Context, guildID, userID string, fields ProfileFields) error

	// UpdateState replaces the state and bumps StateUpdatedAt only.
	UpdateState(ctx context.Context, guildID, userID string, state ProfileState) error

	// SetPublicMessage records (or clears, with 0) the posted public
	// profile message ID.
	SetPublicMessage(ctx context.Context, guildID, userID string, messageID int64) error

	// SetAutopostEnabled flips the voice-autopost flag.
	SetAutopostEnabled(ctx context.Context, guildID, userID string, enabled bool) error

	// GetGuildConfig returns the guild config, or the zero value if no
	// row exists. It never returns a not-found error.
	GetGuildConfig(ctx context.Context, guildID string) (GuildConfig, error)

	// SetGuildConfig upserts the target and log channels. The panel
	// message column is left alone.
	SetGuildConfig(ctx context.Context, guildID, channelID, logChannelID string) error

	// SetPanelMessage upserts the sticky panel message ID. The channel
	// columns are left alone - this runs on every panel bump and must
	// not clobber admin-set config.
	SetPanelMessage(ctx context.Context, guildID string, messageID int64) error

	// ScheduleDelete enqueues a delayed delete. Re-scheduling the same
	// location replaces the deadline and resets the attempt count.
	ScheduleDelete(ctx context.Context, guildID, channelID string, messageID int64, deleteAt time.Time) error

	// DueDeletions returns up to limit entries whose deadline has
	// passed, ordered by deadline ascending.
	DueDeletions(ctx context.Context, limit int) ([]ScheduledDelete, error)

	// RemoveScheduledDelete removes an entry after a terminal outcome.
	RemoveScheduledDelete(ctx context.Context, guildID, channelID string, messageID int64) error

	// IncrementDeleteAttempts bumps the transient-failure counter for
	// an entry that will be retried.
	IncrementDeleteAttempts(ctx context.Context, guildID, channelID string, messageID int64) error

	// ListPublicProfiles returns up to limit profiles with a posted
	// public message ID greater than afterMessageID, ordered by message
	// ID ascending. Used by the bulk refresh to paginate.
	ListPublicProfiles(ctx context.Context, guildID string, afterMessageID int64, limit int) ([]Profile, error)

	// GetRefreshCursor returns the guild's refresh watermark, 0 if unset.
	GetRefreshCursor(ctx context.Context, guildID string) (int64, error)

	// SetRefreshCursor advances the watermark. Values at or below the
	// current watermark are ignored (monotonic).
	SetRefreshCursor(ctx context.Context, guildID string, messageID int64) error

	DB() *gorm.DB
	Lock()
	Unlock()
}

// ProfileFields carries the five free-text fields for a full replace.
// Validation (length, links, mentions) happens before this reaches the
// store.
type ProfileFields struct {
	Name      string `json:"name"`
	Condition string `json:"condition"`
	Hobby     string `json:"hobby"`
	Care      string `json:"care"`
	One       string `json:"one"`
}

func (d *database) GetProfile(
	ctx context.Context,
	guildID string,
	userID string,
) (*Profile, error) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := opContext(ctx)
	defer cancel()

	var p Profile
	err := d.db.WithContext(ctx).Where(
		"guild_id = ? AND user_id = ?", guildID, userID,
	).First(&p).Error
	if err == nil {
		p.State = d.states.Normalize(p.State)
		return &p, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := time.Now().UTC().UnixMilli()
	p = Profile{
		GuildID:         guildID,
		UserID:          userID,
		State:           d.states.Default,
		StateUpdatedAt:  now,
		UpdatedAt:       now,
		AutopostEnabled: true,
	}
	if createErr := d.db.WithContext(ctx).Create(&p).Error; createErr != nil {
		return nil, createErr
	}
	return &p, nil
}

func (d *database) UpdateProfileFields(
	ctx context.Context,
	guildID string,
	userID string,
	fields ProfileFields,
) error {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := opContext(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Model(&Profile{}).Where(
		"guild_id = ? AND user_id = ?", guildID, userID,
	).Updates(
		map[string]any{
			columnProfileName:      fields.Name,
			columnProfileCondition: fields.Condition,
			columnProfileHobby:     fields.Hobby,
			columnProfileCare:      fields.Care,
			columnProfileOne:       fields.One,
			columnProfileUpdatedAt: time.Now().UTC().UnixMilli(),
		},
	).Error
}

func (d *database) UpdateState(
	ctx context.Context,
	guildID string,
	userID string,
	state ProfileState,
) error {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := opContext(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Model(&Profile{}).Where(
		"guild_id = ? AND user_id = ?", guildID, userID,
	).Updates(
		map[string]any{
			columnProfileState:          state,
			columnProfileStateUpdatedAt: time.Now().UTC().UnixMilli(),
		},
	).Error
}

func (d *database) SetPublicMessage(
	ctx context.Context,
	guildID string,
	userID string,
	messageID int64,
) error {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := opContext(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Model(&Profile{}).Where(
		"guild_id = ? AND user_id = ?", guildID, userID,
	).Update(columnProfilePublicMessageID, messageID).Error
}

func (d *database) SetAutopostEnabled(
	ctx context.Context,
	guildID string,
	userID string,
	enabled bool,
) error {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := opContext(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Model(&Profile{}).Where(
		"guild_id = ? AND user_id = ?", guildID, userID,
	).Update(columnProfileAutopost, enabled).Error
}

func (d *database) GetGuildConfig(
	ctx context.Context,
	guildID string,
) (GuildConfig, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	var cfg GuildConfig
	err := d.db.WithContext(ctx).Where("guild_id = ?", guildID).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return GuildConfig{GuildID: guildID}, nil
	}
	return cfg, err
}

func (d *database) SetGuildConfig(
	ctx context.Context,
	guildID string,
	channelID string,
	logChannelID string,
) error {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := opContext(ctx)
	defer cancel()

	cfg := GuildConfig{
		GuildID:      guildID,
		ChannelID:    channelID,
		LogChannelID: logChannelID,
	}
	return d.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: "guild_id"}},
			DoUpdates: clause.AssignmentColumns(
				[]string{
					columnGuildConfigChannelID,
					columnGuildConfigLogChannelID,
				},
			),
		},
	).Create(&cfg).Error
}

func (d *database) SetPanelMessage(
	ctx context.Context,
	guildID string,
	messageID int64,
) error {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := opContext(ctx)
	defer cancel()

	cfg := GuildConfig{GuildID: guildID, PanelMessageID: messageID}
	return d.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: "guild_id"}},
			DoUpdates: clause.AssignmentColumns(
				[]string{columnGuildConfigPanelMessageID},
			),
		},
	).Create(&cfg).Error
}

func (d *database) ScheduleDelete(
	ctx context.Context,
	guildID string,
	channelID string,
	messageID int64,
	deleteAt time.Time,
) error {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := opContext(ctx)
	defer cancel()

	entry := ScheduledDelete{
		GuildID:   guildID,
		ChannelID: channelID,
		MessageID: messageID,
		DeleteAt:  deleteAt.UTC().UnixMilli(),
	}
	return d.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{
				{Name: "guild_id"},
				{Name: "channel_id"},
				{Name: "message_id"},
			},
			DoUpdates: clause.Assignments(
				map[string]any{
					"delete_at":                   entry.DeleteAt,
					columnScheduledDeleteAttempts: 0,
				},
			),
		},
	).Create(&entry).Error
}

func (d *database) DueDeletions(
	ctx context.Context,
	limit int,
) ([]ScheduledDelete, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	var due []ScheduledDelete
	err := d.db.WithContext(ctx).Where(
		"delete_at <= ?", time.Now().UTC().UnixMilli(),
	).Order("delete_at asc").Limit(limit).Find(&due).Error
	return due, err
}

func (d *database) RemoveScheduledDelete(
	ctx context.Context,
	guildID string,
	channelID string,
	messageID int64,
) error {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := opContext(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Where(
		"guild_id = ? AND channel_id = ? AND message_id = ?",
		guildID, channelID, messageID,
	).Delete(&ScheduledDelete{}).Error
}

func (d *database) IncrementDeleteAttempts(
	ctx context.Context,
	guildID string,
	channelID string,
	messageID int64,
) error {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := opContext(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Model(&ScheduledDelete{}).Where(
		"guild_id = ? AND channel_id = ? AND message_id = ?",
		guildID, channelID, messageID,
	).Update(
		columnScheduledDeleteAttempts,
		gorm.Expr("attempts + 1"),
	).Error
}

func (d *database) ListPublicProfiles(
	ctx context.Context,
	guildID string,
	afterMessageID int64,
	limit int,
) ([]Profile, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	var profiles []Profile
	err := d.db.WithContext(ctx).Where(
		"guild_id = ? AND public_message_id > ?", guildID, afterMessageID,
	).Order("public_message_id asc").Limit(limit).Find(&profiles).Error
	for i := range profiles {
		profiles[i].State = d.states.Normalize(profiles[i].State)
	}
	return profiles, err
}

func (d *database) GetRefreshCursor(
	ctx context.Context,
	guildID string,
) (int64, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	var progress ProfileRefreshProgress
	err := d.db.WithContext(ctx).Where("guild_id = ?", guildID).First(&progress).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return progress.LastPublicMessageID, err
}

func (d *database) SetRefreshCursor(
	ctx context.Context,
	guildID string,
	messageID int64,
) error {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := opContext(ctx)
	defer cancel()

	// Read-modify-write is safe here: all writers are serialized behind
	// the store mutex.
	var progress ProfileRefreshProgress
	err := d.db.WithContext(ctx).Where("guild_id = ?", guildID).First(&progress).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if messageID <= progress.LastPublicMessageID {
		return nil
	}
	progress.GuildID = guildID
	progress.LastPublicMessageID = messageID
	return d.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: "guild_id"}},
			DoUpdates: clause.AssignmentColumns(
				[]string{"last_public_message_id"},
			),
		},
	).Create(&progress).Error
}
