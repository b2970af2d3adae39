package cookieprofile

import (
	"database/sql/driver"
	"fmt"
	"log/slog"
	"time"
)

var (
	columnProfileName            = "name"
	columnProfileCondition       = "condition"
	columnProfileHobby           = "hobby"
	columnProfileCare            = "care"
	columnProfileOne             = "one"
	columnProfileState           = "state"
	columnProfileStateUpdatedAt  = "state_updated_at"
	columnProfileUpdatedAt       = "updated_at"
	columnProfilePublicMessageID = "public_message_id"
	columnProfileAutopost        = "autopost_enabled"

	columnGuildConfigChannelID      = "channel_id"
	columnGuildConfigLogChannelID   = "log_channel_id"
	columnGuildConfigPanelMessageID = "panel_message_id"

	columnScheduledDeleteAttempts = "attempts"

	legacyColumnPanelChannelID = "panel_channel_id"
)

// ProfileState is a member of the configured mood label set. It's stored
// as a plain string column so legacy label values survive until the
// connect-time normalization pass rewrites them.
type ProfileState string

// Default state labels. Deployments can override the set via
// [ProfileConfig.States], but the migration pass always targets these.
var (
	StateEnergetic ProfileState = "元気"
	StateNormal    ProfileState = "通常"
	StateSlow      ProfileState = "低速"
	StateTired     ProfileState = "しんどい"
)

// Legacy labels from earlier deployments. 休憩 is ambiguous: it appeared
// in both the three-state era and the four-state era with different
// meanings, so the migration branches on whether 省エネ (the four-state
// era marker) is present. See migrateStateLabels.
var (
	legacyStateGood        ProfileState = "好調"
	legacyStateOrdinary    ProfileState = "普通"
	legacyStatePoor        ProfileState = "不調"
	legacyStateEnergySaver ProfileState = "省エネ"
	legacyStateResting     ProfileState = "休憩"
)

// Scan implements the sql.Scanner interface.
func (s *ProfileState) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		*s = ProfileState(v)
	case string:
		*s = ProfileState(v)
	default:
		return fmt.Errorf("unexpected type for ProfileState: %T", value)
	}
	return nil
}

// Value implements the driver.Valuer interface.
func (s ProfileState) Value() (driver.Value, error) {
	return string(s), nil
}

// GormDataType is used by GORM to determine the default data type for a field.
func (ProfileState) GormDataType() string {
	return "string"
}

func (s ProfileState) String() string {
	return string(s)
}

// StateSet is the closed set of valid mood labels for a deployment, plus
// the neutral default that out-of-set values coerce to on read.
type StateSet struct {
	States  []ProfileState
	Default ProfileState
}

// DefaultStateSet returns the label set of the reference deployment.
func DefaultStateSet() StateSet {
	return StateSet{
		States:  []ProfileState{StateEnergetic, StateNormal, StateSlow, StateTired},
		Default: StateNormal,
	}
}

func (s StateSet) Contains(state ProfileState) bool {
	for _, v := range s.States {
		if v == state {
			return true
		}
	}
	return false
}

// Normalize coerces any value outside the configured set to the neutral
// default. This is a read-time defensive check only - writes of invalid
// states are the caller's bug and are rejected, not coerced.
func (s StateSet) Normalize(state ProfileState) ProfileState {
	if s.Contains(state) {
		return state
	}
	return s.Default
}

// Profile is one member's profile card for one guild.
//
// UpdatedAt and StateUpdatedAt are independent clocks: UpdatedAt moves
// only on text field edits, StateUpdatedAt only on state changes. They
// are set explicitly by the store, never via GORM auto-update tags.
type Profile struct {
	// GuildID is the Discord guild (server) ID
	GuildID string `json:"guild_id" gorm:"primaryKey;type:string"`

	// UserID is the Discord user ID
	UserID string `json:"user_id" gorm:"primaryKey;type:string"`

	// The five free-text fields. Name is required for the card to be
	// considered postable; the rest are optional.
	Name      string `json:"name" gorm:"type:string;not null;default:''"`
	Condition string `json:"condition" gorm:"type:string;not null;default:''"`
	Hobby     string `json:"hobby" gorm:"type:string;not null;default:''"`
	Care      string `json:"care" gorm:"type:string;not null;default:''"`
	One       string `json:"one" gorm:"type:string;not null;default:''"`

	// State is the current mood label
	State ProfileState `json:"state" gorm:"type:string"`

	// StateUpdatedAt is the last state change, unix milliseconds
	StateUpdatedAt int64 `json:"state_updated_at" gorm:"column:state_updated_at"`

	// UpdatedAt is the last text field edit, unix milliseconds
	UpdatedAt int64 `json:"updated_at" gorm:"column:updated_at"`

	// PublicMessageID is the message ID of the posted public profile
	// card, or 0 if none has been posted. Stored numerically so the
	// refresh cursor can paginate over it.
	PublicMessageID int64 `json:"public_message_id" gorm:"column:public_message_id"`

	// AutopostEnabled controls whether this profile is broadcast when
	// the member joins a voice channel
	AutopostEnabled bool `json:"autopost_enabled" gorm:"column:autopost_enabled;default:true"`
}

func (Profile) TableName() string {
	return "profiles"
}

func (p *Profile) String() string {
	return fmt.Sprintf("%s/%s", p.GuildID, p.UserID)
}

// HasName reports whether the member filled in the required name field.
func (p *Profile) HasName() bool {
	return trimmed(p.Name) != ""
}

func (p *Profile) LogValue() slog.Value {
	if p == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("guild_id", p.GuildID),
		slog.String("user_id", p.UserID),
		slog.String(columnProfileState, p.State.String()),
		slog.Int64(columnProfilePublicMessageID, p.PublicMessageID),
		slog.Bool(columnProfileAutopost, p.AutopostEnabled),
	)
}

// GuildConfig is the per-guild configuration row. An absent row reads as
// the zero value - callers never see a "not found" error for config.
//
// SetGuildConfig and SetPanelMessage are driven by different triggers
// (an admin command vs. every panel bump), so each upserts only its own
// columns and must not clobber the other's.
type GuildConfig struct {
	GuildID string `json:"guild_id" gorm:"primaryKey;type:string"`

	// ChannelID is where the sticky panel and public profiles live
	ChannelID string `json:"channel_id" gorm:"type:string"`

	// LogChannelID is the optional audit log channel
	LogChannelID string `json:"log_channel_id" gorm:"type:string"`

	// PanelMessageID is the current sticky panel message, 0 if absent
	PanelMessageID int64 `json:"panel_message_id" gorm:"column:panel_message_id"`
}

func (GuildConfig) TableName() string {
	return "guild_config"
}

// Configured reports whether a target channel has been set for the guild.
func (g GuildConfig) Configured() bool {
	return g.ChannelID != ""
}

func (g GuildConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", g.GuildID),
		slog.String(columnGuildConfigChannelID, g.ChannelID),
		slog.String(columnGuildConfigLogChannelID, g.LogChannelID),
		slog.Int64(columnGuildConfigPanelMessageID, g.PanelMessageID),
	)
}

// ScheduledDelete is a durable delayed-delete entry: delete message
// MessageID in channel ChannelID at or after DeleteAt. Rows outlive
// process restarts; the worker removes them only on terminal outcomes.
type ScheduledDelete struct {
	GuildID   string `json:"guild_id" gorm:"primaryKey;type:string"`
	ChannelID string `json:"channel_id" gorm:"primaryKey;type:string"`
	MessageID int64  `json:"message_id" gorm:"primaryKey;column:message_id"`

	// DeleteAt is the deadline, unix milliseconds
	DeleteAt int64 `json:"delete_at" gorm:"column:delete_at"`

	// Attempts counts transient delivery failures so stuck entries can
	// be dropped after ScheduledDeleteConfig.MaxAttempts
	Attempts int `json:"attempts" gorm:"column:attempts;default:0"`
}

func (ScheduledDelete) TableName() string {
	return "scheduled_deletes"
}

// Due reports whether the deadline has passed at the given time.
func (s ScheduledDelete) Due(now time.Time) bool {
	return now.UnixMilli() >= s.DeleteAt
}

func (s ScheduledDelete) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", s.GuildID),
		slog.String("channel_id", s.ChannelID),
		slog.Int64("message_id", s.MessageID),
		slog.Time("delete_at", time.UnixMilli(s.DeleteAt)),
		slog.Int(columnScheduledDeleteAttempts, s.Attempts),
	)
}

// ProfileRefreshProgress is the per-guild watermark over previously
// posted public message IDs, used by the bulk refresh to resume
// pagination. Monotonic, upsert-only.
type ProfileRefreshProgress struct {
	GuildID             string `json:"guild_id" gorm:"primaryKey;type:string"`
	LastPublicMessageID int64  `json:"last_public_message_id" gorm:"column:last_public_message_id;default:0"`
}

func (ProfileRefreshProgress) TableName() string {
	return "profile_refresh_progress"
}
