//nolint:lll // struct tags can't be split
package cookieprofile

import (
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix = "COOKIEPROFILE_ENV_PREFIX"
	DefaultEnvPrefix   = "CP"

	DefaultDatabaseType          = "sqlite"
	DefaultDatabase              = "cookieprofile.sqlite3"
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo

	DefaultLogLevel          = slog.LevelInfo
	DefaultDiscordLogLevel   = slog.LevelWarn
	DefaultDiscordgoLogLevel = slog.LevelWarn
	DefaultAPILogLevel       = slog.LevelInfo

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	// Fixed-window lengths per throttled action
	DefaultModalSaveWindow   = 60 * time.Second
	DefaultStateChangeWindow = 20 * time.Second
	DefaultPostConfirmWindow = 20 * time.Second
	DefaultPostWindow        = 120 * time.Second
	DefaultPanelBumpWindow   = 30 * time.Second

	DefaultAutopostGlobalCooldown  = 300 * time.Second
	DefaultAutopostChannelCooldown = 600 * time.Second
	DefaultAutopostDelay           = 10 * time.Second

	DefaultDeletePollInterval  = 15 * time.Second
	DefaultDeleteBatchSize     = 50
	DefaultDeleteMaxAttempts   = 20
	DefaultMaxDeletesPerSecond = 2.0

	// DefaultTransientMessageTTL is how long transient notices (the
	// blue confirmation messages) live before the worker removes them
	DefaultTransientMessageTTL = 60 * time.Second

	DefaultAPIListen = "127.0.0.1:5000"

	DefaultDiscordGatewayIntents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates
)

// Config is the full configuration tree, loaded by cmd/ from env vars
// (prefix CP_) and an optional .env file. Binding tags are enforced by
// Validate at startup.
type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout bounds initialization; past it, startup aborts
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Discord configures the bot connection itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// RateLimit configures the per-action fixed windows
	RateLimit *RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit" json:"rate_limit"`

	// Autopost configures voice-join broadcasts
	Autopost *AutopostConfig `yaml:"autopost" mapstructure:"autopost" json:"autopost"`

	// ScheduledDelete configures the deletion worker
	ScheduledDelete *ScheduledDeleteConfig `yaml:"scheduled_delete" mapstructure:"scheduled_delete" json:"scheduled_delete"`

	// Profile configures the mood label set and field limits
	Profile *ProfileConfig `yaml:"profile" mapstructure:"profile" json:"profile"`

	// API configures the optional local status endpoint
	API *StatusAPIConfig `yaml:"api" mapstructure:"api" json:"api"`
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID, used for slash command registration
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID, when set, scopes slash command registration to one guild
	// (fast propagation for single-guild deployments). Leave empty for
	// global registration.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`
}

func (c DiscordConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("token", "[redacted]"),
		slog.String("guild_id", c.GuildID),
		slog.Int("gateway_intents", int(c.GatewayIntents)),
	)
}

// RateLimitConfig sets the fixed window per throttled action. A zero
// window disables throttling for that action.
type RateLimitConfig struct {
	ModalSave   time.Duration `yaml:"modal_save" mapstructure:"modal_save" json:"modal_save" binding:"min=0"`
	StateChange time.Duration `yaml:"state_change" mapstructure:"state_change" json:"state_change" binding:"min=0"`
	PostConfirm time.Duration `yaml:"post_confirm" mapstructure:"post_confirm" json:"post_confirm" binding:"min=0"`
	Post        time.Duration `yaml:"post" mapstructure:"post" json:"post" binding:"min=0"`
	PanelBump   time.Duration `yaml:"panel_bump" mapstructure:"panel_bump" json:"panel_bump" binding:"min=0"`
}

// Windows returns the action-to-window map the RateLimiter consumes.
func (c RateLimitConfig) Windows() map[string]time.Duration {
	return map[string]time.Duration{
		ActionModalSave:   c.ModalSave,
		ActionStateChange: c.StateChange,
		ActionPostConfirm: c.PostConfirm,
		ActionPost:        c.Post,
		ActionPanelBump:   c.PanelBump,
	}
}

// AutopostConfig configures voice-join profile broadcasts.
type AutopostConfig struct {
	// GlobalCooldown applies per (guild, user) across all voice channels
	GlobalCooldown time.Duration `yaml:"global_cooldown" mapstructure:"global_cooldown" json:"global_cooldown" binding:"min=0"`

	// ChannelCooldown applies per (guild, user, voice channel)
	ChannelCooldown time.Duration `yaml:"channel_cooldown" mapstructure:"channel_cooldown" json:"channel_cooldown" binding:"min=0"`

	// Delay debounces the join event before the broadcast fires
	Delay time.Duration `yaml:"delay" mapstructure:"delay" json:"delay" binding:"min=0"`
}

// ScheduledDeleteConfig configures the durable deletion worker.
type ScheduledDeleteConfig struct {
	// PollInterval between store polls for due entries
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval" json:"poll_interval" binding:"min=1s"`

	// BatchSize caps entries fetched per poll
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" json:"batch_size" binding:"min=1"`

	// MaxAttempts drops an entry after this many transient failures
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts" json:"max_attempts" binding:"min=1"`

	// MaxDeletesPerSecond paces outbound delete calls
	MaxDeletesPerSecond float64 `yaml:"max_deletes_per_second" mapstructure:"max_deletes_per_second" json:"max_deletes_per_second" binding:"gt=0"`

	// TransientMessageTTL is the delay applied when scheduling deletion
	// of a transient notice message
	TransientMessageTTL time.Duration `yaml:"transient_message_ttl" mapstructure:"transient_message_ttl" json:"transient_message_ttl" binding:"min=1s"`
}

// ProfileConfig configures the mood label set and field limits.
type ProfileConfig struct {
	// States is the closed label set, in display order
	States []string `yaml:"states" mapstructure:"states" json:"states" binding:"min=1"`

	// DefaultState is the neutral label new and out-of-set profiles get
	DefaultState string `yaml:"default_state" mapstructure:"default_state" json:"default_state" binding:"required"`

	// FieldLimits caps each free-text field, in runes
	FieldLimits FieldLimits `yaml:"field_limits" mapstructure:"field_limits" json:"field_limits"`
}

// StateSet materializes the configured labels.
func (c ProfileConfig) StateSet() StateSet {
	states := make([]ProfileState, 0, len(c.States))
	for _, s := range c.States {
		states = append(states, ProfileState(s))
	}
	return StateSet{States: states, Default: ProfileState(c.DefaultState)}
}

// StatusAPIConfig configures the optional local status endpoint.
type StatusAPIConfig struct {
	// Enabled determines whether the endpoint is served at all
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// Listen address (e.g. "127.0.0.1:5000")
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The logging level for the status server
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// Validate enforces the binding tags across the whole tree.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.SetTagName("binding")
	return v.Struct(c)
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	defaults := DefaultStateSet()
	states := make([]string, 0, len(defaults.States))
	for _, s := range defaults.States {
		states = append(states, s.String())
	}

	return &Config{
		Database:              DefaultDatabase,
		DatabaseType:          DefaultDatabaseType,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			GatewayIntents:    DefaultDiscordGatewayIntents,
		},
		RateLimit: &RateLimitConfig{
			ModalSave:   DefaultModalSaveWindow,
			StateChange: DefaultStateChangeWindow,
			PostConfirm: DefaultPostConfirmWindow,
			Post:        DefaultPostWindow,
			PanelBump:   DefaultPanelBumpWindow,
		},
		Autopost: &AutopostConfig{
			GlobalCooldown:  DefaultAutopostGlobalCooldown,
			ChannelCooldown: DefaultAutopostChannelCooldown,
			Delay:           DefaultAutopostDelay,
		},
		ScheduledDelete: &ScheduledDeleteConfig{
			PollInterval:        DefaultDeletePollInterval,
			BatchSize:           DefaultDeleteBatchSize,
			MaxAttempts:         DefaultDeleteMaxAttempts,
			MaxDeletesPerSecond: DefaultMaxDeletesPerSecond,
			TransientMessageTTL: DefaultTransientMessageTTL,
		},
		Profile: &ProfileConfig{
			States:       states,
			DefaultState: defaults.Default.String(),
			FieldLimits:  DefaultFieldLimits(),
		},
		API: &StatusAPIConfig{
			Enabled:  false,
			Listen:   DefaultAPIListen,
			LogLevel: apiLogLevel,
		},
	}
}
