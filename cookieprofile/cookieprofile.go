package cookieprofile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/yamiyamiorg/CookieProfile/cookieprofile.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

// CookieProfile is the top-level service: it owns the store, the gateway
// connection, the limiters, the autopost scheduler, the deletion worker,
// the refresher and the optional status API. Everything is wired
// explicitly here; components hold only what they're given.
type CookieProfile struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	db      Store
	discord *Discord
	states  StateSet

	rateLimiter     *RateLimiter
	autopostLimiter *AutopostLimiter
	autopost        *AutopostScheduler
	deleteWorker    *ScheduledDeleteWorker
	refresher       *ProfileRefresher
	api             *API

	startedAt time.Time

	// signalStop enables an explicit stop signal to be sent to the bot,
	// as an alternative to canceling the context
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has finished wiring
	// and the gateway connection is open
	signalReady chan struct{}

	// runMu prevents concurrent runs
	runMu sync.Mutex

	// now is swappable for tests
	now func() time.Time
}

// New creates a CookieProfile instance from the given config. The store
// connection is deferred to Run; New only validates and wires.
func New(config *Config) (*CookieProfile, error) {
	if config == nil {
		return nil, errors.New("nil config")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &CookieProfile{
		config:      config,
		signalReady: make(chan struct{}, 1),
		states:      config.Profile.StateSet(),
		now:         time.Now,
	}

	c.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	c.logger = slog.New(c.logHandler)
	slog.SetDefault(c.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc := newDiscord(config.Discord)
	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")
	disc.bot = c
	c.discord = disc

	c.rateLimiter = NewRateLimiter(config.RateLimit.Windows())
	c.autopostLimiter = NewAutopostLimiter(
		config.Autopost.GlobalCooldown,
		config.Autopost.ChannelCooldown,
	)

	if config.API.Enabled {
		c.api = newAPI(c, config.API)
	}

	return c, nil
}

// Run connects the store, opens the gateway and runs all workers until
// the context is canceled or Stop is called.
func (c *CookieProfile) Run(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.signalStop = make(chan struct{}, 1)
	c.startedAt = c.now()
	logger := c.logger
	ctx = WithLogger(ctx, logger)

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", c.config))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-c.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, c.config.StartupTimeout)
	defer startCancel()

	gormDB, err := CreateDB(
		startCtx,
		c.config.DatabaseType,
		c.config.Database,
		c.config.DatabaseLogLevel,
		c.config.DatabaseSlowThreshold,
	)
	if err != nil {
		logger.ErrorContext(ctx, "error initializing database", tint.Err(err))
		return err
	}
	c.db = NewDatabase(
		gormDB,
		logger,
		c.states,
		c.config.DatabaseType == dbTypePostgres,
	)

	c.autopost = newAutopostScheduler(
		c.db,
		c.autopostLimiter,
		logger,
		c.config.Autopost.Delay,
		c.discord.stillInChannel,
		func(member AutopostMember, profile *Profile) *discordgo.MessageEmbed {
			return buildProfileEmbed(
				c.states, member.DisplayName, member.AvatarURL, profile,
			)
		},
	)
	c.deleteWorker = newScheduledDeleteWorker(
		c.db,
		c.discord,
		logger,
		c.config.ScheduledDelete,
	)
	c.refresher = newProfileRefresher(
		c.db,
		c.discord,
		logger,
		c.discord.memberLookup,
		c.states,
		c.config.ScheduledDelete.BatchSize,
		c.config.ScheduledDelete.MaxDeletesPerSecond,
	)

	if err = c.initDiscordSession(startCtx); err != nil {
		return err
	}
	defer func() {
		if closeErr := c.discord.session.Close(); closeErr != nil {
			logger.Error("error closing discord session", tint.Err(closeErr))
		}
	}()

	group, groupCtx := errgroup.WithContext(ctx)

	workerStarted := make(chan struct{}, 1)
	group.Go(func() error {
		c.deleteWorker.Run(groupCtx, workerStarted)
		return nil
	})
	select {
	case <-workerStarted:
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	}

	if c.api != nil {
		group.Go(func() error {
			return c.api.Serve(groupCtx)
		})
	}

	c.notifyReady()
	logger.InfoContext(ctx, "sent ready signal")

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(), c.config.ShutdownTimeout,
	)
	defer shutdownCancel()
	if stopErr := c.deleteWorker.Stop(shutdownCtx); stopErr != nil {
		logger.Error("error stopping delete worker", tint.Err(stopErr))
	}

	if waitErr := group.Wait(); waitErr != nil &&
		!errors.Is(waitErr, http.ErrServerClosed) &&
		!errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	return nil
}

// notifyReady publishes the ready signal. Non-blocking: a prior run's
// signal that was never drained is not fatal to the next run.
func (c *CookieProfile) notifyReady() {
	select {
	case c.signalReady <- struct{}{}:
	default:
	}
}

// Stop signals a running bot to shut down.
func (c *CookieProfile) Stop() {
	select {
	case c.signalStop <- struct{}{}:
	default:
		// stop already signaled
	}
}

// initDiscordSession creates the gateway session, registers handlers and
// commands, and opens the websocket.
func (c *CookieProfile) initDiscordSession(ctx context.Context) error {
	session, err := c.discord.newSession()
	if err != nil {
		return err
	}
	c.discord.session = session

	c.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(c.discord.handlerReady()),
		session.AddHandler(c.discord.handlerConnect()),
		session.AddHandler(c.discord.handlerDisconnect()),
		session.AddHandler(c.discord.handlerInteractionCreate()),
		session.AddHandler(c.discord.handlerMessageCreate()),
		session.AddHandler(c.discord.handlerVoiceStateUpdate()),
	}

	if err = session.Open(); err != nil {
		return fmt.Errorf("error opening discord connection: %w", err)
	}
	if _, err = c.discord.registerCommands(); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}
	c.logger.InfoContext(ctx, "discord session initialized")
	return nil
}

// audit sends a formatted action line to the guild's configured log
// channel. Best-effort: a failed audit send never fails the action it
// describes.
func (c *CookieProfile) audit(ctx context.Context, entry AuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = c.now()
	}
	cfg, err := c.db.GetGuildConfig(ctx, entry.GuildID)
	if err != nil {
		c.logger.Warn("error loading guild config for audit", tint.Err(err))
		return
	}
	if cfg.LogChannelID == "" {
		return
	}
	if err = c.discord.channelMessageSend(
		cfg.LogChannelID, entry.Line(),
	); err != nil {
		c.logger.Warn("error sending audit line", tint.Err(err))
	}
}

// announceUpdate posts a short notice to the guild's profile channel and
// queues it for deletion, so the channel doesn't accumulate stale
// notices.
func (c *CookieProfile) announceUpdate(
	ctx context.Context,
	guildID string,
	content string,
) {
	cfg, err := c.db.GetGuildConfig(ctx, guildID)
	if err != nil || !cfg.Configured() {
		return
	}
	msg, err := c.discord.session.ChannelMessageSend(cfg.ChannelID, content)
	if err != nil {
		c.logger.Warn("error sending update notice", tint.Err(err))
		return
	}
	if err = c.db.ScheduleDelete(
		ctx,
		guildID,
		cfg.ChannelID,
		parseSnowflake(msg.ID),
		c.now().Add(c.config.ScheduledDelete.TransientMessageTTL),
	); err != nil {
		c.logger.Warn("error queueing notice for deletion", tint.Err(err))
	}
}
