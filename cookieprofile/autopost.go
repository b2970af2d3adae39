package cookieprofile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Messageable is the send capability the autopost path needs from the
// messaging layer. It's resolved once at the call site (the voice state
// handler picks the channel to post into) instead of probing the target
// object at runtime.
type Messageable interface {
	SendEmbed(
		ctx context.Context,
		channelID string,
		content string,
		embed *discordgo.MessageEmbed,
	) (messageID int64, err error)
}

type autopostKey struct {
	GuildID string
	UserID  string
}

// pendingAutopost is one debounced broadcast. The cancel func is the
// entry's cancellation token; a newer entry for the same key cancels and
// replaces it.
type pendingAutopost struct {
	cancel context.CancelFunc
}

// AutopostMember is the member snapshot taken at voice-join time, used
// to render the card after the debounce delay.
type AutopostMember struct {
	GuildID     string
	UserID      string
	ChannelID   string
	DisplayName string
	AvatarURL   string
}

// AutopostScheduler debounces voice-join profile broadcasts.
//
// Joining a voice channel schedules a broadcast after a short delay;
// joining another channel (or re-joining) before the delay elapses
// cancels and replaces the pending entry, so channel-hopping produces at
// most one post. After the delay the scheduler re-checks presence, the
// profile's autopost flag, and the two-tier cooldown limiter before
// sending.
type AutopostScheduler struct {
	db      Store
	limiter *AutopostLimiter
	logger  *slog.Logger

	// delay between the join event and the broadcast attempt
	delay time.Duration

	// stillInChannel verifies the member is still connected to the
	// channel they joined; injected so tests don't need a gateway
	stillInChannel func(guildID, userID, channelID string) bool

	// render builds the profile card embed for a member
	render func(member AutopostMember, profile *Profile) *discordgo.MessageEmbed

	mu      sync.Mutex
	pending map[autopostKey]*pendingAutopost
}

func newAutopostScheduler(
	db Store,
	limiter *AutopostLimiter,
	logger *slog.Logger,
	delay time.Duration,
	stillInChannel func(guildID, userID, channelID string) bool,
	render func(member AutopostMember, profile *Profile) *discordgo.MessageEmbed,
) *AutopostScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AutopostScheduler{
		db:             db,
		limiter:        limiter,
		logger:         logger.With(loggerNameKey, "autopost"),
		delay:          delay,
		stillInChannel: stillInChannel,
		render:         render,
		pending:        map[autopostKey]*pendingAutopost{},
	}
}

// Schedule queues a debounced broadcast for the member, canceling any
// pending broadcast for the same (guild, user).
func (s *AutopostScheduler) Schedule(
	ctx context.Context,
	member AutopostMember,
	target Messageable,
) {
	key := autopostKey{GuildID: member.GuildID, UserID: member.UserID}

	postCtx, cancel := context.WithCancel(ctx)
	entry := &pendingAutopost{cancel: cancel}

	s.mu.Lock()
	if existing, ok := s.pending[key]; ok {
		existing.cancel()
	}
	s.pending[key] = entry
	s.mu.Unlock()

	go s.post(postCtx, key, entry, member, target)
}

// Cancel drops any pending broadcast for the member, e.g. when they
// leave voice entirely.
func (s *AutopostScheduler) Cancel(guildID, userID string) {
	key := autopostKey{GuildID: guildID, UserID: userID}
	s.mu.Lock()
	if existing, ok := s.pending[key]; ok {
		existing.cancel()
		delete(s.pending, key)
	}
	s.mu.Unlock()
}

// PendingCount returns the number of debounced broadcasts currently
// waiting out their delay.
func (s *AutopostScheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *AutopostScheduler) post(
	ctx context.Context,
	key autopostKey,
	entry *pendingAutopost,
	member AutopostMember,
	target Messageable,
) {
	defer func() {
		s.mu.Lock()
		// Only remove the map entry if it's still ours - a replacement
		// may already have taken the slot.
		if s.pending[key] == entry {
			delete(s.pending, key)
		}
		s.mu.Unlock()
	}()

	timer := time.NewTimer(s.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	log := s.logger.With(
		"guild_id", member.GuildID,
		"user_id", member.UserID,
		"channel_id", member.ChannelID,
	)

	if s.stillInChannel != nil && !s.stillInChannel(
		member.GuildID, member.UserID, member.ChannelID,
	) {
		log.DebugContext(ctx, "member left channel before autopost fired")
		return
	}

	profile, err := s.db.GetProfile(ctx, member.GuildID, member.UserID)
	if err != nil {
		log.ErrorContext(ctx, "error loading profile for autopost", tint.Err(err))
		return
	}
	if !profile.AutopostEnabled || !profile.HasName() {
		return
	}

	if !s.limiter.Allow(member.GuildID, member.UserID, member.ChannelID) {
		log.DebugContext(ctx, "autopost suppressed by cooldown")
		return
	}

	embed := s.render(member, profile)
	if _, err = target.SendEmbed(
		ctx, member.ChannelID, profileCardContent(member.UserID), embed,
	); err != nil {
		log.WarnContext(ctx, "error sending autopost", tint.Err(err))
	}
}
