package cookieprofile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

// EmbedEditor is the in-place edit capability the refresher needs from
// the messaging layer.
type EmbedEditor interface {
	EditEmbed(
		ctx context.Context,
		channelID string,
		messageID int64,
		content string,
		embed *discordgo.MessageEmbed,
	) MessageOutcome
}

// RefreshResult summarizes one refresh pass.
type RefreshResult struct {
	// Edited cards were re-rendered in place
	Edited int `json:"edited"`

	// Cleared cards had vanished; their stored message IDs were reset
	Cleared int `json:"cleared"`

	// Skipped cards hit forbidden or transient errors and were left as-is
	Skipped int `json:"skipped"`
}

func (r RefreshResult) String() string {
	return fmt.Sprintf(
		"edited=%d cleared=%d skipped=%d", r.Edited, r.Cleared, r.Skipped,
	)
}

// ProfileRefresher re-renders every posted public profile card for a
// guild, e.g. after the embed layout changes.
//
// Progress is tracked as a durable watermark over public message IDs, so
// an interrupted pass resumes where it stopped instead of re-editing
// everything. The watermark is monotonic; a completed pass leaves it at
// the highest processed ID and a later pass only covers cards posted
// since.
type ProfileRefresher struct {
	db     Store
	editor EmbedEditor
	logger *slog.Logger

	// lookup resolves a member's display name and avatar; injected so
	// tests don't need a gateway
	lookup func(guildID, userID string) (displayName, avatarURL string, err error)

	states    StateSet
	batchSize int

	// editLimiter paces outbound edits; a large guild refresh is a slow
	// background job, not a burst
	editLimiter *rate.Limiter
}

func newProfileRefresher(
	db Store,
	editor EmbedEditor,
	logger *slog.Logger,
	lookup func(guildID, userID string) (string, string, error),
	states StateSet,
	batchSize int,
	editsPerSecond float64,
) *ProfileRefresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProfileRefresher{
		db:          db,
		editor:      editor,
		logger:      logger.With(loggerNameKey, "refresh"),
		lookup:      lookup,
		states:      states,
		batchSize:   batchSize,
		editLimiter: rate.NewLimiter(rate.Limit(editsPerSecond), 1),
	}
}

// Run refreshes the guild's posted cards, resuming from the durable
// cursor, until the pagination is exhausted or the context is canceled.
func (r *ProfileRefresher) Run(
	ctx context.Context,
	guildID string,
) (RefreshResult, error) {
	var result RefreshResult

	cfg, err := r.db.GetGuildConfig(ctx, guildID)
	if err != nil {
		return result, err
	}
	if !cfg.Configured() {
		return result, errGuildNotConfigured
	}

	cursor, err := r.db.GetRefreshCursor(ctx, guildID)
	if err != nil {
		return result, err
	}
	log := r.logger.With("guild_id", guildID)
	log.InfoContext(ctx, "starting profile refresh", "cursor", cursor)

	for {
		profiles, listErr := r.db.ListPublicProfiles(
			ctx, guildID, cursor, r.batchSize,
		)
		if listErr != nil {
			return result, listErr
		}
		if len(profiles) == 0 {
			break
		}
		for i := range profiles {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			profile := &profiles[i]
			r.refreshOne(ctx, cfg.ChannelID, profile, &result)

			cursor = profile.PublicMessageID
			if err = r.db.SetRefreshCursor(ctx, guildID, cursor); err != nil {
				return result, err
			}
		}
	}

	log.InfoContext(ctx, "profile refresh finished", "result", result.String())
	return result, nil
}

func (r *ProfileRefresher) refreshOne(
	ctx context.Context,
	channelID string,
	profile *Profile,
	result *RefreshResult,
) {
	log := r.logger.With("profile", profile)

	if err := r.editLimiter.Wait(ctx); err != nil {
		result.Skipped++
		return
	}

	displayName, avatarURL, err := r.lookup(profile.GuildID, profile.UserID)
	if err != nil {
		// Member may have left the guild; render the card without the
		// live display data rather than dropping it.
		log.DebugContext(ctx, "member lookup failed", tint.Err(err))
		displayName = profile.Name
		avatarURL = ""
	}

	embed := buildProfileEmbed(r.states, displayName, avatarURL, profile)
	outcome := r.editor.EditEmbed(
		ctx,
		channelID,
		profile.PublicMessageID,
		profileCardContent(profile.UserID),
		embed,
	)
	switch outcome {
	case MessageOutcomeFound:
		result.Edited++
	case MessageOutcomeNotFound:
		// The card was deleted out from under us; clear the stale ID so
		// the next post creates a fresh one.
		if err = r.db.SetPublicMessage(
			ctx, profile.GuildID, profile.UserID, 0,
		); err != nil {
			log.ErrorContext(ctx, "error clearing stale message id", tint.Err(err))
			result.Skipped++
			return
		}
		result.Cleared++
	case MessageOutcomeForbidden:
		log.WarnContext(ctx, "forbidden editing public profile")
		result.Skipped++
	default:
		log.WarnContext(ctx, "transient error refreshing public profile")
		result.Skipped++
	}
}

// memberLookup resolves display data for the refresher via the gateway
// session.
func (d *Discord) memberLookup(guildID, userID string) (string, string, error) {
	member, err := d.session.GuildMember(guildID, userID)
	if err != nil {
		return "", "", err
	}
	name := ""
	avatar := ""
	if member.User != nil {
		name = member.User.GlobalName
		if name == "" {
			name = member.User.Username
		}
		avatar = member.User.AvatarURL("")
	}
	if member.Nick != "" {
		name = member.Nick
	}
	if guildAvatar := member.AvatarURL(""); guildAvatar != "" {
		avatar = guildAvatar
	}
	return name, avatar, nil
}
