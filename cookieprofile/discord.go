package cookieprofile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const DiscordSlashCommandProfileSetup = "profilesetup"

const (
	setupOptionChannel    = "channel"
	setupOptionLogChannel = "log_channel"
)

// Component custom IDs. The state select encodes the chosen label in the
// select value, everything else is a plain button.
const (
	customIDProfileEdit     = "profile:edit"
	customIDProfileState    = "profile:state"
	customIDProfileShow     = "profile:show"
	customIDProfilePost     = "profile:post"
	customIDProfileConfirm  = "profile:post:confirm"
	customIDProfileAutopost = "profile:autopost"
	customIDProfileModal    = "profile:modal"

	modalFieldName      = "profile:field:name"
	modalFieldCondition = "profile:field:condition"
	modalFieldHobby     = "profile:field:hobby"
	modalFieldCare      = "profile:field:care"
	modalFieldOne       = "profile:field:one"
)

// User-facing (Japanese) response strings.
const (
	msgRateLimited     = "操作が早すぎます。しばらく待ってからもう一度お試しください。"
	msgSaved           = "プロフィールを保存しました。"
	msgStateChanged    = "状態を「%s」に変更しました。"
	msgPosted          = "プロフィールを投稿しました。"
	msgNameRequired    = "先に「編集」ボタンから名前を入力してください。"
	msgNotConfigured   = "このサーバーではまだ設定されていません。管理者に連絡してください。"
	msgOperationFailed = "操作に失敗しました。時間をおいてもう一度お試しください。"
	msgAutopostOn      = "入室時の自動投稿をONにしました。"
	msgAutopostOff     = "入室時の自動投稿をOFFにしました。"
	msgSetupDone       = "設定を保存し、パネルを投稿しました。"
)

var errGuildNotConfigured = errors.New("guild has no configured profile channel")

// MessageOutcome classifies the result of a message fetch/edit against
// the platform API. The edit-or-recreate protocol branches on this
// explicitly instead of string-matching errors at each call site.
type MessageOutcome int

const (
	// MessageOutcomeFound - the message exists and the operation applied
	MessageOutcomeFound MessageOutcome = iota

	// MessageOutcomeNotFound - the message (or its channel) is gone
	MessageOutcomeNotFound

	// MessageOutcomeForbidden - the bot lacks permission
	MessageOutcomeForbidden

	// MessageOutcomeOther - anything else (network, 5xx, rate limit)
	MessageOutcomeOther
)

func (o MessageOutcome) String() string {
	switch o {
	case MessageOutcomeFound:
		return "found"
	case MessageOutcomeNotFound:
		return "not_found"
	case MessageOutcomeForbidden:
		return "forbidden"
	case MessageOutcomeOther:
		return "other"
	default:
		return fmt.Sprintf("unknown(%d)", int(o))
	}
}

// classifyMessageError maps a discordgo REST error onto a MessageOutcome.
func classifyMessageError(err error) MessageOutcome {
	if err == nil {
		return MessageOutcomeFound
	}
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return MessageOutcomeOther
	}
	if restErr.Message != nil {
		switch restErr.Message.Code {
		case discordgo.ErrCodeUnknownMessage, discordgo.ErrCodeUnknownChannel:
			return MessageOutcomeNotFound
		case discordgo.ErrCodeMissingPermissions, discordgo.ErrCodeMissingAccess:
			return MessageOutcomeForbidden
		}
	}
	if restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusNotFound:
			return MessageOutcomeNotFound
		case http.StatusForbidden:
			return MessageOutcomeForbidden
		}
	}
	return MessageOutcomeOther
}

// classifyDeleteError maps a delete error onto the worker's outcome set.
func classifyDeleteError(err error) DeleteOutcome {
	switch classifyMessageError(err) {
	case MessageOutcomeFound:
		return DeleteOutcomeDeleted
	case MessageOutcomeNotFound:
		return DeleteOutcomeNotFound
	case MessageOutcomeForbidden:
		return DeleteOutcomeForbidden
	default:
		return DeleteOutcomeTransient
	}
}

// Discord manages the gateway connection and all interaction handling.
// It holds a back-reference to the bot for store and limiter access, the
// same way the session handlers need it.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	bot                         *CookieProfile
}

func newDiscord(config *DiscordConfig) *Discord {
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession initializes the underlying discordgo session. State tracking
// stays enabled: the voice autopost path re-checks membership against the
// session state cache.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = true
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// appCommandProfileSetup builds the admin `/profilesetup` command.
func (*Discord) appCommandProfileSetup() *discordgo.ApplicationCommand {
	adminPerm := int64(discordgo.PermissionManageServer)
	dmPerm := false
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandProfileSetup,
		Type:                     discordgo.ChatApplicationCommand,
		Description:              "プロフィールパネルを設置します",
		DMPermission:             &dmPerm,
		DefaultMemberPermissions: &adminPerm,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionChannel,
				Name:        setupOptionChannel,
				Description: "パネルとプロフィールを投稿するチャンネル",
				Required:    true,
				ChannelTypes: []discordgo.ChannelType{
					discordgo.ChannelTypeGuildText,
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionChannel,
				Name:        setupOptionLogChannel,
				Description: "操作ログを送るチャンネル（任意）",
				Required:    false,
				ChannelTypes: []discordgo.ChannelType{
					discordgo.ChannelTypeGuildText,
				},
			},
		},
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		d.appCommandProfileSetup(),
	}
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("created command", "command_name", c.Name)
	}
	return created, nil
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, _ *discordgo.Ready) {
		d.logger.Info(
			"ready",
			"session_id", s.State.SessionID,
			"user_id", s.State.User.ID,
			"username", s.State.User.Username,
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("connected", "session_id", sessionID)
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Warn("disconnected")
	}
}

// interactionUser returns the invoking user for guild or DM interactions.
func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

// memberDisplay returns the display name and avatar URL for the invoking
// member, preferring guild nick over global/user name.
func memberDisplay(i *discordgo.InteractionCreate) (string, string) {
	user := interactionUser(i)
	if user == nil {
		return "", ""
	}
	name := user.GlobalName
	if name == "" {
		name = user.Username
	}
	avatar := user.AvatarURL("")
	if i.Member != nil {
		if i.Member.Nick != "" {
			name = i.Member.Nick
		}
		if guildAvatar := i.Member.AvatarURL(""); guildAvatar != "" {
			avatar = guildAvatar
		}
	}
	return name, avatar
}

func (d *Discord) handlerInteractionCreate() func(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		ctx := WithLogger(context.Background(), d.logger)

		switch i.Type {
		case discordgo.InteractionApplicationCommand:
			if i.ApplicationCommandData().Name == DiscordSlashCommandProfileSetup {
				d.handleProfileSetup(ctx, i)
			}
		case discordgo.InteractionMessageComponent:
			d.handleComponent(ctx, i)
		case discordgo.InteractionModalSubmit:
			if i.ModalSubmitData().CustomID == customIDProfileModal {
				d.handleModalSubmit(ctx, i)
			}
		default:
			d.logger.Warn("unhandled interaction type", "type", i.Type)
		}
	}
}

func (d *Discord) handleComponent(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	switch i.MessageComponentData().CustomID {
	case customIDProfileEdit:
		d.handleEditButton(ctx, i)
	case customIDProfileState:
		d.handleStateSelect(ctx, i)
	case customIDProfileShow:
		d.handleShowButton(ctx, i)
	case customIDProfilePost:
		d.handlePostButton(ctx, i)
	case customIDProfileConfirm:
		d.handlePostConfirm(ctx, i)
	case customIDProfileAutopost:
		d.handleAutopostToggle(ctx, i)
	default:
		d.logger.Warn(
			"unhandled component",
			"custom_id", i.MessageComponentData().CustomID,
		)
	}
}

// respondEphemeral sends a plain ephemeral text response.
func (d *Discord) respondEphemeral(i *discordgo.InteractionCreate, content string) {
	err := d.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
	if err != nil {
		d.logger.Error("error sending interaction response", tint.Err(err))
	}
}

// handleProfileSetup persists the guild's channel config and (re)posts
// the entry panel.
func (d *Discord) handleProfileSetup(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	var channelID, logChannelID string
	for _, opt := range i.ApplicationCommandData().Options {
		switch opt.Name {
		case setupOptionChannel:
			channelID = opt.Value.(string)
		case setupOptionLogChannel:
			logChannelID = opt.Value.(string)
		}
	}
	if channelID == "" {
		d.respondEphemeral(i, msgOperationFailed)
		return
	}

	prev, err := d.bot.db.GetGuildConfig(ctx, i.GuildID)
	if err != nil {
		d.logger.Error("error loading guild config", tint.Err(err))
		d.respondEphemeral(i, msgOperationFailed)
		return
	}

	if err = d.bot.db.SetGuildConfig(
		ctx, i.GuildID, channelID, logChannelID,
	); err != nil {
		d.logger.Error("error saving guild config", tint.Err(err))
		d.respondEphemeral(i, msgOperationFailed)
		return
	}

	// A panel left behind in a previously configured channel would be
	// orphaned: postPanel only cleans up in the current channel. Queue
	// its removal where it actually lives and clear the stale pointer.
	if prev.PanelMessageID != 0 && prev.ChannelID != "" &&
		prev.ChannelID != channelID {
		if err = d.bot.db.ScheduleDelete(
			ctx, i.GuildID, prev.ChannelID, prev.PanelMessageID, d.bot.now(),
		); err != nil {
			d.logger.Warn("error queueing old panel for deletion", tint.Err(err))
		}
		if err = d.bot.db.SetPanelMessage(ctx, i.GuildID, 0); err != nil {
			d.logger.Warn("error clearing stale panel pointer", tint.Err(err))
		}
	}
	if err := d.postPanel(ctx, i.GuildID); err != nil {
		d.logger.Error("error posting panel", tint.Err(err))
		d.respondEphemeral(i, msgOperationFailed)
		return
	}
	d.respondEphemeral(i, msgSetupDone)
	d.bot.audit(ctx, AuditEntry{
		GuildID:   i.GuildID,
		UserID:    interactionUser(i).ID,
		Action:    "setup",
		ChannelID: channelID,
		Result:    "ok",
	})
}

// buildPanelComponents returns the panel's interactive rows: a state
// select plus the four action buttons.
func buildPanelComponents(states StateSet) []discordgo.MessageComponent {
	options := make([]discordgo.SelectMenuOption, 0, len(states.States))
	for _, s := range states.States {
		options = append(options, discordgo.SelectMenuOption{
			Label: s.String(),
			Value: s.String(),
		})
	}
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.SelectMenu{
					CustomID:    customIDProfileState,
					Placeholder: "今の状態を選択",
					Options:     options,
				},
			},
		},
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					CustomID: customIDProfileEdit,
					Label:    "編集",
					Style:    discordgo.PrimaryButton,
				},
				discordgo.Button{
					CustomID: customIDProfileShow,
					Label:    "表示",
					Style:    discordgo.SecondaryButton,
				},
				discordgo.Button{
					CustomID: customIDProfilePost,
					Label:    "投稿",
					Style:    discordgo.SuccessButton,
				},
				discordgo.Button{
					CustomID: customIDProfileAutopost,
					Label:    "自動投稿ON/OFF",
					Style:    discordgo.SecondaryButton,
				},
			},
		},
	}
}

// postPanel sends a fresh entry panel to the guild's configured channel,
// queueing the previous panel (if any) for deletion, and persists the new
// panel message ID.
func (d *Discord) postPanel(ctx context.Context, guildID string) error {
	cfg, err := d.bot.db.GetGuildConfig(ctx, guildID)
	if err != nil {
		return err
	}
	if !cfg.Configured() {
		return errGuildNotConfigured
	}

	if cfg.PanelMessageID != 0 {
		// Old panel removal goes through the durable queue so it happens
		// even if the process dies right after the new panel goes up.
		if err = d.bot.db.ScheduleDelete(
			ctx, guildID, cfg.ChannelID, cfg.PanelMessageID, d.bot.now(),
		); err != nil {
			d.logger.Warn("error queueing old panel for deletion", tint.Err(err))
		}
	}

	msg, err := d.session.ChannelMessageSendComplex(
		cfg.ChannelID,
		&discordgo.MessageSend{
			Embeds:     []*discordgo.MessageEmbed{buildPanelEmbed(d.bot.states)},
			Components: buildPanelComponents(d.bot.states),
		},
	)
	if err != nil {
		return fmt.Errorf("error sending panel message: %w", err)
	}
	return d.bot.db.SetPanelMessage(ctx, guildID, parseSnowflake(msg.ID))
}

// handleEditButton opens the profile modal, pre-filled from the stored
// profile.
func (d *Discord) handleEditButton(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	user := interactionUser(i)
	profile, err := d.bot.db.GetProfile(ctx, i.GuildID, user.ID)
	if err != nil {
		d.logger.Error("error loading profile", tint.Err(err))
		d.respondEphemeral(i, msgOperationFailed)
		return
	}

	limits := d.bot.config.Profile.FieldLimits
	textInput := func(customID, label, value string, limit int, required bool) discordgo.ActionsRow {
		return discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.TextInput{
					CustomID:  customID,
					Label:     label,
					Style:     discordgo.TextInputShort,
					Value:     value,
					MaxLength: limit,
					Required:  required,
				},
			},
		}
	}

	err = d.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseModal,
			Data: &discordgo.InteractionResponseData{
				CustomID: customIDProfileModal,
				Title:    "プロフィール編集",
				Components: []discordgo.MessageComponent{
					textInput(modalFieldName, fieldLabelName, profile.Name, limits.Name, true),
					textInput(modalFieldCondition, fieldLabelCondition, profile.Condition, limits.Condition, false),
					textInput(modalFieldHobby, fieldLabelHobby, profile.Hobby, limits.Hobby, false),
					textInput(modalFieldCare, fieldLabelCare, profile.Care, limits.Care, false),
					textInput(modalFieldOne, fieldLabelOne, profile.One, limits.One, false),
				},
			},
		},
	)
	if err != nil {
		d.logger.Error("error opening profile modal", tint.Err(err))
	}
}

// modalFields extracts the five text inputs from a modal submit payload.
func modalFields(data discordgo.ModalSubmitInteractionData) ProfileFields {
	var fields ProfileFields
	for _, row := range data.Components {
		actionsRow, ok := row.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, component := range actionsRow.Components {
			input, inputOK := component.(*discordgo.TextInput)
			if !inputOK {
				continue
			}
			value := trimmed(input.Value)
			switch input.CustomID {
			case modalFieldName:
				fields.Name = value
			case modalFieldCondition:
				fields.Condition = value
			case modalFieldHobby:
				fields.Hobby = value
			case modalFieldCare:
				fields.Care = value
			case modalFieldOne:
				fields.One = value
			}
		}
	}
	return fields
}

// handleModalSubmit validates and persists the edited fields, then
// refreshes the public card if one is posted.
func (d *Discord) handleModalSubmit(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	user := interactionUser(i)
	if !d.bot.rateLimiter.Allow(i.GuildID, user.ID, ActionModalSave) {
		d.respondEphemeral(i, msgRateLimited)
		return
	}

	fields := modalFields(i.ModalSubmitData())
	if reason := d.bot.config.Profile.FieldLimits.ValidateProfileFields(
		fields,
	); reason != "" {
		d.respondEphemeral(i, reason)
		d.bot.audit(ctx, AuditEntry{
			GuildID: i.GuildID,
			UserID:  user.ID,
			Action:  "edit",
			Result:  "rejected",
			Reason:  reason,
		})
		return
	}

	// Ensure the row exists before the column update.
	if _, err := d.bot.db.GetProfile(ctx, i.GuildID, user.ID); err != nil {
		d.logger.Error("error loading profile", tint.Err(err))
		d.respondEphemeral(i, msgOperationFailed)
		return
	}
	if err := d.bot.db.UpdateProfileFields(
		ctx, i.GuildID, user.ID, fields,
	); err != nil {
		d.logger.Error("error saving profile fields", tint.Err(err))
		d.respondEphemeral(i, msgOperationFailed)
		return
	}

	d.refreshPublicCard(ctx, i)
	d.respondEphemeral(i, msgSaved)
	d.bot.audit(ctx, AuditEntry{
		GuildID: i.GuildID,
		UserID:  user.ID,
		Action:  "edit",
		Result:  "ok",
	})
}

// handleStateSelect persists a state change. Values outside the
// configured set are rejected, not coerced.
func (d *Discord) handleStateSelect(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	user := interactionUser(i)
	values := i.MessageComponentData().Values
	if len(values) == 0 {
		d.respondEphemeral(i, msgOperationFailed)
		return
	}
	state := ProfileState(values[0])
	if !d.bot.states.Contains(state) {
		d.respondEphemeral(i, msgOperationFailed)
		return
	}

	if !d.bot.rateLimiter.Allow(i.GuildID, user.ID, ActionStateChange) {
		d.respondEphemeral(i, msgRateLimited)
		return
	}

	if _, err := d.bot.db.GetProfile(ctx, i.GuildID, user.ID); err != nil {
		d.logger.Error("error loading profile", tint.Err(err))
		d.respondEphemeral(i, msgOperationFailed)
		return
	}
	if err := d.bot.db.UpdateState(ctx, i.GuildID, user.ID, state); err != nil {
		d.logger.Error("error saving state", tint.Err(err))
		d.respondEphemeral(i, msgOperationFailed)
		return
	}

	d.refreshPublicCard(ctx, i)
	d.respondEphemeral(i, fmt.Sprintf(msgStateChanged, state))
	d.bot.audit(ctx, AuditEntry{
		GuildID: i.GuildID,
		UserID:  user.ID,
		Action:  "state",
		Result:  state.String(),
	})
}

// handleShowButton sends an ephemeral preview of the member's card.
func (d *Discord) handleShowButton(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	user := interactionUser(i)
	profile, err := d.bot.db.GetProfile(ctx, i.GuildID, user.ID)
	if err != nil {
		d.logger.Error("error loading profile", tint.Err(err))
		d.respondEphemeral(i, msgOperationFailed)
		return
	}
	displayName, avatarURL := memberDisplay(i)
	err = d.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{
					buildProfileEmbed(d.bot.states, displayName, avatarURL, profile),
				},
				Flags: discordgo.MessageFlagsEphemeral,
			},
		},
	)
	if err != nil {
		d.logger.Error("error sending preview", tint.Err(err))
	}
}

// handlePostButton shows an ephemeral preview with a confirm button.
func (d *Discord) handlePostButton(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	user := interactionUser(i)
	if !d.bot.rateLimiter.Allow(i.GuildID, user.ID, ActionPostConfirm) {
		d.respondEphemeral(i, msgRateLimited)
		return
	}
	profile, err := d.bot.db.GetProfile(ctx, i.GuildID, user.ID)
	if err != nil {
		d.logger.Error("error loading profile", tint.Err(err))
		d.respondEphemeral(i, msgOperationFailed)
		return
	}
	if !profile.HasName() {
		d.respondEphemeral(i, msgNameRequired)
		return
	}
	displayName, avatarURL := memberDisplay(i)
	err = d.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: "この内容で投稿しますか？",
				Embeds: []*discordgo.MessageEmbed{
					buildProfileEmbed(d.bot.states, displayName, avatarURL, profile),
				},
				Components: []discordgo.MessageComponent{
					discordgo.ActionsRow{
						Components: []discordgo.MessageComponent{
							discordgo.Button{
								CustomID: customIDProfileConfirm,
								Label:    "投稿する",
								Style:    discordgo.SuccessButton,
							},
						},
					},
				},
				Flags: discordgo.MessageFlagsEphemeral,
			},
		},
	)
	if err != nil {
		d.logger.Error("error sending post confirmation", tint.Err(err))
	}
}

// handlePostConfirm posts (or refreshes) the member's public card.
func (d *Discord) handlePostConfirm(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	user := interactionUser(i)
	if !d.bot.rateLimiter.Allow(i.GuildID, user.ID, ActionPost) {
		d.respondEphemeral(i, msgRateLimited)
		return
	}
	profile, err := d.bot.db.GetProfile(ctx, i.GuildID, user.ID)
	if err != nil {
		d.logger.Error("error loading profile", tint.Err(err))
		d.respondEphemeral(i, msgOperationFailed)
		return
	}
	if !profile.HasName() {
		d.respondEphemeral(i, msgNameRequired)
		return
	}

	displayName, avatarURL := memberDisplay(i)
	if err = d.upsertPublicProfile(
		ctx, i.GuildID, user.ID, displayName, avatarURL, profile,
	); err != nil {
		if errors.Is(err, errGuildNotConfigured) {
			d.respondEphemeral(i, msgNotConfigured)
			return
		}
		d.logger.Error("error posting public profile", tint.Err(err))
		d.respondEphemeral(i, msgOperationFailed)
		return
	}
	d.respondEphemeral(i, msgPosted)
	d.bot.announceUpdate(
		ctx,
		i.GuildID,
		fmt.Sprintf("🍪 %sさんがプロフィールを投稿しました", displayName),
	)
	// The card and notice just pushed the panel up the channel; bot
	// messages never reach handlerMessageCreate, so re-post it here.
	d.bumpPanel(ctx, i.GuildID)
	d.bot.audit(ctx, AuditEntry{
		GuildID: i.GuildID,
		UserID:  user.ID,
		Action:  "post",
		Result:  "ok",
	})
}

// handleAutopostToggle flips the member's voice-join broadcast flag.
func (d *Discord) handleAutopostToggle(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	user := interactionUser(i)
	profile, err := d.bot.db.GetProfile(ctx, i.GuildID, user.ID)
	if err != nil {
		d.logger.Error("error loading profile", tint.Err(err))
		d.respondEphemeral(i, msgOperationFailed)
		return
	}
	enabled := !profile.AutopostEnabled
	if err = d.bot.db.SetAutopostEnabled(
		ctx, i.GuildID, user.ID, enabled,
	); err != nil {
		d.logger.Error("error toggling autopost", tint.Err(err))
		d.respondEphemeral(i, msgOperationFailed)
		return
	}
	if enabled {
		d.respondEphemeral(i, msgAutopostOn)
	} else {
		d.respondEphemeral(i, msgAutopostOff)
	}
	d.bot.audit(ctx, AuditEntry{
		GuildID: i.GuildID,
		UserID:  user.ID,
		Action:  "autopost",
		Result:  fmt.Sprintf("%t", enabled),
	})
}

// refreshPublicCard re-renders the member's posted card after a persisted
// change. No card posted yet means nothing to do; failures are logged and
// swallowed, since the edit itself already succeeded.
func (d *Discord) refreshPublicCard(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	user := interactionUser(i)
	profile, err := d.bot.db.GetProfile(ctx, i.GuildID, user.ID)
	if err != nil {
		d.logger.Error("error reloading profile", tint.Err(err))
		return
	}
	if profile.PublicMessageID == 0 {
		return
	}
	displayName, avatarURL := memberDisplay(i)
	if err = d.upsertPublicProfile(
		ctx, i.GuildID, user.ID, displayName, avatarURL, profile,
	); err != nil {
		d.logger.Warn("error refreshing public profile", tint.Err(err))
	}
}

// upsertPublicProfile applies the edit-or-recreate protocol: edit the
// existing public card if it still exists, otherwise post a fresh one and
// persist the new message ID. A vanished card is recreated; a forbidden
// edit is an error the caller reports.
func (d *Discord) upsertPublicProfile(
	ctx context.Context,
	guildID string,
	userID string,
	displayName string,
	avatarURL string,
	profile *Profile,
) error {
	cfg, err := d.bot.db.GetGuildConfig(ctx, guildID)
	if err != nil {
		return err
	}
	if !cfg.Configured() {
		return errGuildNotConfigured
	}

	embed := buildProfileEmbed(d.bot.states, displayName, avatarURL, profile)
	content := profileCardContent(userID)

	if profile.PublicMessageID != 0 {
		outcome := d.EditEmbed(
			ctx, cfg.ChannelID, profile.PublicMessageID, content, embed,
		)
		switch outcome {
		case MessageOutcomeFound:
			return nil
		case MessageOutcomeNotFound:
			// fall through to recreate
		case MessageOutcomeForbidden:
			return fmt.Errorf("forbidden editing public profile %s/%s", guildID, userID)
		default:
			return fmt.Errorf("error editing public profile %s/%s", guildID, userID)
		}
	}

	messageID, err := d.SendEmbed(ctx, cfg.ChannelID, content, embed)
	if err != nil {
		return fmt.Errorf("error posting public profile: %w", err)
	}
	return d.bot.db.SetPublicMessage(ctx, guildID, userID, messageID)
}

// handlerMessageCreate keeps the entry panel at the bottom of the
// configured channel: any human message there triggers a rate-limited
// panel re-post.
func (d *Discord) handlerMessageCreate() func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot || m.GuildID == "" {
			return
		}
		ctx := WithLogger(context.Background(), d.logger)

		cfg, err := d.bot.db.GetGuildConfig(ctx, m.GuildID)
		if err != nil {
			d.logger.Error("error loading guild config", tint.Err(err))
			return
		}
		if !cfg.Configured() || m.ChannelID != cfg.ChannelID {
			return
		}
		d.bumpPanel(ctx, m.GuildID)
	}
}

// bumpPanel re-posts the entry panel so it stays at the bottom of the
// configured channel. Throttling is per guild, not per author: any
// trigger restarts the window.
func (d *Discord) bumpPanel(ctx context.Context, guildID string) {
	if !d.bot.rateLimiter.Allow(guildID, "", ActionPanelBump) {
		return
	}
	if err := d.postPanel(ctx, guildID); err != nil {
		d.logger.Error("error bumping panel", tint.Err(err))
	}
}

// handlerVoiceStateUpdate feeds the autopost scheduler: channel joins
// schedule a debounced broadcast, leaving voice cancels it.
func (d *Discord) handlerVoiceStateUpdate() func(
	s *discordgo.Session,
	v *discordgo.VoiceStateUpdate,
) {
	return func(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
		if v == nil || v.GuildID == "" {
			return
		}
		if s != nil && s.State != nil && s.State.User != nil &&
			v.UserID == s.State.User.ID {
			return
		}

		if v.ChannelID == "" {
			d.bot.autopost.Cancel(v.GuildID, v.UserID)
			return
		}
		// Mute/deafen toggles arrive as updates with an unchanged channel.
		if v.BeforeUpdate != nil && v.BeforeUpdate.ChannelID == v.ChannelID {
			return
		}

		member := AutopostMember{
			GuildID:   v.GuildID,
			UserID:    v.UserID,
			ChannelID: v.ChannelID,
		}
		if v.Member != nil && v.Member.User != nil {
			member.DisplayName = v.Member.User.GlobalName
			if member.DisplayName == "" {
				member.DisplayName = v.Member.User.Username
			}
			if v.Member.Nick != "" {
				member.DisplayName = v.Member.Nick
			}
			member.AvatarURL = v.Member.User.AvatarURL("")
		}

		ctx := WithLogger(context.Background(), d.logger)
		d.bot.autopost.Schedule(ctx, member, d)
	}
}

// stillInChannel checks the session state cache for current voice
// membership. Used by the autopost scheduler after the debounce delay.
func (d *Discord) stillInChannel(guildID, userID, channelID string) bool {
	vs, err := d.session.VoiceState(guildID, userID)
	if err != nil || vs == nil {
		return false
	}
	return vs.ChannelID == channelID
}

// SendEmbed implements Messageable. Mentions in the content are
// display-only and never ping.
func (d *Discord) SendEmbed(
	_ context.Context,
	channelID string,
	content string,
	embed *discordgo.MessageEmbed,
) (int64, error) {
	msg, err := d.session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{
			Content: content,
			Embeds:  []*discordgo.MessageEmbed{embed},
			AllowedMentions: &discordgo.MessageAllowedMentions{
				Parse: []discordgo.AllowedMentionType{},
			},
		},
	)
	if err != nil {
		return 0, err
	}
	return parseSnowflake(msg.ID), nil
}

// EditEmbed edits a posted card in place, returning the typed outcome.
func (d *Discord) EditEmbed(
	_ context.Context,
	channelID string,
	messageID int64,
	content string,
	embed *discordgo.MessageEmbed,
) MessageOutcome {
	_, err := d.session.ChannelMessageEditComplex(
		&discordgo.MessageEdit{
			ID:      formatSnowflake(messageID),
			Channel: channelID,
			Content: &content,
			Embeds:  &[]*discordgo.MessageEmbed{embed},
		},
	)
	outcome := classifyMessageError(err)
	if outcome == MessageOutcomeOther {
		d.logger.Warn(
			"error editing message",
			tint.Err(err),
			"channel_id", channelID,
			"message_id", messageID,
		)
	}
	return outcome
}

// DeleteMessage implements MessageDeleter for the scheduled deletion
// worker.
func (d *Discord) DeleteMessage(
	_ context.Context,
	channelID string,
	messageID int64,
) DeleteOutcome {
	err := d.session.ChannelMessageDelete(channelID, formatSnowflake(messageID))
	outcome := classifyDeleteError(err)
	if outcome == DeleteOutcomeTransient {
		d.logger.Warn(
			"transient error deleting message",
			tint.Err(err),
			"channel_id", channelID,
			"message_id", messageID,
		)
	}
	return outcome
}

// channelMessageSend sends the given message to the given discord channel ID
func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSend(channelID, message, opts...)
	return err
}

// DiscordSessionHandler defines the slice of `discordgo.Session` this
// application uses, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// ChannelMessageSend sends a plain text message to the channel
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends a full message payload (embeds,
	// components, allowed mentions) to the channel
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageEditComplex edits an existing message
	ChannelMessageEditComplex(
		m *discordgo.MessageEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageDelete deletes a message by channel and message ID
	ChannelMessageDelete(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error

	// ApplicationCommandBulkOverwrite overwrites the registered
	// application commands in bulk
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// VoiceState returns the cached voice state for the user, if any
	VoiceState(guildID string, userID string) (*discordgo.VoiceState, error)

	// GuildMember returns the guild member for the given user
	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageEditComplex(
	m *discordgo.MessageEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageEditComplex(m, options...)
}

func (d DiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageDelete(channelID, messageID, options...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	return created, nil
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}

func (d DiscordSession) VoiceState(
	guildID string,
	userID string,
) (*discordgo.VoiceState, error) {
	return d.session.State.VoiceState(guildID, userID)
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}
