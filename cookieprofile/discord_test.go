package cookieprofile

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSession implements DiscordSessionHandler, recording outbound
// messages and interaction responses.
type stubSession struct {
	mu        sync.Mutex
	complex   []stubComplexSend
	plain     []stubPlainSend
	responses []*discordgo.InteractionResponse
	nextID    int64
}

type stubComplexSend struct {
	ChannelID string
	Data      *discordgo.MessageSend
}

type stubPlainSend struct {
	ChannelID string
	Content   string
}

// newMessageID must be called with the mutex held.
func (s *stubSession) newMessageID() string {
	s.nextID++
	return strconv.FormatInt(s.nextID, 10)
}

func (s *stubSession) Open() error { return nil }

func (s *stubSession) Close() error { return nil }

func (s *stubSession) AddHandler(_ any) func() { return func() {} }

func (s *stubSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, resp)
	return nil
}

func (s *stubSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plain = append(s.plain, stubPlainSend{ChannelID: channelID, Content: message})
	return &discordgo.Message{ID: s.newMessageID(), ChannelID: channelID}, nil
}

func (s *stubSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.complex = append(s.complex, stubComplexSend{ChannelID: channelID, Data: data})
	return &discordgo.Message{ID: s.newMessageID(), ChannelID: channelID}, nil
}

func (s *stubSession) ChannelMessageEditComplex(
	m *discordgo.MessageEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return &discordgo.Message{ID: m.ID, ChannelID: m.Channel}, nil
}

func (s *stubSession) ChannelMessageDelete(
	string, string, ...discordgo.RequestOption,
) error {
	return nil
}

func (s *stubSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return commands, nil
}

func (s *stubSession) VoiceState(string, string) (*discordgo.VoiceState, error) {
	return nil, discordgo.ErrStateNotFound
}

func (s *stubSession) GuildMember(
	_ string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return &discordgo.Member{
		User: &discordgo.User{ID: userID, Username: "user-" + userID},
	}, nil
}

func (s *stubSession) SetLogLevel(slog.Level) error { return nil }

// newTestBot wires a CookieProfile and Discord pair onto a stub session
// and a real sqlite store.
func newTestBot(t *testing.T) (*CookieProfile, *Discord, *stubSession) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Discord.Token = "token"
	cfg.Discord.ApplicationID = "app"

	session := &stubSession{}
	bot := &CookieProfile{
		config:      cfg,
		logger:      slog.Default(),
		db:          testStore(t),
		states:      DefaultStateSet(),
		rateLimiter: NewRateLimiter(cfg.RateLimit.Windows()),
		now:         time.Now,
	}
	d := newDiscord(cfg.Discord)
	d.logger = slog.Default()
	d.session = session
	d.bot = bot
	bot.discord = d
	return bot, d, session
}

func componentInteraction(guildID, userID string) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:    discordgo.InteractionMessageComponent,
			GuildID: guildID,
			Member: &discordgo.Member{
				User: &discordgo.User{ID: userID, Username: "user-" + userID},
			},
		},
	}
}

func restError(code int, status int) error {
	return &discordgo.RESTError{
		Message:  &discordgo.APIErrorMessage{Code: code},
		Response: &http.Response{StatusCode: status},
	}
}

func TestClassifyMessageError(t *testing.T) {
	t.Parallel()

	assert.Equal(t, MessageOutcomeFound, classifyMessageError(nil))
	assert.Equal(
		t,
		MessageOutcomeNotFound,
		classifyMessageError(
			restError(discordgo.ErrCodeUnknownMessage, http.StatusNotFound),
		),
	)
	assert.Equal(
		t,
		MessageOutcomeNotFound,
		classifyMessageError(
			restError(discordgo.ErrCodeUnknownChannel, http.StatusNotFound),
		),
	)
	assert.Equal(
		t,
		MessageOutcomeForbidden,
		classifyMessageError(
			restError(discordgo.ErrCodeMissingPermissions, http.StatusForbidden),
		),
	)
	assert.Equal(
		t,
		MessageOutcomeForbidden,
		classifyMessageError(
			restError(discordgo.ErrCodeMissingAccess, http.StatusForbidden),
		),
	)
	// unclassified API errors and plain errors are "other"
	assert.Equal(
		t,
		MessageOutcomeOther,
		classifyMessageError(restError(0, http.StatusInternalServerError)),
	)
	assert.Equal(
		t,
		MessageOutcomeOther,
		classifyMessageError(errors.New("connection reset")),
	)
}

func TestClassifyMessageErrorFallsBackToStatusCode(t *testing.T) {
	t.Parallel()

	// some error paths carry no parsed API error message
	notFound := &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusNotFound},
	}
	assert.Equal(t, MessageOutcomeNotFound, classifyMessageError(notFound))

	forbidden := &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusForbidden},
	}
	assert.Equal(t, MessageOutcomeForbidden, classifyMessageError(forbidden))
}

func TestClassifyDeleteError(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DeleteOutcomeDeleted, classifyDeleteError(nil))
	assert.Equal(
		t,
		DeleteOutcomeNotFound,
		classifyDeleteError(
			restError(discordgo.ErrCodeUnknownMessage, http.StatusNotFound),
		),
	)
	assert.Equal(
		t,
		DeleteOutcomeForbidden,
		classifyDeleteError(
			restError(discordgo.ErrCodeMissingPermissions, http.StatusForbidden),
		),
	)
	assert.Equal(
		t,
		DeleteOutcomeTransient,
		classifyDeleteError(errors.New("timeout")),
	)
}

func TestModalFieldsExtraction(t *testing.T) {
	t.Parallel()

	data := discordgo.ModalSubmitInteractionData{
		CustomID: customIDProfileModal,
		Components: []discordgo.MessageComponent{
			&discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					&discordgo.TextInput{
						CustomID: modalFieldName,
						Value:    "  クッキー  ",
					},
				},
			},
			&discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					&discordgo.TextInput{
						CustomID: modalFieldHobby,
						Value:    "ゲーム",
					},
				},
			},
			&discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					&discordgo.TextInput{
						CustomID: "unknown:id",
						Value:    "ignored",
					},
				},
			},
		},
	}

	fields := modalFields(data)
	assert.Equal(t, "クッキー", fields.Name, "values are trimmed")
	assert.Equal(t, "ゲーム", fields.Hobby)
	assert.Empty(t, fields.Condition)
	assert.Empty(t, fields.Care)
	assert.Empty(t, fields.One)
}

func TestBuildProfileEmbed(t *testing.T) {
	t.Parallel()
	states := DefaultStateSet()

	profile := &Profile{
		GuildID:        "g",
		UserID:         "u",
		Name:           "クッキー",
		Hobby:          "ゲーム",
		State:          StateEnergetic,
		StateUpdatedAt: 1735689600000, // 2025/01/01 UTC
	}
	emb := buildProfileEmbed(states, "クッキー", "https://cdn.example/avatar.png", profile)

	assert.Equal(t, "クッキーさんのプロフィール", emb.Title)
	assert.Equal(t, stateColors[StateEnergetic], emb.Color)
	require.Len(t, emb.Fields, 5)
	assert.Equal(t, "クッキー", emb.Fields[0].Value)
	assert.Equal(
		t, unsetFieldText, emb.Fields[1].Value,
		"blank fields render the unset placeholder",
	)
	assert.Equal(t, "ゲーム", emb.Fields[2].Value)
	require.NotNil(t, emb.Footer)
	assert.Contains(t, emb.Footer.Text, "状態：元気")
	require.NotNil(t, emb.Thumbnail)
}

func TestBuildProfileEmbedNormalizesUnknownState(t *testing.T) {
	t.Parallel()

	profile := &Profile{State: ProfileState("garbage")}
	emb := buildProfileEmbed(DefaultStateSet(), "x", "", profile)
	assert.Equal(t, stateColors[StateNormal], emb.Color)
	assert.Contains(t, emb.Footer.Text, "状態：通常")
	assert.Nil(t, emb.Thumbnail, "no avatar, no thumbnail")
}

func TestBuildPanelComponents(t *testing.T) {
	t.Parallel()

	rows := buildPanelComponents(DefaultStateSet())
	require.Len(t, rows, 2)

	selectRow, ok := rows[0].(discordgo.ActionsRow)
	require.True(t, ok)
	require.Len(t, selectRow.Components, 1)
	menu, ok := selectRow.Components[0].(discordgo.SelectMenu)
	require.True(t, ok)
	assert.Equal(t, customIDProfileState, menu.CustomID)
	require.Len(t, menu.Options, 4)
	assert.Equal(t, "元気", menu.Options[0].Value)

	buttonRow, ok := rows[1].(discordgo.ActionsRow)
	require.True(t, ok)
	require.Len(t, buttonRow.Components, 4)
	first, ok := buttonRow.Components[0].(discordgo.Button)
	require.True(t, ok)
	assert.Equal(t, customIDProfileEdit, first.CustomID)
}

func TestProfileCardContent(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "🍪Profile <@123>", profileCardContent("123"))
}

func setupInteraction(guildID, userID, channelID string) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:    discordgo.InteractionApplicationCommand,
			GuildID: guildID,
			Member: &discordgo.Member{
				User: &discordgo.User{ID: userID, Username: "user-" + userID},
			},
			Data: discordgo.ApplicationCommandInteractionData{
				Name: DiscordSlashCommandProfileSetup,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{
						Name:  setupOptionChannel,
						Type:  discordgo.ApplicationCommandOptionChannel,
						Value: channelID,
					},
				},
			},
		},
	}
}

func TestPostConfirmBumpsPanel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bot, d, session := newTestBot(t)

	require.NoError(t, bot.db.SetGuildConfig(ctx, "g", "chan", ""))
	namedProfile(t, bot.db, "g", "u")

	d.handlePostConfirm(ctx, componentInteraction("g", "u"))

	// the public card goes up first, then the panel is re-posted so it
	// stays below the card
	require.Len(t, session.complex, 2)
	assert.Equal(t, "chan", session.complex[0].ChannelID)
	assert.Empty(
		t, session.complex[0].Data.Components,
		"first send is the public card",
	)
	assert.Equal(t, "chan", session.complex[1].ChannelID)
	assert.NotEmpty(
		t, session.complex[1].Data.Components,
		"second send is the interactive panel",
	)
	require.Len(t, session.plain, 1, "one update notice")

	cfg, err := bot.db.GetGuildConfig(ctx, "g")
	require.NoError(t, err)
	assert.NotZero(t, cfg.PanelMessageID, "re-posted panel is persisted")
}

func TestProfileSetupCleansUpPanelInPreviousChannel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bot, d, session := newTestBot(t)

	require.NoError(t, bot.db.SetGuildConfig(ctx, "g", "old-chan", ""))
	require.NoError(t, bot.db.SetPanelMessage(ctx, "g", 111))

	d.handleProfileSetup(ctx, setupInteraction("g", "admin", "new-chan"))

	// the old panel's deletion is queued where the panel actually lives
	var entries []ScheduledDelete
	require.NoError(t, bot.db.DB().Find(&entries).Error)
	require.Len(t, entries, 1)
	assert.Equal(t, "old-chan", entries[0].ChannelID)
	assert.Equal(t, int64(111), entries[0].MessageID)

	cfg, err := bot.db.GetGuildConfig(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, "new-chan", cfg.ChannelID)
	assert.NotZero(t, cfg.PanelMessageID)
	assert.NotEqual(t, int64(111), cfg.PanelMessageID)

	require.Len(t, session.complex, 1)
	assert.Equal(t, "new-chan", session.complex[0].ChannelID)
}
