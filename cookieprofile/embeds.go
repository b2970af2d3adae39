package cookieprofile

import (
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
)

var stateColors = map[ProfileState]int{
	StateEnergetic: 0x57F287, // green
	StateNormal:    0x3498DB, // blue
	StateSlow:      0xFEE75C, // yellow
	StateTired:     0xED4245, // red
}

const (
	panelEmbedColor   = 0x95A5A6
	defaultEmbedColor = 0x3498DB
	unsetFieldText    = "（未設定）"
)

func fmtDate(ts int64) string {
	return time.UnixMilli(ts).Format("2006/01/02")
}

// safeField substitutes the "unset" placeholder for blank values, since
// Discord rejects empty embed field values.
func safeField(v string) string {
	if t := trimmed(v); t != "" {
		return t
	}
	return unsetFieldText
}

// profileCardContent is the message body accompanying a profile card
// embed. The mention is display-only; posting code suppresses mention
// pings via allowed-mentions.
func profileCardContent(userID string) string {
	return fmt.Sprintf("🍪Profile <@%s>", userID)
}

// buildPanelEmbed renders the sticky entry panel.
func buildPanelEmbed(states StateSet) *discordgo.MessageEmbed {
	labels := ""
	for i, s := range states.States {
		if i > 0 {
			labels += "」「"
		}
		labels += s.String()
	}
	return &discordgo.MessageEmbed{
		Title: "🍪Profile",
		Color: panelEmbedColor,
		Description: "- 「編集」ボタンでプロフィールを作成\n" +
			"- 体調や気分で「" + labels + "」を選択\n" +
			"- 「表示」ボタンでプレビューを確認\n" +
			"- 編集後のメッセージ（青色文章）を削除\n" +
			"- 入力制約：リンク禁止・メンション禁止・文字数制限あり",
	}
}

// buildProfileEmbed renders a member's profile card. The state is
// normalized against the configured set before it picks the color and
// footer, so stale or hand-edited rows still render something sane.
func buildProfileEmbed(
	states StateSet,
	displayName string,
	avatarURL string,
	profile *Profile,
) *discordgo.MessageEmbed {
	state := states.Normalize(profile.State)
	color, ok := stateColors[state]
	if !ok {
		color = defaultEmbedColor
	}

	emb := &discordgo.MessageEmbed{
		Title: fmt.Sprintf("%sさんのプロフィール", displayName),
		Color: color,
		Fields: []*discordgo.MessageEmbedField{
			{Name: fieldLabelName, Value: safeField(profile.Name)},
			{Name: fieldLabelCondition, Value: safeField(profile.Condition)},
			{Name: fieldLabelHobby, Value: safeField(profile.Hobby)},
			{Name: fieldLabelCare, Value: safeField(profile.Care)},
			{Name: fieldLabelOne, Value: safeField(profile.One)},
		},
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf(
				"状態：%s（更新：%s）",
				state, fmtDate(profile.StateUpdatedAt),
			),
		},
	}
	if avatarURL != "" {
		emb.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: avatarURL}
	}
	return emb
}
