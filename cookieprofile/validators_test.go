package cookieprofile

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainsLink(t *testing.T) {
	t.Parallel()

	linky := []string{
		"https://example.com",
		"check HTTP://EXAMPLE.COM out",
		"www.example.com",
		"discord.gg/abc123",
		"discord.com/invite/abc123",
		"bit.ly short",
		"example.com",
		"ドメインは example.jp です",
	}
	for _, v := range linky {
		assert.True(t, ContainsLink(v), "expected link detection: %q", v)
	}

	clean := []string{
		"",
		"こんにちは",
		"ゲームと読書が好きです。",
		"3.5時間寝ました",
	}
	for _, v := range clean {
		assert.False(t, ContainsLink(v), "false positive: %q", v)
	}
}

func TestContainsMention(t *testing.T) {
	t.Parallel()

	mentions := []string{
		"@everyone こんにちは",
		"hi @here",
		"<@123456789>",
		"<@!123456789>",
		"<@&987654321>",
	}
	for _, v := range mentions {
		assert.True(t, ContainsMention(v), "expected mention detection: %q", v)
	}

	clean := []string{
		"",
		"メール: at mark",
		"twitter@handle風の文字列",
	}
	for _, v := range clean {
		assert.False(t, ContainsMention(v), "false positive: %q", v)
	}
}

func TestFirstOverlongFieldCountsRunes(t *testing.T) {
	t.Parallel()
	limits := DefaultFieldLimits()

	// 32 Japanese characters fit exactly in the 32-rune name limit, even
	// though they're 96 bytes
	assert.Empty(
		t,
		limits.FirstOverlongField(
			ProfileFields{Name: strings.Repeat("あ", 32)},
		),
	)
	assert.Equal(
		t,
		fieldLabelName,
		limits.FirstOverlongField(
			ProfileFields{Name: strings.Repeat("あ", 33)},
		),
	)
	assert.Equal(
		t,
		fieldLabelCare,
		limits.FirstOverlongField(
			ProfileFields{Care: strings.Repeat("a", 81)},
		),
	)
}

func TestValidateProfileFields(t *testing.T) {
	t.Parallel()
	limits := DefaultFieldLimits()

	assert.Empty(
		t, limits.ValidateProfileFields(
			ProfileFields{
				Name:      "クッキー",
				Condition: "特になし",
				Hobby:     "ゲーム",
				Care:      "ゆっくり話してほしい",
				One:       "よろしくお願いします",
			},
		),
	)

	assert.Equal(
		t,
		"「名前」が長すぎます",
		limits.ValidateProfileFields(
			ProfileFields{Name: strings.Repeat("あ", 33)},
		),
	)
	assert.Equal(
		t,
		"リンクは入力できません",
		limits.ValidateProfileFields(
			ProfileFields{Name: "ok", Hobby: "https://example.com"},
		),
	)
	assert.Equal(
		t,
		"メンションは入力できません",
		limits.ValidateProfileFields(
			ProfileFields{Name: "ok", One: "@everyone"},
		),
	)
}
