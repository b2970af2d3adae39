package cookieprofile

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Profile fields are free text typed into a modal, so they get a
// conservative scrub before they can appear in a public embed: no links
// of any kind, no mention syntax, and per-field length caps.

var urlPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)https?://`),
	regexp.MustCompile(`(?i)\bwww\.`),
	regexp.MustCompile(`(?i)discord\.gg/\w+`),
	regexp.MustCompile(`(?i)discord\.com/invite/\w+`),
	regexp.MustCompile(`(?i)\bbit\.ly\b|\bt\.co\b|\bgoo\.gl\b`),
	// domain-ish (conservative)
	regexp.MustCompile(`(?i)\b[a-z0-9][a-z0-9\-]{0,62}\.[a-z]{2,}\b`),
}

var mentionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)@everyone`),
	regexp.MustCompile(`(?i)@here`),
	regexp.MustCompile(`<@!?\d+>`),
	regexp.MustCompile(`<@&\d+>`),
}

// FieldLimits caps each profile text field, counted in runes (the
// fields are predominantly Japanese).
type FieldLimits struct {
	Name      int `yaml:"name" mapstructure:"name" json:"name" binding:"min=1"`
	Condition int `yaml:"condition" mapstructure:"condition" json:"condition" binding:"min=1"`
	Hobby     int `yaml:"hobby" mapstructure:"hobby" json:"hobby" binding:"min=1"`
	Care      int `yaml:"care" mapstructure:"care" json:"care" binding:"min=1"`
	One       int `yaml:"one" mapstructure:"one" json:"one" binding:"min=1"`
}

// DefaultFieldLimits matches the reference deployment.
func DefaultFieldLimits() FieldLimits {
	return FieldLimits{
		Name:      32,
		Condition: 60,
		Hobby:     60,
		Care:      80,
		One:       60,
	}
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}

// ContainsLink reports whether the text looks like it carries a URL,
// invite, or bare domain.
func ContainsLink(text string) bool {
	t := trimmed(text)
	if t == "" {
		return false
	}
	for _, p := range urlPatterns {
		if p.MatchString(t) {
			return true
		}
	}
	return false
}

// ContainsMention reports whether the text carries mention syntax
// (@everyone/@here or user/role mention markup).
func ContainsMention(text string) bool {
	t := trimmed(text)
	if t == "" {
		return false
	}
	for _, p := range mentionPatterns {
		if p.MatchString(t) {
			return true
		}
	}
	return false
}

// fieldLabels are the user-facing (Japanese) labels, used both for the
// modal inputs and for naming the offending field in validation errors.
const (
	fieldLabelName      = "名前"
	fieldLabelCondition = "診断名/入場条件"
	fieldLabelHobby     = "趣味"
	fieldLabelCare      = "配慮して欲しい事"
	fieldLabelOne       = "自由に一言"
)

// FirstOverlongField returns the label of the first field exceeding its
// limit, or "" when all fields fit.
func (l FieldLimits) FirstOverlongField(fields ProfileFields) string {
	checks := []struct {
		label string
		value string
		limit int
	}{
		{fieldLabelName, fields.Name, l.Name},
		{fieldLabelCondition, fields.Condition, l.Condition},
		{fieldLabelHobby, fields.Hobby, l.Hobby},
		{fieldLabelCare, fields.Care, l.Care},
		{fieldLabelOne, fields.One, l.One},
	}
	for _, c := range checks {
		if utf8.RuneCountInString(c.value) > c.limit {
			return c.label
		}
	}
	return ""
}

// ValidateProfileFields runs the full scrub and returns a user-facing
// (Japanese) rejection reason, or "" when the fields are acceptable.
func (l FieldLimits) ValidateProfileFields(fields ProfileFields) string {
	if label := l.FirstOverlongField(fields); label != "" {
		return "「" + label + "」が長すぎます"
	}
	for _, v := range []string{
		fields.Name, fields.Condition, fields.Hobby, fields.Care, fields.One,
	} {
		if ContainsLink(v) {
			return "リンクは入力できません"
		}
		if ContainsMention(v) {
			return "メンションは入力できません"
		}
	}
	return ""
}
