package prompt

import (
	"fmt"
	"strings"
)

// Mode selects the behaviour block of the system directive.
type Mode string

const (
	ModeGeneral   Mode = "general"
	ModeStudy     Mode = "study"
	ModeCode      Mode = "code"
	ModeContent   Mode = "content"
	ModeTranslate Mode = "translate"
)

const assistantName = "ChatAI World"

var modeBlocks = map[Mode]string{
	ModeGeneral: strings.Join([]string{
		"Mode: general assistant.",
		"Answer clearly and concisely. Prefer short paragraphs over long lists.",
	}, "\n"),
	ModeStudy: strings.Join([]string{
		"Mode: study tutor.",
		"Explain concepts step by step, check understanding with a short question at the end,",
		"and give one concrete example for every abstract idea.",
	}, "\n"),
	ModeCode: strings.Join([]string{
		"Mode: programming assistant.",
		"Give working code first, then a brief explanation. Point out edge cases and errors.",
	}, "\n"),
	ModeContent: strings.Join([]string{
		"Mode: content writer.",
		"Produce ready-to-publish text with a clear structure and an engaging tone.",
	}, "\n"),
	ModeTranslate: strings.Join([]string{
		"Mode: translator.",
		"Translate the user's text faithfully, keeping tone and formatting. Do not add commentary.",
	}, "\n"),
}

// ParseMode normalizes a caller-supplied mode, falling back to general.
func ParseMode(raw string) Mode {
	m := Mode(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := modeBlocks[m]; ok {
		return m
	}
	return ModeGeneral
}

// BuildDirective renders the system directive for a language hint and mode.
func BuildDirective(languageHint, mode string) string {
	m := ParseMode(mode)
	return strings.Join([]string{
		fmt.Sprintf("You are %s, a helpful and clear assistant.", assistantName),
		"",
		modeBlocks[m],
		"",
		languageRule(languageHint),
		"Write plain text suitable for simple chat displays.",
	}, "\n")
}

func languageRule(hint string) string {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return "Respond in the user's language."
	}
	return fmt.Sprintf("Respond in %s.", hint)
}
