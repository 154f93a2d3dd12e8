package sanitize

import (
	"regexp"
	"strings"
)

// Transform is a single text rewrite step.
type Transform func(string) string

var (
	fencedCodePattern  = regexp.MustCompile("(?s)```[^\\n`]*\\n?(.*?)```")
	inlineCodePattern  = regexp.MustCompile("`([^`\\n]*)`")
	linkPattern        = regexp.MustCompile(`!?\[([^\]\n]*)\]\([^)\n]*\)`)
	boldStarPattern    = regexp.MustCompile(`\*\*([^*\n]+?)\*\*`)
	boldUnderPattern   = regexp.MustCompile(`__([^_\n]+?)__`)
	italicStarPattern  = regexp.MustCompile(`(^|[^\w*])\*([^\s*](?:[^*\n]*[^\s*])?)\*`)
	italicUnderPattern = regexp.MustCompile(`(^|[^\w])_([^\s_](?:[^_\n]*[^\s_])?)_($|[^\w])`)
	headingPattern     = regexp.MustCompile(`(?m)^[ \t]*#{1,6}[ \t]+`)
	blockquotePattern  = regexp.MustCompile(`(?m)^(?:[ \t]*>[ \t]?)+`)
	listMarkerPattern  = regexp.MustCompile(`(?m)^[ \t]*(?:[-*+]|\d{1,3}[.)])[ \t]+`)
	blankRunPattern    = regexp.MustCompile(`\n{3,}`)
)

// Pipeline is the ordered list of transforms applied by Clean. The order
// matters: newline collapsing must run after structural tokens are gone.
var Pipeline = []Transform{
	StripFencedCode,
	StripInlineCode,
	StripLinks,
	StripEmphasis,
	StripHeadings,
	StripBlockquotes,
	StripListMarkers,
	CollapseBlankLines,
	strings.TrimSpace,
}

// Clean converts markdown-formatted model output into plain text. The pipeline
// is re-run until the output stops changing, which makes Clean idempotent even
// when removing one token exposes another (e.g. "- # Title"). Every transform
// only deletes characters, so the loop terminates.
func Clean(text string) string {
	out := text
	for {
		next := apply(out)
		if next == out {
			return out
		}
		out = next
	}
}

func apply(text string) string {
	for _, transform := range Pipeline {
		text = transform(text)
	}
	return text
}

// StripFencedCode removes ``` fences and their language tag, keeping the body.
func StripFencedCode(s string) string {
	return fencedCodePattern.ReplaceAllString(s, "$1")
}

// StripInlineCode removes single backtick markers.
func StripInlineCode(s string) string {
	return inlineCodePattern.ReplaceAllString(s, "$1")
}

// StripLinks replaces [label](url) and ![alt](url) with the label.
func StripLinks(s string) string {
	return linkPattern.ReplaceAllString(s, "$1")
}

// StripEmphasis removes bold and italic markers.
func StripEmphasis(s string) string {
	s = boldStarPattern.ReplaceAllString(s, "$1")
	s = boldUnderPattern.ReplaceAllString(s, "$1")
	s = italicStarPattern.ReplaceAllString(s, "$1$2")
	return italicUnderPattern.ReplaceAllString(s, "$1$2$3")
}

// StripHeadings removes leading # markers.
func StripHeadings(s string) string {
	return headingPattern.ReplaceAllString(s, "")
}

// StripBlockquotes removes leading > markers, nested ones included.
func StripBlockquotes(s string) string {
	return blockquotePattern.ReplaceAllString(s, "")
}

// StripListMarkers removes bullet and numbered list markers.
func StripListMarkers(s string) string {
	return listMarkerPattern.ReplaceAllString(s, "")
}

// CollapseBlankLines squeezes three or more newlines into exactly two.
func CollapseBlankLines(s string) string {
	return blankRunPattern.ReplaceAllString(s, "\n\n")
}
