package domain

import "encoding/base64"

// Role identifies the speaker of a Turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType discriminates the members of a multi-part Content.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// Image is an attached picture, already decoded and validated.
type Image struct {
	MIMEType string
	Data     []byte
}

// DataURL renders the image in data URL form.
func (i *Image) DataURL() string {
	return "data:" + i.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}

// Part is one element of a multi-part Content.
type Part struct {
	Type  PartType
	Text  string
	Image *Image
}

// Content is either plain text or an ordered list of parts. When Parts is
// non-empty it takes precedence over Text.
type Content struct {
	Text  string
	Parts []Part
}

// TextContent wraps plain text.
func TextContent(s string) Content {
	return Content{Text: s}
}

// IsMultipart reports whether the content carries parts.
func (c Content) IsMultipart() bool {
	return len(c.Parts) > 0
}

// PlainText returns the textual anchor of the content: the text itself, or the
// concatenated text parts of a multi-part content.
func (c Content) PlainText() string {
	if !c.IsMultipart() {
		return c.Text
	}
	var out string
	for _, p := range c.Parts {
		if p.Type != PartText || p.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p.Text
	}
	return out
}

// Turn is one provider-agnostic chat message. Turns are treated as immutable
// once appended to a session history.
type Turn struct {
	Role    Role
	Content Content
}
