package prompt

import (
	"strings"

	"chat-relay/internal/domain"
)

// DefaultImagePrompt anchors image-only messages so the upstream always
// receives some text.
const DefaultImagePrompt = "Describe this image."

// BuildUserTurn returns the content of a user turn. Without an image it is the
// plain text; with one it is [text, image], substituting DefaultImagePrompt
// when text is empty.
func BuildUserTurn(text string, img *domain.Image) domain.Content {
	text = strings.TrimSpace(text)
	if img == nil {
		return domain.TextContent(text)
	}
	if text == "" {
		text = DefaultImagePrompt
	}
	return domain.Content{Parts: []domain.Part{
		{Type: domain.PartText, Text: text},
		{Type: domain.PartImage, Image: img},
	}}
}

// AnchorText is the text recorded in session history for a user message. For
// image messages it is the text anchor that accompanied the picture.
func AnchorText(text string, img *domain.Image) string {
	text = strings.TrimSpace(text)
	if img != nil && text == "" {
		return DefaultImagePrompt
	}
	return text
}

// BuildPayload returns the upstream message list for history, which must start
// with the system directive. When img is set, the content of the last user turn
// is upgraded to the multi-part form. history itself is never modified.
func BuildPayload(history []domain.Turn, img *domain.Image) []domain.Turn {
	out := make([]domain.Turn, len(history))
	copy(out, history)
	if img == nil {
		return out
	}
	for i := len(out) - 1; i > 0; i-- {
		if out[i].Role != domain.RoleUser {
			continue
		}
		out[i].Content = BuildUserTurn(out[i].Content.PlainText(), img)
		break
	}
	return out
}
