package prompt

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"chat-relay/internal/domain"
)

// DefaultMaxImageBytes is the decoded size cap for attached images.
const DefaultMaxImageBytes = 5 << 20

var (
	ErrImageTooLarge    = errors.New("prompt: image exceeds size limit")
	ErrUnsupportedImage = errors.New("prompt: unsupported image type")
)

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

// DecodeImage parses a data URL ("data:image/png;base64,...") or bare base64
// payload. The MIME type is sniffed from the bytes; a declared type outside
// the allow-list is rejected even when the bytes would pass.
func DecodeImage(raw string, maxBytes int) (*domain.Image, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxImageBytes
	}
	declared, payload, err := splitDataURL(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if declared != "" && !allowedImageTypes[declared] {
		return nil, fmt.Errorf("%w: declared %s", ErrUnsupportedImage, declared)
	}
	if base64.StdEncoding.DecodedLen(len(payload)) > maxBytes+3 {
		return nil, ErrImageTooLarge
	}

	data, err := decodeBase64(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	if len(data) > maxBytes {
		return nil, ErrImageTooLarge
	}

	sniffed := http.DetectContentType(data)
	if !allowedImageTypes[sniffed] {
		return nil, fmt.Errorf("%w: detected %s", ErrUnsupportedImage, sniffed)
	}
	return &domain.Image{MIMEType: sniffed, Data: data}, nil
}

func splitDataURL(raw string) (mime, payload string, err error) {
	if !strings.HasPrefix(raw, "data:") {
		return "", raw, nil
	}
	header, body, ok := strings.Cut(raw, ",")
	if !ok {
		return "", "", fmt.Errorf("%w: malformed data URL", ErrUnsupportedImage)
	}
	header = strings.TrimPrefix(header, "data:")
	params := strings.Split(header, ";")
	if !strings.EqualFold(params[len(params)-1], "base64") {
		return "", "", fmt.Errorf("%w: data URL is not base64", ErrUnsupportedImage)
	}
	return strings.ToLower(strings.TrimSpace(params[0])), body, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, s)
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
