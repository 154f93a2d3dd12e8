package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

// Kind classifies an upstream failure.
type Kind string

const (
	KindTimeout   Kind = "timeout"
	KindNetwork   Kind = "network"
	KindHTTP      Kind = "http_error"
	KindMalformed Kind = "malformed_response"
)

const maxDetailBytes = 300

// UpstreamError is returned for every failure talking to the completion
// endpoint. StatusCode is set only for KindHTTP.
type UpstreamError struct {
	Kind       Kind
	StatusCode int
	Detail     string
	URL        string
	Err        error
}

func (e *UpstreamError) Error() string {
	switch e.Kind {
	case KindHTTP:
		return fmt.Sprintf("openai: upstream status %d from %s: %s", e.StatusCode, e.URL, e.Detail)
	default:
		if e.Err != nil {
			return fmt.Sprintf("openai: %s (%s): %v", e.Kind, e.Detail, e.Err)
		}
		return fmt.Sprintf("openai: %s: %s", e.Kind, e.Detail)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// HTTPStatusCode returns the upstream HTTP status, or 0 for non-HTTP failures.
func (e *UpstreamError) HTTPStatusCode() int { return e.StatusCode }

// KindOf reports the Kind of err, or "" if err is not an *UpstreamError.
func KindOf(err error) Kind {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return ""
}

// statusError reads at most a small prefix of the body and builds a KindHTTP
// error.
func statusError(res *http.Response, url string) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	return &UpstreamError{
		Kind:       KindHTTP,
		StatusCode: res.StatusCode,
		Detail:     errorDetail(body),
		URL:        url,
	}
}

// errorDetail returns error.message from a JSON object body, which is empty
// when the object carries no message. Bodies that are not a JSON object, or
// whose error member is not an object, are returned raw and truncated.
func errorDetail(body []byte) string {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		return truncateDetail(body)
	}
	rawErr, ok := payload["error"]
	if !ok {
		return ""
	}
	var errObj map[string]json.RawMessage
	if err := json.Unmarshal(rawErr, &errObj); err != nil || errObj == nil {
		return truncateDetail(body)
	}
	rawMsg, ok := errObj["message"]
	if !ok {
		return ""
	}
	var msg string
	if err := json.Unmarshal(rawMsg, &msg); err != nil {
		return string(rawMsg)
	}
	return msg
}

func truncateDetail(body []byte) string {
	if len(body) > maxDetailBytes {
		body = body[:maxDetailBytes]
	}
	return string(body)
}

func classifyTransportError(url string, err error) error {
	if isTimeout(err) {
		return &UpstreamError{Kind: KindTimeout, URL: url, Detail: "request timed out", Err: err}
	}
	return &UpstreamError{Kind: KindNetwork, URL: url, Detail: "request failed", Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
