package usecase

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrorEmptyInput           ErrorCode = "empty_input"
	ErrorInvalidInput         ErrorCode = "invalid_input"
	ErrorMissingCredential    ErrorCode = "missing_credential"
	ErrorRateLimited          ErrorCode = "rate_limited"
	ErrorUpstreamTimeout      ErrorCode = "upstream_timeout"
	ErrorUpstreamNetwork      ErrorCode = "upstream_network_error"
	ErrorUpstreamHTTP         ErrorCode = "upstream_http_error"
	ErrorUpstreamMalformed    ErrorCode = "upstream_malformed_response"
	ErrorVisionUnavailable    ErrorCode = "vision_unavailable"
	ErrorPayloadTooLarge      ErrorCode = "payload_too_large"
	ErrorUnsupportedMediaType ErrorCode = "unsupported_media_type"
	ErrorInternal             ErrorCode = "internal_error"
)

// VisionUnavailableReply is the fixed reply for image messages when no
// vision-capable model is configured.
const VisionUnavailableReply = "Image analysis is not available right now. Please describe the image in text instead."

type Error struct {
	Code   ErrorCode
	Reason string
	// Status and Detail are set for ErrorUpstreamHTTP.
	Status int
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Message is the text shown to the user in place of a reply.
func (e *Error) Message() string {
	switch e.Code {
	case ErrorEmptyInput:
		return "Please write a message."
	case ErrorInvalidInput:
		return "Your message is too long. Please shorten it and try again."
	case ErrorMissingCredential:
		return "The assistant is not configured: the upstream API key is missing."
	case ErrorRateLimited:
		return "Too many requests. Please wait a moment and try again."
	case ErrorUpstreamTimeout:
		return "The assistant took too long to answer. Please try again."
	case ErrorUpstreamNetwork:
		return "Network error while contacting the assistant."
	case ErrorUpstreamHTTP:
		if e.Detail == "" {
			return fmt.Sprintf("Upstream HTTP %d", e.Status)
		}
		return fmt.Sprintf("Upstream HTTP %d: %s", e.Status, e.Detail)
	case ErrorUpstreamMalformed:
		return "The assistant returned an invalid response."
	case ErrorVisionUnavailable:
		return VisionUnavailableReply
	case ErrorPayloadTooLarge:
		return "The image is too large."
	case ErrorUnsupportedMediaType:
		return "Unsupported image type. Use JPEG, PNG or WebP."
	default:
		return "Something went wrong. Please try again."
	}
}

// HTTPStatus maps an error code to the status returned by the HTTP transports.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrorEmptyInput, ErrorInvalidInput:
		return http.StatusBadRequest
	case ErrorRateLimited:
		return http.StatusTooManyRequests
	case ErrorUpstreamTimeout:
		return http.StatusGatewayTimeout
	case ErrorUpstreamNetwork, ErrorUpstreamHTTP, ErrorUpstreamMalformed:
		return http.StatusBadGateway
	case ErrorVisionUnavailable:
		return http.StatusUnprocessableEntity
	case ErrorPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrorUnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusInternalServerError
	}
}

// AsError converts any error into an *Error, treating unknown errors as
// internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var target *Error
	if errors.As(err, &target) {
		return target
	}
	return newError(ErrorInternal, "unexpected", err)
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
