package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/protocol"
	"chat-relay/internal/usecase"
)

type stubRelay struct {
	out    usecase.ChatOutput
	err    error
	in     usecase.ChatInput
	resets []string
}

func (s *stubRelay) Chat(_ context.Context, in usecase.ChatInput) (usecase.ChatOutput, error) {
	s.in = in
	out := s.out
	if out.SessionID == "" {
		out.SessionID = usecase.SessionKey(in.SessionID)
	}
	return out, s.err
}

func (s *stubRelay) Reset(_ context.Context, sessionID string) string {
	key := usecase.SessionKey(sessionID)
	s.resets = append(s.resets, key)
	return key
}

func makeEvent(path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       path,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func mustHandler(t *testing.T, relay ChatRelay, opts ...Option) *Handler {
	t.Helper()
	h, err := NewHandler(relay, opts...)
	require.NoError(t, err)
	return h
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestHandle_HappyPath(t *testing.T) {
	relay := &stubRelay{out: usecase.ChatOutput{Reply: "hello", SessionID: "s-1"}}
	h := mustHandler(t, relay)

	resp, err := h.Handle(context.Background(), makeEvent("/chat", `{"message":"Hi","session_id":"s-1","preferred_lang":"Deutsch","mode":"coding"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.ChatInput{Message: "Hi", SessionID: "s-1", PreferredLang: "Deutsch", Mode: "coding"}, relay.in)

	out := parseBody[protocol.ChatResponse](t, resp.Body)
	require.Equal(t, "hello", out.Reply)
	require.Equal(t, "s-1", out.SessionID)
	require.Empty(t, out.Code)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
	require.Equal(t, "*", resp.Headers["Access-Control-Allow-Origin"])
}

func TestHandle_StagePrefix(t *testing.T) {
	relay := &stubRelay{out: usecase.ChatOutput{Reply: "ok"}}
	h := mustHandler(t, relay)

	resp, err := h.Handle(context.Background(), makeEvent("/prod/chat/", `{"message":"Hi"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandle_InvalidBodyIsEmptyInput(t *testing.T) {
	relay := &stubRelay{err: &usecase.Error{Code: usecase.ErrorEmptyInput, Reason: "empty_message"}}
	h := mustHandler(t, relay)

	resp, err := h.Handle(context.Background(), makeEvent("/chat", `not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, usecase.ChatInput{}, relay.in)

	out := parseBody[protocol.ChatResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorEmptyInput), out.Code)
	require.Equal(t, "default", out.SessionID)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "empty input", err: &usecase.Error{Code: usecase.ErrorEmptyInput}, status: http.StatusBadRequest, code: string(usecase.ErrorEmptyInput)},
		{name: "too long", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "message_too_long"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "missing credential", err: &usecase.Error{Code: usecase.ErrorMissingCredential}, status: http.StatusInternalServerError, code: string(usecase.ErrorMissingCredential)},
		{name: "rate limited", err: &usecase.Error{Code: usecase.ErrorRateLimited}, status: http.StatusTooManyRequests, code: string(usecase.ErrorRateLimited)},
		{name: "timeout", err: &usecase.Error{Code: usecase.ErrorUpstreamTimeout}, status: http.StatusGatewayTimeout, code: string(usecase.ErrorUpstreamTimeout)},
		{name: "network", err: &usecase.Error{Code: usecase.ErrorUpstreamNetwork}, status: http.StatusBadGateway, code: string(usecase.ErrorUpstreamNetwork)},
		{name: "upstream http", err: &usecase.Error{Code: usecase.ErrorUpstreamHTTP, Status: 500}, status: http.StatusBadGateway, code: string(usecase.ErrorUpstreamHTTP)},
		{name: "malformed", err: &usecase.Error{Code: usecase.ErrorUpstreamMalformed}, status: http.StatusBadGateway, code: string(usecase.ErrorUpstreamMalformed)},
		{name: "vision", err: &usecase.Error{Code: usecase.ErrorVisionUnavailable}, status: http.StatusUnprocessableEntity, code: string(usecase.ErrorVisionUnavailable)},
		{name: "too large", err: &usecase.Error{Code: usecase.ErrorPayloadTooLarge}, status: http.StatusRequestEntityTooLarge, code: string(usecase.ErrorPayloadTooLarge)},
		{name: "media type", err: &usecase.Error{Code: usecase.ErrorUnsupportedMediaType}, status: http.StatusUnsupportedMediaType, code: string(usecase.ErrorUnsupportedMediaType)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := mustHandler(t, &stubRelay{err: tc.err})

			resp, err := h.Handle(context.Background(), makeEvent("/chat", `{"message":"Hi"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[protocol.ChatResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Code)
			require.Equal(t, usecase.AsError(tc.err).Message(), out.Reply)
		})
	}
}

func TestHandle_Reset(t *testing.T) {
	relay := &stubRelay{}
	h := mustHandler(t, relay)

	resp, err := h.Handle(context.Background(), makeEvent("/reset", `{"session_id":"s-9"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := parseBody[protocol.ResetResponse](t, resp.Body)
	require.Equal(t, "ok", out.Status)
	require.Equal(t, "s-9", out.SessionID)

	_, err = h.Handle(context.Background(), makeEvent("/reset", ``))
	require.NoError(t, err)
	require.Equal(t, []string{"s-9", "default"}, relay.resets)
}

func TestHandle_StatusPreflightAndUnknown(t *testing.T) {
	h := mustHandler(t, &stubRelay{}, WithProvider("openai"))

	ev := makeEvent("/", "")
	ev.HTTPMethod = http.MethodGet
	resp, err := h.Handle(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, statusResponse{Status: "ok", Service: "ChatAI World API", Provider: "openai"}, parseBody[statusResponse](t, resp.Body))

	ev = makeEvent("/chat", "")
	ev.HTTPMethod = http.MethodOptions
	resp, err = h.Handle(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Empty(t, resp.Body)

	ev = makeEvent("/chat", "")
	ev.HTTPMethod = http.MethodGet
	resp, err = h.Handle(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h := mustHandler(t, &stubRelay{out: usecase.ChatOutput{Reply: "ok"}})

	event := makeEvent("/chat", `{"message":"Hi"}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}
