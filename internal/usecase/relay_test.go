package usecase

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-relay/internal/domain"
	"chat-relay/internal/integrations/openai"
	"chat-relay/internal/ratelimit"
	"chat-relay/internal/session"
)

type completion struct {
	answer string
	err    error
}

type fakeStream struct {
	deltas []string
	err    error
	i      int
	cur    string
	closed bool
}

func (f *fakeStream) Next() bool {
	if f.i >= len(f.deltas) {
		return false
	}
	f.cur = f.deltas[f.i]
	f.i++
	return true
}

func (f *fakeStream) Delta() string { return f.cur }

func (f *fakeStream) Err() error {
	if f.i >= len(f.deltas) {
		return f.err
	}
	return nil
}

func (f *fakeStream) Close() error {
	f.closed = true
	return nil
}

type mockLLM struct {
	credErr   error
	responses []completion
	stream    *fakeStream
	streamErr error

	callCount   int
	lastModel   string
	lastPayload []domain.Turn
}

func (m *mockLLM) CheckCredential(context.Context) error { return m.credErr }

func (m *mockLLM) Complete(_ context.Context, model string, msgs []domain.Turn) (string, error) {
	m.lastModel = model
	m.lastPayload = msgs
	if len(m.responses) == 0 {
		m.callCount++
		return "", errors.New("no llm response configured")
	}
	idx := m.callCount
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	m.callCount++
	return m.responses[idx].answer, m.responses[idx].err
}

func (m *mockLLM) Stream(_ context.Context, model string, msgs []domain.Turn) (TokenStream, error) {
	m.callCount++
	m.lastModel = model
	m.lastPayload = msgs
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	return m.stream, nil
}

func reply(answer string) *mockLLM {
	return &mockLLM{responses: []completion{{answer: answer}}}
}

type mockTranscripts struct {
	entries []domain.TranscriptEntry
	resets  []string
	err     error
}

func (m *mockTranscripts) SaveTranscript(_ context.Context, e domain.TranscriptEntry) error {
	m.entries = append(m.entries, e)
	return m.err
}

func (m *mockTranscripts) MarkReset(_ context.Context, id string) error {
	m.resets = append(m.resets, id)
	return m.err
}

func testEntry(sessionID, question, answer, mode, model string, partial bool, turns int) domain.TranscriptEntry {
	return domain.TranscriptEntry{
		SessionID: sessionID, Question: question, Answer: answer,
		Mode: mode, Model: model, Partial: partial, Turns: turns,
	}
}

type harness struct {
	svc         *RelayService
	llm         *mockLLM
	sessions    *session.Store
	limiter     *ratelimit.Limiter
	transcripts *mockTranscripts
}

func newHarness(t *testing.T, llm *mockLLM, cfg Config, limit int) *harness {
	t.Helper()
	if cfg.Model == "" {
		cfg.Model = "llama3-8b-8192"
	}
	h := &harness{
		llm:         llm,
		sessions:    session.NewStore(20),
		limiter:     ratelimit.New(limit, time.Minute),
		transcripts: &mockTranscripts{},
	}
	svc, err := NewRelayService(llm, h.sessions, h.limiter, cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithTranscripts(h.transcripts, testEntry),
	)
	require.NoError(t, err)
	h.svc = svc
	return h
}

func expectRelayError(t *testing.T, err error, code ErrorCode, reason string) *Error {
	t.Helper()
	var relayErr *Error
	require.ErrorAs(t, err, &relayErr)
	require.Equal(t, code, relayErr.Code)
	if reason != "" {
		require.Equal(t, reason, relayErr.Reason)
	}
	return relayErr
}

var pngBytes = []byte("\x89PNG\r\n\x1a\n" + "pixels")

func pngDataURL() string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes)
}

func TestNewRelayService_ValidatesDependencies(t *testing.T) {
	store := session.NewStore(20)
	lim := ratelimit.New(20, time.Minute)
	cfg := Config{Model: "m"}

	_, err := NewRelayService(nil, store, lim, cfg)
	require.Error(t, err)
	_, err = NewRelayService(reply("x"), nil, lim, cfg)
	require.Error(t, err)
	_, err = NewRelayService(reply("x"), store, nil, cfg)
	require.Error(t, err)
	_, err = NewRelayService(reply("x"), store, lim, Config{})
	require.Error(t, err)
	_, err = NewRelayService(reply("x"), store, lim, cfg)
	require.NoError(t, err)
}

func TestChat_HelloDefaultSession(t *testing.T) {
	h := newHarness(t, reply("**Hi!** How can I help?"), Config{}, 20)

	out, err := h.svc.Chat(context.Background(), ChatInput{Message: "Hello"})
	require.NoError(t, err)
	require.Equal(t, "default", out.SessionID)
	require.Equal(t, "Hi! How can I help?", out.Reply)

	history := h.sessions.History("default")
	require.Len(t, history, 3)
	require.Equal(t, domain.RoleSystem, history[0].Role)
	require.Contains(t, history[0].Content.Text, "Mode: general assistant.")
	require.Equal(t, domain.RoleUser, history[1].Role)
	require.Equal(t, "Hello", history[1].Content.Text)
	require.Equal(t, domain.RoleAssistant, history[2].Role)
	require.Equal(t, "Hi! How can I help?", history[2].Content.Text)

	require.Equal(t, "llama3-8b-8192", h.llm.lastModel)
	require.Len(t, h.llm.lastPayload, 2)

	require.Len(t, h.transcripts.entries, 1)
	e := h.transcripts.entries[0]
	require.Equal(t, "default", e.SessionID)
	require.Equal(t, "Hello", e.Question)
	require.Equal(t, "Hi! How can I help?", e.Answer)
	require.Equal(t, "general", e.Mode)
	require.False(t, e.Partial)
	require.Equal(t, 2, e.Turns)
}

func TestChat_DirectiveFollowsLatestRequest(t *testing.T) {
	h := newHarness(t, reply("ok"), Config{}, 20)
	ctx := context.Background()

	_, err := h.svc.Chat(ctx, ChatInput{SessionID: "s1", Message: "one", Mode: "code"})
	require.NoError(t, err)
	_, err = h.svc.Chat(ctx, ChatInput{SessionID: "s1", Message: "two", Mode: "translate", PreferredLang: "Deutsch"})
	require.NoError(t, err)

	history := h.sessions.History("s1")
	require.Len(t, history, 5)
	require.Contains(t, history[0].Content.Text, "Mode: translator.")
	require.Contains(t, history[0].Content.Text, "Respond in Deutsch.")
	require.Equal(t, 1, strings.Count(history[0].Content.Text, "Mode:"))
}

func TestChat_ValidationErrors(t *testing.T) {
	h := newHarness(t, reply("unused"), Config{MaxMessageLen: 10}, 20)

	_, err := h.svc.Chat(context.Background(), ChatInput{Message: "   "})
	expectRelayError(t, err, ErrorEmptyInput, "empty_message")

	out, err := h.svc.Chat(context.Background(), ChatInput{SessionID: "s", Message: strings.Repeat("x", 11)})
	expectRelayError(t, err, ErrorInvalidInput, "message_too_long")
	require.Equal(t, "s", out.SessionID)

	require.Zero(t, h.llm.callCount)
	require.Zero(t, h.sessions.Len())
	require.Equal(t, 20, h.limiter.Remaining("s"), "rejected input must not consume rate budget")
}

func TestChat_MissingCredential(t *testing.T) {
	llm := reply("unused")
	llm.credErr = openai.ErrMissingCredential
	h := newHarness(t, llm, Config{}, 20)

	_, err := h.svc.Chat(context.Background(), ChatInput{Message: "hi"})
	ue := expectRelayError(t, err, ErrorMissingCredential, "")
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(ue.Code))
	require.Zero(t, h.llm.callCount)
}

func TestChat_RateLimited(t *testing.T) {
	h := newHarness(t, reply("ok"), Config{}, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.svc.Chat(ctx, ChatInput{SessionID: "s", Message: "hi"})
		require.NoError(t, err)
	}
	_, err := h.svc.Chat(ctx, ChatInput{SessionID: "s", Message: "hi"})
	expectRelayError(t, err, ErrorRateLimited, "session_rate_limited")
	require.Equal(t, 3, h.llm.callCount)
	require.Len(t, h.sessions.History("s"), 7)

	_, err = h.svc.Chat(ctx, ChatInput{SessionID: "other", Message: "hi"})
	require.NoError(t, err, "rate windows are per session")
}

func TestChat_VisionUnavailable(t *testing.T) {
	h := newHarness(t, reply("unused"), Config{}, 20)

	_, err := h.svc.Chat(context.Background(), ChatInput{SessionID: "v", ImageData: pngDataURL()})
	ue := expectRelayError(t, err, ErrorVisionUnavailable, "no_vision_model")
	require.Equal(t, VisionUnavailableReply, ue.Message())
	require.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(ue.Code))
	require.Zero(t, h.llm.callCount)
	require.Nil(t, h.sessions.History("v"))
}

func TestChat_ImageUsesVisionModel(t *testing.T) {
	h := newHarness(t, reply("A tiny PNG."), Config{VisionModel: "llava"}, 20)

	out, err := h.svc.Chat(context.Background(), ChatInput{SessionID: "v", ImageData: pngDataURL()})
	require.NoError(t, err)
	require.Equal(t, "A tiny PNG.", out.Reply)
	require.Equal(t, "llava", h.llm.lastModel)

	last := h.llm.lastPayload[len(h.llm.lastPayload)-1]
	require.True(t, last.Content.IsMultipart())
	require.Equal(t, "Describe this image.", last.Content.Parts[0].Text)
	require.Equal(t, pngBytes, last.Content.Parts[1].Image.Data)

	history := h.sessions.History("v")
	require.Len(t, history, 3)
	require.False(t, history[1].Content.IsMultipart(), "image bytes are not kept in history")
	require.Equal(t, "Describe this image.", history[1].Content.Text)
}

func TestChat_ImageRejected(t *testing.T) {
	h := newHarness(t, reply("unused"), Config{VisionModel: "llava", MaxImageBytes: 4}, 20)

	gif := "data:image/gif;base64," + base64.StdEncoding.EncodeToString([]byte("GIF89a...."))
	_, err := h.svc.Chat(context.Background(), ChatInput{ImageData: gif})
	expectRelayError(t, err, ErrorUnsupportedMediaType, "image_rejected")

	_, err = h.svc.Chat(context.Background(), ChatInput{ImageData: pngDataURL()})
	ue := expectRelayError(t, err, ErrorPayloadTooLarge, "image_too_large")
	require.Equal(t, http.StatusRequestEntityTooLarge, HTTPStatus(ue.Code))
	require.Zero(t, h.llm.callCount)
}

func TestChat_Upstream429KeepsUserTurn(t *testing.T) {
	llm := &mockLLM{responses: []completion{{err: &openai.UpstreamError{
		Kind: openai.KindHTTP, StatusCode: 429, Detail: "rate limited upstream",
	}}}}
	h := newHarness(t, llm, Config{}, 20)

	_, err := h.svc.Chat(context.Background(), ChatInput{SessionID: "s", Message: "hi"})
	ue := expectRelayError(t, err, ErrorUpstreamHTTP, "upstream_status")
	require.Equal(t, 429, ue.Status)
	require.Equal(t, "rate limited upstream", ue.Detail)
	require.Equal(t, "Upstream HTTP 429: rate limited upstream", ue.Message())
	require.Equal(t, http.StatusBadGateway, HTTPStatus(ue.Code))

	history := h.sessions.History("s")
	require.Len(t, history, 2)
	require.Equal(t, domain.RoleUser, history[1].Role)
	require.Empty(t, h.transcripts.entries)
}

func TestChat_UpstreamErrorKinds(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		code   ErrorCode
		status int
	}{
		{"timeout", &openai.UpstreamError{Kind: openai.KindTimeout}, ErrorUpstreamTimeout, http.StatusGatewayTimeout},
		{"network", &openai.UpstreamError{Kind: openai.KindNetwork}, ErrorUpstreamNetwork, http.StatusBadGateway},
		{"malformed", &openai.UpstreamError{Kind: openai.KindMalformed}, ErrorUpstreamMalformed, http.StatusBadGateway},
		{"credential", openai.ErrMissingCredential, ErrorMissingCredential, http.StatusInternalServerError},
		{"unexpected", errors.New("boom"), ErrorInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, &mockLLM{responses: []completion{{err: tc.err}}}, Config{}, 20)
			_, err := h.svc.Chat(context.Background(), ChatInput{Message: "hi"})
			ue := expectRelayError(t, err, tc.code, "")
			require.Equal(t, tc.status, HTTPStatus(ue.Code))
			require.NotEmpty(t, ue.Message())
		})
	}
}

func TestChat_TranscriptFailureIsNotSurfaced(t *testing.T) {
	h := newHarness(t, reply("fine"), Config{}, 20)
	h.transcripts.err = errors.New("dynamo down")

	out, err := h.svc.Chat(context.Background(), ChatInput{Message: "hi"})
	require.NoError(t, err)
	require.Equal(t, "fine", out.Reply)
	require.Len(t, h.sessions.History("default"), 3)
}

func TestStream_RelaysDeltasAndStoresSanitizedReply(t *testing.T) {
	fs := &fakeStream{deltas: []string{"## Ti", "tle\n", "- **bold** point"}}
	h := newHarness(t, &mockLLM{stream: fs}, Config{}, 20)

	var got []string
	out, err := h.svc.Stream(context.Background(), ChatInput{SessionID: "ws", Message: "go"}, func(tok string) error {
		got = append(got, tok)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"## Ti", "tle\n", "- **bold** point"}, got)
	require.Equal(t, "Title\nbold point", out.Reply)
	require.True(t, fs.closed)

	history := h.sessions.History("ws")
	require.Len(t, history, 3)
	require.Equal(t, "Title\nbold point", history[2].Content.Text)
}

func TestStream_PartialReplyPersistedOnError(t *testing.T) {
	fs := &fakeStream{
		deltas: []string{"Partial ", "answer"},
		err:    &openai.UpstreamError{Kind: openai.KindNetwork, Detail: "connection reset"},
	}
	h := newHarness(t, &mockLLM{stream: fs}, Config{}, 20)

	var got []string
	_, err := h.svc.Stream(context.Background(), ChatInput{SessionID: "ws", Message: "go"}, func(tok string) error {
		got = append(got, tok)
		return nil
	})
	expectRelayError(t, err, ErrorUpstreamNetwork, "")
	require.Len(t, got, 2)

	history := h.sessions.History("ws")
	require.Len(t, history, 3)
	require.Equal(t, "Partial answer", history[2].Content.Text)
	require.Len(t, h.transcripts.entries, 1)
	require.True(t, h.transcripts.entries[0].Partial)
}

func TestStream_NoDeltasNoAssistantTurn(t *testing.T) {
	fs := &fakeStream{err: &openai.UpstreamError{Kind: openai.KindTimeout}}
	h := newHarness(t, &mockLLM{stream: fs}, Config{}, 20)

	_, err := h.svc.Stream(context.Background(), ChatInput{SessionID: "ws", Message: "go"}, func(string) error { return nil })
	expectRelayError(t, err, ErrorUpstreamTimeout, "")
	require.Len(t, h.sessions.History("ws"), 2)
	require.Empty(t, h.transcripts.entries)
}

func TestStream_OpenError(t *testing.T) {
	llm := &mockLLM{streamErr: &openai.UpstreamError{Kind: openai.KindHTTP, StatusCode: 503, Detail: "overloaded"}}
	h := newHarness(t, llm, Config{}, 20)

	_, err := h.svc.Stream(context.Background(), ChatInput{Message: "go"}, func(string) error { return nil })
	ue := expectRelayError(t, err, ErrorUpstreamHTTP, "")
	require.Equal(t, 503, ue.Status)
	require.Len(t, h.sessions.History("default"), 2)
}

func TestStream_ClientGoneStopsRelay(t *testing.T) {
	fs := &fakeStream{deltas: []string{"one ", "two ", "three"}}
	h := newHarness(t, &mockLLM{stream: fs}, Config{}, 20)

	sent := 0
	_, err := h.svc.Stream(context.Background(), ChatInput{SessionID: "ws", Message: "go"}, func(string) error {
		sent++
		if sent == 2 {
			return errors.New("write: broken pipe")
		}
		return nil
	})
	expectRelayError(t, err, ErrorInternal, "relay_write_failed")
	require.Equal(t, 2, sent)
	require.True(t, fs.closed)

	history := h.sessions.History("ws")
	require.Equal(t, "one two", history[len(history)-1].Content.Text)
}

func TestStream_ResetDuringStreamSticks(t *testing.T) {
	llm := &mockLLM{
		stream:    &fakeStream{deltas: []string{"old ", "answer"}},
		responses: []completion{{answer: "fresh"}},
	}
	h := newHarness(t, llm, Config{}, 20)
	ctx := context.Background()

	first := true
	out, err := h.svc.Stream(ctx, ChatInput{SessionID: "s", Message: "go"}, func(string) error {
		if first {
			first = false
			h.svc.Reset(ctx, "s")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "old answer", out.Reply)
	require.Nil(t, h.sessions.History("s"))
	require.Zero(t, h.sessions.Len())
	require.Len(t, h.transcripts.entries, 1)
	require.Zero(t, h.transcripts.entries[0].Turns)

	_, err = h.svc.Chat(ctx, ChatInput{SessionID: "s", Message: "next"})
	require.NoError(t, err)
	history := h.sessions.History("s")
	require.Len(t, history, 3)
	require.Equal(t, domain.RoleUser, history[1].Role)
	require.Equal(t, "fresh", history[2].Content.Text)
	for _, turn := range history {
		require.NotEqual(t, "old answer", turn.Content.Text)
	}
}

func TestStream_VisionUnavailableNeverOpensStream(t *testing.T) {
	h := newHarness(t, &mockLLM{stream: &fakeStream{}}, Config{}, 20)
	called := false
	_, err := h.svc.Stream(context.Background(), ChatInput{ImageData: pngDataURL()}, func(string) error {
		called = true
		return nil
	})
	expectRelayError(t, err, ErrorVisionUnavailable, "")
	require.False(t, called)
	require.Zero(t, h.llm.callCount)
}

func TestReset_ClearsSessionAndRateWindow(t *testing.T) {
	h := newHarness(t, reply("ok"), Config{}, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.svc.Chat(ctx, ChatInput{SessionID: "r", Message: "hi"})
		require.NoError(t, err)
	}
	_, err := h.svc.Chat(ctx, ChatInput{SessionID: "r", Message: "hi"})
	expectRelayError(t, err, ErrorRateLimited, "")

	require.Equal(t, "r", h.svc.Reset(ctx, "r"))
	require.Nil(t, h.sessions.History("r"))
	require.Equal(t, 2, h.limiter.Remaining("r"))

	require.Equal(t, "r", h.svc.Reset(ctx, " r "))
	require.Equal(t, "default", h.svc.Reset(ctx, ""))
	require.Equal(t, []string{"r", "r", "default"}, h.transcripts.resets)

	_, err = h.svc.Chat(ctx, ChatInput{SessionID: "r", Message: "hi"})
	require.NoError(t, err)
	require.Len(t, h.sessions.History("r"), 3)
}

func TestSessionKey(t *testing.T) {
	require.Equal(t, "default", SessionKey(""))
	require.Equal(t, "default", SessionKey("   "))
	require.Equal(t, "abc", SessionKey(" abc "))
}

func TestAsError(t *testing.T) {
	require.Nil(t, AsError(nil))
	ue := AsError(errors.New("boom"))
	require.Equal(t, ErrorInternal, ue.Code)

	wrapped := AsError(errors.Join(errors.New("ctx"), newError(ErrorRateLimited, "x", nil)))
	require.Equal(t, ErrorRateLimited, wrapped.Code)
}
