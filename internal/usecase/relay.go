package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"chat-relay/internal/domain"
	"chat-relay/internal/prompt"
	"chat-relay/internal/ratelimit"
	"chat-relay/internal/sanitize"
	"chat-relay/internal/session"
)

const (
	DefaultSessionID  = "default"
	defaultMaxMessage = 4000
	transcriptTimeout = 5 * time.Second

	transportSync   = "sync"
	transportStream = "stream"
	outcomeOK       = "ok"
	outcomePartial  = "partial"
)

type TranscriptWriter interface {
	SaveTranscript(ctx context.Context, entry domain.TranscriptEntry) error
	MarkReset(ctx context.Context, sessionID string) error
}

// Metrics receives relay events. observability.Metrics implements it.
type Metrics interface {
	ObserveRequest(transport, outcome string)
	ObserveUpstream(model, outcome string, d time.Duration)
	RateLimitHit()
	StreamedTokens(n int)
	SetActiveSessions(n int)
}

// NewEntryFunc builds the archive record for a finished exchange.
type NewEntryFunc func(sessionID, question, answer, mode, model string, partial bool, turns int) domain.TranscriptEntry

type Config struct {
	Model         string
	VisionModel   string
	MaxMessageLen int
	MaxImageBytes int
}

type RelayService struct {
	llm         LLMClient
	sessions    *session.Store
	limiter     *ratelimit.Limiter
	transcripts TranscriptWriter
	newEntry    NewEntryFunc
	metrics     Metrics
	logger      *slog.Logger
	cfg         Config
}

type Option func(*RelayService)

func WithMetrics(m Metrics) Option {
	return func(s *RelayService) {
		if m != nil {
			s.metrics = m
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *RelayService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTranscripts archives every finished exchange through w, building
// records with newEntry.
func WithTranscripts(w TranscriptWriter, newEntry NewEntryFunc) Option {
	return func(s *RelayService) {
		s.transcripts = w
		s.newEntry = newEntry
	}
}

type ChatInput struct {
	SessionID     string
	Message       string
	PreferredLang string
	Mode          string
	ImageData     string
}

type ChatOutput struct {
	Reply     string
	SessionID string
}

func NewRelayService(llm LLMClient, sessions *session.Store, limiter *ratelimit.Limiter, cfg Config, opts ...Option) (*RelayService, error) {
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if sessions == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if limiter == nil {
		return nil, errors.New("usecase: rate limiter must not be nil")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("usecase: model must not be empty")
	}
	if cfg.MaxMessageLen <= 0 {
		cfg.MaxMessageLen = defaultMaxMessage
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = prompt.DefaultMaxImageBytes
	}
	s := &RelayService{
		llm:      llm,
		sessions: sessions,
		limiter:  limiter,
		metrics:  nopMetrics{},
		logger:   slog.Default(),
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SessionKey returns the key used for a caller-supplied session id.
func SessionKey(raw string) string {
	if id := strings.TrimSpace(raw); id != "" {
		return id
	}
	return DefaultSessionID
}

// exchange is a request that passed every check and whose user turn is
// already recorded.
type exchange struct {
	key      string
	mode     prompt.Mode
	question string
	model    string
	payload  []domain.Turn
	start    time.Time
}

// Chat relays one message and waits for the complete reply.
func (s *RelayService) Chat(ctx context.Context, in ChatInput) (ChatOutput, error) {
	key := SessionKey(in.SessionID)
	ex, err := s.prepare(ctx, key, in)
	if err != nil {
		return s.fail(transportSync, key, err)
	}

	raw, err := s.llm.Complete(ctx, ex.model, ex.payload)
	if err != nil {
		s.metrics.ObserveUpstream(ex.model, upstreamOutcome(err), time.Since(ex.start))
		return s.fail(transportSync, key, classifyUpstream(err))
	}
	s.metrics.ObserveUpstream(ex.model, outcomeOK, time.Since(ex.start))

	reply := s.finish(ctx, ex, raw, false)
	s.metrics.ObserveRequest(transportSync, outcomeOK)
	return ChatOutput{Reply: reply, SessionID: key}, nil
}

// Stream relays one message, calling onToken once per upstream delta in
// arrival order. Deltas are forwarded as received; the sanitized full reply
// is what gets stored and returned. If the stream fails after at least one
// delta, the text received so far is stored as the assistant turn before the
// error is returned.
func (s *RelayService) Stream(ctx context.Context, in ChatInput, onToken func(string) error) (ChatOutput, error) {
	key := SessionKey(in.SessionID)
	ex, err := s.prepare(ctx, key, in)
	if err != nil {
		return s.fail(transportStream, key, err)
	}

	stream, err := s.llm.Stream(ctx, ex.model, ex.payload)
	if err != nil {
		s.metrics.ObserveUpstream(ex.model, upstreamOutcome(err), time.Since(ex.start))
		return s.fail(transportStream, key, classifyUpstream(err))
	}
	defer func() { _ = stream.Close() }()

	var (
		buf      strings.Builder
		deltas   int
		relayErr error
	)
	for stream.Next() {
		delta := stream.Delta()
		buf.WriteString(delta)
		deltas++
		if err := onToken(delta); err != nil {
			relayErr = newError(ErrorInternal, "relay_write_failed", err)
			break
		}
	}
	s.metrics.StreamedTokens(deltas)

	if relayErr == nil && stream.Err() != nil {
		s.metrics.ObserveUpstream(ex.model, upstreamOutcome(stream.Err()), time.Since(ex.start))
		relayErr = classifyUpstream(stream.Err())
	} else {
		s.metrics.ObserveUpstream(ex.model, outcomeOK, time.Since(ex.start))
	}

	if relayErr != nil {
		if deltas > 0 {
			s.finish(ctx, ex, buf.String(), true)
			s.metrics.ObserveRequest(transportStream, outcomePartial)
		}
		return s.fail(transportStream, key, relayErr)
	}

	reply := s.finish(ctx, ex, buf.String(), false)
	s.metrics.ObserveRequest(transportStream, outcomeOK)
	return ChatOutput{Reply: reply, SessionID: key}, nil
}

// Reset clears the session history and rate window. It is idempotent.
func (s *RelayService) Reset(ctx context.Context, sessionID string) string {
	key := SessionKey(sessionID)
	s.sessions.Reset(key)
	s.limiter.Reset(key)
	s.metrics.SetActiveSessions(s.sessions.Len())
	if s.transcripts != nil {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), transcriptTimeout)
		defer cancel()
		if err := s.transcripts.MarkReset(wctx, key); err != nil {
			s.logger.Warn("transcript reset write failed", "session_id", key, "err", err)
		}
	}
	return key
}

// prepare runs the checks that precede the upstream call and records the
// user turn. The session is left untouched when it fails.
func (s *RelayService) prepare(ctx context.Context, key string, in ChatInput) (*exchange, error) {
	text := strings.TrimSpace(in.Message)
	rawImage := strings.TrimSpace(in.ImageData)
	if text == "" && rawImage == "" {
		return nil, newError(ErrorEmptyInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(text) > s.cfg.MaxMessageLen {
		return nil, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	if err := s.llm.CheckCredential(ctx); err != nil {
		return nil, newError(ErrorMissingCredential, "no_api_key", err)
	}
	if !s.limiter.Admit(key) {
		s.metrics.RateLimitHit()
		return nil, newError(ErrorRateLimited, "session_rate_limited", nil)
	}

	var img *domain.Image
	if rawImage != "" {
		decoded, err := prompt.DecodeImage(rawImage, s.cfg.MaxImageBytes)
		if err != nil {
			return nil, classifyImage(err)
		}
		img = decoded
	}

	model := s.cfg.Model
	if img != nil {
		if strings.TrimSpace(s.cfg.VisionModel) == "" {
			return nil, newError(ErrorVisionUnavailable, "no_vision_model", nil)
		}
		model = s.cfg.VisionModel
	}

	mode := prompt.ParseMode(in.Mode)
	question := prompt.AnchorText(text, img)

	history := s.sessions.BeginTurn(key, prompt.BuildDirective(in.PreferredLang, string(mode)), domain.TextContent(question))
	s.metrics.SetActiveSessions(s.sessions.Len())

	return &exchange{
		key:      key,
		mode:     mode,
		question: question,
		model:    model,
		payload:  prompt.BuildPayload(history, img),
		start:    time.Now(),
	}, nil
}

// finish sanitizes the reply, appends it to the session and archives the
// exchange. A session reset while the reply was in flight stays reset. Archive
// failures are logged only.
func (s *RelayService) finish(ctx context.Context, ex *exchange, raw string, partial bool) string {
	reply := sanitize.Clean(raw)
	history := s.sessions.AppendAssistant(ex.key, domain.TextContent(reply))
	turns := max(len(history)-1, 0)

	if s.transcripts != nil && s.newEntry != nil {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), transcriptTimeout)
		defer cancel()
		entry := s.newEntry(ex.key, ex.question, reply, string(ex.mode), ex.model, partial, turns)
		if err := s.transcripts.SaveTranscript(wctx, entry); err != nil {
			s.logger.Warn("transcript write failed", "session_id", ex.key, "err", err)
		}
	}
	return reply
}

func (s *RelayService) fail(transport, key string, err error) (ChatOutput, error) {
	ue := AsError(err)
	s.metrics.ObserveRequest(transport, string(ue.Code))
	attrs := []any{"session_id", key, "code", ue.Code, "reason", ue.Reason}
	if ue.Err != nil {
		attrs = append(attrs, "err", ue.Err)
	}
	switch ue.Code {
	case ErrorEmptyInput, ErrorInvalidInput, ErrorRateLimited, ErrorVisionUnavailable,
		ErrorPayloadTooLarge, ErrorUnsupportedMediaType:
		s.logger.Info("relay request rejected", attrs...)
	default:
		s.logger.Error("relay request failed", attrs...)
	}
	return ChatOutput{SessionID: key}, ue
}

type nopMetrics struct{}

func (nopMetrics) ObserveRequest(string, string) {}
func (nopMetrics) ObserveUpstream(string, string, time.Duration) {}
func (nopMetrics) RateLimitHit() {}
func (nopMetrics) StreamedTokens(int) {}
func (nopMetrics) SetActiveSessions(int) {}
