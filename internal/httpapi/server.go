package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chat-relay/internal/config"
	"chat-relay/internal/observability"
	"chat-relay/internal/protocol"
	"chat-relay/internal/usecase"
)

const (
	serviceName         = "ChatAI World API"
	correlationIDHeader = "X-Correlation-Id"

	wsReadLimit    = 16 << 20
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 50 * time.Second
	bodySlack      = 64 << 10
)

// Relay is the conversation service behind every transport.
type Relay interface {
	Chat(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
	Stream(ctx context.Context, in usecase.ChatInput, onToken func(string) error) (usecase.ChatOutput, error)
	Reset(ctx context.Context, sessionID string) string
}

type Server struct {
	cfg      config.Config
	relay    Relay
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
	provider string
}

func New(cfg config.Config, relay Relay, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NewMetrics(cfg.MetricsNamespace, nil)
	}
	s := &Server{
		cfg:      cfg,
		relay:    relay,
		metrics:  metrics,
		logger:   logger,
		provider: cfg.ProviderName(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(correlationID)
	r.Use(s.cors)

	r.Get("/", s.handleStatus)
	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.metrics.Handler().ServeHTTP)

	r.Post("/chat", s.handleChat)
	r.Get("/chat/ws", s.handleChatWS)
	r.Post("/reset", s.handleReset)

	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"service":  serviceName,
		"provider": s.provider,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes())

	var req protocol.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			key := usecase.SessionKey(req.SessionID)
			respondRelayError(w, key, &usecase.Error{Code: usecase.ErrorPayloadTooLarge, Reason: "body_too_large", Err: err})
			return
		}
		// An unreadable body is handled like a missing message.
		req = protocol.ChatRequest{}
	}

	out, err := s.relay.Chat(r.Context(), chatInput(req))
	if err != nil {
		respondRelayError(w, out.SessionID, err)
		return
	}
	respondJSON(w, http.StatusOK, protocol.ChatResponse{Reply: out.Reply, SessionID: out.SessionID})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req protocol.ResetRequest
	_ = decodeJSON(r, &req)
	key := s.relay.Reset(r.Context(), req.SessionID)
	respondJSON(w, http.StatusOK, protocol.ResetResponse{Status: "ok", SessionID: key})
}

// handleChatWS serves streamed replies. Requests on one connection are handled
// in arrival order; each ends with exactly one done or error event.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	connKey := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if connKey == "" {
		connKey = uuid.NewString()
	}
	log := s.logger.With("conn_session_id", connKey)
	log.Debug("websocket connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 16)
	outbound := make(chan any, 256)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		s.runRequests(ctx, connKey, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					cancel()
					return
				}
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					log.Debug("websocket write failed", "err", err)
					cancel()
					return
				}
				if t, ok := protocol.TypeOf(msg); ok {
					s.metrics.ObserveWSMessage("outbound", string(t))
				}
			}
		}
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			if !send(ctx, outbound, protocol.NewError(string(usecase.ErrorInvalidInput), "Invalid message.")) {
				break
			}
			continue
		}
		if t, ok := protocol.TypeOf(parsed); ok {
			s.metrics.ObserveWSMessage("inbound", string(t))
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-workerDone
	<-writerDone
	log.Debug("websocket disconnected")
}

func (s *Server) runRequests(ctx context.Context, connKey string, inbound <-chan any, outbound chan<- any) {
	for msg := range inbound {
		if ctx.Err() != nil {
			continue
		}
		switch m := msg.(type) {
		case protocol.ChatRequest:
			if strings.TrimSpace(m.SessionID) == "" {
				m.SessionID = connKey
			}
			out, err := s.relay.Stream(ctx, chatInput(m), func(tok string) error {
				if !send(ctx, outbound, protocol.NewToken(tok)) {
					return ctx.Err()
				}
				return nil
			})
			if ctx.Err() != nil {
				continue
			}
			if err != nil {
				ue := usecase.AsError(err)
				send(ctx, outbound, protocol.NewError(string(ue.Code), ue.Message()))
				continue
			}
			send(ctx, outbound, protocol.NewDone(out.SessionID))
		case protocol.ResetRequest:
			id := m.SessionID
			if strings.TrimSpace(id) == "" {
				id = connKey
			}
			key := s.relay.Reset(ctx, id)
			send(ctx, outbound, protocol.ResetResponse{Type: protocol.TypeReset, Status: "ok", SessionID: key})
		}
	}
}

func send(ctx context.Context, outbound chan<- any, v any) bool {
	select {
	case <-ctx.Done():
		return false
	case outbound <- v:
		return true
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin() {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients often omit Origin.
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	return s.originAllowed(origin)
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		h := w.Header()
		switch {
		case s.cfg.AllowAnyOrigin():
			h.Set("Access-Control-Allow-Origin", "*")
		case origin != "" && s.originAllowed(origin):
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
		}
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+correlationIDHeader)
		h.Set("Access-Control-Expose-Headers", correlationIDHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func correlationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(correlationIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(correlationIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyBytes() int64 {
	// base64 grows the image by a third; the rest covers the message and JSON.
	return int64(s.cfg.MaxImageBytes)/3*4 + int64(s.cfg.MaxMessageLength)*4 + bodySlack
}

func chatInput(req protocol.ChatRequest) usecase.ChatInput {
	return usecase.ChatInput{
		SessionID:     req.SessionID,
		Message:       req.Message,
		PreferredLang: req.PreferredLang,
		Mode:          req.Mode,
		ImageData:     req.ImageData,
	}
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondRelayError(w http.ResponseWriter, sessionID string, err error) {
	ue := usecase.AsError(err)
	respondJSON(w, usecase.HTTPStatus(ue.Code), protocol.ChatResponse{
		Reply:     ue.Message(),
		SessionID: sessionID,
		Code:      string(ue.Code),
	})
}
