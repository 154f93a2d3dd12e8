package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"chat-relay/internal/protocol"
	"chat-relay/internal/usecase"
)

const (
	correlationIDHeader = "X-Correlation-Id"
	serviceName         = "ChatAI World API"
)

// ChatRelay is the part of the relay served over API Gateway. Streaming needs
// a persistent connection and is only offered by the HTTP server.
type ChatRelay interface {
	Chat(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
	Reset(ctx context.Context, sessionID string) string
}

type Handler struct {
	relay    ChatRelay
	provider string
}

type Option func(*Handler)

// WithProvider sets the provider name reported by the status route.
func WithProvider(name string) Option {
	return func(h *Handler) {
		if name = strings.TrimSpace(name); name != "" {
			h.provider = name
		}
	}
}

func NewHandler(relay ChatRelay, opts ...Option) (*Handler, error) {
	if relay == nil {
		return nil, errors.New("handler: relay must not be nil")
	}
	h := &Handler{relay: relay, provider: "groq"}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type statusResponse struct {
	Status   string `json:"status"`
	Service  string `json:"service"`
	Provider string `json:"provider"`
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(req.Headers)

	if req.HTTPMethod == http.MethodOptions {
		return respond(http.StatusNoContent, nil, corrID), nil
	}

	switch route(req.Path) {
	case "/":
		if req.HTTPMethod != http.MethodGet {
			break
		}
		return respond(http.StatusOK, statusResponse{Status: "ok", Service: serviceName, Provider: h.provider}, corrID), nil
	case "/chat":
		if req.HTTPMethod != http.MethodPost {
			break
		}
		return h.chat(ctx, req, corrID), nil
	case "/reset":
		if req.HTTPMethod != http.MethodPost {
			break
		}
		var in protocol.ResetRequest
		_ = json.Unmarshal([]byte(req.Body), &in)
		key := h.relay.Reset(ctx, in.SessionID)
		return respond(http.StatusOK, protocol.ResetResponse{Status: "ok", SessionID: key}, corrID), nil
	}
	return respond(http.StatusNotFound, map[string]string{"error": "not_found"}, corrID), nil
}

func (h *Handler) chat(ctx context.Context, req events.APIGatewayProxyRequest, corrID string) events.APIGatewayProxyResponse {
	var in protocol.ChatRequest
	if err := json.Unmarshal([]byte(req.Body), &in); err != nil {
		// An unreadable body is handled like a missing message.
		in = protocol.ChatRequest{}
	}

	out, err := h.relay.Chat(ctx, usecase.ChatInput{
		SessionID:     in.SessionID,
		Message:       in.Message,
		PreferredLang: in.PreferredLang,
		Mode:          in.Mode,
		ImageData:     in.ImageData,
	})
	if err != nil {
		ue := usecase.AsError(err)
		return respond(usecase.HTTPStatus(ue.Code), protocol.ChatResponse{
			Reply:     ue.Message(),
			SessionID: out.SessionID,
			Code:      string(ue.Code),
		}, corrID)
	}
	return respond(http.StatusOK, protocol.ChatResponse{Reply: out.Reply, SessionID: out.SessionID}, corrID)
}

// route strips an API Gateway stage prefix such as /prod from the path.
func route(path string) string {
	path = "/" + strings.Trim(path, "/")
	for _, known := range []string{"/chat", "/reset"} {
		if strings.HasSuffix(path, known) {
			return known
		}
	}
	return path
}

func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationIDHeader) && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return uuid.NewString()
}

func respond(status int, body any, corrID string) events.APIGatewayProxyResponse {
	headers := map[string]string{
		"Content-Type":                  "application/json",
		correlationIDHeader:             corrID,
		"Access-Control-Allow-Origin":   "*",
		"Access-Control-Allow-Methods":  "GET, POST, OPTIONS",
		"Access-Control-Allow-Headers":  "Content-Type, Authorization, " + correlationIDHeader,
		"Access-Control-Expose-Headers": correlationIDHeader,
	}
	if body == nil {
		return events.APIGatewayProxyResponse{StatusCode: status, Headers: headers}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusInternalServerError,
			Headers:    headers,
			Body:       `{"reply":"Something went wrong. Please try again.","code":"internal_error"}`,
		}
	}
	return events.APIGatewayProxyResponse{StatusCode: status, Headers: headers, Body: string(raw)}
}
