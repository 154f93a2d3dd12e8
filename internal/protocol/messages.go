package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeChat  MessageType = "chat"
	TypeReset MessageType = "reset"
	TypeToken MessageType = "token"
	TypeDone  MessageType = "done"
	TypeError MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

// ChatRequest is the body of POST /chat and of websocket chat messages.
type ChatRequest struct {
	Type          MessageType `json:"type,omitempty"`
	SessionID     string      `json:"session_id"`
	Message       string      `json:"message"`
	PreferredLang string      `json:"preferred_lang,omitempty"`
	Mode          string      `json:"mode,omitempty"`
	ImageData     string      `json:"image_data,omitempty"`
}

// ChatResponse is returned by POST /chat. Code is set only on failure.
type ChatResponse struct {
	Reply     string `json:"reply"`
	SessionID string `json:"session_id"`
	Code      string `json:"code,omitempty"`
}

type ResetRequest struct {
	Type      MessageType `json:"type,omitempty"`
	SessionID string      `json:"session_id"`
}

type ResetResponse struct {
	Type      MessageType `json:"type,omitempty"`
	Status    string      `json:"status"`
	SessionID string      `json:"session_id"`
}

type TokenEvent struct {
	Type  MessageType `json:"type"`
	Token string      `json:"token"`
}

type DoneEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
}

type ErrorEvent struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
	Code    string      `json:"code"`
}

func NewToken(tok string) TokenEvent { return TokenEvent{Type: TypeToken, Token: tok} }

func NewDone(sessionID string) DoneEvent { return DoneEvent{Type: TypeDone, SessionID: sessionID} }

func NewError(code, message string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Message: message, Code: code}
}

// ParseClientMessage decodes an inbound websocket frame into a ChatRequest or
// ResetRequest. A frame without a type is a chat message.
func ParseClientMessage(raw []byte) (any, error) {
	var env struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch MessageType(strings.ToLower(strings.TrimSpace(string(env.Type)))) {
	case "", TypeChat:
		var msg ChatRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Type = TypeChat
		return msg, nil
	case TypeReset:
		var msg ResetRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Type = TypeReset
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf returns the type of an outbound or inbound message.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case ChatRequest:
		return m.Type, true
	case ResetRequest:
		return m.Type, true
	case ResetResponse:
		return m.Type, true
	case TokenEvent:
		return m.Type, true
	case DoneEvent:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
