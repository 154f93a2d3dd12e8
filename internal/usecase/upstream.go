package usecase

import (
	"context"
	"errors"

	"chat-relay/internal/domain"
	"chat-relay/internal/integrations/openai"
	"chat-relay/internal/prompt"
)

// TokenStream is a lazy sequence of reply deltas.
type TokenStream interface {
	Next() bool
	Delta() string
	Err() error
	Close() error
}

type LLMClient interface {
	CheckCredential(ctx context.Context) error
	Complete(ctx context.Context, model string, messages []domain.Turn) (string, error)
	Stream(ctx context.Context, model string, messages []domain.Turn) (TokenStream, error)
}

type openaiLLM struct {
	*openai.Client
}

// NewOpenAILLM adapts an openai.Client to LLMClient.
func NewOpenAILLM(c *openai.Client) LLMClient {
	return openaiLLM{Client: c}
}

func (o openaiLLM) Stream(ctx context.Context, model string, messages []domain.Turn) (TokenStream, error) {
	s, err := o.Client.Stream(ctx, model, messages)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// classifyUpstream maps an upstream client error onto the relay taxonomy.
func classifyUpstream(err error) *Error {
	if errors.Is(err, openai.ErrMissingCredential) {
		return newError(ErrorMissingCredential, "no_api_key", err)
	}
	var ue *openai.UpstreamError
	if errors.As(err, &ue) {
		switch ue.Kind {
		case openai.KindTimeout:
			return newError(ErrorUpstreamTimeout, "upstream_timeout", err)
		case openai.KindNetwork:
			return newError(ErrorUpstreamNetwork, "upstream_network", err)
		case openai.KindMalformed:
			return newError(ErrorUpstreamMalformed, "upstream_malformed", err)
		case openai.KindHTTP:
			e := newError(ErrorUpstreamHTTP, "upstream_status", err)
			e.Status = ue.HTTPStatusCode()
			e.Detail = ue.Detail
			return e
		}
	}
	if errors.Is(err, context.Canceled) {
		return newError(ErrorInternal, "cancelled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrorUpstreamTimeout, "deadline_exceeded", err)
	}
	return newError(ErrorInternal, "upstream_unknown", err)
}

func classifyImage(err error) *Error {
	switch {
	case errors.Is(err, prompt.ErrImageTooLarge):
		return newError(ErrorPayloadTooLarge, "image_too_large", err)
	case errors.Is(err, prompt.ErrUnsupportedImage):
		return newError(ErrorUnsupportedMediaType, "image_rejected", err)
	default:
		return newError(ErrorInternal, "image_decode", err)
	}
}

// upstreamOutcome labels a failed upstream call for metrics.
func upstreamOutcome(err error) string {
	if k := openai.KindOf(err); k != "" {
		return string(k)
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return "error"
}
