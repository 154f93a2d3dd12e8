package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

const sseDone = "[DONE]"

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Stream iterates over the content deltas of a server-sent completion.
//
//	for s.Next() {
//		fmt.Print(s.Delta())
//	}
//	if err := s.Err(); err != nil { ... }
type Stream struct {
	ctx     context.Context
	body    io.ReadCloser
	cancel  context.CancelFunc
	scanner *bufio.Scanner
	url     string

	delta string
	err   error
	done  bool
}

func newStream(ctx context.Context, body io.ReadCloser, cancel context.CancelFunc, url string) *Stream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	return &Stream{ctx: ctx, body: body, cancel: cancel, scanner: sc, url: url}
}

// Next advances to the next non-empty delta. It returns false at the end of
// the stream or on error; check Err afterwards.
func (s *Stream) Next() bool {
	if s.done {
		return false
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == sseDone {
			s.finish(nil)
			return false
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		s.delta = chunk.Choices[0].Delta.Content
		return true
	}

	err := s.scanner.Err()
	switch ctxErr := s.ctx.Err(); {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		s.finish(classifyTransportError(s.url, ctxErr))
	case ctxErr != nil:
		// caller cancelled; not an upstream failure
		s.finish(ctxErr)
	case err != nil:
		s.finish(classifyTransportError(s.url, err))
	default:
		s.finish(nil)
	}
	return false
}

// Delta returns the content delta produced by the last successful Next.
func (s *Stream) Delta() string { return s.delta }

// Err returns the error that ended the stream, if any. A clean end of stream
// (either [DONE] or EOF) reports nil.
func (s *Stream) Err() error { return s.err }

// Close releases the underlying connection. It is safe to call more than once.
func (s *Stream) Close() error {
	s.finish(s.err)
	return nil
}

func (s *Stream) finish(err error) {
	if s.done {
		return
	}
	s.done = true
	s.err = err
	s.delta = ""
	_ = s.body.Close()
	s.cancel()
}
