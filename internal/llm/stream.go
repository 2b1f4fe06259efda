package llm

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/RichardoC/teiqr/internal/models"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const doneSentinel = "[DONE]"

type EventKind int

const (
	EventDelta EventKind = iota + 1
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventDelta:
		return "delta"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is one item of a completion stream: a text fragment, or the final
// Done carrying the citation list.
type Event struct {
	Kind    EventKind
	Text    string
	Sources []models.Source
}

// streamChunk is the subset of an upstream stream payload we read.
type streamChunk struct {
	Choices []struct {
		Delta openai.ChatCompletionStreamChoiceDelta `json:"delta"`
	} `json:"choices"`
	Error json.RawMessage `json:"error,omitempty"`
}

// Stream is a single-pass sequence of events read from an upstream
// "data: ..." response body. It is not safe for concurrent use.
type Stream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	logger *zap.Logger
	done   bool
}

func newStream(body io.ReadCloser, logger *zap.Logger) *Stream {
	return &Stream{
		body:   body,
		reader: bufio.NewReader(body),
		logger: logger,
	}
}

// Recv blocks until the next event is available. After Done it returns
// io.EOF. A body that ends without the [DONE] sentinel still produces a
// final Done. Upstream error payloads are returned as *APIError.
func (s *Stream) Recv() (Event, error) {
	if s.done {
		return Event{}, io.EOF
	}

	for {
		line, readErr := s.reader.ReadString('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return Event{}, fmt.Errorf("failed to read upstream stream: %w", readErr)
		}

		if line != "" {
			ev, ok, err := s.handleLine(line)
			if err != nil {
				s.done = true
				return Event{}, err
			}
			if ok {
				if ev.Kind == EventDone {
					s.done = true
				}
				return ev, nil
			}
		}

		if errors.Is(readErr, io.EOF) {
			s.done = true
			return Event{Kind: EventDone, Sources: []models.Source{}}, nil
		}
	}
}

func (s *Stream) handleLine(line string) (Event, bool, error) {
	line = strings.TrimRight(line, "\r\n")
	payload, ok := strings.CutPrefix(line, "data:")
	if !ok {
		// Comments (": OPENROUTER PROCESSING"), event names, blank separators.
		return Event{}, false, nil
	}
	payload = strings.TrimSpace(payload)

	if payload == doneSentinel {
		return Event{Kind: EventDone, Sources: []models.Source{}}, true, nil
	}
	if payload == "" {
		return Event{}, false, nil
	}

	var chunk streamChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		s.logger.Warn("Skipping malformed upstream payload",
			zap.String("payload", truncate(payload, 200)),
			zap.Error(err))
		return Event{}, false, nil
	}

	if len(chunk.Error) > 0 && string(chunk.Error) != "null" {
		return Event{}, false, decodeInbandError(chunk.Error)
	}

	if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
		return Event{}, false, nil
	}
	return Event{Kind: EventDelta, Text: chunk.Choices[0].Delta.Content}, true, nil
}

// decodeInbandError accepts both the OpenAI error object and a bare string.
func decodeInbandError(raw json.RawMessage) *APIError {
	var apiErr openai.APIError
	if err := json.Unmarshal(raw, &apiErr); err == nil {
		return newAPIError(0, &apiErr)
	}
	var msg string
	if err := json.Unmarshal(raw, &msg); err == nil && msg != "" {
		return &APIError{Message: msg}
	}
	return &APIError{Message: string(raw)}
}

func (s *Stream) Close() error {
	return s.body.Close()
}

// NewStaticStream returns a stream that yields text as a single delta
// followed by Done.
func NewStaticStream(text string) *Stream {
	body := "data: " + mustMarshalDelta(text) + "\n\ndata: " + doneSentinel + "\n\n"
	return newStream(io.NopCloser(strings.NewReader(body)), zap.NewNop())
}

func mustMarshalDelta(text string) string {
	chunk := openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{
			{Delta: openai.ChatCompletionStreamChoiceDelta{Content: text}},
		},
	}
	b, err := json.Marshal(chunk)
	if err != nil {
		panic(err)
	}
	return string(b)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
