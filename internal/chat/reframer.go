package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/RichardoC/teiqr/internal/llm"
	"github.com/RichardoC/teiqr/internal/metrics"
	"github.com/RichardoC/teiqr/internal/models"
	"go.uber.org/zap"
)

type FrameType string

const (
	FrameConversationID FrameType = "conversationId"
	FrameDelta          FrameType = "delta"
	FrameDone           FrameType = "done"
)

// Frame is one server-sent event of the chat protocol.
type Frame struct {
	Type           FrameType
	ConversationID string
	Content        string
	Sources        []models.Source
}

func (f Frame) MarshalJSON() ([]byte, error) {
	switch f.Type {
	case FrameConversationID:
		return json.Marshal(struct {
			Type           FrameType `json:"type"`
			ConversationID string    `json:"conversationId"`
		}{f.Type, f.ConversationID})
	case FrameDelta:
		return json.Marshal(struct {
			Type    FrameType `json:"type"`
			Content string    `json:"content"`
		}{f.Type, f.Content})
	case FrameDone:
		sources := f.Sources
		if sources == nil {
			sources = []models.Source{}
		}
		return json.Marshal(struct {
			Type    FrameType       `json:"type"`
			Sources []models.Source `json:"sources"`
		}{f.Type, sources})
	default:
		return nil, fmt.Errorf("unknown frame type %q", f.Type)
	}
}

// Sink delivers frames to the client.
type Sink interface {
	Send(Frame) error
}

// EventStream is a pull-based sequence of completion events.
type EventStream interface {
	Recv() (llm.Event, error)
	Close() error
}

type OpenFunc func(ctx context.Context) (EventStream, error)

// TurnFinisher stores the outcome of a successful stream.
type TurnFinisher interface {
	FinishTurn(ctx context.Context, turn *Turn, content string, sources []models.Source) error
}

type state int

const (
	stateStart state = iota
	stateStreaming
	stateFinalizing
	stateClosed
)

func (s state) String() string {
	return [...]string{"start", "streaming", "finalizing", "closed"}[s]
}

// Reframer turns completion events into frames and persists the reply
// once the stream is done. A Reframer runs a single turn.
type Reframer struct {
	turn     *Turn
	finisher TurnFinisher
	sink     Sink
	metrics  *metrics.Chat
	logger   *zap.Logger

	state state
	reply strings.Builder
}

func NewReframer(turn *Turn, finisher TurnFinisher, sink Sink, m *metrics.Chat, logger *zap.Logger) *Reframer {
	return &Reframer{
		turn:     turn,
		finisher: finisher,
		sink:     sink,
		metrics:  m,
		logger: logger.With(
			zap.String("conversation_id", turn.ConversationID),
			zap.String("model", turn.Model)),
	}
}

// Run drives the turn to completion. It returns nil once the done frame has
// been sent. Any error means the stream ended abnormally and nothing was
// persisted for the reply.
func (r *Reframer) Run(ctx context.Context, open OpenFunc) error {
	if r.state != stateStart {
		return fmt.Errorf("reframer already %s", r.state)
	}

	if r.turn.IsNew {
		if err := r.send(Frame{Type: FrameConversationID, ConversationID: r.turn.ConversationID}); err != nil {
			return r.fail(ctx, err, "")
		}
	}
	r.state = stateStreaming

	stream, err := open(ctx)
	if err != nil {
		return r.fail(ctx, err, upstreamKind(err, metrics.UpstreamStatus))
	}
	defer stream.Close()

	streamDone := r.metrics.StreamStarted()
	defer streamDone()

	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return r.fail(ctx, io.ErrUnexpectedEOF, metrics.UpstreamTransport)
		}
		if err != nil {
			return r.fail(ctx, err, upstreamKind(err, metrics.UpstreamInband))
		}

		switch ev.Kind {
		case llm.EventDelta:
			r.reply.WriteString(ev.Text)
			if err := r.send(Frame{Type: FrameDelta, Content: ev.Text}); err != nil {
				return r.fail(ctx, err, "")
			}
			r.metrics.Delta()
		case llm.EventDone:
			return r.finalize(ctx, ev.Sources)
		}
	}
}

func (r *Reframer) finalize(ctx context.Context, sources []models.Source) error {
	r.state = stateFinalizing
	if sources == nil {
		sources = []models.Source{}
	}

	// The reply has been streamed in full; store it even if the client has
	// just gone away.
	if err := r.finisher.FinishTurn(context.WithoutCancel(ctx), r.turn, r.reply.String(), sources); err != nil {
		r.logger.Error("Failed to persist assistant reply", zap.Error(err))
	}

	err := r.send(Frame{Type: FrameDone, Sources: sources})
	r.state = stateClosed
	if err != nil {
		r.metrics.Turn(metrics.OutcomeClientGone)
		return err
	}
	r.metrics.Turn(metrics.OutcomeCompleted)
	return nil
}

// fail closes the turn. kind is the upstream error kind, empty when the
// client side failed.
func (r *Reframer) fail(ctx context.Context, err error, kind string) error {
	r.state = stateClosed

	switch {
	case ctx.Err() != nil || kind == "":
		r.metrics.Turn(metrics.OutcomeClientGone)
		r.logger.Info("Client went away mid-stream", zap.Error(err))
	default:
		r.metrics.Turn(metrics.OutcomeUpstreamError)
		r.metrics.UpstreamError(kind)
		r.logger.Error("Upstream stream failed", zap.String("kind", kind), zap.Error(err))
	}
	return err
}

// upstreamKind labels err as apiKind when the provider reported it, and as
// a transport failure otherwise.
func upstreamKind(err error, apiKind string) string {
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		return apiKind
	}
	return metrics.UpstreamTransport
}

func (r *Reframer) send(f Frame) error {
	if err := r.sink.Send(f); err != nil {
		return fmt.Errorf("failed to send %s frame: %w", f.Type, err)
	}
	return nil
}
