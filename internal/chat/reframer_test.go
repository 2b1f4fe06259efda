package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/RichardoC/teiqr/internal/llm"
	"github.com/RichardoC/teiqr/internal/metrics"
	"github.com/RichardoC/teiqr/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	frames []Frame
	failAt int // fail the nth Send (1-based); 0 never fails
}

func (s *recordingSink) Send(f Frame) error {
	if s.failAt > 0 && len(s.frames)+1 == s.failAt {
		return errors.New("broken pipe")
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *recordingSink) types() []FrameType {
	out := make([]FrameType, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Type
	}
	return out
}

type scriptedStream struct {
	events []llm.Event
	err    error
	closed bool
}

func (s *scriptedStream) Recv() (llm.Event, error) {
	if len(s.events) == 0 {
		if s.err != nil {
			return llm.Event{}, s.err
		}
		return llm.Event{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

type recordingFinisher struct {
	calls   int
	content string
	sources []models.Source
	err     error
}

func (f *recordingFinisher) FinishTurn(_ context.Context, _ *Turn, content string, sources []models.Source) error {
	f.calls++
	f.content = content
	f.sources = sources
	return f.err
}

func openScripted(s *scriptedStream) OpenFunc {
	return func(context.Context) (EventStream, error) { return s, nil }
}

func delta(text string) llm.Event { return llm.Event{Kind: llm.EventDelta, Text: text} }

func done() llm.Event { return llm.Event{Kind: llm.EventDone, Sources: []models.Source{}} }

func TestReframerNewConversation(t *testing.T) {
	sink := &recordingSink{}
	finisher := &recordingFinisher{}
	stream := &scriptedStream{events: []llm.Event{delta("Hel"), delta("lo"), done()}}
	turn := &Turn{ConversationID: "conv-1", IsNew: true, Model: "m"}

	err := NewReframer(turn, finisher, sink, metrics.NewNop(), zap.NewNop()).Run(context.Background(), openScripted(stream))
	require.NoError(t, err)

	assert.Equal(t, []FrameType{FrameConversationID, FrameDelta, FrameDelta, FrameDone}, sink.types())
	assert.Equal(t, "conv-1", sink.frames[0].ConversationID)
	assert.Equal(t, 1, finisher.calls)
	assert.Equal(t, "Hello", finisher.content)
	assert.NotNil(t, finisher.sources)
	assert.True(t, stream.closed)
}

func TestReframerExistingConversation(t *testing.T) {
	sink := &recordingSink{}
	finisher := &recordingFinisher{}
	stream := &scriptedStream{events: []llm.Event{delta("ok"), done()}}
	turn := &Turn{ConversationID: "conv-1", Model: "m"}

	err := NewReframer(turn, finisher, sink, metrics.NewNop(), zap.NewNop()).Run(context.Background(), openScripted(stream))
	require.NoError(t, err)
	assert.Equal(t, []FrameType{FrameDelta, FrameDone}, sink.types())
}

func TestReframerConversationIDBeforeUpstream(t *testing.T) {
	sink := &recordingSink{}
	turn := &Turn{ConversationID: "conv-1", IsNew: true}

	var framesAtOpen int
	open := func(context.Context) (EventStream, error) {
		framesAtOpen = len(sink.frames)
		return nil, &llm.APIError{StatusCode: 500, Message: "down"}
	}

	err := NewReframer(turn, &recordingFinisher{}, sink, metrics.NewNop(), zap.NewNop()).Run(context.Background(), open)
	require.Error(t, err)
	assert.Equal(t, 1, framesAtOpen)
	assert.Equal(t, []FrameType{FrameConversationID}, sink.types())
}

func TestReframerUpstreamErrorMidStream(t *testing.T) {
	sink := &recordingSink{}
	finisher := &recordingFinisher{}
	stream := &scriptedStream{
		events: []llm.Event{delta("partial")},
		err:    &llm.APIError{Message: "overloaded"},
	}

	err := NewReframer(&Turn{ConversationID: "c"}, finisher, sink, metrics.NewNop(), zap.NewNop()).Run(context.Background(), openScripted(stream))

	var apiErr *llm.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, []FrameType{FrameDelta}, sink.types())
	assert.Zero(t, finisher.calls)
	assert.True(t, stream.closed)
}

func TestReframerStreamEndsWithoutDone(t *testing.T) {
	finisher := &recordingFinisher{}
	stream := &scriptedStream{events: []llm.Event{delta("x")}}

	err := NewReframer(&Turn{ConversationID: "c"}, finisher, &recordingSink{}, metrics.NewNop(), zap.NewNop()).Run(context.Background(), openScripted(stream))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Zero(t, finisher.calls)
}

func TestReframerClientGone(t *testing.T) {
	sink := &recordingSink{failAt: 2}
	finisher := &recordingFinisher{}
	stream := &scriptedStream{events: []llm.Event{delta("a"), delta("b"), done()}}

	err := NewReframer(&Turn{ConversationID: "c"}, finisher, sink, metrics.NewNop(), zap.NewNop()).Run(context.Background(), openScripted(stream))
	assert.Error(t, err)
	assert.Zero(t, finisher.calls)
	assert.True(t, stream.closed)
}

func TestReframerStorageFailureStillSendsDone(t *testing.T) {
	sink := &recordingSink{}
	finisher := &recordingFinisher{err: errors.New("disk full")}
	stream := &scriptedStream{events: []llm.Event{delta("a"), done()}}

	err := NewReframer(&Turn{ConversationID: "c"}, finisher, sink, metrics.NewNop(), zap.NewNop()).Run(context.Background(), openScripted(stream))
	require.NoError(t, err)
	assert.Equal(t, []FrameType{FrameDelta, FrameDone}, sink.types())
	assert.Equal(t, 1, finisher.calls)
}

func TestReframerRunsOnce(t *testing.T) {
	r := NewReframer(&Turn{ConversationID: "c"}, &recordingFinisher{}, &recordingSink{}, metrics.NewNop(), zap.NewNop())
	require.NoError(t, r.Run(context.Background(), openScripted(&scriptedStream{events: []llm.Event{done()}})))
	assert.Error(t, r.Run(context.Background(), openScripted(&scriptedStream{events: []llm.Event{done()}})))
}

func TestFrameJSON(t *testing.T) {
	tests := []struct {
		frame Frame
		want  string
	}{
		{Frame{Type: FrameConversationID, ConversationID: "abc"}, `{"type":"conversationId","conversationId":"abc"}`},
		{Frame{Type: FrameDelta, Content: "hi \"there\""}, `{"type":"delta","content":"hi \"there\""}`},
		{Frame{Type: FrameDone}, `{"type":"done","sources":[]}`},
		{Frame{Type: FrameDone, Sources: []models.Source{{Title: "Go", URL: "https://go.dev"}}}, `{"type":"done","sources":[{"title":"Go","url":"https://go.dev"}]}`},
	}
	for _, tt := range tests {
		t.Run(string(tt.frame.Type), func(t *testing.T) {
			b, err := json.Marshal(tt.frame)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(b))
		})
	}

	_, err := json.Marshal(Frame{Type: "bogus"})
	assert.Error(t, err)
}
