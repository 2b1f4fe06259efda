package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/RichardoC/teiqr/internal/config"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testUpstreamConfig(url string) config.UpstreamConfig {
	return config.UpstreamConfig{
		BaseURL:      url,
		APIKey:       "sk-test",
		Referer:      "http://localhost:3000",
		Title:        "TeiqR",
		DefaultModel: config.DefaultModel,
	}
}

func TestClientStream(t *testing.T) {
	var got openai.ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "http://localhost:3000", r.Header.Get("HTTP-Referer"))
		assert.Equal(t, "TeiqR", r.Header.Get("X-Title"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, deltaLine("Hi"))
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewClient(testUpstreamConfig(srv.URL), zap.NewNop())
	stream, err := client.Stream(context.Background(), "perplexity/sonar", []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: "be brief"},
		{Role: openai.ChatMessageRoleUser, MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: "what is this"},
			{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: "data:image/png;base64,AAAA"}},
		}},
	})
	require.NoError(t, err)
	defer stream.Close()

	events, err := collect(t, stream)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "Hi", events[0].Text)

	assert.True(t, got.Stream)
	assert.Equal(t, "perplexity/sonar", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "be brief", got.Messages[0].Content)
	require.Len(t, got.Messages[1].MultiContent, 2)
	assert.Equal(t, "data:image/png;base64,AAAA", got.Messages[1].MultiContent[1].ImageURL.URL)
}

func TestClientStreamErrorStatus(t *testing.T) {
	t.Run("openai error body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusPaymentRequired)
			io.WriteString(w, `{"error":{"message":"Insufficient credits","code":402}}`)
		}))
		defer srv.Close()

		_, err := NewClient(testUpstreamConfig(srv.URL), zap.NewNop()).Stream(context.Background(), "m", nil)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusPaymentRequired, apiErr.StatusCode)
		assert.Equal(t, "Insufficient credits", apiErr.Message)
	})

	t.Run("empty body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		_, err := NewClient(testUpstreamConfig(srv.URL), zap.NewNop()).Stream(context.Background(), "m", nil)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
		assert.Equal(t, "Internal Server Error", apiErr.Message)
	})
}

func TestClientStreamCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewClient(testUpstreamConfig(srv.URL), zap.NewNop()).Stream(ctx, "m", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
