package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleterComplete(t *testing.T) {
	var body struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "TeiqR", r.Header.Get("X-Title"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "gen-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "openai/gpt-5-image-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "A cat on a mat."}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 5, "total_tokens": 10}
		}`)
	}))
	defer srv.Close()

	completer, err := NewCompleter(testUpstreamConfig(srv.URL))
	require.NoError(t, err)

	reply, err := completer.Complete(context.Background(), "openai/gpt-5-image-mini", "describe images", "Generate an image: a cat")
	require.NoError(t, err)
	assert.Equal(t, "A cat on a mat.", reply)

	assert.Equal(t, "openai/gpt-5-image-mini", body.Model)
	require.Len(t, body.Messages, 2)
	assert.Equal(t, "system", body.Messages[0].Role)
	assert.Contains(t, string(body.Messages[1].Content), "Generate an image: a cat")
}

func TestCompleterUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"message":"model not found","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	completer, err := NewCompleter(testUpstreamConfig(srv.URL))
	require.NoError(t, err)

	_, err = completer.Complete(context.Background(), "", "", "hi")
	assert.Error(t, err)
}
