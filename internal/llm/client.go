package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/RichardoC/teiqr/internal/config"
	"github.com/go-resty/resty/v2"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// APIError is a failure reported by the completion provider, either as a
// non-2xx response or as an error payload inside the stream.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Message)
	}
	return "upstream error: " + e.Message
}

func newAPIError(status int, apiErr *openai.APIError) *APIError {
	e := &APIError{StatusCode: status, Message: apiErr.Message}
	if apiErr.Code != nil {
		e.Code = fmt.Sprint(apiErr.Code)
	}
	if e.StatusCode == 0 {
		e.StatusCode = apiErr.HTTPStatusCode
	}
	if e.Message == "" {
		e.Message = "unknown error"
	}
	return e
}

// Client talks to an OpenAI-compatible chat completions endpoint such as
// OpenRouter.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

func NewClient(cfg config.UpstreamConfig, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("HTTP-Referer", cfg.Referer).
		SetHeader("X-Title", cfg.Title)
	return &Client{http: client, logger: logger}
}

// Stream opens a streaming completion. The request is bound to ctx, so
// cancelling ctx tears down the upstream connection. The caller must Close
// the returned stream.
func (c *Client) Stream(ctx context.Context, model string, messages []openai.ChatCompletionMessage) (*Stream, error) {
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "text/event-stream").
		SetBody(req).
		SetDoNotParseResponse(true).
		Post("/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("failed to call upstream: %w", err)
	}

	body := resp.RawBody()
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		defer body.Close()
		return nil, readAPIError(resp.StatusCode(), body)
	}

	return newStream(body, c.logger), nil
}

func readAPIError(status int, body io.Reader) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(body, 64<<10))

	var errResp openai.ErrorResponse
	if err := json.Unmarshal(raw, &errResp); err == nil && errResp.Error != nil {
		return newAPIError(status, errResp.Error)
	}

	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{StatusCode: status, Message: msg}
}
