package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"condo-assistant/internal/config"
	"condo-assistant/internal/stream"
	"condo-assistant/internal/utils"
	"condo-assistant/pkg/logger"

	"github.com/go-resty/resty/v2"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

const maxErrorBodyBytes = 64 * 1024

var (
	ErrRateLimited    = errors.New("rate limited")
	ErrQuotaExhausted = errors.New("quota exhausted")
	ErrTransport      = errors.New("transport failure")
)

// StatusError is returned when the backend answers with a non-2xx status.
// Message holds the server-supplied error text, if any.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("assistant backend returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("assistant backend returned status %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusPaymentRequired:
		return ErrQuotaExhausted
	default:
		return ErrTransport
	}
}

// ChatRequest is the outbound payload.
type ChatRequest struct {
	Messages []openai.ChatCompletionMessage `json:"messages"`
	Model    string                         `json:"model,omitempty"`
	Stream   bool                           `json:"stream"`
}

// Streamer opens a streamed completion and hands back the raw body.
type Streamer interface {
	Stream(ctx context.Context, token string, messages []openai.ChatCompletionMessage) (io.ReadCloser, error)
}

type Client struct {
	http     *resty.Client
	endpoint string
	model    string
}

func NewClient(cfg config.AssistantConfig) *Client {
	httpClient := resty.NewWithClient(utils.NewHTTPClient(cfg.Timeout)).
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "text/event-stream")

	httpClient.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
		logger.WithFields(logrus.Fields{
			"method": r.Method,
			"url":    r.URL,
		}).Debug("Assistant request")
		return nil
	})
	httpClient.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		logger.WithFields(logrus.Fields{
			"status":  resp.StatusCode(),
			"latency": resp.Time().Round(time.Millisecond).String(),
		}).Debug("Assistant response headers received")
		return nil
	})

	endpoint := cfg.Endpoint
	if endpoint != "" && !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}

	return &Client{
		http:     httpClient,
		endpoint: endpoint,
		model:    cfg.Model,
	}
}

// Stream posts the conversation and returns the unparsed response body. The
// caller owns the body and must close it. Non-2xx responses are drained and
// returned as *StatusError.
func (c *Client) Stream(ctx context.Context, token string, messages []openai.ChatCompletionMessage) (io.ReadCloser, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(ChatRequest{
			Messages: messages,
			Model:    c.model,
			Stream:   true,
		}).
		SetDoNotParseResponse(true).
		Post(c.endpoint)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	body := resp.RawBody()
	if body == nil {
		return nil, fmt.Errorf("%w: empty response body", ErrTransport)
	}

	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		defer body.Close()
		raw, _ := io.ReadAll(io.LimitReader(body, maxErrorBodyBytes))
		return nil, &StatusError{
			StatusCode: resp.StatusCode(),
			Message:    errorMessage(raw),
		}
	}

	return body, nil
}

// errorMessage pulls the "error" field out of an error body. Bodies that are
// not JSON objects yield "".
func errorMessage(raw []byte) string {
	var env struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return ""
	}
	if len(env.Error) > 0 && string(env.Error) != "null" {
		return stream.ErrorText(env.Error)
	}
	return env.Message
}
