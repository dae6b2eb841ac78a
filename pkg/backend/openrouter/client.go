// Package openrouter streams chat completions from an OpenAI-compatible
// endpoint (OpenRouter by default) as relay fragments.
package openrouter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatrelay/pkg/relay"
)

const (
	DefaultBaseURL     = "https://openrouter.ai/api/v1"
	DefaultModel       = "google/gemma-3-27b-it:free"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 2048
)

type Config struct {
	APIKey      string
	BaseURL     string
	Referer     string
	Title       string
	Model       string
	Temperature float64
	MaxTokens   int
	HTTPClient  *http.Client
}

// APIError is a non-2xx answer or an error payload inside the stream.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openrouter: status %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == relay.ErrUpstreamRateLimited && e.StatusCode == http.StatusTooManyRequests
}

type Client struct {
	cfg  Config
	http *http.Client
}

var _ relay.Backend = &Client{}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openrouter: api key is empty")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	hc := cfg.HTTPClient
	if hc == nil {
		// no overall timeout: streams are bounded by the caller's context
		hc = &http.Client{Transport: http.DefaultTransport}
	}
	return &Client{cfg: cfg, http: hc}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type errorBody struct {
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

type streamChunk struct {
	errorBody
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

func (c *Client) Invoke(ctx context.Context, req relay.Request) (relay.FragmentStream, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	body := chatRequest{
		Model:       model,
		Stream:      true,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	for _, t := range req.Context {
		body.Messages = append(body.Messages, chatMessage{Role: string(t.Role), Content: t.Content})
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "openrouter: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return nil, errors.Wrap(err, "openrouter: build request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.cfg.Referer != "" {
		httpReq.Header.Set("HTTP-Referer", c.cfg.Referer)
	}
	if c.cfg.Title != "" {
		httpReq.Header.Set("X-Title", c.cfg.Title)
	}

	started := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "openrouter: request failed")
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, readAPIError(resp)
	}
	log.Debug().Str("component", "openrouter").Str("model", model).Int("messages", len(body.Messages)).Dur("ttfb", time.Since(started)).Msg("stream opened")
	return &sseStream{body: resp.Body, reader: bufio.NewReader(resp.Body)}, nil
}

func readAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(raw))
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil && eb.Error != nil && eb.Error.Message != "" {
		msg = eb.Error.Message
	}
	if resp.StatusCode == http.StatusTooManyRequests && msg == "" {
		msg = "rate limit exceeded"
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

// sseStream reads "data: {...}" lines until "data: [DONE]".
type sseStream struct {
	mu     sync.Mutex
	body   io.ReadCloser
	reader *bufio.Reader
	done   bool
	// finished is set once [DONE] or a finish_reason arrived.
	finished bool

	closeOnce sync.Once
}

func (s *sseStream) Next(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if s.done {
			return "", s.eof()
		}
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.done = true
				if strings.TrimSpace(line) == "" {
					return "", s.eof()
				}
			} else {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return "", ctxErr
				}
				return "", errors.Wrap(err, "openrouter: read stream")
			}
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			s.done = true
			s.finished = true
			return "", io.EOF
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			log.Debug().Str("component", "openrouter").Str("payload", payload).Msg("skipping undecodable chunk")
			continue
		}
		if chunk.Error != nil {
			s.done = true
			return "", &APIError{StatusCode: http.StatusBadGateway, Message: chunk.Error.Message}
		}
		for _, choice := range chunk.Choices {
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				s.finished = true
			}
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				return choice.Delta.Content, nil
			}
		}
	}
}

// eof ends the stream. A body that closes before the generation finished is a
// truncated reply, not a completion.
func (s *sseStream) eof() error {
	if s.finished {
		return io.EOF
	}
	return errors.Wrap(io.ErrUnexpectedEOF, "openrouter: stream closed before completion")
}

func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.body.Close() })
	return err
}
