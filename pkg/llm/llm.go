// Package llm is the chat-completion client. It supports a blocking call for
// query expansion and a token stream for answer generation.
package llm

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

	"github.com/docaihq/docai/pkg/config"
	"github.com/docaihq/docai/pkg/errs"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	Stream         bool            `json:"stream"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type streamResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Client calls an OpenAI-compatible /chat/completions endpoint.
type Client struct {
	httpClient  *http.Client
	apiKey      string
	baseURL     string
	model       string
	idleTimeout time.Duration
}

func NewClient(cfg *config.Config) *Client {
	idle := 60 * time.Second
	if cfg.LLMIdleTimeout > 0 {
		idle = time.Duration(cfg.LLMIdleTimeout) * time.Second
	}

	return &Client{
		// No overall client timeout: streams are bounded by the per-token
		// idle watchdog and the request context instead.
		httpClient:  &http.Client{},
		apiKey:      cfg.LLMAPIKey,
		baseURL:     strings.TrimSuffix(cfg.LLMBaseURL, "/"),
		model:       cfg.LLMModel,
		idleTimeout: idle,
	}
}

func (c *Client) ModelName() string {
	return c.model
}

// Ping reports whether the completion endpoint is reachable. Any HTTP
// response counts, auth failures included; only transport errors fail.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("llm endpoint unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (c *Client) newRequest(ctx context.Context, request chatRequest) (*http.Request, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

// Chat performs a non-streaming completion. When jsonMode is set the endpoint
// is asked for a JSON object response.
func (c *Client) Chat(ctx context.Context, messages []Message, temperature float64, jsonMode bool) (string, error) {
	request := chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temperature,
	}
	if jsonMode {
		request.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	req, err := c.newRequest(ctx, request)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errs.Wrap(errs.KindLLMUnavailable, "chat completion request failed", err).WithRetriable()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", errs.Wrap(errs.KindLLMUnavailable,
			fmt.Sprintf("chat completion returned status %d", resp.StatusCode),
			fmt.Errorf("%s", string(body))).WithRetriable()
	}

	var response chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", errs.Wrap(errs.KindLLMUnavailable, "failed to decode chat response", err)
	}
	if response.Error != nil {
		return "", errs.New(errs.KindLLMUnavailable, response.Error.Message)
	}
	if len(response.Choices) == 0 {
		return "", errs.New(errs.KindLLMUnavailable, "no response choices returned")
	}

	return response.Choices[0].Message.Content, nil
}

// Stream is a live token stream. Tokens() closes when the stream ends; Err()
// is valid after that and reports why, nil on clean completion.
type Stream struct {
	tokens chan string
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func (s *Stream) Tokens() <-chan string {
	return s.tokens
}

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Close aborts the underlying HTTP request. Safe to call more than once and
// after the stream has ended.
func (s *Stream) Close() {
	s.cancel()
}

// ChatStream opens a streaming completion. The returned stream enforces the
// per-token idle timeout and is cancelled when ctx is.
func (c *Client) ChatStream(ctx context.Context, messages []Message, temperature float64) (*Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	request := chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temperature,
		Stream:      true,
	}

	req, err := c.newRequest(streamCtx, request)
	if err != nil {
		cancel()
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, errs.Wrap(errs.KindLLMUnavailable, "streaming request failed", err).WithRetriable()
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, errs.Wrap(errs.KindLLMUnavailable,
			fmt.Sprintf("streaming request returned status %d", resp.StatusCode),
			fmt.Errorf("%s", string(body))).WithRetriable()
	}

	stream := &Stream{
		tokens: make(chan string, 100),
		cancel: cancel,
	}

	// Idle watchdog: if no SSE line arrives within idleTimeout the request
	// is aborted and the stream ends with KindLLMTimeout.
	activity := make(chan struct{}, 1)
	timedOut := make(chan struct{})
	go func() {
		timer := time.NewTimer(c.idleTimeout)
		defer timer.Stop()
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-activity:
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(c.idleTimeout)
			case <-timer.C:
				close(timedOut)
				cancel()
				return
			}
		}
	}()

	go func() {
		defer close(stream.tokens)
		defer resp.Body.Close()
		defer cancel()

		err := c.consume(streamCtx, resp.Body, stream, activity)
		if err != nil {
			select {
			case <-timedOut:
				stream.setErr(errs.New(errs.KindLLMTimeout, "no token received within idle timeout").WithRetriable())
			default:
				if streamCtx.Err() != nil && ctx.Err() != nil {
					stream.setErr(errs.ErrCancelled)
				} else {
					stream.setErr(err)
				}
			}
		}
	}()

	return stream, nil
}

// consume reads SSE lines and forwards token deltas until [DONE], a finish
// reason, or an error.
func (c *Client) consume(ctx context.Context, body io.Reader, stream *Stream, activity chan<- struct{}) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case activity <- struct{}{}:
		default:
		}

		line := scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		jsonData := strings.TrimPrefix(line, "data: ")
		if jsonData == "[DONE]" {
			return nil
		}

		var chunk streamResponse
		if err := json.Unmarshal([]byte(jsonData), &chunk); err != nil {
			return errs.Wrap(errs.KindLLMUnavailable, "failed to decode stream chunk", err)
		}
		if chunk.Error != nil {
			return errs.New(errs.KindLLMUnavailable, chunk.Error.Message)
		}

		if len(chunk.Choices) > 0 {
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				select {
				case stream.tokens <- choice.Delta.Content:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if choice.FinishReason != "" {
				return nil
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.Wrap(errs.KindLLMUnavailable, "failed to read stream", err).WithRetriable()
	}
	return nil
}
