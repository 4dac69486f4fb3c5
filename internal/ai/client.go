package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/AkhildevCV/mindsql-package/internal/config"
	"github.com/AkhildevCV/mindsql-package/internal/prompt"
)

var (
	// ErrModelUnavailable marks transport failures reaching the backend.
	ErrModelUnavailable = errors.New("ai: model backend unavailable")
	// ErrModelTimeout marks completions that exceeded the bounded wait.
	ErrModelTimeout = errors.New("ai: model timed out")
)

// Response is the raw model output plus the mode it was generated under.
// It is ephemeral: the extractor consumes it immediately.
type Response struct {
	Text   string
	Mode   prompt.Mode
	Model  string
	Chunks int
}

// Client sends assembled prompts to a language-model backend. It performs no
// retries; retry policy belongs to the pipeline.
type Client interface {
	Complete(ctx context.Context, p prompt.Prompt) (Response, error)
	Stream(ctx context.Context, p prompt.Prompt) (*Stream, error)
}

// OpenAIClient talks to any OpenAI-compatible chat endpoint, including a
// local Ollama server exposing /v1.
type OpenAIClient struct {
	client      *openai.Client
	model       string
	temperature float32
	topP        float32
	maxTokens   int
	timeout     time.Duration
}

func NewOpenAIClient(cfg config.AIConfig) *OpenAIClient {
	apiKey := cfg.APIKey
	if apiKey == "" {
		// Local backends ignore the key but the client requires a value.
		apiKey = "mindsql-local"
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &OpenAIClient{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: float32(cfg.Temperature),
		topP:        float32(cfg.TopP),
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
	}
}

// Complete issues a single chat completion and materializes the full text.
func (c *OpenAIClient) Complete(ctx context.Context, p prompt.Prompt) (Response, error) {
	ctx, cancel := c.boundedContext(ctx)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, c.request(p))
	if err != nil {
		return Response{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("%w: no choices returned", ErrModelUnavailable)
	}
	return Response{
		Text:  resp.Choices[0].Message.Content,
		Mode:  p.Mode,
		Model: c.model,
	}, nil
}

// Stream opens a chunked completion. The returned stream is finite and not
// restartable; a new call re-issues the full prompt.
func (c *OpenAIClient) Stream(ctx context.Context, p prompt.Prompt) (*Stream, error) {
	ctx, cancel := c.boundedContext(ctx)

	req := c.request(p)
	req.Stream = true
	upstream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		cancel()
		return nil, classify(err)
	}
	return &Stream{upstream: upstream, mode: p.Mode, model: c.model, cancel: cancel}, nil
}

func (c *OpenAIClient) request(p prompt.Prompt) openai.ChatCompletionRequest {
	msgs := p.Messages()
	converted := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		converted = append(converted, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    converted,
		Temperature: c.temperature,
		TopP:        c.topP,
	}
	// Explain mode needs room for the rationale; the token cap only guards
	// strict and plot generations against runaway output.
	if p.Mode != prompt.ModeExplain && c.maxTokens > 0 {
		req.MaxTokens = c.maxTokens
	}
	return req
}

func (c *OpenAIClient) boundedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Stream yields completion text chunks until the backend finishes. Recv
// returns io.EOF after the final chunk; Collect drains the remainder into a
// Response so extraction always operates on fully assembled text.
type Stream struct {
	upstream *openai.ChatCompletionStream
	mode     prompt.Mode
	model    string
	cancel   context.CancelFunc

	assembled strings.Builder
	chunks    int
	closed    bool
}

func (s *Stream) Recv() (string, error) {
	if s.closed {
		return "", io.EOF
	}
	for {
		resp, err := s.upstream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.Close()
				return "", io.EOF
			}
			s.Close()
			return "", classify(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		s.assembled.WriteString(delta)
		s.chunks++
		return delta, nil
	}
}

// Collect drains the stream and returns the assembled response.
func (s *Stream) Collect() (Response, error) {
	for {
		_, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Response{}, err
		}
	}
	return Response{Text: s.assembled.String(), Mode: s.mode, Model: s.model, Chunks: s.chunks}, nil
}

// Text returns everything received so far.
func (s *Stream) Text() string {
	return s.assembled.String()
}

func (s *Stream) Close() {
	if s.closed {
		return
	}
	s.closed = true
	_ = s.upstream.Close()
	if s.cancel != nil {
		s.cancel()
	}
}

func classify(err error) error {
	// A canceled context is the caller aborting, not a backend fault.
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrModelTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrModelTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
}
