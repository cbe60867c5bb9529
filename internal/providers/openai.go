package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	openRouterDefaultBaseURL = "https://openrouter.ai/api/v1"
	openAITimeout            = 120 * time.Second
	maxStreamLineSize        = 1 << 20
)

// OpenAIConfig configures an OpenAI-compatible streaming backend.
type OpenAIConfig struct {
	BaseURL string
	// Referer and Title are sent as OpenRouter attribution headers when set.
	Referer string
	Title   string
	Timeout time.Duration
	Logger  *slog.Logger
}

// OpenAIBackend streams chat completions from an OpenAI-compatible
// endpoint such as OpenRouter.
type OpenAIBackend struct {
	client  *http.Client
	baseURL string
	referer string
	title   string
	logger  *slog.Logger
}

// NewOpenAIBackend creates the backend with a pooled HTTP transport.
func NewOpenAIBackend(cfg OpenAIConfig) *OpenAIBackend {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = openRouterDefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = openAITimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &OpenAIBackend{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL: baseURL,
		referer: cfg.Referer,
		title:   cfg.Title,
		logger:  logger.With("component", "openai-compatible"),
	}
}

func (b *OpenAIBackend) Kind() Kind {
	return KindOpenAI
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int32         `json:"max_tokens,omitempty"`
}

type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *apiErrorBody `json:"error,omitempty"`
}

type apiErrorBody struct {
	Message string          `json:"message"`
	Code    json.RawMessage `json:"code"`
	Type    string          `json:"type"`
}

func (b *OpenAIBackend) Stream(ctx context.Context, secret string, req Request, emit FragmentFunc) error {
	body, err := json.Marshal(chatCompletionRequest{
		Model:       req.Model,
		Messages:    openAIMessages(req.Conversation),
		Stream:      true,
		Temperature: req.Generation.Temperature,
		MaxTokens:   req.Generation.MaxOutputTokens,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+secret)
	if b.referer != "" {
		httpReq.Header.Set("HTTP-Referer", b.referer)
	}
	if b.title != "" {
		httpReq.Header.Set("X-Title", b.title)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return upstreamErrorFromResponse(resp, respBody)
	}

	reader := NewStreamReader(resp.Body)
	defer reader.Close()

	for {
		event, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read stream: %w", err)
		}

		var chunk chatCompletionChunk
		if err := json.Unmarshal(event.Data, &chunk); err != nil {
			b.logger.Debug("Skipping malformed stream chunk", "error", err)
			continue
		}
		if chunk.Error != nil {
			return &UpstreamError{
				StatusCode: codeAsStatus(chunk.Error.Code),
				Code:       codeAsString(chunk.Error.Code),
				Message:    chunk.Error.Message,
			}
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if err := emit(choice.Delta.Content); err != nil {
				return err
			}
		}
	}
}

func (b *OpenAIBackend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

func openAIMessages(conv Conversation) []chatMessage {
	msgs := make([]chatMessage, 0, len(conv.Messages)+1)
	if conv.SystemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: conv.SystemPrompt})
	}
	for _, m := range conv.History() {
		msgs = append(msgs, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	msgs = append(msgs, chatMessage{Role: string(RoleUser), Content: conv.chatLatest()})
	return msgs
}

func upstreamErrorFromResponse(resp *http.Response, body []byte) *UpstreamError {
	upErr := &UpstreamError{
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		Message:    http.StatusText(resp.StatusCode),
	}

	var parsed struct {
		Error *apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != nil {
		if parsed.Error.Message != "" {
			upErr.Message = parsed.Error.Message
		}
		upErr.Code = codeAsString(parsed.Error.Code)
		if upErr.Code == "" {
			upErr.Code = parsed.Error.Type
		}
	}
	return upErr
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func codeAsString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func codeAsStatus(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	return 0
}

// StreamEvent is one data frame of an SSE stream.
type StreamEvent struct {
	Data []byte
	Done bool
}

// StreamReader reads "data:" frames from an SSE body. Comment lines and
// other fields are skipped.
type StreamReader struct {
	scanner *bufio.Scanner
	closer  io.Closer
}

// NewStreamReader wraps an SSE response body.
func NewStreamReader(r io.ReadCloser) *StreamReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLineSize)
	return &StreamReader{scanner: scanner, closer: r}
}

// Read returns the next data frame, or io.EOF at the end of the stream or
// on the [DONE] sentinel.
func (s *StreamReader) Read() (*StreamEvent, error) {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(data) == 0 {
			continue
		}
		if bytes.Equal(data, []byte("[DONE]")) {
			return &StreamEvent{Done: true}, io.EOF
		}
		out := make([]byte, len(data))
		copy(out, data)
		return &StreamEvent{Data: out}, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return &StreamEvent{Done: true}, io.EOF
}

// Close closes the underlying body.
func (s *StreamReader) Close() error {
	return s.closer.Close()
}
