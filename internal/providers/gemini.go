package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

// GeminiConfig configures the Google AI Studio backends.
type GeminiConfig struct {
	// BaseURL overrides the API endpoint. Empty uses the SDK default.
	BaseURL        string
	ClientCacheTTL time.Duration
	ClientCacheMax int
	Logger         *slog.Logger
}

// GeminiBackend streams from Google AI Studio through the genai SDK. One
// value serves a single call shape: KindChat or KindPrompt.
type GeminiBackend struct {
	kind    Kind
	clients *genaiClientCache
	logger  *slog.Logger
}

// NewGeminiBackends returns the chat and prompt shaped backends sharing one
// client cache.
func NewGeminiBackends(cfg GeminiConfig) (*GeminiBackend, *GeminiBackend) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cache := newGenaiClientCache(cfg.ClientCacheMax, cfg.ClientCacheTTL, cfg.BaseURL)
	chat := &GeminiBackend{kind: KindChat, clients: cache, logger: logger.With("component", "gemini", "shape", KindChat)}
	prompt := &GeminiBackend{kind: KindPrompt, clients: cache, logger: logger.With("component", "gemini", "shape", KindPrompt)}
	return chat, prompt
}

func (b *GeminiBackend) Kind() Kind {
	return b.kind
}

func (b *GeminiBackend) Stream(ctx context.Context, secret string, req Request, emit FragmentFunc) error {
	cli, err := b.clients.get(ctx, secret)
	if err != nil {
		return fmt.Errorf("failed to create genai client: %w", err)
	}

	contents, cfg := b.buildRequest(req)

	for resp, err := range cli.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
		if err != nil {
			return normalizeGenaiError(err)
		}
		text := responseText(resp)
		if text == "" {
			continue
		}
		if err := emit(text); err != nil {
			return err
		}
	}
	return nil
}

func (b *GeminiBackend) Close() error {
	b.clients.purge()
	return nil
}

func (b *GeminiBackend) buildRequest(req Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	cfg := &genai.GenerateContentConfig{}
	if req.Generation.Temperature > 0 {
		cfg.Temperature = genai.Ptr(req.Generation.Temperature)
	}
	if req.Generation.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = req.Generation.MaxOutputTokens
	}

	conv := req.Conversation
	if b.kind == KindPrompt {
		return []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: conv.flatPrompt()}}}}, cfg
	}

	if conv.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: conv.SystemPrompt}}}
	}
	return chatContents(conv), cfg
}

// chatContents maps the history into genai roles. The SDK calls the
// assistant "model".
func chatContents(conv Conversation) []*genai.Content {
	history := conv.History()
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, m := range history {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{{Text: m.Content}}})
	}
	contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: conv.chatLatest()}}})
	return contents
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		b.WriteString(part.Text)
	}
	return b.String()
}

// normalizeGenaiError converts SDK errors into *UpstreamError so the
// classifier can see status codes and retry hints.
func normalizeGenaiError(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		var apiErrPtr *genai.APIError
		if !errors.As(err, &apiErrPtr) || apiErrPtr == nil {
			return err
		}
		apiErr = *apiErrPtr
	}

	upErr := &UpstreamError{
		StatusCode: apiErr.Code,
		Status:     apiErr.Status,
		Message:    apiErr.Message,
		RetryAfter: retryDelay(apiErr.Details),
		Err:        err,
	}
	if upErr.StatusCode == 0 {
		upErr.StatusCode = http.StatusBadGateway
	}
	for _, d := range apiErr.Details {
		if reason, ok := d["reason"].(string); ok && reason != "" {
			upErr.Code = reason
			break
		}
	}
	return upErr
}

// retryDelay reads google.rpc.RetryInfo from error details.
func retryDelay(details []map[string]any) time.Duration {
	for _, d := range details {
		typ, _ := d["@type"].(string)
		if !strings.HasSuffix(typ, "google.rpc.RetryInfo") {
			continue
		}
		raw, _ := d["retryDelay"].(string)
		if raw == "" {
			continue
		}
		if delay, err := time.ParseDuration(raw); err == nil && delay > 0 {
			return delay
		}
	}
	return 0
}
