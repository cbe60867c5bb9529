package providers

import (
	"context"
	"fmt"
	"sync"
)

// Kind selects the upstream call shape used for a tier.
type Kind string

const (
	// KindChat sends the conversation as role-tagged history with a separate
	// system instruction.
	KindChat Kind = "chat"

	// KindPrompt flattens the whole conversation into a single prompt, for
	// models without system instruction support.
	KindPrompt Kind = "prompt"

	// KindOpenAI streams from an OpenAI-compatible chat completions endpoint.
	KindOpenAI Kind = "openai"
)

// Role is the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the conversation as sent by the caller.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Conversation is everything a backend needs to build its upstream request.
type Conversation struct {
	// Persona is the display name the model is asked to answer as.
	Persona string

	// SystemPrompt is the persona instruction chosen for this turn.
	SystemPrompt string

	// Messages is the full history, ending with the latest user message.
	Messages []Message
}

// GenerationConfig holds sampling parameters shared by every tier.
type GenerationConfig struct {
	Temperature     float32
	MaxOutputTokens int32
}

// Request is one upstream attempt.
type Request struct {
	Model        string
	Conversation Conversation
	Generation   GenerationConfig
}

// FragmentFunc receives streamed text fragments in upstream order. Returning
// an error aborts the stream.
type FragmentFunc func(fragment string) error

// Backend is implemented by each upstream call shape.
type Backend interface {
	// Kind returns the call shape this backend implements.
	Kind() Kind

	// Stream performs one attempt with the given credential secret, calling
	// emit for every non-empty fragment. Upstream failures are returned as
	// *UpstreamError where the status is known.
	Stream(ctx context.Context, secret string, req Request, emit FragmentFunc) error

	// Close releases pooled connections or clients.
	Close() error
}

// Registry resolves backends by kind.
type Registry struct {
	mu       sync.RWMutex
	backends map[Kind]Backend
}

// NewRegistry creates a registry holding the given backends.
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: make(map[Kind]Backend, len(backends))}
	for _, b := range backends {
		r.backends[b.Kind()] = b
	}
	return r
}

// Register adds or replaces the backend for its kind.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Kind()] = b
}

// Get returns the backend for kind.
func (r *Registry) Get(kind Kind) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[kind]
	if !ok {
		return nil, fmt.Errorf("no backend registered for kind %q", kind)
	}
	return b, nil
}

// Close closes every registered backend and returns the first error.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, b := range r.backends {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
