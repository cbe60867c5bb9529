package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/m-cnan/thankan.ayyo/internal/dispatch"
	"github.com/m-cnan/thankan.ayyo/internal/ledger"
	"github.com/m-cnan/thankan.ayyo/internal/middleware"
	"github.com/m-cnan/thankan.ayyo/internal/persona"
	"github.com/m-cnan/thankan.ayyo/internal/pool"
	"github.com/m-cnan/thankan.ayyo/internal/providers"
	"github.com/m-cnan/thankan.ayyo/internal/utils"
)

const maxChatBodyBytes = 1 << 20

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Messages []providers.Message `json:"messages"`
	Mode     string              `json:"mode"`
}

// ChatHandler serves POST /api/chat.
type ChatHandler struct {
	dispatcher ChatDispatcher
	personas   *persona.Catalog
	generation providers.GenerationConfig
	recorder   *ledger.Recorder
	logger     *slog.Logger
}

// NewChatHandler creates a new chat handler
func NewChatHandler(deps *Dependencies) *ChatHandler {
	return &ChatHandler{
		dispatcher: deps.Dispatcher,
		personas:   deps.personas(),
		generation: deps.Generation,
		recorder:   deps.Ledger,
		logger:     deps.logger().With("component", "chat"),
	}
}

// ServeHTTP validates the request, then streams the dispatch as SSE.
//
// Flow:
//  1. Decode and validate the body (JSON errors before any stream)
//  2. Resolve the persona mode
//  3. Check credentials are configured (500 otherwise)
//  4. Open the event stream and dispatch
//  5. Guarantee a terminal frame and record the outcome
func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	logger := h.logger.With("request_id", requestID)

	var body ChatRequest
	if err := utils.DecodeJSONBody(w, r, &body, maxChatBodyBytes); err != nil {
		var reqErr *utils.RequestError
		if errors.As(err, &reqErr) {
			utils.RespondWithRequestError(w, reqErr.Status, reqErr.Message, requestID)
			return
		}
		utils.RespondWithRequestError(w, http.StatusBadRequest, "Invalid request body", requestID)
		return
	}

	if len(body.Messages) == 0 {
		utils.RespondWithRequestError(w, http.StatusBadRequest, "Messages array is required", requestID)
		return
	}

	p, err := h.personas.Resolve(strings.TrimSpace(body.Mode))
	if err != nil {
		utils.RespondWithRequestError(w, http.StatusBadRequest, "Invalid chat mode", requestID)
		return
	}

	messages := filterMessages(body.Messages)
	if len(messages) == 0 {
		utils.RespondWithRequestError(w, http.StatusBadRequest, "No user or assistant messages", requestID)
		return
	}

	if err := h.dispatcher.Preflight(); err != nil {
		if errors.Is(err, pool.ErrNoCredentials) {
			logger.Error("No upstream credentials configured")
			utils.RespondWithRequestError(w, http.StatusInternalServerError, "Upstream credentials not configured", requestID)
			return
		}
		utils.RespondWithRequestError(w, http.StatusInternalServerError, "Dispatcher unavailable", requestID)
		return
	}

	req := dispatch.Request{
		RequestID: requestID,
		Conversation: providers.Conversation{
			Persona:      p.Name,
			SystemPrompt: p.Prompt(len(messages) <= 1),
			Messages:     messages,
		},
		Generation: h.generation,
	}

	rel := newRelay(w, p.ID, h.personas, logger)
	rel.open()

	out, err := h.stream(r, req, rel, logger)
	if err != nil {
		logger.Error("Dispatch failed before streaming", "error", err)
	}
	rel.finish(persona.ToneGeneric)

	logger.Info("Chat request finished",
		"mode", p.ID,
		"result", out.Result,
		"attempts", out.Attempts,
		"escalations", out.Escalations,
		"emergency", out.Emergency,
		"tier", out.Tier,
		"model", out.Model,
		"credential", out.Credential,
		"fragments", out.Fragments,
		"duration", out.Duration,
	)
	h.recorder.Record(ledger.NewRecord(requestID, p.ID, out))
}

// stream runs the dispatch and turns a panic anywhere below into a server
// failure frame.
func (h *ChatHandler) stream(r *http.Request, req dispatch.Request, rel *relay, logger *slog.Logger) (out dispatch.Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Panic during dispatch", "panic", fmt.Sprint(p))
			rel.finish(persona.ToneServer)
			out.Result = dispatch.ResultFailed
			err = nil
		}
	}()
	return h.dispatcher.Dispatch(r.Context(), req, rel)
}

// filterMessages keeps user and assistant turns with content.
func filterMessages(in []providers.Message) []providers.Message {
	out := make([]providers.Message, 0, len(in))
	for _, m := range in {
		if m.Role != providers.RoleUser && m.Role != providers.RoleAssistant {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}
