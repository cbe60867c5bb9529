// Package httpapi exposes the chat endpoint, its SSE relay and the
// operational endpoints over HTTP.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/m-cnan/thankan.ayyo/internal/auth"
	"github.com/m-cnan/thankan.ayyo/internal/dispatch"
	"github.com/m-cnan/thankan.ayyo/internal/ledger"
	"github.com/m-cnan/thankan.ayyo/internal/middleware"
	"github.com/m-cnan/thankan.ayyo/internal/persona"
	"github.com/m-cnan/thankan.ayyo/internal/pool"
	"github.com/m-cnan/thankan.ayyo/internal/providers"
	"github.com/m-cnan/thankan.ayyo/internal/ratelimit"
)

// ChatDispatcher runs one chat request against the credential pool.
type ChatDispatcher interface {
	Preflight() error
	Dispatch(ctx context.Context, req dispatch.Request, emitter dispatch.Emitter) (dispatch.Outcome, error)
	Ladder() providers.Ladder
}

// PoolAdmin is the diagnostic and recovery surface of the credential pool.
type PoolAdmin interface {
	Snapshot() pool.Snapshot
	Credentials() []pool.CredentialStatus
	Deescalate() bool
}

// LedgerStore reads back persisted dispatch records.
type LedgerStore interface {
	Recent(ctx context.Context, limit int) ([]*ledger.Record, error)
	GetByRequestID(ctx context.Context, requestID string) (*ledger.Record, error)
}

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Dispatcher ChatDispatcher
	Pool       PoolAdmin
	Personas   *persona.Catalog
	Generation providers.GenerationConfig

	// Ledger receives one record per chat request. Optional.
	Ledger *ledger.Recorder
	// LedgerStore backs the admin ledger endpoints. Optional.
	LedgerStore LedgerStore

	// Metrics serves /metrics. Optional.
	Metrics http.Handler

	// ChatLimiter throttles POST /api/chat to ChatRateLimit requests per
	// client per minute. Optional. Clients are keyed by socket peer unless
	// it is one of TrustedProxies.
	ChatLimiter    ratelimit.Limiter
	ChatRateLimit  int
	TrustedProxies *middleware.TrustedProxies

	AdminJWTSecret []byte
	Logger         *slog.Logger
}

func (d *Dependencies) personas() *persona.Catalog {
	if d.Personas == nil {
		return persona.Builtin()
	}
	return d.Personas
}

func (d *Dependencies) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// NewRouter creates an HTTP handler with all routes and the shared
// middleware wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()
	registerRoutes(mux, deps)
	return middleware.RequestID(middleware.AccessLog(deps.logger().With("component", "http"))(mux))
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies) {
	chat := middleware.RateLimit(deps.ChatLimiter, deps.ChatRateLimit, deps.TrustedProxies, deps.logger())(NewChatHandler(deps))
	mux.Handle("POST /api/chat", chat)
	mux.HandleFunc("GET /api/modes", deps.handleModes)

	mux.HandleFunc("GET /health", deps.handleHealth)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	admin := NewAdminHandler(deps)
	viewer := middleware.AdminJWTMiddleware(deps.AdminJWTSecret, auth.RoleViewer)
	operator := middleware.AdminJWTMiddleware(deps.AdminJWTSecret, auth.RoleAdmin)

	mux.Handle("GET /admin/pool", viewer(http.HandlerFunc(admin.PoolStatus)))
	mux.Handle("POST /admin/pool/deescalate", operator(http.HandlerFunc(admin.Deescalate)))
	mux.Handle("GET /admin/ledger", viewer(http.HandlerFunc(admin.RecentDispatches)))
	mux.Handle("GET /admin/ledger/{requestID}", viewer(http.HandlerFunc(admin.GetDispatch)))
}
