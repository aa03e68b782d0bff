// Package httpapi exposes the websocket endpoint, read-only queries, payment
// callbacks and administrative actions over HTTP.
package httpapi

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Proton-105/xo-arena/internal/admin"
	"github.com/Proton-105/xo-arena/internal/domain"
	apperrors "github.com/Proton-105/xo-arena/internal/errors"
	"github.com/Proton-105/xo-arena/internal/gateway"
	"github.com/Proton-105/xo-arena/internal/health"
	"github.com/Proton-105/xo-arena/internal/i18n"
	"github.com/Proton-105/xo-arena/internal/idempotency"
	"github.com/Proton-105/xo-arena/internal/match"
	"github.com/Proton-105/xo-arena/internal/middleware"
	"github.com/Proton-105/xo-arena/internal/registry"
	"github.com/Proton-105/xo-arena/internal/repository"
)

// Games is the game service surface used by HTTP handlers.
type Games interface {
	Get(ctx context.Context, matchID string) (match.Match, error)
	Lobby() []match.Match
	List(filter registry.Filter) []match.Match
	ReconcileFailed(ctx context.Context, limit int) (int, error)
}

// Users reads profiles.
type Users interface {
	Get(ctx context.Context, userID string) (*domain.User, error)
}

// Admin performs privileged balance operations.
type Admin interface {
	Authorize(ctx context.Context, adminID string) (*domain.User, error)
	ResolveTransaction(ctx context.Context, adminID, txID string, status domain.TransactionStatus) (*domain.Transaction, int64, error)
	AdjustBalance(ctx context.Context, adminID, userID string, amount int64, kind domain.TransactionType, reference string) (int64, error)
	RecordPayment(ctx context.Context, n admin.PaymentNotice) (admin.Receipt, error)
}

// Gateway serves one client connection until it closes.
type Gateway interface {
	Serve(ctx context.Context, conn gateway.Conn, userID, lang string) error
}

// Probes backs the health endpoints.
type Probes interface {
	Liveness(ctx context.Context) error
	Readiness(ctx context.Context) (health.Report, error)
}

// Config tunes the HTTP surface.
type Config struct {
	WebhookSecret  string
	PingInterval   time.Duration
	IdempotencyTTL time.Duration
	ReconcileBatch int
	HistoryLimit   int
}

// Deps are the collaborators of the API. Catalog, Idempotency, History and Gateway are optional.
type Deps struct {
	Games        Games
	Users        Users
	Transactions repository.TransactionRepository
	History      repository.GameRepository
	Admin        Admin
	Gateway      Gateway
	Upgrader     *websocket.Upgrader
	Probes       Probes
	Errors       *apperrors.Handler
	Catalog      *i18n.Manager
	Idempotency  idempotency.Manager
}

// API holds the HTTP handlers.
type API struct {
	deps    Deps
	cfg     Config
	errors  *apperrors.Handler
	catalog *i18n.Manager
	log     *slog.Logger
}

// NewRouter builds the gin engine with all routes registered.
func NewRouter(deps Deps, cfg Config, log *slog.Logger) *gin.Engine {
	if log == nil {
		log = slog.Default()
	}
	if deps.Errors == nil {
		deps.Errors = apperrors.NewHandler(log, false)
	}
	if cfg.ReconcileBatch <= 0 {
		cfg.ReconcileBatch = 100
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}

	a := &API{
		deps:    deps,
		cfg:     cfg,
		errors:  deps.Errors,
		catalog: deps.Catalog,
		log:     log.With(slog.String("component", "httpapi")),
	}

	r := gin.New()
	r.Use(
		middleware.CorrelationID(),
		middleware.RequestLogger(log),
		middleware.HTTPMetrics(),
		gin.CustomRecovery(a.recovered),
	)

	r.GET("/healthz", a.liveness)
	r.GET("/readyz", a.readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if deps.Gateway != nil {
		r.GET("/ws", a.serveWS)
	}

	api := r.Group("/api")
	{
		api.GET("/users/:id", a.getUser)
		api.GET("/users/:id/transactions", a.listTransactions)
		if deps.History != nil {
			api.GET("/users/:id/matches", a.listHistory)
		}
		api.GET("/matches", a.listMatches)
		api.GET("/matches/:id", a.getMatch)
	}

	if cfg.WebhookSecret != "" {
		r.POST("/webhooks/payments", a.verifySignature, a.paymentWebhook)
	}

	adm := r.Group("/admin", a.requireAdmin, middleware.Idempotency(deps.Idempotency, cfg.IdempotencyTTL, log))
	{
		adm.POST("/transactions/:id/resolve", a.resolveTransaction)
		adm.POST("/users/:id/balance", a.adjustBalance)
		adm.GET("/settlements/failed", a.failedSettlements)
		adm.POST("/settlements/reconcile", a.reconcile)
	}

	return r
}

func (a *API) recovered(c *gin.Context, recovered any) {
	a.log.Error("panic in http handler", slog.String("path", c.Request.URL.Path), slog.Any("panic", recovered))
	a.fail(c, middleware.ErrPanic)
}
