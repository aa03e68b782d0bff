package httpapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/Proton-105/xo-arena/internal/admin"
	"github.com/Proton-105/xo-arena/internal/domain"
	apperrors "github.com/Proton-105/xo-arena/internal/errors"
	"github.com/Proton-105/xo-arena/internal/gateway"
	"github.com/Proton-105/xo-arena/internal/match"
	"github.com/Proton-105/xo-arena/internal/registry"
)

const (
	// AdminHeader identifies the administrator performing a request.
	AdminHeader = "X-Admin-Id"
	// SignatureHeader carries the hex HMAC-SHA256 of a webhook body.
	SignatureHeader = "X-Signature"

	adminKey        = "admin_id"
	maxWebhookBytes = 64 << 10
)

var errBadSignature = apperrors.NewValidationError(apperrors.CodeForbidden, "invalid webhook signature")

func (a *API) liveness(c *gin.Context) {
	if err := a.deps.Probes.Liveness(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down"})
		return
	}
	respond(c, gin.H{"status": "ok"})
}

func (a *API) readiness(c *gin.Context) {
	report, err := a.deps.Probes.Readiness(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": err.Error(), "components": report.Components})
		return
	}
	respond(c, gin.H{"status": "ok", "components": report.Components})
}

// serveWS upgrades the request and hands the connection to the gateway.
// GET /ws?user_id=...&lang=...
func (a *API) serveWS(c *gin.Context) {
	ws, err := a.deps.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already written the response
		a.log.Debug("websocket upgrade failed", slog.Any("error", err))
		return
	}

	conn := gateway.NewWSConn(ws, a.cfg.PingInterval)
	if err := a.deps.Gateway.Serve(c.Request.Context(), conn, c.Query("user_id"), a.language(c)); err != nil {
		a.log.Debug("websocket session ended", slog.Any("error", err))
	}
}

// GET /api/users/:id
func (a *API) getUser(c *gin.Context) {
	u, err := a.deps.Users.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	respond(c, u)
}

// GET /api/users/:id/transactions?limit=N
func (a *API) listTransactions(c *gin.Context) {
	limit, ok := a.userListing(c)
	if !ok {
		return
	}

	txs, err := a.deps.Transactions.ListByUser(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		a.fail(c, apperrors.NewDatabaseError(err))
		return
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	respond(c, gin.H{"transactions": txs})
}

// GET /api/users/:id/matches?limit=N
func (a *API) listHistory(c *gin.Context) {
	limit, ok := a.userListing(c)
	if !ok {
		return
	}

	matches, err := a.deps.History.ListByPlayer(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		a.fail(c, apperrors.NewDatabaseError(err))
		return
	}
	if matches == nil {
		matches = []match.Match{}
	}
	respond(c, gin.H{"matches": matches})
}

// userListing parses the limit query and checks that the user exists.
func (a *API) userListing(c *gin.Context) (int, bool) {
	limit := a.cfg.HistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			a.fail(c, apperrors.Wrap(errBadRequest, err))
			return 0, false
		}
		limit = min(n, a.cfg.HistoryLimit)
	}

	if _, err := a.deps.Users.Get(c.Request.Context(), c.Param("id")); err != nil {
		a.fail(c, err)
		return 0, false
	}
	return limit, true
}

// GET /api/matches?status=waiting|playing
func (a *API) listMatches(c *gin.Context) {
	var matches []match.Match
	switch c.Query("status") {
	case "", string(match.StatusWaiting):
		matches = a.deps.Games.Lobby()
	case string(match.StatusPlaying):
		matches = a.deps.Games.List(registry.Playing)
	default:
		a.fail(c, errBadRequest)
		return
	}
	if matches == nil {
		matches = []match.Match{}
	}
	respond(c, gin.H{"matches": matches})
}

// GET /api/matches/:id
func (a *API) getMatch(c *gin.Context) {
	m, err := a.deps.Games.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	respond(c, m)
}

// verifySignature rejects webhook bodies whose HMAC does not match the shared secret.
func (a *API) verifySignature(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBytes))
	if err != nil {
		a.fail(c, apperrors.Wrap(errBadRequest, err))
		return
	}

	mac := hmac.New(sha256.New, []byte(a.cfg.WebhookSecret))
	mac.Write(body)
	expected := mac.Sum(nil)

	given, err := hex.DecodeString(c.GetHeader(SignatureHeader))
	if err != nil || !hmac.Equal(given, expected) {
		a.log.Warn("webhook signature mismatch", slog.String("remote", c.ClientIP()))
		a.fail(c, errBadSignature)
		return
	}

	c.Set(gin.BodyBytesKey, body)
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	c.Next()
}

// POST /webhooks/payments
func (a *API) paymentWebhook(c *gin.Context) {
	var notice admin.PaymentNotice
	if err := c.ShouldBindBodyWith(&notice, binding.JSON); err != nil {
		a.fail(c, apperrors.Wrap(errBadRequest, err))
		return
	}

	receipt, err := a.deps.Admin.RecordPayment(c.Request.Context(), notice)
	if err != nil {
		a.fail(c, err)
		return
	}
	respond(c, receipt)
}

func (a *API) requireAdmin(c *gin.Context) {
	u, err := a.deps.Admin.Authorize(c.Request.Context(), c.GetHeader(AdminHeader))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.Set(adminKey, u.ID)
	c.Next()
}

type resolveRequest struct {
	Status domain.TransactionStatus `json:"status" binding:"required,oneof=completed failed"`
}

// POST /admin/transactions/:id/resolve
func (a *API) resolveTransaction(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.fail(c, apperrors.Wrap(errBadRequest, err))
		return
	}

	tx, balance, err := a.deps.Admin.ResolveTransaction(c.Request.Context(), c.GetString(adminKey), c.Param("id"), req.Status)
	if err != nil {
		a.fail(c, err)
		return
	}
	respond(c, gin.H{"transaction": tx, "balance": balance})
}

type adjustRequest struct {
	Amount    int64                  `json:"amount" binding:"required,gt=0"`
	Type      domain.TransactionType `json:"type" binding:"required,oneof=deposit withdrawal"`
	Reference string                 `json:"reference"`
}

// POST /admin/users/:id/balance
func (a *API) adjustBalance(c *gin.Context) {
	var req adjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.fail(c, apperrors.Wrap(errBadRequest, err))
		return
	}

	userID := c.Param("id")
	balance, err := a.deps.Admin.AdjustBalance(c.Request.Context(), c.GetString(adminKey), userID, req.Amount, req.Type, req.Reference)
	if err != nil {
		a.fail(c, err)
		return
	}
	respond(c, gin.H{"user_id": userID, "balance": balance})
}

// GET /admin/settlements/failed
func (a *API) failedSettlements(c *gin.Context) {
	matches := a.deps.Games.List(registry.SettlementFailed)
	if matches == nil {
		matches = []match.Match{}
	}
	respond(c, gin.H{"matches": matches})
}

// POST /admin/settlements/reconcile
func (a *API) reconcile(c *gin.Context) {
	settled, err := a.deps.Games.ReconcileFailed(c.Request.Context(), a.cfg.ReconcileBatch)
	if err != nil {
		a.fail(c, err)
		return
	}
	respond(c, gin.H{"settled": settled})
}
