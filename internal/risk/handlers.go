package risk

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sewago/sentinel/internal/pagination"
	"github.com/sewago/sentinel/internal/signals"
)

// Handler provides HTTP endpoints for risk evaluation.
type Handler struct {
	collector *signals.Collector
	engine    *Engine
	audit     AuditStore
}

// NewHandler creates a new risk handler.
func NewHandler(collector *signals.Collector, engine *Engine, audit AuditStore) *Handler {
	return &Handler{collector: collector, engine: engine, audit: audit}
}

// RegisterRoutes sets up risk routes. The caller decides which router group
// (and which auth middleware) these live behind.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/risk/evaluate", h.Evaluate)
	r.GET("/risk/decisions/:identity", h.ListDecisions)
}

// Evaluate handles POST /v1/risk/evaluate.
// The booking and authentication flows call this before proceeding: they
// block the action on "block", require a secondary challenge on "challenge".
func (h *Handler) Evaluate(c *gin.Context) {
	var raw signals.RawSignal
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "invalid JSON body: " + err.Error(),
		})
		return
	}

	sig, err := h.collector.Collect(raw)
	if err != nil {
		if errors.Is(err, signals.ErrMalformedSignal) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "malformed_signal",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	decision := h.engine.Evaluate(c.Request.Context(), sig)
	c.JSON(http.StatusOK, gin.H{"decision": decision})
}

// ListDecisions handles GET /v1/risk/decisions/:identity (audit trail).
// Cursor-paginated, newest first.
func (h *Handler) ListDecisions(c *gin.Context) {
	if h.audit == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "decision audit trail is not enabled",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "invalid cursor",
		})
		return
	}

	// Fetch one extra row to learn whether another page exists.
	decisions, err := h.audit.ListByIdentity(c.Request.Context(), c.Param("identity"), limit+1, cursor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	decisions, next, hasMore := pagination.ComputePage(decisions, limit, func(d *Decision) (time.Time, string) {
		return d.EvaluatedAt, d.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"decisions":  decisions,
		"count":      len(decisions),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}
