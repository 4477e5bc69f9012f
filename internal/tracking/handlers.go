package tracking

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the booking lifecycle hooks the booking service calls on
// state transitions (confirmed, completed, cancelled), plus a read endpoint
// for session state.
type Handler struct {
	hub *Hub
}

// NewHandler creates a tracking handler.
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// RegisterRoutes sets up tracking lifecycle routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/bookings/:bookingId/tracking", h.OpenSession)
	r.DELETE("/bookings/:bookingId/tracking", h.CloseSession)
	r.GET("/bookings/:bookingId/tracking", h.GetSession)
}

type openSessionRequest struct {
	ProviderIdentity string `json:"providerIdentity" binding:"required"`
}

// OpenSession handles POST /v1/bookings/:bookingId/tracking.
// Called when a booking is confirmed, which only happens after its risk
// evaluation allowed it.
func (h *Handler) OpenSession(c *gin.Context) {
	var req openSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "providerIdentity is required",
		})
		return
	}

	s, err := h.hub.OpenSession(c.Param("bookingId"), req.ProviderIdentity)
	if err != nil {
		if errors.Is(err, ErrDuplicateSession) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_session",
				"message": "a tracking session already exists for this booking",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"session": s.Snapshot()})
}

// CloseSession handles DELETE /v1/bookings/:bookingId/tracking.
// Idempotent: the outcome (no session) is the same whether or not one existed.
func (h *Handler) CloseSession(c *gin.Context) {
	h.hub.CloseSession(c.Param("bookingId"))
	c.Status(http.StatusNoContent)
}

// GetSession handles GET /v1/bookings/:bookingId/tracking.
func (h *Handler) GetSession(c *gin.Context) {
	s, err := h.hub.Get(c.Param("bookingId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "no tracking session for this booking",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s.Snapshot()})
}
