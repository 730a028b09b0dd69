package scheduler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/condohq/seatbill/internal/auth"
)

// Handler exposes the scheduler control endpoints. Super admin only.
type Handler struct {
	sched *Scheduler
}

// NewHandler creates a scheduler HTTP handler.
func NewHandler(sched *Scheduler) *Handler {
	return &Handler{sched: sched}
}

// RegisterRoutes registers the scheduler endpoints under /scheduler.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	sched := r.Group("/scheduler", auth.RequireSuperAdmin())
	sched.GET("/status", h.Status)
	sched.GET("/history", h.History)
	sched.POST("/run-now", h.RunNow)
}

// Status reports the running flag, last run, and next scheduled fire.
func (h *Handler) Status(c *gin.Context) {
	st, err := h.sched.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to read scheduler status"})
		return
	}
	c.JSON(http.StatusOK, st)
}

// History returns recent sweep runs, most recent first.
func (h *Handler) History(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "validation_error", "message": "limit must be between 1 and 200",
				"details": gin.H{"field": "limit"},
			})
			return
		}
		limit = n
	}

	runs, err := h.sched.History(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to read sweep history"})
		return
	}
	if runs == nil {
		runs = []*Run{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

// RunNow triggers a sweep immediately unless one is already in flight.
func (h *Handler) RunNow(c *gin.Context) {
	run, err := h.sched.RunNow(c.Request.Context(), TriggerManual)
	if err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": "state_conflict", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "sweep failed to start"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}
