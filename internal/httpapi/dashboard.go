package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/call"
	"github.com/gin-gonic/gin"
)

const (
	defaultCallListLimit = 50
	maxCallListLimit     = 500
)

func (handler *Handler) HandleListCalls(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultCallListLimit)))
	if err != nil || limit < 1 {
		limit = defaultCallListLimit
	}

	if limit > maxCallListLimit {
		limit = maxCallListLimit
	}

	records, err := handler.DashboardRepo.ListCalls(
		c.Request.Context(), limit, c.Query("state"), c.Query("verdict"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"calls": records, "count": len(records)})
}

func (handler *Handler) HandleListActiveCalls(c *gin.Context) {
	records, err := handler.DashboardRepo.ListActiveCalls(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"calls": records, "count": len(records)})
}

func (handler *Handler) HandleGetCall(c *gin.Context) {
	record, err := handler.DashboardRepo.GetCall(c.Request.Context(), c.Param("call_id"))

	switch {
	case errors.Is(err, call.ErrCallNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
	default:
		c.JSON(http.StatusOK, record)
	}
}

func (handler *Handler) HandleGetStats(c *gin.Context) {
	stats, err := handler.DashboardRepo.GetStats(c.Request.Context(), time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	c.JSON(http.StatusOK, stats)
}

func (handler *Handler) HandleGetAnalytics(c *gin.Context) {
	analytics, err := handler.DashboardRepo.GetAnalytics(
		c.Request.Context(), c.DefaultQuery("period", "week"), time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	c.JSON(http.StatusOK, analytics)
}

func (handler *Handler) HandleGetTranscriptMetrics(c *gin.Context) {
	metrics, err := handler.DashboardRepo.GetTranscriptMetrics(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	c.JSON(http.StatusOK, metrics)
}
