package api

import (
	"context"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// handleHealth returns engine status for service discovery.
func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "operational",
		"engine": "FluxFlow Exchange Flow Engine v1.0",
		"capabilities": gin.H{
			"multi_hop_enhancement": true,
			"historical_detection":  true,
			"fallback_source":       true,
			"websocket_stream":      true,
		},
	})
}

// handleStatus returns the full operational snapshot: sync progress,
// enhancement counters, store aggregates and the active data source.
func (h *APIHandler) handleStatus(c *gin.Context) {
	stats, err := h.store.GetStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read store stats", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sync":        h.pipeline.GetStatus(),
		"enhancement": h.engine.GetProgress(),
		"store":       stats,
		"source": gin.H{
			"active":            h.client.ActiveSourceName(),
			"switches":          h.client.SwitchCount(),
			"consecutiveErrors": h.client.ConsecutiveErrors(),
		},
		"nodeOperators":     h.classifier.OperatorCount(),
		"backgroundEnabled": h.scheduler.BackgroundEnabled(),
		"cache":             h.engine.Cache().Stats(),
	})
}

// handleGetFlows returns flow events for a named period ("24h", "7d",
// "30d") or an explicit fromHeight/toHeight range.
func (h *APIHandler) handleGetFlows(c *gin.Context) {
	low, high, ok := h.resolveRange(c)
	if !ok {
		return
	}

	events, err := h.store.GetFlowEvents(c.Request.Context(), low, high)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch flow events", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":       events,
		"count":      len(events),
		"fromHeight": low,
		"toHeight":   high,
	})
}

// handleTopMovers returns the largest buyers or sellers over a period.
// GET /api/v1/flows/top?side=buyers&period=24h&limit=10
func (h *APIHandler) handleTopMovers(c *gin.Context) {
	side := c.DefaultQuery("side", "buyers")
	if side != "buyers" && side != "sellers" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "side must be buyers or sellers"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if limit <= 0 || limit > 100 {
		limit = 10
	}

	low, _, ok := h.resolveRange(c)
	if !ok {
		return
	}

	movers, err := h.store.TopMovers(c.Request.Context(), side, low, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch top movers", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"side":       side,
		"data":       movers,
		"fromHeight": low,
	})
}

// handleEnhance triggers a manual enhancement run in the background. The
// engine's own guard makes a second trigger while one is running a no-op.
func (h *APIHandler) handleEnhance(c *gin.Context) {
	progress := h.engine.GetProgress()
	if progress.IsRunning {
		c.JSON(http.StatusConflict, gin.H{"error": "Enhancement run already in progress"})
		return
	}

	go func() {
		if _, err := h.engine.EnhanceUnknowns(context.Background()); err != nil {
			log.Printf("[API] Manual enhancement run failed: %v", err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"status": "enhancement_started"})
}

// handleEnhanceProgress returns lifetime enhancement counters and cache
// statistics.
func (h *APIHandler) handleEnhanceProgress(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"progress": h.engine.GetProgress(),
		"cache":    h.engine.Cache().Stats(),
	})
}

func (h *APIHandler) handleBackgroundStart(c *gin.Context) {
	h.scheduler.SetBackgroundEnabled(true)
	c.JSON(http.StatusOK, gin.H{"backgroundEnabled": true})
}

func (h *APIHandler) handleBackgroundStop(c *gin.Context) {
	h.scheduler.SetBackgroundEnabled(false)
	c.JSON(http.StatusOK, gin.H{"backgroundEnabled": false})
}

// resolveRange turns query parameters into a [low, high] block range.
// Explicit fromHeight/toHeight win over the period label. On error a 400
// has already been written and ok is false.
func (h *APIHandler) resolveRange(c *gin.Context) (low, high int64, ok bool) {
	if from := c.Query("fromHeight"); from != "" {
		low, err := strconv.ParseInt(from, 10, 64)
		if err != nil || low < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid fromHeight"})
			return 0, 0, false
		}
		high = int64(1<<62 - 1)
		if to := c.Query("toHeight"); to != "" {
			high, err = strconv.ParseInt(to, 10, 64)
			if err != nil || high < low {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid toHeight"})
				return 0, 0, false
			}
		}
		return low, high, true
	}

	period := c.DefaultQuery("period", "24h")
	span, found := h.cfg.Periods[period]
	if !found {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown period", "period": period})
		return 0, 0, false
	}

	_, maxStored, _, err := h.store.HeightRange(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read height range", "details": err.Error()})
		return 0, 0, false
	}
	low = maxStored - span
	if low < 0 {
		low = 0
	}
	return low, maxStored, true
}
