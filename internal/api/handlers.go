package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/swapradar-engine/internal/config"
	"github.com/rawblock/swapradar-engine/pkg/models"
)

// GET /api/v1/alerts?mint=...&limit=50
// Returns the most recent persisted alerts, newest first. An empty
// mint filter matches all tokens.
func (h *Handler) handleAlerts(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}

	alerts, err := h.engine.RecentAlerts(c.Request.Context(), c.Query("mint"), limit)
	if err != nil {
		h.log.WithError(err).Warn("Alert history query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Alert history unavailable"})
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}

	c.JSON(http.StatusOK, gin.H{
		"alerts": alerts,
		"total":  len(alerts),
	})
}

// GET /api/v1/token/:mint
// Returns one mint's full picture: rolling-window aggregates, lifecycle
// state, the persisted profile, and recent trade history.
func (h *Handler) handleToken(c *gin.Context) {
	mint := c.Param("mint")
	ctx := c.Request.Context()

	sn, err := h.engine.TokenSnapshot(ctx, mint)
	if err != nil {
		h.log.WithError(err).Warn("Snapshot query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Counter store unavailable"})
		return
	}
	// All-buy windows carry an infinite ratio, which JSON cannot encode.
	sn.M5.BuySellRatio = models.FiniteRatio(sn.M5.BuySellRatio)
	sn.H1.BuySellRatio = models.FiniteRatio(sn.H1.BuySellRatio)

	state := h.engine.TokenState(mint)

	profile, err := h.engine.StoredTokenProfile(ctx, mint)
	if err != nil {
		h.log.WithError(err).Debug("Profile lookup failed")
	}

	if state == models.StateCold && profile == nil && sn.Quiet() {
		c.JSON(http.StatusNotFound, gin.H{"error": "Token not observed"})
		return
	}

	swaps, err := h.engine.RecentSwaps(ctx, mint, 20)
	if err != nil {
		h.log.WithError(err).Debug("Swap history lookup failed")
	}
	if swaps == nil {
		swaps = []models.SwapEvent{}
	}

	buyers, err := h.engine.HistoricalTopBuyers(ctx, mint, time.Now().Add(-24*time.Hour), 10)
	if err != nil {
		h.log.WithError(err).Debug("Top buyer lookup failed")
	}
	if buyers == nil {
		buyers = []models.TopBuyer{}
	}

	c.JSON(http.StatusOK, gin.H{
		"mint":      mint,
		"state":     state,
		"snapshot":  sn,
		"profile":   profile,
		"swaps":     swaps,
		"topBuyers": buyers,
	})
}

// POST /api/v1/admin/reload
// Stores an optional replacement section document, then broadcasts a
// reload to every engine process sharing the counter store. Without a
// document the stored one is re-applied as-is.
func (h *Handler) handleReload(c *gin.Context) {
	var req struct {
		Section  string `json:"section" binding:"required"`
		Document string `json:"document"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	section := config.Section(req.Section)
	switch section {
	case config.SectionThresholds, config.SectionBackpressure,
		config.SectionAlerts, config.SectionDetection, config.SectionShadow:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown section: " + req.Section})
		return
	}

	ctx := c.Request.Context()
	if req.Document != "" {
		if err := checkSectionSyntax(section, []byte(req.Document)); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Document rejected: " + err.Error()})
			return
		}
		if err := h.engine.StoreConfigSection(ctx, section, []byte(req.Document)); err != nil {
			h.log.WithError(err).Warn("Config section store failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Reload publish failed"})
			return
		}
	} else if err := h.engine.PublishReload(ctx, section); err != nil {
		h.log.WithError(err).Warn("Config reload publish failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Reload publish failed"})
		return
	}

	h.log.WithField("section", req.Section).Info("Config reload published")
	c.JSON(http.StatusOK, gin.H{
		"status":  "published",
		"section": req.Section,
	})
}

// checkSectionSyntax rejects documents no process could parse. Semantic
// validation stays with each process, which keeps its running values
// when it rejects a document.
func checkSectionSyntax(s config.Section, doc []byte) error {
	var err error
	switch s {
	case config.SectionThresholds:
		_, err = config.ParseThresholds(doc)
	case config.SectionBackpressure:
		_, err = config.ParseBackpressure(doc)
	case config.SectionAlerts:
		_, err = config.ParseAlertOverrides(doc)
	case config.SectionDetection, config.SectionShadow:
		_, err = config.ParseRules(doc)
	}
	return err
}
