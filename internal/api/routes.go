package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sellerledger/recovery-engine/internal/brief"
	"github.com/sellerledger/recovery-engine/internal/store"
	"github.com/sellerledger/recovery-engine/internal/syncer"
)

type APIHandler struct {
	db        store.Store
	mgr       *syncer.Manager
	hub       *Hub
	generator *brief.Generator
}

// SetupRouter wires the HTTP surface: sync control, detection reads,
// brief generation, SSE progress streams and the websocket firehose.
func SetupRouter(db store.Store, mgr *syncer.Manager, hub *Hub, allowedOrigins string) *gin.Engine {
	r := gin.Default()

	// CORS — configurable via ALLOWED_ORIGINS.
	// Production: ALLOWED_ORIGINS=https://app.sellerledger.io
	// Development: ALLOWED_ORIGINS=http://localhost:3000 (or empty for *)
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{db: db, mgr: mgr, hub: hub, generator: brief.NewGenerator()}
	limiter := NewRateLimiter(120, 30)

	api := r.Group("/api/v1")
	api.Use(limiter.Middleware())
	{
		api.GET("/health", handler.handleHealth)
		api.GET("/stream", hub.Subscribe)
		api.GET("/events/:sellerId", handler.handleEvents)

		// The /sync subtree shares one wildcard name: gin rejects mixed
		// param names at the same segment. :id is a sellerId on the read
		// and start routes and a syncId on cancel.
		api.GET("/sync/:id/active", handler.handleActiveSync)
		api.GET("/sync/:id/runs", handler.handleListRuns)
		api.GET("/detections/:sellerId", handler.handleListDetections)
		api.GET("/detections/:sellerId/summary", handler.handleDetectionSummary)

		protected := api.Group("")
		protected.Use(AuthMiddleware())
		{
			protected.POST("/sync/:id", handler.handleStartSync)
			protected.POST("/sync/:id/cancel", handler.handleCancelSync)
			protected.POST("/brief/:detectionId", handler.handleGenerateBrief)
		}
	}

	return r
}

// handleStartSync kicks off the pipeline for a seller.
// POST /api/v1/sync/:sellerId
func (h *APIHandler) handleStartSync(c *gin.Context) {
	sellerID := c.Param("id")
	syncID, err := h.mgr.Start(c.Request.Context(), sellerID)
	if err != nil {
		if errors.Is(err, syncer.ErrAlreadyRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": "Sync already running for seller", "sellerId": sellerID})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start sync", "details": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"syncId": syncID, "sellerId": sellerID, "status": "pending"})
}

// handleCancelSync requests cooperative cancellation of an active run.
// POST /api/v1/sync/:syncId/cancel
func (h *APIHandler) handleCancelSync(c *gin.Context) {
	syncID := c.Param("id")
	err := h.mgr.Cancel(c.Request.Context(), syncID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Sync run not found"})
	case errors.Is(err, syncer.ErrNotCancellable):
		c.JSON(http.StatusConflict, gin.H{"error": "Sync run already finished"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel sync", "details": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"syncId": syncID, "cancelRequested": true})
	}
}

// handleActiveSync returns the seller's active run, if any.
func (h *APIHandler) handleActiveSync(c *gin.Context) {
	run, err := h.db.ActiveSyncRun(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "No active sync run"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read sync state", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, run)
}

// handleListRuns returns paged run history, newest first.
func (h *APIHandler) handleListRuns(c *gin.Context) {
	page, limit := pagination(c)
	runs, err := h.db.ListSyncRuns(c.Request.Context(), c.Param("id"), limit, (page-1)*limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list sync runs", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": runs, "page": page, "limit": limit})
}

// handleListDetections returns detection results, optionally filtered by
// anomaly type. GET /api/v1/detections/:sellerId?type=fee_overcharge
func (h *APIHandler) handleListDetections(c *gin.Context) {
	page, limit := pagination(c)
	detections, err := h.db.ListDetections(c.Request.Context(), c.Param("sellerId"), c.Query("type"), limit, (page-1)*limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list detections", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": detections, "page": page, "limit": limit})
}

// handleDetectionSummary aggregates the seller's open claims by type and
// severity, with the near-deadline count.
func (h *APIHandler) handleDetectionSummary(c *gin.Context) {
	sellerID := c.Param("sellerId")
	detections, err := h.db.ListDetections(c.Request.Context(), sellerID, "", 500, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read detections", "details": err.Error()})
		return
	}

	byType := make(map[string]int)
	bySeverity := make(map[string]int)
	totalValue := 0.0
	for _, d := range detections {
		byType[d.AnomalyType]++
		bySeverity[d.Severity]++
		totalValue += d.EstimatedValue
	}

	expiring, err := h.db.ListExpiringDetections(c.Request.Context(), sellerID, 7*24*time.Hour)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read expiring detections", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sellerId":            sellerID,
		"totalDetections":     len(detections),
		"totalEstimatedValue": totalValue,
		"byType":              byType,
		"bySeverity":          bySeverity,
		"expiringWithin7Days": len(expiring),
	})
}

// handleGenerateBrief builds (or rebuilds) the reimbursement brief for a
// detection. Generation is idempotent; the same detection yields the
// same reportId.
func (h *APIHandler) handleGenerateBrief(c *gin.Context) {
	detectionID := c.Param("detectionId")
	detection, err := h.db.GetDetection(c.Request.Context(), detectionID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Detection not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read detection", "details": err.Error()})
		return
	}

	manifest := []string{detectionID + "_evidence.json"}
	b, err := h.generator.Generate(detection, manifest, time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate brief", "details": err.Error()})
		return
	}
	if err := h.db.UpsertBrief(c.Request.Context(), &b); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to persist brief", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, b)
}

// handleHealth reports liveness and wiring status for service discovery.
func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "operational",
		"engine": "SellerLedger Recovery Engine v1.0",
		"capabilities": gin.H{
			"fee_drift":       true,
			"micro_leak":      true,
			"correlation":     true,
			"sse_progress":    true,
			"brief_signature": true,
		},
		"dbConnected": h.db != nil,
	})
}

func pagination(c *gin.Context) (page, limit int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 500 {
		limit = 50
	}
	return page, limit
}
