// Package handler holds the read-only admin API over the running
// dispatcher: registry and transaction introspection plus the cached
// cluster summary.
package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/edirooss/evbus/internal/dispatcher"
	"github.com/edirooss/evbus/internal/service"
)

// BusHandler exposes dispatcher state. Everything here is a snapshot read;
// nothing mutates the bus.
type BusHandler struct {
	log     *zap.Logger
	disp    *dispatcher.Dispatcher
	summary *service.SummaryService
}

// NewBusHandler wires the admin handlers.
func NewBusHandler(log *zap.Logger, disp *dispatcher.Dispatcher, summary *service.SummaryService) *BusHandler {
	return &BusHandler{
		log:     log.Named("bus_handler"),
		disp:    disp,
		summary: summary,
	}
}

// GetIncomers returns the incomer registry keyed by providedUUID.
func (h *BusHandler) GetIncomers(c *gin.Context) {
	incomers, err := h.disp.Incomers(c.Request.Context())
	if err != nil {
		h.log.Error("get incomers failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registry read failed"})
		return
	}
	c.Header("X-Total-Count", strconv.Itoa(len(incomers)))
	c.JSON(http.StatusOK, incomers)
}

// GetTransactions returns the live and backup transaction stores.
func (h *BusHandler) GetTransactions(c *gin.Context) {
	ctx := c.Request.Context()
	dtxs, err := h.disp.DispatcherTransactions(ctx)
	if err != nil {
		h.log.Error("get dispatcher transactions failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store read failed"})
		return
	}
	bdisp, err := h.disp.BackupDispatcherTransactions(ctx)
	if err != nil {
		h.log.Error("get dispatcher backup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store read failed"})
		return
	}
	binc, err := h.disp.BackupIncomerTransactions(ctx)
	if err != nil {
		h.log.Error("get incomer backup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store read failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"dispatcher":       dtxs,
		"backupDispatcher": bdisp,
		"backupIncomer":    binc,
	})
}

// GetSummary returns the cached cluster summary.
func (h *BusHandler) GetSummary(c *gin.Context) {
	res, err := h.summary.Get(c.Request.Context())
	if err != nil {
		h.log.Error("summary failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "summary unavailable"})
		return
	}

	if res.CacheHit {
		c.Header("X-Cache", "HIT")
	} else {
		c.Header("X-Cache", "MISS")
	}
	c.Header("X-Summary-Generated-At", res.GeneratedAt.UTC().Format(http.TimeFormat))
	c.JSON(http.StatusOK, res.Data)
}
