package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/psa-spm/internal/domain/registry"
	"github.com/GriffinCanCode/psa-spm/internal/domain/spm"
	"github.com/GriffinCanCode/psa-spm/internal/infrastructure/logging"
	"github.com/GriffinCanCode/psa-spm/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/psa-spm/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/psa-spm/internal/infrastructure/tracing"
)

// Version of the admin API
const Version = "0.1.0"

// Handlers contains the admin HTTP handlers
type Handlers struct {
	mgr     *spm.SPM
	metrics *monitoring.Metrics
	breaker *resilience.Breaker
	logger  *logging.Logger
}

// NewHandlers creates a handler set. metrics and breaker may be nil.
func NewHandlers(mgr *spm.SPM, metrics *monitoring.Metrics, breaker *resilience.Breaker, logger *logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handlers{
		mgr:     mgr,
		metrics: metrics,
		breaker: breaker,
		logger:  logger,
	}
}

// ServiceView is the JSON form of one registry route
type ServiceView struct {
	SID          string `json:"sid"`
	Name         string `json:"name"`
	MinorVersion uint32 `json:"minor_version"`
	Policy       string `json:"policy"`
	Partition    int32  `json:"partition"`
	Signal       string `json:"signal"`
}

func serviceView(r registry.Route) ServiceView {
	return ServiceView{
		SID:          fmt.Sprintf("0x%08x", r.Service.SID),
		Name:         r.Service.Name,
		MinorVersion: r.Service.MinorVersion,
		Policy:       r.Service.Policy.String(),
		Partition:    r.Partition,
		Signal:       r.Signal.String(),
	}
}

// Root describes the service
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "psa-spm",
		"version": Version,
		"boot_id": h.mgr.BootID().String(),
	})
}

// Health reports 200 while the manager runs and 503 otherwise
func (h *Handlers) Health(c *gin.Context) {
	state := h.mgr.State()
	code := http.StatusOK
	if state != spm.StateRunning {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": state.String(),
	})
}

// Status returns the manager snapshot
func (h *Handlers) Status(c *gin.Context) {
	resp := gin.H{
		"spm": h.mgr.Snapshot(),
	}
	if h.metrics != nil {
		resp["metrics"] = h.metrics.Snapshot()
	}
	if h.breaker != nil {
		resp["recovery"] = gin.H{
			"breaker": h.breaker.State().String(),
			"counts":  h.breaker.Counts(),
		}
	}
	c.JSON(http.StatusOK, resp)
}

// ListServices lists every registered service ordered by sid
func (h *Handlers) ListServices(c *gin.Context) {
	routes := h.mgr.Registry().Services()
	views := make([]ServiceView, 0, len(routes))
	for _, r := range routes {
		views = append(views, serviceView(r))
	}
	c.JSON(http.StatusOK, gin.H{
		"services": views,
		"count":    len(views),
	})
}

// GetService looks up one service. The sid may be decimal or 0x-prefixed hex.
func (h *Handlers) GetService(c *gin.Context) {
	sid, err := strconv.ParseUint(c.Param("sid"), 0, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid sid: " + c.Param("sid"),
		})
		return
	}

	route, ok := h.mgr.Registry().Lookup(uint32(sid))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   fmt.Sprintf("service 0x%08x not found", sid),
		})
		return
	}
	c.JSON(http.StatusOK, serviceView(route))
}

// Reset reboots the partition manager
func (h *Handlers) Reset(c *gin.Context) {
	previous := h.mgr.BootID()
	if span := tracing.SpanFromContext(c.Request.Context()); span != nil {
		span.SetTag("spm.reset", "true")
		span.SetTag("spm.previous_boot_id", previous.String())
	}

	if err := h.mgr.Reset(); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, spm.ErrNotRunning) {
			code = http.StatusConflict
		}
		c.JSON(code, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	h.logger.Info("reset requested over admin API",
		zap.String("remote", c.ClientIP()),
		zap.String("previous_boot_id", previous.String()),
	)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"boot_id": h.mgr.BootID().String(),
	})
}
