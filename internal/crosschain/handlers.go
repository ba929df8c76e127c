package crosschain

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/escrow"
)

// Handler provides HTTP endpoints for cross-chain transactions.
type Handler struct {
	orchestrator *Orchestrator
}

// NewHandler creates a new cross-chain handler.
func NewHandler(o *Orchestrator) *Handler {
	return &Handler{orchestrator: o}
}

// RegisterRoutes sets up read-only routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/crosschain/:txId", h.GetTransaction)
}

// RegisterInternalRoutes sets up routes driven by chain watchers and bridge
// relayers.
func (h *Handler) RegisterInternalRoutes(r *gin.RouterGroup) {
	r.POST("/deals/:id/crosschain", h.Prepare)
	r.POST("/crosschain/:txId/steps/:step", h.ExecuteStep)
	r.POST("/crosschain/:txId/retry", h.Retry)
}

type executeStepRequest struct {
	TxRef string `json:"txRef" binding:"required"`
}

// Prepare handles POST /v1/internal/deals/:id/crosschain
func (h *Handler) Prepare(c *gin.Context) {
	tx, err := h.orchestrator.Prepare(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ExecuteStep handles POST /v1/internal/crosschain/:txId/steps/:step
func (h *Handler) ExecuteStep(c *gin.Context) {
	step, err := strconv.Atoi(c.Param("step"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "step must be a number",
		})
		return
	}
	var req executeStepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "txRef is required",
		})
		return
	}

	tx, err := h.orchestrator.ExecuteStep(c.Request.Context(), c.Param("txId"), step, req.TxRef)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// GetTransaction handles GET /v1/crosschain/:txId
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.orchestrator.Status(c.Request.Context(), c.Param("txId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// Retry handles POST /v1/internal/crosschain/:txId/retry
func (h *Handler) Retry(c *gin.Context) {
	tx, err := h.orchestrator.Retry(c.Request.Context(), c.Param("txId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrTransactionNotFound), errors.Is(err, escrow.ErrDealNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnknownStep), errors.Is(err, ErrMissingReference):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrStepPending):
		status, code = http.StatusAccepted, "step_pending"
	case errors.Is(err, ErrStepOutOfOrder):
		status, code = http.StatusConflict, "step_out_of_order"
	case errors.Is(err, ErrTransactionFailed), errors.Is(err, ErrNotFailed),
		errors.Is(err, ErrDealNotReady), errors.Is(err, escrow.ErrNotCrossChain),
		errors.Is(err, escrow.ErrInvalidStateTransition):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrVersionConflict), errors.Is(err, escrow.ErrVersionConflict):
		status, code = http.StatusConflict, "concurrent_modification"
	case errors.Is(err, ErrNoRoute):
		status, code = http.StatusUnprocessableEntity, "no_route"
	case errors.Is(err, ErrStepFailed), errors.Is(err, ErrBridgeUnavailable):
		status, code = http.StatusBadGateway, "step_failed"
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "Internal server error"
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}
