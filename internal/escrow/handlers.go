package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/pagination"
)

// AuthUserKey is the gin context key the auth middleware stores the caller's
// user id under.
const AuthUserKey = auth.ContextKeyUserID

// Handler provides HTTP endpoints for deal operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new deal handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) deal routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/deals/:id", h.GetDeal)
	r.GET("/users/:userId/deals", h.ListDeals)
}

// RegisterProtectedRoutes sets up routes that need an authenticated caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/deals", h.CreateDeal)
	r.POST("/deals/:id/conditions", h.SetConditions)
	r.POST("/deals/:id/conditions/:conditionId/fulfill", h.FulfillCondition)
	r.POST("/deals/:id/conditions/:conditionId/dispute", h.RaiseDispute)
	r.POST("/deals/:id/conditions/:conditionId/refulfill", h.ReFulfill)
	r.POST("/deals/:id/final-approval", h.StartFinalApproval)
	r.POST("/deals/:id/cancel", h.MutualCancel)
}

// RegisterInternalRoutes sets up routes called by chain watchers rather than users.
func (h *Handler) RegisterInternalRoutes(r *gin.RouterGroup) {
	r.POST("/deals/:id/deposit", h.ConfirmDeposit)
}

type setConditionsRequest struct {
	Conditions []ConditionInput `json:"conditions" binding:"required"`
}

type conditionActionRequest struct {
	Notes string `json:"notes"`
}

type depositRequest struct {
	Amount string `json:"amount" binding:"required"`
	TxHash string `json:"txHash"`
}

// CreateDeal handles POST /v1/deals
func (h *Handler) CreateDeal(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if caller := c.GetString(AuthUserKey); caller != req.BuyerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Authenticated user must be the buyer",
		})
		return
	}

	deal, err := h.service.CreateDeal(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"deal": deal})
}

// GetDeal handles GET /v1/deals/:id
func (h *Handler) GetDeal(c *gin.Context) {
	deal, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": deal})
}

// ListDeals handles GET /v1/users/:userId/deals
func (h *Handler) ListDeals(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}

	deals, next, err := h.service.ListByParty(c.Request.Context(), c.Param("userId"), limit, c.Query("cursor"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deals":      deals,
		"count":      len(deals),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

// SetConditions handles POST /v1/deals/:id/conditions
func (h *Handler) SetConditions(c *gin.Context) {
	var req setConditionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "conditions are required",
		})
		return
	}
	deal, err := h.service.SetConditions(c.Request.Context(), c.Param("id"), c.GetString(AuthUserKey), req.Conditions)
	respond(c, deal, err)
}

// ConfirmDeposit handles POST /v1/internal/deals/:id/deposit
func (h *Handler) ConfirmDeposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount is required",
		})
		return
	}
	deal, err := h.service.ConfirmDeposit(c.Request.Context(), c.Param("id"), req.Amount, req.TxHash)
	respond(c, deal, err)
}

// FulfillCondition handles POST /v1/deals/:id/conditions/:conditionId/fulfill
func (h *Handler) FulfillCondition(c *gin.Context) {
	var req conditionActionRequest
	_ = c.ShouldBindJSON(&req) // body is optional
	deal, err := h.service.FulfillCondition(c.Request.Context(), c.Param("id"), c.GetString(AuthUserKey), c.Param("conditionId"), req.Notes)
	respond(c, deal, err)
}

// RaiseDispute handles POST /v1/deals/:id/conditions/:conditionId/dispute
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req conditionActionRequest
	_ = c.ShouldBindJSON(&req)
	deal, err := h.service.RaiseDispute(c.Request.Context(), c.Param("id"), c.GetString(AuthUserKey), c.Param("conditionId"), req.Notes)
	respond(c, deal, err)
}

// ReFulfill handles POST /v1/deals/:id/conditions/:conditionId/refulfill
func (h *Handler) ReFulfill(c *gin.Context) {
	var req conditionActionRequest
	_ = c.ShouldBindJSON(&req)
	deal, err := h.service.ReFulfillDuringDispute(c.Request.Context(), c.Param("id"), c.GetString(AuthUserKey), c.Param("conditionId"), req.Notes)
	respond(c, deal, err)
}

// StartFinalApproval handles POST /v1/deals/:id/final-approval
func (h *Handler) StartFinalApproval(c *gin.Context) {
	deal, err := h.service.StartFinalApproval(c.Request.Context(), c.Param("id"), c.GetString(AuthUserKey))
	respond(c, deal, err)
}

// MutualCancel handles POST /v1/deals/:id/cancel
func (h *Handler) MutualCancel(c *gin.Context) {
	deal, err := h.service.MutualCancel(c.Request.Context(), c.Param("id"), c.GetString(AuthUserKey))
	respond(c, deal, err)
}

func respond(c *gin.Context, deal *Deal, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": deal})
}

// writeError maps service errors to HTTP responses. Guard reasons are
// checked before the generic transition error so callers see the specific
// cause.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrDealNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrInvalidDeal), errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidConditions), errors.Is(err, ErrUnknownCondition):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, pagination.ErrInvalidCursor):
		status, code = http.StatusBadRequest, "invalid_cursor"
	case errors.Is(err, ErrUnsupportedNetwork):
		status, code = http.StatusUnprocessableEntity, "unsupported_network"
	case errors.Is(err, ErrDeadlinePassed):
		status, code = http.StatusConflict, "deadline_passed"
	case errors.Is(err, ErrAmountMismatch):
		status, code = http.StatusConflict, "amount_mismatch"
	case errors.Is(err, ErrInvalidStateTransition):
		status, code = http.StatusConflict, "invalid_state_transition"
	case errors.Is(err, ErrVersionConflict):
		status, code = http.StatusConflict, "concurrent_modification"
	case errors.Is(err, ErrMissingSettlementHandle), errors.Is(err, ErrSettlementFailed):
		status, code = http.StatusBadGateway, "settlement_failed"
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "Internal server error"
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}
