package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/farmlink/wallet/internal/reservation"
	"github.com/farmlink/wallet/internal/validation"
)

// Handler provides HTTP endpoints for wallet operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up wallet routes. Authentication happens upstream at
// the API gateway; these routes trust the identity it forwards.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallet/topup", h.TopUp)
	r.POST("/wallet/withdraw", h.Withdraw)
	r.POST("/wallet/reserve", h.Reserve)
	r.POST("/wallet/release", h.Release)
	r.POST("/wallet/refund", h.Refund)

	user := r.Group("/wallet/:userId", validation.UserParamMiddleware())
	user.GET("/balance", h.GetBalance)
	user.GET("/reserved", h.GetReservedTotal)
	user.GET("/reservations", h.ListReservations)
	user.GET("/transactions", h.ListTransactions)
}

// TopUpRequest is the body for POST /v1/wallet/topup.
type TopUpRequest struct {
	UserID string `json:"userId" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

// TopUp handles POST /v1/wallet/topup
func (h *Handler) TopUp(c *gin.Context) {
	var req TopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.ValidUUID("userId", req.UserID),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	userID, _ := uuid.Parse(req.UserID)
	amount, _ := decimal.NewFromString(req.Amount)

	acc, err := h.service.TopUp(c.Request.Context(), userID, amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acc})
}

// WithdrawRequest is the body for POST /v1/wallet/withdraw.
type WithdrawRequest struct {
	UserID string `json:"userId" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

// Withdraw handles POST /v1/wallet/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.ValidUUID("userId", req.UserID),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	userID, _ := uuid.Parse(req.UserID)
	amount, _ := decimal.NewFromString(req.Amount)

	acc, err := h.service.Withdraw(c.Request.Context(), userID, amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acc})
}

// ReserveRequest is the body for POST /v1/wallet/reserve.
type ReserveRequest struct {
	BuyerID string `json:"buyerId" binding:"required"`
	OrderID string `json:"orderId" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

// Reserve handles POST /v1/wallet/reserve
func (h *Handler) Reserve(c *gin.Context) {
	var req ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.ValidUUID("buyerId", req.BuyerID),
		validation.ValidUUID("orderId", req.OrderID),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	buyerID, _ := uuid.Parse(req.BuyerID)
	orderID, _ := uuid.Parse(req.OrderID)
	amount, _ := decimal.NewFromString(req.Amount)

	res, err := h.service.Reserve(c.Request.Context(), buyerID, orderID, amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"reservation": res})
}

// ReleaseRequest is the body for POST /v1/wallet/release.
type ReleaseRequest struct {
	Order Order `json:"order" binding:"required"`
}

// Release handles POST /v1/wallet/release
func (h *Handler) Release(c *gin.Context) {
	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	split, err := h.service.Release(c.Request.Context(), req.Order)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"split": split})
}

// RefundRequest is the body for POST /v1/wallet/refund.
type RefundRequest struct {
	BuyerID string `json:"buyerId" binding:"required"`
	Order   Order  `json:"order" binding:"required"`
	Reason  string `json:"reason" binding:"required"`
}

// Refund handles POST /v1/wallet/refund
func (h *Handler) Refund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.ValidUUID("buyerId", req.BuyerID),
		validation.MaxLength("reason", req.Reason, validation.MaxReasonLength),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	buyerID, _ := uuid.Parse(req.BuyerID)
	reason := validation.SanitizeString(req.Reason, validation.MaxReasonLength)

	acc, err := h.service.Refund(c.Request.Context(), buyerID, req.Order, reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acc})
}

// GetBalance handles GET /v1/wallet/:userId/balance
func (h *Handler) GetBalance(c *gin.Context) {
	userID, _ := uuid.Parse(c.Param("userId"))

	acc, err := h.service.GetBalance(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acc})
}

// GetReservedTotal handles GET /v1/wallet/:userId/reserved
func (h *Handler) GetReservedTotal(c *gin.Context) {
	userID, _ := uuid.Parse(c.Param("userId"))

	total, err := h.service.GetReservedTotal(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "reserved": total})
}

// ListReservations handles GET /v1/wallet/:userId/reservations
func (h *Handler) ListReservations(c *gin.Context) {
	userID, _ := uuid.Parse(c.Param("userId"))

	list, err := h.service.ListReservations(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reservations": list})
}

// ListTransactions handles GET /v1/wallet/:userId/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	userID, _ := uuid.Parse(c.Param("userId"))

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	list, err := h.service.ListTransactions(c.Request.Context(), userID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": list})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": msg,
	})
}

func validationFailed(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

// respondError maps engine errors onto the API taxonomy. Every failure maps
// 1:1; nothing is collapsed into a generic error at this layer.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be positive",
		})
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_funds",
			"message": "Available balance is too low",
		})
	case errors.Is(err, ErrNotYours):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "not_reservation_owner",
			"message": "Reservation belongs to another user",
		})
	case errors.Is(err, reservation.ErrReservationNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "reservation_not_found",
			"message": "No live reservation for this order",
		})
	case errors.Is(err, reservation.ErrDuplicateReservation):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "duplicate_reservation",
			"message": "A reservation already exists for this order",
		})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Too many concurrent updates, retry",
		})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "storage_unavailable",
			"message": "Storage temporarily unavailable",
		})
	}
}
