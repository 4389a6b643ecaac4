package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"ms-enrollment/internal/auth"
	"ms-enrollment/internal/gateway"
	"ms-enrollment/internal/logger"
	"ms-enrollment/internal/models"
	"ms-enrollment/internal/reconcile"
	"ms-enrollment/internal/utils"

	"github.com/go-chi/chi/v5"
)

// CheckoutService is what the HTTP layer needs from the reconciliation
// engine.
type CheckoutService interface {
	Prepare(userID string, req models.PrepareRequest) (*models.PrepareResponse, error)
	BeginCheckout(ctx context.Context, merchantRef string) (*models.CheckoutRedirect, error)
	Verify(ctx context.Context, gatewayPaymentID, merchantRef string) (*models.Order, error)
	HandleNotification(ctx context.Context, n *models.PaidNotification) error
	Cancel(ctx context.Context, refOrID, reason string, actor reconcile.Actor) (*models.Order, error)
	GetOrder(merchantRef string) (*models.Order, error)
	GetOrdersByUser(userID string) ([]models.Order, error)
	CompleteLesson(userID, courseID, lessonID string) (*models.Enrollment, error)
}

type Handler struct {
	Service       CheckoutService
	WebhookSecret string
	Logger        *logger.Logger
}

func NewHandler(service CheckoutService, webhookSecret string, log *logger.Logger) *Handler {
	return &Handler{
		Service:       service,
		WebhookSecret: webhookSecret,
		Logger:        log,
	}
}

func writeJSON(w http.ResponseWriter, status int, body utils.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Prepare creates a pending order and returns the merchant ref the
// client hands to the gateway checkout widget.
func (h *Handler) Prepare(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, utils.ErrorResponse("Authentication required", "missing user identity"))
		return
	}

	var req models.PrepareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("API", fmt.Sprintf("Prepare: failed to decode request body: %v", err))
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}

	resp, err := h.Service.Prepare(userID, req)
	if err != nil {
		switch {
		case errors.Is(err, reconcile.ErrAlreadyEnrolled):
			writeJSON(w, http.StatusConflict, utils.RejectResponse("Already enrolled", err.Error(), "already_enrolled"))
		case errors.Is(err, reconcile.ErrSoldOut):
			writeJSON(w, http.StatusConflict, utils.RejectResponse("Course is sold out", err.Error(), "sold_out"))
		case errors.Is(err, reconcile.ErrCourseNotFound):
			writeJSON(w, http.StatusNotFound, utils.RejectResponse("Unknown course", err.Error(), "course_not_found"))
		case errors.Is(err, reconcile.ErrInvalidAmount):
			writeJSON(w, http.StatusBadRequest, utils.RejectResponse("Invalid amount", err.Error(), "invalid_amount"))
		default:
			h.Logger.Error("API", fmt.Sprintf("Prepare: %v", err))
			writeJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Could not prepare order", err.Error()))
		}
		return
	}

	writeJSON(w, http.StatusOK, utils.SuccessResponse("Order prepared", resp))
}

// BeginCheckout opens a checkout session at the gateway for a prepared
// order.
func (h *Handler) BeginCheckout(w http.ResponseWriter, r *http.Request) {
	merchantRef := chi.URLParam(r, "merchantRef")

	redirect, err := h.Service.BeginCheckout(r.Context(), merchantRef)
	if err != nil {
		switch {
		case errors.Is(err, reconcile.ErrOrderNotFound):
			writeJSON(w, http.StatusNotFound, utils.ErrorResponse("Order not found", err.Error()))
		case errors.Is(err, reconcile.ErrPaymentNotCompleted):
			writeJSON(w, http.StatusConflict, utils.RejectResponse("Order is not open for checkout", err.Error(), "checkout_closed"))
		default:
			h.Logger.Error("API", fmt.Sprintf("BeginCheckout: %v", err))
			writeJSON(w, http.StatusBadGateway, utils.ErrorResponse("Gateway checkout failed", err.Error()))
		}
		return
	}

	writeJSON(w, http.StatusOK, utils.SuccessResponse("Checkout session created", redirect))
}

// Verify reconciles a client-reported payment outcome.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req models.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	if req.GatewayPaymentID == "" || req.MerchantRef == "" {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", "gateway_payment_id and merchant_ref are required"))
		return
	}

	order, err := h.Service.Verify(r.Context(), req.GatewayPaymentID, req.MerchantRef)
	if err != nil {
		switch {
		case errors.Is(err, reconcile.ErrOrderNotFound):
			writeJSON(w, http.StatusNotFound, utils.ErrorResponse("Order not found", err.Error()))
		case errors.Is(err, reconcile.ErrPaymentNotCompleted):
			writeJSON(w, http.StatusBadRequest, utils.RejectResponse("Payment verification rejected", err.Error(), "payment_not_completed"))
		case errors.Is(err, reconcile.ErrAmountMismatch):
			writeJSON(w, http.StatusBadRequest, utils.RejectResponse("Payment verification rejected", err.Error(), "amount_mismatch"))
		case errors.Is(err, reconcile.ErrSoldOut):
			writeJSON(w, http.StatusConflict, utils.RejectResponse("Course is sold out", err.Error(), "sold_out"))
		default:
			h.Logger.Error("API", fmt.Sprintf("Verify: %v", err))
			writeJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Verification failed", err.Error()))
		}
		return
	}

	writeJSON(w, http.StatusOK, utils.SuccessResponse("Payment verified", order))
}

// Webhook handles gateway notifications. Business rejections still
// answer 200 so the gateway stops redelivering; only transient
// failures ask for a retry.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Unreadable body", err.Error()))
		return
	}

	signature := r.Header.Get(gateway.SignatureHeader)
	if !gateway.VerifySignature(body, signature, h.WebhookSecret) {
		h.Logger.LogSecurity("WEBHOOK_SIGNATURE", "rejected delivery with missing or invalid signature")
		writeJSON(w, http.StatusUnauthorized, utils.ErrorResponse("Invalid signature", "signature verification failed"))
		return
	}

	notification, err := reconcile.ParseNotification(body)
	if err != nil {
		h.Logger.Warn("WEBHOOK", fmt.Sprintf("unparseable notification body: %v", err))
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Unrecognized notification", err.Error()))
		return
	}

	if err := h.Service.HandleNotification(r.Context(), notification); err != nil {
		if reconcile.IsTransient(err) {
			h.Logger.Error("WEBHOOK", fmt.Sprintf("transient failure, requesting redelivery: %v", err))
			writeJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Temporary failure", "please retry"))
			return
		}
		h.Logger.Error("WEBHOOK", fmt.Sprintf("notification rejected: %v", err))
	}

	writeJSON(w, http.StatusOK, utils.SuccessResponse("Notification processed", nil))
}

// Cancel reverses an order. The acting identity comes from the token;
// reversing paid orders requires the operator role.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	merchantRef := chi.URLParam(r, "merchantRef")

	var req models.CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	if req.Reason == "" {
		req.Reason = "requested_by_user"
	}

	actor := reconcile.Actor{
		UserID:   auth.UserID(r.Context()),
		Operator: auth.IsOperator(r.Context()),
	}

	order, err := h.Service.Cancel(r.Context(), merchantRef, req.Reason, actor)
	if err != nil {
		switch {
		case errors.Is(err, reconcile.ErrOrderNotFound):
			writeJSON(w, http.StatusNotFound, utils.ErrorResponse("Order not found", err.Error()))
		case errors.Is(err, reconcile.ErrForbidden):
			writeJSON(w, http.StatusForbidden, utils.ErrorResponse("Not allowed", err.Error()))
		case errors.Is(err, reconcile.ErrAlreadyCancelled):
			writeJSON(w, http.StatusConflict, utils.RejectResponse("Order already cancelled", err.Error(), "already_cancelled"))
		case errors.Is(err, reconcile.ErrRefundFailed):
			h.Logger.Error("API", fmt.Sprintf("Cancel: refund failed for %s: %v", merchantRef, err))
			writeJSON(w, http.StatusInternalServerError, utils.RejectResponse("Refund failed", err.Error(), "refund_failed"))
		default:
			h.Logger.Error("API", fmt.Sprintf("Cancel: %v", err))
			writeJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Could not cancel order", err.Error()))
		}
		return
	}

	writeJSON(w, http.StatusOK, utils.SuccessResponse("Order cancelled", order))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	merchantRef := chi.URLParam(r, "merchantRef")

	order, err := h.Service.GetOrder(merchantRef)
	if err != nil {
		if errors.Is(err, reconcile.ErrOrderNotFound) {
			writeJSON(w, http.StatusNotFound, utils.ErrorResponse("Order not found", err.Error()))
			return
		}
		h.Logger.Error("API", fmt.Sprintf("GetOrder: %v", err))
		writeJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Could not load order", err.Error()))
		return
	}

	// Buyers can only read their own orders.
	if !auth.IsOperator(r.Context()) && order.UserID != auth.UserID(r.Context()) {
		writeJSON(w, http.StatusForbidden, utils.ErrorResponse("Not allowed", "order belongs to another user"))
		return
	}

	writeJSON(w, http.StatusOK, utils.SuccessResponse("Order found", order))
}

func (h *Handler) GetMyOrders(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, utils.ErrorResponse("Authentication required", "missing user identity"))
		return
	}

	orders, err := h.Service.GetOrdersByUser(userID)
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("GetMyOrders: %v", err))
		writeJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Could not load orders", err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, utils.SuccessResponse("Orders found", orders))
}

// CompleteLesson records lesson completion on an active enrollment.
func (h *Handler) CompleteLesson(w http.ResponseWriter, r *http.Request) {
	courseID := chi.URLParam(r, "courseId")
	lessonID := chi.URLParam(r, "lessonId")
	userID := auth.UserID(r.Context())
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, utils.ErrorResponse("Authentication required", "missing user identity"))
		return
	}

	enrollment, err := h.Service.CompleteLesson(userID, courseID, lessonID)
	if err != nil {
		switch {
		case errors.Is(err, reconcile.ErrOrderNotFound):
			writeJSON(w, http.StatusNotFound, utils.ErrorResponse("Enrollment not found", err.Error()))
		case errors.Is(err, reconcile.ErrForbidden):
			writeJSON(w, http.StatusForbidden, utils.ErrorResponse("Enrollment not active", err.Error()))
		default:
			h.Logger.Error("API", fmt.Sprintf("CompleteLesson: %v", err))
			writeJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Could not record lesson", err.Error()))
		}
		return
	}

	writeJSON(w, http.StatusOK, utils.SuccessResponse("Lesson completed", enrollment))
}

// Routes mounts the checkout and order endpoints. The webhook stays
// outside the auth group; the gateway signs but does not authenticate.
func (h *Handler) Routes(r chi.Router, authMiddleware func(http.Handler) http.Handler) {
	r.Post("/api/checkout/webhook", h.Webhook)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/api/checkout/prepare", h.Prepare)
		r.Post("/api/checkout/{merchantRef}/session", h.BeginCheckout)
		r.Post("/api/checkout/verify", h.Verify)
		r.Get("/api/orders", h.GetMyOrders)
		r.Get("/api/orders/{merchantRef}", h.GetOrder)
		r.Post("/api/orders/{merchantRef}/cancel", h.Cancel)
		r.Post("/api/courses/{courseId}/lessons/{lessonId}/complete", h.CompleteLesson)
	})
}
