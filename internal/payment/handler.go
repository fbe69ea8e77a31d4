package payment

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi"

	errors "github.com/frahmantamala/followup-payments/internal"
	"github.com/frahmantamala/followup-payments/internal/transport"
)

type Handler struct {
	*transport.BaseHandler
	service ServiceAPI
}

func NewHandler(baseHandler *transport.BaseHandler, service ServiceAPI) *Handler {
	return &Handler{
		BaseHandler: baseHandler,
		service:     service,
	}
}

// Initiate handles POST /payments/initiate
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	var req InitiateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		h.Logger.Warn("invalid initiate request body", "error", err)
		h.writeInitiateError(w, errors.NewValidationError("invalid request body", errors.ErrCodeValidationFailed))
		return
	}

	if subject := errors.UserIDFromContext(r.Context()); subject != "" && subject != strings.TrimSpace(req.UserID) {
		h.writeInitiateError(w, errors.ErrUserMismatch)
		return
	}

	res, err := h.service.Initiate(r.Context(), req)
	if err != nil {
		h.writeInitiateError(w, err)
		return
	}

	message := res.CustomerMessage
	if message == "" {
		message = "Payment prompt sent. Enter your M-Pesa PIN to complete."
	}

	h.WriteJSON(w, http.StatusOK, InitiateResponse{
		Success:           true,
		CheckoutRequestID: res.CheckoutRequestID,
		MerchantRequestID: res.MerchantRequestID,
		Message:           message,
	})
}

func (h *Handler) writeInitiateError(w http.ResponseWriter, err error) {
	appErr, ok := errors.IsAppError(err)
	if !ok {
		appErr = errors.NewInternalError("internal server error", err)
	}

	resp := InitiateResponse{
		Success: false,
		Error:   appErr.GetDetailedMessage(),
		Code:    string(appErr.Code),
	}
	if details, ok := appErr.Details.(map[string]string); ok {
		resp.CheckoutRequestID = details["checkoutRequestId"]
	}

	if appErr.StatusCode >= http.StatusInternalServerError {
		h.Logger.Error("initiate payment failed", "code", appErr.Code, "error", appErr.Error())
	} else {
		h.Logger.Info("initiate payment rejected", "code", appErr.Code, "message", resp.Error)
	}
	h.WriteJSON(w, appErr.StatusCode, resp)
}

// Status handles GET /payments/{checkoutRequestId}/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	checkoutRequestID := chi.URLParam(r, "checkoutRequestId")
	if checkoutRequestID == "" {
		h.HandleServiceError(w, errors.NewValidationError("checkoutRequestId is required", errors.ErrCodeValidationFailed))
		return
	}

	res, err := h.service.GetStatus(r.Context(), checkoutRequestID)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, StatusResponse{Status: res.Status, ResultDesc: res.ResultDesc})
}
