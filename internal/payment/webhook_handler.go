package payment

import (
	"io"
	"net/http"

	errors "github.com/frahmantamala/followup-payments/internal"
	"github.com/frahmantamala/followup-payments/internal/transport"
)

const maxCallbackBody = 1 << 20

// WebhookHandler receives STK push results from the gateway.
type WebhookHandler struct {
	*transport.BaseHandler
	service ServiceAPI
}

func NewWebhookHandler(baseHandler *transport.BaseHandler, service ServiceAPI) *WebhookHandler {
	return &WebhookHandler{
		BaseHandler: baseHandler,
		service:     service,
	}
}

func (h *WebhookHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBody))
	if err != nil {
		h.Logger.Warn("failed to read stk callback body", "error", err)
		h.WriteJSON(w, http.StatusBadRequest, CallbackResponse{Success: false, Message: "invalid request body"})
		return
	}

	res, err := h.service.ApplyCallback(r.Context(), body)
	if err != nil {
		appErr, ok := errors.IsAppError(err)
		if !ok {
			appErr = errors.NewInternalError("failed to process callback", err)
		}
		if appErr.StatusCode >= http.StatusInternalServerError {
			// a 5xx makes the gateway deliver again
			h.Logger.Error("stk callback not recorded", "error", appErr.Error())
			h.WriteJSON(w, http.StatusInternalServerError, CallbackResponse{Success: false, Message: "failed to record callback"})
			return
		}
		h.WriteJSON(w, appErr.StatusCode, CallbackResponse{Success: false, Message: appErr.Message})
		return
	}

	message := "callback processed successfully"
	switch res.Outcome {
	case CallbackDuplicate:
		message = "callback already processed"
	case CallbackUnknown:
		message = "callback acknowledged"
	}

	h.Logger.Info("stk callback handled",
		"checkout_request_id", res.CheckoutRequestID,
		"outcome", res.Outcome,
		"status", res.Status)

	h.WriteJSON(w, http.StatusOK, CallbackResponse{Success: true, Message: message})
}
