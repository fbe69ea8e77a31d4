package payment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/frahmantamala/followup-payments/internal/core/events"
)

// EventHandler writes an audit trail of payment lifecycle events.
type EventHandler struct {
	logger *slog.Logger
}

func NewEventHandler(logger *slog.Logger) *EventHandler {
	return &EventHandler{
		logger: logger.With("component", "payment_audit"),
	}
}

func (h *EventHandler) HandlePaymentInitiated(ctx context.Context, event events.Event) error {
	e, ok := event.(*events.PaymentInitiatedEvent)
	if !ok {
		return fmt.Errorf("expected PaymentInitiatedEvent, got %T", event)
	}
	h.logger.Info("audit: payment initiated",
		"event_id", e.EventID(),
		"transaction_id", e.TransactionID,
		"checkout_request_id", e.CheckoutRequestID,
		"user_id", e.UserID,
		"amount", e.Amount,
		"plan", e.Plan)
	return nil
}

func (h *EventHandler) HandlePaymentCompleted(ctx context.Context, event events.Event) error {
	e, ok := event.(*events.PaymentCompletedEvent)
	if !ok {
		return fmt.Errorf("expected PaymentCompletedEvent, got %T", event)
	}
	h.logger.Info("audit: payment completed",
		"event_id", e.EventID(),
		"transaction_id", e.TransactionID,
		"checkout_request_id", e.CheckoutRequestID,
		"user_id", e.UserID,
		"user_type", e.UserType,
		"amount", e.Amount,
		"plan", e.Plan,
		"mpesa_receipt", e.MpesaReceipt)
	return nil
}

func (h *EventHandler) HandlePaymentFailed(ctx context.Context, event events.Event) error {
	e, ok := event.(*events.PaymentFailedEvent)
	if !ok {
		return fmt.Errorf("expected PaymentFailedEvent, got %T", event)
	}
	h.logger.Info("audit: payment failed",
		"event_id", e.EventID(),
		"transaction_id", e.TransactionID,
		"checkout_request_id", e.CheckoutRequestID,
		"user_id", e.UserID,
		"result_code", e.ResultCode,
		"reason", e.FailureReason)
	return nil
}

func (h *EventHandler) RegisterEventHandlers(eventBus *events.EventBus) {
	eventBus.Subscribe(events.EventTypePaymentInitiated, h.HandlePaymentInitiated)
	eventBus.Subscribe(events.EventTypePaymentCompleted, h.HandlePaymentCompleted)
	eventBus.Subscribe(events.EventTypePaymentFailed, h.HandlePaymentFailed)

	h.logger.Info("payment event handlers registered",
		"handlers", []string{events.EventTypePaymentInitiated, events.EventTypePaymentCompleted, events.EventTypePaymentFailed})
}
