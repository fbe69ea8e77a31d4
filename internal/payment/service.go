package payment

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	errors "github.com/frahmantamala/followup-payments/internal"
	"github.com/frahmantamala/followup-payments/internal/core/events"
	"github.com/frahmantamala/followup-payments/internal/mpesa"
	"github.com/frahmantamala/followup-payments/pkg/logger"
)

type Service struct {
	repo     RepositoryAPI
	gateway  Gateway
	eventBus events.Publisher
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(repo RepositoryAPI, gateway Gateway, eventBus events.Publisher, lg *slog.Logger) *Service {
	if lg == nil {
		lg = logger.LoggerWrapper()
	}
	return &Service{
		repo:     repo,
		gateway:  gateway,
		eventBus: eventBus,
		logger:   lg,
		now:      time.Now,
	}
}

// Initiate validates the request, sends the STK push and records the
// pending transaction. Nothing is written unless the gateway accepted.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	phone, err := req.Validate()
	if err != nil {
		return nil, err
	}

	push, err := s.gateway.STKPush(ctx, mpesa.PushRequest{
		PhoneNumber:      mpesa.MSISDN(phone),
		Amount:           req.Amount,
		AccountReference: req.UserType + "-" + req.UserID,
		TransactionDesc:  req.Plan,
	})
	if err != nil {
		return nil, s.gatewayError(ctx, err, req)
	}

	t := NewPendingTransaction(req.UserID, req.UserType, req.Amount, req.Plan, phone, push.CheckoutRequestID, push.MerchantRequestID)
	row := ToDataModel(t)
	if err := s.repo.Create(ctx, row); err != nil {
		// the customer already has a prompt on their phone
		s.logFor(ctx).Error("failed to persist accepted stk push",
			"checkout_request_id", push.CheckoutRequestID,
			"merchant_request_id", push.MerchantRequestID,
			"user_id", req.UserID,
			"user_type", req.UserType,
			"amount", req.Amount,
			"plan", req.Plan,
			"phone_number", logger.MaskPhone(phone),
			"error", err)
		return nil, errors.NewPersistenceError("payment was sent but could not be recorded", fmt.Errorf("%w: %w", ErrPersistence, err)).
			WithDetails(map[string]string{"checkoutRequestId": push.CheckoutRequestID})
	}

	s.logFor(ctx).Info("payment initiated",
		"transaction_id", row.ID,
		"checkout_request_id", push.CheckoutRequestID,
		"merchant_request_id", push.MerchantRequestID,
		"user_id", req.UserID,
		"amount", req.Amount)

	s.publish(ctx, events.NewPaymentInitiatedEvent(row.ID, push.CheckoutRequestID, push.MerchantRequestID, req.UserID, req.UserType, req.Amount, req.Plan))

	return &InitiateResult{
		TransactionID:     row.ID,
		CheckoutRequestID: push.CheckoutRequestID,
		MerchantRequestID: push.MerchantRequestID,
		CustomerMessage:   push.CustomerMessage,
	}, nil
}

func (s *Service) gatewayError(ctx context.Context, err error, req InitiateRequest) error {
	if stderrors.Is(err, mpesa.ErrCredential) {
		s.logFor(ctx).Error("mpesa credentials rejected", "user_id", req.UserID, "error", err)
		return errors.NewExternalError("payment provider authentication failed", errors.ErrCodeCredentialFailed, err)
	}
	s.logFor(ctx).Warn("stk push failed", "user_id", req.UserID, "amount", req.Amount, "error", err)
	msg := mpesa.GatewayMessage(err)
	if msg == "" {
		msg = "payment provider rejected the request"
	}
	return errors.NewExternalError(msg, errors.ErrCodePaymentInitiationFailed, err)
}

// ApplyCallback settles the transaction named by a gateway callback. A
// callback for a row that is already terminal, or for an unknown row, is
// acknowledged without changes.
func (s *Service) ApplyCallback(ctx context.Context, body []byte) (*CallbackResult, error) {
	cb, err := ParseCallback(body)
	if err != nil {
		s.logFor(ctx).Warn("malformed stk callback", "error", err, "body_size", len(body))
		return nil, errors.NewValidationError(err.Error(), errors.ErrCodeCallbackMalformed).WithCause(err)
	}

	settlement := SettlementFor(cb.ResultCode.Int(), cb.ResultDesc)
	settlement.MpesaReceipt = cb.CallbackMetadata.ReceiptNumber()
	settlement.Payload = body
	settlement.SettledAt = s.now().UTC()

	log := s.logFor(ctx).With(
		"checkout_request_id", cb.CheckoutRequestID,
		"merchant_request_id", cb.MerchantRequestID,
		"result_code", settlement.ResultCode)

	return s.settle(ctx, log, cb.CheckoutRequestID, settlement)
}

func (s *Service) settle(ctx context.Context, log *slog.Logger, checkoutRequestID string, settlement Settlement) (*CallbackResult, error) {
	applied, err := s.repo.Settle(ctx, checkoutRequestID, settlement)
	if err != nil {
		log.Error("failed to settle transaction", "error", err)
		return nil, errors.NewPersistenceError("failed to record payment result", fmt.Errorf("%w: %w", ErrPersistence, err))
	}

	row, err := s.repo.GetByCheckoutRequestID(ctx, checkoutRequestID)
	if err != nil {
		if stderrors.Is(err, ErrTransactionNotFound) {
			log.Warn("settlement for unknown transaction")
			return &CallbackResult{Outcome: CallbackUnknown, CheckoutRequestID: checkoutRequestID}, nil
		}
		if applied {
			// the write succeeded, only the follow-up read failed
			log.Error("settled transaction could not be reloaded", "error", err)
			return &CallbackResult{Outcome: CallbackApplied, CheckoutRequestID: checkoutRequestID, Status: settlement.Status}, nil
		}
		log.Error("failed to load transaction", "error", err)
		return nil, errors.NewPersistenceError("failed to record payment result", fmt.Errorf("%w: %w", ErrPersistence, err))
	}

	if !applied {
		log.Info("duplicate or late settlement ignored",
			"current_status", row.Status,
			"incoming_status", settlement.Status)
		return &CallbackResult{Outcome: CallbackDuplicate, CheckoutRequestID: checkoutRequestID, Status: Status(row.Status)}, nil
	}

	log.Info("transaction settled", "transaction_id", row.ID, "status", settlement.Status)

	if settlement.Status == StatusCompleted {
		s.publish(ctx, events.NewPaymentCompletedEvent(row.ID, checkoutRequestID, row.UserID, row.UserType, row.Amount, row.Plan, settlement.MpesaReceipt))
	} else {
		s.publish(ctx, events.NewPaymentFailedEvent(row.ID, checkoutRequestID, row.UserID, row.Amount, settlement.ResultCode, settlement.ResultDesc))
	}

	return &CallbackResult{Outcome: CallbackApplied, CheckoutRequestID: checkoutRequestID, Status: settlement.Status}, nil
}

func (s *Service) GetStatus(ctx context.Context, checkoutRequestID string) (*StatusResult, error) {
	row, err := s.repo.GetByCheckoutRequestID(ctx, checkoutRequestID)
	if err != nil {
		if stderrors.Is(err, ErrTransactionNotFound) {
			return nil, errors.NewNotFoundError("transaction not found", errors.ErrCodeTransactionNotFound).WithCause(err)
		}
		s.logFor(ctx).Error("failed to load transaction", "checkout_request_id", checkoutRequestID, "error", err)
		return nil, errors.NewPersistenceError("failed to load transaction", fmt.Errorf("%w: %w", ErrPersistence, err))
	}

	res := &StatusResult{CheckoutRequestID: checkoutRequestID, Status: Status(row.Status)}
	if row.ResultDesc != nil {
		res.ResultDesc = *row.ResultDesc
	}
	return res, nil
}

// Reconcile asks the gateway about a pending transaction and settles it
// through the same conditional update as a callback.
func (s *Service) Reconcile(ctx context.Context, checkoutRequestID string) (*StatusResult, error) {
	current, err := s.GetStatus(ctx, checkoutRequestID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return current, nil
	}

	q, err := s.gateway.QueryStatus(ctx, checkoutRequestID)
	if err != nil {
		if stderrors.Is(err, mpesa.ErrCredential) {
			return nil, errors.NewExternalError("payment provider authentication failed", errors.ErrCodeCredentialFailed, err)
		}
		return nil, errors.NewExternalError(mpesa.GatewayMessage(err), errors.ErrCodeGatewayQueryFailed, err)
	}
	if q.Pending {
		s.logFor(ctx).Info("transaction still pending at gateway", "checkout_request_id", checkoutRequestID)
		return current, nil
	}

	settlement := SettlementFor(q.ResultCode, q.ResultDesc)
	settlement.SettledAt = s.now().UTC()
	settlement.Payload, _ = json.Marshal(map[string]interface{}{
		"source":            "stk_query",
		"CheckoutRequestID": checkoutRequestID,
		"MerchantRequestID": q.MerchantRequestID,
		"ResultCode":        q.ResultCode,
		"ResultDesc":        q.ResultDesc,
	})

	log := s.logFor(ctx).With("checkout_request_id", checkoutRequestID, "result_code", q.ResultCode, "source", "reconcile")
	if _, err := s.settle(ctx, log, checkoutRequestID, settlement); err != nil {
		return nil, err
	}
	return s.GetStatus(ctx, checkoutRequestID)
}

// logFor carries the request's trace and user fields when present.
func (s *Service) logFor(ctx context.Context) *slog.Logger {
	return logger.FromContext(ctx, s.logger)
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.Publish(ctx, event); err != nil {
		s.logFor(ctx).Warn("failed to publish event", "event_type", event.EventType(), "error", err)
	}
}
