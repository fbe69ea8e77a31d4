package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypePaymentInitiated = "payment.initiated"
	EventTypePaymentCompleted = "payment.completed"
	EventTypePaymentFailed    = "payment.failed"
)

type PaymentInitiatedEvent struct {
	BaseEvent
	TransactionID     string `json:"transaction_id"`
	CheckoutRequestID string `json:"checkout_request_id"`
	MerchantRequestID string `json:"merchant_request_id"`
	UserID            string `json:"user_id"`
	UserType          string `json:"user_type"`
	Amount            int64  `json:"amount"`
	Plan              string `json:"plan"`
}

func NewPaymentInitiatedEvent(transactionID, checkoutRequestID, merchantRequestID, userID, userType string, amount int64, plan string) *PaymentInitiatedEvent {
	return &PaymentInitiatedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentInitiated,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"transaction_id":      transactionID,
				"checkout_request_id": checkoutRequestID,
				"merchant_request_id": merchantRequestID,
				"user_id":             userID,
				"user_type":           userType,
				"amount":              amount,
				"plan":                plan,
			},
		},
		TransactionID:     transactionID,
		CheckoutRequestID: checkoutRequestID,
		MerchantRequestID: merchantRequestID,
		UserID:            userID,
		UserType:          userType,
		Amount:            amount,
		Plan:              plan,
	}
}

type PaymentCompletedEvent struct {
	BaseEvent
	TransactionID     string `json:"transaction_id"`
	CheckoutRequestID string `json:"checkout_request_id"`
	UserID            string `json:"user_id"`
	UserType          string `json:"user_type"`
	Amount            int64  `json:"amount"`
	Plan              string `json:"plan"`
	MpesaReceipt      string `json:"mpesa_receipt"`
}

func NewPaymentCompletedEvent(transactionID, checkoutRequestID, userID, userType string, amount int64, plan, receipt string) *PaymentCompletedEvent {
	return &PaymentCompletedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentCompleted,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"transaction_id":      transactionID,
				"checkout_request_id": checkoutRequestID,
				"user_id":             userID,
				"user_type":           userType,
				"amount":              amount,
				"plan":                plan,
				"mpesa_receipt":       receipt,
			},
		},
		TransactionID:     transactionID,
		CheckoutRequestID: checkoutRequestID,
		UserID:            userID,
		UserType:          userType,
		Amount:            amount,
		Plan:              plan,
		MpesaReceipt:      receipt,
	}
}

type PaymentFailedEvent struct {
	BaseEvent
	TransactionID     string `json:"transaction_id"`
	CheckoutRequestID string `json:"checkout_request_id"`
	UserID            string `json:"user_id"`
	Amount            int64  `json:"amount"`
	ResultCode        int    `json:"result_code"`
	FailureReason     string `json:"failure_reason"`
}

func NewPaymentFailedEvent(transactionID, checkoutRequestID, userID string, amount int64, resultCode int, failureReason string) *PaymentFailedEvent {
	return &PaymentFailedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentFailed,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"transaction_id":      transactionID,
				"checkout_request_id": checkoutRequestID,
				"user_id":             userID,
				"amount":              amount,
				"result_code":         resultCode,
				"failure_reason":      failureReason,
			},
		},
		TransactionID:     transactionID,
		CheckoutRequestID: checkoutRequestID,
		UserID:            userID,
		Amount:            amount,
		ResultCode:        resultCode,
		FailureReason:     failureReason,
	}
}
