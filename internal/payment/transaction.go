package payment

import (
	"time"

	"github.com/frahmantamala/followup-payments/internal/core/datamodel/transaction"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

const (
	UserTypePatient = "patient"
	UserTypeDoctor  = "doctor"
)

// Transaction is one STK push attempt and its settlement.
type Transaction struct {
	ID                string
	UserID            string
	UserType          string
	Amount            int64
	Plan              string
	Status            Status
	CheckoutRequestID string
	MerchantRequestID string
	ResultCode        *int
	ResultDesc        *string
	MpesaReceipt      *string
	CallbackPayload   []byte
	PhoneNumber       string
	SettledAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Settlement is the terminal state written by a callback or a reconcile.
type Settlement struct {
	Status       Status
	ResultCode   int
	ResultDesc   string
	MpesaReceipt string
	Payload      []byte
	SettledAt    time.Time
}

// SettlementFor maps a gateway result code onto the terminal status.
func SettlementFor(resultCode int, resultDesc string) Settlement {
	status := StatusFailed
	if resultCode == 0 {
		status = StatusCompleted
	}
	return Settlement{
		Status:     status,
		ResultCode: resultCode,
		ResultDesc: resultDesc,
	}
}

func NewPendingTransaction(userID, userType string, amount int64, plan, phone, checkoutRequestID, merchantRequestID string) *Transaction {
	now := time.Now().UTC()
	return &Transaction{
		UserID:            userID,
		UserType:          userType,
		Amount:            amount,
		Plan:              plan,
		Status:            StatusPending,
		CheckoutRequestID: checkoutRequestID,
		MerchantRequestID: merchantRequestID,
		PhoneNumber:       phone,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func ToDataModel(t *Transaction) *transaction.Transaction {
	return &transaction.Transaction{
		ID:                t.ID,
		UserID:            t.UserID,
		UserType:          t.UserType,
		Amount:            t.Amount,
		Plan:              t.Plan,
		Status:            string(t.Status),
		CheckoutRequestID: t.CheckoutRequestID,
		MerchantRequestID: t.MerchantRequestID,
		ResultCode:        t.ResultCode,
		ResultDesc:        t.ResultDesc,
		MpesaReceipt:      t.MpesaReceipt,
		CallbackPayload:   t.CallbackPayload,
		PhoneNumber:       t.PhoneNumber,
		SettledAt:         t.SettledAt,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
}

func FromDataModel(t *transaction.Transaction) *Transaction {
	return &Transaction{
		ID:                t.ID,
		UserID:            t.UserID,
		UserType:          t.UserType,
		Amount:            t.Amount,
		Plan:              t.Plan,
		Status:            Status(t.Status),
		CheckoutRequestID: t.CheckoutRequestID,
		MerchantRequestID: t.MerchantRequestID,
		ResultCode:        t.ResultCode,
		ResultDesc:        t.ResultDesc,
		MpesaReceipt:      t.MpesaReceipt,
		CallbackPayload:   t.CallbackPayload,
		PhoneNumber:       t.PhoneNumber,
		SettledAt:         t.SettledAt,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
}
