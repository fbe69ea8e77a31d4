package payment

import (
	"strings"

	errors "github.com/frahmantamala/followup-payments/internal"
	"github.com/frahmantamala/followup-payments/internal/core/common/validation"
	"github.com/frahmantamala/followup-payments/internal/mpesa"
)

const (
	MinAmount int64 = 1
	// MaxAmount is the M-Pesa per-transaction ceiling in KES.
	MaxAmount int64 = 250000
)

// InitiateRequest represents the request payload for starting an STK push
type InitiateRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Amount      int64  `json:"amount"`
	Plan        string `json:"plan"`
	UserID      string `json:"userId"`
	UserType    string `json:"userType"`
}

// Validate checks the request and returns the canonical phone number.
// Text fields are trimmed in place so later use sees the validated values.
func (r *InitiateRequest) Validate() (string, error) {
	r.Plan = strings.TrimSpace(r.Plan)
	r.UserID = strings.TrimSpace(r.UserID)
	r.UserType = strings.TrimSpace(r.UserType)

	validator := validation.NewValidator()

	var canonical string
	validator.Field("phoneNumber", r.PhoneNumber).
		Required().
		Custom(func(value interface{}) *errors.AppError {
			phone, err := mpesa.NormalizePhone(value.(string))
			if err != nil {
				return errors.NewValidationFieldError("phoneNumber",
					"phoneNumber must be a Kenyan mobile number in the format "+mpesa.PhoneFormatHint,
					errors.ErrCodeInvalidPhone)
			}
			canonical = phone
			return nil
		})
	validator.Field("amount", r.Amount).
		MinInt(MinAmount, errors.ErrCodeInvalidAmount).
		MaxInt(MaxAmount, errors.ErrCodeAmountTooHigh)
	validator.Field("plan", r.Plan).Required().MaxLength(128)
	validator.Field("userId", r.UserID).Required().MaxLength(64)
	validator.Field("userType", r.UserType).
		Required().
		OneOf(errors.ErrCodeInvalidUserType, UserTypePatient, UserTypeDoctor)

	if appErr := validator.Validate(); appErr != nil {
		return "", appErr
	}
	return canonical, nil
}

type InitiateResult struct {
	TransactionID     string
	CheckoutRequestID string
	MerchantRequestID string
	CustomerMessage   string
}

// InitiateResponse is the body of POST /payments/initiate
type InitiateResponse struct {
	Success           bool   `json:"success"`
	CheckoutRequestID string `json:"checkoutRequestId,omitempty"`
	MerchantRequestID string `json:"merchantRequestId,omitempty"`
	Message           string `json:"message,omitempty"`
	Error             string `json:"error,omitempty"`
	Code              string `json:"code,omitempty"`
}

type CallbackOutcome string

const (
	CallbackApplied   CallbackOutcome = "applied"
	CallbackDuplicate CallbackOutcome = "duplicate"
	CallbackUnknown   CallbackOutcome = "unknown"
)

type CallbackResult struct {
	Outcome           CallbackOutcome
	CheckoutRequestID string
	Status            Status
}

// CallbackResponse is returned to the gateway
type CallbackResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type StatusResult struct {
	CheckoutRequestID string
	Status            Status
	ResultDesc        string
}

// StatusResponse is the body of GET /payments/{checkoutRequestId}/status
type StatusResponse struct {
	Status     Status `json:"status"`
	ResultDesc string `json:"resultDesc,omitempty"`
}
