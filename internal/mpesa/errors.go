package mpesa

import (
	"errors"
	"fmt"
)

var (
	// ErrCredential is returned when an access token cannot be obtained.
	ErrCredential = errors.New("mpesa: credential request failed")
	// ErrPushRejected is returned when the gateway does not accept an STK push.
	ErrPushRejected = errors.New("mpesa: stk push rejected")
	// ErrQueryFailed is returned when an STK push query gives no usable answer.
	ErrQueryFailed = errors.New("mpesa: stk query failed")
	// ErrInvalidPhone is returned by NormalizePhone.
	ErrInvalidPhone = errors.New("mpesa: invalid phone number")
)

// GatewayError carries what the gateway said about a failed call.
type GatewayError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	kind       error
	cause      error
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.kind, e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (http %d)", e.StatusCode)
	}
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() []error {
	if e.cause != nil {
		return []error{e.kind, e.cause}
	}
	return []error{e.kind}
}

func newGatewayError(kind error, op string, status int, code, message string, cause error) *GatewayError {
	return &GatewayError{
		Op:         op,
		StatusCode: status,
		Code:       code,
		Message:    message,
		kind:       kind,
		cause:      cause,
	}
}

// GatewayMessage returns the most human-readable message held by err.
func GatewayMessage(err error) string {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		if gwErr.Message != "" {
			return gwErr.Message
		}
		if gwErr.cause != nil {
			return gwErr.cause.Error()
		}
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
