package payment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/frahmantamala/followup-payments/internal/mpesa"
)

// ParseCallback decodes and structurally checks an STK callback envelope.
// Errors wrap ErrCallbackMalformed.
func ParseCallback(body []byte) (*mpesa.STKCallback, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrCallbackMalformed)
	}

	var env mpesa.CallbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCallbackMalformed, err)
	}

	cb := env.Body.STKCallback
	switch {
	case cb == nil:
		return nil, fmt.Errorf("%w: missing Body.stkCallback", ErrCallbackMalformed)
	case strings.TrimSpace(cb.CheckoutRequestID) == "":
		return nil, fmt.Errorf("%w: missing CheckoutRequestID", ErrCallbackMalformed)
	case cb.ResultCode == nil:
		return nil, fmt.Errorf("%w: missing ResultCode", ErrCallbackMalformed)
	}

	cb.CheckoutRequestID = strings.TrimSpace(cb.CheckoutRequestID)
	return cb, nil
}
