package payment

import (
	"context"
	"errors"

	"github.com/frahmantamala/followup-payments/internal/core/datamodel/transaction"
	"github.com/frahmantamala/followup-payments/internal/mpesa"
)

var (
	ErrTransactionNotFound = errors.New("payment: transaction not found")
	ErrPersistence         = errors.New("payment: persistence failed")
	ErrCallbackMalformed   = errors.New("payment: callback malformed")
)

// RepositoryAPI stores transactions. Settle must only touch a row that is
// still pending and report whether it did.
type RepositoryAPI interface {
	Create(ctx context.Context, t *transaction.Transaction) error
	GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*transaction.Transaction, error)
	Settle(ctx context.Context, checkoutRequestID string, s Settlement) (bool, error)
}

// Gateway is the part of the M-Pesa client the service needs.
type Gateway interface {
	STKPush(ctx context.Context, req mpesa.PushRequest) (*mpesa.PushResult, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResult, error)
}

var _ Gateway = (*mpesa.Client)(nil)

type ServiceAPI interface {
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	ApplyCallback(ctx context.Context, body []byte) (*CallbackResult, error)
	GetStatus(ctx context.Context, checkoutRequestID string) (*StatusResult, error)
	Reconcile(ctx context.Context, checkoutRequestID string) (*StatusResult, error)
}
