package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/frahmantamala/followup-payments/internal/core/datamodel/transaction"
	paymentpkg "github.com/frahmantamala/followup-payments/internal/payment"
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) paymentpkg.RepositoryAPI {
	return &TransactionRepository{
		db: db,
	}
}

func (r *TransactionRepository) Create(ctx context.Context, t *transaction.Transaction) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *TransactionRepository) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*transaction.Transaction, error) {
	var t transaction.Transaction
	err := r.db.WithContext(ctx).Where("checkout_request_id = ?", checkoutRequestID).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", paymentpkg.ErrTransactionNotFound, checkoutRequestID)
		}
		return nil, err
	}
	return &t, nil
}

// Settle moves a pending row to its terminal state in one conditional
// update. It reports false when no pending row matched.
func (r *TransactionRepository) Settle(ctx context.Context, checkoutRequestID string, s paymentpkg.Settlement) (bool, error) {
	updates := map[string]interface{}{
		"status":      string(s.Status),
		"result_code": s.ResultCode,
		"result_desc": s.ResultDesc,
		"settled_at":  s.SettledAt,
	}
	if s.MpesaReceipt != "" {
		updates["mpesa_receipt"] = s.MpesaReceipt
	}
	if len(s.Payload) > 0 {
		updates["callback_payload"] = datatypes.JSON(s.Payload)
	}

	res := r.db.WithContext(ctx).
		Model(&transaction.Transaction{}).
		Where("checkout_request_id = ? AND status = ?", checkoutRequestID, string(paymentpkg.StatusPending)).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
