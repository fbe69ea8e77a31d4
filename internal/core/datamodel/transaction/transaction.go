package transaction

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Transaction struct {
	ID                string         `gorm:"column:id;primaryKey;size:36"`
	UserID            string         `gorm:"column:user_id;size:64;not null;index"`
	UserType          string         `gorm:"column:user_type;size:16;not null"`
	Amount            int64          `gorm:"column:amount;not null"`
	Plan              string         `gorm:"column:plan;size:128;not null"`
	Status            string         `gorm:"column:status;size:16;not null;default:pending;index"`
	CheckoutRequestID string         `gorm:"column:checkout_request_id;size:64;not null;uniqueIndex"`
	MerchantRequestID string         `gorm:"column:merchant_request_id;size:64"`
	ResultCode        *int           `gorm:"column:result_code"`
	ResultDesc        *string        `gorm:"column:result_desc;size:255"`
	MpesaReceipt      *string        `gorm:"column:mpesa_receipt;size:32"`
	CallbackPayload   datatypes.JSON `gorm:"column:callback_payload"`
	PhoneNumber       string         `gorm:"column:phone_number;size:16;not null"`
	SettledAt         *time.Time     `gorm:"column:settled_at"`
	CreatedAt         time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (Transaction) TableName() string {
	return "transactions"
}

func (t *Transaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}
