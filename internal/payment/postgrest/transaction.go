// Package postgrest stores transactions in a hosted record store that speaks
// the PostgREST dialect over HTTP.
package postgrest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/frahmantamala/followup-payments/internal/core/datamodel/transaction"
	paymentpkg "github.com/frahmantamala/followup-payments/internal/payment"
)

type Config struct {
	BaseURL string
	APIKey  string
	Table   string
	Timeout time.Duration
}

type TransactionRepository struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

func NewTransactionRepository(cfg Config, logger *slog.Logger) paymentpkg.RepositoryAPI {
	if cfg.Table == "" {
		cfg.Table = "transactions"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TransactionRepository{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type record struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	UserType          string          `json:"user_type"`
	Amount            int64           `json:"amount"`
	Plan              string          `json:"plan"`
	Status            string          `json:"status"`
	CheckoutRequestID string          `json:"checkout_request_id"`
	MerchantRequestID string          `json:"merchant_request_id"`
	ResultCode        *int            `json:"result_code"`
	ResultDesc        *string         `json:"result_desc"`
	MpesaReceipt      *string         `json:"mpesa_receipt"`
	CallbackPayload   json.RawMessage `json:"callback_payload,omitempty"`
	PhoneNumber       string          `json:"phone_number"`
	SettledAt         *time.Time      `json:"settled_at"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func toRecord(t *transaction.Transaction) record {
	r := record{
		ID:                t.ID,
		UserID:            t.UserID,
		UserType:          t.UserType,
		Amount:            t.Amount,
		Plan:              t.Plan,
		Status:            t.Status,
		CheckoutRequestID: t.CheckoutRequestID,
		MerchantRequestID: t.MerchantRequestID,
		ResultCode:        t.ResultCode,
		ResultDesc:        t.ResultDesc,
		MpesaReceipt:      t.MpesaReceipt,
		PhoneNumber:       t.PhoneNumber,
		SettledAt:         t.SettledAt,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
	if len(t.CallbackPayload) > 0 {
		r.CallbackPayload = json.RawMessage(t.CallbackPayload)
	}
	return r
}

func (r record) toDataModel() *transaction.Transaction {
	return &transaction.Transaction{
		ID:                r.ID,
		UserID:            r.UserID,
		UserType:          r.UserType,
		Amount:            r.Amount,
		Plan:              r.Plan,
		Status:            r.Status,
		CheckoutRequestID: r.CheckoutRequestID,
		MerchantRequestID: r.MerchantRequestID,
		ResultCode:        r.ResultCode,
		ResultDesc:        r.ResultDesc,
		MpesaReceipt:      r.MpesaReceipt,
		CallbackPayload:   []byte(r.CallbackPayload),
		PhoneNumber:       r.PhoneNumber,
		SettledAt:         r.SettledAt,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

// StoreError is a non-2xx answer from the record store.
type StoreError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details"`
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("postgrest: http %d %s: %s", e.StatusCode, e.Code, e.Message)
}

func (r *TransactionRepository) Create(ctx context.Context, t *transaction.Transaction) error {
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	var rows []record
	if err := r.do(ctx, http.MethodPost, r.tableURL(nil), toRecord(t), &rows); err != nil {
		return err
	}
	if len(rows) == 1 {
		*t = *rows[0].toDataModel()
	}
	return nil
}

func (r *TransactionRepository) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*transaction.Transaction, error) {
	q := url.Values{}
	q.Set("checkout_request_id", "eq."+checkoutRequestID)
	q.Set("limit", "1")

	var rows []record
	if err := r.do(ctx, http.MethodGet, r.tableURL(q), nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", paymentpkg.ErrTransactionNotFound, checkoutRequestID)
	}
	return rows[0].toDataModel(), nil
}

// Settle issues one PATCH filtered on status=pending so the store itself
// decides which writer wins.
func (r *TransactionRepository) Settle(ctx context.Context, checkoutRequestID string, s paymentpkg.Settlement) (bool, error) {
	q := url.Values{}
	q.Set("checkout_request_id", "eq."+checkoutRequestID)
	q.Set("status", "eq."+string(paymentpkg.StatusPending))

	patch := map[string]interface{}{
		"status":      string(s.Status),
		"result_code": s.ResultCode,
		"result_desc": s.ResultDesc,
		"settled_at":  s.SettledAt.UTC(),
		"updated_at":  time.Now().UTC(),
	}
	if s.MpesaReceipt != "" {
		patch["mpesa_receipt"] = s.MpesaReceipt
	}
	if len(s.Payload) > 0 && json.Valid(s.Payload) {
		patch["callback_payload"] = json.RawMessage(s.Payload)
	}

	var rows []record
	if err := r.do(ctx, http.MethodPatch, r.tableURL(q), patch, &rows); err != nil {
		return false, err
	}
	return len(rows) == 1, nil
}

func (r *TransactionRepository) tableURL(q url.Values) string {
	u := strings.TrimRight(r.cfg.BaseURL, "/") + "/" + r.cfg.Table
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (r *TransactionRepository) do(ctx context.Context, method, target string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("postgrest: marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("postgrest: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", "return=representation")
	}
	if r.cfg.APIKey != "" {
		req.Header.Set("apikey", r.cfg.APIKey)
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("postgrest: %s %s: %w", method, r.cfg.Table, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("postgrest: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		storeErr := &StoreError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(payload, storeErr)
		r.logger.Warn("record store request failed",
			"method", method,
			"table", r.cfg.Table,
			"status_code", resp.StatusCode,
			"code", storeErr.Code)
		return storeErr
	}

	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("postgrest: decode response: %w", err)
	}
	return nil
}
