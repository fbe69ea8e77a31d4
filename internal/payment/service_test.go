package payment_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apperrors "github.com/frahmantamala/followup-payments/internal"
	"github.com/frahmantamala/followup-payments/internal/core/datamodel/transaction"
	"github.com/frahmantamala/followup-payments/internal/core/events"
	"github.com/frahmantamala/followup-payments/internal/mpesa"
	"github.com/frahmantamala/followup-payments/internal/payment"
)

// MockRepository keeps rows in memory and honours the pending-only settle rule.
type MockRepository struct {
	mu        sync.Mutex
	rows      map[string]*transaction.Transaction
	createErr error
	settleErr error
	getErr    error
}

func NewMockRepository() *MockRepository {
	return &MockRepository{rows: make(map[string]*transaction.Transaction)}
}

func (m *MockRepository) Create(ctx context.Context, t *transaction.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, exists := m.rows[t.CheckoutRequestID]; exists {
		return fmt.Errorf("duplicate checkout request id %s", t.CheckoutRequestID)
	}
	t.ID = fmt.Sprintf("tx-%d", len(m.rows)+1)
	copied := *t
	m.rows[t.CheckoutRequestID] = &copied
	return nil
}

func (m *MockRepository) GetByCheckoutRequestID(ctx context.Context, id string) (*transaction.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	row, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", payment.ErrTransactionNotFound, id)
	}
	copied := *row
	return &copied, nil
}

func (m *MockRepository) Settle(ctx context.Context, id string, s payment.Settlement) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settleErr != nil {
		return false, m.settleErr
	}
	row, ok := m.rows[id]
	if !ok || row.Status != string(payment.StatusPending) {
		return false, nil
	}
	code, desc, at := s.ResultCode, s.ResultDesc, s.SettledAt
	row.Status = string(s.Status)
	row.ResultCode = &code
	row.ResultDesc = &desc
	row.SettledAt = &at
	if s.MpesaReceipt != "" {
		receipt := s.MpesaReceipt
		row.MpesaReceipt = &receipt
	}
	row.CallbackPayload = s.Payload
	return true, nil
}

func (m *MockRepository) row(id string) *transaction.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id]
}

type MockGateway struct {
	pushes     []mpesa.PushRequest
	pushResult *mpesa.PushResult
	pushErr    error
	queries    int
	query      *mpesa.QueryResult
	queryErr   error
}

func (g *MockGateway) STKPush(ctx context.Context, req mpesa.PushRequest) (*mpesa.PushResult, error) {
	g.pushes = append(g.pushes, req)
	if g.pushErr != nil {
		return nil, g.pushErr
	}
	return g.pushResult, nil
}

func (g *MockGateway) QueryStatus(ctx context.Context, id string) (*mpesa.QueryResult, error) {
	g.queries++
	if g.queryErr != nil {
		return nil, g.queryErr
	}
	return g.query, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType())
	}
	return out
}

func callbackBody(checkoutID string, resultCode int, desc string, withReceipt bool) []byte {
	cb := map[string]interface{}{
		"MerchantRequestID": "29115-34620561-1",
		"CheckoutRequestID": checkoutID,
		"ResultCode":        resultCode,
		"ResultDesc":        desc,
	}
	if withReceipt {
		cb["CallbackMetadata"] = map[string]interface{}{
			"Item": []map[string]interface{}{
				{"Name": "Amount", "Value": 2000},
				{"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
				{"Name": "TransactionDate", "Value": 20191219102115},
				{"Name": "PhoneNumber", "Value": 254722000000},
			},
		}
	}
	body, _ := json.Marshal(map[string]interface{}{"Body": map[string]interface{}{"stkCallback": cb}})
	return body
}

var _ = Describe("Payment Service", func() {
	var (
		repo      *MockRepository
		gateway   *MockGateway
		publisher *recordingPublisher
		service   *payment.Service
		ctx       context.Context
		validReq  payment.InitiateRequest
	)

	BeforeEach(func() {
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		repo = NewMockRepository()
		gateway = &MockGateway{
			pushResult: &mpesa.PushResult{
				MerchantRequestID: "29115-34620561-1",
				CheckoutRequestID: "ws_CO_191220191020363925",
				CustomerMessage:   "Success. Request accepted for processing",
			},
		}
		publisher = &recordingPublisher{}
		service = payment.NewService(repo, gateway, publisher, logger)
		ctx = context.Background()
		validReq = payment.InitiateRequest{
			PhoneNumber: "0722000000",
			Amount:      2000,
			Plan:        "Nairobi Basic",
			UserID:      "user-1",
			UserType:    "patient",
		}
	})

	Describe("Initiate", func() {
		It("pushes with the gateway phone form and records a pending row", func() {
			// When
			res, err := service.Initiate(ctx, validReq)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(res.CheckoutRequestID).To(Equal("ws_CO_191220191020363925"))
			Expect(res.MerchantRequestID).To(Equal("29115-34620561-1"))

			Expect(gateway.pushes).To(HaveLen(1))
			Expect(gateway.pushes[0].PhoneNumber).To(Equal("254722000000"))
			Expect(gateway.pushes[0].Amount).To(Equal(int64(2000)))
			Expect(gateway.pushes[0].AccountReference).To(Equal("patient-user-1"))
			Expect(gateway.pushes[0].TransactionDesc).To(Equal("Nairobi Basic"))

			row := repo.row("ws_CO_191220191020363925")
			Expect(row).ToNot(BeNil())
			Expect(row.Status).To(Equal("pending"))
			Expect(row.PhoneNumber).To(Equal("+254722000000"))
			Expect(row.UserType).To(Equal("patient"))
			Expect(row.Plan).To(Equal("Nairobi Basic"))

			Expect(publisher.types()).To(ConsistOf(events.EventTypePaymentInitiated))
		})

		DescribeTable("rejects invalid requests without calling the gateway",
			func(mutate func(*payment.InitiateRequest), code apperrors.ErrorCode) {
				req := validReq
				mutate(&req)

				_, err := service.Initiate(ctx, req)

				appErr, ok := apperrors.IsAppError(err)
				Expect(ok).To(BeTrue())
				Expect(appErr.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(appErr.Code).To(Equal(code))
				Expect(gateway.pushes).To(BeEmpty())
				Expect(repo.rows).To(BeEmpty())
			},
			Entry("zero amount", func(r *payment.InitiateRequest) { r.Amount = 0 }, apperrors.ErrCodeInvalidAmount),
			Entry("negative amount", func(r *payment.InitiateRequest) { r.Amount = -5 }, apperrors.ErrCodeInvalidAmount),
			Entry("amount above ceiling", func(r *payment.InitiateRequest) { r.Amount = 250001 }, apperrors.ErrCodeAmountTooHigh),
			Entry("landline number", func(r *payment.InitiateRequest) { r.PhoneNumber = "0202000000" }, apperrors.ErrCodeInvalidPhone),
			Entry("foreign number", func(r *payment.InitiateRequest) { r.PhoneNumber = "+14155550100" }, apperrors.ErrCodeInvalidPhone),
			Entry("unknown user type", func(r *payment.InitiateRequest) { r.UserType = "admin" }, apperrors.ErrCodeInvalidUserType),
			Entry("missing plan", func(r *payment.InitiateRequest) { r.Plan = "  " }, apperrors.ErrCodeValidationFailed),
		)

		It("names the accepted phone formats when the number is invalid", func() {
			req := validReq
			req.PhoneNumber = "12345"

			_, err := service.Initiate(ctx, req)

			appErr, _ := apperrors.IsAppError(err)
			Expect(appErr.GetDetailedMessage()).To(ContainSubstring(mpesa.PhoneFormatHint))
		})

		It("stores and pushes the trimmed user and plan", func() {
			req := validReq
			req.UserID = "  user-1 "
			req.Plan = " Nairobi Basic  "
			req.UserType = "patient "

			_, err := service.Initiate(ctx, req)

			Expect(err).ToNot(HaveOccurred())
			Expect(gateway.pushes[0].AccountReference).To(Equal("patient-user-1"))
			Expect(gateway.pushes[0].TransactionDesc).To(Equal("Nairobi Basic"))
			row := repo.row("ws_CO_191220191020363925")
			Expect(row.UserID).To(Equal("user-1"))
			Expect(row.Plan).To(Equal("Nairobi Basic"))
			Expect(row.UserType).To(Equal("patient"))
		})

		It("accepts the amount ceiling", func() {
			req := validReq
			req.Amount = payment.MaxAmount

			_, err := service.Initiate(ctx, req)

			Expect(err).ToNot(HaveOccurred())
		})

		It("reports a credential failure and stores nothing", func() {
			gateway.pushErr = fmt.Errorf("%w: http 400", mpesa.ErrCredential)

			_, err := service.Initiate(ctx, validReq)

			appErr, ok := apperrors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Code).To(Equal(apperrors.ErrCodeCredentialFailed))
			Expect(appErr.StatusCode).To(Equal(http.StatusBadGateway))
			Expect(repo.rows).To(BeEmpty())
			Expect(publisher.types()).To(BeEmpty())
		})

		It("reports a rejected push and stores nothing", func() {
			gateway.pushErr = mpesa.ErrPushRejected

			_, err := service.Initiate(ctx, validReq)

			appErr, ok := apperrors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Code).To(Equal(apperrors.ErrCodePaymentInitiationFailed))
			Expect(errors.Is(err, mpesa.ErrPushRejected)).To(BeTrue())
			Expect(repo.rows).To(BeEmpty())
		})

		It("carries the checkout id when the accepted push cannot be recorded", func() {
			repo.createErr = errors.New("connection reset")

			_, err := service.Initiate(ctx, validReq)

			appErr, ok := apperrors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Code).To(Equal(apperrors.ErrCodePersistenceFailed))
			Expect(appErr.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(errors.Is(err, payment.ErrPersistence)).To(BeTrue())
			Expect(appErr.Details).To(HaveKeyWithValue("checkoutRequestId", "ws_CO_191220191020363925"))
			Expect(publisher.types()).To(BeEmpty())
		})
	})

	Describe("ApplyCallback", func() {
		const checkoutID = "ws_CO_191220191020363925"

		BeforeEach(func() {
			_, err := service.Initiate(ctx, validReq)
			Expect(err).ToNot(HaveOccurred())
			publisher.events = nil
		})

		It("completes the transaction on result code 0", func() {
			// When
			res, err := service.ApplyCallback(ctx, callbackBody(checkoutID, 0, "The service request is processed successfully.", true))

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Outcome).To(Equal(payment.CallbackApplied))
			Expect(res.Status).To(Equal(payment.StatusCompleted))

			row := repo.row(checkoutID)
			Expect(row.Status).To(Equal("completed"))
			Expect(*row.ResultCode).To(Equal(0))
			Expect(*row.MpesaReceipt).To(Equal("NLJ7RT61SV"))
			Expect(row.SettledAt).ToNot(BeNil())
			Expect(string(row.CallbackPayload)).To(ContainSubstring("stkCallback"))
			Expect(publisher.types()).To(ConsistOf(events.EventTypePaymentCompleted))
		})

		It("fails the transaction when the customer cancels", func() {
			res, err := service.ApplyCallback(ctx, callbackBody(checkoutID, mpesa.ResultCodeCancelledByUser, "Request cancelled by user", false))

			Expect(err).ToNot(HaveOccurred())
			Expect(res.Status).To(Equal(payment.StatusFailed))

			row := repo.row(checkoutID)
			Expect(row.Status).To(Equal("failed"))
			Expect(*row.ResultCode).To(Equal(1032))
			Expect(*row.ResultDesc).To(Equal("Request cancelled by user"))
			Expect(row.MpesaReceipt).To(BeNil())
			Expect(publisher.types()).To(ConsistOf(events.EventTypePaymentFailed))
		})

		It("accepts a result code sent as a string", func() {
			body := []byte(`{"Body":{"stkCallback":{"MerchantRequestID":"m","CheckoutRequestID":"` + checkoutID + `","ResultCode":"1","ResultDesc":"insufficient balance"}}}`)

			res, err := service.ApplyCallback(ctx, body)

			Expect(err).ToNot(HaveOccurred())
			Expect(res.Status).To(Equal(payment.StatusFailed))
			Expect(*repo.row(checkoutID).ResultCode).To(Equal(1))
		})

		It("treats a repeated callback as a no-op", func() {
			body := callbackBody(checkoutID, 0, "ok", true)
			_, err := service.ApplyCallback(ctx, body)
			Expect(err).ToNot(HaveOccurred())

			res, err := service.ApplyCallback(ctx, body)

			Expect(err).ToNot(HaveOccurred())
			Expect(res.Outcome).To(Equal(payment.CallbackDuplicate))
			Expect(res.Status).To(Equal(payment.StatusCompleted))
			Expect(publisher.types()).To(HaveLen(1))
		})

		It("keeps the first terminal state when a contradicting callback arrives late", func() {
			_, err := service.ApplyCallback(ctx, callbackBody(checkoutID, 1032, "Request cancelled by user", false))
			Expect(err).ToNot(HaveOccurred())

			res, err := service.ApplyCallback(ctx, callbackBody(checkoutID, 0, "ok", true))

			Expect(err).ToNot(HaveOccurred())
			Expect(res.Outcome).To(Equal(payment.CallbackDuplicate))
			row := repo.row(checkoutID)
			Expect(row.Status).To(Equal("failed"))
			Expect(row.MpesaReceipt).To(BeNil())
		})

		It("acknowledges a callback for an unknown transaction", func() {
			res, err := service.ApplyCallback(ctx, callbackBody("ws_CO_unknown", 0, "ok", true))

			Expect(err).ToNot(HaveOccurred())
			Expect(res.Outcome).To(Equal(payment.CallbackUnknown))
			Expect(repo.rows).To(HaveLen(1))
		})

		DescribeTable("rejects malformed envelopes",
			func(body string) {
				_, err := service.ApplyCallback(ctx, []byte(body))

				appErr, ok := apperrors.IsAppError(err)
				Expect(ok).To(BeTrue())
				Expect(appErr.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(appErr.Code).To(Equal(apperrors.ErrCodeCallbackMalformed))
				Expect(errors.Is(err, payment.ErrCallbackMalformed)).To(BeTrue())
				Expect(repo.row(checkoutID).Status).To(Equal("pending"))
			},
			Entry("empty body", ""),
			Entry("not json", "hello"),
			Entry("missing stkCallback", `{"Body":{}}`),
			Entry("missing checkout id", `{"Body":{"stkCallback":{"ResultCode":0}}}`),
			Entry("missing result code", `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_191220191020363925"}}}`),
			Entry("non-numeric result code", `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_191220191020363925","ResultCode":"abc"}}}`),
		)

		It("returns a persistence error so the gateway retries", func() {
			repo.settleErr = errors.New("database is locked")

			_, err := service.ApplyCallback(ctx, callbackBody(checkoutID, 0, "ok", true))

			appErr, ok := apperrors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(errors.Is(err, payment.ErrPersistence)).To(BeTrue())
		})
	})

	Describe("GetStatus", func() {
		It("returns not found for unknown ids", func() {
			_, err := service.GetStatus(ctx, "missing")

			appErr, ok := apperrors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.StatusCode).To(Equal(http.StatusNotFound))
			Expect(appErr.Code).To(Equal(apperrors.ErrCodeTransactionNotFound))
		})

		It("includes the result description once settled", func() {
			_, err := service.Initiate(ctx, validReq)
			Expect(err).ToNot(HaveOccurred())
			_, err = service.ApplyCallback(ctx, callbackBody("ws_CO_191220191020363925", 1032, "Request cancelled by user", false))
			Expect(err).ToNot(HaveOccurred())

			res, err := service.GetStatus(ctx, "ws_CO_191220191020363925")

			Expect(err).ToNot(HaveOccurred())
			Expect(res.Status).To(Equal(payment.StatusFailed))
			Expect(res.ResultDesc).To(Equal("Request cancelled by user"))
		})
	})

	Describe("Reconcile", func() {
		const checkoutID = "ws_CO_191220191020363925"

		BeforeEach(func() {
			_, err := service.Initiate(ctx, validReq)
			Expect(err).ToNot(HaveOccurred())
		})

		It("leaves the row pending while the gateway is still waiting", func() {
			gateway.query = &mpesa.QueryResult{CheckoutRequestID: checkoutID, Pending: true}

			res, err := service.Reconcile(ctx, checkoutID)

			Expect(err).ToNot(HaveOccurred())
			Expect(res.Status).To(Equal(payment.StatusPending))
			Expect(repo.row(checkoutID).Status).To(Equal("pending"))
		})

		It("settles from the query result", func() {
			gateway.query = &mpesa.QueryResult{CheckoutRequestID: checkoutID, ResultCode: 0, ResultDesc: "The service request is processed successfully."}

			res, err := service.Reconcile(ctx, checkoutID)

			Expect(err).ToNot(HaveOccurred())
			Expect(res.Status).To(Equal(payment.StatusCompleted))
			Expect(string(repo.row(checkoutID).CallbackPayload)).To(ContainSubstring("stk_query"))
		})

		It("does not ask the gateway about a terminal row", func() {
			_, err := service.ApplyCallback(ctx, callbackBody(checkoutID, 0, "ok", true))
			Expect(err).ToNot(HaveOccurred())

			res, err := service.Reconcile(ctx, checkoutID)

			Expect(err).ToNot(HaveOccurred())
			Expect(res.Status).To(Equal(payment.StatusCompleted))
			Expect(gateway.queries).To(Equal(0))
		})

		It("maps query failures to a gateway error", func() {
			gateway.queryErr = mpesa.ErrQueryFailed

			_, err := service.Reconcile(ctx, checkoutID)

			appErr, ok := apperrors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Code).To(Equal(apperrors.ErrCodeGatewayQueryFailed))
		})
	})
})
