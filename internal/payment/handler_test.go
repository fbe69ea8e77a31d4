package payment_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"

	"github.com/go-chi/chi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apperrors "github.com/frahmantamala/followup-payments/internal"
	"github.com/frahmantamala/followup-payments/internal/mpesa"
	"github.com/frahmantamala/followup-payments/internal/payment"
	"github.com/frahmantamala/followup-payments/internal/transport"
)

var _ = Describe("Payment Handlers", func() {
	var (
		repo    *MockRepository
		gateway *MockGateway
		router  chi.Router
		subject string
	)

	BeforeEach(func() {
		slogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		repo = NewMockRepository()
		gateway = &MockGateway{
			pushResult: &mpesa.PushResult{
				MerchantRequestID: "29115-34620561-1",
				CheckoutRequestID: "ws_CO_1",
				CustomerMessage:   "Success. Request accepted for processing",
			},
		}
		service := payment.NewService(repo, gateway, nil, slogger)
		base := &transport.BaseHandler{Logger: slogger}
		handler := payment.NewHandler(base, service)
		webhook := payment.NewWebhookHandler(base, service)
		subject = ""

		router = chi.NewRouter()
		router.Group(func(r chi.Router) {
			r.Use(func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
					if subject != "" {
						req = req.WithContext(apperrors.ContextWithUserID(req.Context(), subject))
					}
					next.ServeHTTP(w, req)
				})
			})
			r.Post("/payments/initiate", handler.Initiate)
			r.Get("/payments/{checkoutRequestId}/status", handler.Status)
		})
		router.Post("/payments/callback", webhook.HandleCallback)
	})

	do := func(method, path string, body []byte) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	initiateBody := func(overrides map[string]interface{}) []byte {
		body := map[string]interface{}{
			"phoneNumber": "+254722000000",
			"amount":      2000,
			"plan":        "Nairobi Basic",
			"userId":      "user-1",
			"userType":    "patient",
		}
		for k, v := range overrides {
			body[k] = v
		}
		data, _ := json.Marshal(body)
		return data
	}

	Describe("POST /payments/initiate", func() {
		It("returns the checkout request id on success", func() {
			w := do(http.MethodPost, "/payments/initiate", initiateBody(nil))

			Expect(w.Code).To(Equal(http.StatusOK))
			var resp payment.InitiateResponse
			Expect(json.NewDecoder(w.Body).Decode(&resp)).To(Succeed())
			Expect(resp.Success).To(BeTrue())
			Expect(resp.CheckoutRequestID).To(Equal("ws_CO_1"))
			Expect(resp.MerchantRequestID).To(Equal("29115-34620561-1"))
			Expect(resp.Message).To(Equal("Success. Request accepted for processing"))
		})

		It("answers 400 with a code for an invalid amount", func() {
			w := do(http.MethodPost, "/payments/initiate", initiateBody(map[string]interface{}{"amount": 0}))

			Expect(w.Code).To(Equal(http.StatusBadRequest))
			var resp payment.InitiateResponse
			Expect(json.NewDecoder(w.Body).Decode(&resp)).To(Succeed())
			Expect(resp.Success).To(BeFalse())
			Expect(resp.Code).To(Equal(string(apperrors.ErrCodeInvalidAmount)))
			Expect(resp.Error).To(ContainSubstring("amount"))
		})

		It("answers 400 for a body that is not json", func() {
			w := do(http.MethodPost, "/payments/initiate", []byte("{"))

			Expect(w.Code).To(Equal(http.StatusBadRequest))
			Expect(gateway.pushes).To(BeEmpty())
		})

		It("refuses to pay on behalf of another user", func() {
			subject = "user-2"

			w := do(http.MethodPost, "/payments/initiate", initiateBody(nil))

			Expect(w.Code).To(Equal(http.StatusForbidden))
			Expect(gateway.pushes).To(BeEmpty())
		})

		It("answers 502 when the gateway rejects the push", func() {
			gateway.pushErr = mpesa.ErrPushRejected

			w := do(http.MethodPost, "/payments/initiate", initiateBody(nil))

			Expect(w.Code).To(Equal(http.StatusBadGateway))
			var resp payment.InitiateResponse
			Expect(json.NewDecoder(w.Body).Decode(&resp)).To(Succeed())
			Expect(resp.Code).To(Equal(string(apperrors.ErrCodePaymentInitiationFailed)))
		})

		It("returns the checkout id alongside a persistence failure", func() {
			repo.createErr = errors.New("disk full")

			w := do(http.MethodPost, "/payments/initiate", initiateBody(nil))

			Expect(w.Code).To(Equal(http.StatusInternalServerError))
			var resp payment.InitiateResponse
			Expect(json.NewDecoder(w.Body).Decode(&resp)).To(Succeed())
			Expect(resp.Success).To(BeFalse())
			Expect(resp.Code).To(Equal(string(apperrors.ErrCodePersistenceFailed)))
			Expect(resp.CheckoutRequestID).To(Equal("ws_CO_1"))
		})
	})

	Describe("POST /payments/callback", func() {
		BeforeEach(func() {
			w := do(http.MethodPost, "/payments/initiate", initiateBody(nil))
			Expect(w.Code).To(Equal(http.StatusOK))
		})

		It("settles and acknowledges", func() {
			w := do(http.MethodPost, "/payments/callback", callbackBody("ws_CO_1", 0, "ok", true))

			Expect(w.Code).To(Equal(http.StatusOK))
			var resp payment.CallbackResponse
			Expect(json.NewDecoder(w.Body).Decode(&resp)).To(Succeed())
			Expect(resp.Success).To(BeTrue())
			Expect(resp.Message).To(Equal("callback processed successfully"))
			Expect(repo.row("ws_CO_1").Status).To(Equal("completed"))
		})

		It("acknowledges duplicates with 200", func() {
			do(http.MethodPost, "/payments/callback", callbackBody("ws_CO_1", 0, "ok", true))

			w := do(http.MethodPost, "/payments/callback", callbackBody("ws_CO_1", 0, "ok", true))

			Expect(w.Code).To(Equal(http.StatusOK))
			var resp payment.CallbackResponse
			Expect(json.NewDecoder(w.Body).Decode(&resp)).To(Succeed())
			Expect(resp.Message).To(Equal("callback already processed"))
		})

		It("acknowledges unknown transactions with 200", func() {
			w := do(http.MethodPost, "/payments/callback", callbackBody("ws_CO_other", 0, "ok", true))

			Expect(w.Code).To(Equal(http.StatusOK))
		})

		It("answers 400 for a malformed envelope", func() {
			w := do(http.MethodPost, "/payments/callback", []byte(`{"Body":{}}`))

			Expect(w.Code).To(Equal(http.StatusBadRequest))
			Expect(repo.row("ws_CO_1").Status).To(Equal("pending"))
		})

		It("answers 500 when the result cannot be stored", func() {
			repo.settleErr = errors.New("database is locked")

			w := do(http.MethodPost, "/payments/callback", callbackBody("ws_CO_1", 0, "ok", true))

			Expect(w.Code).To(Equal(http.StatusInternalServerError))
			var resp payment.CallbackResponse
			Expect(json.NewDecoder(w.Body).Decode(&resp)).To(Succeed())
			Expect(resp.Success).To(BeFalse())
		})
	})

	Describe("GET /payments/{checkoutRequestId}/status", func() {
		It("reports pending then the settled state", func() {
			do(http.MethodPost, "/payments/initiate", initiateBody(nil))

			w := do(http.MethodGet, "/payments/ws_CO_1/status", nil)
			Expect(w.Code).To(Equal(http.StatusOK))
			var resp payment.StatusResponse
			Expect(json.NewDecoder(w.Body).Decode(&resp)).To(Succeed())
			Expect(resp.Status).To(Equal(payment.StatusPending))

			do(http.MethodPost, "/payments/callback", callbackBody("ws_CO_1", 1032, "Request cancelled by user", false))

			w = do(http.MethodGet, "/payments/ws_CO_1/status", nil)
			Expect(json.NewDecoder(w.Body).Decode(&resp)).To(Succeed())
			Expect(resp.Status).To(Equal(payment.StatusFailed))
			Expect(resp.ResultDesc).To(Equal("Request cancelled by user"))
		})

		It("answers 404 for an unknown id", func() {
			w := do(http.MethodGet, "/payments/ws_CO_none/status", nil)

			Expect(w.Code).To(Equal(http.StatusNotFound))
		})
	})
})
