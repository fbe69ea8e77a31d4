package main_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	"github.com/go-chi/chi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/frahmantamala/followup-payments/internal/auth"
	"github.com/frahmantamala/followup-payments/internal/core/datamodel/transaction"
	"github.com/frahmantamala/followup-payments/internal/core/events"
	"github.com/frahmantamala/followup-payments/internal/mpesa"
	"github.com/frahmantamala/followup-payments/internal/mpesa/sandbox"
	"github.com/frahmantamala/followup-payments/internal/payment"
	paymentPostgres "github.com/frahmantamala/followup-payments/internal/payment/postgres"
	"github.com/frahmantamala/followup-payments/internal/poller"
	"github.com/frahmantamala/followup-payments/internal/transport"
	"github.com/frahmantamala/followup-payments/internal/transport/rest"
)

const jwtSecret = "an-e2e-secret-that-is-long-enough-for-hs256"

var _ = Describe("STK push round trip", func() {
	var (
		logger   *slog.Logger
		db       *gorm.DB
		gateway  *httptest.Server
		sb       *sandbox.Server
		api      *httptest.Server
		bus      *events.EventBus
		service  *payment.Service
		verifier *auth.JWTVerifier
		decider  sandbox.Decider
		ctx      context.Context
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		decider = sandbox.FixedDecider(mpesa.ResultCodeSuccess, "The service request is processed successfully.")
		ctx = context.Background()
	})

	JustBeforeEach(func() {
		var err error
		db, err = gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		Expect(err).ToNot(HaveOccurred())
		sqlDB, err := db.DB()
		Expect(err).ToNot(HaveOccurred())
		sqlDB.SetMaxOpenConns(1)
		Expect(db.AutoMigrate(&transaction.Transaction{})).To(Succeed())

		sb = sandbox.New(sandbox.Config{
			ConsumerKey:    "key",
			ConsumerSecret: "secret",
			ShortCode:      "174379",
			Passkey:        "passkey",
			MaxWorkers:     2,
			JobQueueSize:   10,
			CallbackDelay:  20 * time.Millisecond,
			Decider:        decider,
		}, logger)
		gateway = httptest.NewServer(sb.Handler())

		// the server has to exist before the client so the callback URL is known
		router := chi.NewRouter()
		api = httptest.NewServer(router)

		client := mpesa.NewClient(mpesa.Config{
			BaseURL:        gateway.URL,
			ConsumerKey:    "key",
			ConsumerSecret: "secret",
			ShortCode:      "174379",
			Passkey:        "passkey",
			CallbackURL:    api.URL + "/api/v1/payments/callback",
			Timeout:        2 * time.Second,
		}, logger)

		bus = events.NewEventBus(logger)
		service = payment.NewService(paymentPostgres.NewTransactionRepository(db), client, bus, logger)
		verifier = auth.NewJWTVerifier(jwtSecret, "")

		base := transport.NewBaseHandler(logger)
		rest.RegisterAllRoutes(router, rest.RouterConfig{
			PaymentHandler: payment.NewHandler(base, service),
			WebhookHandler: payment.NewWebhookHandler(base, service),
			TokenValidator: verifier,
			Logger:         logger,
		})
	})

	AfterEach(func() {
		api.Close()
		gateway.Close()
		sb.Shutdown()
		bus.Wait()
		sqlDB, _ := db.DB()
		_ = sqlDB.Close()
	})

	initiate := func(body string) (int, payment.InitiateResponse) {
		token, err := verifier.GenerateAccessToken("user-1", time.Minute)
		Expect(err).ToNot(HaveOccurred())

		req, err := http.NewRequest(http.MethodPost, api.URL+"/api/v1/payments/initiate", bytes.NewBufferString(body))
		Expect(err).ToNot(HaveOccurred())
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := http.DefaultClient.Do(req)
		Expect(err).ToNot(HaveOccurred())
		defer resp.Body.Close()

		var out payment.InitiateResponse
		Expect(json.NewDecoder(resp.Body).Decode(&out)).To(Succeed())
		return resp.StatusCode, out
	}

	storedRow := func(checkoutID string) func() transaction.Transaction {
		return func() transaction.Transaction {
			var row transaction.Transaction
			db.Where("checkout_request_id = ?", checkoutID).First(&row)
			return row
		}
	}

	const validBody = `{"phoneNumber":"0722000000","amount":2000,"plan":"Nairobi Basic","userId":"user-1","userType":"patient"}`

	It("records a pending transaction and settles it from the callback", func() {
		// When
		code, res := initiate(validBody)

		// Then
		Expect(code).To(Equal(http.StatusOK))
		Expect(res.Success).To(BeTrue())
		Expect(res.CheckoutRequestID).To(HavePrefix("ws_CO_"))

		row := storedRow(res.CheckoutRequestID)()
		Expect(row.PhoneNumber).To(Equal("+254722000000"))
		Expect(row.Amount).To(BeEquivalentTo(2000))

		Eventually(func() string { return storedRow(res.CheckoutRequestID)().Status }, 3*time.Second).
			Should(Equal("completed"))
		Expect(storedRow(res.CheckoutRequestID)().MpesaReceipt).ToNot(BeNil())
	})

	It("lets a client poll the status endpoint until the payment settles", func() {
		_, res := initiate(validBody)
		token, _ := verifier.GenerateAccessToken("user-1", time.Minute)

		p := poller.New(poller.NewHTTPFetcher(api.URL, token, nil), poller.Config{
			Interval:    25 * time.Millisecond,
			MaxAttempts: 80,
			Logger:      logger,
		})
		result, err := p.Wait(ctx, res.CheckoutRequestID)

		Expect(err).ToNot(HaveOccurred())
		Expect(result.Outcome).To(Equal(poller.OutcomeCompleted))
	})

	It("rejects an amount over the limit before reaching the gateway", func() {
		code, res := initiate(`{"phoneNumber":"0722000000","amount":250001,"plan":"Nairobi Basic","userId":"user-1","userType":"patient"}`)

		Expect(code).To(Equal(http.StatusBadRequest))
		Expect(res.Code).To(Equal("AMOUNT_TOO_HIGH"))

		var count int64
		db.Model(&transaction.Transaction{}).Count(&count)
		Expect(count).To(BeZero())
	})

	Context("when the customer cancels the prompt", func() {
		BeforeEach(func() {
			decider = sandbox.FixedDecider(mpesa.ResultCodeCancelledByUser, "Request cancelled by user")
		})

		It("marks the transaction failed with the gateway's reason", func() {
			_, res := initiate(validBody)

			Eventually(func() string { return storedRow(res.CheckoutRequestID)().Status }, 3*time.Second).
				Should(Equal("failed"))

			status, err := service.GetStatus(ctx, res.CheckoutRequestID)
			Expect(err).ToNot(HaveOccurred())
			Expect(status.ResultDesc).To(Equal("Request cancelled by user"))
		})
	})
})
