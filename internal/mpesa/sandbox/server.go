// Package sandbox is a local stand-in for the Daraja API. It issues tokens,
// accepts STK pushes, answers STK queries and, after a delay, posts the
// callback envelope to the push's CallBackURL.
package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	mrand "math/rand"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/frahmantamala/followup-payments/internal/mpesa"
)

// Outcome is the simulated customer response to a push.
type Outcome struct {
	ResultCode int
	ResultDesc string
}

type Decider interface {
	Decide(job Job) Outcome
}

type DeciderFunc func(job Job) Outcome

func (f DeciderFunc) Decide(job Job) Outcome { return f(job) }

// RandomDecider succeeds with the given probability, otherwise the customer cancels.
func RandomDecider(successRate float64) Decider {
	return DeciderFunc(func(Job) Outcome {
		if mrand.Float64() < successRate {
			return Outcome{ResultCode: mpesa.ResultCodeSuccess, ResultDesc: "The service request is processed successfully."}
		}
		return Outcome{ResultCode: mpesa.ResultCodeCancelledByUser, ResultDesc: "Request cancelled by user"}
	})
}

func FixedDecider(code int, desc string) Decider {
	return DeciderFunc(func(Job) Outcome {
		return Outcome{ResultCode: code, ResultDesc: desc}
	})
}

type Config struct {
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	MaxWorkers     int
	JobQueueSize   int
	CallbackDelay  time.Duration
	Decider        Decider
	Location       *time.Location
}

type Server struct {
	cfg        Config
	logger     *slog.Logger
	pool       *Pool
	httpClient *http.Client

	mu      sync.RWMutex
	tokens  map[string]time.Time
	pending map[string]*Outcome
}

var gatewayPhone = regexp.MustCompile(`^254[17][0-9]{8}$`)

func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Decider == nil {
		cfg.Decider = RandomDecider(0.9)
	}
	if cfg.Location == nil {
		cfg.Location = time.FixedZone("EAT", 3*60*60)
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		tokens:     make(map[string]time.Time),
		pending:    make(map[string]*Outcome),
	}
	s.pool = NewPool(cfg.MaxWorkers, cfg.JobQueueSize, s.processJob, logger)
	s.pool.Start()
	return s
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/oauth/v1/generate", s.handleToken)
	r.Post("/mpesa/stkpush/v1/processrequest", s.handleSTKPush)
	r.Post("/mpesa/stkpushquery/v1/query", s.handleSTKQuery)
	return r
}

func (s *Server) Shutdown() {
	s.pool.Shutdown()
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("grant_type") != "client_credentials" {
		writeGatewayError(w, http.StatusBadRequest, "400.008.02", "Invalid grant type passed")
		return
	}
	user, pass, ok := r.BasicAuth()
	if !ok || (s.cfg.ConsumerKey != "" && (user != s.cfg.ConsumerKey || pass != s.cfg.ConsumerSecret)) {
		writeGatewayError(w, http.StatusBadRequest, "400.008.01", "Invalid Authentication passed")
		return
	}

	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	s.mu.Lock()
	s.tokens[token] = time.Now().Add(time.Hour)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"expires_in":   "3599",
	})
}

func (s *Server) authorized(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return false
	}
	s.mu.RLock()
	exp, ok := s.tokens[strings.TrimPrefix(auth, "Bearer ")]
	s.mu.RUnlock()
	return ok && time.Now().Before(exp)
}

type pushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

func (s *Server) handleSTKPush(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeGatewayError(w, http.StatusUnauthorized, "404.001.03", "Invalid Access Token")
		return
	}

	var p pushPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeGatewayError(w, http.StatusBadRequest, "400.002.02", "Bad Request - Invalid JSON")
		return
	}

	if msg := s.validatePush(p); msg != "" {
		writeGatewayError(w, http.StatusBadRequest, "400.002.02", "Bad Request - "+msg)
		return
	}

	job := Job{
		CheckoutRequestID: fmt.Sprintf("ws_CO_%s%s", time.Now().In(s.cfg.Location).Format("020120061504"), randomDigits(12)),
		MerchantRequestID: fmt.Sprintf("%s-%s-1", randomDigits(5), randomDigits(8)),
		CallbackURL:       p.CallBackURL,
		PhoneNumber:       p.PhoneNumber,
		Amount:            p.Amount,
		AccountReference:  p.AccountReference,
	}

	s.mu.Lock()
	s.pending[job.CheckoutRequestID] = nil
	s.mu.Unlock()

	if err := s.pool.Submit(job); err != nil {
		s.mu.Lock()
		delete(s.pending, job.CheckoutRequestID)
		s.mu.Unlock()
		writeGatewayError(w, http.StatusServiceUnavailable, "503.001.01", "System is busy, try again later")
		return
	}

	s.logger.Info("sandbox accepted stk push",
		"checkout_request_id", job.CheckoutRequestID,
		"merchant_request_id", job.MerchantRequestID,
		"amount", job.Amount)

	writeJSON(w, http.StatusOK, map[string]string{
		"MerchantRequestID":   job.MerchantRequestID,
		"CheckoutRequestID":   job.CheckoutRequestID,
		"ResponseCode":        "0",
		"ResponseDescription": "Success. Request accepted for processing",
		"CustomerMessage":     "Success. Request accepted for processing",
	})
}

func (s *Server) validatePush(p pushPayload) string {
	switch {
	case s.cfg.ShortCode != "" && p.BusinessShortCode != s.cfg.ShortCode:
		return "Invalid BusinessShortCode"
	case len(p.Timestamp) != 14:
		return "Invalid Timestamp"
	case s.cfg.Passkey != "" && p.Password != mpesa.Password(p.BusinessShortCode, s.cfg.Passkey, p.Timestamp):
		return "Invalid Password"
	case p.TransactionType != mpesa.TransactionTypePayBill && p.TransactionType != mpesa.TransactionTypeBuyGoods:
		return "Invalid TransactionType"
	case p.Amount < 1:
		return "Invalid Amount"
	case !gatewayPhone.MatchString(p.PhoneNumber) || p.PartyA != p.PhoneNumber:
		return "Invalid PhoneNumber"
	case !strings.HasPrefix(p.CallBackURL, "http"):
		return "Invalid CallBackURL"
	case len(p.AccountReference) > 12:
		return "Invalid AccountReference"
	case len(p.TransactionDesc) > 13:
		return "Invalid TransactionDesc"
	}
	return ""
}

func (s *Server) handleSTKQuery(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeGatewayError(w, http.StatusUnauthorized, "404.001.03", "Invalid Access Token")
		return
	}

	var q struct {
		CheckoutRequestID string `json:"CheckoutRequestID"`
	}
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeGatewayError(w, http.StatusBadRequest, "400.002.02", "Bad Request - Invalid JSON")
		return
	}

	s.mu.RLock()
	outcome, known := s.pending[q.CheckoutRequestID]
	s.mu.RUnlock()

	switch {
	case !known:
		writeGatewayError(w, http.StatusBadRequest, "400.002.02", "Bad Request - Invalid CheckoutRequestID")
	case outcome == nil:
		writeGatewayError(w, http.StatusInternalServerError, "500.001.1001", "The transaction is being processed")
	default:
		writeJSON(w, http.StatusOK, map[string]string{
			"ResponseCode":        "0",
			"ResponseDescription": "The service request has been accepted successsfully",
			"CheckoutRequestID":   q.CheckoutRequestID,
			"ResultCode":          fmt.Sprint(outcome.ResultCode),
			"ResultDesc":          outcome.ResultDesc,
		})
	}
}

func (s *Server) processJob(ctx context.Context, job Job) {
	select {
	case <-time.After(s.cfg.CallbackDelay):
	case <-ctx.Done():
		s.logger.Info("sandbox job cancelled", "checkout_request_id", job.CheckoutRequestID)
		return
	}

	outcome := s.cfg.Decider.Decide(job)

	s.mu.Lock()
	s.pending[job.CheckoutRequestID] = &outcome
	s.mu.Unlock()

	envelope := BuildCallback(job, outcome, time.Now().In(s.cfg.Location))
	if err := s.deliver(ctx, job.CallbackURL, envelope); err != nil {
		s.logger.Error("sandbox callback delivery failed",
			"checkout_request_id", job.CheckoutRequestID,
			"callback_url", job.CallbackURL,
			"error", err)
		return
	}

	s.logger.Info("sandbox callback delivered",
		"checkout_request_id", job.CheckoutRequestID,
		"result_code", outcome.ResultCode)
}

// deliver posts the envelope, retrying while the receiver answers 5xx.
func (s *Server) deliver(ctx context.Context, url string, envelope mpesa.CallbackEnvelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal callback: %w", err)
	}
	return PostCallback(ctx, s.httpClient, url, data)
}

// PostCallback sends a raw callback body to url with a short backoff on
// server-side failures.
func PostCallback(ctx context.Context, client *http.Client, url string, body []byte) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(200*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("callback receiver returned %d", resp.StatusCode))
		case resp.StatusCode >= 300:
			return fmt.Errorf("callback receiver returned %d", resp.StatusCode)
		}
		return nil
	})
}

// BuildCallback produces the envelope the gateway would send for job.
func BuildCallback(job Job, outcome Outcome, at time.Time) mpesa.CallbackEnvelope {
	code := mpesa.ResultCode(outcome.ResultCode)
	cb := &mpesa.STKCallback{
		MerchantRequestID: job.MerchantRequestID,
		CheckoutRequestID: job.CheckoutRequestID,
		ResultCode:        &code,
		ResultDesc:        outcome.ResultDesc,
	}
	if outcome.ResultCode == mpesa.ResultCodeSuccess {
		var phone int64
		_, _ = fmt.Sscan(job.PhoneNumber, &phone)
		var txDate int64
		_, _ = fmt.Sscan(at.Format("20060102150405"), &txDate)
		cb.CallbackMetadata = &mpesa.CallbackMetadata{Item: []mpesa.MetadataItem{
			{Name: "Amount", Value: job.Amount},
			{Name: "MpesaReceiptNumber", Value: ReceiptNumber()},
			{Name: "TransactionDate", Value: txDate},
			{Name: "PhoneNumber", Value: phone},
		}}
	}
	return mpesa.CallbackEnvelope{Body: mpesa.CallbackBody{STKCallback: cb}}
}

const receiptAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ReceiptNumber returns a ten character receipt in the gateway's style.
func ReceiptNumber() string {
	b := make([]byte, 10)
	for i := range b {
		b[i] = receiptAlphabet[randInt(len(receiptAlphabet))]
	}
	return string(b)
}

func randomDigits(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('0' + randInt(10))
	}
	return string(b)
}

func randInt(max int) int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return mrand.Intn(max)
	}
	return int(n.Int64())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeGatewayError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"requestId":    uuid.NewString(),
		"errorCode":    code,
		"errorMessage": message,
	})
}
