package mpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	stkPushPath  = "/mpesa/stkpush/v1/processrequest"
	stkQueryPath = "/mpesa/stkpushquery/v1/query"
)

type Config struct {
	BaseURL         string
	ConsumerKey     string
	ConsumerSecret  string
	ShortCode       string
	Passkey         string
	PartyB          string
	TransactionType string
	CallbackURL     string
	Location        *time.Location
	Timeout         time.Duration
	TokenExpiryLead time.Duration
}

// Client talks to the Daraja STK push API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	tokens     *TokenCache
	logger     *slog.Logger
	now        func() time.Time
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TransactionType == "" {
		cfg.TransactionType = TransactionTypePayBill
	}
	if cfg.PartyB == "" {
		cfg.PartyB = cfg.ShortCode
	}
	if cfg.Location == nil {
		cfg.Location = time.FixedZone("EAT", 3*60*60)
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		tokens: NewTokenCache(TokenCacheConfig{
			BaseURL:        cfg.BaseURL,
			ConsumerKey:    cfg.ConsumerKey,
			ConsumerSecret: cfg.ConsumerSecret,
			Timeout:        cfg.Timeout,
			ExpiryLead:     cfg.TokenExpiryLead,
		}, httpClient, logger),
		logger: logger,
		now:    time.Now,
	}
}

func (c *Client) Tokens() *TokenCache {
	return c.tokens
}

// STKPush sends a payment prompt to the customer's handset. The phone number
// must already be in gateway form (254XXXXXXXXX).
func (c *Client) STKPush(ctx context.Context, req PushRequest) (*PushResult, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := Timestamp(c.now(), c.cfg.Location)
	payload := stkPushPayload{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.Passkey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   c.cfg.TransactionType,
		Amount:            req.Amount,
		PartyA:            req.PhoneNumber,
		PartyB:            c.cfg.PartyB,
		PhoneNumber:       req.PhoneNumber,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  truncate(req.AccountReference, accountReferenceMaxLen),
		TransactionDesc:   truncate(req.TransactionDesc, transactionDescMaxLen),
	}

	c.logger.Info("initiating stk push",
		"amount", req.Amount,
		"account_reference", payload.AccountReference,
		"short_code", c.cfg.ShortCode)

	status, body, err := c.post(ctx, stkPushPath, token, payload)
	if err != nil {
		c.logger.Error("stk push request failed", "error", err)
		return nil, newGatewayError(ErrPushRejected, "stk push", 0, "", "", err)
	}

	if status == http.StatusUnauthorized {
		c.tokens.Invalidate()
	}

	if status < 200 || status > 299 {
		var gwErr errorResponse
		_ = json.Unmarshal(body, &gwErr)
		c.logger.Warn("stk push rejected by gateway",
			"status_code", status,
			"error_code", gwErr.ErrorCode,
			"error_message", gwErr.ErrorMessage,
			"request_id", gwErr.RequestID)
		return nil, newGatewayError(ErrPushRejected, "stk push", status, gwErr.ErrorCode, gwErr.ErrorMessage, nil)
	}

	var resp stkPushResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newGatewayError(ErrPushRejected, "stk push", status, "", "malformed gateway response", err)
	}

	if resp.ResponseCode != "0" {
		c.logger.Warn("stk push not accepted",
			"response_code", resp.ResponseCode,
			"response_description", resp.ResponseDescription)
		return nil, newGatewayError(ErrPushRejected, "stk push", status, resp.ResponseCode, resp.ResponseDescription, nil)
	}
	if resp.CheckoutRequestID == "" {
		return nil, newGatewayError(ErrPushRejected, "stk push", status, resp.ResponseCode, "gateway returned no CheckoutRequestID", nil)
	}

	c.logger.Info("stk push accepted",
		"checkout_request_id", resp.CheckoutRequestID,
		"merchant_request_id", resp.MerchantRequestID)

	return &PushResult{
		MerchantRequestID:   resp.MerchantRequestID,
		CheckoutRequestID:   resp.CheckoutRequestID,
		ResponseDescription: resp.ResponseDescription,
		CustomerMessage:     resp.CustomerMessage,
	}, nil
}

// QueryStatus asks the gateway for the outcome of an earlier push.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (*QueryResult, error) {
	if checkoutRequestID == "" {
		return nil, newGatewayError(ErrQueryFailed, "stk query", 0, "", "checkout request id is required", nil)
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := Timestamp(c.now(), c.cfg.Location)
	payload := stkQueryPayload{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.Passkey, timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	status, body, err := c.post(ctx, stkQueryPath, token, payload)
	if err != nil {
		return nil, newGatewayError(ErrQueryFailed, "stk query", 0, "", "", err)
	}

	if status < 200 || status > 299 {
		var gwErr errorResponse
		_ = json.Unmarshal(body, &gwErr)
		if gwErr.ErrorCode == queryStillProcessingCode {
			return &QueryResult{CheckoutRequestID: checkoutRequestID, Pending: true, ResultDesc: gwErr.ErrorMessage}, nil
		}
		if status == http.StatusUnauthorized {
			c.tokens.Invalidate()
		}
		return nil, newGatewayError(ErrQueryFailed, "stk query", status, gwErr.ErrorCode, gwErr.ErrorMessage, nil)
	}

	var resp stkQueryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newGatewayError(ErrQueryFailed, "stk query", status, "", "malformed gateway response", err)
	}
	if resp.ResponseCode != "0" {
		return nil, newGatewayError(ErrQueryFailed, "stk query", status, resp.ResponseCode, resp.ResponseDescription, nil)
	}

	result := &QueryResult{
		CheckoutRequestID: resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		ResultDesc:        resp.ResultDesc,
	}
	if resp.ResultCode == nil {
		result.Pending = true
	} else {
		result.ResultCode = resp.ResultCode.Int()
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, path, token string, payload interface{}) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+path, bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, nil, err
		}
		return 0, nil, fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}
