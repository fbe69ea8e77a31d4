package mpesa

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const tokenPath = "/oauth/v1/generate?grant_type=client_credentials"

// darajaSource fetches a fresh access token on every call. Daraja issues
// client-credential tokens through a GET with basic auth, which the stock
// clientcredentials flow does not speak.
type darajaSource struct {
	baseURL        string
	consumerKey    string
	consumerSecret string
	httpClient     *http.Client
	timeout        time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

func (s *darajaSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(s.baseURL, "/")+tokenPath, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrCredential, err)
	}
	req.SetBasicAuth(s.consumerKey, s.consumerSecret)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Error("mpesa token request failed", "error", err)
		return nil, newGatewayError(ErrCredential, "generate token", 0, "", "", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var gwErr errorResponse
		_ = json.Unmarshal(body, &gwErr)
		s.logger.Error("mpesa token request rejected",
			"status_code", resp.StatusCode,
			"error_code", gwErr.ErrorCode,
			"error_message", gwErr.ErrorMessage)
		return nil, newGatewayError(ErrCredential, "generate token", resp.StatusCode, gwErr.ErrorCode, gwErr.ErrorMessage, nil)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, newGatewayError(ErrCredential, "generate token", resp.StatusCode, "", "malformed token response", err)
	}
	if tr.AccessToken == "" {
		return nil, newGatewayError(ErrCredential, "generate token", resp.StatusCode, "", "empty access token", nil)
	}

	// a missing or unparsable lifetime makes the token single-use
	expiry := s.now()
	if secs, err := tr.ExpiresIn.Int64(); err == nil && secs > 0 {
		expiry = expiry.Add(time.Duration(secs) * time.Second)
	}

	s.logger.Debug("mpesa access token refreshed", "expires_at", expiry)

	return &oauth2.Token{
		AccessToken: tr.AccessToken,
		TokenType:   "Bearer",
		Expiry:      expiry,
	}, nil
}

type TokenCacheConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Timeout        time.Duration
	// ExpiryLead refreshes the token this long before the gateway's advertised expiry.
	ExpiryLead time.Duration
}

// TokenCache hands out the gateway bearer token, refreshing it only when the
// cached one is about to expire. Safe for concurrent use.
type TokenCache struct {
	mu     sync.Mutex
	source *darajaSource
	lead   time.Duration
	reuse  oauth2.TokenSource
}

func NewTokenCache(cfg TokenCacheConfig, httpClient *http.Client, logger *slog.Logger) *TokenCache {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	src := &darajaSource{
		baseURL:        cfg.BaseURL,
		consumerKey:    cfg.ConsumerKey,
		consumerSecret: cfg.ConsumerSecret,
		httpClient:     httpClient,
		timeout:        timeout,
		logger:         logger,
		now:            time.Now,
	}

	return &TokenCache{
		source: src,
		lead:   cfg.ExpiryLead,
		reuse:  oauth2.ReuseTokenSourceWithExpiry(nil, src, cfg.ExpiryLead),
	}
}

// Token returns a valid bearer token. Errors wrap ErrCredential.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredential, err)
	}

	c.mu.Lock()
	src := c.reuse
	c.mu.Unlock()

	// oauth2.TokenSource takes no context. A refresh the caller abandons keeps
	// running under the source timeout and still fills the cache.
	type result struct {
		tok *oauth2.Token
		err error
	}
	done := make(chan result, 1)
	go func() {
		tok, err := src.Token()
		done <- result{tok: tok, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return "", res.err
		}
		return res.tok.AccessToken, nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrCredential, ctx.Err())
	}
}

// Invalidate drops the cached token so the next call fetches a new one.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reuse = oauth2.ReuseTokenSourceWithExpiry(nil, c.source, c.lead)
}
