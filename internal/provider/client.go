package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/roach88/payledger/internal/ledger"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	defaultBaseDelay  = 500 * time.Millisecond
	defaultPageSize   = 100
	searchDateLayout  = "2006-01-02T15:04:05-0700"
	maxResponseBody   = 1 << 20
)

// Options configures a Client.
type Options struct {
	BaseURL string
	Tokens  oauth2.TokenSource

	// Timeout bounds a single attempt.
	Timeout time.Duration
	// MaxRetries zero means the default; negative disables retries.
	MaxRetries int
	BaseDelay  time.Duration

	// RatePerSecond and Burst bound outgoing calls; zero disables the limit.
	RatePerSecond float64
	Burst         int

	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client is the HTTP implementation of API.
type Client struct {
	baseURL    *url.URL
	tokens     oauth2.TokenSource
	http       *http.Client
	limiter    *rate.Limiter
	timeout    time.Duration
	maxRetries int
	baseDelay  time.Duration
	log        zerolog.Logger
}

var _ API = (*Client)(nil)

// NewClient validates opts and returns a Client.
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("provider: missing base url")
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("provider: base url: %w", err)
	}
	if opts.Tokens == nil {
		return nil, errors.New("provider: missing token source")
	}

	c := &Client{
		baseURL:    base,
		tokens:     opts.Tokens,
		http:       opts.HTTPClient,
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		log:        opts.Logger,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	} else if opts.MaxRetries == 0 {
		c.maxRetries = defaultMaxRetries
	}
	if c.baseDelay <= 0 {
		c.baseDelay = defaultBaseDelay
	}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return c, nil
}

// GetCapture implements API.
func (c *Client) GetCapture(ctx context.Context, captureID string) (Capture, error) {
	var out Capture
	err := c.do(ctx, call{
		op:     "get capture",
		method: http.MethodGet,
		path:   "/v2/payments/captures/" + url.PathEscape(captureID),
	}, &out)
	return out, err
}

// RefundCapture implements API.
func (c *Client) RefundCapture(ctx context.Context, captureID string, req RefundRequest, requestID string) (Refund, error) {
	var out Refund
	err := c.do(ctx, call{
		op:        "refund capture",
		method:    http.MethodPost,
		path:      "/v2/payments/captures/" + url.PathEscape(captureID) + "/refund",
		body:      req,
		requestID: requestID,
	}, &out)
	return out, err
}

// GetSubscription implements API.
func (c *Client) GetSubscription(ctx context.Context, agreementID string) (Subscription, error) {
	var out Subscription
	err := c.do(ctx, call{
		op:     "get subscription",
		method: http.MethodGet,
		path:   "/v1/billing/subscriptions/" + url.PathEscape(agreementID),
		query:  url.Values{"fields": {"plan"}},
	}, &out)
	return out, err
}

// ListSubscriptionTransactions implements API.
func (c *Client) ListSubscriptionTransactions(ctx context.Context, agreementID string, start, end time.Time) ([]SubscriptionTransaction, error) {
	var out struct {
		Transactions []SubscriptionTransaction `json:"transactions"`
	}
	err := c.do(ctx, call{
		op:     "list subscription transactions",
		method: http.MethodGet,
		path:   "/v1/billing/subscriptions/" + url.PathEscape(agreementID) + "/transactions",
		query: url.Values{
			"start_time": {start.UTC().Format(time.RFC3339)},
			"end_time":   {end.UTC().Format(time.RFC3339)},
		},
	}, &out)
	return out.Transactions, err
}

// ActivateSubscription implements API.
func (c *Client) ActivateSubscription(ctx context.Context, agreementID, reason string) error {
	return c.subscriptionAction(ctx, "activate", agreementID, reason)
}

// SuspendSubscription implements API.
func (c *Client) SuspendSubscription(ctx context.Context, agreementID, reason string) error {
	return c.subscriptionAction(ctx, "suspend", agreementID, reason)
}

// CancelSubscription implements API.
func (c *Client) CancelSubscription(ctx context.Context, agreementID, reason string) error {
	return c.subscriptionAction(ctx, "cancel", agreementID, reason)
}

func (c *Client) subscriptionAction(ctx context.Context, action, agreementID, reason string) error {
	return c.do(ctx, call{
		op:     action + " subscription",
		method: http.MethodPost,
		path:   "/v1/billing/subscriptions/" + url.PathEscape(agreementID) + "/" + action,
		body:   map[string]string{"reason": reason},
	}, nil)
}

// CreatePayoutBatch implements API.
func (c *Client) CreatePayoutBatch(ctx context.Context, req PayoutBatchRequest) (PayoutBatch, error) {
	var out PayoutBatch
	err := c.do(ctx, call{
		op:        "create payout batch",
		method:    http.MethodPost,
		path:      "/v1/payments/payouts",
		body:      req,
		requestID: req.SenderBatchHeader.SenderBatchID,
	}, &out)
	return out, err
}

// GetPayoutBatch implements API.
func (c *Client) GetPayoutBatch(ctx context.Context, batchID string) (PayoutBatch, error) {
	var out PayoutBatch
	err := c.do(ctx, call{
		op:     "get payout batch",
		method: http.MethodGet,
		path:   "/v1/payments/payouts/" + url.PathEscape(batchID),
	}, &out)
	return out, err
}

// SearchTransactions implements API.
func (c *Client) SearchTransactions(ctx context.Context, q SearchQuery) (TransactionSearchPage, error) {
	page, size := q.Page, q.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = defaultPageSize
	}
	var out TransactionSearchPage
	err := c.do(ctx, call{
		op:     "search transactions",
		method: http.MethodGet,
		path:   "/v1/reporting/transactions",
		query: url.Values{
			"start_date":  {q.Start.UTC().Format(searchDateLayout)},
			"end_date":    {q.End.UTC().Format(searchDateLayout)},
			"page":        {strconv.Itoa(page)},
			"page_size":   {strconv.Itoa(size)},
			"fields":      {"transaction_info"},
			"merchant_id": {q.MerchantID},
		},
	}, &out)
	return out, err
}

type call struct {
	op        string
	method    string
	path      string
	query     url.Values
	body      any
	requestID string
}

// errorBody is the provider's error envelope.
type errorBody struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

// retryable marks an attempt failure worth repeating.
type retryable struct {
	err        error
	retryAfter time.Duration
}

func (r *retryable) Error() string { return r.err.Error() }
func (r *retryable) Unwrap() error { return r.err }

// do runs one call with rate limiting, per-attempt timeout and retries.
// Network errors, timeouts, 429 and 5xx are retried and finally reported as
// ProviderUnavailable; other 4xx become ProviderRejected at once.
func (c *Client) do(ctx context.Context, cl call, out any) error {
	var payload []byte
	if cl.body != nil {
		var err error
		if payload, err = json.Marshal(cl.body); err != nil {
			return fmt.Errorf("%s: marshal request: %w", cl.op, err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.baseDelay << (attempt - 1)
			var r *retryable
			if errors.As(lastErr, &r) && r.retryAfter > delay {
				delay = r.retryAfter
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("%s: %w", cl.op, ctx.Err())
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%s: rate limit: %w", cl.op, err)
			}
		}

		err := c.attempt(ctx, cl, payload, out)
		if err == nil {
			return nil
		}
		var r *retryable
		if !errors.As(err, &r) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", cl.op, ctx.Err())
		}
		lastErr = err
		c.log.Warn().
			Err(err).
			Str("op", cl.op).
			Int("attempt", attempt+1).
			Msg("provider call failed, retrying")
	}
	return ledger.NewProviderUnavailable(cl.op, lastErr)
}

func (c *Client) attempt(ctx context.Context, cl call, payload []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := *c.baseURL
	u.Path = u.Path + cl.path
	if len(cl.query) > 0 {
		u.RawQuery = cl.query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, u.String(), body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", cl.op, err)
	}

	tok, err := c.tokens.Token()
	if err != nil {
		return &retryable{err: fmt.Errorf("token: %w", err)}
	}
	tok.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cl.requestID != "" {
		req.Header.Set("PayPal-Request-Id", cl.requestID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &retryable{err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return &retryable{err: fmt.Errorf("read body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &retryable{
			err:        fmt.Errorf("status %d: %s", resp.StatusCode, truncate(respBody)),
			retryAfter: retryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 400:
		var eb errorBody
		_ = json.Unmarshal(respBody, &eb)
		issue := eb.Name
		if len(eb.Details) > 0 && eb.Details[0].Issue != "" {
			issue = eb.Details[0].Issue
		}
		if issue == "" && resp.StatusCode == http.StatusNotFound {
			issue = IssueResourceNotFound
		}
		msg := eb.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return ledger.NewProviderRejected(cl.op, resp.StatusCode, issue, msg)
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", cl.op, err)
	}
	return nil
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func truncate(b []byte) string {
	if len(b) > 256 {
		return string(b[:256]) + "..."
	}
	return string(b)
}
