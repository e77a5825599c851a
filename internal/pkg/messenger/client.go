package messenger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultAPIURL  = "https://api.telegram.org"
	DefaultTimeout = 10 * time.Second

	maxResponseBytes = 1 << 20
)

// ClientOptions configures the transport of a bot Client
type ClientOptions struct {
	BaseURL    string
	Timeout    time.Duration
	RateLimit  int // messages per second, 0 = unlimited
	HTTPClient *http.Client
}

// Client calls the provider Bot API on behalf of one bot token
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	key     string
}

// NewClient creates a client for the given bot token
func NewClient(token string, opts ClientOptions) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultAPIURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	c := &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   token,
		http:    httpClient,
	}
	if opts.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateLimit)
	}

	sum := sha256.Sum256([]byte(c.baseURL + "|" + token))
	c.key = hex.EncodeToString(sum[:16])
	return c
}

// Key identifies the bot transport without exposing its token
func (c *Client) Key() string {
	return c.key
}

// Call posts a JSON payload to a Bot API method. Network failures and bodies
// that are not an envelope are returned as errors; provider rejections come
// back as a Result.
func (c *Client) Call(ctx context.Context, method string, payload interface{}) (*Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", method, redact(err, c.token))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", method, err)
	}

	res, err := ParseEnvelope(raw)
	if err != nil {
		return nil, fmt.Errorf("%s returned HTTP %d: %w", method, resp.StatusCode, err)
	}
	return res, nil
}

// redact strips the bot token from transport errors, which embed the request URL
func redact(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return fmt.Errorf("%s", strings.ReplaceAll(err.Error(), token, "<token>"))
}
