// Package platform talks to the social platform's HTTP API: outbound
// replies and the OAuth long-lived token endpoints. It is the only place
// the engine performs network calls to the platform.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/replyflow/replyflow/internal/replyflow"
)

type ClientOptions struct {
	BaseURL    string
	AppID      string
	AppSecret  string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Client implements replyflow.SendClient and replyflow.TokenClient.
type Client struct {
	baseURL    string
	appID      string
	appSecret  string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://graph.instagram.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		appID:      strings.TrimSpace(opts.AppID),
		appSecret:  strings.TrimSpace(opts.AppSecret),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

type sendRequest struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	Error     *apiError
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Subcode int    `json:"error_subcode"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Error       *apiError
}

// Send delivers one text reply to a counterpart. A 401/403 or an OAuth
// error body maps to replyflow.ErrCredentialExpired so the token
// lifecycle deactivates the account.
func (c *Client) Send(ctx context.Context, accessToken, counterpartID, text string) (string, error) {
	if strings.TrimSpace(accessToken) == "" {
		return "", replyflow.ErrAccountInactive
	}
	if strings.TrimSpace(counterpartID) == "" || strings.TrimSpace(text) == "" {
		return "", replyflow.ErrInvalidInput
	}
	var req sendRequest
	req.Recipient.ID = counterpartID
	req.Message.Text = text
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	endpoint := c.baseURL + "/v21.0/me/messages?access_token=" + url.QueryEscape(accessToken)
	body, status, err := c.doWithRetry(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return "", fmt.Errorf("platform send: %w", err)
	}
	if credentialStatus(status) {
		return "", fmt.Errorf("platform send: status %d: %w", status, replyflow.ErrCredentialExpired)
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("platform send: unexpected status %d: %s", status, truncate(body, 200))
	}
	var resp sendResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("platform send: decode response: %w", err)
	}
	if resp.Error != nil && oauthError(resp.Error) {
		return "", fmt.Errorf("platform send: %s: %w", resp.Error.Message, replyflow.ErrCredentialExpired)
	}
	if resp.MessageID == "" {
		return "", fmt.Errorf("platform send: empty confirmation id")
	}
	return resp.MessageID, nil
}

// ExchangeLongLived trades the connection flow's short-lived token for a
// long-lived one (~60 days).
func (c *Client) ExchangeLongLived(ctx context.Context, shortLivedToken string) (string, time.Duration, error) {
	query := url.Values{
		"grant_type":    {"ig_exchange_token"},
		"client_secret": {c.appSecret},
		"access_token":  {shortLivedToken},
	}
	return c.tokenCall(ctx, "/access_token?"+query.Encode())
}

// RefreshLongLived renews a still-valid long-lived token before expiry.
func (c *Client) RefreshLongLived(ctx context.Context, currentToken string) (string, time.Duration, error) {
	query := url.Values{
		"grant_type":   {"ig_refresh_token"},
		"access_token": {currentToken},
	}
	return c.tokenCall(ctx, "/refresh_access_token?"+query.Encode())
}

func (c *Client) tokenCall(ctx context.Context, pathAndQuery string) (string, time.Duration, error) {
	body, status, err := c.doWithRetry(ctx, http.MethodGet, c.baseURL+pathAndQuery, nil)
	if err != nil {
		return "", 0, fmt.Errorf("platform token call: %w", err)
	}
	if credentialStatus(status) {
		return "", 0, fmt.Errorf("platform token call: status %d: %w", status, replyflow.ErrCredentialExpired)
	}
	if status < 200 || status >= 300 {
		return "", 0, fmt.Errorf("platform token call: unexpected status %d: %s", status, truncate(body, 200))
	}
	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", 0, fmt.Errorf("platform token call: decode response: %w", err)
	}
	if resp.AccessToken == "" {
		return "", 0, fmt.Errorf("platform token call: empty access token")
	}
	lifetime := time.Duration(resp.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = 60 * 24 * time.Hour
	}
	return resp.AccessToken, lifetime, nil
}

// doWithRetry retries transient failures (network errors, 429, 5xx) with
// exponential backoff. 4xx responses are returned to the caller on the
// first attempt; retrying them cannot help.
func (c *Client) doWithRetry(ctx context.Context, method, endpoint string, payload []byte) ([]byte, int, error) {
	var lastErr error
	delay := c.baseDelay
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}
		body, status, err := c.do(ctx, method, endpoint, payload)
		if err != nil {
			lastErr = err
			continue
		}
		if status == http.StatusTooManyRequests || status >= 500 {
			lastErr = fmt.Errorf("status %d: %s", status, truncate(body, 120))
			continue
		}
		return body, status, nil
	}
	return nil, 0, lastErr
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, int, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = strings.NewReader(string(payload))
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

func credentialStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func oauthError(e *apiError) bool {
	return e.Type == "OAuthException" || e.Code == 190
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
