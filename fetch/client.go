// ABOUTME: Authenticated fetch client, the single chokepoint for upstream API calls
// ABOUTME: Proxies through a Connect-style gateway or calls Google directly, retrying transient failures
package fetch

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// Request describes one upstream call made on behalf of a stored credential.
type Request struct {
	AccountID      string
	ExternalUserID string
	URL            string
	Method         string
	Headers        map[string]string
	Body           []byte
}

// Client performs one authenticated upstream request and returns the JSON body.
type Client interface {
	Do(ctx context.Context, req Request) (json.RawMessage, error)
}

type Options struct {
	// ProxyBaseURL switches the client into proxy mode when set.
	ProxyBaseURL string
	ProjectID    string
	Environment  string

	// TokenSource authorizes every request. TokensFor, when set, picks a
	// source per account instead.
	TokenSource oauth2.TokenSource
	TokensFor   func(accountID string) (oauth2.TokenSource, error)
	HTTPClient  *http.Client
	Logger      *zap.Logger

	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Timeout    time.Duration
}

type HTTPClient struct {
	proxyBase   string
	projectID   string
	environment string
	tokens      oauth2.TokenSource
	tokensFor   func(accountID string) (oauth2.TokenSource, error)
	httpClient  *http.Client
	logger      *zap.Logger
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
	timeout     time.Duration
}

func NewHTTPClient(opts Options) *HTTPClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = 2
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 8 * time.Second
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		proxyBase:   strings.TrimRight(strings.TrimSpace(opts.ProxyBaseURL), "/"),
		projectID:   opts.ProjectID,
		environment: opts.Environment,
		tokens:      opts.TokenSource,
		tokensFor:   opts.TokensFor,
		httpClient:  httpClient,
		logger:      logger,
		maxRetries:  maxRetries,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		timeout:     timeout,
	}
}

// Do runs the request with up to maxRetries retries on 5xx and network
// errors. 401/403 and 429 are returned on first sight.
func (c *HTTPClient) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	tokens := c.tokens
	if c.tokensFor != nil {
		src, err := c.tokensFor(req.AccountID)
		if err != nil {
			return nil, &AuthenticationError{Message: err.Error()}
		}
		tokens = src
	}
	if tokens == nil {
		return nil, &AuthenticationError{Message: "no credentials configured, reconnect the account"}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target, err := c.resolveURL(req)
	if err != nil {
		return nil, err
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		token, err := tokens.Token()
		if err != nil {
			var retrieve *oauth2.RetrieveError
			if errors.As(err, &retrieve) {
				status := 0
				if retrieve.Response != nil {
					status = retrieve.Response.StatusCode
				}
				return nil, &AuthenticationError{Status: status, Message: "credential refresh rejected, reconnect the account"}
			}
			return nil, &NetworkError{Attempts: attempt + 1, Err: err}
		}

		var body io.Reader
		if req.Body != nil {
			body = bytes.NewReader(req.Body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		token.SetAuthHeader(httpReq)
		httpReq.Header.Set("Accept", "application/json")
		if req.Body != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		if c.proxyBase != "" && c.environment != "" {
			httpReq.Header.Set("x-pd-environment", c.environment)
		}
		for k, v := range req.Headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil || attempt >= c.maxRetries {
				return nil, &NetworkError{Attempts: attempt + 1, Err: lastErr}
			}
			c.logger.Debug("retrying after network error", zap.String("url", req.URL), zap.Int("attempt", attempt+1), zap.Error(err))
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
				return nil, &NetworkError{Attempts: attempt + 1, Err: lastErr}
			}
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			if attempt >= c.maxRetries {
				return nil, &NetworkError{Attempts: attempt + 1, Err: lastErr}
			}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if len(bytes.TrimSpace(respBody)) == 0 {
				return json.RawMessage("{}"), nil
			}
			return json.RawMessage(respBody), nil
		}

		message := upstreamMessage(resp, respBody)
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, &AuthenticationError{Status: resp.StatusCode, Message: message}
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, &RateLimitError{Message: message, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
		case resp.StatusCode >= 500 && attempt < c.maxRetries:
			c.logger.Debug("retrying after upstream error", zap.String("url", req.URL), zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt+1))
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, &UpstreamError{Status: resp.StatusCode, Message: message}
			}
			continue
		}
		return nil, &UpstreamError{Status: resp.StatusCode, Message: message}
	}
}

// resolveURL maps the target onto the proxy endpoint when proxying.
func (c *HTTPClient) resolveURL(req Request) (string, error) {
	if req.URL == "" {
		return "", fmt.Errorf("request url is required")
	}
	if c.proxyBase == "" {
		return req.URL, nil
	}
	if c.projectID == "" {
		return "", fmt.Errorf("proxy project id is required")
	}
	encoded := base64.RawURLEncoding.EncodeToString([]byte(req.URL))
	q := url.Values{}
	if req.ExternalUserID != "" {
		q.Set("external_user_id", req.ExternalUserID)
	}
	if req.AccountID != "" {
		q.Set("account_id", req.AccountID)
	}
	u := fmt.Sprintf("%s/v1/connect/%s/proxy/%s", c.proxyBase, url.PathEscape(c.projectID), encoded)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u, nil
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

// upstreamMessage pulls the provider's error message out of the body.
func upstreamMessage(resp *http.Response, body []byte) string {
	err := googleapi.CheckResponse(&http.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       io.NopCloser(bytes.NewReader(body)),
	})
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && strings.TrimSpace(gerr.Message) != "" {
		return gerr.Message
	}

	var generic struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &generic) == nil {
		if generic.Message != "" {
			return generic.Message
		}
		if generic.Error != "" {
			return generic.Error
		}
	}
	return http.StatusText(resp.StatusCode)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
