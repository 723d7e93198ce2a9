// Package notion is a read-only client for the Notion databases API.
//
// The client pages through database queries, waits on a client-side rate
// limiter before every attempt and retries 429/5xx responses with
// exponential backoff plus jitter. It keeps no state between calls.
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	appLog "notioncal/internal/log"
	"notioncal/internal/metrics"
	"notioncal/internal/model"
)

const (
	DefaultBaseURL    = "https://api.notion.com"
	DefaultAPIVersion = "2022-06-28"
	defaultPageSize   = 100
	maxPageSize       = 100
	maxErrorBodyBytes = 64 << 10
)

// TokenProvider returns the integration token used for each request.
type TokenProvider func(ctx context.Context) (string, error)

// StaticToken returns a TokenProvider for a fixed token.
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	BaseURL       string
	APIVersion    string
	UserAgent     string
	TokenProvider TokenProvider

	// HTTPClient is used as-is when set; otherwise a client with
	// RequestTimeout is created.
	HTTPClient     *http.Client
	RequestTimeout time.Duration

	PageSize int

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// RateLimit is the sustained request rate; zero means 3 req/s.
	// A negative value disables client-side limiting.
	RateLimit rate.Limit
	Burst     int

	// Sleep waits between attempts. Tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error

	Metrics *metrics.Recorder
}

// Page is one page of a database query.
type Page struct {
	Records    []model.SourceRecord
	NextCursor string
	HasMore    bool
}

// DatabaseInfo is the metadata of a database used for calendar naming.
type DatabaseInfo struct {
	ID          string
	Title       string
	Description string
	URL         string
}

// Client talks to the Notion REST API.
type Client struct {
	baseURL       string
	apiVersion    string
	userAgent     string
	tokenProvider TokenProvider
	httpClient    *http.Client
	pageSize      int
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	limiter       *rate.Limiter
	sleep         func(ctx context.Context, d time.Duration) error
	metrics       *metrics.Recorder
}

// New creates a Client.
func New(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = defaultPageSize
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = 4
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}

	limit := opts.RateLimit
	burst := opts.Burst
	switch {
	case limit < 0:
		limit = rate.Inf
	case limit == 0:
		limit = 3
	}
	if burst <= 0 {
		burst = 3
	}

	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	return &Client{
		baseURL:       baseURL,
		apiVersion:    apiVersion,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		pageSize:      pageSize,
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		limiter:       rate.NewLimiter(limit, burst),
		sleep:         sleep,
		metrics:       opts.Metrics,
	}
}

// RetrieveDatabase fetches the title and description of a database.
func (c *Client) RetrieveDatabase(ctx context.Context, databaseID string) (DatabaseInfo, error) {
	databaseID = strings.TrimSpace(databaseID)
	if databaseID == "" {
		return DatabaseInfo{}, errors.New("notion: database id is empty")
	}

	var raw databaseJSON
	path := "/v1/databases/" + url.PathEscape(databaseID)
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return DatabaseInfo{}, err
	}
	return DatabaseInfo{
		ID:          raw.ID,
		Title:       strings.TrimSpace(plainText(raw.Title)),
		Description: strings.TrimSpace(plainText(raw.Description)),
		URL:         raw.URL,
	}, nil
}

// QueryDatabase fetches one page of rows starting at cursor ("" for the
// first page).
func (c *Client) QueryDatabase(ctx context.Context, databaseID, cursor string) (Page, error) {
	databaseID = strings.TrimSpace(databaseID)
	if databaseID == "" {
		return Page{}, errors.New("notion: database id is empty")
	}

	body := queryRequest{PageSize: c.pageSize, StartCursor: cursor}
	var raw queryResponse
	path := "/v1/databases/" + url.PathEscape(databaseID) + "/query"
	if err := c.do(ctx, http.MethodPost, path, body, &raw); err != nil {
		return Page{}, err
	}

	page := Page{
		Records: make([]model.SourceRecord, 0, len(raw.Results)),
		HasMore: raw.HasMore,
	}
	if raw.NextCursor != nil {
		page.NextCursor = *raw.NextCursor
	}
	for _, result := range raw.Results {
		page.Records = append(page.Records, decodeRecord(result))
	}
	if page.HasMore && page.NextCursor == "" {
		return Page{}, fmt.Errorf("%w: has_more without next_cursor", ErrUpstreamUnavailable)
	}
	return page, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	if c.tokenProvider == nil {
		return errors.New("notion: token provider is required")
	}
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return fmt.Errorf("notion: token: %w", err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("notion: token is empty")
	}

	var bodyBytes []byte
	if payload != nil {
		if bodyBytes, err = json.Marshal(payload); err != nil {
			return err
		}
	}
	endpoint := c.baseURL + path
	requestID := uuid.NewString()

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		retryAfter, err := c.attempt(ctx, method, endpoint, token, requestID, bodyBytes, out)
		if err == nil {
			return nil
		}
		lastErr = err

		status := 0
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if !apiErr.Retryable() {
				return fmt.Errorf("%w: %s %s: %w", ErrUpstreamUnavailable, method, path, err)
			}
			status = apiErr.Status
		} else if ctx.Err() != nil {
			return ctx.Err()
		}

		if attempt >= c.maxRetries {
			break
		}
		delay := c.retryDelay(attempt, retryAfter)
		appLog.Debug("notion request retry",
			"method", method,
			"path", path,
			"status", status,
			"attempt", attempt+1,
			"delay", delay,
			"request_id", requestID,
		)
		c.metrics.UpstreamRetry(ctx, status)
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: %s %s after %d attempts: %w", ErrUpstreamUnavailable, method, path, c.maxRetries+1, lastErr)
}

// attempt performs one HTTP round trip. It returns the Retry-After delay
// advertised by the server, if any.
func (c *Client) attempt(ctx context.Context, method, endpoint, token, requestID string, body []byte, out any) (time.Duration, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Notion-Version", c.apiVersion)
	req.Header.Set("X-Request-Id", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return 0, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return 0, fmt.Errorf("notion: decode response: %w", err)
		}
		return 0, nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	apiErr := &APIError{
		Status:  resp.StatusCode,
		Message: strings.TrimSpace(string(respBody)),
	}
	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(respBody, &parsed) == nil {
		apiErr.Code = parsed.Code
		if strings.TrimSpace(parsed.Message) != "" {
			apiErr.Message = parsed.Message
		}
	}
	return parseRetryAfterSeconds(resp.Header.Get("Retry-After")), apiErr
}

// retryDelay computes the wait before retry number attempt+1:
// min(maxDelay, baseDelay*2^attempt) plus jitter in [0, baseDelay), or the
// server's Retry-After capped at maxDelay.
func (c *Client) retryDelay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return min(retryAfter, c.maxDelay)
	}
	delay := c.maxDelay
	if attempt < 32 {
		if d := c.baseDelay << uint(attempt); d > 0 && d < c.maxDelay {
			delay = d
		}
	}
	return delay + time.Duration(rand.Int64N(int64(c.baseDelay)))
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
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
