// Package extract pulls paginated subsidy records from the national
// subsidy database (BDNS) REST API with bounded retries.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const dateLayout = "02/01/2006"

// DateWindow is an inclusive date range sent as the fechaDesde/fechaHasta
// pair the API expects.
type DateWindow struct {
	From time.Time
	To   time.Time
}

// YearWindow covers one full calendar year.
func YearWindow(year int) DateWindow {
	return DateWindow{
		From: time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC),
	}
}

// RawRecord is one subsidy row as the API reports it. Field coverage
// varies per endpoint; absent fields decode to their zero values.
type RawRecord struct {
	ID                 json.Number `json:"id"`
	FechaConcesion     string      `json:"fechaConcesion"`
	Beneficiario       string      `json:"beneficiario"`
	Convocatoria       string      `json:"convocatoria"`
	NumeroConvocatoria json.Number `json:"numeroConvocatoria"`
	Instrumento        string      `json:"instrumento"`
	Importe            *float64    `json:"importe"`
	AyudaEquivalente   *float64    `json:"ayudaEquivalente"`
}

// Page is one response of a paginated search endpoint.
type Page struct {
	Content       []RawRecord `json:"content"`
	TotalElements int64       `json:"totalElements"`
}

// Client issues page requests against one API base URL.
type Client struct {
	baseURL     string
	vpd         string
	httpClient  *http.Client
	maxRetries  int
	pageTimeout time.Duration
	logger      *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithVPD sets the portal scope identifier sent on every request.
func WithVPD(vpd string) ClientOption {
	return func(c *Client) {
		c.vpd = vpd
	}
}

// WithMaxRetries bounds the attempts per page request.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithPageTimeout sets the per-attempt request timeout.
func WithPageTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.pageTimeout = d
		}
	}
}

// NewClient creates a Client for the given API base URL.
func NewClient(baseURL string, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{},
		maxRetries:  4,
		pageTimeout: 3 * time.Minute,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchPage requests one page of the given search endpoint, retrying
// transient failures with exponential backoff. Permanent failures are
// returned after the first attempt.
func (c *Client) FetchPage(ctx context.Context, endpoint string, page, pageSize int, window DateWindow) (*Page, error) {
	operation := func() (*Page, error) {
		result, err := c.fetchOnce(ctx, endpoint, page, pageSize, window)
		if err != nil {
			if IsTransient(err) {
				c.logger.Debug("retrying page request",
					"endpoint", endpoint, "page", page, "error", err)
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return result, nil
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(c.maxRetries)),
	)
	if err != nil {
		return nil, fmt.Errorf("page %d of %s: %w", page, endpoint, err)
	}
	return result, nil
}

func (c *Client) fetchOnce(ctx context.Context, endpoint string, page, pageSize int, window DateWindow) (*Page, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.pageTimeout)
	defer cancel()

	u, err := url.Parse(c.baseURL + endpoint)
	if err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("invalid endpoint URL: %w", err)}
	}

	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))
	q.Set("fechaDesde", window.From.Format(dateLayout))
	q.Set("fechaHasta", window.To.Format(dateLayout))
	if c.vpd != "" {
		q.Set("vpd", c.vpd)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &PermanentError{Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The parent context ending is cancellation, not a source fault.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, &TransientError{Err: fmt.Errorf("server returned %s", resp.Status)}
	case resp.StatusCode != http.StatusOK:
		return nil, &PermanentError{Err: fmt.Errorf("server returned %s", resp.Status)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("reading response body: %w", err)}
	}

	var result Page
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("malformed response body: %w", err)}
	}
	return &result, nil
}
