package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/sellerledger/recovery-engine/pkg/models"
)

// Marketplace Client
//
// Pulls pages of six record kinds (orders, shipments, returns, settlements,
// inventory ledger, financial events) for a (seller, window). Purely I/O:
// no normalization happens here, raw API rows go straight to the ingestion
// stage so it can upsert incrementally page by page.
//
// Transient failures (HTTP 429, 5xx, network errors) are retried with
// exponential backoff and full jitter, capped at a configured attempt
// count per page. Anything else surfaces as ErrMarketplace and fails the
// enclosing record-kind stream.

// ErrMarketplace marks permanent upstream failures: non-retryable 4xx
// responses and malformed payloads.
var ErrMarketplace = errors.New("marketplace: permanent upstream failure")

// Page is one fetched slice of a record stream. NextCursor is empty when
// the stream is exhausted.
type Page struct {
	Records    []json.RawMessage
	NextCursor string
}

// Client fetches pages of marketplace records. Implementations must honor
// the context deadline on every call.
type Client interface {
	FetchPage(ctx context.Context, kind models.RecordKind, sellerID string, window Window, cursor string) (*Page, error)
}

// Window bounds one sync's data pull.
type Window struct {
	Start time.Time
	End   time.Time
}

// Config for the HTTP client.
type Config struct {
	BaseURL     string
	Token       string
	PageTimeout time.Duration // per-page deadline, default 30s
	MaxRetries  int           // attempts per page, default 5
}

// HTTPClient talks to the SP-API-like marketplace endpoint.
type HTTPClient struct {
	cfg  Config
	http *http.Client
}

// NewHTTPClient builds a marketplace client with sane defaults.
func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &HTTPClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.PageTimeout},
	}
}

// pageResponse is the wire shape of a marketplace page.
type pageResponse struct {
	Records    []json.RawMessage `json:"records"`
	NextCursor string            `json:"nextCursor,omitempty"`
}

// FetchPage retrieves one page, retrying transient failures with
// exponential backoff and full jitter.
func (c *HTTPClient) FetchPage(ctx context.Context, kind models.RecordKind, sellerID string, window Window, cursor string) (*Page, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		page, err := c.fetchOnce(ctx, kind, sellerID, window, cursor)
		if err == nil {
			return page, nil
		}
		if errors.Is(err, ErrMarketplace) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		log.Printf("[Marketplace] Transient error fetching %s page for %s (attempt %d/%d): %v",
			kind, sellerID, attempt+1, c.cfg.MaxRetries, err)
	}
	return nil, fmt.Errorf("%w: retries exhausted for %s: %v", ErrMarketplace, kind, lastErr)
}

func (c *HTTPClient) fetchOnce(ctx context.Context, kind models.RecordKind, sellerID string, window Window, cursor string) (*Page, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PageTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("sellerId", sellerID)
	q.Set("startDate", window.Start.UTC().Format(time.RFC3339))
	q.Set("endDate", window.End.UTC().Format(time.RFC3339))
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	endpoint := fmt.Sprintf("%s/v1/%s?%s", c.cfg.BaseURL, kind, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMarketplace, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Network errors are transient unless the context expired.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// Fall through to decode.
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("transient status %d", resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrMarketplace, resp.StatusCode, body)
	}

	var decoded pageResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: malformed page: %v", ErrMarketplace, err)
	}
	return &Page{Records: decoded.Records, NextCursor: decoded.NextCursor}, nil
}

// backoff sleeps 2^attempt seconds scaled by full jitter, honoring ctx.
func (c *HTTPClient) backoff(ctx context.Context, attempt int) error {
	base := time.Duration(1<<uint(attempt-1)) * time.Second
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	// The top-level source is locked, so concurrent record streams can
	// share one client safely.
	delay := time.Duration(rand.Int63n(int64(base))) // full jitter: [0, base)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// FetchAll drains a record stream page by page, invoking handle for every
// page so the caller can upsert incrementally. Returns the record total.
func FetchAll(ctx context.Context, client Client, kind models.RecordKind, sellerID string, window Window, handle func(*Page) error) (int, error) {
	total := 0
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		page, err := client.FetchPage(ctx, kind, sellerID, window, cursor)
		if err != nil {
			return total, err
		}
		if len(page.Records) > 0 {
			if err := handle(page); err != nil {
				return total, err
			}
			total += len(page.Records)
		}
		if page.NextCursor == "" {
			return total, nil
		}
		cursor = page.NextCursor
	}
}
