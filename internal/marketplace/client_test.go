package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sellerledger/recovery-engine/pkg/models"
)

func testWindow() Window {
	return Window{Start: time.Now().AddDate(0, 0, -90), End: time.Now()}
}

func TestHTTPClient_CursorLoop(t *testing.T) {
	// Three pages of two records each; the client must follow cursors
	// until exhaustion and hand every page to the handler.
	pages := map[string]pageResponse{
		"":  {Records: []json.RawMessage{[]byte(`{"orderId":"O1"}`), []byte(`{"orderId":"O2"}`)}, NextCursor: "c1"},
		"c1": {Records: []json.RawMessage{[]byte(`{"orderId":"O3"}`), []byte(`{"orderId":"O4"}`)}, NextCursor: "c2"},
		"c2": {Records: []json.RawMessage{[]byte(`{"orderId":"O5"}`)}},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := pages[r.URL.Query().Get("cursor")]
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewHTTPClient(Config{BaseURL: srv.URL, Token: "t", MaxRetries: 2})
	var handled int
	total, err := FetchAll(context.Background(), client, models.KindOrders, "S1", testWindow(), func(p *Page) error {
		handled++
		return nil
	})
	if err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}
	if total != 5 {
		t.Errorf("Expected 5 records across pages, got %d", total)
	}
	if handled != 3 {
		t.Errorf("Expected 3 page callbacks, got %d", handled)
	}
}

func TestHTTPClient_RetriesTransient(t *testing.T) {
	// First two responses are 503s; the third succeeds. The client must
	// absorb the transient failures within its retry budget.
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(pageResponse{Records: []json.RawMessage{[]byte(`{}`)}})
	}))
	defer srv.Close()

	client := NewHTTPClient(Config{BaseURL: srv.URL, Token: "t", MaxRetries: 5})
	page, err := client.FetchPage(context.Background(), models.KindReturns, "S1", testWindow(), "")
	if err != nil {
		t.Fatalf("Expected retries to recover, got %v", err)
	}
	if len(page.Records) != 1 {
		t.Errorf("Expected 1 record, got %d", len(page.Records))
	}
	if calls.Load() != 3 {
		t.Errorf("Expected exactly 3 attempts, got %d", calls.Load())
	}
}

func TestHTTPClient_PermanentError(t *testing.T) {
	// A 403 is permanent: no retries, ErrMarketplace surfaces immediately.
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := NewHTTPClient(Config{BaseURL: srv.URL, Token: "t", MaxRetries: 5})
	_, err := client.FetchPage(context.Background(), models.KindOrders, "S1", testWindow(), "")
	if !errors.Is(err, ErrMarketplace) {
		t.Fatalf("Expected ErrMarketplace for 403, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Permanent errors must not be retried; got %d attempts", calls.Load())
	}
}

func TestHTTPClient_RetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewHTTPClient(Config{BaseURL: srv.URL, Token: "t", MaxRetries: 2})
	_, err := client.FetchPage(context.Background(), models.KindSettlements, "S1", testWindow(), "")
	if !errors.Is(err, ErrMarketplace) {
		t.Errorf("Exhausted retries should surface ErrMarketplace, got %v", err)
	}
}

func TestHTTPClient_ConcurrentRetries(t *testing.T) {
	// One client is shared by all record streams of every active run, so
	// jittered backoff must be safe from concurrent goroutines.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewHTTPClient(Config{BaseURL: srv.URL, Token: "t", MaxRetries: 2})
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.FetchPage(context.Background(), models.KindOrders, "S1", testWindow(), "")
			if !errors.Is(err, ErrMarketplace) {
				t.Errorf("Expected ErrMarketplace after exhausted retries, got %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestStubClient_Paging(t *testing.T) {
	stub := NewStubClient(2)
	for i := 0; i < 5; i++ {
		if err := stub.Load(models.KindOrders, models.Order{SellerID: "S1", OrderID: fmt.Sprintf("O%d", i)}); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
	}

	total, err := FetchAll(context.Background(), stub, models.KindOrders, "S1", testWindow(), func(p *Page) error { return nil })
	if err != nil {
		t.Fatalf("FetchAll over stub failed: %v", err)
	}
	if total != 5 {
		t.Errorf("Expected 5 records, got %d", total)
	}
}
