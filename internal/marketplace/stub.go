package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/sellerledger/recovery-engine/pkg/models"
)

// StubClient serves pre-loaded records with real cursor paging. Used by
// DEMO_MODE runs and by ingestion tests; it behaves like the HTTP client
// minus the network.
type StubClient struct {
	PageSize int
	records  map[models.RecordKind][]json.RawMessage
	// FailKinds maps a record kind to the error its fetch should return,
	// for exercising partial-failure paths.
	FailKinds map[models.RecordKind]error
}

// NewStubClient returns an empty stub with the given page size.
func NewStubClient(pageSize int) *StubClient {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &StubClient{
		PageSize:  pageSize,
		records:   make(map[models.RecordKind][]json.RawMessage),
		FailKinds: make(map[models.RecordKind]error),
	}
}

// Load adds typed records to a stream; each is marshaled to the raw wire
// form the ingestion stage normalizes from.
func (s *StubClient) Load(kind models.RecordKind, records ...any) error {
	for _, r := range records {
		raw, err := json.Marshal(r)
		if err != nil {
			return err
		}
		s.records[kind] = append(s.records[kind], raw)
	}
	return nil
}

func (s *StubClient) FetchPage(ctx context.Context, kind models.RecordKind, sellerID string, window Window, cursor string) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.FailKinds[kind]; err != nil {
		return nil, err
	}

	all := s.records[kind]
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 || n > len(all) {
			return nil, fmt.Errorf("%w: bad cursor %q", ErrMarketplace, cursor)
		}
		start = n
	}

	end := start + s.PageSize
	if end > len(all) {
		end = len(all)
	}
	page := &Page{Records: all[start:end]}
	if end < len(all) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}
