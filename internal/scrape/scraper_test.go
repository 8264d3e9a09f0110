package scrape

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordimassana/bankfeed/internal/domain"
	"github.com/jordimassana/bankfeed/internal/resultcode"
	"github.com/jordimassana/bankfeed/internal/session"
	"github.com/jordimassana/bankfeed/internal/storage"
	"github.com/jordimassana/bankfeed/pkg/logger"
)

func day(d int) time.Time {
	return time.Date(2026, 1, d, 0, 0, 0, 0, time.UTC)
}

func mov(d int, amount, bankBalance, descr string) domain.Movement {
	return domain.Movement{
		OperationDate: day(d),
		ValueDate:     day(d),
		Amount:        decimal.RequireFromString(amount),
		BankBalance:   decimal.RequireFromString(bankBalance),
		Description:   descr,
	}
}

// fakePages serves a fixed page sequence, counting fetches per page number.
type fakePages struct {
	pages []domain.Page
	calls map[int]*atomic.Int64
}

func newFakePages(pages ...domain.Page) *fakePages {
	f := &fakePages{pages: pages, calls: make(map[int]*atomic.Int64)}
	for i := range pages {
		f.calls[i+1] = &atomic.Int64{}
	}
	return f
}

func (f *fakePages) FetchPage(ctx context.Context, account domain.Account, dateFrom, dateTo time.Time, pageNum int) (domain.Page, error) {
	if counter, ok := f.calls[pageNum]; ok {
		counter.Add(1)
	}
	if pageNum < 1 || pageNum > len(f.pages) {
		return domain.Page{}, fmt.Errorf("no such page %d", pageNum)
	}
	return f.pages[pageNum-1], nil
}

// hangingPages returns a first page and then keeps repeating it.
type hangingPages struct {
	page       domain.Page
	page2Calls atomic.Int64
}

func (f *hangingPages) FetchPage(ctx context.Context, account domain.Account, dateFrom, dateTo time.Time, pageNum int) (domain.Page, error) {
	if pageNum >= 2 {
		f.page2Calls.Add(1)
	}
	return f.page, nil
}

type failingPages struct{ err error }

func (f *failingPages) FetchPage(ctx context.Context, account domain.Account, dateFrom, dateTo time.Time, pageNum int) (domain.Page, error) {
	return domain.Page{}, f.err
}

// fakeDetails enriches every movement it is asked about and counts calls.
type fakeDetails struct {
	calls atomic.Int64
}

func (f *fakeDetails) FetchDetails(ctx context.Context, account domain.Account, m domain.Movement) (domain.Movement, domain.FetchOutcome, error) {
	f.calls.Add(1)
	m.ExtendedDescription = "extended " + m.Description
	return m, domain.FetchOK, nil
}

func newTestScraper(pages domain.PageFetcher, details domain.DetailFetcher, repo domain.Repository) *Scraper {
	return New(pages, details, repo, logger.NewNop(), Config{DetailWorkers: 2, FaultCeiling: 5})
}

func TestScrape_FullRunPersists(t *testing.T) {
	repo := storage.NewMemoryStore()
	account := domain.Account{ExternalID: "acc-1", Balance: decimal.RequireFromString("100")}
	require.NoError(t, repo.UpsertAccount(context.Background(), account))

	pages := newFakePages(
		domain.Page{
			Movements: []domain.Movement{
				mov(3, "10", "100", "newest"),
				mov(2, "10", "90", "middle"),
			},
			HasMore: true,
		},
		domain.Page{
			Movements: []domain.Movement{mov(1, "20", "80", "oldest")},
			HasMore:   false,
		},
	)

	s := newTestScraper(pages, nil, repo)
	outcome, code, err := s.Scrape(context.Background(), account, day(1), day(4))
	require.NoError(t, err)

	assert.Equal(t, resultcode.Success, code)
	assert.Equal(t, domain.ReconcileSuccess, outcome.Status)
	require.Len(t, outcome.Accepted, 3)

	saved, err := repo.MovementsSince(context.Background(), "acc-1", day(1))
	require.NoError(t, err)
	require.Len(t, saved, 3)
	assert.Equal(t, "oldest", saved[0].Description)
	assert.True(t, saved[2].CalcBalance.Equal(decimal.RequireFromString("100")))

	// Account realigned to the newest persisted movement.
	got, err := repo.GetAccount(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.RequireFromString("100")))
}

func TestScrape_EnrichesOnlyFlaggedMovements(t *testing.T) {
	repo := storage.NewMemoryStore()
	account := domain.Account{ExternalID: "acc-1", Balance: decimal.RequireFromString("100")}
	require.NoError(t, repo.UpsertAccount(context.Background(), account))

	withDetails := mov(2, "10", "90", "middle")
	withDetails.HasExtraDetails = true

	pages := newFakePages(domain.Page{
		Movements: []domain.Movement{
			mov(3, "10", "100", "newest"),
			withDetails,
			mov(1, "20", "80", "oldest"),
		},
	})

	details := &fakeDetails{}
	s := newTestScraper(pages, details, repo)
	_, code, err := s.Scrape(context.Background(), account, day(1), day(4))
	require.NoError(t, err)
	assert.Equal(t, resultcode.Success, code)

	assert.Equal(t, int64(1), details.calls.Load())

	saved, err := repo.MovementsSince(context.Background(), "acc-1", day(1))
	require.NoError(t, err)
	require.Len(t, saved, 3)
	assert.Equal(t, "extended middle", saved[1].ExtendedDescription)
	assert.Empty(t, saved[0].ExtendedDescription)
}

func TestScrape_AlreadySavedDetailsNotRefetched(t *testing.T) {
	repo := storage.NewMemoryStore()
	account := domain.Account{ExternalID: "acc-1", Balance: decimal.RequireFromString("100")}
	require.NoError(t, repo.UpsertAccount(context.Background(), account))

	// Day-1 movement already persisted with its details.
	persisted := mov(1, "20", "80", "oldest")
	persisted.HasExtraDetails = true
	persisted.CalcBalance = decimal.RequireFromString("80")
	persisted.ExtendedDescription = "stored"
	require.NoError(t, repo.SaveMovements(context.Background(), "acc-1", []domain.Movement{persisted}))

	scrapedOld := mov(1, "20", "80", "oldest")
	scrapedOld.HasExtraDetails = true
	scrapedNew := mov(2, "10", "90", "new")
	scrapedNew.HasExtraDetails = true

	pages := newFakePages(domain.Page{
		Movements: []domain.Movement{
			mov(3, "10", "100", "newest"),
			scrapedNew,
			scrapedOld,
		},
	})

	details := &fakeDetails{}
	s := newTestScraper(pages, details, repo)
	outcome, code, err := s.Scrape(context.Background(), account, day(1), day(4))
	require.NoError(t, err)
	assert.Equal(t, resultcode.Success, code)

	// Only the fresh flagged movement hits the detail endpoint.
	assert.Equal(t, int64(1), details.calls.Load())
	require.Len(t, outcome.Accepted, 2)
}

func TestScrape_HangingPaginationTruncates(t *testing.T) {
	repo := storage.NewMemoryStore()
	account := domain.Account{ExternalID: "acc-1", Balance: decimal.RequireFromString("100")}
	require.NoError(t, repo.UpsertAccount(context.Background(), account))

	pages := &hangingPages{page: domain.Page{
		Movements: []domain.Movement{
			mov(3, "10", "100", "newest"),
			mov(2, "10", "90", "middle"),
		},
		HasMore: true,
	}}

	s := newTestScraper(pages, nil, repo)
	outcome, code, err := s.Scrape(context.Background(), account, day(1), day(4))
	require.NoError(t, err)

	assert.Equal(t, resultcode.ErrBreakingConditions, code)
	assert.Equal(t, domain.ReconcileErrBreakingConditions, outcome.Status)

	// Hang bound: the repeating page is retried MaxHangRetries times and
	// given up on, never looped forever.
	assert.Equal(t, int64(3), pages.page2Calls.Load())

	// Error outcome: nothing persisted.
	saved, err := repo.MovementsSince(context.Background(), "acc-1", day(1))
	require.NoError(t, err)
	assert.Empty(t, saved)
}

func TestScrape_FetchErrorClassified(t *testing.T) {
	repo := storage.NewMemoryStore()
	account := domain.Account{ExternalID: "acc-1"}
	require.NoError(t, repo.UpsertAccount(context.Background(), account))

	pages := &failingPages{err: fmt.Errorf("request: %w", session.ErrExhausted)}

	s := newTestScraper(pages, nil, repo)
	_, code, err := s.Scrape(context.Background(), account, day(1), day(4))
	require.Error(t, err)
	assert.Equal(t, resultcode.ErrProxyDown, code)
}

func TestScrape_InvalidDates(t *testing.T) {
	repo := storage.NewMemoryStore()
	s := newTestScraper(newFakePages(), nil, repo)

	_, _, err := s.Scrape(context.Background(), domain.Account{ExternalID: "acc-1"}, day(4), day(1))
	assert.ErrorIs(t, err, domain.ErrInvalidDates)
}

func TestScrape_ClampsToHistoricalFloor(t *testing.T) {
	repo := storage.NewMemoryStore()
	account := domain.Account{
		ExternalID:  "acc-1",
		Balance:     decimal.RequireFromString("100"),
		MinDateFrom: day(2),
	}
	require.NoError(t, repo.UpsertAccount(context.Background(), account))

	var gotDateFrom time.Time
	pages := pageFetcherFunc(func(ctx context.Context, acc domain.Account, dateFrom, dateTo time.Time, pageNum int) (domain.Page, error) {
		gotDateFrom = dateFrom
		return domain.Page{Movements: []domain.Movement{mov(3, "10", "100", "only")}}, nil
	})

	s := newTestScraper(pages, nil, repo)
	_, _, err := s.Scrape(context.Background(), account, day(1), day(4))
	require.NoError(t, err)

	assert.Equal(t, day(2), gotDateFrom)
}

func TestClassifyFetchError(t *testing.T) {
	assert.Equal(t, resultcode.ErrProxyDown, classifyFetchError(fmt.Errorf("x: %w", session.ErrExhausted)))
	assert.Equal(t, resultcode.ErrWebsiteDown, classifyFetchError(context.DeadlineExceeded))
	assert.Equal(t, resultcode.ErrConnection, classifyFetchError(context.Canceled))
	assert.Equal(t, resultcode.ErrUnexpectedResponse, classifyFetchError(errors.New("weird")))
}

type pageFetcherFunc func(ctx context.Context, account domain.Account, dateFrom, dateTo time.Time, pageNum int) (domain.Page, error)

func (f pageFetcherFunc) FetchPage(ctx context.Context, account domain.Account, dateFrom, dateTo time.Time, pageNum int) (domain.Page, error) {
	return f(ctx, account, dateFrom, dateTo, pageNum)
}
