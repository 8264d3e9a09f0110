// Package scrape drives the full statement pipeline for one account: page
// fetching, accumulation, enrichment, reconciliation, result classification
// and persistence.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jordimassana/bankfeed/internal/domain"
	"github.com/jordimassana/bankfeed/internal/enrich"
	"github.com/jordimassana/bankfeed/internal/paginate"
	"github.com/jordimassana/bankfeed/internal/reconcile"
	"github.com/jordimassana/bankfeed/internal/resultcode"
	"github.com/jordimassana/bankfeed/internal/session"
	"github.com/jordimassana/bankfeed/pkg/logger"
)

// MaxPages bounds page iteration regardless of portal behavior.
const MaxPages = 300

type Config struct {
	// DetailWorkers is the enrichment pool width.
	DetailWorkers int
	// FaultCeiling trips the per-account enrichment circuit breaker.
	FaultCeiling int
}

// Scraper is the only public entry point of the core. Site adapters plug in
// through PageFetcher and DetailFetcher; the core never branches on bank
// identity.
type Scraper struct {
	pages      domain.PageFetcher
	details    domain.DetailFetcher // nil disables enrichment
	repo       domain.Repository
	reconciler *reconcile.Reconciler
	enricher   *enrich.Pipeline
	log        *logger.Logger
	cfg        Config
}

func New(pages domain.PageFetcher, details domain.DetailFetcher, repo domain.Repository, log *logger.Logger, cfg Config) *Scraper {
	return &Scraper{
		pages:      pages,
		details:    details,
		repo:       repo,
		reconciler: reconcile.New(log),
		enricher:   enrich.New(log),
		log:        log,
		cfg:        cfg,
	}
}

// Scrape fetches the account's movements for the window, reconciles them
// against the persisted history and persists the accepted set when safe.
// Exactly one result code is produced per run.
func (s *Scraper) Scrape(ctx context.Context, account domain.Account, dateFrom, dateTo time.Time) (domain.ReconciliationOutcome, resultcode.ResultCode, error) {
	ctx = logger.WithAccountID(ctx, account.ExternalID)

	if dateFrom.After(dateTo) {
		return domain.ReconciliationOutcome{}, resultcode.ErrUnexpectedResponse, domain.ErrInvalidDates
	}
	if !account.MinDateFrom.IsZero() && dateFrom.Before(account.MinDateFrom) {
		s.log.Info(ctx, "Clamping date_from to historical floor",
			"date_from", dateFrom.Format("2006-01-02"),
			"min_date_from", account.MinDateFrom.Format("2006-01-02"),
		)
		dateFrom = account.MinDateFrom
	}

	scrapedDesc, truncated, err := s.collectPages(ctx, account, dateFrom, dateTo)
	if err != nil {
		return domain.ReconciliationOutcome{}, classifyFetchError(err), err
	}

	return s.EnrichAndReconcile(ctx, account, scrapedDesc, dateFrom, truncated)
}

// collectPages drives the page fetcher until a terminal condition: no more
// pages, the oldest record predates the window, or pagination hangs beyond
// the retry bound (the window is then marked truncated, never looped).
func (s *Scraper) collectPages(ctx context.Context, account domain.Account, dateFrom, dateTo time.Time) (collected []domain.Movement, truncated bool, err error) {
	pageNum := 1
	hangRetries := 0

	for iter := 0; iter < MaxPages; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		page, err := s.pages.FetchPage(ctx, account, dateFrom, dateTo, pageNum)
		if err != nil {
			return nil, false, fmt.Errorf("fetch page %d: %w", pageNum, err)
		}

		merged, hanging := paginate.Accumulate(collected, page.Movements)
		if hanging {
			hangRetries++
			if hangRetries > paginate.MaxHangRetries {
				s.log.Warn(ctx, "Pagination still hanging after retries, truncating window",
					"page", pageNum,
					"collected", len(collected),
				)
				return collected, true, nil
			}
			s.log.Warn(ctx, "Repeated movements from page, retrying",
				"page", pageNum,
				"retry", hangRetries,
			)
			continue // same pageNum again
		}
		hangRetries = 0
		collected = merged

		if len(page.Movements) > 0 {
			oldest := page.Movements[len(page.Movements)-1].OperationDate
			if oldest.Before(dateFrom) {
				s.log.Debug(ctx, "Reached date_from, stopping pagination", "page", pageNum)
				break
			}
		}
		if !page.HasMore {
			break
		}
		pageNum++
	}

	s.log.Info(ctx, "Pagination finished",
		"pages", pageNum,
		"movements", len(collected),
	)
	return collected, false, nil
}

// EnrichAndReconcile reconciles an already collected (newest first) movement
// set, enriches the accepted movements under the circuit breaker, persists
// when balance integrity allows and classifies the run.
func (s *Scraper) EnrichAndReconcile(ctx context.Context, account domain.Account, scrapedDesc []domain.Movement, dateFrom time.Time, truncated bool) (domain.ReconciliationOutcome, resultcode.ResultCode, error) {
	ctx = logger.WithAccountID(ctx, account.ExternalID)

	persistedTail, err := s.repo.MovementsSince(ctx, account.ExternalID, dateFrom)
	if err != nil {
		return domain.ReconciliationOutcome{}, resultcode.ErrUnexpectedResponse, fmt.Errorf("load persisted tail: %w", err)
	}

	outcome := s.reconciler.Reconcile(ctx, scrapedDesc, persistedTail, account.Balance, reconcile.Params{
		DateFrom:    dateFrom,
		MinDateFrom: account.MinDateFrom,
		Truncated:   truncated,
	})

	weakWarnings := truncated
	if s.details != nil && !outcome.Status.IsError() && !outcome.Degraded && len(outcome.Accepted) > 0 {
		breaker := enrich.NewBreaker(s.cfg.FaultCeiling)
		outcome.Accepted = s.enricher.Enrich(ctx, outcome.Accepted, s.detailFetch(account, persistedTail), s.cfg.DetailWorkers, breaker)
		if breaker.Faults() > 0 {
			weakWarnings = true
		}
	}

	if !outcome.Status.IsError() && len(outcome.Accepted) > 0 {
		if err := s.repo.SaveMovements(ctx, account.ExternalID, outcome.Accepted); err != nil {
			return outcome, resultcode.ErrUnexpectedResponse, fmt.Errorf("save movements: %w", err)
		}
		s.log.Info(ctx, "Movements persisted", "count", len(outcome.Accepted))
	}

	code := resultcode.FromOutcome(outcome, weakWarnings)
	return outcome, code, nil
}

// detailFetch wraps the adapter's detail fetcher with the already-saved
// skip: movements whose natural key is in the persisted tail keep their
// stored details, no extra request.
func (s *Scraper) detailFetch(account domain.Account, persistedTail []domain.Movement) enrich.FetchFunc {
	savedKeys := make(map[string]bool, len(persistedTail))
	for _, m := range persistedTail {
		savedKeys[m.NaturalKey()] = true
	}

	return func(ctx context.Context, mov domain.Movement) (domain.Movement, domain.FetchOutcome, error) {
		if !mov.HasExtraDetails || savedKeys[mov.NaturalKey()] {
			return mov, domain.FetchPermanentBenign, nil
		}
		return s.details.FetchDetails(ctx, account, mov)
	}
}

// classifyFetchError maps transport-level failures onto the access-level
// result taxonomy.
func classifyFetchError(err error) resultcode.ResultCode {
	switch {
	case errors.Is(err, session.ErrExhausted):
		return resultcode.ErrProxyDown
	case errors.Is(err, context.DeadlineExceeded):
		return resultcode.ErrWebsiteDown
	case errors.Is(err, context.Canceled):
		return resultcode.ErrConnection
	default:
		return resultcode.ErrUnexpectedResponse
	}
}
