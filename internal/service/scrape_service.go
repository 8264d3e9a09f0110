package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jordimassana/bankfeed/internal/domain"
	"github.com/jordimassana/bankfeed/internal/scrape"
	"github.com/jordimassana/bankfeed/pkg/logger"
)

type ScrapeRequest struct {
	AccountID string
	DateFrom  time.Time
	DateTo    time.Time
}

type ScrapeService interface {
	// StartScrape registers a run and kicks off the scraping pipeline
	// asynchronously. The returned run ID can be polled via GetRun.
	StartScrape(ctx context.Context, req ScrapeRequest) (string, error)
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
}

type scrapeService struct {
	repo    domain.Repository
	scraper *scrape.Scraper
	logger  *logger.Logger
}

func NewScrapeService(repo domain.Repository, scraper *scrape.Scraper, log *logger.Logger) ScrapeService {
	return &scrapeService{
		repo:    repo,
		scraper: scraper,
		logger:  log,
	}
}

func (s *scrapeService) StartScrape(ctx context.Context, req ScrapeRequest) (string, error) {
	account, err := s.repo.GetAccount(ctx, req.AccountID)
	if err != nil {
		return "", err
	}

	runID := uuid.New().String()
	ctx = logger.WithRunID(ctx, runID)

	s.logger.Info(ctx, "Creating scrape run",
		"account_id", req.AccountID,
	)

	if err := s.repo.CreateRun(ctx, runID, req.AccountID); err != nil {
		s.logger.Error(ctx, "Failed to create run",
			"error", err,
		)
		return "", err
	}

	go func() {
		runCtx := context.Background()
		runCtx = logger.WithRunID(runCtx, runID)

		s.logger.Info(runCtx, "Starting async scrape")

		outcome, code, err := s.scraper.Scrape(runCtx, *account, req.DateFrom, req.DateTo)

		// The run is "failed" only when the pipeline itself broke; balance
		// verification errors are completed runs with an error result code.
		status := domain.RunStatusCompleted
		if err != nil {
			status = domain.RunStatusFailed
			s.logger.Error(runCtx, "Scrape failed",
				"error", err,
				"result_code", code.String(),
			)
		} else {
			s.logger.Info(runCtx, "Scrape finished",
				"result_code", code.String(),
				"accepted", len(outcome.Accepted),
			)
		}

		saved := 0
		if err == nil && !outcome.Status.IsError() {
			saved = len(outcome.Accepted)
		}
		if err := s.repo.CompleteRun(runCtx, runID, status, code.Class, code.Name, saved); err != nil {
			s.logger.Error(runCtx, "Failed to complete run",
				"error", err,
			)
		}
	}()

	return runID, nil
}

func (s *scrapeService) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	ctx = logger.WithRunID(ctx, runID)

	s.logger.Debug(ctx, "Getting run")

	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		s.logger.Error(ctx, "Failed to get run",
			"error", err,
		)
		return nil, err
	}

	return run, nil
}
