package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/jordimassana/bankfeed/internal/domain"
	"github.com/jordimassana/bankfeed/internal/service"
	"github.com/jordimassana/bankfeed/pkg/logger"
)

const dateParamFormat = "2006-01-02"

type ScrapeHandler struct {
	service service.ScrapeService
	logger  *logger.Logger
}

func NewScrapeHandler(service service.ScrapeService, log *logger.Logger) *ScrapeHandler {
	return &ScrapeHandler{
		service: service,
		logger:  log,
	}
}

type startScrapeRequest struct {
	AccountID string `json:"account_id"`
	DateFrom  string `json:"date_from"`
	DateTo    string `json:"date_to"`
}

func (h *ScrapeHandler) Start(c echo.Context) error {
	ctx := c.Request().Context()

	h.logger.Info(ctx, "Handling scrape request")

	var req startScrapeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
	}
	if req.AccountID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "account_id is required",
		})
	}

	dateFrom, err := time.Parse(dateParamFormat, req.DateFrom)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "date_from must be YYYY-MM-DD",
		})
	}
	dateTo := time.Now().Truncate(24 * time.Hour)
	if req.DateTo != "" {
		dateTo, err = time.Parse(dateParamFormat, req.DateTo)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "date_to must be YYYY-MM-DD",
			})
		}
	}
	if dateFrom.After(dateTo) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "date_from must not be after date_to",
		})
	}

	runID, err := h.service.StartScrape(ctx, service.ScrapeRequest{
		AccountID: req.AccountID,
		DateFrom:  dateFrom,
		DateTo:    dateTo,
	})
	if err != nil {
		if err == domain.ErrAccountNotFound {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error": "account not found",
			})
		}

		h.logger.Error(ctx, "Failed to start scrape",
			"error", err,
		)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to start scrape",
		})
	}

	h.logger.Info(ctx, "Scrape started",
		"run_id", runID,
	)

	return c.JSON(http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": "processing",
	})
}

func (h *ScrapeHandler) GetRun(c echo.Context) error {
	ctx := c.Request().Context()

	runID := c.Param("id")
	if runID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "run id is required",
		})
	}

	h.logger.Debug(ctx, "Getting run",
		"run_id", runID,
	)

	run, err := h.service.GetRun(ctx, runID)
	if err != nil {
		if err == domain.ErrRunNotFound {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error": "run not found",
			})
		}

		h.logger.Error(ctx, "Failed to get run",
			"run_id", runID,
			"error", err,
		)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to get run",
		})
	}

	return c.JSON(http.StatusOK, run)
}
