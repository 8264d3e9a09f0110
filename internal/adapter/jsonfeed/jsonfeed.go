// Package jsonfeed adapts a JSON statement feed to the core's fetcher ports.
// It is the reference adapter: bank-specific adapters follow the same shape,
// all resilience (proxy rotation, retries) stays inside the session.
package jsonfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jordimassana/bankfeed/internal/domain"
	"github.com/jordimassana/bankfeed/internal/session"
	"github.com/jordimassana/bankfeed/pkg/logger"
)

const dateParamFormat = "2006-01-02"

// Client implements domain.PageFetcher and domain.DetailFetcher against a
// JSON feed.
type Client struct {
	baseURL string
	session *session.Session
	proxies []domain.Proxy
	log     *logger.Logger
}

func New(baseURL string, sess *session.Session, proxies []domain.Proxy, log *logger.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		session: sess,
		proxies: proxies,
		log:     log,
	}
}

type movementPayload struct {
	OperationDate string `json:"operation_date"`
	ValueDate     string `json:"value_date"`
	Amount        string `json:"amount"`
	Description   string `json:"description"`
	Balance       string `json:"balance"`
	HasDetails    bool   `json:"has_details"`
}

type pagePayload struct {
	Movements []movementPayload `json:"movements"`
	HasMore   bool              `json:"has_more"`
}

type detailPayload struct {
	ExtendedDescription string `json:"extended_description"`
}

// FetchPage requests one movements page, newest first.
func (c *Client) FetchPage(ctx context.Context, account domain.Account, dateFrom, dateTo time.Time, pageNum int) (domain.Page, error) {
	query := url.Values{}
	query.Set("date_from", dateFrom.Format(dateParamFormat))
	query.Set("date_to", dateTo.Format(dateParamFormat))
	query.Set("page", fmt.Sprintf("%d", pageNum))

	reqURL := fmt.Sprintf("%s/accounts/%s/movements?%s",
		c.baseURL, url.PathEscape(account.ExternalID), query.Encode())

	resp, err := c.session.Request(ctx, http.MethodGet, reqURL, c.proxies,
		session.WithHeader("Accept", "application/json"),
	)
	if err != nil {
		return domain.Page{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.Page{}, fmt.Errorf("jsonfeed: movements page %d: status %d", pageNum, resp.StatusCode)
	}

	var payload pagePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return domain.Page{}, fmt.Errorf("jsonfeed: decode movements page %d: %w", pageNum, err)
	}

	page := domain.Page{HasMore: payload.HasMore}
	for i, raw := range payload.Movements {
		mov, err := parseMovement(raw)
		if err != nil {
			return domain.Page{}, fmt.Errorf("jsonfeed: page %d movement %d: %w", pageNum, i, err)
		}
		page.Movements = append(page.Movements, mov)
	}

	c.log.Debug(ctx, "Fetched movements page",
		"page", pageNum,
		"movements", len(page.Movements),
		"has_more", page.HasMore,
	)
	return page, nil
}

// FetchDetails requests the extended description of one movement, keyed by
// its natural key.
func (c *Client) FetchDetails(ctx context.Context, account domain.Account, mov domain.Movement) (domain.Movement, domain.FetchOutcome, error) {
	reqURL := fmt.Sprintf("%s/accounts/%s/movement-details?key=%s",
		c.baseURL, url.PathEscape(account.ExternalID), url.QueryEscape(mov.NaturalKey()))

	resp, err := c.session.Request(ctx, http.MethodGet, reqURL, c.proxies,
		session.WithHeader("Accept", "application/json"),
	)
	if err != nil {
		return mov, domain.FetchTransient, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent:
		// No detail data exists for this movement.
		return mov, domain.FetchPermanentBenign, nil
	case resp.StatusCode >= 500:
		return mov, domain.FetchTransient, fmt.Errorf("jsonfeed: movement details: status %d", resp.StatusCode)
	default:
		return mov, domain.FetchCritical, fmt.Errorf("jsonfeed: movement details: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return mov, domain.FetchTransient, fmt.Errorf("jsonfeed: read movement details: %w", err)
	}
	var payload detailPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return mov, domain.FetchCritical, fmt.Errorf("jsonfeed: decode movement details: %w", err)
	}

	mov.HasExtraDetails = true
	mov.ExtendedDescription = payload.ExtendedDescription
	return mov, domain.FetchOK, nil
}

func parseMovement(raw movementPayload) (domain.Movement, error) {
	opDate, err := time.Parse(dateParamFormat, raw.OperationDate)
	if err != nil {
		return domain.Movement{}, fmt.Errorf("operation_date: %w", err)
	}
	valDate, err := time.Parse(dateParamFormat, raw.ValueDate)
	if err != nil {
		return domain.Movement{}, fmt.Errorf("value_date: %w", err)
	}
	amount, err := decimal.NewFromString(raw.Amount)
	if err != nil {
		return domain.Movement{}, fmt.Errorf("amount: %w", err)
	}
	balance, err := decimal.NewFromString(raw.Balance)
	if err != nil {
		return domain.Movement{}, fmt.Errorf("balance: %w", err)
	}

	return domain.Movement{
		OperationDate:   opDate,
		ValueDate:       valDate,
		Amount:          amount,
		Description:     domain.CleanDescription(raw.Description),
		BankBalance:     balance,
		HasExtraDetails: raw.HasDetails,
	}, nil
}
