package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/mmeshcher/revenue-system/internal/model"
)

// StripeClient загружает charges, refunds и subscriptions через Stripe API
// с курсорной пагинацией starting_after.
type StripeClient struct {
	baseURL string
	apiKey  string
	client  *retryablehttp.Client
	logger  *zap.Logger
}

// NewStripeClient создаёт адаптер Stripe. Пустой baseURL означает
// боевой адрес API.
func NewStripeClient(baseURL, apiKey string, logger *zap.Logger) *StripeClient {
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}
	return &StripeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  newRetryClient(),
		logger:  logger,
	}
}

// Name возвращает имя источника.
func (c *StripeClient) Name() string { return model.SourceStripe }

// Stream возвращает имя потока синхронизации.
func (c *StripeClient) Stream() string { return "stripe_tx" }

// Fetch загружает транзакции, возвраты и подписки, созданные после since.
func (c *StripeClient) Fetch(ctx context.Context, since *time.Time) (*Batch, error) {
	batch := &Batch{}

	var err error
	if batch.Transactions, err = c.listPaged(ctx, "/v1/charges", since); err != nil {
		return nil, fmt.Errorf("list charges: %w", err)
	}
	if batch.Refunds, err = c.listPaged(ctx, "/v1/refunds", since); err != nil {
		return nil, fmt.Errorf("list refunds: %w", err)
	}
	if batch.Subscriptions, err = c.listPaged(ctx, "/v1/subscriptions", since); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	return batch, nil
}

func (c *StripeClient) listPaged(ctx context.Context, path string, since *time.Time) ([]RawRecord, error) {
	var out []RawRecord
	startingAfter := ""

	for {
		q := url.Values{}
		q.Set("limit", "100")
		if since != nil {
			q.Set("created[gte]", strconv.FormatInt(since.Unix(), 10))
		}
		if startingAfter != "" {
			q.Set("starting_after", startingAfter)
		}

		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("do request: %w", err)
		}

		var page struct {
			Data    []map[string]any `json:"data"`
			HasMore bool             `json:"has_more"`
		}
		if err := decodeJSON(resp, &page); err != nil {
			return nil, err
		}

		for _, item := range page.Data {
			out = append(out, RawRecord(item))
		}

		if !page.HasMore || len(page.Data) == 0 {
			break
		}

		startingAfter = RawRecord(page.Data[len(page.Data)-1]).StringField("id")
		if startingAfter == "" {
			break
		}
	}

	return out, nil
}
