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

// KajabiClient загружает покупки и подписки через Kajabi API (JSON:API).
// Связанные customer и offer разворачиваются из секции included.
type KajabiClient struct {
	baseURL string
	apiKey  string
	client  *retryablehttp.Client
	logger  *zap.Logger
}

// NewKajabiClient создаёт адаптер Kajabi.
func NewKajabiClient(baseURL, apiKey string, logger *zap.Logger) *KajabiClient {
	if baseURL == "" {
		baseURL = "https://api.kajabi.com"
	}
	return &KajabiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  newRetryClient(),
		logger:  logger,
	}
}

// Name возвращает имя источника.
func (c *KajabiClient) Name() string { return model.SourceKajabi }

// Stream возвращает имя потока синхронизации.
func (c *KajabiClient) Stream() string { return "kajabi_purchases" }

// Fetch загружает покупки и подписки, изменённые после since.
func (c *KajabiClient) Fetch(ctx context.Context, since *time.Time) (*Batch, error) {
	batch := &Batch{}

	purchases, err := c.listPaged(ctx, "/api/v1/purchases", "purchase", since)
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	batch.Transactions = purchases

	subs, err := c.listPaged(ctx, "/api/v1/subscriptions", "subscription", since)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	batch.Subscriptions = subs

	return batch, nil
}

type jsonAPIResource struct {
	ID            string                   `json:"id"`
	Type          string                   `json:"type"`
	Attributes    map[string]any           `json:"attributes"`
	Relationships map[string]jsonAPIRelRef `json:"relationships"`
}

type jsonAPIRelRef struct {
	Data *struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"data"`
}

// listPaged проходит страницы page[number], собирая для каждой записи
// карту {kind: запись, customer: ..., offer: ...} в форме, которую
// ожидает слой извлечения полей.
func (c *KajabiClient) listPaged(ctx context.Context, path, kind string, since *time.Time) ([]RawRecord, error) {
	var out []RawRecord

	for pageNum := 1; ; pageNum++ {
		q := url.Values{}
		q.Set("page[number]", strconv.Itoa(pageNum))
		q.Set("page[size]", "100")
		q.Set("include", "customer,offer")
		if since != nil {
			q.Set("filter[updated_at][gte]", since.UTC().Format(time.RFC3339))
		}

		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "application/vnd.api+json")

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("do request: %w", err)
		}

		var page struct {
			Data     []jsonAPIResource `json:"data"`
			Included []jsonAPIResource `json:"included"`
			Links    struct {
				Next string `json:"next"`
			} `json:"links"`
		}
		if err := decodeJSON(resp, &page); err != nil {
			return nil, err
		}

		included := make(map[string]jsonAPIResource, len(page.Included))
		for _, res := range page.Included {
			included[res.Type+":"+res.ID] = res
		}

		for _, res := range page.Data {
			rec := RawRecord{
				kind: map[string]any{
					"id":         res.ID,
					"attributes": res.Attributes,
				},
			}
			for _, relName := range []string{"customer", "offer"} {
				rel, ok := res.Relationships[relName]
				if !ok || rel.Data == nil {
					continue
				}
				inc, ok := included[rel.Data.Type+":"+rel.Data.ID]
				if !ok {
					continue
				}
				rec[relName] = map[string]any{
					"id":         inc.ID,
					"attributes": inc.Attributes,
				}
			}
			out = append(out, rec)
		}

		if page.Links.Next == "" || len(page.Data) == 0 {
			break
		}
	}

	return out, nil
}
