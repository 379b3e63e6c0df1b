package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/mmeshcher/revenue-system/internal/model"
)

// MetaClient загружает агрегированные покупки по дням из Marketing API
// (insights уровня ad, без breakdown'ов, чтобы окна атрибуции не
// задваивали конверсии). Событий с transaction_id у Meta нет, поэтому
// такие события участвуют только в last-touch.
type MetaClient struct {
	baseURL     string
	accessToken string
	adAccountID string
	client      *retryablehttp.Client
	logger      *zap.Logger
}

// NewMetaClient создаёт клиент Meta. Пустой baseURL означает боевой адрес
// Graph API.
func NewMetaClient(baseURL, adAccountID, accessToken string, logger *zap.Logger) *MetaClient {
	if baseURL == "" {
		baseURL = "https://graph.facebook.com/v18.0"
	}
	return &MetaClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		adAccountID: adAccountID,
		client:      newRetryClient(),
		logger:      logger,
	}
}

// Platform возвращает имя платформы событий.
func (c *MetaClient) Platform() string { return model.PlatformMeta }

type metaInsightsRow struct {
	DateStart    string `json:"date_start"`
	CampaignName string `json:"campaign_name"`
	Actions      []struct {
		ActionType string `json:"action_type"`
		Value      string `json:"value"`
	} `json:"actions"`
}

// FetchPurchaseEvents возвращает события purchase за диапазон дат по одному
// на день и кампанию. Дни без покупок пропускаются.
func (c *MetaClient) FetchPurchaseEvents(ctx context.Context, start, end time.Time) ([]model.AttributionEvent, error) {
	timeRange, err := json.Marshal(map[string]string{
		"since": start.UTC().Format("2006-01-02"),
		"until": end.UTC().Format("2006-01-02"),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal time range: %w", err)
	}

	params := url.Values{}
	params.Set("access_token", c.accessToken)
	params.Set("level", "ad")
	params.Set("time_range", string(timeRange))
	params.Set("time_increment", "1")
	params.Set("fields", "date_start,campaign_id,campaign_name,adset_id,adset_name,ad_id,ad_name,actions,action_values,account_currency")
	params.Set("action_attribution_windows", "7d_click,1d_view")
	params.Set("limit", "5000")

	insightsURL := fmt.Sprintf("%s/%s/insights?%s", c.baseURL, c.adAccountID, params.Encode())
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, insightsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	var body struct {
		Data []metaInsightsRow `json:"data"`
	}
	if err := decodeJSON(resp, &body); err != nil {
		return nil, fmt.Errorf("insights: %w", err)
	}

	events := make([]model.AttributionEvent, 0, len(body.Data))
	for _, row := range body.Data {
		eventTime, err := time.Parse("2006-01-02", row.DateStart)
		if err != nil {
			continue
		}
		var purchases int64
		for _, action := range row.Actions {
			if !strings.Contains(strings.ToLower(action.ActionType), "purchase") {
				continue
			}
			if n, err := ParseAmountMinor(action.Value); err == nil {
				purchases += n
			}
		}
		if purchases == 0 {
			continue
		}
		events = append(events, model.AttributionEvent{
			Platform:  model.PlatformMeta,
			EventName: "purchase",
			EventTime: eventTime,
			Source:    model.PlatformMeta,
			Medium:    "paid",
			Campaign:  row.CampaignName,
		})
	}

	return events, nil
}
