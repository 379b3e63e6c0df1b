package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/mmeshcher/revenue-system/internal/model"
)

// HotmartClient загружает историю продаж через Hotmart API.
// Токен получается по client credentials и обновляется при 401.
type HotmartClient struct {
	baseURL      string
	clientID     string
	clientSecret string
	client       *retryablehttp.Client
	logger       *zap.Logger

	mu    sync.Mutex
	token string
}

// NewHotmartClient создаёт адаптер Hotmart.
func NewHotmartClient(baseURL, clientID, clientSecret string, logger *zap.Logger) *HotmartClient {
	if baseURL == "" {
		baseURL = "https://api.hotmart.com"
	}
	return &HotmartClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       newRetryClient(),
		logger:       logger,
	}
}

// Name возвращает имя источника.
func (c *HotmartClient) Name() string { return model.SourceHotmart }

// Stream возвращает имя потока синхронизации.
func (c *HotmartClient) Stream() string { return "hotmart_tx" }

// Fetch загружает транзакции, изменённые после since, постранично
// по page_token.
func (c *HotmartClient) Fetch(ctx context.Context, since *time.Time) (*Batch, error) {
	batch := &Batch{}
	pageToken := ""

	for {
		q := url.Values{}
		q.Set("max_results", "100")
		if since != nil {
			q.Set("start_date", strconv.FormatInt(since.UnixMilli(), 10))
		}
		if pageToken != "" {
			q.Set("page_token", pageToken)
		}

		var page struct {
			Items    []map[string]any `json:"items"`
			PageInfo struct {
				NextPageToken string `json:"next_page_token"`
			} `json:"page_info"`
		}
		if err := c.get(ctx, "/payments/api/v1/sales/history?"+q.Encode(), &page); err != nil {
			return nil, fmt.Errorf("list sales: %w", err)
		}

		for _, item := range page.Items {
			batch.Transactions = append(batch.Transactions, RawRecord(item))
		}

		pageToken = page.PageInfo.NextPageToken
		if pageToken == "" || len(page.Items) == 0 {
			break
		}
	}

	return batch, nil
}

// get выполняет авторизованный запрос; при 401 токен сбрасывается
// и запрос повторяется один раз.
func (c *HotmartClient) get(ctx context.Context, path string, dst any) error {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.accessToken(ctx)
		if err != nil {
			return err
		}

		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("do request: %w", err)
		}

		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			c.mu.Lock()
			c.token = ""
			c.mu.Unlock()
			continue
		}

		return decodeJSON(resp, dst)
	}

	return fmt.Errorf("authorization failed after token refresh")
}

func (c *HotmartClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/security/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request token: %w", err)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := decodeJSON(resp, &body); err != nil {
		return "", fmt.Errorf("token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("empty access token")
	}

	c.token = body.AccessToken
	return c.token, nil
}
