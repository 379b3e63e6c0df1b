package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/mmeshcher/revenue-system/internal/model"
)

// GA4Client загружает события purchase из Google Analytics Data API.
// Доступ по OAuth refresh token (desktop app), как у остальной
// инфраструктуры Google в проекте.
type GA4Client struct {
	baseURL      string
	tokenURL     string
	propertyID   string
	clientID     string
	clientSecret string
	refreshToken string
	client       *retryablehttp.Client
	logger       *zap.Logger

	mu          sync.Mutex
	accessToken string
}

// NewGA4Client создаёт клиент GA4. Пустой baseURL означает боевой адрес API.
func NewGA4Client(baseURL, propertyID, clientID, clientSecret, refreshToken string, logger *zap.Logger) *GA4Client {
	tokenURL := "https://oauth2.googleapis.com/token"
	if baseURL == "" {
		baseURL = "https://analyticsdata.googleapis.com"
	} else {
		// Тестовый сервер обслуживает и обмен токена.
		tokenURL = strings.TrimRight(baseURL, "/") + "/token"
	}
	return &GA4Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		tokenURL:     tokenURL,
		propertyID:   propertyID,
		clientID:     clientID,
		clientSecret: clientSecret,
		refreshToken: refreshToken,
		client:       newRetryClient(),
		logger:       logger,
	}
}

// Platform возвращает имя платформы событий.
func (c *GA4Client) Platform() string { return model.PlatformGA4 }

// FetchPurchaseEvents возвращает события purchase за указанный диапазон дат,
// сегментированные по source/medium/campaign и идентификатору транзакции.
func (c *GA4Client) FetchPurchaseEvents(ctx context.Context, start, end time.Time) ([]model.AttributionEvent, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	reqBody := map[string]any{
		"dateRanges": []map[string]string{{
			"startDate": start.UTC().Format("2006-01-02"),
			"endDate":   end.UTC().Format("2006-01-02"),
		}},
		"dimensions": []map[string]string{
			{"name": "date"},
			{"name": "sessionSource"},
			{"name": "sessionMedium"},
			{"name": "sessionCampaignName"},
			{"name": "transactionId"},
		},
		"metrics": []map[string]string{{"name": "eventCount"}},
		"dimensionFilter": map[string]any{
			"filter": map[string]any{
				"fieldName":    "eventName",
				"stringFilter": map[string]string{"value": "purchase"},
			},
		},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal report request: %w", err)
	}

	reportURL := fmt.Sprintf("%s/v1beta/properties/%s:runReport", c.baseURL, c.propertyID)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, reportURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	var report struct {
		Rows []struct {
			DimensionValues []struct {
				Value string `json:"value"`
			} `json:"dimensionValues"`
		} `json:"rows"`
	}
	if err := decodeJSON(resp, &report); err != nil {
		return nil, fmt.Errorf("run report: %w", err)
	}

	events := make([]model.AttributionEvent, 0, len(report.Rows))
	for _, row := range report.Rows {
		if len(row.DimensionValues) < 5 {
			continue
		}
		eventTime, err := time.Parse("20060102", row.DimensionValues[0].Value)
		if err != nil {
			continue
		}
		txID := row.DimensionValues[4].Value
		if txID == "(not set)" {
			txID = ""
		}
		events = append(events, model.AttributionEvent{
			Platform:      model.PlatformGA4,
			EventName:     "purchase",
			EventTime:     eventTime,
			Source:        row.DimensionValues[1].Value,
			Medium:        row.DimensionValues[2].Value,
			Campaign:      row.DimensionValues[3].Value,
			TransactionID: txID,
		})
	}

	return events, nil
}

func (c *GA4Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" {
		return c.accessToken, nil
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("refresh_token", c.refreshToken)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
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

	c.accessToken = body.AccessToken
	return c.accessToken, nil
}
