// Package fx выполняет нормализацию денежных сумм в отчётную валюту.
//
// Конвертация никогда не возвращает ошибку: при недоступной дневной серии
// курсов используется резервная таблица, при отсутствии валюты в таблице —
// ноль. Отчётность должна оставаться доступной даже без данных FX.
package fx

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed rates.yaml
var fallbackYAML []byte

const dayFormat = "2006-01-02"

// Окно дневной серии, запрашиваемое одним обращением к API.
const seriesWindowDays = 14

// Converter конвертирует суммы в минорных единицах произвольной валюты
// в основную единицу отчётной валюты.
type Converter struct {
	reporting string
	baseURL   string
	client    *retryablehttp.Client
	logger    *zap.Logger
	fallback  map[string]float64

	mu    sync.Mutex
	cache map[string]map[string]float64 // валюта -> день -> курс
}

// NewConverter создаёт конвертер. Пустой baseURL означает боевой адрес
// API курсов; reporting по умолчанию EUR.
func NewConverter(baseURL, reporting string, logger *zap.Logger) (*Converter, error) {
	if baseURL == "" {
		baseURL = "https://api.exchangerate.host"
	}
	if reporting == "" {
		reporting = "EUR"
	}

	fallback := make(map[string]float64)
	if err := yaml.Unmarshal(fallbackYAML, &fallback); err != nil {
		return nil, fmt.Errorf("parse fallback rates: %w", err)
	}

	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.RetryWaitMin = time.Second
	c.RetryWaitMax = 5 * time.Second
	c.HTTPClient.Timeout = 15 * time.Second
	c.Logger = nil

	return &Converter{
		reporting: strings.ToUpper(reporting),
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    c,
		logger:    logger,
		fallback:  fallback,
		cache:     make(map[string]map[string]float64),
	}, nil
}

// Reporting возвращает код отчётной валюты.
func (c *Converter) Reporting() string { return c.reporting }

// ToReporting переводит сумму в минорных единицах указанной валюты
// в основную единицу отчётной валюты на заданную дату.
func (c *Converter) ToReporting(ctx context.Context, amountMinor int64, currency string, asOf time.Time) float64 {
	cur := strings.ToUpper(strings.TrimSpace(currency))
	if cur == "" {
		cur = c.reporting
	}
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	major := decimal.NewFromInt(amountMinor).Shift(-2)
	if cur == c.reporting {
		f, _ := major.Float64()
		return f
	}

	rate := c.rate(ctx, cur, asOf)
	f, _ := major.Mul(decimal.NewFromFloat(rate)).Round(4).Float64()
	return f
}

// rate возвращает дневной курс валюты к отчётной. Порядок деградации:
// кэш, дневная серия API, ближайший предшествующий день серии,
// резервная таблица, ноль.
func (c *Converter) rate(ctx context.Context, currency string, asOf time.Time) float64 {
	day := asOf.UTC().Format(dayFormat)

	c.mu.Lock()
	if days, ok := c.cache[currency]; ok {
		if r, ok := days[day]; ok {
			c.mu.Unlock()
			return r
		}
	}
	c.mu.Unlock()

	rate, ok := c.lookupSeries(ctx, currency, asOf)
	if !ok {
		rate, ok = c.fallback[currency]
		if !ok {
			c.logger.Warn("no fallback rate for currency, amount degrades to zero",
				zap.String("currency", currency))
			rate = 0
		}
	}

	c.mu.Lock()
	if c.cache[currency] == nil {
		c.cache[currency] = make(map[string]float64)
	}
	c.cache[currency][day] = rate
	c.mu.Unlock()

	return rate
}

func (c *Converter) lookupSeries(ctx context.Context, currency string, asOf time.Time) (float64, bool) {
	series, err := c.fetchTimeseries(ctx, currency, asOf.AddDate(0, 0, -seriesWindowDays), asOf)
	if err != nil {
		c.logger.Warn("fx timeseries unavailable, using fallback rate",
			zap.String("currency", currency), zap.Error(err))
		return 0, false
	}

	day := asOf.UTC().Format(dayFormat)
	if r, ok := series[day]; ok {
		return r, true
	}

	// Выходные и праздники: берём ближайший предшествующий день серии.
	best := ""
	for d := range series {
		if d <= day && d > best {
			best = d
		}
	}
	if best != "" {
		return series[best], true
	}

	return 0, false
}

func (c *Converter) fetchTimeseries(ctx context.Context, currency string, start, end time.Time) (map[string]float64, error) {
	q := url.Values{}
	q.Set("start_date", start.UTC().Format(dayFormat))
	q.Set("end_date", end.UTC().Format(dayFormat))
	q.Set("base", currency)
	q.Set("symbols", c.reporting)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/timeseries?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var body struct {
		Rates map[string]map[string]float64 `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	series := make(map[string]float64, len(body.Rates))
	for d, symbols := range body.Rates {
		if r, ok := symbols[c.reporting]; ok && r > 0 {
			series[d] = r
		}
	}
	if len(series) == 0 {
		return nil, fmt.Errorf("empty rate series")
	}

	return series, nil
}
