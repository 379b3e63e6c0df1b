package source

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// newRetryClient создаёт HTTP-клиент с ограниченными повторами для временных
// сбоев: сетевых ошибок, 429 (с учётом Retry-After) и 5xx.
func newRetryClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 4
	c.RetryWaitMin = 1 * time.Second
	c.RetryWaitMax = 10 * time.Second
	c.HTTPClient.Timeout = 30 * time.Second
	c.Logger = nil
	return c
}

// decodeJSON читает тело ответа в dst и закрывает его.
func decodeJSON(resp *http.Response, dst any) error {
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}
