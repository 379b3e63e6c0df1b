package fx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestToReportingIdentity(t *testing.T) {
	c, err := NewConverter("http://unused", "EUR", zap.NewNop())
	if err != nil {
		t.Fatalf("NewConverter() error = %v", err)
	}

	got := c.ToReporting(context.Background(), 1999, "EUR", time.Now())
	if got != 19.99 {
		t.Errorf("ToReporting(1999, EUR) = %v, want 19.99", got)
	}

	// Пустая валюта считается отчётной.
	got = c.ToReporting(context.Background(), 500, "", time.Now())
	if got != 5.00 {
		t.Errorf("ToReporting(500, \"\") = %v, want 5.00", got)
	}
}

func TestToReportingUsesTimeseries(t *testing.T) {
	asOf := time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/timeseries" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("base"); got != "USD" {
			t.Errorf("base = %q, want USD", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"rates": map[string]map[string]float64{
				"2024-01-05": {"EUR": 0.91},
			},
		})
	}))
	defer srv.Close()

	c, err := NewConverter(srv.URL, "EUR", zap.NewNop())
	if err != nil {
		t.Fatalf("NewConverter() error = %v", err)
	}

	got := c.ToReporting(context.Background(), 10000, "USD", asOf)
	if got != 91.00 {
		t.Errorf("ToReporting(10000, USD) = %v, want 91.00", got)
	}
}

func TestToReportingNearestPrecedingDay(t *testing.T) {
	// Суббота: серия содержит только пятницу.
	asOf := time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"rates": map[string]map[string]float64{
				"2024-01-05": {"EUR": 0.90},
			},
		})
	}))
	defer srv.Close()

	c, err := NewConverter(srv.URL, "EUR", zap.NewNop())
	if err != nil {
		t.Fatalf("NewConverter() error = %v", err)
	}

	got := c.ToReporting(context.Background(), 1000, "USD", asOf)
	if got != 9.00 {
		t.Errorf("ToReporting = %v, want 9.00", got)
	}
}

func TestToReportingFallbackRates(t *testing.T) {
	// 404 не ретраится и сразу переводит конвертер на резервную таблицу.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c, err := NewConverter(srv.URL, "EUR", zap.NewNop())
	if err != nil {
		t.Fatalf("NewConverter() error = %v", err)
	}

	// USD 0.93 из резервной таблицы, детерминированно между вызовами.
	first := c.ToReporting(context.Background(), 10000, "USD", time.Now())
	second := c.ToReporting(context.Background(), 10000, "USD", time.Now())
	if first != 93.00 || second != 93.00 {
		t.Errorf("fallback conversion = %v, %v, want 93.00 both times", first, second)
	}
}

func TestToReportingUnknownCurrencyIsZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c, err := NewConverter(srv.URL, "EUR", zap.NewNop())
	if err != nil {
		t.Fatalf("NewConverter() error = %v", err)
	}

	if got := c.ToReporting(context.Background(), 10000, "XXX", time.Now()); got != 0 {
		t.Errorf("ToReporting(XXX) = %v, want 0", got)
	}
}
