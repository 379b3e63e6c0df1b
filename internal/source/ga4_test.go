package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestGA4FetchPurchaseEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "ya29.test"})
		case "/v1beta/properties/123456:runReport":
			if got := r.Header.Get("Authorization"); got != "Bearer ya29.test" {
				t.Errorf("Authorization = %q", got)
			}

			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Fatalf("decode report request: %v", err)
			}
			if _, ok := body["dimensionFilter"]; !ok {
				t.Error("report request has no dimensionFilter")
			}

			_ = json.NewEncoder(w).Encode(map[string]any{
				"rows": []map[string]any{
					{
						"dimensionValues": []map[string]string{
							{"value": "20240105"},
							{"value": "google"},
							{"value": "cpc"},
							{"value": "brand"},
							{"value": "tx1"},
						},
					},
					{
						"dimensionValues": []map[string]string{
							{"value": "20240106"},
							{"value": "newsletter"},
							{"value": "email"},
							{"value": "weekly"},
							{"value": "(not set)"},
						},
					},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewGA4Client(srv.URL, "123456", "cid", "secret", "refresh", zap.NewNop())

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC)

	events, err := client.FetchPurchaseEvents(context.Background(), start, end)
	if err != nil {
		t.Fatalf("FetchPurchaseEvents() error = %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}

	first := events[0]
	if first.Source != "google" || first.Medium != "cpc" || first.Campaign != "brand" {
		t.Errorf("first event = %+v", first)
	}
	if first.TransactionID != "tx1" {
		t.Errorf("TransactionID = %q, want tx1", first.TransactionID)
	}
	if !first.EventTime.Equal(time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("EventTime = %v", first.EventTime)
	}

	if events[1].TransactionID != "" {
		t.Errorf("(not set) transaction id = %q, want empty", events[1].TransactionID)
	}
}
