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

func TestStripeFetchPagination(t *testing.T) {
	var chargeRequests []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test" {
			t.Errorf("Authorization = %q", got)
		}

		switch r.URL.Path {
		case "/v1/charges":
			chargeRequests = append(chargeRequests, r.URL.Query().Get("starting_after"))

			if r.URL.Query().Get("starting_after") == "" {
				_ = json.NewEncoder(w).Encode(map[string]any{
					"data":     []map[string]any{{"id": "ch_1"}, {"id": "ch_2"}},
					"has_more": true,
				})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data":     []map[string]any{{"id": "ch_3"}},
				"has_more": false,
			})
		case "/v1/refunds", "/v1/subscriptions":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data":     []map[string]any{},
				"has_more": false,
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewStripeClient(srv.URL, "sk_test", zap.NewNop())

	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	batch, err := client.Fetch(context.Background(), &since)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if len(batch.Transactions) != 3 {
		t.Fatalf("transactions = %d, want 3", len(batch.Transactions))
	}
	if got := batch.Transactions[2].StringField("id"); got != "ch_3" {
		t.Errorf("last id = %q, want ch_3", got)
	}

	if len(chargeRequests) != 2 {
		t.Fatalf("charge requests = %d, want 2", len(chargeRequests))
	}
	if chargeRequests[1] != "ch_2" {
		t.Errorf("second page starting_after = %q, want ch_2", chargeRequests[1])
	}
}

func TestStripeFetchPassesSince(t *testing.T) {
	var created string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/charges" {
			created = r.URL.Query().Get("created[gte]")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data":     []map[string]any{},
			"has_more": false,
		})
	}))
	defer srv.Close()

	client := NewStripeClient(srv.URL, "sk_test", zap.NewNop())

	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := client.Fetch(context.Background(), &since); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if created != "1704067200" {
		t.Errorf("created[gte] = %q, want 1704067200", created)
	}
}
