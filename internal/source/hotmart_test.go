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

func TestHotmartFetchRefreshesTokenOn401(t *testing.T) {
	tokenRequests := 0
	salesRequests := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/security/oauth/token":
			tokenRequests++
			if err := r.ParseForm(); err != nil {
				t.Fatalf("parse form: %v", err)
			}
			if got := r.PostForm.Get("grant_type"); got != "client_credentials" {
				t.Errorf("grant_type = %q", got)
			}
			_ = json.NewEncoder(w).Encode(map[string]string{
				"access_token": "tok-" + string(rune('0'+tokenRequests)),
			})
		case "/payments/api/v1/sales/history":
			salesRequests++
			// Первый токен считаем просроченным.
			if salesRequests == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"items": []map[string]any{
					{"transaction": "HP1", "value": 99.90, "currency_code": "BRL"},
				},
				"page_info": map[string]any{"next_page_token": ""},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewHotmartClient(srv.URL, "cid", "secret", zap.NewNop())

	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	batch, err := client.Fetch(context.Background(), &since)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if len(batch.Transactions) != 1 {
		t.Fatalf("transactions = %d, want 1", len(batch.Transactions))
	}
	if tokenRequests != 2 {
		t.Errorf("token requests = %d, want 2", tokenRequests)
	}
}

func TestHotmartFetchPagesByToken(t *testing.T) {
	var pageTokens []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/security/oauth/token":
			_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok"})
		case "/payments/api/v1/sales/history":
			token := r.URL.Query().Get("page_token")
			pageTokens = append(pageTokens, token)

			next := ""
			if token == "" {
				next = "page-2"
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"items": []map[string]any{
					{"transaction": "HP-" + token},
				},
				"page_info": map[string]any{"next_page_token": next},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewHotmartClient(srv.URL, "cid", "secret", zap.NewNop())

	batch, err := client.Fetch(context.Background(), nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if len(batch.Transactions) != 2 {
		t.Fatalf("transactions = %d, want 2", len(batch.Transactions))
	}
	if len(pageTokens) != 2 || pageTokens[1] != "page-2" {
		t.Errorf("page tokens = %v, want second page-2", pageTokens)
	}
}
