package source

import (
	"errors"
	"testing"

	"github.com/mmeshcher/revenue-system/internal/model"
)

func TestExtractTransactionStripe(t *testing.T) {
	rec := RawRecord{
		"id":       "ch_123",
		"amount":   float64(1999),
		"currency": "usd",
		"status":   "succeeded",
		"created":  float64(1704456000),
		"customer": "cus_9",
		"billing_details": map[string]any{
			"email":   "Buyer@X.com",
			"address": map[string]any{"country": "de"},
		},
		"description": "Online course",
	}

	tx, err := ExtractTransaction(model.SourceStripe, rec)
	if err != nil {
		t.Fatalf("ExtractTransaction() error = %v", err)
	}

	if tx.TransactionID != "ch_123" {
		t.Errorf("TransactionID = %q", tx.TransactionID)
	}
	if tx.AmountMinor != 1999 {
		t.Errorf("AmountMinor = %d, want 1999", tx.AmountMinor)
	}
	if tx.Currency != "USD" {
		t.Errorf("Currency = %q, want USD", tx.Currency)
	}
	if tx.Email != "buyer@x.com" {
		t.Errorf("Email = %q, want lowercased", tx.Email)
	}
	if tx.Country != "DE" {
		t.Errorf("Country = %q, want DE", tx.Country)
	}
	if tx.CustomerID != "cus_9" {
		t.Errorf("CustomerID = %q", tx.CustomerID)
	}
	if tx.PaidAt == nil {
		t.Error("PaidAt is nil")
	}
}

func TestExtractTransactionHotmartMajorUnits(t *testing.T) {
	rec := RawRecord{
		"transaction":            "HP123",
		"value":                  149.90,
		"currency_code":          "brl",
		"status":                 "APPROVED",
		"buyer":                  map[string]any{"email": "aluno@x.com"},
		"product":                map[string]any{"id": float64(42), "name": "Curso"},
		"producer_net_value_eur": 24.50,
	}

	tx, err := ExtractTransaction(model.SourceHotmart, rec)
	if err != nil {
		t.Fatalf("ExtractTransaction() error = %v", err)
	}

	if tx.AmountMinor != 14990 {
		t.Errorf("AmountMinor = %d, want 14990", tx.AmountMinor)
	}
	if tx.NetEUR == nil || *tx.NetEUR != 24.50 {
		t.Errorf("NetEUR = %v, want 24.50", tx.NetEUR)
	}
	if tx.ProductID != "42" {
		t.Errorf("ProductID = %q, want 42", tx.ProductID)
	}
}

func TestExtractTransactionKajabiDiscount(t *testing.T) {
	// paid_in_cents отсутствует: из total вычитается скидка.
	rec := RawRecord{
		"purchase": map[string]any{
			"id": "77",
			"attributes": map[string]any{
				"total_in_cents":          float64(5000),
				"discount_total_in_cents": float64(1000),
				"currency":                "usd",
				"state":                   "completed",
			},
		},
		"customer": map[string]any{
			"attributes": map[string]any{"email": "member@x.com"},
		},
	}

	tx, err := ExtractTransaction(model.SourceKajabi, rec)
	if err != nil {
		t.Fatalf("ExtractTransaction() error = %v", err)
	}
	if tx.AmountMinor != 4000 {
		t.Errorf("AmountMinor = %d, want 4000", tx.AmountMinor)
	}

	// С paid_in_cents скидка уже учтена провайдером.
	rec["purchase"].(map[string]any)["attributes"].(map[string]any)["paid_in_cents"] = float64(4000)
	tx, err = ExtractTransaction(model.SourceKajabi, rec)
	if err != nil {
		t.Fatalf("ExtractTransaction() error = %v", err)
	}
	if tx.AmountMinor != 4000 {
		t.Errorf("AmountMinor with paid_in_cents = %d, want 4000", tx.AmountMinor)
	}
}

func TestExtractTransactionWithoutID(t *testing.T) {
	_, err := ExtractTransaction("test", RawRecord{"email": "a@x.com"})
	if !errors.Is(err, ErrNoTransactionID) {
		t.Fatalf("error = %v, want ErrNoTransactionID", err)
	}
}

func TestExtractRefundStripe(t *testing.T) {
	rec := RawRecord{
		"id":      "re_1",
		"charge":  "ch_123",
		"amount":  float64(500),
		"reason":  "requested_by_customer",
		"created": float64(1704456000),
	}

	rf, err := ExtractRefund(model.SourceStripe, rec)
	if err != nil {
		t.Fatalf("ExtractRefund() error = %v", err)
	}
	if rf.PaymentID != "ch_123" {
		t.Errorf("PaymentID = %q, want ch_123", rf.PaymentID)
	}
	if rf.AmountMinor != 500 {
		t.Errorf("AmountMinor = %d, want 500", rf.AmountMinor)
	}
	if rf.RefundedAt == nil {
		t.Error("RefundedAt is nil")
	}
}

func TestExtractSubscriptionStripe(t *testing.T) {
	rec := RawRecord{
		"id":                 "sub_1",
		"status":             "active",
		"customer":           "cus_9",
		"created":            float64(1704456000),
		"current_period_end": float64(1707134400),
		"items": map[string]any{
			"data": []any{
				map[string]any{
					"price": map[string]any{
						"currency":  "eur",
						"recurring": map[string]any{"interval": "month"},
					},
				},
			},
		},
	}

	sub, err := ExtractSubscription(model.SourceStripe, rec)
	if err != nil {
		t.Fatalf("ExtractSubscription() error = %v", err)
	}
	if sub.SubscriptionID != "sub_1" {
		t.Errorf("SubscriptionID = %q", sub.SubscriptionID)
	}
	if sub.Interval != "month" {
		t.Errorf("Interval = %q, want month", sub.Interval)
	}
	if sub.Currency != "EUR" {
		t.Errorf("Currency = %q, want EUR", sub.Currency)
	}
	if sub.NextChargeAt == nil {
		t.Error("NextChargeAt is nil")
	}
}
