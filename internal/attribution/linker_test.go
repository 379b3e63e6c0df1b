package attribution

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/revenue-system/internal/model"
)

type stubStore struct {
	payments []model.Payment
	byTx     map[string]*model.AttributionEvent
	latest   *model.AttributionEvent
	links    []model.AttributionLink
}

func (s *stubStore) UnlinkedSettledPayments(_ context.Context, _ time.Time) ([]model.Payment, error) {
	return s.payments, nil
}

func (s *stubStore) LatestEventByTransaction(_ context.Context, _, transactionID string) (*model.AttributionEvent, error) {
	return s.byTx[transactionID], nil
}

func (s *stubStore) LatestEventBetween(_ context.Context, _, _ time.Time) (*model.AttributionEvent, error) {
	return s.latest, nil
}

func (s *stubStore) CreateAttributionLink(_ context.Context, link *model.AttributionLink) error {
	s.links = append(s.links, *link)
	return nil
}

func paidAt(t time.Time) *time.Time { return &t }

func TestLinkExactMatchWins(t *testing.T) {
	now := time.Now().UTC()

	store := &stubStore{
		payments: []model.Payment{
			{ID: 7, Source: model.SourceStripe, SourcePaymentID: "ch_1", PaidAt: paidAt(now.Add(-time.Hour))},
		},
		byTx: map[string]*model.AttributionEvent{
			"ch_1": {Source: "google", Medium: "cpc", Campaign: "brand", TransactionID: "ch_1"},
		},
		latest: &model.AttributionEvent{Source: "newsletter", Medium: "email", Campaign: "weekly"},
	}

	linker := NewLinker(store, zap.NewNop())

	created, err := linker.Link(context.Background(), 72*time.Hour)
	if err != nil {
		t.Fatalf("Link() error = %v", err)
	}
	if created != 1 {
		t.Fatalf("created = %d, want 1", created)
	}

	link := store.links[0]
	if link.PaymentID != 7 {
		t.Errorf("PaymentID = %d, want 7", link.PaymentID)
	}
	if link.Source != "google" || link.Campaign != "brand" {
		t.Errorf("linked to %s/%s, want exact match google/brand", link.Source, link.Campaign)
	}
	if link.Weight != 1.0 {
		t.Errorf("Weight = %v, want 1.0", link.Weight)
	}
}

func TestLinkLastTouchFallback(t *testing.T) {
	now := time.Now().UTC()

	store := &stubStore{
		payments: []model.Payment{
			{ID: 3, Source: model.SourceHotmart, SourcePaymentID: "HP999", PaidAt: paidAt(now.Add(-2 * time.Hour))},
		},
		byTx:   map[string]*model.AttributionEvent{},
		latest: &model.AttributionEvent{Source: "facebook", Medium: "paid_social", Campaign: "launch"},
	}

	linker := NewLinker(store, zap.NewNop())

	created, err := linker.Link(context.Background(), 72*time.Hour)
	if err != nil {
		t.Fatalf("Link() error = %v", err)
	}
	if created != 1 {
		t.Fatalf("created = %d, want 1", created)
	}
	if store.links[0].Source != "facebook" {
		t.Errorf("Source = %s, want facebook", store.links[0].Source)
	}
}

func TestLinkNoCandidateLeavesPaymentUnlinked(t *testing.T) {
	now := time.Now().UTC()

	store := &stubStore{
		payments: []model.Payment{
			{ID: 5, Source: model.SourceKajabi, SourcePaymentID: "42", PaidAt: paidAt(now.Add(-time.Hour))},
		},
		byTx: map[string]*model.AttributionEvent{},
	}

	linker := NewLinker(store, zap.NewNop())

	created, err := linker.Link(context.Background(), 72*time.Hour)
	if err != nil {
		t.Fatalf("Link() error = %v", err)
	}
	if created != 0 {
		t.Fatalf("created = %d, want 0", created)
	}
	if len(store.links) != 0 {
		t.Fatalf("links = %d, want none", len(store.links))
	}
}
