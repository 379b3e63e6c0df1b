// Package attribution связывает завершённые платежи с маркетинговыми
// касаниями по модели last-touch.
package attribution

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/revenue-system/internal/model"
)

// Store описывает контракт доступа к данным, используемый линковщиком.
type Store interface {
	// UnlinkedSettledPayments возвращает платежи с непустой отметкой оплаты
	// не раньше cutoff, у которых ещё нет связи атрибуции.
	UnlinkedSettledPayments(ctx context.Context, cutoff time.Time) ([]model.Payment, error)

	// LatestEventByTransaction возвращает самое позднее событие платформы
	// с указанной ссылкой на транзакцию; (nil, nil), если событий нет.
	LatestEventByTransaction(ctx context.Context, platform, transactionID string) (*model.AttributionEvent, error)

	// LatestEventBetween возвращает самое позднее событие в интервале
	// [from, to]; (nil, nil), если событий нет.
	LatestEventBetween(ctx context.Context, from, to time.Time) (*model.AttributionEvent, error)

	CreateAttributionLink(ctx context.Context, link *model.AttributionLink) error
}

// Linker создаёт связи атрибуции для платежей без связи.
type Linker struct {
	store  Store
	logger *zap.Logger
}

// NewLinker создаёт линковщик атрибуции.
func NewLinker(store Store, logger *zap.Logger) *Linker {
	return &Linker{store: store, logger: logger}
}

// Link обрабатывает платежи, оплаченные в пределах окна lookback.
// Точное совпадение по идентификатору транзакции авторитетно и
// исключает откат к выбору по времени. Платёж без кандидата остаётся
// без связи и будет рассмотрен в следующем цикле.
func (l *Linker) Link(ctx context.Context, lookback time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-lookback)

	payments, err := l.store.UnlinkedSettledPayments(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, payment := range payments {
		event, err := l.store.LatestEventByTransaction(ctx, model.PlatformGA4, payment.SourcePaymentID)
		if err != nil {
			return created, err
		}

		if event == nil {
			paidAt := *payment.PaidAt
			event, err = l.store.LatestEventBetween(ctx, paidAt.Add(-lookback), paidAt)
			if err != nil {
				return created, err
			}
		}

		if event == nil {
			continue
		}

		if err := l.store.CreateAttributionLink(ctx, &model.AttributionLink{
			PaymentID: payment.ID,
			Source:    event.Source,
			Medium:    event.Medium,
			Campaign:  event.Campaign,
			Term:      event.Term,
			Content:   event.Content,
			GCLID:     event.GCLID,
			FBCLID:    event.FBCLID,
			Weight:    1.0,
		}); err != nil {
			return created, err
		}
		created++
	}

	l.logger.Info("attribution pass finished",
		zap.Int("payments", len(payments)), zap.Int("links_created", created))

	return created, nil
}
