// Package ltv пересчитывает накопленную чистую выручку клиентов.
package ltv

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/revenue-system/internal/model"
)

// PaymentRow — платёж с агрегированной суммой возвратов, как его
// отдаёт хранилище для пересчёта LTV.
type PaymentRow struct {
	Email            string
	Source           string
	AmountMinor      int64
	Currency         string
	AmountEUR        *float64
	NetEUR           *float64
	RefundedMinor    int64
	PaidAt           *time.Time
	LatestRefundedAt *time.Time
}

// Store описывает контракт доступа к данным для агрегатора.
type Store interface {
	// SettledPayments возвращает завершённые и возвращённые платежи
	// источника вместе с суммами возвратов.
	SettledPayments(ctx context.Context, source string) ([]PaymentRow, error)

	// UpsertLTV перезаписывает значение для пары (email, source).
	UpsertLTV(ctx context.Context, record *model.LTVRecord) error
}

// Converter переводит суммы в отчётную валюту.
type Converter interface {
	ToReporting(ctx context.Context, amountMinor int64, currency string, asOf time.Time) float64
}

// Stats — итог одного пересчёта.
type Stats struct {
	Sources   int
	Customers int
	Written   int
}

// Aggregator выполняет полный пересчёт LTV по источникам.
type Aggregator struct {
	store     Store
	converter Converter
	logger    *zap.Logger
}

// NewAggregator создаёт агрегатор LTV.
func NewAggregator(store Store, converter Converter, logger *zap.Logger) *Aggregator {
	return &Aggregator{store: store, converter: converter, logger: logger}
}

// Recompute пересчитывает LTV для перечисленных источников. Каждая пара
// (email, source) считается с нуля по всем платежам; инкрементальных
// правок нет. Платежи без почты пропускаются.
func (a *Aggregator) Recompute(ctx context.Context, sources []string) (Stats, error) {
	stats := Stats{}

	for _, source := range sources {
		rows, err := a.store.SettledPayments(ctx, source)
		if err != nil {
			return stats, err
		}

		totals := make(map[string]float64)
		for _, row := range rows {
			if row.Email == "" {
				continue
			}
			totals[row.Email] += a.netValue(ctx, row)
		}

		for email, total := range totals {
			if err := a.store.UpsertLTV(ctx, &model.LTVRecord{
				Email:  email,
				Source: source,
				LTVEUR: total,
			}); err != nil {
				return stats, err
			}
			stats.Written++
		}

		stats.Sources++
		stats.Customers += len(totals)

		a.logger.Info("ltv recomputed",
			zap.String("source", source), zap.Int("customers", len(totals)))
	}

	return stats, nil
}

// netValue возвращает вклад платежа в EUR за вычетом возвратов.
// Предрассчитанное чистое значение источника точнее конверсии брутто,
// поэтому имеет приоритет. Вклад не бывает отрицательным: переплаченный
// возврат обнуляет платёж, но не затрагивает остальные платежи клиента.
func (a *Aggregator) netValue(ctx context.Context, row PaymentRow) float64 {
	paidAt := time.Now().UTC()
	if row.PaidAt != nil {
		paidAt = *row.PaidAt
	}

	var gross float64
	switch {
	case row.NetEUR != nil:
		gross = *row.NetEUR
	case row.AmountEUR != nil:
		gross = *row.AmountEUR
	default:
		gross = a.converter.ToReporting(ctx, row.AmountMinor, row.Currency, paidAt)
	}

	if row.RefundedMinor <= 0 {
		return gross
	}

	refundAt := paidAt
	if row.LatestRefundedAt != nil {
		refundAt = *row.LatestRefundedAt
	}
	net := gross - a.converter.ToReporting(ctx, row.RefundedMinor, row.Currency, refundAt)
	if net < 0 {
		return 0
	}
	return net
}
