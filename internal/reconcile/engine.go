// Package reconcile реализует слияние сырых записей источников
// в каноническое хранилище по натуральным ключам.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/revenue-system/internal/model"
	"github.com/mmeshcher/revenue-system/internal/source"
)

// Store описывает контракт доступа к каноническому хранилищу,
// используемый движком. Методы Get* возвращают (nil, nil),
// если записи с указанным натуральным ключом нет.
type Store interface {
	GetIdentity(ctx context.Context, src, sourceID string) (*model.Identity, error)
	CreateIdentity(ctx context.Context, identity *model.Identity) (int64, error)

	GetOrder(ctx context.Context, src, sourceID string) (*model.Order, error)
	CreateOrder(ctx context.Context, order *model.Order) (int64, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status string) error

	GetProduct(ctx context.Context, src, sourceID string) (*model.Product, error)
	CreateProduct(ctx context.Context, product *model.Product) (int64, error)

	LineItemExists(ctx context.Context, orderID, productID int64) (bool, error)
	CreateLineItem(ctx context.Context, item *model.LineItem) error

	GetPayment(ctx context.Context, src, sourcePaymentID string) (*model.Payment, error)
	CreatePayment(ctx context.Context, payment *model.Payment) (int64, error)
	UpdatePayment(ctx context.Context, payment *model.Payment) error
	UpdatePaymentStatus(ctx context.Context, paymentID int64, status string) error
	LinkPaymentOrder(ctx context.Context, paymentID, orderID int64) error

	RefundExists(ctx context.Context, paymentID, amountMinor int64) (bool, error)
	CreateRefund(ctx context.Context, refund *model.Refund) error
	SumRefunds(ctx context.Context, paymentID int64) (int64, error)

	GetSubscription(ctx context.Context, src, sourceID string) (*model.Subscription, error)
	CreateSubscription(ctx context.Context, sub *model.Subscription) error
	UpdateSubscription(ctx context.Context, sub *model.Subscription) error
}

// Stats — счётчики одного вызова Merge.
type Stats struct {
	Detected int
	Inserted int
	Updated  int
	Skipped  int

	// Latest — самая поздняя наблюдаемая отметка оплаты в пакете;
	// драйвер использует её для продвижения курсора.
	Latest *time.Time
}

// Engine — движок сверки. В режиме insert-only существующие платежи
// не трогаются; в режиме upsert изменяемые поля обновляются
// непустыми входящими значениями.
type Engine struct {
	store     Store
	reporting string
	upsert    bool
	logger    *zap.Logger
}

// NewEngine создаёт движок сверки.
func NewEngine(store Store, reporting string, upsert bool, logger *zap.Logger) *Engine {
	if reporting == "" {
		reporting = "EUR"
	}
	return &Engine{
		store:     store,
		reporting: reporting,
		upsert:    upsert,
		logger:    logger,
	}
}

// batchCache хранит разрешённые натуральные ключи на время одного пакета,
// чтобы не перечитывать хранилище. Сбрасывается вместе с пакетом.
type batchCache struct {
	identities map[string]int64
	orders     map[string]int64
	products   map[string]int64
}

func newBatchCache() *batchCache {
	return &batchCache{
		identities: make(map[string]int64),
		orders:     make(map[string]int64),
		products:   make(map[string]int64),
	}
}

// Merge применяет пакет записей источника к хранилищу. Неразборчивая
// запись пропускается, не прерывая пакет; ошибка хранилища прерывает
// слияние, и курсор потока в этом цикле не продвигается.
func (e *Engine) Merge(ctx context.Context, src string, batch *source.Batch) (*Stats, error) {
	stats := &Stats{}
	cache := newBatchCache()

	for _, rec := range batch.Transactions {
		stats.Detected++
		if err := e.mergeTransaction(ctx, src, cache, rec, stats); err != nil {
			return stats, fmt.Errorf("merge transaction: %w", err)
		}
	}

	for _, rec := range batch.Refunds {
		if err := e.mergeRefund(ctx, src, rec, stats); err != nil {
			return stats, fmt.Errorf("merge refund: %w", err)
		}
	}

	for _, rec := range batch.Subscriptions {
		if err := e.mergeSubscription(ctx, src, cache, rec, stats); err != nil {
			return stats, fmt.Errorf("merge subscription: %w", err)
		}
	}

	return stats, nil
}

func (e *Engine) mergeTransaction(ctx context.Context, src string, cache *batchCache, rec source.RawRecord, stats *Stats) error {
	tx, err := source.ExtractTransaction(src, rec)
	if err != nil {
		e.logger.Warn("skipping malformed record",
			zap.String("source", src), zap.Error(err))
		stats.Skipped++
		return nil
	}

	if tx.Currency == "" {
		e.logger.Warn("record without currency, assuming reporting currency",
			zap.String("source", src), zap.String("transaction", tx.TransactionID))
		tx.Currency = e.reporting
	}

	status := NormalizeStatus(tx.Status)

	identityID, err := e.resolveIdentity(ctx, cache, src, tx.CustomerID, tx.Email, tx.Country)
	if err != nil {
		return err
	}

	orderID, err := e.resolveOrder(ctx, cache, src, tx.TransactionID, identityID, status)
	if err != nil {
		return err
	}

	if err := e.resolveLineItem(ctx, cache, src, orderID, tx); err != nil {
		return err
	}

	payment, err := e.store.GetPayment(ctx, src, tx.TransactionID)
	if err != nil {
		return err
	}

	if payment == nil {
		payment = &model.Payment{
			OrderID:         &orderID,
			Source:          src,
			SourcePaymentID: tx.TransactionID,
			Status:          status,
			AmountMinor:     tx.AmountMinor,
			Currency:        tx.Currency,
			AmountEUR:       tx.GrossEUR,
			NetEUR:          tx.NetEUR,
			PaidAt:          tx.PaidAt,
			Raw:             rawJSON(rec),
		}
		applyNetOverride(payment, tx, e.reporting)

		id, err := e.store.CreatePayment(ctx, payment)
		if err != nil {
			return err
		}
		payment.ID = id
		stats.Inserted++
	} else {
		if e.upsert {
			if e.refreshPayment(payment, tx, status, rec) {
				if err := e.store.UpdatePayment(ctx, payment); err != nil {
					return err
				}
				stats.Updated++
			}
		}
		// Привязку платежа к заказу восстанавливаем и в режиме insert-only.
		if payment.OrderID == nil {
			if err := e.store.LinkPaymentOrder(ctx, payment.ID, orderID); err != nil {
				return err
			}
			payment.OrderID = &orderID
		}
	}

	if tx.RefundMinor > 0 {
		if err := e.applyRefund(ctx, payment, tx.RefundMinor, tx.Currency, tx.RefundReason, tx.PaidAt); err != nil {
			return err
		}
	}

	if tx.PaidAt != nil && (stats.Latest == nil || tx.PaidAt.After(*stats.Latest)) {
		stats.Latest = tx.PaidAt
	}

	return nil
}

// refreshPayment переносит непустые входящие значения в изменяемые поля
// платежа и сообщает, изменилось ли хоть одно из них.
func (e *Engine) refreshPayment(payment *model.Payment, tx *source.Transaction, status string, rec source.RawRecord) bool {
	changed := false

	if status != "" && payment.Status != status {
		payment.Status = status
		changed = true
	}
	if tx.PaidAt != nil && (payment.PaidAt == nil || !payment.PaidAt.Equal(*tx.PaidAt)) {
		payment.PaidAt = tx.PaidAt
		changed = true
	}
	if tx.AmountMinor != 0 && payment.AmountMinor != tx.AmountMinor {
		payment.AmountMinor = tx.AmountMinor
		changed = true
	}
	if tx.Currency != "" && payment.Currency != tx.Currency {
		payment.Currency = tx.Currency
		changed = true
	}
	if tx.GrossEUR != nil && !floatEqual(payment.AmountEUR, tx.GrossEUR) {
		payment.AmountEUR = tx.GrossEUR
		changed = true
	}
	if tx.NetEUR != nil && !floatEqual(payment.NetEUR, tx.NetEUR) {
		payment.NetEUR = tx.NetEUR
		changed = true
	}
	if changed {
		applyNetOverride(payment, tx, e.reporting)
		// Сырой payload сохраняем для аудита при любом изменении.
		payment.Raw = rawJSON(rec)
	}

	return changed
}

// applyNetOverride применяет приоритет суммы «нетто получателю»:
// когда источник отдаёт нетто в отчётной валюте, оно замещает
// учёт в исходной валюте.
func applyNetOverride(payment *model.Payment, tx *source.Transaction, reporting string) {
	if tx.NetEUR == nil {
		return
	}
	payment.NetEUR = tx.NetEUR
	if payment.AmountEUR == nil {
		payment.AmountEUR = tx.NetEUR
	}
	minor := int64(*tx.NetEUR*100 + 0.5)
	payment.AmountMinor = minor
	payment.Currency = reporting
}

func (e *Engine) applyRefund(ctx context.Context, payment *model.Payment, amountMinor int64, currency, reason string, refundedAt *time.Time) error {
	exists, err := e.store.RefundExists(ctx, payment.ID, amountMinor)
	if err != nil {
		return err
	}
	if !exists {
		if err := e.store.CreateRefund(ctx, &model.Refund{
			PaymentID:   payment.ID,
			AmountMinor: amountMinor,
			Currency:    currency,
			Reason:      reason,
			RefundedAt:  refundedAt,
		}); err != nil {
			return err
		}
	}

	total, err := e.store.SumRefunds(ctx, payment.ID)
	if err != nil {
		return err
	}
	if total >= payment.AmountMinor && payment.Status != model.PaymentStatusRefunded {
		if err := e.store.UpdatePaymentStatus(ctx, payment.ID, model.PaymentStatusRefunded); err != nil {
			return err
		}
		payment.Status = model.PaymentStatusRefunded
	}

	return nil
}

func (e *Engine) mergeRefund(ctx context.Context, src string, rec source.RawRecord, stats *Stats) error {
	rf, err := source.ExtractRefund(src, rec)
	if err != nil {
		e.logger.Warn("skipping malformed refund record",
			zap.String("source", src), zap.Error(err))
		stats.Skipped++
		return nil
	}

	payment, err := e.store.GetPayment(ctx, src, rf.PaymentID)
	if err != nil {
		return err
	}
	if payment == nil {
		// Платёж ещё не синхронизирован; возврат подберёт следующий цикл.
		return nil
	}

	currency := rf.Currency
	if currency == "" {
		currency = payment.Currency
	}

	if err := e.applyRefund(ctx, payment, rf.AmountMinor, currency, rf.Reason, rf.RefundedAt); err != nil {
		return err
	}

	if rf.RefundedAt != nil && (stats.Latest == nil || rf.RefundedAt.After(*stats.Latest)) {
		stats.Latest = rf.RefundedAt
	}

	return nil
}

func (e *Engine) mergeSubscription(ctx context.Context, src string, cache *batchCache, rec source.RawRecord, stats *Stats) error {
	in, err := source.ExtractSubscription(src, rec)
	if err != nil {
		e.logger.Warn("skipping malformed subscription record",
			zap.String("source", src), zap.Error(err))
		stats.Skipped++
		return nil
	}

	identityID, err := e.resolveIdentity(ctx, cache, src, in.CustomerID, in.Email, "")
	if err != nil {
		return err
	}

	sub, err := e.store.GetSubscription(ctx, src, in.SubscriptionID)
	if err != nil {
		return err
	}

	if sub == nil {
		createdAt := time.Now().UTC()
		if in.CreatedAt != nil {
			createdAt = *in.CreatedAt
		}
		if err := e.store.CreateSubscription(ctx, &model.Subscription{
			Source:       src,
			SourceID:     in.SubscriptionID,
			IdentityID:   identityID,
			Status:       in.Status,
			Interval:     in.Interval,
			AmountMinor:  in.AmountMinor,
			Currency:     in.Currency,
			TrialEndsAt:  in.TrialEndsAt,
			CanceledAt:   in.CanceledAt,
			NextChargeAt: in.NextChargeAt,
			CreatedAt:    createdAt,
		}); err != nil {
			return err
		}
		stats.Inserted++
		return nil
	}

	changed := false
	if identityID != nil && (sub.IdentityID == nil || *sub.IdentityID != *identityID) {
		sub.IdentityID = identityID
		changed = true
	}
	if in.Status != "" && sub.Status != in.Status {
		sub.Status = in.Status
		changed = true
	}
	if in.Interval != "" && sub.Interval != in.Interval {
		sub.Interval = in.Interval
		changed = true
	}
	if in.AmountMinor != 0 && sub.AmountMinor != in.AmountMinor {
		sub.AmountMinor = in.AmountMinor
		changed = true
	}
	if in.Currency != "" && sub.Currency != in.Currency {
		sub.Currency = in.Currency
		changed = true
	}
	if in.CanceledAt != nil && (sub.CanceledAt == nil || !sub.CanceledAt.Equal(*in.CanceledAt)) {
		sub.CanceledAt = in.CanceledAt
		changed = true
	}
	if in.NextChargeAt != nil && (sub.NextChargeAt == nil || !sub.NextChargeAt.Equal(*in.NextChargeAt)) {
		sub.NextChargeAt = in.NextChargeAt
		changed = true
	}
	if in.TrialEndsAt != nil && (sub.TrialEndsAt == nil || !sub.TrialEndsAt.Equal(*in.TrialEndsAt)) {
		sub.TrialEndsAt = in.TrialEndsAt
		changed = true
	}

	if changed {
		if err := e.store.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		stats.Updated++
	}

	return nil
}

// resolveIdentity находит или создаёт идентичность по натуральному
// идентификатору клиента либо по email. Запись без того и другого
// остаётся сиротой.
func (e *Engine) resolveIdentity(ctx context.Context, cache *batchCache, src, customerID, email, country string) (*int64, error) {
	key := customerID
	if key == "" {
		key = email
	}
	if key == "" {
		return nil, nil
	}

	cacheKey := src + "\x00" + key
	if id, ok := cache.identities[cacheKey]; ok {
		return &id, nil
	}

	identity, err := e.store.GetIdentity(ctx, src, key)
	if err != nil {
		return nil, err
	}

	var id int64
	if identity != nil {
		id = identity.ID
	} else {
		id, err = e.store.CreateIdentity(ctx, &model.Identity{
			Source:   src,
			SourceID: key,
			Email:    email,
			Country:  country,
		})
		if err != nil {
			return nil, err
		}
	}

	cache.identities[cacheKey] = id
	return &id, nil
}

func (e *Engine) resolveOrder(ctx context.Context, cache *batchCache, src, sourceID string, identityID *int64, status string) (int64, error) {
	cacheKey := src + "\x00" + sourceID
	if id, ok := cache.orders[cacheKey]; ok {
		return id, nil
	}

	order, err := e.store.GetOrder(ctx, src, sourceID)
	if err != nil {
		return 0, err
	}

	var id int64
	if order != nil {
		id = order.ID
		if status != "" && order.Status != status {
			if err := e.store.UpdateOrderStatus(ctx, id, status); err != nil {
				return 0, err
			}
		}
	} else {
		id, err = e.store.CreateOrder(ctx, &model.Order{
			Source:     src,
			SourceID:   sourceID,
			IdentityID: identityID,
			Status:     status,
		})
		if err != nil {
			return 0, err
		}
	}

	cache.orders[cacheKey] = id
	return id, nil
}

func (e *Engine) resolveLineItem(ctx context.Context, cache *batchCache, src string, orderID int64, tx *source.Transaction) error {
	if tx.ProductID == "" && tx.ProductName == "" {
		return nil
	}

	productSID := tx.ProductID
	if productSID == "" {
		productSID = tx.ProductName
	}

	cacheKey := src + "\x00" + productSID
	productID, ok := cache.products[cacheKey]
	if !ok {
		product, err := e.store.GetProduct(ctx, src, productSID)
		if err != nil {
			return err
		}
		if product != nil {
			productID = product.ID
		} else {
			name := tx.ProductName
			if name == "" {
				name = productSID
			}
			productID, err = e.store.CreateProduct(ctx, &model.Product{
				Source:   src,
				SourceID: productSID,
				Name:     name,
			})
			if err != nil {
				return err
			}
		}
		cache.products[cacheKey] = productID
	}

	exists, err := e.store.LineItemExists(ctx, orderID, productID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	return e.store.CreateLineItem(ctx, &model.LineItem{
		OrderID:        orderID,
		ProductID:      &productID,
		Quantity:       1,
		UnitPriceMinor: tx.AmountMinor,
		Currency:       tx.Currency,
	})
}

func rawJSON(rec source.RawRecord) []byte {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil
	}
	return b
}

func floatEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
