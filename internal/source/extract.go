package source

import (
	"fmt"
	"strings"
	"time"

	"github.com/mmeshcher/revenue-system/internal/model"
)

// FieldMap задаёт упорядоченные списки путей-кандидатов по каждому
// смысловому атрибуту записи. Первый найденный кандидат выигрывает —
// так переименования полей у провайдера не ломают синхронизацию.
type FieldMap struct {
	TransactionID []string
	CustomerID    []string
	Email         []string
	Country       []string
	Status        []string
	Currency      []string
	AmountMinor   []string
	AmountMajor   []string
	DiscountMinor []string
	GrossEUR      []string
	NetEUR        []string
	PaidAt        []string
	ProductID     []string
	ProductName   []string
	RefundMinor   []string
	RefundReason  []string

	// Поля отдельных записей возвратов (Stripe-подобные источники).
	RefundPaymentID []string
	RefundedAt      []string

	// Поля записей подписок.
	SubscriptionID []string
	Interval       []string
	TrialEndsAt    []string
	CanceledAt     []string
	NextChargeAt   []string
	CreatedAt      []string
}

var fieldMaps = map[string]FieldMap{
	model.SourceStripe: {
		TransactionID:   []string{"id"},
		CustomerID:      []string{"customer.id", "customer"},
		Email:           []string{"billing_details.email", "receipt_email", "customer.email", "email"},
		Country:         []string{"billing_details.address.country"},
		Status:          []string{"status"},
		Currency:        []string{"currency", "items.data.0.price.currency", "items.data.0.plan.currency"},
		AmountMinor:     []string{"amount", "amount_captured"},
		NetEUR:          []string{"balance_transaction.net_eur"},
		PaidAt:          []string{"created"},
		ProductID:       []string{"price.product", "plan.product"},
		ProductName:     []string{"description"},
		RefundPaymentID: []string{"charge", "payment_intent"},
		RefundMinor:     []string{"amount"},
		RefundReason:    []string{"reason"},
		RefundedAt:      []string{"created"},
		SubscriptionID:  []string{"id"},
		Interval:        []string{"items.data.0.price.recurring.interval", "items.data.0.plan.interval", "plan.interval"},
		TrialEndsAt:     []string{"trial_end"},
		CanceledAt:      []string{"canceled_at"},
		NextChargeAt:    []string{"current_period_end"},
		CreatedAt:       []string{"created"},
	},
	model.SourceHotmart: {
		TransactionID: []string{"transaction", "purchase.transaction", "id", "purchase.id"},
		Email:         []string{"buyer.email", "customer.email", "customer_email", "email"},
		Country:       []string{"buyer.address.country", "buyer.country"},
		Status:        []string{"status", "transaction_status", "purchase.status"},
		Currency:      []string{"currency", "currency_code", "purchase.currency_code", "price.currency_code"},
		AmountMajor:   []string{"value", "amount", "price.value", "purchase.amount"},
		GrossEUR:      []string{"gross_value_eur"},
		NetEUR:        []string{"producer_net_value_eur", "net_value_eur"},
		PaidAt: []string{
			"approved_date", "purchase_date", "date_created",
			"approvedDate", "purchaseDate", "creationDate", "approved_at",
		},
		ProductID:   []string{"product.id"},
		ProductName: []string{"product.name"},
		RefundMinor: []string{"refund_value"},
	},
	model.SourceKajabi: {
		TransactionID: []string{"purchase.id", "id"},
		Email:         []string{"customer.attributes.email", "email"},
		Status: []string{
			"purchase.attributes.state", "purchase.attributes.status",
			"purchase.attributes.payment_status", "purchase.attributes.payment_state",
			"subscription.attributes.state", "subscription.attributes.status",
		},
		Currency: []string{"purchase.attributes.currency", "subscription.attributes.currency"},
		AmountMinor: []string{
			"purchase.attributes.paid_in_cents",
			"subscription.attributes.price_in_cents",
			"subscription.attributes.amount_in_cents",
			"purchase.attributes.grand_total_in_cents",
			"purchase.attributes.total_in_cents",
			"purchase.attributes.amount_in_cents",
			"purchase.attributes.price_in_cents",
			"purchase.attributes.subtotal_in_cents",
		},
		DiscountMinor: []string{
			"purchase.attributes.discount_total_in_cents",
			"purchase.attributes.coupon_total_in_cents",
			"purchase.attributes.discount_in_cents",
		},
		PaidAt:      []string{"purchase.attributes.effective_start_at", "purchase.attributes.created_at"},
		ProductID:   []string{"offer.id"},
		ProductName: []string{"offer.attributes.title", "offer.attributes.internal_title"},
		RefundMinor: []string{
			"purchase.attributes.refund_total_in_cents",
			"purchase.attributes.refunded_total_in_cents",
			"purchase.attributes.refunded_in_cents",
		},
		RefundReason:   []string{"purchase.attributes.refund_reason"},
		SubscriptionID: []string{"subscription.id", "id"},
		Interval: []string{
			"subscription.attributes.interval",
			"subscription.attributes.billing_interval",
		},
		TrialEndsAt:  []string{"subscription.attributes.trial_ends_at", "subscription.attributes.trial_end_at"},
		CanceledAt:   []string{"subscription.attributes.canceled_at", "subscription.attributes.canceled_on"},
		NextChargeAt: []string{"subscription.attributes.next_payment_at", "subscription.attributes.next_charge_at"},
		CreatedAt:    []string{"subscription.attributes.created_at"},
	},
}

// genericMap применяется к источникам без собственной карты полей.
var genericMap = FieldMap{
	TransactionID:   []string{"transaction_id", "transaction", "id"},
	CustomerID:      []string{"customer_id", "customer"},
	Email:           []string{"email", "customer_email"},
	Country:         []string{"country"},
	Status:          []string{"status", "state"},
	Currency:        []string{"currency", "currency_code"},
	AmountMinor:     []string{"amount_minor", "amount_in_cents", "amount"},
	AmountMajor:     []string{"value"},
	NetEUR:          []string{"net_eur"},
	PaidAt:          []string{"paid_at", "created_at", "created"},
	ProductID:       []string{"product_id"},
	ProductName:     []string{"product_name"},
	RefundMinor:     []string{"refund_minor", "refund_in_cents"},
	RefundReason:    []string{"refund_reason"},
	RefundPaymentID: []string{"payment_id", "charge"},
	RefundedAt:      []string{"refunded_at", "created"},
	SubscriptionID:  []string{"subscription_id", "id"},
	Interval:        []string{"interval"},
	TrialEndsAt:     []string{"trial_ends_at"},
	CanceledAt:      []string{"canceled_at"},
	NextChargeAt:    []string{"next_charge_at"},
	CreatedAt:       []string{"created_at"},
}

// MapFor возвращает карту полей для источника.
func MapFor(src string) FieldMap {
	if m, ok := fieldMaps[src]; ok {
		return m
	}
	return genericMap
}

// Transaction — извлечённая транзакция источника.
type Transaction struct {
	TransactionID string
	CustomerID    string
	Email         string
	Country       string
	Status        string
	Currency      string
	AmountMinor   int64
	GrossEUR      *float64
	NetEUR        *float64
	PaidAt        *time.Time
	ProductID     string
	ProductName   string
	RefundMinor   int64
	RefundReason  string
	Raw           RawRecord
}

// RefundRecord — отдельная запись возврата (в Stripe возвраты приходят
// собственным списком, а не внутри транзакции).
type RefundRecord struct {
	PaymentID   string
	AmountMinor int64
	Currency    string
	Reason      string
	RefundedAt  *time.Time
}

// SubscriptionRecord — извлечённая запись подписки.
type SubscriptionRecord struct {
	SubscriptionID string
	CustomerID     string
	Email          string
	Status         string
	Interval       string
	AmountMinor    int64
	Currency       string
	TrialEndsAt    *time.Time
	CanceledAt     *time.Time
	NextChargeAt   *time.Time
	CreatedAt      *time.Time
}

// ErrNoTransactionID возвращается для записей без распознаваемого
// идентификатора транзакции.
var ErrNoTransactionID = fmt.Errorf("record has no transaction id")

// ExtractTransaction извлекает транзакцию из сырой записи по карте полей
// источника. Запись без идентификатора транзакции не обрабатывается.
func ExtractTransaction(src string, rec RawRecord) (*Transaction, error) {
	m := MapFor(src)

	tx := &Transaction{Raw: rec}

	tx.TransactionID = rec.StringField(m.TransactionID...)
	if tx.TransactionID == "" {
		return nil, ErrNoTransactionID
	}

	tx.CustomerID = rec.StringField(m.CustomerID...)
	tx.Email = strings.ToLower(rec.StringField(m.Email...))
	tx.Country = strings.ToUpper(rec.StringField(m.Country...))
	tx.Status = rec.StringField(m.Status...)
	tx.Currency = strings.ToUpper(rec.StringField(m.Currency...))
	tx.PaidAt = rec.TimeField(m.PaidAt...)
	tx.ProductID = rec.StringField(m.ProductID...)
	tx.ProductName = rec.StringField(m.ProductName...)
	tx.RefundReason = rec.StringField(m.RefundReason...)

	amount, err := extractAmount(rec, m)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", tx.TransactionID, err)
	}
	tx.AmountMinor = amount

	if v, ok := rec.First(m.RefundMinor...); ok {
		if minor, err := ParseAmountMinor(v); err == nil && minor > 0 {
			tx.RefundMinor = minor
		}
	}

	tx.GrossEUR = floatField(rec, m.GrossEUR)
	tx.NetEUR = floatField(rec, m.NetEUR)

	return tx, nil
}

// extractAmount выбирает сумму: минорные кандидаты имеют приоритет,
// затем основные единицы; скидка вычитается, если провайдер не отдаёт
// уже оплаченную сумму первым кандидатом.
func extractAmount(rec RawRecord, m FieldMap) (int64, error) {
	if v, ok := rec.First(m.AmountMinor...); ok {
		minor, err := ParseAmountMinor(v)
		if err != nil {
			return 0, fmt.Errorf("parse amount: %w", err)
		}
		if dv, ok := rec.First(m.DiscountMinor...); ok {
			// Скидка учитывается только когда paid_in_cents отсутствует:
			// первый кандидат в списке — уже чистая оплаченная сумма.
			if _, paid := rec.First(m.AmountMinor[0]); !paid {
				if discount, derr := ParseAmountMinor(dv); derr == nil && discount > 0 {
					minor -= discount
					if minor < 0 {
						minor = 0
					}
				}
			}
		}
		return minor, nil
	}
	if v, ok := rec.First(m.AmountMajor...); ok {
		minor, err := ParseAmountMajor(v)
		if err != nil {
			return 0, fmt.Errorf("parse amount: %w", err)
		}
		return minor, nil
	}
	return 0, nil
}

// ExtractRefund извлекает отдельную запись возврата.
func ExtractRefund(src string, rec RawRecord) (*RefundRecord, error) {
	m := MapFor(src)

	rf := &RefundRecord{}
	rf.PaymentID = rec.StringField(m.RefundPaymentID...)
	if rf.PaymentID == "" {
		return nil, fmt.Errorf("refund has no payment reference")
	}

	if v, ok := rec.First(m.RefundMinor...); ok {
		minor, err := ParseAmountMinor(v)
		if err != nil {
			return nil, fmt.Errorf("refund for %s: parse amount: %w", rf.PaymentID, err)
		}
		rf.AmountMinor = minor
	}

	rf.Currency = strings.ToUpper(rec.StringField(m.Currency...))
	rf.Reason = rec.StringField(m.RefundReason...)
	rf.RefundedAt = rec.TimeField(m.RefundedAt...)

	return rf, nil
}

// ExtractSubscription извлекает запись подписки.
func ExtractSubscription(src string, rec RawRecord) (*SubscriptionRecord, error) {
	m := MapFor(src)

	sub := &SubscriptionRecord{}
	sub.SubscriptionID = rec.StringField(m.SubscriptionID...)
	if sub.SubscriptionID == "" {
		return nil, fmt.Errorf("subscription has no id")
	}

	sub.CustomerID = rec.StringField(m.CustomerID...)
	sub.Email = strings.ToLower(rec.StringField(m.Email...))
	sub.Status = strings.ToLower(rec.StringField(m.Status...))
	sub.Interval = strings.ToLower(rec.StringField(m.Interval...))
	sub.Currency = strings.ToUpper(rec.StringField(m.Currency...))

	amountPaths := append(append([]string{}, m.AmountMinor...), "items.data.0.price.unit_amount", "items.data.0.plan.amount")
	if v, ok := rec.First(amountPaths...); ok {
		if minor, err := ParseAmountMinor(v); err == nil {
			sub.AmountMinor = minor
		}
	}

	sub.TrialEndsAt = rec.TimeField(m.TrialEndsAt...)
	sub.CanceledAt = rec.TimeField(m.CanceledAt...)
	sub.NextChargeAt = rec.TimeField(m.NextChargeAt...)
	sub.CreatedAt = rec.TimeField(m.CreatedAt...)

	return sub, nil
}

func floatField(rec RawRecord, paths []string) *float64 {
	if len(paths) == 0 {
		return nil
	}
	v, ok := rec.First(paths...)
	if !ok {
		return nil
	}
	d, err := parseDecimal(v)
	if err != nil {
		return nil
	}
	f, _ := d.Float64()
	return &f
}
