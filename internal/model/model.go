// Package model содержит канонические сущности сервиса сверки выручки.
package model

import "time"

// Источники коммерческих данных, с которыми работает сервис.
const (
	SourceStripe  = "stripe"
	SourceHotmart = "hotmart"
	SourceKajabi  = "kajabi"
)

// Платформы маркетинговых событий.
const (
	// PlatformGA4 — платформа аналитики, события которой считаются
	// авторитетными при точном совпадении по идентификатору транзакции.
	PlatformGA4 = "ga4"
	// PlatformMeta — рекламный кабинет Meta; агрегированные покупки по дням
	// участвуют только в last-touch.
	PlatformMeta = "meta"
)

// Нормализованный словарь статусов платежа.
const (
	PaymentStatusCompleted = "completed"
	PaymentStatusPending   = "pending"
	PaymentStatusRefunded  = "refunded"
	PaymentStatusCancelled = "cancelled"
	PaymentStatusFailed    = "failed"
)

// Identity представляет клиента в рамках одного источника.
// Идентичности между источниками не объединяются.
type Identity struct {
	ID        int64
	Source    string
	SourceID  string
	Email     string
	Country   string
	CreatedAt time.Time
}

// Order — логический контейнер, связывающий клиента и позиции покупки.
type Order struct {
	ID         int64
	Source     string
	SourceID   string
	IdentityID *int64
	Status     string
	CreatedAt  time.Time
}

// Product — запись каталога, создаваемая при первом упоминании в записи источника.
type Product struct {
	ID       int64
	Source   string
	SourceID string
	Name     string
}

// LineItem — позиция заказа с ценой в исходной валюте.
type LineItem struct {
	ID             int64
	OrderID        int64
	ProductID      *int64
	Quantity       int
	UnitPriceMinor int64
	Currency       string
}

// Payment — единица сверки. Уникален по паре (source, source_payment_id).
type Payment struct {
	ID              int64
	OrderID         *int64
	Source          string
	SourcePaymentID string
	Status          string
	AmountMinor     int64
	Currency        string
	AmountEUR       *float64
	NetEUR          *float64
	PaidAt          *time.Time
	Raw             []byte
}

// Refund — возврат по платежу в исходной валюте.
type Refund struct {
	ID          int64
	PaymentID   int64
	AmountMinor int64
	Currency    string
	Reason      string
	RefundedAt  *time.Time
}

// Subscription описывает подписку источника.
type Subscription struct {
	ID           int64
	Source       string
	SourceID     string
	IdentityID   *int64
	Status       string
	Interval     string
	AmountMinor  int64
	Currency     string
	TrialEndsAt  *time.Time
	CanceledAt   *time.Time
	NextChargeAt *time.Time
	CreatedAt    time.Time
}

// AttributionEvent — наблюдаемое маркетинговое касание. Только добавляется,
// никогда не обновляется.
type AttributionEvent struct {
	ID            int64
	Platform      string
	EventName     string
	EventTime     time.Time
	Source        string
	Medium        string
	Campaign      string
	Term          string
	Content       string
	GCLID         string
	FBCLID        string
	TransactionID string
	Email         string
}

// AttributionLink фиксирует касание, признанное причиной платежа.
// Не более одной связи на платёж; вес всегда полный.
type AttributionLink struct {
	ID        int64
	PaymentID int64
	Source    string
	Medium    string
	Campaign  string
	Term      string
	Content   string
	GCLID     string
	FBCLID    string
	Weight    float64
	CreatedAt time.Time
}

// LTVRecord — накопленная чистая выручка по паре (email, source) в EUR.
type LTVRecord struct {
	Email     string    `json:"email"`
	Source    string    `json:"source"`
	LTVEUR    float64   `json:"ltv_eur"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Lead — лид из вебхука Kajabi с метками кампаний.
type Lead struct {
	Email       string
	CreatedAt   time.Time
	UTMSource   string
	UTMMedium   string
	UTMCampaign string
	UTMContent  string
	GCLID       string
	FBCLID      string
	Platform    string
	CampaignID  string
}

// StreamResult — итог обработки одного потока за цикл.
type StreamResult struct {
	Stream    string     `json:"stream"`
	Detected  int        `json:"detected"`
	Inserted  int        `json:"inserted"`
	Updated   int        `json:"updated"`
	Skipped   int        `json:"skipped"`
	Watermark *time.Time `json:"watermark,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// CycleSummary — сводка одного цикла синхронизации.
type CycleSummary struct {
	RunID         string         `json:"run_id"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
	Streams       []StreamResult `json:"streams"`
	EventsFetched int            `json:"events_fetched"`
	LinksCreated  int            `json:"links_created"`
	LTVSources    int            `json:"ltv_sources"`
	LTVCustomers  int            `json:"ltv_customers"`
	LTVWritten    int            `json:"ltv_written"`
}

// CursorState — текущее значение курсора потока.
type CursorState struct {
	Stream    string    `json:"stream"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
