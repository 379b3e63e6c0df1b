// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/revenue-system/internal/ltv"
	"github.com/mmeshcher/revenue-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при временных сбоях: сериализационные
// конфликты, дедлоки и обрывы соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(_ context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if isTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
			return true
		}
	}
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// GetIdentity возвращает идентичность по натуральному ключу; (nil, nil), если её нет.
func (r *PostgresRepository) GetIdentity(ctx context.Context, src, sourceID string) (*model.Identity, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, source, source_id, email, country, created_at
		 FROM identities
		 WHERE source = $1 AND source_id = $2`,
		src, sourceID,
	)

	var i model.Identity
	err := row.Scan(&i.ID, &i.Source, &i.SourceID, &i.Email, &i.Country, &i.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get identity: %w", err)
	}

	return &i, nil
}

// CreateIdentity создаёт идентичность. При гонке с параллельной вставкой
// возвращает идентификатор уже существующей записи.
func (r *PostgresRepository) CreateIdentity(ctx context.Context, identity *model.Identity) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO identities (source, source_id, email, country)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (source, source_id) DO UPDATE SET email = EXCLUDED.email
		 RETURNING id`,
		identity.Source, identity.SourceID, identity.Email, identity.Country,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create identity: %w", err)
	}
	return id, nil
}

// GetOrder возвращает заказ по натуральному ключу; (nil, nil), если его нет.
func (r *PostgresRepository) GetOrder(ctx context.Context, src, sourceID string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, source, source_id, identity_id, status, created_at
		 FROM orders
		 WHERE source = $1 AND source_id = $2`,
		src, sourceID,
	)

	var o model.Order
	err := row.Scan(&o.ID, &o.Source, &o.SourceID, &o.IdentityID, &o.Status, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	return &o, nil
}

// CreateOrder создаёт заказ.
func (r *PostgresRepository) CreateOrder(ctx context.Context, order *model.Order) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO orders (source, source_id, identity_id, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		order.Source, order.SourceID, order.IdentityID, order.Status,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create order: %w", err)
	}
	return id, nil
}

// UpdateOrderStatus обновляет статус заказа.
func (r *PostgresRepository) UpdateOrderStatus(ctx context.Context, orderID int64, status string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE orders SET status = $2 WHERE id = $1`,
		orderID, status,
	)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	return nil
}

// GetProduct возвращает продукт по натуральному ключу; (nil, nil), если его нет.
func (r *PostgresRepository) GetProduct(ctx context.Context, src, sourceID string) (*model.Product, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, source, source_id, name FROM products WHERE source = $1 AND source_id = $2`,
		src, sourceID,
	)

	var p model.Product
	err := row.Scan(&p.ID, &p.Source, &p.SourceID, &p.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	return &p, nil
}

// CreateProduct создаёт продукт.
func (r *PostgresRepository) CreateProduct(ctx context.Context, product *model.Product) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO products (source, source_id, name)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (source, source_id) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id`,
		product.Source, product.SourceID, product.Name,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create product: %w", err)
	}
	return id, nil
}

// LineItemExists сообщает, есть ли позиция продукта в заказе.
func (r *PostgresRepository) LineItemExists(ctx context.Context, orderID, productID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM line_items WHERE order_id = $1 AND product_id = $2)`,
		orderID, productID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("line item exists: %w", err)
	}
	return exists, nil
}

// CreateLineItem создаёт позицию заказа.
func (r *PostgresRepository) CreateLineItem(ctx context.Context, item *model.LineItem) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO line_items (order_id, product_id, quantity, unit_price_minor, currency)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (order_id, product_id) DO NOTHING`,
		item.OrderID, item.ProductID, item.Quantity, item.UnitPriceMinor, item.Currency,
	)
	if err != nil {
		return fmt.Errorf("create line item: %w", err)
	}
	return nil
}

// GetPayment возвращает платёж по натуральному ключу; (nil, nil), если его нет.
func (r *PostgresRepository) GetPayment(ctx context.Context, src, sourcePaymentID string) (*model.Payment, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, order_id, source, source_payment_id, status, amount_minor, currency,
		        amount_eur, net_eur, paid_at, raw
		 FROM payments
		 WHERE source = $1 AND source_payment_id = $2`,
		src, sourcePaymentID,
	)

	var p model.Payment
	err := row.Scan(&p.ID, &p.OrderID, &p.Source, &p.SourcePaymentID, &p.Status,
		&p.AmountMinor, &p.Currency, &p.AmountEUR, &p.NetEUR, &p.PaidAt, &p.Raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}

	return &p, nil
}

// CreatePayment создаёт платёж.
func (r *PostgresRepository) CreatePayment(ctx context.Context, payment *model.Payment) (int64, error) {
	var id int64
	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`INSERT INTO payments (order_id, source, source_payment_id, status, amount_minor,
			                       currency, amount_eur, net_eur, paid_at, raw)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 RETURNING id`,
			payment.OrderID, payment.Source, payment.SourcePaymentID, payment.Status,
			payment.AmountMinor, payment.Currency, payment.AmountEUR, payment.NetEUR,
			payment.PaidAt, payment.Raw,
		).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("create payment: %w", err)
	}
	return id, nil
}

// UpdatePayment перезаписывает изменяемые поля платежа.
func (r *PostgresRepository) UpdatePayment(ctx context.Context, payment *model.Payment) error {
	err := r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`UPDATE payments
			 SET status = $2, amount_minor = $3, currency = $4, amount_eur = $5,
			     net_eur = $6, paid_at = $7, raw = $8
			 WHERE id = $1`,
			payment.ID, payment.Status, payment.AmountMinor, payment.Currency,
			payment.AmountEUR, payment.NetEUR, payment.PaidAt, payment.Raw,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	return nil
}

// UpdatePaymentStatus обновляет статус платежа.
func (r *PostgresRepository) UpdatePaymentStatus(ctx context.Context, paymentID int64, status string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE payments SET status = $2 WHERE id = $1`,
		paymentID, status,
	)
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	return nil
}

// LinkPaymentOrder привязывает платёж к заказу.
func (r *PostgresRepository) LinkPaymentOrder(ctx context.Context, paymentID, orderID int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE payments SET order_id = $2 WHERE id = $1 AND order_id IS NULL`,
		paymentID, orderID,
	)
	if err != nil {
		return fmt.Errorf("link payment order: %w", err)
	}
	return nil
}

// RefundExists сообщает, записан ли уже возврат этой суммы по платежу.
func (r *PostgresRepository) RefundExists(ctx context.Context, paymentID, amountMinor int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM refunds WHERE payment_id = $1 AND amount_minor = $2)`,
		paymentID, amountMinor,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("refund exists: %w", err)
	}
	return exists, nil
}

// CreateRefund создаёт запись возврата.
func (r *PostgresRepository) CreateRefund(ctx context.Context, refund *model.Refund) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO refunds (payment_id, amount_minor, currency, reason, refunded_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		refund.PaymentID, refund.AmountMinor, refund.Currency, refund.Reason, refund.RefundedAt,
	)
	if err != nil {
		return fmt.Errorf("create refund: %w", err)
	}
	return nil
}

// SumRefunds возвращает сумму возвратов по платежу в минорных единицах.
func (r *PostgresRepository) SumRefunds(ctx context.Context, paymentID int64) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_minor), 0) FROM refunds WHERE payment_id = $1`,
		paymentID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum refunds: %w", err)
	}
	return total, nil
}

// GetSubscription возвращает подписку по натуральному ключу; (nil, nil), если её нет.
func (r *PostgresRepository) GetSubscription(ctx context.Context, src, sourceID string) (*model.Subscription, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, source, source_id, identity_id, status, interval_unit, amount_minor,
		        currency, trial_ends_at, canceled_at, next_charge_at, created_at
		 FROM subscriptions
		 WHERE source = $1 AND source_id = $2`,
		src, sourceID,
	)

	var s model.Subscription
	err := row.Scan(&s.ID, &s.Source, &s.SourceID, &s.IdentityID, &s.Status, &s.Interval,
		&s.AmountMinor, &s.Currency, &s.TrialEndsAt, &s.CanceledAt, &s.NextChargeAt, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}

	return &s, nil
}

// CreateSubscription создаёт подписку.
func (r *PostgresRepository) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO subscriptions (source, source_id, identity_id, status, interval_unit,
		                            amount_minor, currency, trial_ends_at, canceled_at,
		                            next_charge_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (source, source_id) DO NOTHING`,
		sub.Source, sub.SourceID, sub.IdentityID, sub.Status, sub.Interval,
		sub.AmountMinor, sub.Currency, sub.TrialEndsAt, sub.CanceledAt,
		sub.NextChargeAt, sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

// UpdateSubscription перезаписывает изменяемые поля подписки.
func (r *PostgresRepository) UpdateSubscription(ctx context.Context, sub *model.Subscription) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE subscriptions
		 SET identity_id = $2, status = $3, interval_unit = $4, amount_minor = $5,
		     currency = $6, trial_ends_at = $7, canceled_at = $8, next_charge_at = $9
		 WHERE id = $1`,
		sub.ID, sub.IdentityID, sub.Status, sub.Interval, sub.AmountMinor,
		sub.Currency, sub.TrialEndsAt, sub.CanceledAt, sub.NextChargeAt,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return nil
}

// ReadCursor возвращает значение курсора потока по самой свежей записи;
// (nil, nil), если курсора ещё нет. Дубликаты строк курсора допустимы.
func (r *PostgresRepository) ReadCursor(ctx context.Context, stream string) (*time.Time, error) {
	var value time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT value FROM sync_cursors WHERE stream = $1 ORDER BY id DESC LIMIT 1`,
		stream,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cursor: %w", err)
	}
	return &value, nil
}

// AdvanceCursor записывает новое значение курсора потока отдельной строкой.
func (r *PostgresRepository) AdvanceCursor(ctx context.Context, stream string, value time.Time) error {
	err := r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO sync_cursors (stream, value) VALUES ($1, $2)`,
			stream, value,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

// CompactCursors удаляет все строки курсоров, кроме самой свежей на поток.
// Возвращает число удалённых строк.
func (r *PostgresRepository) CompactCursors(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM sync_cursors c
		 WHERE c.id <> (SELECT MAX(id) FROM sync_cursors WHERE stream = c.stream)`,
	)
	if err != nil {
		return 0, fmt.Errorf("compact cursors: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CursorStates возвращает актуальное значение курсора каждого потока.
func (r *PostgresRepository) CursorStates(ctx context.Context) ([]model.CursorState, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT ON (stream) stream, value, created_at
		 FROM sync_cursors
		 ORDER BY stream, id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("select cursor states: %w", err)
	}
	defer rows.Close()

	var states []model.CursorState
	for rows.Next() {
		var (
			s     model.CursorState
			value time.Time
		)
		if err := rows.Scan(&s.Stream, &value, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan cursor state: %w", err)
		}
		s.Value = value.UTC().Format(time.RFC3339)
		states = append(states, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return states, nil
}

// InsertAttributionEvents добавляет события касаний, пропуская уже
// записанные. Возвращает число вставленных строк.
func (r *PostgresRepository) InsertAttributionEvents(ctx context.Context, events []model.AttributionEvent) (int, error) {
	seen := make(map[string]struct{}, len(events))
	inserted := 0

	for _, ev := range events {
		k := ev.Platform + "|" + ev.EventTime.UTC().Format(time.RFC3339) + "|" +
			ev.TransactionID + "|" + ev.Source + "|" + ev.Campaign
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}

		var tag pgconn.CommandTag
		err := r.withRetry(ctx, func() error {
			var err error
			tag, err = r.pool.Exec(ctx,
				`INSERT INTO attribution_events
				     (platform, event_name, event_time, source, medium, campaign,
				      term, content, gclid, fbclid, transaction_id, email)
				 SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
				 WHERE NOT EXISTS (
				     SELECT 1 FROM attribution_events
				     WHERE platform = $1 AND event_time = $3 AND transaction_id = $11
				       AND source = $4 AND campaign = $6
				 )`,
				ev.Platform, ev.EventName, ev.EventTime, ev.Source, ev.Medium, ev.Campaign,
				ev.Term, ev.Content, ev.GCLID, ev.FBCLID, ev.TransactionID, ev.Email,
			)
			return err
		})
		if err != nil {
			return inserted, fmt.Errorf("insert attribution event: %w", err)
		}
		if tag.RowsAffected() == 1 {
			inserted++
		}
	}

	return inserted, nil
}

// UnlinkedSettledPayments возвращает оплаченные платежи без связи атрибуции
// с отметкой оплаты не раньше cutoff.
func (r *PostgresRepository) UnlinkedSettledPayments(ctx context.Context, cutoff time.Time) ([]model.Payment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT p.id, p.order_id, p.source, p.source_payment_id, p.status,
		        p.amount_minor, p.currency, p.amount_eur, p.net_eur, p.paid_at
		 FROM payments p
		 WHERE p.paid_at IS NOT NULL
		   AND p.paid_at >= $1
		   AND p.status IN ($2, $3)
		   AND NOT EXISTS (SELECT 1 FROM attribution_links l WHERE l.payment_id = p.id)
		 ORDER BY p.paid_at`,
		cutoff, model.PaymentStatusCompleted, model.PaymentStatusRefunded,
	)
	if err != nil {
		return nil, fmt.Errorf("select unlinked payments: %w", err)
	}
	defer rows.Close()

	var payments []model.Payment
	for rows.Next() {
		var p model.Payment
		if err := rows.Scan(&p.ID, &p.OrderID, &p.Source, &p.SourcePaymentID, &p.Status,
			&p.AmountMinor, &p.Currency, &p.AmountEUR, &p.NetEUR, &p.PaidAt); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return payments, nil
}

// LatestEventByTransaction возвращает самое позднее событие платформы
// с указанной ссылкой на транзакцию; (nil, nil), если событий нет.
func (r *PostgresRepository) LatestEventByTransaction(ctx context.Context, platform, transactionID string) (*model.AttributionEvent, error) {
	if transactionID == "" {
		return nil, nil
	}

	row := r.pool.QueryRow(ctx,
		`SELECT id, platform, event_name, event_time, source, medium, campaign,
		        term, content, gclid, fbclid, transaction_id, email
		 FROM attribution_events
		 WHERE platform = $1 AND transaction_id = $2
		 ORDER BY event_time DESC
		 LIMIT 1`,
		platform, transactionID,
	)

	return scanEvent(row)
}

// LatestEventBetween возвращает самое позднее событие в интервале [from, to];
// (nil, nil), если событий нет.
func (r *PostgresRepository) LatestEventBetween(ctx context.Context, from, to time.Time) (*model.AttributionEvent, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, platform, event_name, event_time, source, medium, campaign,
		        term, content, gclid, fbclid, transaction_id, email
		 FROM attribution_events
		 WHERE event_time BETWEEN $1 AND $2
		 ORDER BY event_time DESC
		 LIMIT 1`,
		from, to,
	)

	return scanEvent(row)
}

func scanEvent(row pgx.Row) (*model.AttributionEvent, error) {
	var ev model.AttributionEvent
	err := row.Scan(&ev.ID, &ev.Platform, &ev.EventName, &ev.EventTime, &ev.Source,
		&ev.Medium, &ev.Campaign, &ev.Term, &ev.Content, &ev.GCLID, &ev.FBCLID,
		&ev.TransactionID, &ev.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan attribution event: %w", err)
	}
	return &ev, nil
}

// CreateAttributionLink создаёт связь атрибуции. Повторная связь того же
// платежа игнорируется.
func (r *PostgresRepository) CreateAttributionLink(ctx context.Context, link *model.AttributionLink) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO attribution_links
		     (payment_id, source, medium, campaign, term, content, gclid, fbclid, weight)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (payment_id) DO NOTHING`,
		link.PaymentID, link.Source, link.Medium, link.Campaign, link.Term,
		link.Content, link.GCLID, link.FBCLID, link.Weight,
	)
	if err != nil {
		return fmt.Errorf("create attribution link: %w", err)
	}
	return nil
}

// SettledPayments возвращает платежи источника с агрегированными возвратами
// для пересчёта LTV. Почта берётся из идентичности заказа.
func (r *PostgresRepository) SettledPayments(ctx context.Context, src string) ([]ltv.PaymentRow, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT i.email, p.source, p.amount_minor, p.currency, p.amount_eur, p.net_eur,
		        COALESCE(rf.total, 0), p.paid_at, rf.latest_at
		 FROM payments p
		 JOIN orders o ON o.id = p.order_id
		 JOIN identities i ON i.id = o.identity_id
		 LEFT JOIN (
		     SELECT payment_id, SUM(amount_minor) AS total, MAX(refunded_at) AS latest_at
		     FROM refunds
		     GROUP BY payment_id
		 ) rf ON rf.payment_id = p.id
		 WHERE p.source = $1 AND p.status IN ($2, $3) AND i.email <> ''`,
		src, model.PaymentStatusCompleted, model.PaymentStatusRefunded,
	)
	if err != nil {
		return nil, fmt.Errorf("select settled payments: %w", err)
	}
	defer rows.Close()

	var res []ltv.PaymentRow
	for rows.Next() {
		var row ltv.PaymentRow
		if err := rows.Scan(&row.Email, &row.Source, &row.AmountMinor, &row.Currency,
			&row.AmountEUR, &row.NetEUR, &row.RefundedMinor, &row.PaidAt, &row.LatestRefundedAt); err != nil {
			return nil, fmt.Errorf("scan settled payment: %w", err)
		}
		res = append(res, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpsertLTV перезаписывает накопленное значение для пары (email, source).
func (r *PostgresRepository) UpsertLTV(ctx context.Context, record *model.LTVRecord) error {
	err := r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO customer_ltv (email, source, ltv_eur, updated_at)
			 VALUES ($1, $2, $3, now())
			 ON CONFLICT (email, source)
			 DO UPDATE SET ltv_eur = EXCLUDED.ltv_eur, updated_at = now()`,
			record.Email, record.Source, record.LTVEUR,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert ltv: %w", err)
	}
	return nil
}

// LTVByEmail возвращает накопленные значения по всем источникам для почты.
func (r *PostgresRepository) LTVByEmail(ctx context.Context, email string) ([]model.LTVRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT email, source, ltv_eur, updated_at
		 FROM customer_ltv
		 WHERE email = $1
		 ORDER BY source`,
		email,
	)
	if err != nil {
		return nil, fmt.Errorf("select ltv: %w", err)
	}
	defer rows.Close()

	var res []model.LTVRecord
	for rows.Next() {
		var rec model.LTVRecord
		if err := rows.Scan(&rec.Email, &rec.Source, &rec.LTVEUR, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan ltv: %w", err)
		}
		res = append(res, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpsertLead сохраняет лид вебхука; повторный лид той же почты обновляет метки.
func (r *PostgresRepository) UpsertLead(ctx context.Context, lead *model.Lead) error {
	err := r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO kajabi_leads
			     (email, created_at, utm_source, utm_medium, utm_campaign, utm_content,
			      gclid, fbclid, platform, campaign_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (email)
			 DO UPDATE SET utm_source = EXCLUDED.utm_source,
			               utm_medium = EXCLUDED.utm_medium,
			               utm_campaign = EXCLUDED.utm_campaign,
			               utm_content = EXCLUDED.utm_content,
			               gclid = EXCLUDED.gclid,
			               fbclid = EXCLUDED.fbclid,
			               platform = EXCLUDED.platform,
			               campaign_id = EXCLUDED.campaign_id`,
			lead.Email, lead.CreatedAt, lead.UTMSource, lead.UTMMedium, lead.UTMCampaign,
			lead.UTMContent, lead.GCLID, lead.FBCLID, lead.Platform, lead.CampaignID,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert lead: %w", err)
	}
	return nil
}
