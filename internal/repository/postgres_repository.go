package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fjod/go_checkout/internal/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const orderColumns = `id, number, transaction_id, checkout_session_id, cart_id, cart_revision, user_id, email,
	shipping_address, billing_address, items, subtotal, discount, shipping, tax, total, currency,
	payment_status, fulfillment_status, cart_cleared_at, created_at, updated_at`

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(cred *Credentials) (*PostgresRepository, error) {
	psqlconn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cred.Host,
		cred.Port,
		cred.User,
		cred.Password,
		cred.DBName)

	db, err := sql.Open("postgres", psqlconn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if e2 := db.Ping(); e2 != nil {
		return nil, fmt.Errorf("failed to ping database: %w", e2)
	}

	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(10)
	return &PostgresRepository{db: db}, nil
}

func (r *PostgresRepository) RunMigrations(cred *Credentials) error {
	driver, err := postgres.WithInstance(r.db, &postgres.Config{
		MigrationsTable: "checkout_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", cred.MigrationsDirPath),
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if e2 := m.Up(); e2 != nil && !errors.Is(e2, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", e2)
	}

	return nil
}

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

func (r *PostgresRepository) CreateOrder(ctx context.Context, order *domain.Order) (*CreateResult, error) {
	items, err := json.Marshal(order.Items)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order items: %w", err)
	}
	shipping, err := json.Marshal(order.ShippingAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal shipping address: %w", err)
	}
	billing, err := json.Marshal(order.BillingAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal billing address: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO orders (id, number, transaction_id, checkout_session_id, cart_id, cart_revision, user_id, email,
	              shipping_address, billing_address, items, subtotal, discount, shipping, tax, total, currency,
	              payment_status, fulfillment_status, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, NOW(), NOW())
	          ON CONFLICT (transaction_id) DO NOTHING
	          RETURNING created_at, updated_at`

	insertErr := tx.QueryRowContext(ctx, query,
		order.ID,
		order.Number,
		order.TransactionID,
		order.CheckoutSessionID,
		order.CartID,
		order.CartRevision,
		order.UserID,
		order.Email,
		shipping,
		billing,
		items,
		order.Subtotal,
		order.Discount,
		order.Shipping,
		order.Tax,
		order.Total,
		order.Currency,
		order.PaymentStatus,
		order.FulfillmentStatus,
	).Scan(&order.CreatedAt, &order.UpdatedAt)

	if errors.Is(insertErr, sql.ErrNoRows) {
		// another delivery of the same transaction already committed
		if err := tx.Rollback(); err != nil {
			return nil, fmt.Errorf("rollback: %w", err)
		}
		existing, err := r.GetOrderByTransactionID(ctx, order.TransactionID)
		if err != nil {
			return nil, err
		}
		return &CreateResult{Order: existing, Created: false}, nil
	}
	if insertErr != nil {
		var pqErr *pq.Error
		if errors.As(insertErr, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrDuplicateOrder
		}
		return nil, fmt.Errorf("insert order: %w", insertErr)
	}

	shortfalls, err := decrementStock(ctx, tx, order.Decrements())
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order event: %w", err)
	}
	if err := insertOutboxEvent(ctx, tx, order.Number, domain.EventOrderCreated, payload); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit order: %w", err)
	}
	return &CreateResult{Order: order, Created: true, Shortfalls: shortfalls}, nil
}

// decrementStock clamps at zero and reports every decrement that found less stock than requested.
// Rows are locked in key order.
func decrementStock(ctx context.Context, tx *sql.Tx, decrements []domain.StockDecrement) ([]domain.Shortfall, error) {
	sort.Slice(decrements, func(i, j int) bool {
		if decrements[i].ProductID != decrements[j].ProductID {
			return decrements[i].ProductID < decrements[j].ProductID
		}
		return decrements[i].VariantID < decrements[j].VariantID
	})

	var shortfalls []domain.Shortfall
	for _, d := range decrements {
		var (
			available int
			tracked   bool
		)
		err := tx.QueryRowContext(ctx,
			`SELECT quantity, track_inventory FROM product_stock WHERE product_id = $1 AND variant_id = $2 FOR UPDATE`,
			d.ProductID, d.VariantID,
		).Scan(&available, &tracked)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lock stock %s: %w", d.ProductID, err)
		}
		if !tracked {
			continue
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE product_stock SET quantity = GREATEST(quantity - $3, 0), updated_at = NOW()
			 WHERE product_id = $1 AND variant_id = $2`,
			d.ProductID, d.VariantID, d.Quantity,
		)
		if err != nil {
			return nil, fmt.Errorf("decrement stock %s: %w", d.ProductID, err)
		}
		if available < d.Quantity {
			shortfalls = append(shortfalls, domain.Shortfall{StockKey: d.StockKey, Requested: d.Quantity, Available: available})
		}
	}
	return shortfalls, nil
}

func insertOutboxEvent(ctx context.Context, tx *sql.Tx, aggregateID, eventType string, payload []byte) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO outbox_events (aggregate_id, event_type, payload, created_at) VALUES ($1, $2, $3, NOW())`,
		aggregateID, eventType, payload,
	)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetOrderByNumber(ctx context.Context, number string) (*domain.Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE number = $1`, number)
	return scanOrder(row)
}

func (r *PostgresRepository) GetOrderByTransactionID(ctx context.Context, transactionID string) (*domain.Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE transaction_id = $1`, transactionID)
	return scanOrder(row)
}

func (r *PostgresRepository) ListOrdersByUserID(ctx context.Context, userID string) ([]*domain.Order, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query orders by user id: %w", err)
	}
	defer rows.Close()

	orders := []*domain.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return orders, nil
}

func (r *PostgresRepository) UpdatePaymentStatus(ctx context.Context, orderID uuid.UUID, from, to domain.PaymentStatus, fulfillment domain.FulfillmentStatus) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var number, transactionID string
	err = tx.QueryRowContext(ctx,
		`UPDATE orders
		 SET payment_status = $3,
		     fulfillment_status = COALESCE(NULLIF($4, ''), fulfillment_status),
		     updated_at = NOW()
		 WHERE id = $1 AND payment_status = $2
		 RETURNING number, transaction_id`,
		orderID, from, to, string(fulfillment),
	).Scan(&number, &transactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("update payment status: %w", err)
	}

	payload, err := json.Marshal(map[string]string{
		"order_number":   number,
		"transaction_id": transactionID,
		"from":           string(from),
		"to":             string(to),
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal status event: %w", err)
	}
	if err := insertOutboxEvent(ctx, tx, number, domain.EventOrderPaymentStatusChanged, payload); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit payment status: %w", err)
	}
	return true, nil
}

func (r *PostgresRepository) MarkCartCleared(ctx context.Context, orderID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE orders SET cart_cleared_at = NOW(), updated_at = NOW() WHERE id = $1 AND cart_cleared_at IS NULL`,
		orderID)
	if err != nil {
		return fmt.Errorf("mark cart cleared: %w", err)
	}
	return nil
}

func (r *PostgresRepository) SaveCheckoutSession(ctx context.Context, session *domain.CheckoutSession) error {
	items, err := json.Marshal(session.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal session items: %w", err)
	}
	shipping, err := json.Marshal(session.ShippingAddress)
	if err != nil {
		return fmt.Errorf("failed to marshal shipping address: %w", err)
	}
	billing, err := json.Marshal(session.BillingAddress)
	if err != nil {
		return fmt.Errorf("failed to marshal billing address: %w", err)
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO checkout_sessions (id, cart_id, cart_revision, user_id, email, shipping_address, billing_address,
		     items, subtotal, discount, shipping, tax, total, currency, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		session.ID,
		session.CartID,
		session.CartRevision,
		session.UserID,
		session.Email,
		shipping,
		billing,
		items,
		session.Subtotal,
		session.Discount,
		session.Shipping,
		session.Tax,
		session.Total,
		session.Currency,
		session.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateSession
		}
		return fmt.Errorf("insert checkout session: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetCheckoutSession(ctx context.Context, id string) (*domain.CheckoutSession, error) {
	var (
		s                        domain.CheckoutSession
		items, shipping, billing []byte
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, cart_id, cart_revision, user_id, email, shipping_address, billing_address, items,
		     subtotal, discount, shipping, tax, total, currency, created_at
		 FROM checkout_sessions WHERE id = $1`, id,
	).Scan(
		&s.ID, &s.CartID, &s.CartRevision, &s.UserID, &s.Email, &shipping, &billing, &items,
		&s.Subtotal, &s.Discount, &s.Shipping, &s.Tax, &s.Total, &s.Currency, &s.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query checkout session: %w", err)
	}

	if err := json.Unmarshal(items, &s.Items); err != nil {
		return nil, fmt.Errorf("unmarshal session items: %w", err)
	}
	if err := json.Unmarshal(shipping, &s.ShippingAddress); err != nil {
		return nil, fmt.Errorf("unmarshal shipping address: %w", err)
	}
	if err := json.Unmarshal(billing, &s.BillingAddress); err != nil {
		return nil, fmt.Errorf("unmarshal billing address: %w", err)
	}
	return &s, nil
}

func (r *PostgresRepository) StockLevels(ctx context.Context, keys []domain.StockKey) (map[domain.StockKey]domain.StockLevel, error) {
	levels := make(map[domain.StockKey]domain.StockLevel, len(keys))
	for _, key := range keys {
		level := domain.StockLevel{StockKey: key}
		err := r.db.QueryRowContext(ctx,
			`SELECT quantity, track_inventory FROM product_stock WHERE product_id = $1 AND variant_id = $2`,
			key.ProductID, key.VariantID,
		).Scan(&level.Quantity, &level.TrackInventory)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("query stock %s: %w", key.ProductID, err)
		}
		levels[key] = level
	}
	return levels, nil
}

func (r *PostgresRepository) SetStock(ctx context.Context, level domain.StockLevel) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO product_stock (product_id, variant_id, quantity, track_inventory, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (product_id, variant_id)
		 DO UPDATE SET quantity = EXCLUDED.quantity, track_inventory = EXCLUDED.track_inventory, updated_at = NOW()`,
		level.ProductID, level.VariantID, level.Quantity, level.TrackInventory,
	)
	if err != nil {
		return fmt.Errorf("set stock: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FlagForReconciliation(ctx context.Context, flag domain.ReconciliationFlag) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO reconciliation_flags (reference, reason, details, created_at) VALUES ($1, $2, $3, NOW())`,
		flag.Reference, flag.Reason, flag.Details,
	)
	if err != nil {
		return fmt.Errorf("insert reconciliation flag: %w", err)
	}
	return nil
}

// ReconciliationFlags lists flags for a reference, oldest first.
func (r *PostgresRepository) ReconciliationFlags(ctx context.Context, reference string) ([]domain.ReconciliationFlag, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT reference, reason, details, created_at FROM reconciliation_flags WHERE reference = $1 ORDER BY id`,
		reference)
	if err != nil {
		return nil, fmt.Errorf("query reconciliation flags: %w", err)
	}
	defer rows.Close()

	var flags []domain.ReconciliationFlag
	for rows.Next() {
		var f domain.ReconciliationFlag
		if err := rows.Scan(&f.Reference, &f.Reason, &f.Details, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reconciliation flag: %w", err)
		}
		flags = append(flags, f)
	}
	return flags, rows.Err()
}

func (r *PostgresRepository) GetUnprocessedEvents(ctx context.Context, limit int) ([]*domain.OutboxEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, aggregate_id, event_type, payload, created_at
		 FROM outbox_events WHERE processed_at IS NULL ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox events: %w", err)
	}
	defer rows.Close()

	var events []*domain.OutboxEvent
	for rows.Next() {
		e := &domain.OutboxEvent{}
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return events, nil
}

func (r *PostgresRepository) MarkEventAsProcessed(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE outbox_events SET processed_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark outbox event processed: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		order                    domain.Order
		userID                   sql.NullString
		shipping, billing, items []byte
		clearedAt                sql.NullTime
	)
	err := row.Scan(
		&order.ID,
		&order.Number,
		&order.TransactionID,
		&order.CheckoutSessionID,
		&order.CartID,
		&order.CartRevision,
		&userID,
		&order.Email,
		&shipping,
		&billing,
		&items,
		&order.Subtotal,
		&order.Discount,
		&order.Shipping,
		&order.Tax,
		&order.Total,
		&order.Currency,
		&order.PaymentStatus,
		&order.FulfillmentStatus,
		&clearedAt,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}

	order.UserID = userID.String
	if clearedAt.Valid {
		t := clearedAt.Time
		order.CartClearedAt = &t
	}
	if err := json.Unmarshal(items, &order.Items); err != nil {
		return nil, fmt.Errorf("unmarshal order items: %w", err)
	}
	if err := json.Unmarshal(shipping, &order.ShippingAddress); err != nil {
		return nil, fmt.Errorf("unmarshal shipping address: %w", err)
	}
	if err := json.Unmarshal(billing, &order.BillingAddress); err != nil {
		return nil, fmt.Errorf("unmarshal billing address: %w", err)
	}
	return &order, nil
}
