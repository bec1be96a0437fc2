// Package postgres implements orders.Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/buddiz/checkout/internal/orders"
)

// Schema creates the tables used by Store.
const Schema = `
CREATE TABLE IF NOT EXISTS products (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	price      NUMERIC(12,2) NOT NULL DEFAULT 0,
	stock      INTEGER NOT NULL CHECK (stock >= 0),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS orders (
	id               TEXT NOT NULL,
	user_id          TEXT NOT NULL,
	items            JSONB NOT NULL,
	total            NUMERIC(12,2) NOT NULL,
	currency         TEXT NOT NULL,
	status           TEXT NOT NULL,
	authorization_id TEXT,
	capture_id       TEXT,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (id, user_id)
);

CREATE TABLE IF NOT EXISTS inventory_movements (
	id             BIGSERIAL PRIMARY KEY,
	product_id     TEXT NOT NULL REFERENCES products(id),
	order_id       TEXT,
	change_quantity INTEGER NOT NULL,
	movement_type  TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store keeps orders, products and the stock movement log in PostgreSQL.
type Store struct {
	db     DB
	logger *zap.Logger
}

// New creates a Store over db, usually a *pgxpool.Pool from Connect.
func New(db DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Connect opens a pool and waits for the database to accept connections.
func Connect(ctx context.Context, dsn string, logger *zap.Logger) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 10
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	for i := 0; i < 30; i++ {
		if err := pool.Ping(ctx); err == nil {
			logger.Info("connected to database")
			return pool, nil
		}
		logger.Info("waiting for database", zap.Int("attempt", i+1))
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}

	pool.Close()
	return nil, fmt.Errorf("failed to connect to database after 30 attempts")
}

const selectOrder = `
	SELECT id, user_id, items::text, total::text, currency, status,
	       COALESCE(authorization_id, ''), COALESCE(capture_id, ''), created_at, updated_at
	FROM orders
	WHERE id = $1 AND user_id = $2
`

// GetOrder returns orders.ErrRecordNotFound when no row matches the key.
func (s *Store) GetOrder(ctx context.Context, key orders.OrderKey) (*orders.Order, error) {
	var (
		order        orders.Order
		items, total string
		status       string
	)
	err := s.db.QueryRow(ctx, selectOrder, key.ID, key.UserID).Scan(
		&order.ID,
		&order.UserID,
		&items,
		&total,
		&order.Currency,
		&status,
		&order.AuthorizationID,
		&order.CaptureID,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orders.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", key.ID, err)
	}

	if err := json.Unmarshal([]byte(items), &order.Items); err != nil {
		return nil, fmt.Errorf("failed to decode items of order %s: %w", key.ID, err)
	}
	if order.Total, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("failed to decode total of order %s: %w", key.ID, err)
	}
	order.Status = orders.Status(status)
	return &order, nil
}

// PutOrder inserts the order or replaces the record with the same key.
func (s *Store) PutOrder(ctx context.Context, order *orders.Order) error {
	items, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("failed to encode items of order %s: %w", order.ID, err)
	}

	query := `
		INSERT INTO orders (id, user_id, items, total, currency, status, authorization_id, capture_id, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, $4::numeric, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10)
		ON CONFLICT (id, user_id) DO UPDATE SET
			items = EXCLUDED.items,
			total = EXCLUDED.total,
			currency = EXCLUDED.currency,
			status = EXCLUDED.status,
			authorization_id = EXCLUDED.authorization_id,
			capture_id = EXCLUDED.capture_id,
			updated_at = EXCLUDED.updated_at
	`
	_, err = s.db.Exec(ctx, query,
		order.ID,
		order.UserID,
		string(items),
		order.Total.String(),
		order.Currency,
		string(order.Status),
		order.AuthorizationID,
		order.CaptureID,
		order.CreatedAt,
		order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put order %s: %w", order.ID, err)
	}
	return nil
}

// GetProduct returns orders.ErrRecordNotFound when the product does not exist.
func (s *Store) GetProduct(ctx context.Context, productID string) (*orders.Product, error) {
	var (
		product orders.Product
		price   string
	)
	err := s.db.QueryRow(ctx, `SELECT id, name, price::text, stock FROM products WHERE id = $1`, productID).
		Scan(&product.ID, &product.Name, &price, &product.Stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orders.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product %s: %w", productID, err)
	}
	if product.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("failed to decode price of product %s: %w", productID, err)
	}
	return &product, nil
}

// PutProduct inserts the product or overwrites its name, price and stock.
func (s *Store) PutProduct(ctx context.Context, product *orders.Product) error {
	query := `
		INSERT INTO products (id, name, price, stock)
		VALUES ($1, $2, $3::numeric, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			price = EXCLUDED.price,
			stock = EXCLUDED.stock,
			updated_at = NOW()
	`
	if _, err := s.db.Exec(ctx, query, product.ID, product.Name, product.Price.String(), product.Stock); err != nil {
		return fmt.Errorf("failed to put product %s: %w", product.ID, err)
	}
	return nil
}

// ConditionalUpdate runs a single update in its own transaction.
func (s *Store) ConditionalUpdate(ctx context.Context, update orders.Update) error {
	return s.TransactWrite(ctx, []orders.Update{update})
}

// TransactWrite applies the updates in one database transaction. The first update
// matching no row rolls the whole transaction back.
func (s *Store) TransactWrite(ctx context.Context, updates []orders.Update) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.Warn("rollback failed", zap.Error(err))
		}
	}()

	for i, u := range updates {
		applied, err := apply(ctx, tx, u)
		if err != nil {
			return err
		}
		if !applied {
			return &orders.ConditionFailedError{Index: i, Update: u}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit %d updates: %w", len(updates), err)
	}
	return nil
}

// apply runs one update and reports whether its condition held.
func apply(ctx context.Context, tx execer, u orders.Update) (bool, error) {
	switch u.Kind {
	case orders.UpdateDecrementStock:
		tag, err := tx.Exec(ctx, `
			UPDATE products
			SET stock = stock - $2,
			    updated_at = NOW()
			WHERE id = $1 AND stock >= $2
		`, u.ProductID, u.Quantity)
		if err != nil {
			return false, fmt.Errorf("failed to decrease stock of %s: %w", u.ProductID, err)
		}
		if tag.RowsAffected() == 0 {
			return false, nil
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO inventory_movements (product_id, order_id, change_quantity, movement_type)
			VALUES ($1, NULLIF($2, ''), $3, $4)
		`, u.ProductID, u.Order.ID, u.Quantity, "decreased")
		if err != nil {
			return false, fmt.Errorf("failed to insert movement record: %w", err)
		}
		return true, nil

	case orders.UpdateOrderStatus:
		tag, err := tx.Exec(ctx, `
			UPDATE orders
			SET status = $3,
			    capture_id = COALESCE(NULLIF($4, ''), capture_id),
			    updated_at = NOW()
			WHERE id = $1 AND user_id = $2 AND ($5 = '' OR status = $5)
		`, u.Order.ID, u.Order.UserID, string(u.To), u.CaptureID, string(u.From))
		if err != nil {
			return false, fmt.Errorf("failed to update status of order %s: %w", u.Order.ID, err)
		}
		return tag.RowsAffected() > 0, nil

	default:
		return false, fmt.Errorf("unsupported update kind %d", u.Kind)
	}
}
