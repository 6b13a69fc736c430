package db

import (
	"context"
	"errors"
	"fmt"

	"exchange/internal/models"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, so row
// operations can run standalone or inside an explicit transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewDB initializes a new database connection pool. NUMERIC columns scan
// into decimal.Decimal on every connection.
func NewDB(ctx context.Context, connString string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// WithTx runs fn inside a transaction, committing on nil error and
// rolling back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, q Querier, username, passwordHash string) (*models.User, error) {
	user := &models.User{}
	err := q.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id, username, password_hash, created_at",
		username, passwordHash).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

const orderColumns = "id, user_id, symbol, side, order_type, price, quantity, filled_quantity, status, created_at, updated_at"

func scanOrder(row pgx.Row) (*models.Order, error) {
	o := &models.Order{}
	err := row.Scan(&o.ID, &o.UserID, &o.Symbol, &o.Side, &o.Type, &o.Price,
		&o.Quantity, &o.FilledQuantity, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// CreateOrder inserts a new order in PENDING state with zero fill.
func (db *DB) CreateOrder(ctx context.Context, q Querier, order *models.Order) (*models.Order, error) {
	row := q.QueryRow(ctx,
		`INSERT INTO orders (user_id, symbol, side, order_type, price, quantity, filled_quantity, status)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, $7)
		 RETURNING `+orderColumns,
		order.UserID, order.Symbol, order.Side, order.Type, order.Price, order.Quantity, models.StatusPending)
	created, err := scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return created, nil
}

// GetOrder retrieves an order by ID.
func (db *DB) GetOrder(ctx context.Context, q Querier, orderID int64) (*models.Order, error) {
	order, err := scanOrder(q.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1", orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// GetOrderForUpdate retrieves an order by ID with a row lock, so no
// concurrent transaction can touch it until tx ends.
func (db *DB) GetOrderForUpdate(ctx context.Context, tx pgx.Tx, orderID int64) (*models.Order, error) {
	order, err := scanOrder(tx.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}
	return order, nil
}

// UpdateOrderFill sets an order's filled quantity and status.
func (db *DB) UpdateOrderFill(ctx context.Context, q Querier, orderID int64, filled decimal.Decimal, status models.OrderStatus) error {
	_, err := q.Exec(ctx,
		"UPDATE orders SET filled_quantity = $1, status = $2, updated_at = NOW() WHERE id = $3",
		filled, status, orderID)
	if err != nil {
		return fmt.Errorf("failed to update order fill: %w", err)
	}
	return nil
}

// UpdateOrderStatus updates an order's status
func (db *DB) UpdateOrderStatus(ctx context.Context, q Querier, orderID int64, status models.OrderStatus) error {
	_, err := q.Exec(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2", status, orderID)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	return nil
}

// UpdateOrderTerms rewrites an order's symbol, side, price, quantity, and
// status; used by modify.
func (db *DB) UpdateOrderTerms(ctx context.Context, q Querier, orderID int64, symbol string, side models.Side, price, quantity decimal.Decimal, status models.OrderStatus) error {
	_, err := q.Exec(ctx,
		`UPDATE orders SET symbol = $1, side = $2, price = $3, quantity = $4, status = $5, updated_at = NOW()
		 WHERE id = $6`,
		symbol, side, price, quantity, status, orderID)
	if err != nil {
		return fmt.Errorf("failed to update order terms: %w", err)
	}
	return nil
}

// GetOpenOrders retrieves active (PENDING/PARTIAL) orders in book priority
// order: per symbol, bids by price descending then asks by price ascending,
// ties broken by creation time. An empty symbol returns all symbols.
func (db *DB) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status IN ('PENDING', 'PARTIAL')`
	args := []any{}
	if symbol != "" {
		query += " AND symbol = $1"
		args = append(args, symbol)
	}
	query += `
		ORDER BY
			symbol ASC,
			CASE WHEN side = 'BUY' THEN price END DESC NULLS LAST,
			CASE WHEN side = 'SELL' THEN price END ASC NULLS LAST,
			created_at ASC`

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// GetUserOrders retrieves all orders for a user, newest first.
func (db *DB) GetUserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

func collectOrders(rows pgx.Rows) ([]models.Order, error) {
	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

// CreateTrade inserts a new trade
func (db *DB) CreateTrade(ctx context.Context, q Querier, trade *models.Trade) (*models.Trade, error) {
	newTrade := &models.Trade{}
	err := q.QueryRow(ctx,
		`INSERT INTO trades (buy_order_id, sell_order_id, symbol, quantity, price)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, buy_order_id, sell_order_id, symbol, quantity, price, executed_at`,
		trade.BuyOrderID, trade.SellOrderID, trade.Symbol, trade.Quantity, trade.Price).Scan(
		&newTrade.ID, &newTrade.BuyOrderID, &newTrade.SellOrderID, &newTrade.Symbol,
		&newTrade.Quantity, &newTrade.Price, &newTrade.ExecutedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create trade: %w", err)
	}
	return newTrade, nil
}

// GetRecentTrades retrieves the most recent trades across all users.
func (db *DB) GetRecentTrades(ctx context.Context, limit int) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, buy_order_id, sell_order_id, symbol, quantity, price, executed_at
		 FROM trades ORDER BY executed_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get trades: %w", err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

// GetUserTrades retrieves trades where the user was on either side,
// newest first.
func (db *DB) GetUserTrades(ctx context.Context, userID int64, limit int) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT t.id, t.buy_order_id, t.sell_order_id, t.symbol, t.quantity, t.price, t.executed_at
		 FROM trades t
		 JOIN orders bo ON t.buy_order_id = bo.id
		 JOIN orders so ON t.sell_order_id = so.id
		 WHERE bo.user_id = $1 OR so.user_id = $1
		 ORDER BY t.executed_at DESC, t.id DESC
		 LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get user trades: %w", err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

func collectTrades(rows pgx.Rows) ([]models.Trade, error) {
	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		if err := rows.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.Symbol, &t.Quantity, &t.Price, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return trades, nil
}

// GetBalanceForUpdate retrieves one (user, asset) balance with a row lock.
// A missing row is reported as found=false, which callers treat as a zero
// balance.
func (db *DB) GetBalanceForUpdate(ctx context.Context, tx pgx.Tx, userID int64, asset string) (models.Balance, bool, error) {
	b := models.Balance{UserID: userID, Asset: asset}
	err := tx.QueryRow(ctx,
		"SELECT available, reserved, updated_at FROM balances WHERE user_id = $1 AND asset = $2 FOR UPDATE",
		userID, asset).Scan(&b.Available, &b.Reserved, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, false, nil
	}
	if err != nil {
		return b, false, fmt.Errorf("failed to lock balance: %w", err)
	}
	return b, true, nil
}

// UpdateBalance rewrites the available and reserved amounts for an
// existing (user, asset) row.
func (db *DB) UpdateBalance(ctx context.Context, q Querier, userID int64, asset string, available, reserved decimal.Decimal) error {
	tag, err := q.Exec(ctx,
		"UPDATE balances SET available = $1, reserved = $2, updated_at = NOW() WHERE user_id = $3 AND asset = $4",
		available, reserved, userID, asset)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no %s balance row for user %d", asset, userID)
	}
	return nil
}

// UpsertBalance sets absolute available/reserved amounts, creating the
// row if absent. Used for deposits/withdrawals and registration seeding.
func (db *DB) UpsertBalance(ctx context.Context, q Querier, userID int64, asset string, available, reserved decimal.Decimal) error {
	_, err := q.Exec(ctx,
		`INSERT INTO balances (user_id, asset, available, reserved)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, asset)
		 DO UPDATE SET available = EXCLUDED.available, reserved = EXCLUDED.reserved, updated_at = NOW()`,
		userID, asset, available, reserved)
	if err != nil {
		return fmt.Errorf("failed to upsert balance: %w", err)
	}
	return nil
}

// CreditAvailable adds amount to the available balance, materializing the
// row with zero reserved when it does not exist yet.
func (db *DB) CreditAvailable(ctx context.Context, q Querier, userID int64, asset string, amount decimal.Decimal) error {
	_, err := q.Exec(ctx,
		`INSERT INTO balances (user_id, asset, available, reserved)
		 VALUES ($1, $2, $3, 0)
		 ON CONFLICT (user_id, asset)
		 DO UPDATE SET available = balances.available + EXCLUDED.available, updated_at = NOW()`,
		userID, asset, amount)
	if err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}
	return nil
}

// GetUserBalances retrieves all balances for a user, ordered by asset.
func (db *DB) GetUserBalances(ctx context.Context, userID int64) ([]models.Balance, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT user_id, asset, available, reserved, updated_at FROM balances WHERE user_id = $1 ORDER BY asset",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get balances: %w", err)
	}
	defer rows.Close()

	var balances []models.Balance
	for rows.Next() {
		var b models.Balance
		if err := rows.Scan(&b.UserID, &b.Asset, &b.Available, &b.Reserved, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		balances = append(balances, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return balances, nil
}
