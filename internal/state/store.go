// Package state provides durable persistence for bot snapshots and
// order/trade history, backed by sqlite. Snapshot writes are transactional;
// rows are partitioned by bot name, and each bot has a single writer by
// construction (its own orchestrator loop).
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// RiskCounters is the persisted slice of risk-manager state.
type RiskCounters struct {
	DailyLoss         decimal.Decimal `json:"dailyLoss"`
	DailyResetAt      time.Time       `json:"dailyResetAt"`
	ConsecutiveLosses int             `json:"consecutiveLosses"`
}

// BotSnapshot is the full recoverable state of one bot.
type BotSnapshot struct {
	BotName      string                     `json:"botName"`
	State        types.BotState             `json:"state"`
	Strategy     types.StrategyKind         `json:"strategy"`
	Symbol       string                     `json:"symbol"`
	Regime       types.Regime               `json:"regime"`
	Deals        []types.Deal               `json:"deals"`
	Orders       []types.Order              `json:"orders"`
	Risk         RiskCounters               `json:"risk"`
	// StrategyState holds each engine's serialized internal state (grid
	// levels, DCA deal bookkeeping, SMC zones) keyed by strategy kind.
	StrategyState map[string]json.RawMessage `json:"strategyState,omitempty"`
	LastError     string                     `json:"lastError,omitempty"`
	CheckpointAt  time.Time                  `json:"checkpointAt"`
}

// Store persists snapshots and append-only order/trade history.
type Store struct {
	logger *zap.Logger
	db     *sql.DB
	// WriteTimeout bounds each statement.
	writeTimeout time.Duration
}

const schema = `
CREATE TABLE IF NOT EXISTS bot_snapshots (
	bot_name   TEXT PRIMARY KEY,
	snapshot   TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS orders (
	bot_name    TEXT NOT NULL,
	local_id    TEXT NOT NULL,
	exchange_id TEXT,
	payload     TEXT NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (bot_name, local_id)
);
CREATE TABLE IF NOT EXISTS trades (
	id          TEXT PRIMARY KEY,
	bot_name    TEXT NOT NULL,
	payload     TEXT NOT NULL,
	executed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_bot ON trades (bot_name, executed_at);
`

// NewStore opens (or creates) the sqlite database at path.
func NewStore(logger *zap.Logger, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	// One writer at a time keeps sqlite happy under concurrent bots.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{
		logger:       logger.Named("state"),
		db:           db,
		writeTimeout: 5 * time.Second,
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSnapshot writes a bot snapshot in one transaction.
func (s *Store) SaveSnapshot(ctx context.Context, snap BotSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO bot_snapshots (bot_name, snapshot, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(bot_name) DO UPDATE SET snapshot=excluded.snapshot, updated_at=excluded.updated_at`,
		snap.BotName, string(payload), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return tx.Commit()
}

// LoadSnapshot reads the latest committed snapshot for a bot. The second
// return is false when the bot has never checkpointed.
func (s *Store) LoadSnapshot(ctx context.Context, botName string) (BotSnapshot, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM bot_snapshots WHERE bot_name = ?`, botName).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return BotSnapshot{}, false, nil
	}
	if err != nil {
		return BotSnapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}

	var snap BotSnapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return BotSnapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}

// UpsertOrder records an order's latest state in the history table.
func (s *Store) UpsertOrder(ctx context.Context, order types.Order) error {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	payload, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO orders (bot_name, local_id, exchange_id, payload, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(bot_name, local_id) DO UPDATE SET exchange_id=excluded.exchange_id,
		 payload=excluded.payload, updated_at=excluded.updated_at`,
		order.BotName, order.LocalID, order.ExchangeID, string(payload), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("write order: %w", err)
	}
	return nil
}

// ListOrders returns a bot's recorded orders, oldest first.
func (s *Store) ListOrders(ctx context.Context, botName string) ([]types.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM orders WHERE bot_name = ? ORDER BY updated_at, local_id`, botName)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []types.Order
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var order types.Order
		if err := json.Unmarshal([]byte(payload), &order); err != nil {
			return nil, fmt.Errorf("decode order: %w", err)
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

// AppendTrade records a realized trade.
func (s *Store) AppendTrade(ctx context.Context, trade types.Trade) error {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	payload, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("marshal trade: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO trades (id, bot_name, payload, executed_at) VALUES (?, ?, ?, ?)`,
		trade.ID, trade.BotName, string(payload), trade.ExecutedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("write trade: %w", err)
	}
	return nil
}

// ListTrades returns a bot's trades, oldest first.
func (s *Store) ListTrades(ctx context.Context, botName string) ([]types.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM trades WHERE bot_name = ? ORDER BY executed_at, id`, botName)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []types.Trade
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var trade types.Trade
		if err := json.Unmarshal([]byte(payload), &trade); err != nil {
			return nil, fmt.Errorf("decode trade: %w", err)
		}
		out = append(out, trade)
	}
	return out, rows.Err()
}
