// Package journal records closed trades and a daily equity curve in SQLite.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eddiefleurent/fno_trader/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	position_id TEXT PRIMARY KEY,
	underlying TEXT NOT NULL,
	trade_type TEXT NOT NULL,
	option_symbol TEXT NOT NULL,
	strike REAL NOT NULL,
	quantity INTEGER NOT NULL,
	entry_price REAL NOT NULL,
	exit_price REAL NOT NULL,
	entry_spot REAL NOT NULL,
	exit_spot REAL NOT NULL,
	vix_at_entry REAL NOT NULL,
	entry_time DATETIME NOT NULL,
	exit_time DATETIME NOT NULL,
	pnl REAL NOT NULL,
	pnl_pct REAL NOT NULL,
	reason TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_exit_time ON trades(exit_time);

CREATE TABLE IF NOT EXISTS equity (
	day TEXT PRIMARY KEY,
	capital REAL NOT NULL,
	total_pnl REAL NOT NULL,
	daily_pnl REAL NOT NULL,
	daily_trades INTEGER NOT NULL,
	win_rate REAL NOT NULL,
	updated_at DATETIME NOT NULL
);
`

// TradeRecord is one closed position as stored in the journal.
type TradeRecord struct {
	PositionID   string
	Underlying   string
	TradeType    string
	OptionSymbol string
	Strike       float64
	Quantity     int
	EntryPrice   float64
	ExitPrice    float64
	EntrySpot    float64
	ExitSpot     float64
	VIXAtEntry   float64
	EntryTime    time.Time
	ExitTime     time.Time
	PnL          float64
	PnLPct       float64
	Reason       string
}

// EquitySnapshot is the account state at the end of a trade, one row per day.
type EquitySnapshot struct {
	Day         string
	Capital     float64
	TotalPnL    float64
	DailyPnL    float64
	DailyTrades int
	WinRate     float64
	UpdatedAt   time.Time
}

// FromPosition converts a closed position. It fails for an open one.
func FromPosition(p models.Position) (TradeRecord, error) {
	if p.IsOpen() {
		return TradeRecord{}, fmt.Errorf("position %s is still open", p.ID)
	}
	rec := TradeRecord{
		PositionID:   p.ID,
		Underlying:   p.Underlying,
		TradeType:    string(p.TradeType),
		OptionSymbol: p.OptionSymbol,
		Strike:       p.StrikePrice,
		Quantity:     p.LotSize,
		EntryPrice:   p.EntryPrice,
		EntrySpot:    p.EntryUnderlyingPrice,
		VIXAtEntry:   p.VIXAtEntry,
		EntryTime:    p.EntryTime,
		PnL:          p.RealisedPnL(),
		Reason:       string(p.Reason()),
	}
	if p.ExitPrice != nil {
		rec.ExitPrice = *p.ExitPrice
	}
	if p.ExitUnderlyingPrice != nil {
		rec.ExitSpot = *p.ExitUnderlyingPrice
	}
	if p.ExitTime != nil {
		rec.ExitTime = *p.ExitTime
	}
	if p.PnLPercentage != nil {
		rec.PnLPct = *p.PnLPercentage
	}
	return rec, nil
}

// SQLite is a journal backed by a single SQLite file.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the journal at path.
func NewSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("journal path is required")
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating journal schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// RecordTrade stores a closed trade. Recording the same position twice
// replaces the earlier row.
func (j *SQLite) RecordTrade(ctx context.Context, t TradeRecord) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO trades
		(position_id, underlying, trade_type, option_symbol, strike, quantity, entry_price, exit_price,
		 entry_spot, exit_spot, vix_at_entry, entry_time, exit_time, pnl, pnl_pct, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.PositionID, t.Underlying, t.TradeType, t.OptionSymbol, t.Strike, t.Quantity, t.EntryPrice, t.ExitPrice,
		t.EntrySpot, t.ExitSpot, t.VIXAtEntry, t.EntryTime.UTC(), t.ExitTime.UTC(), t.PnL, t.PnLPct, t.Reason,
	)
	if err != nil {
		return fmt.Errorf("recording trade %s: %w", t.PositionID, err)
	}
	return nil
}

// RecordEquity upserts the equity row for e.Day.
func (j *SQLite) RecordEquity(ctx context.Context, e EquitySnapshot) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO equity (day, capital, total_pnl, daily_pnl, daily_trades, win_rate, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(day) DO UPDATE SET
			capital = excluded.capital,
			total_pnl = excluded.total_pnl,
			daily_pnl = excluded.daily_pnl,
			daily_trades = excluded.daily_trades,
			win_rate = excluded.win_rate,
			updated_at = excluded.updated_at`,
		e.Day, e.Capital, e.TotalPnL, e.DailyPnL, e.DailyTrades, e.WinRate, e.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording equity for %s: %w", e.Day, err)
	}
	return nil
}

// GetTrade returns a single trade by position id.
func (j *SQLite) GetTrade(ctx context.Context, positionID string) (TradeRecord, error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT position_id, underlying, trade_type, option_symbol, strike, quantity, entry_price, exit_price,
		       entry_spot, exit_spot, vix_at_entry, entry_time, exit_time, pnl, pnl_pct, reason
		FROM trades WHERE position_id = ?`, positionID)
	rec, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TradeRecord{}, fmt.Errorf("trade %q not found", positionID)
	}
	return rec, err
}

// ListTrades returns trades closed within [start, end), oldest first.
func (j *SQLite) ListTrades(ctx context.Context, start, end time.Time) ([]TradeRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT position_id, underlying, trade_type, option_symbol, strike, quantity, entry_price, exit_price,
		       entry_spot, exit_spot, vix_at_entry, entry_time, exit_time, pnl, pnl_pct, reason
		FROM trades
		WHERE exit_time >= ? AND exit_time < ?
		ORDER BY exit_time ASC`, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		rec, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// EquityCurve returns every equity row ordered by day.
func (j *SQLite) EquityCurve(ctx context.Context) ([]EquitySnapshot, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT day, capital, total_pnl, daily_pnl, daily_trades, win_rate, updated_at
		FROM equity ORDER BY day ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EquitySnapshot
	for rows.Next() {
		var e EquitySnapshot
		if err := rows.Scan(&e.Day, &e.Capital, &e.TotalPnL, &e.DailyPnL, &e.DailyTrades, &e.WinRate, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrade(s scanner) (TradeRecord, error) {
	var rec TradeRecord
	err := s.Scan(
		&rec.PositionID, &rec.Underlying, &rec.TradeType, &rec.OptionSymbol, &rec.Strike, &rec.Quantity,
		&rec.EntryPrice, &rec.ExitPrice, &rec.EntrySpot, &rec.ExitSpot, &rec.VIXAtEntry,
		&rec.EntryTime, &rec.ExitTime, &rec.PnL, &rec.PnLPct, &rec.Reason,
	)
	return rec, err
}

// Close closes the database.
func (j *SQLite) Close() error {
	return j.db.Close()
}
