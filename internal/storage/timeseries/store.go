// Package timeseries persists market observations, portfolio history, the
// treasury ledger and slot trades in an embedded SQLite database opened in
// WAL mode, so dashboards can read while the engine writes.
package timeseries

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/ceibe/internal/domain"
)

var pragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=NORMAL;",
	"PRAGMA busy_timeout=5000;",
	"PRAGMA cache_size=-2000;",
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS market_data (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		origin TEXT NOT NULL,
		destination TEXT NOT NULL,
		pair TEXT NOT NULL UNIQUE,
		swap_label TEXT NOT NULL,
		heat_score REAL NOT NULL,
		change_24h REAL NOT NULL DEFAULT 0,
		vol_pct REAL NOT NULL DEFAULT 0,
		vol TEXT NOT NULL DEFAULT '0',
		extra_json TEXT NOT NULL DEFAULT '{}'
	);`,
	`CREATE TABLE IF NOT EXISTS portfolio_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		total_portfolio_value TEXT NOT NULL,
		free_cash TEXT NOT NULL,
		balances_json TEXT NOT NULL DEFAULT '{}'
	);`,
	`CREATE INDEX IF NOT EXISTS idx_portfolio_history_ts ON portfolio_history(ts);`,
	`CREATE TABLE IF NOT EXISTS treasury (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		asset TEXT NOT NULL,
		amount TEXT NOT NULL,
		amount_fiat TEXT NOT NULL,
		amount_btc TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		slot_id INTEGER NOT NULL,
		asset TEXT NOT NULL,
		quote TEXT NOT NULL,
		amount TEXT NOT NULL,
		entry_price TEXT NOT NULL,
		highest_price TEXT NOT NULL,
		initial_fiat_value TEXT NOT NULL,
		stop_loss TEXT NOT NULL,
		path_history TEXT NOT NULL DEFAULT '[]',
		state TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		closed_at INTEGER
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_active_slot ON trades(slot_id) WHERE is_active = 1;`,
}

// Store SQLite-backed persistence. Safe for concurrent use.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating when needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create database dir")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// one connection keeps per-connection pragmas in effect and serializes writers
	db.SetMaxOpenConns(1)

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "set pragma %s", pragma)
		}
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "apply schema")
		}
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// MarketRow persisted radar observation.
type MarketRow struct {
	Time        time.Time
	Origin      string
	Destination string
	Pair        string
	Label       string
	Heat        float64
	Change24h   float64
	VolumePct   float64
	Volume      decimal.Decimal
	Extra       map[string]any
}

type marketExtra struct {
	Zone            domain.Zone           `json:"zone"`
	RSI             float64               `json:"rsi"`
	EMADistance     float64               `json:"ema_distance"`
	VolumeTrend     domain.VolumeTrend    `json:"volume_trend"`
	ProfitPotential float64               `json:"profit_potential"`
	Price           string                `json:"price"`
	Components      domain.HeatComponents `json:"components"`
}

// SaveMarketEntries upserts one row per pair, replacing older observations.
func (s *Store) SaveMarketEntries(ctx context.Context, entries []domain.RadarEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin market tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `REPLACE INTO market_data
		(ts, origin, destination, pair, swap_label, heat_score, change_24h, vol_pct, vol, extra_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare market upsert")
	}
	defer stmt.Close()

	for _, e := range entries {
		extra, err := json.Marshal(marketExtra{
			Zone:            e.Zone,
			RSI:             e.Indicators.RSI,
			EMADistance:     e.Indicators.EMADistance,
			VolumeTrend:     e.Indicators.VolumeTrend,
			ProfitPotential: e.Indicators.ProfitPotential,
			Price:           e.Indicators.Price.String(),
			Components:      e.Components,
		})
		if err != nil {
			return errors.Wrap(err, "encode market extra")
		}
		if _, err := stmt.ExecContext(ctx,
			e.UpdatedAt.Unix(), e.Origin, e.Destination, e.Pair.String(), e.Label(),
			e.Heat, e.Change24h, e.VolumeChange, e.Indicators.Price.String(), string(extra),
		); err != nil {
			return errors.Wrapf(err, "upsert market row %s", e.Pair.String())
		}
	}

	return errors.Wrap(tx.Commit(), "commit market tx")
}

// LatestMarketData returns stored observations ordered by heat, highest first.
func (s *Store) LatestMarketData(ctx context.Context, limit int) ([]MarketRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ts, origin, destination, pair, swap_label, heat_score,
		change_24h, vol_pct, vol, extra_json FROM market_data ORDER BY heat_score DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query market data")
	}
	defer rows.Close()

	var out []MarketRow
	for rows.Next() {
		var (
			r     MarketRow
			ts    int64
			vol   string
			extra string
		)
		if err := rows.Scan(&ts, &r.Origin, &r.Destination, &r.Pair, &r.Label, &r.Heat,
			&r.Change24h, &r.VolumePct, &vol, &extra); err != nil {
			return nil, errors.Wrap(err, "scan market row")
		}
		r.Time = time.Unix(ts, 0)
		r.Volume, _ = decimal.NewFromString(vol)
		if err := json.Unmarshal([]byte(extra), &r.Extra); err != nil {
			return nil, errors.Wrap(err, "decode market extra")
		}
		out = append(out, r)
	}

	return out, rows.Err()
}

// AppendPortfolio appends a portfolio snapshot row.
func (s *Store) AppendPortfolio(ctx context.Context, snap domain.PortfolioSnapshot) error {
	balances := make(map[string]string, len(snap.Balances))
	for asset, amount := range snap.Balances {
		balances[asset] = amount.String()
	}
	payload, err := json.Marshal(balances)
	if err != nil {
		return errors.Wrap(err, "encode balances")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO portfolio_history (ts, total_portfolio_value, free_cash, balances_json) VALUES (?, ?, ?, ?)`,
		snap.Time.Unix(), snap.TotalValue.String(), snap.FreeCash.String(), string(payload))
	return errors.Wrap(err, "insert portfolio snapshot")
}

// PortfolioHistorySince returns snapshots taken at or after since, oldest first.
func (s *Store) PortfolioHistorySince(ctx context.Context, since time.Time) ([]domain.PortfolioSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ts, total_portfolio_value, free_cash, balances_json
		FROM portfolio_history WHERE ts >= ? ORDER BY ts ASC, id ASC`, since.Unix())
	if err != nil {
		return nil, errors.Wrap(err, "query portfolio history")
	}
	defer rows.Close()

	var out []domain.PortfolioSnapshot
	for rows.Next() {
		var (
			ts                    int64
			total, free, balances string
		)
		if err := rows.Scan(&ts, &total, &free, &balances); err != nil {
			return nil, errors.Wrap(err, "scan portfolio row")
		}

		snap := domain.PortfolioSnapshot{Time: time.Unix(ts, 0), Balances: domain.Balances{}}
		snap.TotalValue, _ = decimal.NewFromString(total)
		snap.FreeCash, _ = decimal.NewFromString(free)

		raw := map[string]string{}
		if err := json.Unmarshal([]byte(balances), &raw); err != nil {
			return nil, errors.Wrap(err, "decode balances")
		}
		for asset, amount := range raw {
			snap.Balances[asset], _ = decimal.NewFromString(amount)
		}
		out = append(out, snap)
	}

	return out, rows.Err()
}

// AddTreasury appends a treasury contribution.
func (s *Store) AddTreasury(ctx context.Context, entry domain.TreasuryEntry) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO treasury (ts, asset, amount, amount_fiat, amount_btc, description) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Time.Unix(), entry.Asset, entry.Amount.String(), entry.AmountFiat.String(), entry.AmountBTC.String(), entry.Description)
	if err != nil {
		return 0, errors.Wrap(err, "insert treasury entry")
	}
	return res.LastInsertId()
}

// TreasuryHoldings returns the skimmed amount per asset and the fiat total at skim time.
func (s *Store) TreasuryHoldings(ctx context.Context) (domain.Balances, decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT asset, amount, amount_fiat FROM treasury`)
	if err != nil {
		return nil, decimal.Zero, errors.Wrap(err, "query treasury")
	}
	defer rows.Close()

	held := domain.Balances{}
	totalFiat := decimal.Zero
	for rows.Next() {
		var asset, amount, fiat string
		if err := rows.Scan(&asset, &amount, &fiat); err != nil {
			return nil, decimal.Zero, errors.Wrap(err, "scan treasury row")
		}
		a, _ := decimal.NewFromString(amount)
		f, _ := decimal.NewFromString(fiat)
		held[asset] = held.Get(asset).Add(a)
		totalFiat = totalFiat.Add(f)
	}

	return held, totalFiat, rows.Err()
}
