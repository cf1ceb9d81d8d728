package timeseries

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/ceibe/internal/domain"
)

// CreateTrade inserts trade as the active trade of its slot. Any trade already
// active in that slot is deactivated in the same transaction.
func (s *Store) CreateTrade(ctx context.Context, trade *domain.Trade) error {
	path, err := json.Marshal(trade.PathHistory)
	if err != nil {
		return errors.Wrap(err, "encode path history")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin trade tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE trades SET is_active = 0, state = ?, closed_at = ? WHERE slot_id = ? AND is_active = 1`,
		string(domain.StateClosed), trade.CreatedAt.Unix(), trade.SlotID); err != nil {
		return errors.Wrapf(err, "deactivate slot %d", trade.SlotID)
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO trades
		(slot_id, asset, quote, amount, entry_price, highest_price, initial_fiat_value, stop_loss,
		 path_history, state, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		trade.SlotID, trade.Asset, trade.Quote, trade.Amount.String(), trade.EntryPrice.String(),
		trade.HighestPrice.String(), trade.InitialFiatValue.String(), trade.StopLoss.String(),
		string(path), string(trade.State), trade.CreatedAt.Unix())
	if err != nil {
		return errors.Wrapf(err, "insert trade for slot %d", trade.SlotID)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "read trade id")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit trade tx")
	}
	trade.ID = id
	trade.Active = true

	return nil
}

// UpdateTrade persists the mutable fields of an active trade.
func (s *Store) UpdateTrade(ctx context.Context, trade *domain.Trade) error {
	_, err := s.db.ExecContext(ctx, `UPDATE trades SET amount = ?, initial_fiat_value = ?, highest_price = ?, stop_loss = ?, state = ?
		WHERE id = ? AND is_active = 1`,
		trade.Amount.String(), trade.InitialFiatValue.String(), trade.HighestPrice.String(), trade.StopLoss.String(),
		string(trade.State), trade.ID)
	return errors.Wrapf(err, "update trade %d", trade.ID)
}

// DeactivateTrade marks trade closed.
func (s *Store) DeactivateTrade(ctx context.Context, trade *domain.Trade) error {
	closedAt := trade.ClosedAt
	if closedAt.IsZero() {
		closedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `UPDATE trades SET is_active = 0, state = ?, closed_at = ?, highest_price = ?, stop_loss = ?
		WHERE id = ?`,
		string(domain.StateClosed), closedAt.Unix(), trade.HighestPrice.String(), trade.StopLoss.String(), trade.ID)
	return errors.Wrapf(err, "deactivate trade %d", trade.ID)
}

// ActiveTrades returns every active trade ordered by slot.
func (s *Store) ActiveTrades(ctx context.Context) ([]*domain.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, slot_id, asset, quote, amount, entry_price, highest_price,
		initial_fiat_value, stop_loss, path_history, state, created_at, closed_at
		FROM trades WHERE is_active = 1 ORDER BY slot_id`)
	if err != nil {
		return nil, errors.Wrap(err, "query active trades")
	}
	defer rows.Close()

	var out []*domain.Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, trade)
	}

	return out, rows.Err()
}

// TradeHistory returns the most recent trades of a slot, newest first.
func (s *Store) TradeHistory(ctx context.Context, slot int, limit int) ([]*domain.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, slot_id, asset, quote, amount, entry_price, highest_price,
		initial_fiat_value, stop_loss, path_history, state, created_at, closed_at
		FROM trades WHERE slot_id = ? ORDER BY id DESC LIMIT ?`, slot, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query trade history")
	}
	defer rows.Close()

	var out []*domain.Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, trade)
	}

	return out, rows.Err()
}

func scanTrade(rows *sql.Rows) (*domain.Trade, error) {
	var (
		t                                                  domain.Trade
		amount, entry, highest, initial, stop, path, state string
		createdAt                                          int64
		closedAt                                           sql.NullInt64
	)
	if err := rows.Scan(&t.ID, &t.SlotID, &t.Asset, &t.Quote, &amount, &entry, &highest,
		&initial, &stop, &path, &state, &createdAt, &closedAt); err != nil {
		return nil, errors.Wrap(err, "scan trade")
	}

	fields := []struct {
		raw string
		dst *decimal.Decimal
	}{
		{amount, &t.Amount},
		{entry, &t.EntryPrice},
		{highest, &t.HighestPrice},
		{initial, &t.InitialFiatValue},
		{stop, &t.StopLoss},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return nil, errors.Wrapf(err, "decode trade %d", t.ID)
		}
		*f.dst = v
	}
	if err := json.Unmarshal([]byte(path), &t.PathHistory); err != nil {
		return nil, errors.Wrapf(err, "decode trade %d path", t.ID)
	}

	t.State = domain.TradeState(state)
	t.CreatedAt = time.Unix(createdAt, 0)
	t.Active = !closedAt.Valid
	if closedAt.Valid {
		t.ClosedAt = time.Unix(closedAt.Int64, 0)
	}

	return &t, nil
}
