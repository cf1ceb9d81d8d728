// Package snapshot writes the dashboard-facing state document.
package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// State external document read by dashboards. Every field is optional.
type State struct {
	Timestamp           time.Time         `json:"timestamp"`
	MarketStatus        *MarketStatus     `json:"market_status,omitempty"`
	GasStatus           *GasStatus        `json:"gas_status,omitempty"`
	Treasury            *Treasury         `json:"treasury,omitempty"`
	FreeCash            string            `json:"free_cash_eur,omitempty"`
	TotalPortfolioValue string            `json:"total_portfolio_value,omitempty"`
	InvestableCapital   string            `json:"investable_capital,omitempty"`
	Balances            map[string]string `json:"balances,omitempty"`
	Prices              map[string]string `json:"prices,omitempty"`
	OpenTrades          []OpenTrade       `json:"open_trades,omitempty"`
	RadarData           []RadarRow        `json:"radar_data,omitempty"`
	DynamicInventory    []InventoryRow    `json:"dynamic_inventory,omitempty"`
	Zones               map[string]int    `json:"zones,omitempty"`
	Extra               map[string]any    `json:"extra,omitempty"`
}

// MarketStatus broad market summary.
type MarketStatus struct {
	BTCChange24h float64 `json:"btc_change"`
	Mode         string  `json:"mode,omitempty"`
}

// GasStatus reserve asset summary.
type GasStatus struct {
	Asset      string  `json:"asset"`
	Percentage float64 `json:"percentage"`
	Target     float64 `json:"target"`
	Tier       string  `json:"tier"`
	Color      string  `json:"color"`
	ValueFiat  string  `json:"value_eur,omitempty"`
}

// Treasury skimmed reserve summary.
type Treasury struct {
	TotalFiat string            `json:"total_eur"`
	Holdings  map[string]string `json:"holdings,omitempty"`
}

// OpenTrade active slot position.
type OpenTrade struct {
	SlotID       int      `json:"slot_id"`
	Asset        string   `json:"symbol"`
	Quote        string   `json:"base_asset"`
	Amount       string   `json:"amount"`
	EntryPrice   string   `json:"entry_price"`
	CurrentPrice string   `json:"current_price,omitempty"`
	HighestPrice string   `json:"highest_price"`
	StopLoss     string   `json:"stop_loss"`
	InitialValue string   `json:"initial_fiat_value"`
	CurrentValue string   `json:"current_value,omitempty"`
	ProfitPct    float64  `json:"pnl_percent"`
	State        string   `json:"state"`
	PathHistory  []string `json:"path_history,omitempty"`
	OpenedAt     int64    `json:"created_at"`
}

// RadarRow ranked radar entry.
type RadarRow struct {
	Pair            string  `json:"pair"`
	Label           string  `json:"swap_label"`
	Origin          string  `json:"origin"`
	Destination     string  `json:"destination"`
	Heat            float64 `json:"heat_score"`
	Zone            string  `json:"zone"`
	RSI             float64 `json:"rsi"`
	EMADistance     float64 `json:"ema_distance"`
	VolumeTrend     string  `json:"volume_status"`
	ProfitPotential float64 `json:"profit_potential"`
	Change24h       float64 `json:"change_24h"`
	Price           string  `json:"price,omitempty"`
}

// InventoryRow held asset valued in the default fiat.
type InventoryRow struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
	Value  string `json:"value_eur"`
	InSlot bool   `json:"in_slot"`
}

// Writer rewrites the state document atomically, at most once per interval.
type Writer struct {
	mu          sync.Mutex
	path        string
	minInterval time.Duration
	last        time.Time
	now         func() time.Time
}

// NewWriter creates a writer for path.
func NewWriter(path string, minInterval time.Duration) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create snapshot dir")
		}
	}
	return &Writer{path: path, minInterval: minInterval, now: time.Now}, nil
}

// Path returns the document path.
func (w *Writer) Path() string {
	return w.path
}

// Write persists state unless the previous write happened less than the
// minimum interval ago. force bypasses the throttle. Reports whether the file was written.
func (w *Writer) Write(state State, force bool) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if !force && !w.last.IsZero() && now.Sub(w.last) < w.minInterval {
		return false, nil
	}
	if state.Timestamp.IsZero() {
		state.Timestamp = now
	}

	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return false, errors.Wrap(err, "encode state snapshot")
	}

	if err := replaceFile(w.path, payload); err != nil {
		return false, err
	}

	w.last = now
	return true, nil
}

// replaceFile writes payload to a synced temp file next to path and renames it
// over path. The temp file never outlives a failed write.
func replaceFile(path string, payload []byte) (err error) {
	tmp := path + ".tmp"
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "create state snapshot temp file")
	}
	if _, err = f.Write(payload); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "write state snapshot temp file")
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "sync state snapshot temp file")
	}
	if err = f.Close(); err != nil {
		return errors.Wrap(err, "close state snapshot temp file")
	}
	if err = os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "persist state snapshot")
	}
	return nil
}

// Read loads the current document. A missing file yields an empty state.
func Read(path string) (State, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, nil
		}
		return State{}, errors.Wrap(err, "read state snapshot")
	}
	if len(payload) == 0 {
		return State{}, nil
	}

	var state State
	if err := json.Unmarshal(payload, &state); err != nil {
		return State{}, errors.Wrap(err, "decode state snapshot")
	}
	return state, nil
}
