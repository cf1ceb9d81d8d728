package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	PlatformBinance  = "binance"
	PlatformSimulate = "simulate"
)

// Config engine settings. Percentages are expressed in percent (1.5 means 1.5%).
type Config struct {
	Platform string
	ReadOnly bool
	LogLevel string

	Whitelist              []string
	FiatAssets             []string
	DefaultFiat            string
	ScanBases              []string
	ReserveAsset           string
	DiversificationTargets []string

	MaxSlots                    int
	PositionCapPercent          decimal.Decimal
	SwapFractionPercent         decimal.Decimal
	MinOrderValue               decimal.Decimal
	HardStopPercent             decimal.Decimal
	RotationZonePercent         decimal.Decimal
	ProtectionActivationPercent decimal.Decimal
	TrailingActivationPercent   decimal.Decimal
	TrailingDropPercent         decimal.Decimal
	RotationHeatMargin          float64
	JumpHeatMargin              float64
	JumpProfitStep              float64
	EntryHeatThreshold          float64
	SkimPercent                 decimal.Decimal
	SkimMinProfitPercent        decimal.Decimal
	ReserveTargetPercent        decimal.Decimal
	ReserveWarningPercent       decimal.Decimal
	ReserveCriticalPercent      decimal.Decimal
	TakerFee                    decimal.Decimal
	SimulateStartBalance        decimal.Decimal

	ScanInterval              time.Duration
	ZoneIntervals             map[string]time.Duration
	TrackingInterval          time.Duration
	SnapshotMinInterval       time.Duration
	PortfolioSnapshotInterval time.Duration
	MaintenanceInterval       time.Duration
	RadarTTL                  time.Duration

	DBPath        string
	SnapshotPath  string
	LedgerPath    string
	WALDir        string
	PaperStateDir string
	DiskWarnBytes int64
	MetricsAddr   string
}

// ConfigTmp raw yaml representation; decimals are kept as strings so
// "0.1" is parsed exactly.
type ConfigTmp struct {
	Platform string `yaml:"platform"`
	ReadOnly bool   `yaml:"read_only"`
	LogLevel string `yaml:"log_level"`

	Whitelist              []string `yaml:"whitelist"`
	FiatAssets             []string `yaml:"fiat_assets"`
	DefaultFiat            string   `yaml:"default_fiat"`
	ScanBases              []string `yaml:"scan_bases"`
	ReserveAsset           string   `yaml:"reserve_asset"`
	DiversificationTargets []string `yaml:"diversification_targets"`

	MaxSlots                    int     `yaml:"max_slots"`
	PositionCapPercent          string  `yaml:"position_cap_percent"`
	SwapFractionPercent         string  `yaml:"swap_fraction_percent"`
	MinOrderValue               string  `yaml:"min_order_value"`
	HardStopPercent             string  `yaml:"hard_stop_percent"`
	RotationZonePercent         string  `yaml:"rotation_zone_percent"`
	ProtectionActivationPercent string  `yaml:"protection_activation_percent"`
	TrailingActivationPercent   string  `yaml:"trailing_activation_percent"`
	TrailingDropPercent         string  `yaml:"trailing_drop_percent"`
	RotationHeatMargin          float64 `yaml:"rotation_heat_margin"`
	JumpHeatMargin              float64 `yaml:"jump_heat_margin"`
	JumpProfitStep              float64 `yaml:"jump_profit_step"`
	EntryHeatThreshold          float64 `yaml:"entry_heat_threshold"`
	SkimPercent                 string  `yaml:"skim_percent"`
	SkimMinProfitPercent        string  `yaml:"skim_min_profit_percent"`
	ReserveTargetPercent        string  `yaml:"reserve_target_percent"`
	ReserveWarningPercent       string  `yaml:"reserve_warning_percent"`
	ReserveCriticalPercent      string  `yaml:"reserve_critical_percent"`
	TakerFee                    string  `yaml:"taker_fee"`
	SimulateStartBalance        string  `yaml:"simulate_start_balance"`

	ScanInterval              time.Duration            `yaml:"scan_interval"`
	ZoneIntervals             map[string]time.Duration `yaml:"zone_intervals"`
	TrackingInterval          time.Duration            `yaml:"tracking_interval"`
	SnapshotMinInterval       time.Duration            `yaml:"snapshot_min_interval"`
	PortfolioSnapshotInterval time.Duration            `yaml:"portfolio_snapshot_interval"`
	MaintenanceInterval       time.Duration            `yaml:"maintenance_interval"`
	RadarTTL                  time.Duration            `yaml:"radar_ttl"`

	DBPath        string `yaml:"db_path"`
	SnapshotPath  string `yaml:"snapshot_path"`
	LedgerPath    string `yaml:"ledger_path"`
	WALDir        string `yaml:"wal_dir"`
	PaperStateDir string `yaml:"paper_state_dir"`
	DiskWarnBytes int64  `yaml:"disk_warn_bytes"`
	MetricsAddr   string `yaml:"metrics_addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Platform:               PlatformSimulate,
		LogLevel:               "info",
		Whitelist:              []string{"BTC", "ETH", "BNB", "SOL", "XRP", "ADA", "DOGE", "LINK", "DOT", "AVAX"},
		FiatAssets:             []string{"EUR", "USDC"},
		DefaultFiat:            "EUR",
		ScanBases:              []string{"EUR", "USDT", "BTC"},
		ReserveAsset:           "BNB",
		DiversificationTargets: []string{"BTC", "ETH"},

		MaxSlots:                    4,
		PositionCapPercent:          decimal.NewFromInt(25),
		SwapFractionPercent:         decimal.NewFromInt(25),
		MinOrderValue:               decimal.NewFromInt(10),
		HardStopPercent:             decimal.RequireFromString("1.5"),
		RotationZonePercent:         decimal.RequireFromString("0.5"),
		ProtectionActivationPercent: decimal.RequireFromString("0.3"),
		TrailingActivationPercent:   decimal.RequireFromString("0.6"),
		TrailingDropPercent:         decimal.RequireFromString("0.5"),
		RotationHeatMargin:          10,
		JumpHeatMargin:              15,
		JumpProfitStep:              1,
		EntryHeatThreshold:          70,
		SkimPercent:                 decimal.NewFromInt(5),
		SkimMinProfitPercent:        decimal.NewFromInt(1),
		ReserveTargetPercent:        decimal.NewFromInt(5),
		ReserveWarningPercent:       decimal.RequireFromString("2.5"),
		ReserveCriticalPercent:      decimal.NewFromInt(1),
		TakerFee:                    decimal.RequireFromString("0.001"),
		SimulateStartBalance:        decimal.NewFromInt(1000),

		ScanInterval: 5 * time.Second,
		ZoneIntervals: map[string]time.Duration{
			"hot":    5 * time.Second,
			"warm":   15 * time.Second,
			"cold":   50 * time.Second,
			"frozen": 2 * time.Minute,
		},
		TrackingInterval:          2 * time.Second,
		SnapshotMinInterval:       5 * time.Second,
		PortfolioSnapshotInterval: 30 * time.Minute,
		MaintenanceInterval:       time.Minute,
		RadarTTL:                  30 * time.Minute,

		DBPath:        "./shared/bot_data.db",
		SnapshotPath:  "./shared/state.json",
		LedgerPath:    "./bitacora.txt",
		WALDir:        "./wal/swaps",
		PaperStateDir: "./wal/simulate",
		DiskWarnBytes: 512 << 20,
	}
}

// Load reads a yaml file and overlays it on the defaults.
func Load(path string) (Config, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}

	var tmp ConfigTmp
	if err := yaml.Unmarshal(f, &tmp); err != nil {
		return Config{}, errors.Wrap(err, "decode yaml config")
	}

	cfg, err := tmp.apply(Default())
	if err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

func (c ConfigTmp) apply(cfg Config) (Config, error) {
	if c.Platform != "" {
		cfg.Platform = strings.ToLower(c.Platform)
	}
	cfg.ReadOnly = c.ReadOnly
	if c.LogLevel != "" {
		cfg.LogLevel = c.LogLevel
	}

	setAssets(&cfg.Whitelist, c.Whitelist)
	setAssets(&cfg.FiatAssets, c.FiatAssets)
	setAssets(&cfg.ScanBases, c.ScanBases)
	setAssets(&cfg.DiversificationTargets, c.DiversificationTargets)
	if c.DefaultFiat != "" {
		cfg.DefaultFiat = strings.ToUpper(c.DefaultFiat)
	}
	if c.ReserveAsset != "" {
		cfg.ReserveAsset = strings.ToUpper(c.ReserveAsset)
	}
	if c.MaxSlots > 0 {
		cfg.MaxSlots = c.MaxSlots
	}

	decimals := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"position_cap_percent", c.PositionCapPercent, &cfg.PositionCapPercent},
		{"swap_fraction_percent", c.SwapFractionPercent, &cfg.SwapFractionPercent},
		{"min_order_value", c.MinOrderValue, &cfg.MinOrderValue},
		{"hard_stop_percent", c.HardStopPercent, &cfg.HardStopPercent},
		{"rotation_zone_percent", c.RotationZonePercent, &cfg.RotationZonePercent},
		{"protection_activation_percent", c.ProtectionActivationPercent, &cfg.ProtectionActivationPercent},
		{"trailing_activation_percent", c.TrailingActivationPercent, &cfg.TrailingActivationPercent},
		{"trailing_drop_percent", c.TrailingDropPercent, &cfg.TrailingDropPercent},
		{"skim_percent", c.SkimPercent, &cfg.SkimPercent},
		{"skim_min_profit_percent", c.SkimMinProfitPercent, &cfg.SkimMinProfitPercent},
		{"reserve_target_percent", c.ReserveTargetPercent, &cfg.ReserveTargetPercent},
		{"reserve_warning_percent", c.ReserveWarningPercent, &cfg.ReserveWarningPercent},
		{"reserve_critical_percent", c.ReserveCriticalPercent, &cfg.ReserveCriticalPercent},
		{"taker_fee", c.TakerFee, &cfg.TakerFee},
		{"simulate_start_balance", c.SimulateStartBalance, &cfg.SimulateStartBalance},
	}
	for _, v := range decimals {
		if v.raw == "" {
			continue
		}
		parsed, err := decimal.NewFromString(v.raw)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect '%s' param in yaml config (must be a decimal), error: %w", v.name, err)
		}
		*v.dst = parsed
	}

	floats := []struct {
		val float64
		dst *float64
	}{
		{c.RotationHeatMargin, &cfg.RotationHeatMargin},
		{c.JumpHeatMargin, &cfg.JumpHeatMargin},
		{c.JumpProfitStep, &cfg.JumpProfitStep},
		{c.EntryHeatThreshold, &cfg.EntryHeatThreshold},
	}
	for _, v := range floats {
		if v.val > 0 {
			*v.dst = v.val
		}
	}

	durations := []struct {
		val time.Duration
		dst *time.Duration
	}{
		{c.ScanInterval, &cfg.ScanInterval},
		{c.TrackingInterval, &cfg.TrackingInterval},
		{c.SnapshotMinInterval, &cfg.SnapshotMinInterval},
		{c.PortfolioSnapshotInterval, &cfg.PortfolioSnapshotInterval},
		{c.MaintenanceInterval, &cfg.MaintenanceInterval},
		{c.RadarTTL, &cfg.RadarTTL},
	}
	for _, v := range durations {
		if v.val > 0 {
			*v.dst = v.val
		}
	}
	for zone, interval := range c.ZoneIntervals {
		if interval > 0 {
			cfg.ZoneIntervals[strings.ToLower(zone)] = interval
		}
	}

	strs := []struct {
		val string
		dst *string
	}{
		{c.DBPath, &cfg.DBPath},
		{c.SnapshotPath, &cfg.SnapshotPath},
		{c.LedgerPath, &cfg.LedgerPath},
		{c.WALDir, &cfg.WALDir},
		{c.PaperStateDir, &cfg.PaperStateDir},
		{c.MetricsAddr, &cfg.MetricsAddr},
	}
	for _, v := range strs {
		if v.val != "" {
			*v.dst = v.val
		}
	}
	if c.DiskWarnBytes > 0 {
		cfg.DiskWarnBytes = c.DiskWarnBytes
	}

	return cfg, nil
}

// Validate checks invariants between settings.
func (c Config) Validate() error {
	switch c.Platform {
	case PlatformBinance, PlatformSimulate:
	default:
		return fmt.Errorf("unsupported platform %q", c.Platform)
	}
	if len(c.Whitelist) == 0 {
		return errors.New("whitelist must not be empty")
	}
	if !c.IsFiat(c.DefaultFiat) {
		return fmt.Errorf("default_fiat %s must be one of fiat_assets %v", c.DefaultFiat, c.FiatAssets)
	}
	if c.MaxSlots < 1 {
		return errors.New("max_slots must be at least 1")
	}
	hundred := decimal.NewFromInt(100)
	if c.PositionCapPercent.LessThanOrEqual(decimal.Zero) || c.PositionCapPercent.GreaterThan(hundred) {
		return fmt.Errorf("invalid position_cap_percent %s", c.PositionCapPercent)
	}
	if c.SwapFractionPercent.LessThanOrEqual(decimal.Zero) || c.SwapFractionPercent.GreaterThan(hundred) {
		return fmt.Errorf("invalid swap_fraction_percent %s", c.SwapFractionPercent)
	}
	if c.RotationZonePercent.GreaterThanOrEqual(c.HardStopPercent) {
		return errors.New("rotation_zone_percent must be below hard_stop_percent")
	}
	if c.ProtectionActivationPercent.GreaterThan(c.TrailingActivationPercent) {
		return errors.New("protection_activation_percent must not exceed trailing_activation_percent")
	}
	if !(c.ReserveCriticalPercent.LessThan(c.ReserveWarningPercent) && c.ReserveWarningPercent.LessThanOrEqual(c.ReserveTargetPercent)) {
		return errors.New("reserve thresholds must satisfy critical < warning <= target")
	}
	if c.MinOrderValue.LessThanOrEqual(decimal.Zero) {
		return errors.New("min_order_value must be positive")
	}
	for _, zone := range []string{"hot", "warm", "cold", "frozen"} {
		if c.ZoneIntervals[zone] <= 0 {
			return fmt.Errorf("zone_intervals.%s must be positive", zone)
		}
	}
	return nil
}

// IsFiat reports whether asset is a settlement asset.
func (c Config) IsFiat(asset string) bool {
	return contains(c.FiatAssets, asset)
}

// IsWhitelisted reports whether asset may be traded.
func (c Config) IsWhitelisted(asset string) bool {
	return contains(c.Whitelist, asset)
}

// IsDiversificationTarget reports whether asset qualifies for skims and the heat bonus.
func (c Config) IsDiversificationTarget(asset string) bool {
	return contains(c.DiversificationTargets, asset)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func setAssets(dst *[]string, src []string) {
	if len(src) == 0 {
		return
	}
	out := make([]string, 0, len(src))
	for _, s := range src {
		out = append(out, strings.ToUpper(strings.TrimSpace(s)))
	}
	*dst = out
}
