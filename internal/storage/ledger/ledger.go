// Package ledger writes the append-only, human-readable event log of every
// liquidation, rotation, reserve action and profit skim.
package ledger

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Kind ledger event category.
type Kind string

const (
	KindOpen              Kind = "OPEN"
	KindForcedLiquidation Kind = "FORCED_LIQUIDATION"
	KindHardStop          Kind = "HARD_STOP"
	KindTrailingStop      Kind = "TRAILING_STOP"
	KindProtectedStop     Kind = "PROTECTED_STOP"
	KindRotation          Kind = "ROTATION"
	KindJump              Kind = "JUMP"
	KindOverexposure      Kind = "OVEREXPOSURE"
	KindReserveEmergency  Kind = "RESERVE_EMERGENCY"
	KindReserveStrategic  Kind = "RESERVE_STRATEGIC"
	KindReserveWithhold   Kind = "RESERVE_WITHHOLD"
	KindSkim              Kind = "SKIM"
	KindInterruptedSwap   Kind = "INTERRUPTED_SWAP"
	KindPositionAdopted   Kind = "POSITION_ADOPTED"
)

// Ledger append-only event log.
type Ledger struct {
	logger *zap.Logger
	file   *os.File
}

// Open opens (or creates) the ledger file at path in append mode.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create ledger dir")
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open ledger file")
	}

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		NameKey:        "kind",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(f), zap.InfoLevel)

	return &Ledger{logger: zap.New(core), file: f}, nil
}

// Nop returns a ledger that discards every event.
func Nop() *Ledger {
	return &Ledger{logger: zap.NewNop()}
}

// Record appends one timestamped event line.
func (l *Ledger) Record(kind Kind, msg string, fields ...zap.Field) {
	if l == nil {
		return
	}
	l.logger.Named(string(kind)).Info(msg, fields...)
}

// Close flushes and closes the ledger file.
func (l *Ledger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = l.logger.Sync()
	return l.file.Close()
}
