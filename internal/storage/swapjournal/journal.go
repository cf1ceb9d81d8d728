// Package swapjournal records swap intents in a write-ahead log so an
// interrupted conversion is detected on the next start.
package swapjournal

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/gowal"
)

const (
	intentKeyPrefix     = "swap_intent_"
	walSegmentThreshold = 1000
	walMaxSegments      = 50
	walDirPermissions   = 0o755
)

// Status intent lifecycle.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Intent a conversion about to be executed.
type Intent struct {
	ID       string          `json:"id"`
	Status   Status          `json:"status"`
	Kind     string          `json:"kind"`
	SlotID   int             `json:"slot_id,omitempty"`
	From     string          `json:"from"`
	To       string          `json:"to"`
	Amount   decimal.Decimal `json:"amount"`
	Received decimal.Decimal `json:"received"`
	Route    []string        `json:"route,omitempty"`
	Time     time.Time       `json:"time"`
	Error    string          `json:"error,omitempty"`
}

// Journal WAL-backed intent log. Safe for concurrent use.
type Journal struct {
	mu      sync.Mutex
	wal     *gowal.Wal
	intents map[string]*Intent
}

// Open opens the journal under dir and replays existing intents.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, walDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure WAL directory %s", dir)
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "swap_",
		SegmentThreshold: walSegmentThreshold,
		MaxSegments:      walMaxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init swap journal WAL")
	}

	j := &Journal{wal: wal, intents: make(map[string]*Intent)}
	for msg := range wal.Iterator() {
		if !strings.HasPrefix(msg.Key, intentKeyPrefix) {
			continue
		}
		var intent Intent
		if err := json.Unmarshal(msg.Value, &intent); err != nil {
			continue
		}
		// later records carry the newest status
		j.intents[intent.ID] = &intent
	}

	return j, nil
}

// Prepare records a pending intent.
func (j *Journal) Prepare(kind string, slot int, from, to string, amount decimal.Decimal, route []string) (*Intent, error) {
	intent := &Intent{
		ID:     uuid.New().String(),
		Status: StatusPending,
		Kind:   kind,
		SlotID: slot,
		From:   from,
		To:     to,
		Amount: amount,
		Route:  route,
		Time:   time.Now(),
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.persist(intent); err != nil {
		return nil, err
	}
	j.intents[intent.ID] = intent

	return intent, nil
}

// MarkDone records a completed intent and the amount received.
func (j *Journal) MarkDone(intent *Intent, received decimal.Decimal) error {
	if intent == nil {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	intent.Status = StatusDone
	intent.Received = received
	intent.Error = ""
	return j.persist(intent)
}

// MarkFailed records a failed intent.
func (j *Journal) MarkFailed(intent *Intent, cause error) error {
	if intent == nil {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	intent.Status = StatusFailed
	if cause != nil {
		intent.Error = cause.Error()
	}
	return j.persist(intent)
}

// Pending returns intents that never reached a final status.
func (j *Journal) Pending() []*Intent {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []*Intent
	for _, intent := range j.intents {
		if intent.Status == StatusPending {
			out = append(out, intent)
		}
	}
	return out
}

// RecoverInterrupted marks every pending intent as failed and returns them.
func (j *Journal) RecoverInterrupted() ([]*Intent, error) {
	pending := j.Pending()
	for _, intent := range pending {
		if err := j.MarkFailed(intent, errors.New("interrupted before completion")); err != nil {
			return nil, err
		}
	}
	return pending, nil
}

// Close closes the underlying WAL.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.wal.Close()
}

func (j *Journal) persist(intent *Intent) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return errors.Wrap(err, "failed to marshal swap intent")
	}
	key := fmt.Sprintf("%s%s", intentKeyPrefix, intent.ID)
	nextIndex := j.wal.CurrentIndex() + 1
	return j.wal.Write(nextIndex, key, data)
}
