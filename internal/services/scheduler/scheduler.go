// Package scheduler multiplexes periodic engine tasks of different cadence on
// one dispatch loop.
package scheduler

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ceibe/internal/metrics"
)

// DefaultResolution dispatch loop period.
const DefaultResolution = 250 * time.Millisecond

// TrackPrefix name prefix of high-frequency tracking tasks.
const TrackPrefix = "track:"

// TaskFunc runs one iteration of a task. Returning done removes the task.
type TaskFunc func(ctx context.Context) (done bool, err error)

// TrackerFactory builds the tracking task of an asset.
type TrackerFactory func(asset string) TaskFunc

type task struct {
	name     string
	interval time.Duration
	next     time.Time
	running  bool
	fn       TaskFunc
}

// Scheduler task registry with a central dispatch loop. Every due task runs in
// its own goroutine; a task still in flight is skipped until it returns.
type Scheduler struct {
	resolution time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu              sync.Mutex
	tasks           map[string]*task
	tracker         TrackerFactory
	trackerInterval time.Duration

	wg sync.WaitGroup
}

// New creates a scheduler; metrics may be nil.
func New(logger *zap.Logger, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		resolution: DefaultResolution,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
		tasks:      make(map[string]*task),
	}
}

// Register adds a task first due immediately. Returns false if name is taken.
func (s *Scheduler) Register(name string, interval time.Duration, fn TaskFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[name]; ok {
		return false
	}
	s.tasks[name] = &task{name: name, interval: interval, next: s.now(), fn: fn}
	s.reportTracked()
	return true
}

// Remove drops a task; an iteration in flight still completes.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, name)
	s.reportTracked()
}

func (s *Scheduler) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[name]
	return ok
}

// Names returns registered task names, sorted.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Tracked returns the assets under high-frequency tracking.
func (s *Scheduler) Tracked() []string {
	var out []string
	for _, name := range s.Names() {
		if asset, ok := strings.CutPrefix(name, TrackPrefix); ok {
			out = append(out, asset)
		}
	}
	return out
}

// SetTracker installs the factory used by Promote.
func (s *Scheduler) SetTracker(interval time.Duration, factory TrackerFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracker = factory
	s.trackerInterval = interval
}

// Promote starts tracking asset unless it is already tracked. Returns true when
// a task was added.
func (s *Scheduler) Promote(asset string) bool {
	s.mu.Lock()
	factory, interval := s.tracker, s.trackerInterval
	s.mu.Unlock()

	if factory == nil {
		return false
	}
	name := TrackPrefix + asset
	if s.Has(name) {
		return false
	}
	if !s.Register(name, interval, factory(asset)) {
		return false
	}
	s.logger.Info("tracking promoted", zap.String("asset", asset))
	return true
}

// Run dispatches due tasks until ctx is cancelled, then waits for running
// iterations to return.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.resolution)
	defer ticker.Stop()

	s.Dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return nil
		case <-ticker.C:
			s.Dispatch(ctx)
		}
	}
}

// Dispatch starts every due task that is not in flight and returns how many
// were started.
func (s *Scheduler) Dispatch(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	started := 0
	for _, t := range s.tasks {
		if t.running || now.Before(t.next) {
			continue
		}
		t.running = true
		t.next = now.Add(t.interval)
		started++

		s.metrics.TaskRun(t.name)
		s.wg.Add(1)
		go s.run(ctx, t)
	}
	return started
}

// Wait blocks until every dispatched iteration returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, t *task) {
	defer s.wg.Done()

	done, err := s.call(ctx, t)
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("task failed", zap.String("task", t.name), zap.Error(err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t.running = false
	if done && s.tasks[t.name] == t {
		delete(s.tasks, t.name)
		s.reportTracked()
		s.logger.Info("task finished", zap.String("task", t.name))
	}
}

// call runs one iteration; a panic is contained to the task and reported as
// its error.
func (s *Scheduler) call(ctx context.Context, t *task) (done bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked", zap.String("task", t.name), zap.Any("panic", r), zap.Stack("stack"))
			done, err = false, errors.Errorf("task %s panicked: %v", t.name, r)
		}
	}()
	return t.fn(ctx)
}

// reportTracked expects s.mu held.
func (s *Scheduler) reportTracked() {
	n := 0
	for name := range s.tasks {
		if strings.HasPrefix(name, TrackPrefix) {
			n++
		}
	}
	s.metrics.SetTrackedPairs(n)
}
