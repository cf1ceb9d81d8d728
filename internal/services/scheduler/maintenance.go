package scheduler

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Job low-frequency maintenance step.
type Job struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Maintenance background loop that otherwise sleeps. Jobs run sequentially and
// a failing job never stops the others.
type Maintenance struct {
	interval time.Duration
	jobs     []Job
	logger   *zap.Logger
}

func NewMaintenance(interval time.Duration, logger *zap.Logger, jobs ...Job) *Maintenance {
	return &Maintenance{interval: interval, jobs: jobs, logger: logger}
}

// Run executes all jobs every interval until ctx is cancelled.
func (m *Maintenance) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce executes every job once.
func (m *Maintenance) RunOnce(ctx context.Context) {
	for _, job := range m.jobs {
		if ctx.Err() != nil {
			return
		}
		if err := job.Fn(ctx); err != nil {
			m.logger.Warn("maintenance job failed", zap.String("job", job.Name), zap.Error(err))
		}
	}
}

// DiskUsage returns the total size in bytes of the given files and directory
// trees. Missing paths count as zero.
func DiskUsage(paths ...string) (int64, error) {
	var total int64
	for _, root := range paths {
		if root == "" {
			continue
		}
		err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			total += info.Size()
			return nil
		})
		if err != nil {
			return total, errors.Wrapf(err, "disk usage of %s", root)
		}
	}
	return total, nil
}

// DiskCheckJob warns when paths grow beyond limit bytes.
func DiskCheckJob(limit int64, logger *zap.Logger, paths ...string) Job {
	return Job{
		Name: "disk-usage",
		Fn: func(context.Context) error {
			used, err := DiskUsage(paths...)
			if err != nil {
				return err
			}
			if limit > 0 && used > limit {
				logger.Warn("storage above limit",
					zap.Int64("bytes", used),
					zap.Int64("limit", limit),
					zap.Strings("paths", paths),
				)
			}
			return nil
		},
	}
}
