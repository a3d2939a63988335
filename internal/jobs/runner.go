package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"nationalpos/backend/internal/logging"
	"nationalpos/backend/internal/metrics"
)

const DefaultLockTTL = 2 * time.Minute

var ErrUnknownJob = errors.New("unknown job")

// Job is one synchronous pass of scheduled work. An external scheduler
// decides when it runs; the runner only guarantees a single runner at a time.
type Job func(ctx context.Context) (any, error)

type Result struct {
	Job       string        `json:"job"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Output    any           `json:"output,omitempty"`
}

type Runner struct {
	jobs    map[string]Job
	locker  Locker
	lockTTL time.Duration
	metrics *metrics.Metrics
	log     *logrus.Entry
}

func NewRunner(locker Locker, lockTTL time.Duration, logger *logrus.Logger, m *metrics.Metrics) *Runner {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return &Runner{
		jobs:    make(map[string]Job),
		locker:  locker,
		lockTTL: lockTTL,
		metrics: m,
		log:     logging.Module(logger, "jobs"),
	}
}

func (r *Runner) Register(name string, job Job) {
	r.jobs[name] = job
}

func (r *Runner) Names() []string {
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes the named job while holding its lock. A job whose lock is held
// elsewhere is not run and returns ErrLockHeld.
func (r *Runner) Run(ctx context.Context, name string) (Result, error) {
	job, ok := r.jobs[name]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	lock, err := r.locker.Obtain(ctx, name, r.lockTTL)
	if err != nil {
		r.log.WithField("job", name).WithError(err).Warn("job not started")
		return Result{}, err
	}
	defer func() {
		if releaseErr := lock.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			r.log.WithField("job", name).WithError(releaseErr).Warn("failed to release job lock")
		}
	}()

	started := time.Now()
	output, err := job(ctx)
	result := Result{Job: name, StartedAt: started.UTC(), Duration: time.Since(started), Output: output}
	r.metrics.RecordOperation("job_"+name, err, result.Duration)
	entry := r.log.WithFields(logrus.Fields{"job": name, "duration": result.Duration.String()})
	if err != nil {
		logging.LogError(r.log, "Run", "job failed", name, err)
		return result, err
	}
	entry.Info("job finished")
	return result, nil
}
