// Package lifecycleworker runs the periodic appointment maintenance loops:
// the meet-link safety sweep and stale token expiry.
package lifecycleworker

import (
	"context"
	"sync"
	"time"

	"github.com/wolfman30/clinic-queue-platform/pkg/logging"
)

// Task is one unit of periodic work. It reports how many records it touched.
type Task func(ctx context.Context) (int, error)

// Job runs a Task on a fixed interval, once immediately on start.
type Job struct {
	name     string
	task     Task
	interval time.Duration
	timeout  time.Duration
	logger   *logging.Logger

	mu      sync.Mutex
	lastRun time.Time
	lastN   int
	lastErr error
}

func NewJob(name string, task Task, logger *logging.Logger) *Job {
	if logger == nil {
		logger = logging.Default()
	}
	return &Job{
		name:     name,
		task:     task,
		interval: time.Hour,
		timeout:  2 * time.Minute,
		logger:   logger.Component("worker").With("job", name),
	}
}

func (j *Job) WithInterval(d time.Duration) *Job {
	if d > 0 {
		j.interval = d
	}
	return j
}

// WithTimeout bounds a single run.
func (j *Job) WithTimeout(d time.Duration) *Job {
	if d > 0 {
		j.timeout = d
	}
	return j
}

func (j *Job) Name() string { return j.name }

// Run blocks until ctx is cancelled.
func (j *Job) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	j.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.runOnce(ctx)
		}
	}
}

func (j *Job) runOnce(ctx context.Context) {
	if j.task == nil {
		return
	}
	runCtx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	started := time.Now()
	n, err := j.task(runCtx)

	j.mu.Lock()
	j.lastRun = started
	j.lastN = n
	j.lastErr = err
	j.mu.Unlock()

	if err != nil {
		j.logger.Error("job run failed", "error", err, "processed", n)
		return
	}
	if n > 0 {
		j.logger.Info("job run complete", "processed", n, "duration", time.Since(started))
		return
	}
	j.logger.Debug("job run complete, nothing to do")
}

// LastRun reports the most recent run.
func (j *Job) LastRun() (time.Time, int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastRun, j.lastN, j.lastErr
}

// Group runs jobs side by side and waits for them on Wait.
type Group struct {
	jobs []*Job
	wg   sync.WaitGroup
}

func NewGroup(jobs ...*Job) *Group {
	return &Group{jobs: jobs}
}

func (g *Group) Start(ctx context.Context) {
	for _, job := range g.jobs {
		g.wg.Add(1)
		go func(job *Job) {
			defer g.wg.Done()
			job.Run(ctx)
		}(job)
	}
}

func (g *Group) Wait() {
	g.wg.Wait()
}
