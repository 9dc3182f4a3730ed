package classify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bryan-buckman/curator/internal/model"
)

// ErrRunning is returned when a background run is already in progress.
var ErrRunning = errors.New("classify: a run is already in progress")

// Status is a point-in-time view of a background run.
type Status struct {
	Running   bool      `json:"running"`
	Done      int       `json:"done"`
	Total     int       `json:"total"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	Last      *Result   `json:"last,omitempty"`
}

// Job runs the driver in the background, one run at a time, and exposes its
// progress. It has no cancel: once started a run goes to completion.
type Job struct {
	driver *Driver
	wg     sync.WaitGroup

	mu     sync.Mutex
	status Status
}

// NewJob wraps a driver.
func NewJob(d *Driver) *Job {
	return &Job{driver: d}
}

// Start launches a run over articles. ctx only carries values; cancelling it
// does not stop the run.
func (j *Job) Start(ctx context.Context, articles []model.Article, settings model.OllamaSettings) error {
	j.mu.Lock()
	if j.status.Running {
		j.mu.Unlock()
		return ErrRunning
	}
	j.status = Status{Running: true, StartedAt: time.Now(), Last: j.status.Last}
	j.mu.Unlock()

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		res := j.driver.Run(context.WithoutCancel(ctx), articles, settings, func(done, total int) {
			j.mu.Lock()
			j.status.Done, j.status.Total = done, total
			j.mu.Unlock()
		})
		j.mu.Lock()
		j.status.Running = false
		j.status.Done, j.status.Total = res.Processed, res.Processed
		j.status.Last = &res
		j.mu.Unlock()
	}()
	return nil
}

// Status returns the current progress.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Wait blocks until the current run, if any, finishes.
func (j *Job) Wait() {
	j.wg.Wait()
}
