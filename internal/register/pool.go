package register

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BadgerOps/taleport/internal/provider"
	"github.com/BadgerOps/taleport/internal/store"
)

// Job registers one dataset below Parent.
type Job struct {
	Provider provider.Provider
	DataMap  provider.DataMap
	Parent   store.Node
	BaseURL  string
}

// Result is the outcome of a Job.
type Result struct {
	Job   Job
	Root  store.Node
	Error error
	index int // keeps results in input order
}

// Pool registers disjoint datasets concurrently. Each dataset is still
// traversed and materialized by a single worker.
type Pool struct {
	materializer *Materializer
	workers      int
	timeout      time.Duration
	tracker      *Tracker
	logger       *slog.Logger
}

// NewPool creates a pool with the given number of workers. A zero timeout
// leaves each job bounded only by the caller's context.
func NewPool(m *Materializer, workers int, timeout time.Duration, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		materializer: m,
		workers:      workers,
		timeout:      timeout,
		logger:       logger,
	}
}

// WithTracker reports provider progress and per-dataset outcomes to t.
func (p *Pool) WithTracker(t *Tracker) *Pool {
	p.tracker = t
	return p
}

type jobWithIndex struct {
	job   Job
	index int
}

// Execute runs every job and waits for them. Results keep the order of
// jobs. Jobs not started before ctx is cancelled report ctx.Err().
func (p *Pool) Execute(ctx context.Context, jobs []Job) []Result {
	if len(jobs) == 0 {
		return []Result{}
	}

	jobsChan := make(chan jobWithIndex, len(jobs))
	resultsChan := make(chan Result, len(jobs))
	for i, job := range jobs {
		jobsChan <- jobWithIndex{job: job, index: i}
	}
	close(jobsChan)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go p.worker(ctx, jobsChan, resultsChan, &wg)
	}
	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	results := make([]Result, 0, len(jobs))
	for result := range resultsChan {
		results = append(results, result)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].index < results[j].index
	})
	return results
}

func (p *Pool) worker(ctx context.Context, jobsChan <-chan jobWithIndex, resultsChan chan<- Result, wg *sync.WaitGroup) {
	defer wg.Done()

	for j := range jobsChan {
		if err := ctx.Err(); err != nil {
			resultsChan <- Result{Job: j.job, Error: err, index: j.index}
			continue
		}
		resultsChan <- p.run(ctx, j)
	}
}

func (p *Pool) run(ctx context.Context, j jobWithIndex) Result {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	var progress provider.Progress = provider.NopProgress{}
	if p.tracker != nil {
		progress = p.tracker
	}

	started := time.Now()
	dataID := j.job.DataMap.DataID
	root, err := p.materializer.Register(ctx, j.job.Provider, j.job.Parent, j.job.DataMap, j.job.BaseURL, progress)
	result := Result{Job: j.job, Root: root, Error: err, index: j.index}
	if err != nil {
		p.logger.Error("register job failed", "data_id", dataID, "provider", j.job.Provider.Name(), "error", err)
		if p.tracker != nil {
			p.tracker.DatasetFailed(dataID, err)
		}
		return result
	}
	p.logger.Info("register job completed", "data_id", dataID, "root", root.ID, "duration", time.Since(started).Truncate(time.Millisecond))
	if p.tracker != nil {
		p.tracker.DatasetCompleted(dataID)
	}
	return result
}
