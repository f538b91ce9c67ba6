// Package pool runs tool jobs on a bounded set of worker goroutines.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/metrics"
	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/tools"
)

var (
	ErrQueueFull  = errors.New("pool: task queue full")
	ErrClosed     = errors.New("pool: closed")
	ErrNotRunning = errors.New("pool: not running")
)

const (
	minWorkers = 1
	maxWorkers = 5
)

// Config sizes the pool.
type Config struct {
	Workers     int
	TaskQueue   int
	ResultQueue int
	Timeout     time.Duration
	Heartbeat   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers < minWorkers {
		c.Workers = minWorkers
	}
	if c.Workers > maxWorkers {
		c.Workers = maxWorkers
	}
	if c.TaskQueue <= 0 {
		c.TaskQueue = 50
	}
	if c.ResultQueue <= 0 {
		c.ResultQueue = 100
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 10 * time.Second
	}
	return c
}

// Job is one tool invocation.
type Job struct {
	ID          string         `json:"job_id"`
	RequestID   string         `json:"request_id"`
	Tool        string         `json:"tool_name"`
	Args        map[string]any `json:"args"`
	SubmittedAt time.Time      `json:"timestamp"`
}

// Result is the outcome of a Job. Err is set when the tool failed.
type Result struct {
	JobID      string           `json:"job_id"`
	RequestID  string           `json:"request_id"`
	Tool       string           `json:"tool_name"`
	Output     map[string]any   `json:"result,omitempty"`
	Err        *tools.ToolError `json:"error,omitempty"`
	Duration   time.Duration    `json:"execution_time"`
	FinishedAt time.Time        `json:"finished_at"`
}

type worker struct {
	id        int
	processed atomic.Int64
	errors    atomic.Int64
	current   atomic.Value // string
	lastBeat  atomic.Int64 // unix nanos
}

func (w *worker) beat(now time.Time) { w.lastBeat.Store(now.UnixNano()) }

// Pool is a ToolWorkerPool. It also satisfies tools.Runner.
type Pool struct {
	cfg    Config
	runner tools.Runner
	log    zerolog.Logger

	tasks   chan Job
	results chan Result

	mu      sync.Mutex
	pending map[string]Job
	parked  map[string]Result
	notify  chan struct{}
	running bool
	stop    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	workers []*worker
}

// New builds a pool around runner. Call Start before submitting jobs.
func New(cfg Config, runner tools.Runner, logger zerolog.Logger) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:     cfg,
		runner:  runner,
		log:     logger.With().Str("component", "pool").Logger(),
		tasks:   make(chan Job, cfg.TaskQueue),
		results: make(chan Result, cfg.ResultQueue),
		pending: make(map[string]Job),
		parked:  make(map[string]Result),
		notify:  make(chan struct{}),
	}
}

// Start launches the workers. Starting a running pool is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stop = make(chan struct{})
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.workers = make([]*worker, p.cfg.Workers)
	for i := range p.workers {
		w := &worker{id: i}
		w.current.Store("")
		w.beat(time.Now())
		p.workers[i] = w
		p.wg.Add(1)
		go p.work(w)
	}
	p.log.Info().Int("workers", p.cfg.Workers).Msg("pool started")
}

// Stop signals workers and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
	p.log.Info().Msg("pool stopped")
}

// Workers returns the clamped worker count.
func (p *Pool) Workers() int { return p.cfg.Workers }

// Timeout is the default wait used by Run.
func (p *Pool) Timeout() time.Duration { return p.cfg.Timeout }

// SubmitJob enqueues without blocking. It returns false when the pool is not
// running or the task queue is full.
func (p *Pool) SubmitJob(job Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		p.log.Warn().Str("job_id", job.ID).Msg("pool not running; job rejected")
		return false
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now()
	}
	select {
	case p.tasks <- job:
		p.pending[job.ID] = job
		metrics.QueueDepth.WithLabelValues("tool_tasks").Set(float64(len(p.tasks)))
		return true
	default:
		metrics.DroppedMessages.WithLabelValues("tool_tasks_full").Inc()
		p.log.Warn().Str("job_id", job.ID).Str("tool", job.Tool).Msg("task queue full; job rejected")
		return false
	}
}

// WaitForResult blocks until the result for jobID arrives, and returns nil on
// timeout or cancellation. Results for other jobs are parked for their waiters.
func (p *Pool) WaitForResult(ctx context.Context, jobID string, timeout time.Duration) *Result {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if r, ok := p.parked[jobID]; ok {
			delete(p.parked, jobID)
			delete(p.pending, jobID)
			p.mu.Unlock()
			return &r
		}
		notify := p.notify
		p.mu.Unlock()

		select {
		case r := <-p.results:
			metrics.QueueDepth.WithLabelValues("tool_results").Set(float64(len(p.results)))
			if r.JobID == jobID {
				p.mu.Lock()
				delete(p.pending, jobID)
				p.mu.Unlock()
				return &r
			}
			p.park(r)
		case <-notify:
		case <-timer.C:
			p.abandon(jobID)
			p.log.Warn().Str("job_id", jobID).Dur("timeout", timeout).Msg("timed out waiting for job")
			return nil
		case <-ctx.Done():
			p.abandon(jobID)
			return nil
		}
	}
}

// PollResult returns any completed result without blocking.
func (p *Pool) PollResult() *Result {
	p.mu.Lock()
	for id, r := range p.parked {
		delete(p.parked, id)
		delete(p.pending, id)
		p.mu.Unlock()
		return &r
	}
	p.mu.Unlock()
	select {
	case r := <-p.results:
		p.mu.Lock()
		delete(p.pending, r.JobID)
		p.mu.Unlock()
		return &r
	default:
		return nil
	}
}

// Run submits a job and waits up to the configured timeout. A rejected or
// timed-out job is reported as a ToolError and never retried.
func (p *Pool) Run(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	job := Job{ID: uuid.NewString(), RequestID: RequestID(ctx), Tool: name, Args: args}
	if !p.SubmitJob(job) {
		return nil, tools.NewToolError(tools.ErrTypeQueueFull, "%s was not run: tool queue is full", name)
	}
	r := p.WaitForResult(ctx, job.ID, p.cfg.Timeout)
	if r == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, tools.NewToolError(tools.ErrTypeTimeout, "%s did not finish within %s", name, p.cfg.Timeout)
	}
	if r.Err != nil {
		return nil, r.Err
	}
	return r.Output, nil
}

func (p *Pool) park(r Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[r.JobID]; !ok {
		p.log.Warn().Str("job_id", r.JobID).Str("tool", r.Tool).Msg("result for abandoned job discarded")
		return
	}
	p.parked[r.JobID] = r
	close(p.notify)
	p.notify = make(chan struct{})
}

func (p *Pool) abandon(jobID string) {
	p.mu.Lock()
	delete(p.pending, jobID)
	p.mu.Unlock()
}

func (p *Pool) work(w *worker) {
	defer p.wg.Done()
	hb := time.NewTicker(p.cfg.Heartbeat)
	defer hb.Stop()

	p.log.Debug().Int("worker", w.id).Msg("worker started")
	for {
		select {
		case <-p.stop:
			p.log.Debug().Int("worker", w.id).Int64("processed", w.processed.Load()).Int64("errors", w.errors.Load()).Msg("worker stopped")
			return
		case now := <-hb.C:
			w.beat(now)
		case job := <-p.tasks:
			metrics.QueueDepth.WithLabelValues("tool_tasks").Set(float64(len(p.tasks)))
			p.process(w, job)
			w.beat(time.Now())
		}
	}
}

// process runs one job. A panic escaping the runner loses the job; its waiter times out.
func (p *Pool) process(w *worker, job Job) {
	w.current.Store(job.ID)
	defer w.current.Store("")
	defer func() {
		if rec := recover(); rec != nil {
			w.errors.Add(1)
			metrics.ToolJobs.WithLabelValues(job.Tool, "crashed").Inc()
			p.log.Error().Int("worker", w.id).Str("job_id", job.ID).Str("request_id", job.RequestID).
				Str("tool", job.Tool).Interface("panic", rec).Msg("worker crashed; job lost")
		}
	}()

	ctx, cancel := context.WithTimeout(WithRequestID(p.ctx, job.RequestID), p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	out, err := p.runner.Run(ctx, job.Tool, job.Args)
	res := Result{
		JobID:      job.ID,
		RequestID:  job.RequestID,
		Tool:       job.Tool,
		Output:     out,
		Duration:   time.Since(start),
		FinishedAt: time.Now(),
	}
	w.processed.Add(1)
	if err != nil {
		w.errors.Add(1)
		res.Err = tools.AsToolError(err)
		res.Output = nil
	}
	p.deliver(res)
}

func (p *Pool) deliver(r Result) {
	select {
	case p.results <- r:
		metrics.QueueDepth.WithLabelValues("tool_results").Set(float64(len(p.results)))
		return
	default:
	}
	t := time.NewTimer(2 * time.Second)
	defer t.Stop()
	select {
	case p.results <- r:
	case <-t.C:
		metrics.DroppedMessages.WithLabelValues("tool_results_full").Inc()
		p.log.Error().Str("job_id", r.JobID).Str("request_id", r.RequestID).Msg("result queue full; result dropped")
	}
}

// WorkerStatus is a liveness snapshot of one worker.
type WorkerStatus struct {
	ID            int     `json:"worker_id"`
	Processed     int64   `json:"jobs_processed"`
	Errors        int64   `json:"errors"`
	CurrentJob    string  `json:"current_job,omitempty"`
	HeartbeatAgeS float64 `json:"last_heartbeat_age_sec"`
	Healthy       bool    `json:"healthy"`
}

// Status summarises the pool for heartbeats and /status.
type Status struct {
	Running     bool           `json:"running"`
	Workers     int            `json:"num_workers"`
	PendingJobs int            `json:"pending_jobs"`
	TaskQueue   int            `json:"task_q_size"`
	ResultQueue int            `json:"result_q_size"`
	Parked      int            `json:"parked_results"`
	Worker      []WorkerStatus `json:"workers"`
}

// Status reports queue sizes and worker heartbeats. A worker is healthy when
// its last beat is younger than three heartbeat intervals.
func (p *Pool) Status() Status {
	p.mu.Lock()
	st := Status{
		Running:     p.running,
		Workers:     p.cfg.Workers,
		PendingJobs: len(p.pending),
		TaskQueue:   len(p.tasks),
		ResultQueue: len(p.results),
		Parked:      len(p.parked),
	}
	workers := p.workers
	p.mu.Unlock()

	now := time.Now()
	for _, w := range workers {
		age := now.Sub(time.Unix(0, w.lastBeat.Load()))
		cur, _ := w.current.Load().(string)
		st.Worker = append(st.Worker, WorkerStatus{
			ID:            w.id,
			Processed:     w.processed.Load(),
			Errors:        w.errors.Load(),
			CurrentJob:    cur,
			HeartbeatAgeS: float64(age.Round(100*time.Millisecond)) / float64(time.Second),
			Healthy:       age < 3*p.cfg.Heartbeat,
		})
	}
	return st
}

type requestIDKey struct{}

// WithRequestID tags ctx with the request a tool job belongs to.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id set by WithRequestID.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
