package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"log/slog"

	"imgecho/internal/logging"
	"imgecho/internal/storage"
)

// ErrQueueFull is returned by Submit when no queue slot is free.
var ErrQueueFull = errors.New("job queue is full")

// JobType enumerates supported processing categories.
type JobType string

const (
	// JobAnnotate renders the overlay onto an image and exports it.
	JobAnnotate JobType = "annotate"
	// JobExtract only extracts and caches an image's record.
	JobExtract JobType = "extract"
)

// Job represents a single processing request.
type Job struct {
	ID        string
	Type      JobType
	InputPath string
	Output    string
	Options   map[string]any
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job Job) Result

func (f ProcessorFunc) Process(ctx context.Context, job Job) Result { return f(ctx, job) }

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	stopped   bool
	subs      map[int]chan Result
	nextSubID int
}

// New starts concurrency workers feeding jobs to processor. queueSize bounds
// the backlog; zero selects twice the worker count.
func New(ctx context.Context, concurrency, queueSize int, logger *slog.Logger, store *storage.Store, processor Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if queueSize < 1 {
		queueSize = concurrency * 2
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: processor,
		log:       logger,
		jobs:      make(chan Job, queueSize),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Result),
	}
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	return p
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return errors.New("pipeline stopped")
	}

	optsJSON, _ := json.Marshal(job.Options)
	_ = p.store.RecordJobQueued(storage.JobRecord{
		ID:          job.ID,
		JobType:     string(job.Type),
		Status:      "queued",
		InputPath:   job.InputPath,
		OutputPath:  job.Output,
		OptionsJSON: string(optsJSON),
	})

	select {
	case p.jobs <- job:
	default:
		_ = p.store.RecordJobResult(job.ID, "rejected", nil, ErrQueueFull.Error())
		return ErrQueueFull
	}
	return nil
}

// Stop signals workers to exit and waits for completion. Queued jobs that
// have not started are dropped.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()

		p.cancel()
		p.wg.Wait()

		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(ctx, job)
		}
	}
}

func (p *Pipeline) run(ctx context.Context, job Job) {
	start := time.Now()
	logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Output, job.Options)
	_ = p.store.RecordJobStart(job.ID)

	res := p.processor.Process(ctx, job)
	res.Job = job
	duration := time.Since(start)

	status := "completed"
	if res.Error != nil {
		status = "failed"
		logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
			"input":  job.InputPath,
			"output": job.Output,
		})
	} else {
		logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
	}
	_ = p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error))

	p.broadcast(res)
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, cap(p.jobs)+8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
