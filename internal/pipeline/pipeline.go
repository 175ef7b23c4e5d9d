package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"amifit/internal/config"
	"amifit/internal/logging"
	"amifit/internal/storage"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	// JobFit fits every slice of one exposure and stores its observables.
	JobFit JobType = "fit"
	// JobCalibrate calibrates a fitted target against fitted calibrators.
	JobCalibrate JobType = "calibrate"
)

// ErrQueueFull is returned by Submit when the job queue has no room.
var ErrQueueFull = errors.New("job queue is full")

// Job represents a single processing request. For JobFit InputPath is a
// FITS exposure; for JobCalibrate Options carries the job IDs to combine.
type Job struct {
	ID        string         `json:"id"`
	Type      JobType        `json:"type"`
	InputPath string         `json:"input"`
	Output    string         `json:"output,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
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

// Pipeline runs fit and calibrate jobs on a fixed set of workers and fans
// each result out to subscribers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	store     *storage.Store
	queue     chan Job
	cancel    context.CancelFunc
	workers   sync.WaitGroup
	stopped   sync.Once

	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// New starts a Pipeline with concurrency workers routing jobs to the
// analysis and calibration layers.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, cfg *config.Config) *Pipeline {
	return NewWithProcessor(ctx, concurrency, logger, store, cfg, nil)
}

// NewWithProcessor is New with an explicit Processor; nil selects the
// default router. The queue holds max(2*concurrency, cfg.Processing.QueueSize)
// jobs.
func NewWithProcessor(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, cfg *config.Config, proc Processor) *Pipeline {
	concurrency = max(concurrency, 1)
	if logger == nil {
		logger = slog.Default()
	}
	size := 2 * concurrency
	if cfg != nil {
		size = max(size, cfg.Processing.QueueSize)
	}
	if proc == nil {
		proc = newRouter(logger, store, cfg)
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: proc,
		log:       logger,
		store:     store,
		queue:     make(chan Job, size),
		cancel:    cancel,
		subs:      make(map[int]chan Result),
	}
	p.workers.Add(concurrency)
	for range concurrency {
		go p.worker(ctx)
	}
	return p
}

// Submit records job as queued and hands it to a worker. It never blocks:
// a full queue marks the job rejected and returns ErrQueueFull.
func (p *Pipeline) Submit(job Job) error {
	opts, _ := json.Marshal(job.Options)
	err := p.store.RecordJobQueued(storage.JobRecord{
		ID:          job.ID,
		JobType:     string(job.Type),
		Status:      "queued",
		InputPath:   job.InputPath,
		OutputPath:  job.Output,
		OptionsJSON: string(opts),
	})
	if errors.Is(err, storage.ErrDuplicateJob) {
		return err
	}

	select {
	case p.queue <- job:
		return nil
	default:
		_ = p.store.RecordJobResult(job.ID, "rejected", nil, ErrQueueFull.Error())
		return ErrQueueFull
	}
}

// Stop cancels running jobs, waits for the workers and closes every
// subscription. It is safe to call more than once.
func (p *Pipeline) Stop() {
	p.stopped.Do(func() {
		p.cancel()
		close(p.queue)
		p.workers.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.workers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.queue:
			if !ok {
				return
			}
			p.broadcast(p.run(ctx, job))
		}
	}
}

// run processes one job and records its outcome.
func (p *Pipeline) run(ctx context.Context, job Job) Result {
	start := time.Now()
	logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Output, job.Options)
	_ = p.store.RecordJobStart(job.ID)

	res := p.processor.Process(ctx, job)
	elapsed := time.Since(start)
	if res.Error != nil {
		logging.LogJobError(p.log, string(job.Type), job.ID, elapsed, res.Error, map[string]any{
			"input":  job.InputPath,
			"output": job.Output,
		})
		_ = p.store.RecordJobResult(job.ID, "failed", res.Meta, res.Error.Error())
		return res
	}
	logging.LogJobComplete(p.log, string(job.Type), job.ID, elapsed, res.Meta)
	_ = p.store.RecordJobResult(job.ID, "completed", res.Meta, "")
	return res
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
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

var idSeq atomic.Uint64

// NewID returns a job ID of the form prefix-20060102T150405-NNNN-SEQ. SEQ
// counts up within the process; the random NNNN separates processes.
func NewID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%04d-%d", prefix, ts, rand.IntN(10000), idSeq.Add(1))
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
