package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrQueueFull = errors.New("sandbox: callback queue full")

// Job is one accepted STK push waiting for its simulated customer response.
type Job struct {
	CheckoutRequestID string
	MerchantRequestID string
	CallbackURL       string
	PhoneNumber       string
	Amount            int64
	AccountReference  string
}

type Worker struct {
	ID         int
	WorkerPool chan chan Job
	JobChannel chan Job
	Logger     *slog.Logger
}

func NewWorker(id int, workerPool chan chan Job, logger *slog.Logger) *Worker {
	return &Worker{
		ID:         id,
		WorkerPool: workerPool,
		JobChannel: make(chan Job),
		Logger:     logger,
	}
}

func (w *Worker) Start(ctx context.Context, wg *sync.WaitGroup, process func(context.Context, Job)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			// register as idle
			select {
			case w.WorkerPool <- w.JobChannel:
			case <-ctx.Done():
				return
			}

			select {
			case job := <-w.JobChannel:
				w.Logger.Debug("sandbox worker processing job", "worker_id", w.ID, "checkout_request_id", job.CheckoutRequestID)
				process(ctx, job)
			case <-ctx.Done():
				w.Logger.Debug("sandbox worker shutting down", "worker_id", w.ID)
				return
			}
		}
	}()
}

// Pool dispatches jobs to a fixed set of workers.
type Pool struct {
	jobQueue   chan Job
	workerPool chan chan Job
	maxWorkers int
	process    func(context.Context, Job)
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	stop   sync.Once
}

func NewPool(maxWorkers, queueSize int, process func(context.Context, Job), logger *slog.Logger) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		jobQueue:   make(chan Job, queueSize),
		workerPool: make(chan chan Job, maxWorkers),
		maxWorkers: maxWorkers,
		process:    process,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (p *Pool) Start() {
	p.once.Do(func() {
		for i := 0; i < p.maxWorkers; i++ {
			NewWorker(i, p.workerPool, p.logger).Start(p.ctx, &p.wg, p.process)
		}

		p.wg.Add(1)
		go p.dispatch()

		p.logger.Info("sandbox worker pool started",
			"max_workers", p.maxWorkers,
			"queue_size", cap(p.jobQueue))
	})
}

func (p *Pool) dispatch() {
	defer p.wg.Done()

	for {
		select {
		case job := <-p.jobQueue:
			select {
			case jobChannel := <-p.workerPool:
				select {
				case jobChannel <- job:
				case <-p.ctx.Done():
					return
				}
			case <-p.ctx.Done():
				return
			}
		case <-p.ctx.Done():
			return
		}
	}
}

// Submit never blocks; a full queue is reported to the caller.
func (p *Pool) Submit(job Job) error {
	select {
	case <-p.ctx.Done():
		return context.Canceled
	default:
	}

	select {
	case p.jobQueue <- job:
		return nil
	default:
		p.logger.Warn("sandbox job queue full", "checkout_request_id", job.CheckoutRequestID, "queue_capacity", cap(p.jobQueue))
		return ErrQueueFull
	}
}

func (p *Pool) Shutdown() {
	p.stop.Do(func() {
		p.logger.Info("shutting down sandbox worker pool")
		p.cancel()
		p.wg.Wait()
		p.logger.Info("sandbox worker pool shutdown complete")
	})
}
