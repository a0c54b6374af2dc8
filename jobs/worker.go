package jobs

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"veridoc/config"
	"veridoc/services"
)

// Pool verarbeitet Tasks aus der Queue mit einer festen Anzahl Worker.
// Ein Task, der einen belegten Index-Lauf trifft, wird mit wachsendem
// Abstand neu eingereiht statt verworfen.
type Pool struct {
	Config   *config.Config
	Queue    *Queue
	Indexer  *services.IndexService
	Verifier *services.VerifyService
	Logger   *zap.Logger

	wg sync.WaitGroup
}

// NewPool erstellt einen neuen Worker-Pool.
func NewPool(cfg *config.Config, queue *Queue, indexer *services.IndexService, verifier *services.VerifyService, logger *zap.Logger) *Pool {
	return &Pool{
		Config:   cfg,
		Queue:    queue,
		Indexer:  indexer,
		Verifier: verifier,
		Logger:   logger,
	}
}

// Start startet die Worker. Sie laufen, bis der Kontext endet; Wait
// blockiert bis zum Abschluss aller Worker.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.Config.WorkerCount; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			p.runWorker(ctx, workerID)
		}(i)
	}
}

// Wait blockiert, bis alle Worker beendet sind.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID int) {
	logger := p.Logger.With(zap.Int("worker", workerID))
	logger.Info("Worker started")
	for {
		if ctx.Err() != nil {
			logger.Info("Worker stopped")
			return
		}
		task, err := p.Queue.Dequeue(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("Worker stopped")
				return
			}
			logger.Error("Dequeue failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			continue
		}
		p.handle(ctx, logger, task)
	}
}

// handle führt einen Task aus. Verifikations-Tasks laufen gegen das
// harte Zeitlimit, damit ein hängender Job den Worker nicht dauerhaft
// blockiert.
func (p *Pool) handle(ctx context.Context, logger *zap.Logger, task *Task) {
	logger.Info("Processing task",
		zap.String("task_id", task.ID),
		zap.String("type", string(task.Type)),
		zap.Int("attempt", task.Attempt))

	var err error
	switch task.Type {
	case TaskIndexDocument:
		_, err = p.Indexer.IndexDocument(ctx, task.DocumentID, task.Force)
		if errors.Is(err, services.ErrAlreadyProcessing) {
			p.retry(ctx, logger, task)
			return
		}
	case TaskIndexProject:
		_, err = p.Indexer.IndexProject(ctx, task.ProjectID)
	case TaskVerify:
		runCtx, cancel := context.WithTimeout(ctx, p.Config.JobHardLimit)
		err = p.Verifier.Run(runCtx, task.JobID, task.ID)
		cancel()
	default:
		err = fmt.Errorf("unknown task type %q", task.Type)
	}

	if err != nil {
		logger.Error("Task failed",
			zap.String("task_id", task.ID),
			zap.String("type", string(task.Type)),
			zap.Error(err))
		return
	}
	logger.Info("Task finished", zap.String("task_id", task.ID))
}

// retry reiht den Task mit exponentiellem Backoff samt Jitter neu ein.
func (p *Pool) retry(ctx context.Context, logger *zap.Logger, task *Task) {
	if task.Attempt >= p.Config.MaxRetries {
		logger.Warn("Task exhausted retries",
			zap.String("task_id", task.ID),
			zap.Int("attempts", task.Attempt))
		return
	}
	task.Attempt++
	delay := backoff(p.Config.RetryBaseWait, p.Config.RetryMaxWait, task.Attempt)
	logger.Info("Requeueing task",
		zap.String("task_id", task.ID),
		zap.Int("attempt", task.Attempt),
		zap.Duration("delay", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	if err := p.Queue.Enqueue(ctx, *task); err != nil {
		logger.Error("Requeue failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// backoff liefert base*2^(attempt-1) mit bis zu 25% Jitter, gedeckelt
// auf maxWait.
func backoff(base, maxWait time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d > maxWait || d <= 0 {
		d = maxWait
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	if d+jitter > maxWait {
		return maxWait
	}
	return d + jitter
}
