// Package worker runs the embedded worker loop: dequeue a due execution,
// drive it with the Orchestrator, ack on completion. Grounded on the
// teacher's pkg/execution/worker.go (heartbeat/poll/recovery goroutine
// split), collapsed to poll+recover since the engine's Queue already
// encodes lease-based visibility rather than a separate worker-registry
// heartbeat table.
package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/kodeflow/wfengine/pkg/orchestrator"
	"github.com/kodeflow/wfengine/pkg/queue"
)

// Config tunes the embedded worker's poll cadence and lease handling.
type Config struct {
	Concurrency       int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
}

// DefaultConfig mirrors the teacher's DefaultWorkerConfig proportions,
// scaled down: this engine's unit of work is a whole execution run to
// completion, not one step, so polling can be coarser.
func DefaultConfig() Config {
	return Config{
		Concurrency:       4,
		PollInterval:      2 * time.Second,
		VisibilityTimeout: 5 * time.Minute,
	}
}

// Worker polls the Task Queue and drives claimed executions with an
// Orchestrator.
type Worker struct {
	Queue        queue.Queue
	Orchestrator *orchestrator.Orchestrator
	Config       Config

	sem chan struct{}
}

func New(q queue.Queue, o *orchestrator.Orchestrator, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Worker{Queue: q, Orchestrator: o, Config: cfg, sem: make(chan struct{}, cfg.Concurrency)}
}

// Run polls until ctx is cancelled, then waits for in-flight work to drain
// before returning (graceful shutdown).
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	ticker := time.NewTicker(w.Config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			w.pollOnce(ctx, &wg)
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context, wg *sync.WaitGroup) {
	for {
		select {
		case w.sem <- struct{}{}:
		default:
			return // at capacity
		}

		msg, err := w.Queue.Dequeue(ctx, w.Config.VisibilityTimeout)
		if err != nil {
			<-w.sem
			if err != queue.ErrEmpty {
				log.Printf("worker: dequeue error: %v", err)
			}
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-w.sem }()
			w.process(ctx, msg)
		}()
	}
}

func (w *Worker) process(ctx context.Context, msg *queue.Message) {
	defer func() {
		if r := recover(); r != nil {
			// A panic in an orchestrator run (handler panics are already
			// turned into retryable errors by handler.RunWithTimeout)
			// leaves the execution mid-flight and the message un-acked; it becomes visible
			// again after the lease expires and the sweeper or another
			// worker will pick it back up (§8 Invariant 7, resumability).
			log.Printf("worker: recovered panic processing execution %s: %v", msg.ExecutionID, r)
		}
	}()

	if err := w.Orchestrator.Run(ctx, msg.ExecutionID); err != nil {
		log.Printf("worker: execution %s did not settle cleanly: %v", msg.ExecutionID, err)
		return
	}
	if err := w.Queue.Ack(ctx, msg.LeaseToken); err != nil {
		log.Printf("worker: failed to ack execution %s: %v", msg.ExecutionID, err)
	}
}
