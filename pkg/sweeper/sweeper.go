// Package sweeper runs the periodic stuck-execution recovery job: any
// execution left in running beyond a staleness threshold (a worker that
// died mid-step, per §8 Invariant 7) is reclaimed and re-enqueued for
// retry. Grounded on internal/triggers.Engine's use of robfig/cron for
// periodic scheduling, repurposed here from a user-facing trigger provider
// into the engine's own internal housekeeping.
package sweeper

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kodeflow/wfengine/pkg/fsm"
	"github.com/kodeflow/wfengine/pkg/queue"
	"github.com/kodeflow/wfengine/pkg/store"
)

// Config tunes sweep cadence and the staleness threshold.
type Config struct {
	Interval       time.Duration
	StuckThreshold time.Duration
}

// DefaultConfig matches §4.2's guidance of 3x the queue visibility timeout
// for the staleness threshold, assuming the default 5-minute visibility.
func DefaultConfig() Config {
	return Config{Interval: time.Minute, StuckThreshold: 15 * time.Minute}
}

// Sweeper periodically reclaims stuck executions.
type Sweeper struct {
	Store  store.Store
	Queue  queue.Queue
	Config Config

	cron *cron.Cron
}

func New(st store.Store, q queue.Queue, cfg Config) *Sweeper {
	return &Sweeper{Store: st, Queue: q, Config: cfg, cron: cron.New()}
}

// Start schedules the sweep on an "@every" spec built from Config.Interval
// and begins running it in the background. Cancelling ctx stops the
// schedule.
func (s *Sweeper) Start(ctx context.Context) error {
	spec := "@every " + s.Config.Interval.String()
	_, err := s.cron.AddFunc(spec, func() { s.Sweep(ctx) })
	if err != nil {
		return err
	}
	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.cron.Stop()
	}()
	return nil
}

// Sweep runs one recovery pass immediately.
func (s *Sweeper) Sweep(ctx context.Context) {
	stuck, err := s.Store.ListStuckExecutions(ctx, s.Config.StuckThreshold)
	if err != nil {
		log.Printf("sweeper: failed to list stuck executions: %v", err)
		return
	}

	for _, exec := range stuck {
		if exec.RetryCount >= exec.MaxRetries {
			s.failExhausted(ctx, exec)
			continue
		}
		nextRetry := exec.RetryCount + 1
		err := s.Store.UpdateExecutionStatus(ctx, exec.ID,
			[]store.ExecutionStatus{store.ExecutionStatus(fsm.ExecutionRunning)},
			store.ExecutionUpdate{Status: store.ExecutionStatus(fsm.ExecutionRetrying), RetryCount: &nextRetry},
		)
		if err != nil {
			// Lost race with the owning worker finishing normally; that's
			// fine, nothing to recover.
			continue
		}
		if err := s.Queue.Enqueue(ctx, exec.ID, nil); err != nil {
			log.Printf("sweeper: failed to re-enqueue execution %s: %v", exec.ID, err)
			continue
		}
		log.Printf("sweeper: reclaimed stuck execution %s", exec.ID)
	}
}

func (s *Sweeper) failExhausted(ctx context.Context, exec *store.WorkflowExecution) {
	completedAt := time.Now()
	reason := "stuck beyond threshold with no retry budget remaining"
	if err := s.Store.UpdateExecutionStatus(ctx, exec.ID,
		[]store.ExecutionStatus{store.ExecutionStatus(fsm.ExecutionRunning)},
		store.ExecutionUpdate{Status: store.ExecutionStatus(fsm.ExecutionFailed), ErrorMessage: &reason, CompletedAt: &completedAt},
	); err != nil {
		log.Printf("sweeper: failed to terminally fail stuck execution %s: %v", exec.ID, err)
	}
}
