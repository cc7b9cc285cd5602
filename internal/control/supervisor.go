package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// taskFunc is one of Producer.Run/Consumer.Run/ClockSync.Run/etc.,
// adapted to return an error so failures and clean stops both flow
// through the same retry loop.
type taskFunc func(ctx context.Context) error

// taskConfig mirrors pulseintel's WorkerConfig, trimmed to what a
// pipeline task needs: a name for logging and a backoff schedule.
// MaxRetries=0 means retry forever, matching the original's contract.
type taskConfig struct {
	Name           string
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

type taskStatus string

const (
	taskStopped  taskStatus = "stopped"
	taskStarting taskStatus = "starting"
	taskRunning  taskStatus = "running"
	taskFailed   taskStatus = "failed"
	taskRetrying taskStatus = "retrying"
)

type task struct {
	config  taskConfig
	fn      taskFunc
	retries int
	status  taskStatus
	mu      sync.RWMutex
}

func (t *task) setStatus(s taskStatus) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

// supervisor runs a fixed set of tasks concurrently, restarting each on
// error with exponential backoff, adapted from pulseintel's
// internal/supervisor.Supervisor: same run/retry/join shape,
// generalized from named exchange-connector workers to the pipeline's
// four-and-five cooperating tasks (spec §5).
type supervisor struct {
	log     *zap.Logger
	tasks   []*task
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

func newSupervisor(log *zap.Logger) *supervisor {
	return &supervisor{log: log}
}

func (s *supervisor) add(cfg taskConfig, fn taskFunc) {
	s.tasks = append(s.tasks, &task{config: cfg, fn: fn, status: taskStopped})
}

func (s *supervisor) start(parent context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(parent)

	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.run(t)
	}
}

// stop cancels every task and waits up to 2s for them to join, per
// spec §5's cancellation bound; tasks that don't yield in time are
// abandoned.
func (s *supervisor) stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.log.Warn("supervisor: timed out waiting for tasks to join")
	}

	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
}

func (s *supervisor) run(t *task) {
	defer s.wg.Done()

	log := s.log.With(zap.String("task", t.config.Name))
	for {
		select {
		case <-s.ctx.Done():
			t.setStatus(taskStopped)
			return
		default:
		}

		if t.config.MaxRetries > 0 && t.retries >= t.config.MaxRetries {
			t.setStatus(taskFailed)
			log.Error("task exceeded max retries", zap.Int("retries", t.retries))
			return
		}

		t.setStatus(taskStarting)
		err := s.execute(t, log)

		if err == nil || err == context.Canceled {
			t.setStatus(taskStopped)
			return
		}

		t.retries++
		t.setStatus(taskRetrying)
		backoff := calculateBackoff(t.retries, t.config)
		log.Warn("task exited, retrying", zap.Error(err), zap.Duration("backoff", backoff))

		select {
		case <-time.After(backoff):
		case <-s.ctx.Done():
			t.setStatus(taskStopped)
			return
		}
	}
}

func (s *supervisor) execute(t *task, log *zap.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	t.setStatus(taskRunning)
	return t.fn(s.ctx)
}

func calculateBackoff(retries int, cfg taskConfig) time.Duration {
	backoff := cfg.InitialBackoff
	for i := 0; i < retries-1; i++ {
		backoff = time.Duration(float64(backoff) * cfg.BackoffFactor)
		if backoff > cfg.MaxBackoff {
			return cfg.MaxBackoff
		}
	}
	return backoff
}
