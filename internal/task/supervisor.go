package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/andrijdavid/Allfeat/internal/log"
	"github.com/andrijdavid/Allfeat/internal/metrics"
)

// Supervisor runs the node's background tasks and turns the loss of an
// essential one into a single fatal signal. Best-effort tasks may stop or
// fail without consequence beyond a log line; when an essential task
// returns for any reason other than shutdown, the supervisor cancels every
// task and delivers one error on Fatal().
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger

	fatal     chan error
	fatalOnce sync.Once
	stopOnce  sync.Once

	mu      sync.Mutex
	running map[string]struct{}
	metrics *metrics.Set
}

// New creates a supervisor with its own root context.
func New() *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.Task,
		fatal:   make(chan error, 1),
		running: make(map[string]struct{}),
	}
}

// SetMetrics attaches task counters. Optional.
func (s *Supervisor) SetMetrics(m *metrics.Set) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// Spawn launches a named task. The task's context is cancelled when the
// supervisor shuts down or an essential task terminates; the function
// should return promptly once it is done.
//
// Must not be called after Shutdown.
func (s *Supervisor) Spawn(name string, essential bool, run func(ctx context.Context) error) {
	if s.ctx.Err() != nil {
		s.logger.Warn().Str("task", name).Msg("Supervisor stopped; task not started")
		return
	}

	s.mu.Lock()
	s.running[name] = struct{}{}
	if s.metrics != nil {
		s.metrics.TaskStarts.WithLabelValues(name).Inc()
	}
	s.mu.Unlock()

	logger := s.logger.With().Str("task", name).Logger()
	logger.Info().Bool("essential", essential).Msg("Task started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := run(s.ctx)

		s.mu.Lock()
		delete(s.running, name)
		if err != nil && s.metrics != nil {
			s.metrics.TaskFailures.WithLabelValues(name).Inc()
		}
		s.mu.Unlock()

		// A task unwinding because its context was cancelled is an
		// orderly stop, whatever it returns.
		if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
			logger.Debug().Msg("Task stopped")
			return
		}

		if !essential {
			if err != nil {
				logger.Error().Err(err).Msg("Task failed")
			} else {
				logger.Info().Msg("Task finished")
			}
			return
		}

		if err == nil {
			err = fmt.Errorf("essential task %q stopped", name)
		}
		s.fail(name, err)
	}()
}

// fail records the first essential failure and tears everything down.
func (s *Supervisor) fail(name string, err error) {
	s.fatalOnce.Do(func() {
		s.logger.Error().Err(err).Str("task", name).Msg("Essential task terminated")
		s.fatal <- err
		s.cancel()
	})
}

// Fatal delivers the first essential-task failure. The channel never
// closes; at most one error is ever sent.
func (s *Supervisor) Fatal() <-chan error {
	return s.fatal
}

// Running returns the names of tasks currently running, sorted.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.running))
	for name := range s.running {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shutdown cancels every task and waits for them to return. Safe to call
// more than once; later calls return immediately.
func (s *Supervisor) Shutdown() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}
