package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrShutdownDeadline is returned when graceful shutdown does not finish in time.
var ErrShutdownDeadline = errors.New("shutdown deadline exceeded")

// State is the coordinator lifecycle: Running -> Draining -> Stopped.
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type shutdownStep struct {
	name string
	fn   func(ctx context.Context) error
}

// ShutdownCoordinator runs registered steps in order under one hard deadline.
// A failing step does not stop later steps; their errors are joined.
type ShutdownCoordinator struct {
	log      *slog.Logger
	deadline time.Duration

	mu    sync.Mutex
	steps []shutdownStep

	state  atomic.Int32
	once   sync.Once
	result error
}

// NewShutdownCoordinator constructs a coordinator in the Running state.
func NewShutdownCoordinator(log *slog.Logger, deadline time.Duration) *ShutdownCoordinator {
	if log == nil {
		log = slog.Default()
	}
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	return &ShutdownCoordinator{log: log, deadline: deadline}
}

// Register appends a named step. Steps run in registration order.
func (c *ShutdownCoordinator) Register(name string, fn func(ctx context.Context) error) {
	c.mu.Lock()
	c.steps = append(c.steps, shutdownStep{name: name, fn: fn})
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *ShutdownCoordinator) State() State { return State(c.state.Load()) }

// Shutdown drains and stops. Only the first call does work; later calls
// return the first result.
func (c *ShutdownCoordinator) Shutdown() error {
	c.once.Do(func() {
		c.result = c.run()
	})
	return c.result
}

func (c *ShutdownCoordinator) run() error {
	c.state.Store(int32(StateDraining))
	c.log.Info("shutdown.begin", "deadline", c.deadline)

	c.mu.Lock()
	steps := append([]shutdownStep(nil), c.steps...)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.deadline)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var errs []error
		for _, s := range steps {
			start := time.Now()
			if err := s.fn(ctx); err != nil {
				c.log.Error("shutdown.step.fail", "step", s.name, "err", err)
				errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
				continue
			}
			c.log.Info("shutdown.step.done", "step", s.name, "duration_ms", time.Since(start).Milliseconds())
		}
		done <- errors.Join(errs...)
	}()

	select {
	case err := <-done:
		c.state.Store(int32(StateStopped))
		c.log.Info("shutdown.complete", "ok", err == nil)
		return err
	case <-ctx.Done():
		c.state.Store(int32(StateStopped))
		c.log.Error("shutdown.deadline", "deadline", c.deadline)
		return fmt.Errorf("%w after %s", ErrShutdownDeadline, c.deadline)
	}
}
