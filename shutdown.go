package ballast

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// shutdownPhase is one step of the ordered drain.
type shutdownPhase struct {
	name    string
	timeout time.Duration
	run     func(ctx context.Context) error
}

// Shutdown drains the core in order under a hard ceiling: stop session
// intake and wait for in-flight operations, flush and close the event
// log, close the storage backend, stop the health monitor. A phase
// that cannot finish inside its share of the ceiling is logged and
// abandoned rather than left to hang; later phases still run. The
// returned error joins every phase failure.
func (c *Core) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	ceiling := c.cfg.Shutdown.Ceiling
	deadline := time.Now().Add(ceiling)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	log.Printf("[Core] Shutting down (ceiling: %s)", ceiling)

	phases := []shutdownPhase{
		{
			name:    "drain sessions",
			timeout: c.cfg.Session.DrainTimeout,
			run: func(ctx context.Context) error {
				return c.Sessions.Close(ctx)
			},
		},
		{
			name:    "close event log",
			timeout: 10 * time.Second,
			run:     c.Events.Close,
		},
		{
			name:    "close storage backend",
			timeout: 10 * time.Second,
			run: func(ctx context.Context) error {
				return c.Backend.Close()
			},
		},
		{
			name:    "stop health monitor",
			timeout: 5 * time.Second,
			run:     c.Health.Close,
		},
	}

	var errs []error
	for _, phase := range phases {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			log.Printf("[Core] Shutdown ceiling reached, abandoning phase %q", phase.name)
			errs = append(errs, fmt.Errorf("%s: abandoned at shutdown ceiling", phase.name))
			continue
		}
		timeout := phase.timeout
		if timeout > remaining {
			timeout = remaining
		}
		if err := runPhase(ctx, phase, timeout); err != nil {
			log.Printf("[Core] Shutdown phase %q failed: %v", phase.name, err)
			errs = append(errs, fmt.Errorf("%s: %w", phase.name, err))
		}
	}

	if len(errs) == 0 {
		log.Println("[Core] Shutdown complete")
		return nil
	}
	return errors.Join(errs...)
}

// runPhase executes one phase with its own deadline. A phase that
// ignores its context is abandoned on a goroutine rather than blocking
// the remaining phases.
func runPhase(ctx context.Context, phase shutdownPhase, timeout time.Duration) error {
	phaseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- phase.run(phaseCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-phaseCtx.Done():
		return fmt.Errorf("abandoned after %s: %w", timeout, phaseCtx.Err())
	}
}
