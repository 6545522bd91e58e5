// Package service runs the gateway's long-lived components in a fixed
// order: started front to back, stopped back to front, so every
// component can rely on its dependencies being up for its whole
// lifetime.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ansible-dev/ansible/internal/common/logger"
)

// stopGrace bounds how long each remaining stop may run after the
// shared shutdown deadline has already fired.
const stopGrace = 250 * time.Millisecond

// Service is one managed component.
type Service struct {
	ID    string
	Start func(ctx context.Context) error
	Stop  func(ctx context.Context) error
}

// Runner owns the registered services and their lifecycle.
type Runner struct {
	log      *logger.Logger
	services []Service
	started  int
}

// NewRunner builds an empty runner.
func NewRunner(log *logger.Logger) *Runner {
	return &Runner{log: log.WithFields(zap.String("component", "service"))}
}

// Register appends a service. Registration order is start order.
func (r *Runner) Register(s Service) {
	r.services = append(r.services, s)
}

// StartAll starts every registered service in order. On the first
// failure the services already started are stopped again, in reverse,
// and the failure is returned.
func (r *Runner) StartAll(ctx context.Context) error {
	for i, s := range r.services {
		// Counted as started before Start runs, so a failing service
		// still gets its Stop during rollback and cannot leak a bound
		// listener or spawned goroutine.
		r.started = i + 1
		if s.Start == nil {
			continue
		}
		r.log.Info("Starting service", zap.String("service", s.ID))
		if err := s.Start(ctx); err != nil {
			r.log.Error("Service failed to start",
				zap.String("service", s.ID), zap.Error(err))
			r.stopStarted(ctx)
			return err
		}
	}
	return nil
}

// StopAll stops the started services in reverse order. Stops run
// concurrently per wave of one, bounded by ctx; every error is logged
// and the first is returned so callers can report a dirty shutdown.
func (r *Runner) StopAll(ctx context.Context) error {
	var firstErr error
	for i := r.started - 1; i >= 0; i-- {
		s := r.services[i]
		if s.Stop == nil {
			continue
		}
		r.log.Info("Stopping service", zap.String("service", s.ID))
		// Each stop runs on its own goroutine so a hung component
		// cannot absorb the whole shutdown budget. Once the budget is
		// spent, later services still get stopGrace to finish: most
		// stops are instant and must not be skipped just because an
		// earlier one hung.
		done := make(chan error, 1)
		go func() { done <- s.Stop(ctx) }()
		var err error
		select {
		case err = <-done:
		case <-ctx.Done():
			select {
			case err = <-done:
			case <-time.After(stopGrace):
				r.log.Warn("Service stop abandoned at deadline",
					zap.String("service", s.ID))
				err = ctx.Err()
			}
		}
		if err != nil {
			r.log.Warn("Service stop failed",
				zap.String("service", s.ID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	r.started = 0
	return firstErr
}

func (r *Runner) stopStarted(ctx context.Context) {
	for i := r.started - 1; i >= 0; i-- {
		s := r.services[i]
		if s.Stop == nil {
			continue
		}
		if err := s.Stop(ctx); err != nil {
			r.log.Warn("Service stop failed during rollback",
				zap.String("service", s.ID), zap.Error(err))
		}
	}
	r.started = 0
}
