package startup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
)

type StartupDependency interface {
	GetName() string
	DependsOn() []string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type StartupStatus int

const (
	StartupStatusPending StartupStatus = iota
	StartupStatusStarted
	StartupStatusStopped
	StartupStatusFailed
)

func (s StartupStatus) String() string {
	switch s {
	case StartupStatusStarted:
		return "started"
	case StartupStatusStopped:
		return "stopped"
	case StartupStatusFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Dependency adapts a pair of functions to StartupDependency. A nil StopFunc is a no-op.
type Dependency struct {
	Name      string
	Requires  []string
	StartFunc func(ctx context.Context) error
	StopFunc  func(ctx context.Context) error
}

func (d Dependency) GetName() string     { return d.Name }
func (d Dependency) DependsOn() []string { return d.Requires }

func (d Dependency) Start(ctx context.Context) error {
	if d.StartFunc == nil {
		return nil
	}
	return d.StartFunc(ctx)
}

func (d Dependency) Stop(ctx context.Context) error {
	if d.StopFunc == nil {
		return nil
	}
	return d.StopFunc(ctx)
}

// Startup starts dependencies in registration order, each after the ones it depends on,
// retrying the whole pass with a fibonacci backoff. Stop runs in reverse start order.
type Startup struct {
	mu           sync.RWMutex
	dependencies map[string]StartupDependency
	order        []string
	started      []string
	statuses     map[string]StartupStatus
	logger       ectologger.Logger
	attempt      int
	maxAttempts  int
	wait         func(ctx context.Context, d time.Duration) error
}

func NewStartup(logger ectologger.Logger, maxAttempts int) *Startup {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Startup{
		logger:       logger,
		dependencies: make(map[string]StartupDependency),
		statuses:     make(map[string]StartupStatus),
		maxAttempts:  maxAttempts,
		wait:         sleep,
	}
}

func (s *Startup) AddDependency(dependency StartupDependency) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := dependency.GetName()
	if _, ok := s.dependencies[name]; !ok {
		s.order = append(s.order, name)
	}
	s.dependencies[name] = dependency
	s.statuses[name] = StartupStatusPending
}

func (s *Startup) Start(ctx context.Context) error {
	s.attempt = 0
	var lastErr error

	// Fibonacci backoff sequence
	a, b := 1, 1
	for s.attempt < s.maxAttempts {
		s.attempt++
		s.logger.WithField("attempt", s.attempt).Infof("Beginning startup attempt %d", s.attempt)

		lastErr = nil
		for _, name := range s.order {
			if err := s.startDependency(ctx, name, nil); err != nil {
				s.logger.WithError(err).Errorf("Startup dependency '%s' attempt %d failed", name, s.attempt)
				lastErr = err
				break
			}
		}

		if lastErr == nil {
			return nil
		}

		if s.attempt >= s.maxAttempts {
			break
		}

		waitTime := time.Duration(a) * time.Second
		s.logger.Infof("Retrying in %d seconds (attempt %d/%d)", a, s.attempt, s.maxAttempts)
		if err := s.wait(ctx, waitTime); err != nil {
			return err
		}

		a, b = b, a+b
	}

	return fmt.Errorf("startup failed after %d attempts: %w", s.attempt, lastErr)
}

func (s *Startup) startDependency(ctx context.Context, name string, visiting []string) error {
	for _, v := range visiting {
		if v == name {
			return fmt.Errorf("startup dependency cycle: %v -> %s", visiting, name)
		}
	}

	dependency, ok := s.dependencies[name]
	if !ok {
		return fmt.Errorf("unknown startup dependency '%s'", name)
	}
	if s.Status(name) == StartupStatusStarted {
		return nil
	}

	for _, required := range dependency.DependsOn() {
		if err := s.startDependency(ctx, required, append(visiting, name)); err != nil {
			return err
		}
	}

	s.logger.WithField("dependency", name).Infof("Starting dependency '%s'", name)
	s.setStatus(name, StartupStatusPending)
	if err := dependency.Start(ctx); err != nil {
		s.setStatus(name, StartupStatusFailed)
		s.logger.WithError(err).WithField("dependency", name).Errorf("Failed to start dependency '%s'", name)
		return err
	}
	s.setStatus(name, StartupStatusStarted)

	s.mu.Lock()
	s.started = append(s.started, name)
	s.mu.Unlock()
	return nil
}

// Stop stops every started dependency in reverse start order. It keeps going after a failure
// and returns all failures joined.
func (s *Startup) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = nil
	s.mu.Unlock()

	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		name := started[i]
		s.logger.WithField("dependency", name).Infof("Stopping dependency '%s'", name)
		if err := s.dependencies[name].Stop(ctx); err != nil {
			s.logger.WithError(err).WithField("dependency", name).Errorf("Failed to stop dependency '%s'", name)
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
			s.setStatus(name, StartupStatusFailed)
			continue
		}
		s.logger.WithField("dependency", name).Infof("Dependency '%s' stopped", name)
		s.setStatus(name, StartupStatusStopped)
	}
	return errors.Join(errs...)
}

func (s *Startup) Status(name string) StartupStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statuses[name]
}

// Statuses returns a snapshot keyed by dependency name
func (s *Startup) Statuses() map[string]StartupStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]StartupStatus, len(s.statuses))
	for k, v := range s.statuses {
		out[k] = v
	}
	return out
}

// Ready reports whether every registered dependency is started
func (s *Startup) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, status := range s.statuses {
		if status != StartupStatusStarted {
			return false
		}
	}
	return true
}

func (s *Startup) setStatus(name string, status StartupStatus) {
	s.mu.Lock()
	s.statuses[name] = status
	s.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
