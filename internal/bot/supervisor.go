package bot

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Supervisor runs multiple bots as peers. Bot names are unique: a second
// registration under the same name aborts instead of racing the first.
type Supervisor struct {
	logger *zap.Logger
	mu     sync.Mutex
	bots   map[string]*Orchestrator
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor(logger *zap.Logger) *Supervisor {
	return &Supervisor{
		logger: logger.Named("supervisor"),
		bots:   make(map[string]*Orchestrator),
	}
}

// Add registers a bot. A name collision is a startup error.
func (s *Supervisor) Add(o *Orchestrator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.bots[o.Name()]; exists {
		return fmt.Errorf("bot %q is already registered", o.Name())
	}
	s.bots[o.Name()] = o
	return nil
}

// Get returns a bot by name.
func (s *Supervisor) Get(name string) (*Orchestrator, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.bots[name]
	return o, ok
}

// Names returns the registered bot names.
func (s *Supervisor) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.bots))
	for name := range s.bots {
		names = append(names, name)
	}
	return names
}

// StartAll starts every registered bot; the first failure aborts the rest
// and stops the ones already started.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.mu.Lock()
	bots := make([]*Orchestrator, 0, len(s.bots))
	for _, o := range s.bots {
		bots = append(bots, o)
	}
	s.mu.Unlock()

	var started []*Orchestrator
	for _, o := range bots {
		if err := o.Start(ctx); err != nil {
			s.logger.Error("bot start failed", zap.String("bot", o.Name()), zap.Error(err))
			for _, prev := range started {
				if stopErr := prev.Stop(ctx); stopErr != nil {
					s.logger.Warn("rollback stop failed", zap.String("bot", prev.Name()), zap.Error(stopErr))
				}
			}
			return fmt.Errorf("start bot %s: %w", o.Name(), err)
		}
		started = append(started, o)
	}
	s.logger.Info("all bots started", zap.Int("count", len(started)))
	return nil
}

// StopAll stops every bot, concurrently.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	bots := make([]*Orchestrator, 0, len(s.bots))
	for _, o := range s.bots {
		bots = append(bots, o)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, o := range bots {
		wg.Add(1)
		go func(o *Orchestrator) {
			defer wg.Done()
			if err := o.Stop(ctx); err != nil {
				s.logger.Warn("bot stop failed", zap.String("bot", o.Name()), zap.Error(err))
			}
		}(o)
	}
	wg.Wait()
}
