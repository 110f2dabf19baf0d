package marketdata

import (
	"context"
	"fmt"

	"github.com/quantfabric/xconnect/pkg/runtime"
)

// Name implements service.Service.
func (s *Service) Name() string {
	return s.rt.InstanceKey()
}

// Start implements service.Service.
func (s *Service) Start(ctx context.Context) error {
	return s.rt.Start(ctx)
}

// Stop implements service.Service.
func (s *Service) Stop(ctx context.Context) error {
	return s.rt.Stop(ctx, "registry shutdown")
}

// State implements service.Service.
func (s *Service) State() runtime.State {
	return s.rt.State()
}

// Health reports healthy while the stream service is RUNNING or PAUSED.
func (s *Service) Health() error {
	state := s.rt.State()
	if state == runtime.StateRunning || state == runtime.StatePaused {
		return nil
	}
	return fmt.Errorf("marketdata service in state %s", state)
}

// Dependencies implements service.Service. The stream has none.
func (s *Service) Dependencies() []string {
	return nil
}

// Stats implements service.StatsReporter.
func (s *Service) Stats() runtime.Stats {
	return s.rt.Stats()
}
