package ci

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

type compensation struct {
	name string
	undo func(ctx context.Context) error
}

// saga collects the undo actions of completed setup steps
type saga struct {
	steps  []compensation
	logger zerolog.Logger
}

func (s *saga) push(name string, undo func(ctx context.Context) error) {
	s.steps = append(s.steps, compensation{name: name, undo: undo})
}

// rollback runs every compensation in reverse order. It keeps going past
// failures and returns them combined.
func (s *saga) rollback(ctx context.Context) error {
	var errs error
	for i := len(s.steps) - 1; i >= 0; i-- {
		step := s.steps[i]
		if err := step.undo(ctx); err != nil {
			s.logger.Warn().Err(err).Str("step", step.name).Msg("rollback step failed")
			errs = multierr.Append(errs, fmt.Errorf("failed to undo %s: %w", step.name, err))
			continue
		}
		s.logger.Debug().Str("step", step.name).Msg("rolled back")
	}
	s.steps = nil
	return errs
}
