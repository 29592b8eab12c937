package resilience

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/psa-spm/internal/domain/fault"
	"github.com/GriffinCanCode/psa-spm/internal/domain/spm"
	"github.com/GriffinCanCode/psa-spm/internal/infrastructure/logging"
)

// Rebooter is the part of the partition manager the supervisor drives
type Rebooter interface {
	State() spm.State
	Reset() error
}

// Supervisor reboots the partition manager after each fault for as long as
// its breaker allows. OnFault is meant to be installed as the manager's fault
// handler; Run performs the reboots from its own goroutine.
type Supervisor struct {
	breaker *Breaker
	delay   time.Duration
	logger  *logging.Logger
	faults  chan *fault.Violation
}

// NewSupervisor creates a supervisor. delay is the pause between a fault and
// the reboot that answers it.
func NewSupervisor(breaker *Breaker, delay time.Duration, logger *logging.Logger) *Supervisor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Supervisor{
		breaker: breaker,
		delay:   delay,
		logger:  logger,
		faults:  make(chan *fault.Violation, 1),
	}
}

// Breaker returns the breaker guarding reboots
func (s *Supervisor) Breaker() *Breaker {
	return s.breaker
}

// OnFault queues a violation for Run. It never blocks; a fault arriving while
// another is still queued is dropped since one reboot answers both.
func (s *Supervisor) OnFault(v *fault.Violation) {
	select {
	case s.faults <- v:
	default:
	}
}

// Run reboots target after faults until ctx is done
func (s *Supervisor) Run(ctx context.Context, target Rebooter) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case v := <-s.faults:
			s.handle(ctx, target, v)
		}
	}
}

func (s *Supervisor) handle(ctx context.Context, target Rebooter, v *fault.Violation) {
	if err := s.breaker.Allow(); err != nil {
		s.logger.Warn("automatic reboot suspended, manager stays halted",
			zap.String("kind", v.Kind.String()),
			zap.Int32("partition", v.Partition),
			zap.String("breaker", s.breaker.State().String()),
		)
		return
	}

	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}

	// An operator reset may have answered the fault already
	if state := target.State(); state != spm.StateHalted {
		s.logger.Info("manager no longer halted, skipping reboot",
			zap.String("kind", v.Kind.String()),
			zap.String("state", state.String()),
		)
		return
	}

	if err := target.Reset(); err != nil {
		s.logger.Error("automatic reboot failed", zap.Error(err))
		return
	}
	s.logger.Info("rebooted after fault",
		zap.String("kind", v.Kind.String()),
		zap.Int32("partition", v.Partition),
	)
}
