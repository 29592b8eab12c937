package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/psa-spm/internal/domain/envelope"
	"github.com/GriffinCanCode/psa-spm/internal/domain/fault"
	"github.com/GriffinCanCode/psa-spm/internal/domain/registry"
	"github.com/GriffinCanCode/psa-spm/internal/domain/spm"
	"github.com/GriffinCanCode/psa-spm/internal/infrastructure/logging"
	"github.com/GriffinCanCode/psa-spm/internal/shared/id"
)

// errRebooted ends a round whose handles were dropped by a reset
var errRebooted = errors.New("partition manager rebooted during round")

// workload is a well-behaved client that keeps traffic flowing through every
// service so the admin API and metrics have something to show.
type workload struct {
	mgr     *spm.SPM
	routes  []registry.Route
	clients map[bool]*spm.Client
	limiter *rate.Limiter
	logger  *logging.Logger
	rounds  uint64
}

func newWorkload(mgr *spm.SPM, reg *registry.Registry, rps float64, logger *logging.Logger) *workload {
	clients := map[bool]*spm.Client{false: mgr.NonSecure(), true: mgr.NonSecure()}
	if _, ok := reg.Partition(appPartition); ok {
		if c, err := mgr.Client(appPartition); err == nil {
			clients[true] = c
		}
	}
	return &workload{
		mgr:     mgr,
		routes:  reg.Services(),
		clients: clients,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  &logging.Logger{Logger: logger.Named("workload")},
	}
}

func (w *workload) run(ctx context.Context) error {
	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return nil
		}
		if w.mgr.State() != spm.StateRunning {
			continue
		}
		w.rounds++
		if err := w.round(); err != nil {
			switch {
			case errors.Is(err, errRebooted), errors.Is(err, fault.ErrHalted), errors.Is(err, spm.ErrNotRunning):
				w.logger.Debug("round abandoned", zap.Error(err))
			default:
				w.logger.Warn("round failed", zap.Uint64("round", w.rounds), zap.Error(err))
			}
		}
	}
}

// round opens, uses and closes one connection per service
func (w *workload) round() error {
	boot := w.mgr.BootID()
	for _, route := range w.routes {
		counter := route.Partition == counterPartition
		if err := w.exercise(boot, w.clients[counter], route, counter); err != nil {
			return fmt.Errorf("service %s: %w", route.Service.Name, err)
		}
	}
	return nil
}

func (w *workload) exercise(boot id.BootID, c *spm.Client, route registry.Route, counter bool) error {
	minor, _ := c.Version(route.Service.SID)
	h, err := c.Connect(route.Service.SID, minor)
	if err != nil {
		return err
	}

	var payload []byte
	if counter {
		payload = make([]byte, 8)
		binary.LittleEndian.PutUint64(payload, w.rounds)
	} else {
		payload = []byte(id.NewMessageID().String())
	}
	rx := make([]byte, len(payload))

	// a reset between two operations would leave h stale
	if w.mgr.BootID() != boot {
		return errRebooted
	}
	status, err := c.Call(h, []envelope.IOVec{envelope.Vec(payload)}, 1, rx, len(rx))
	if err != nil {
		return err
	}
	if status != spm.StatusSuccess {
		w.logger.Warn("service returned an error status",
			zap.String("service", route.Service.Name),
			zap.Stringer("status", status),
		)
	}

	if w.mgr.BootID() != boot {
		return errRebooted
	}
	_, err = c.Close(h)
	return err
}
