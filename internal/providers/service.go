package providers

import (
	"context"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/psa-spm/internal/domain/partition"
	"github.com/GriffinCanCode/psa-spm/internal/domain/spm"
)

// Service statuses shared by the providers
const (
	StatusInvalidArgument spm.Status = -135
	StatusBufferTooSmall  spm.Status = -138
)

// Service handles the messages of one partition
type Service interface {
	// Connect accepts or refuses a connection. The returned value becomes
	// the connection's reverse handle on success.
	Connect(srv *spm.Server, msg *spm.Message) (spm.Status, interface{})
	// Call serves one request. A non-nil error stops the partition.
	Call(srv *spm.Server, msg *spm.Message) (spm.Status, error)
	// Disconnect releases whatever Connect set up
	Disconnect(srv *spm.Server, msg *spm.Message)
}

// Rebooter is implemented by services that keep state outside the reverse
// handles. Reboot runs at the start of every boot, since a reset drops every
// connection without a disconnect.
type Rebooter interface {
	Reboot()
}

// Entry runs svc as a partition until the manager stops or faults
func Entry(svc Service) spm.Entry {
	return func(ctx context.Context, srv *spm.Server) error {
		if r, ok := svc.(Rebooter); ok {
			r.Reboot()
		}
		for {
			sig, err := srv.Wait(ctx, srv.Signals())
			if err != nil {
				return err
			}
			if sig == partition.Doorbell {
				if err := srv.Clear(); err != nil {
					return err
				}
				srv.Logger().Debug("doorbell acknowledged")
				continue
			}

			msg, err := srv.Get(sig)
			if err != nil {
				return err
			}
			if err := dispatch(srv, svc, msg); err != nil {
				return err
			}
		}
	}
}

func dispatch(srv *spm.Server, svc Service, msg *spm.Message) error {
	var (
		status  = spm.StatusSuccess
		rhandle interface{}
		err     error
	)

	switch msg.Kind {
	case spm.KindConnect:
		status, rhandle = svc.Connect(srv, msg)
		if status != spm.StatusSuccess {
			srv.Logger().Info("connection refused",
				zap.Uint32("sid", msg.SID),
				zap.Int32("client", int32(msg.ClientID)),
				zap.Stringer("status", status),
			)
		}
	case spm.KindCall:
		if status, err = svc.Call(srv, msg); err != nil {
			return err
		}
	case spm.KindDisconnect:
		svc.Disconnect(srv, msg)
	}

	return srv.End(msg.Handle, status, rhandle)
}

// readAll reads every input vector of msg into one buffer
func readAll(srv *spm.Server, msg *spm.Message) ([]byte, error) {
	total := 0
	for _, n := range msg.InSize {
		total += n
	}
	buf := make([]byte, total)
	off := 0
	for i, n := range msg.InSize {
		if _, err := srv.Read(msg.Handle, i, buf[off:off+n], 0); err != nil {
			return nil, err
		}
		off += n
	}
	return buf, nil
}
