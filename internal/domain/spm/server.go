package spm

import (
	"context"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/psa-spm/internal/domain/fault"
	"github.com/GriffinCanCode/psa-spm/internal/domain/handle"
	"github.com/GriffinCanCode/psa-spm/internal/domain/partition"
	"github.com/GriffinCanCode/psa-spm/internal/domain/registry"
	"github.com/GriffinCanCode/psa-spm/internal/infrastructure/logging"
)

// Server is the service side of one partition for one boot. Servers are
// trusted: every misuse halts the manager and is returned as a
// *fault.Violation attributed to this partition.
type Server struct {
	spm    *SPM
	boot   *boot
	part   *part
	logger *logging.Logger
}

// ID returns the partition id
func (srv *Server) ID() int32 { return srv.part.info.ID }

// Name returns the partition name
func (srv *Server) Name() string { return srv.part.info.Name }

// Signals returns every signal this partition may wait on
func (srv *Server) Signals() partition.Signal { return srv.part.space.Allocated() }

// Logger returns the partition logger
func (srv *Server) Logger() *logging.Logger { return srv.logger }

// Services returns the services this partition exposes, in signal order
func (srv *Server) Services() []registry.ServiceDescriptor {
	return append([]registry.ServiceDescriptor(nil), srv.part.info.Services...)
}

// Service returns the service that raises sig
func (srv *Server) Service(sig partition.Signal) (registry.ServiceDescriptor, bool) {
	return srv.spm.reg.ServiceBySignal(srv.ID(), sig)
}

// Client lets this partition call services of other partitions
func (srv *Server) Client() *Client {
	return &Client{spm: srv.spm, id: ClientID(srv.ID())}
}

func (srv *Server) enter() (func(), error) {
	return srv.spm.reenter(srv.boot)
}

func (srv *Server) violate(err error) error {
	return srv.spm.violate(srv.boot, srv.ID(), err)
}

// Wait blocks until a signal within mask is pending and returns the lowest
// one. The signal stays asserted until its message is taken with Get.
func (srv *Server) Wait(ctx context.Context, mask partition.Signal) (partition.Signal, error) {
	if srv.boot.ctx.Err() != nil {
		return 0, srv.boot.err()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(srv.boot.ctx, cancel)
	defer stop()

	sig, err := srv.part.space.Wait(ctx, mask)
	if err != nil {
		if fault.IsViolation(err) {
			return 0, srv.violate(err)
		}
		if srv.boot.ctx.Err() != nil {
			return 0, srv.boot.err()
		}
		return 0, err
	}
	return sig, nil
}

// Poll is Wait without blocking. It returns 0 when nothing in mask is
// pending.
func (srv *Server) Poll(mask partition.Signal) (partition.Signal, error) {
	if srv.boot.ctx.Err() != nil {
		return 0, srv.boot.err()
	}
	sig, err := srv.part.space.Poll(mask)
	if err != nil {
		return 0, srv.violate(err)
	}
	return sig, nil
}

// Clear acknowledges the doorbell
func (srv *Server) Clear() error {
	release, err := srv.enter()
	if err != nil {
		return err
	}
	defer release()

	if srv.part.space.Pending()&partition.Doorbell == 0 {
		return srv.violate(fault.New(fault.KindSignalNotActive, "clear", "doorbell is not asserted"))
	}
	srv.part.space.Deassert(partition.Doorbell)
	return nil
}

// Get takes the oldest message queued on sig. sig must have exactly one bit
// set, belong to this partition, be asserted and have a message behind it.
func (srv *Server) Get(sig partition.Signal) (*Message, error) {
	const op = "get"

	release, err := srv.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	p := srv.part
	p.mu.Lock()
	d, verr := p.pop(op, sig)
	if d != nil {
		p.active[d.msg.Handle] = d
	}
	p.mu.Unlock()

	if verr != nil {
		return nil, srv.violate(verr)
	}

	srv.logger.Debug("message received",
		zap.String("message_id", d.msg.ID.String()),
		zap.String("kind", d.msg.Kind.String()),
		zap.Int32("handle", int32(d.msg.Handle)),
	)
	return d.view(), nil
}

// pop removes the head of sig's queue. Caller holds p.mu.
func (p *part) pop(op string, sig partition.Signal) (*delivery, error) {
	if err := p.space.Check(op, sig); err != nil {
		return nil, err
	}
	q := p.queues[sig]
	if len(q) == 0 {
		return nil, fault.New(fault.KindNoMessage, op, "no message is queued on signal %s", sig)
	}
	d := q[0]
	q[0] = nil
	p.queues[sig] = q[1:]
	if len(q) == 1 {
		p.space.Deassert(sig)
	}
	return d, nil
}

// inflight finds the message this partition is processing on h
func (srv *Server) inflight(op string, h handle.ID) (*delivery, error) {
	if _, err := srv.spm.table.Lookup(op, h, srv.ID()); err != nil {
		return nil, err
	}
	srv.part.mu.Lock()
	d := srv.part.active[h]
	srv.part.mu.Unlock()
	if d == nil {
		return nil, fault.New(fault.KindNoActiveMessage, op, "no message in flight on handle %d", h)
	}
	return d, nil
}

// Read copies len(dst) bytes of input vector index, starting at offset, out
// of the client's request.
func (srv *Server) Read(h handle.ID, index int, dst []byte, offset int) (int, error) {
	const op = "read"

	release, err := srv.enter()
	if err != nil {
		return 0, err
	}
	defer release()

	d, err := srv.inflight(op, h)
	if err != nil {
		return 0, srv.violate(err)
	}
	if d.msg.Kind != KindCall {
		return 0, srv.violate(fault.New(fault.KindMessageKind, op, "%s messages carry no input", d.msg.Kind))
	}
	n, err := d.env.Read(index, dst, offset)
	if err != nil {
		return 0, srv.violate(err)
	}
	if srv.spm.metrics != nil {
		srv.spm.metrics.RecordBytes("in", n)
	}
	return n, nil
}

// Write copies src into the client's response buffer at offset
func (srv *Server) Write(h handle.ID, offset int, src []byte) error {
	const op = "write"

	release, err := srv.enter()
	if err != nil {
		return err
	}
	defer release()

	d, err := srv.inflight(op, h)
	if err != nil {
		return srv.violate(err)
	}
	if d.msg.Kind != KindCall {
		return srv.violate(fault.New(fault.KindMessageKind, op, "%s messages have no response buffer", d.msg.Kind))
	}
	if err := d.env.Write(offset, src); err != nil {
		return srv.violate(err)
	}
	if srv.spm.metrics != nil {
		srv.spm.metrics.RecordBytes("out", len(src))
	}
	return nil
}

// End completes the message in flight on h and unblocks its client with
// status. A non-nil rhandle replaces the connection's reverse handle; it is
// a violation on a disconnect.
func (srv *Server) End(h handle.ID, status Status, rhandle interface{}) error {
	const op = "end"

	release, err := srv.enter()
	if err != nil {
		return err
	}
	defer release()

	d, err := srv.inflight(op, h)
	if err != nil {
		return srv.violate(err)
	}

	switch {
	case d.msg.Kind == KindDisconnect:
		if rhandle != nil && !srv.spm.cfg.AllowDisconnectRHandle {
			return srv.violate(fault.New(fault.KindRHandleOnDisconnect, op,
				"reverse handle set while ending a disconnect on handle %d", h))
		}
	case rhandle != nil && (d.msg.Kind == KindCall || status == StatusSuccess):
		if err := srv.spm.table.SetReverseHandle(h, rhandle); err != nil {
			return srv.violate(err)
		}
	}

	srv.part.mu.Lock()
	delete(srv.part.active, h)
	srv.part.mu.Unlock()

	srv.spm.complete(d, status)
	return nil
}

// Notify rings the doorbell of another partition
func (srv *Server) Notify(pid int32) error {
	const op = "notify"

	release, err := srv.enter()
	if err != nil {
		return err
	}
	defer release()

	target, ok := srv.boot.partitions[pid]
	if !ok {
		return srv.violate(fault.New(fault.KindUnknownPartition, op, "partition %d does not exist", pid))
	}
	target.space.Raise(partition.Doorbell)
	if srv.spm.metrics != nil {
		srv.spm.metrics.RecordSignal("doorbell")
	}
	return nil
}

// peer resolves a handle served by this partition and opened by another one
func (srv *Server) peer(op string, h handle.ID) (handle.Entry, error) {
	entry, err := srv.spm.table.Lookup(op, h, srv.ID())
	if err != nil {
		return handle.Entry{}, err
	}
	if entry.Owner == srv.ID() {
		return handle.Entry{}, fault.New(fault.KindSelfOwned, op, "handle %d is owned by the calling partition", h)
	}
	return entry, nil
}

// Identity returns the client that opened h
func (srv *Server) Identity(h handle.ID) (ClientID, error) {
	const op = "identity"

	release, err := srv.enter()
	if err != nil {
		return 0, err
	}
	defer release()

	entry, err := srv.peer(op, h)
	if err != nil {
		return 0, srv.violate(err)
	}
	return ClientID(entry.Owner), nil
}

// SetReverseHandle stores an opaque value on the connection. The value comes
// back in Message.ReverseHandle of every later message on h.
func (srv *Server) SetReverseHandle(h handle.ID, value interface{}) error {
	const op = "set_rhandle"

	release, err := srv.enter()
	if err != nil {
		return err
	}
	defer release()

	if _, err := srv.peer(op, h); err != nil {
		return srv.violate(err)
	}
	if value != nil && !srv.spm.cfg.AllowDisconnectRHandle {
		srv.part.mu.Lock()
		d := srv.part.active[h]
		srv.part.mu.Unlock()
		if d != nil && d.msg.Kind == KindDisconnect {
			return srv.violate(fault.New(fault.KindRHandleOnDisconnect, op,
				"reverse handle set while handle %d is disconnecting", h))
		}
	}
	if err := srv.spm.table.SetReverseHandle(h, value); err != nil {
		return srv.violate(err)
	}
	return nil
}
