package spm

import (
	"fmt"

	"github.com/GriffinCanCode/psa-spm/internal/domain/envelope"
	"github.com/GriffinCanCode/psa-spm/internal/domain/fault"
	"github.com/GriffinCanCode/psa-spm/internal/domain/handle"
	"github.com/GriffinCanCode/psa-spm/internal/domain/registry"
)

// Client is the connection side of one partition. Every value it is handed
// is validated before a service sees it; anything malformed halts the
// manager and comes back as a *fault.Violation.
type Client struct {
	spm *SPM
	id  ClientID
}

// ID returns the identity services see for this client
func (c *Client) ID() ClientID { return c.id }

// Version returns the minor version of a service, or false if the sid is
// unknown. Unlike Connect this never faults.
func (c *Client) Version(sid uint32) (uint32, bool) {
	return c.spm.reg.Version(sid)
}

// Connect opens a connection to sid. It blocks until the service accepts or
// refuses; a refusal is a *StatusError matching ErrConnectionRefused and
// leaves no handle behind.
func (c *Client) Connect(sid uint32, minor uint32) (handle.ID, error) {
	const op = "connect"
	s := c.spm
	who := int32(c.id)

	b, release, err := s.enter()
	if err != nil {
		return handle.Null, err
	}

	route, outcome := s.reg.Resolve(sid, minor)
	switch outcome {
	case registry.RejectUnknownService:
		defer release()
		return handle.Null, s.violate(b, who,
			fault.New(fault.KindUnknownService, op, "sid 0x%08x is not registered", sid))
	case registry.RejectVersion:
		defer release()
		return handle.Null, s.violate(b, who,
			fault.New(fault.KindVersionMismatch, op, "sid 0x%08x has minor version %d under %s policy, requested %d",
				sid, route.Service.MinorVersion, route.Service.Policy, minor))
	}

	h, err := s.table.Allocate(who, route.Partition, sid)
	if err != nil {
		release()
		return handle.Null, fmt.Errorf("connect to sid 0x%08x: %w", sid, err)
	}
	d := newDelivery(KindConnect, h, c.id, sid, route.Partition, route.Signal)
	s.enqueue(b, d)
	s.syncHandles()
	release()

	status, err := s.await(b, d)
	if err != nil {
		return handle.Null, err
	}

	release, err = s.reenter(b)
	if err != nil {
		return handle.Null, err
	}
	defer release()

	if status != StatusSuccess {
		if err := s.table.Discard(h); err != nil {
			return handle.Null, s.violate(b, who, err)
		}
		s.syncHandles()
		return handle.Null, &StatusError{SID: sid, Status: status}
	}
	if err := s.table.Activate(h); err != nil {
		return handle.Null, s.violate(b, who, err)
	}
	return h, nil
}

// Call sends one request on an Active handle and blocks until the service
// ends it. vecs == nil models a NULL vector array and rx == nil a NULL
// response buffer; count and rxLen are the lengths the caller claims.
func (c *Client) Call(h handle.ID, vecs []envelope.IOVec, count int, rx []byte, rxLen int) (Status, error) {
	const op = "call"
	s := c.spm
	who := int32(c.id)

	b, release, err := s.enter()
	if err != nil {
		return 0, err
	}

	entry, err := s.table.Acquire(op, h, who)
	if err != nil {
		defer release()
		return 0, s.violate(b, who, err)
	}
	env, err := envelope.Build(s.limits, vecs, count, rx, rxLen)
	if err != nil {
		defer release()
		s.table.Release(h)
		return 0, s.violate(b, who, err)
	}
	route, ok := s.reg.Lookup(entry.SID)
	if !ok {
		defer release()
		s.table.Release(h)
		return 0, s.violate(b, who, fault.New(fault.KindUnknownService, op, "sid 0x%08x vanished from the registry", entry.SID))
	}

	d := newDelivery(KindCall, h, c.id, entry.SID, entry.Target, route.Signal)
	d.msg.ReverseHandle = entry.ReverseHandle
	d.attach(env)
	s.enqueue(b, d)
	release()

	status, err := s.await(b, d)
	if err != nil {
		return 0, err
	}
	s.table.Release(h)
	return status, nil
}

// Close sends a disconnect on an Active handle, waits for the service to end
// it and retires the handle. Closing a handle twice is a violation.
func (c *Client) Close(h handle.ID) (Status, error) {
	const op = "close"
	s := c.spm
	who := int32(c.id)

	b, release, err := s.enter()
	if err != nil {
		return 0, err
	}

	entry, err := s.table.Acquire(op, h, who)
	if err != nil {
		defer release()
		return 0, s.violate(b, who, err)
	}
	route, ok := s.reg.Lookup(entry.SID)
	if !ok {
		defer release()
		s.table.Release(h)
		return 0, s.violate(b, who, fault.New(fault.KindUnknownService, op, "sid 0x%08x vanished from the registry", entry.SID))
	}

	d := newDelivery(KindDisconnect, h, c.id, entry.SID, entry.Target, route.Signal)
	d.msg.ReverseHandle = entry.ReverseHandle
	s.enqueue(b, d)
	release()

	status, err := s.await(b, d)
	if err != nil {
		return 0, err
	}

	release, err = s.reenter(b)
	if err != nil {
		return 0, err
	}
	defer release()

	if err := s.table.Close(h); err != nil {
		return 0, s.violate(b, who, err)
	}
	s.syncHandles()
	return status, nil
}
