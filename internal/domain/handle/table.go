// Package handle implements the connection handle table of the partition
// manager.
//
// A handle id is a capability token, never a reference. The low bits index a
// slot in a fixed arena and the high bits carry the slot's generation, so an
// id that was closed is rejected even after its slot has been reused.
package handle

import (
	"errors"
	"fmt"
	"sync"

	"github.com/GriffinCanCode/psa-spm/internal/domain/fault"
)

// ErrResourceExhausted is returned by Allocate when every slot is in use
var ErrResourceExhausted = errors.New("handle table exhausted")

// ID identifies a connection
type ID int32

// Null is never a valid handle
const Null ID = 0

const (
	indexBits = 13
	indexMask = 1<<indexBits - 1
	genBits   = 31 - indexBits
	genMask   = 1<<genBits - 1

	// MaxCapacity is the largest table New accepts
	MaxCapacity = indexMask
)

func makeID(index int, gen uint32) ID {
	return ID(int32(gen&genMask)<<indexBits | int32(index+1))
}

func (id ID) split() (index int, gen uint32) {
	return int(id&indexMask) - 1, uint32(id>>indexBits) & genMask
}

// State of a connection
type State int

const (
	StateFree State = iota
	StateConnecting
	StateActive
	StateClosed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Entry is a copy of one table slot
type Entry struct {
	ID            ID          `json:"id"`
	State         State       `json:"-"`
	StateName     string      `json:"state"`
	Owner         int32       `json:"owner"`
	Target        int32       `json:"target"`
	SID           uint32      `json:"sid"`
	ReverseHandle interface{} `json:"-"`
	Busy          bool        `json:"busy"`
}

type slot struct {
	gen     uint32
	state   State
	owner   int32
	target  int32
	sid     uint32
	rhandle interface{}
	busy    bool
	queued  bool
}

// Table holds every connection. All mutations happen under one mutex and
// callers only ever see copies.
type Table struct {
	mu    sync.Mutex
	slots []slot
	free  []int // FIFO, so a released slot is reused as late as possible
	live  int
}

// New creates an empty table with the given number of slots
func New(capacity int) (*Table, error) {
	if capacity <= 0 || capacity > MaxCapacity {
		return nil, fmt.Errorf("handle table capacity must be in [1, %d], got %d", MaxCapacity, capacity)
	}
	t := &Table{}
	t.init(capacity)
	return t, nil
}

func (t *Table) init(capacity int) {
	t.slots = make([]slot, capacity)
	t.free = make([]int, capacity)
	for i := range t.free {
		t.free[i] = i
		t.slots[i].queued = true
	}
	t.live = 0
}

// Reset drops every connection. Generations keep counting so that ids handed
// out before the reset stay invalid.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.free = t.free[:0]
	for i := range t.slots {
		s := &t.slots[i]
		if s.state != StateFree {
			s.gen = (s.gen + 1) & genMask
		}
		*s = slot{gen: s.gen, queued: true}
		t.free = append(t.free, i)
	}
	t.live = 0
}

// Capacity returns the number of slots
func (t *Table) Capacity() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

// Len returns the number of connecting and active handles
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// Allocate reserves a fresh id in the Connecting state
func (t *Table) Allocate(owner, target int32, sid uint32) (ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.free) == 0 {
		return Null, ErrResourceExhausted
	}
	index := t.free[0]
	t.free = t.free[1:]

	s := &t.slots[index]
	s.gen = (s.gen + 1) & genMask
	if s.gen == 0 {
		s.gen = 1
	}
	s.state = StateConnecting
	s.owner = owner
	s.target = target
	s.sid = sid
	s.rhandle = nil
	s.busy = false
	s.queued = false
	t.live++

	return makeID(index, s.gen), nil
}

// lookup resolves id to its slot, rejecting null, forged and stale ids.
// Caller must hold mu.
func (t *Table) lookup(op string, id ID) (*slot, error) {
	if id == Null {
		return nil, fault.New(fault.KindNullHandle, op, "null handle")
	}
	if id < 0 {
		return nil, fault.New(fault.KindInvalidHandle, op, "handle %d does not exist", id)
	}
	index, gen := id.split()
	if index < 0 || index >= len(t.slots) {
		return nil, fault.New(fault.KindInvalidHandle, op, "handle %d does not exist", id)
	}
	s := &t.slots[index]
	if s.gen != gen || s.state == StateFree {
		return nil, fault.New(fault.KindInvalidHandle, op, "handle %d does not exist", id)
	}
	if s.state == StateClosed {
		return nil, fault.New(fault.KindHandleClosed, op, "handle %d is closed", id)
	}
	return s, nil
}

func (s *slot) entry(id ID) Entry {
	return Entry{
		ID:            id,
		State:         s.state,
		StateName:     s.state.String(),
		Owner:         s.owner,
		Target:        s.target,
		SID:           s.sid,
		ReverseHandle: s.rhandle,
		Busy:          s.busy,
	}
}

// Activate moves a Connecting handle to Active
func (t *Table) Activate(id ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.lookup("activate", id)
	if err != nil {
		return err
	}
	if s.state != StateConnecting {
		return fault.New(fault.KindHandleNotActive, "activate", "handle %d is %s, not connecting", id, s.state)
	}
	s.state = StateActive
	return nil
}

// Validate checks that id is an Active handle owned by owner
func (t *Table) Validate(id ID, owner int32) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.validate("validate", id, owner)
	if err != nil {
		return Entry{}, err
	}
	return s.entry(id), nil
}

func (t *Table) validate(op string, id ID, owner int32) (*slot, error) {
	s, err := t.lookup(op, id)
	if err != nil {
		return nil, err
	}
	if s.owner != owner {
		return nil, fault.New(fault.KindHandleNotOwned, op, "handle %d belongs to partition %d, not %d", id, s.owner, owner)
	}
	if s.state != StateActive {
		return nil, fault.New(fault.KindHandleNotActive, op, "handle %d is %s", id, s.state)
	}
	return s, nil
}

// Acquire validates id for owner and marks it busy. A handle admits one
// outstanding message at a time.
func (t *Table) Acquire(op string, id ID, owner int32) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.validate(op, id, owner)
	if err != nil {
		return Entry{}, err
	}
	if s.busy {
		return Entry{}, fault.New(fault.KindHandleBusy, op, "handle %d already has a message in flight", id)
	}
	s.busy = true
	return s.entry(id), nil
}

// Release clears the busy mark set by Acquire. Unknown ids are ignored
// because a reset may have dropped the slot already.
func (t *Table) Release(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, err := t.lookup("release", id); err == nil {
		s.busy = false
	}
}

// Lookup is the server-side check: id must be live and target the caller.
func (t *Table) Lookup(op string, id ID, target int32) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.lookup(op, id)
	if err != nil {
		return Entry{}, err
	}
	if s.target != target {
		return Entry{}, fault.New(fault.KindHandleNotOwned, op, "handle %d targets partition %d, not %d", id, s.target, target)
	}
	return s.entry(id), nil
}

// Close moves an Active handle to Closed and queues its slot for reuse.
// Closing a Closed handle is a violation.
func (t *Table) Close(id ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.lookup("close", id)
	if err != nil {
		return err
	}
	if s.state != StateActive {
		return fault.New(fault.KindHandleNotActive, "close", "handle %d is %s", id, s.state)
	}
	t.retire(id, s, StateClosed)
	return nil
}

// Discard drops a Connecting handle whose connection was refused
func (t *Table) Discard(id ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.lookup("discard", id)
	if err != nil {
		return err
	}
	if s.state != StateConnecting {
		return fault.New(fault.KindHandleNotActive, "discard", "handle %d is %s, not connecting", id, s.state)
	}
	t.retire(id, s, StateFree)
	return nil
}

func (t *Table) retire(id ID, s *slot, state State) {
	index, _ := id.split()
	s.state = state
	s.rhandle = nil
	s.busy = false
	if !s.queued {
		s.queued = true
		t.free = append(t.free, index)
	}
	t.live--
}

// SetReverseHandle stores an opaque service value on the connection
func (t *Table) SetReverseHandle(id ID, value interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.lookup("set_rhandle", id)
	if err != nil {
		return err
	}
	s.rhandle = value
	return nil
}

// ReverseHandle returns the value stored by SetReverseHandle
func (t *Table) ReverseHandle(id ID) (interface{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.lookup("get_rhandle", id)
	if err != nil {
		return nil, err
	}
	return s.rhandle, nil
}

// Snapshot returns copies of every live entry in slot order
func (t *Table) Snapshot() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := make([]Entry, 0, t.live)
	for i := range t.slots {
		s := &t.slots[i]
		if s.state == StateConnecting || s.state == StateActive {
			entries = append(entries, s.entry(makeID(i, s.gen)))
		}
	}
	return entries
}
