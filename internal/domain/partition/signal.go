package partition

import (
	"context"
	"fmt"
	"math/bits"
	"sync"

	"github.com/GriffinCanCode/psa-spm/internal/domain/fault"
)

// Signal is a bitmask within one partition's signal space
type Signal uint32

const (
	// Doorbell is raised by Notify from another partition.
	Doorbell Signal = 1 << 3

	// FirstServiceBit is the bit assigned to a partition's first service.
	FirstServiceBit = 4

	// MaxServices is the number of service bits left above the reserved ones.
	MaxServices = 32 - FirstServiceBit
)

// ServiceSignal returns the signal of the n-th service of a partition.
func ServiceSignal(n int) Signal {
	return Signal(1) << uint(FirstServiceBit+n)
}

// Single reports whether exactly one bit is set
func (s Signal) Single() bool {
	return bits.OnesCount32(uint32(s)) == 1
}

// Lowest returns the lowest set bit, or 0
func (s Signal) Lowest() Signal {
	return s & -s
}

func (s Signal) String() string {
	return fmt.Sprintf("0x%08x", uint32(s))
}

// Space is the signal state of one partition. Bits outside the allocation
// can never be raised or waited on.
type Space struct {
	partition int32
	allocated Signal

	mu      sync.Mutex
	pending Signal
	wake    chan struct{}
}

// NewSpace creates an empty signal space owning the given bits
func NewSpace(partition int32, allocated Signal) *Space {
	return &Space{
		partition: partition,
		allocated: allocated,
		wake:      make(chan struct{}),
	}
}

// Partition returns the owning partition id
func (s *Space) Partition() int32 { return s.partition }

// Allocated returns the bits owned by this partition
func (s *Space) Allocated() Signal { return s.allocated }

// Pending returns the currently asserted bits
func (s *Space) Pending() Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Raise asserts sig and wakes any waiter. Bits outside the allocation are
// dropped.
func (s *Space) Raise(sig Signal) {
	s.mu.Lock()
	s.pending |= sig & s.allocated
	close(s.wake)
	s.wake = make(chan struct{})
	s.mu.Unlock()
}

// Deassert clears sig
func (s *Space) Deassert(sig Signal) {
	s.mu.Lock()
	s.pending &^= sig
	s.mu.Unlock()
}

func (s *Space) checkMask(op string, mask Signal) error {
	if mask == 0 || mask&^s.allocated != 0 {
		return fault.New(fault.KindSignalMask, op,
			"mask %s is not a subset of allocation %s", mask, s.allocated)
	}
	return nil
}

// Poll returns the lowest pending bit within mask without blocking.
func (s *Space) Poll(mask Signal) (Signal, error) {
	if err := s.checkMask("poll", mask); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return (s.pending & mask).Lowest(), nil
}

// Wait blocks until a bit within mask is pending and returns exactly one of
// them, the lowest. The bit stays asserted until the caller consumes it.
func (s *Space) Wait(ctx context.Context, mask Signal) (Signal, error) {
	if err := s.checkMask("wait", mask); err != nil {
		return 0, err
	}

	for {
		s.mu.Lock()
		if p := s.pending & mask; p != 0 {
			s.mu.Unlock()
			return p.Lowest(), nil
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Check validates a signal handed back by a service: one bit, owned by this
// partition and currently asserted.
func (s *Space) Check(op string, sig Signal) error {
	if !sig.Single() {
		return fault.New(fault.KindSignalMultipleBits, op, "signal %s must have exactly one bit set", sig)
	}
	if sig&s.allocated == 0 {
		return fault.New(fault.KindSignalNotSubset, op, "signal %s is not in allocation %s", sig, s.allocated)
	}
	if s.Pending()&sig == 0 {
		return fault.New(fault.KindSignalNotActive, op, "signal %s is not asserted", sig)
	}
	return nil
}
