// Package fault defines protocol violations raised at the partition boundary.
//
// A Violation is never a status code. Whoever detects one hands it to the
// partition manager, which halts the system until it is reset.
package fault

import (
	"errors"
	"fmt"
)

// ErrHalted is returned by every operation once a violation has halted the
// partition manager and before it has been reset.
var ErrHalted = errors.New("spm: halted by protocol violation")

// Kind classifies a violation
type Kind int

const (
	KindUnknown Kind = iota

	// Registry
	KindUnknownService
	KindVersionMismatch

	// Handles
	KindNullHandle
	KindInvalidHandle
	KindHandleClosed
	KindHandleNotOwned
	KindHandleNotActive
	KindHandleBusy

	// Envelope shape
	KindIOVecCount
	KindIOVecNull
	KindIOVecBounds
	KindTxSizeExceeded
	KindRxBuffer

	// Signals
	KindSignalMask
	KindSignalMultipleBits
	KindSignalNotSubset
	KindSignalNotActive
	KindNoMessage

	// Server data movement
	KindReadIndex
	KindReadBounds
	KindWriteBufferNull
	KindWriteRxNull
	KindWriteOffsetMax
	KindWriteBounds
	KindMessageKind
	KindNoActiveMessage

	// Server control
	KindRHandleOnDisconnect
	KindUnknownPartition
	KindSelfOwned

	// Partition lifecycle
	KindPartitionExit
)

var kindNames = map[Kind]string{
	KindUnknown:             "unknown",
	KindUnknownService:      "unknown_service",
	KindVersionMismatch:     "version_mismatch",
	KindNullHandle:          "null_handle",
	KindInvalidHandle:       "invalid_handle",
	KindHandleClosed:        "handle_closed",
	KindHandleNotOwned:      "handle_not_owned",
	KindHandleNotActive:     "handle_not_active",
	KindHandleBusy:          "handle_busy",
	KindIOVecCount:          "iovec_count",
	KindIOVecNull:           "iovec_null",
	KindIOVecBounds:         "iovec_bounds",
	KindTxSizeExceeded:      "tx_size_exceeded",
	KindRxBuffer:            "rx_buffer",
	KindSignalMask:          "signal_mask",
	KindSignalMultipleBits:  "signal_multiple_bits",
	KindSignalNotSubset:     "signal_not_subset",
	KindSignalNotActive:     "signal_not_active",
	KindNoMessage:           "no_message",
	KindReadIndex:           "read_index",
	KindReadBounds:          "read_bounds",
	KindWriteBufferNull:     "write_buffer_null",
	KindWriteRxNull:         "write_rx_null",
	KindWriteOffsetMax:      "write_offset_max",
	KindWriteBounds:         "write_bounds",
	KindMessageKind:         "message_kind",
	KindNoActiveMessage:     "no_active_message",
	KindRHandleOnDisconnect: "rhandle_on_disconnect",
	KindUnknownPartition:    "unknown_partition",
	KindSelfOwned:           "self_owned",
	KindPartitionExit:       "partition_exit",
}

// String returns the metric-friendly name of the kind
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Violation is a broken boundary invariant. It carries the operation that
// detected it and, once attributed, the partition that caused it.
type Violation struct {
	Kind      Kind
	Op        string
	Partition int32
	Detail    string
}

// New creates an unattributed violation
func New(kind Kind, op string, format string, args ...interface{}) *Violation {
	return &Violation{
		Kind:   kind,
		Op:     op,
		Detail: fmt.Sprintf(format, args...),
	}
}

// Error implements error
func (v *Violation) Error() string {
	if v.Partition != 0 {
		return fmt.Sprintf("spm violation [%s] in %s by partition %d: %s", v.Kind, v.Op, v.Partition, v.Detail)
	}
	return fmt.Sprintf("spm violation [%s] in %s: %s", v.Kind, v.Op, v.Detail)
}

// Is matches any violation of the same kind, so callers can write
// errors.Is(err, fault.Of(fault.KindNullHandle)).
func (v *Violation) Is(target error) bool {
	t, ok := target.(*Violation)
	if !ok {
		return false
	}
	return t.Kind == v.Kind
}

// Attribute records the offending partition if none has been set yet.
func (v *Violation) Attribute(partition int32) *Violation {
	if v.Partition == 0 {
		v.Partition = partition
	}
	return v
}

// Of returns a bare violation of the given kind for use with errors.Is.
func Of(kind Kind) *Violation {
	return &Violation{Kind: kind}
}

// As extracts a violation from an error chain
func As(err error) (*Violation, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// IsViolation reports whether err carries a violation
func IsViolation(err error) bool {
	_, ok := As(err)
	return ok
}
