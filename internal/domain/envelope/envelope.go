// Package envelope validates the shape of a request before a service sees it
// and is the only path for moving bytes across the partition boundary.
//
// An Envelope never copies the payload. It is a checked view over the
// client's input vectors and response buffer for the duration of one call.
package envelope

import (
	"github.com/GriffinCanCode/psa-spm/internal/domain/fault"
)

// IOVec is one input segment. Base may be nil only when Len is zero, and Len
// may not exceed the memory Base actually refers to.
type IOVec struct {
	Base []byte
	Len  int
}

// Vec is shorthand for an IOVec covering all of b
func Vec(b []byte) IOVec {
	return IOVec{Base: b, Len: len(b)}
}

// Limits are the build-time bounds every envelope is checked against
type Limits struct {
	MaxIOVec  int
	MaxTxSize int
	MaxRxSize int
}

// Envelope is a validated request
type Envelope struct {
	limits  Limits
	in      []IOVec
	out     []byte
	written int
}

// Build checks the client-supplied vectors and response buffer.
//
// vecs is the client's vector array (nil models a NULL pointer) and count the
// number of entries the client claims it holds. rx is the response buffer
// (nil models NULL) and rxLen its declared length.
func Build(lim Limits, vecs []IOVec, count int, rx []byte, rxLen int) (*Envelope, error) {
	const op = "call"

	if count < 0 || count > lim.MaxIOVec {
		return nil, fault.New(fault.KindIOVecCount, op, "vector count %d outside [0, %d]", count, lim.MaxIOVec)
	}
	if vecs == nil && count != 0 {
		return nil, fault.New(fault.KindIOVecNull, op, "null vector array with count %d", count)
	}
	if vecs != nil && count == 0 {
		return nil, fault.New(fault.KindIOVecCount, op, "vector array given with zero count")
	}
	if count > len(vecs) {
		return nil, fault.New(fault.KindIOVecBounds, op, "count %d exceeds the %d vectors supplied", count, len(vecs))
	}

	total := 0
	for i := 0; i < count; i++ {
		v := vecs[i]
		if v.Len < 0 {
			return nil, fault.New(fault.KindIOVecBounds, op, "vector %d has negative length %d", i, v.Len)
		}
		if v.Len > 0 && v.Base == nil {
			return nil, fault.New(fault.KindIOVecNull, op, "vector %d has null base and length %d", i, v.Len)
		}
		if v.Len > len(v.Base) {
			return nil, fault.New(fault.KindIOVecBounds, op, "vector %d length %d exceeds its %d byte buffer", i, v.Len, len(v.Base))
		}
		total += v.Len
		if total > lim.MaxTxSize {
			return nil, fault.New(fault.KindTxSizeExceeded, op, "aggregate input length exceeds %d", lim.MaxTxSize)
		}
	}

	if (rx == nil) != (rxLen == 0) {
		return nil, fault.New(fault.KindRxBuffer, op, "response buffer nil=%t with declared length %d", rx == nil, rxLen)
	}
	if rxLen < 0 || rxLen > len(rx) {
		return nil, fault.New(fault.KindRxBuffer, op, "response length %d exceeds its %d byte buffer", rxLen, len(rx))
	}

	e := &Envelope{
		limits: lim,
		in:     make([]IOVec, count),
	}
	copy(e.in, vecs[:count])
	if rx != nil {
		e.out = rx[:rxLen]
	}
	return e, nil
}

// NumIn returns the number of input vectors
func (e *Envelope) NumIn() int { return len(e.in) }

// InLen returns the declared length of input vector i, or 0 if out of range
func (e *Envelope) InLen(i int) int {
	if i < 0 || i >= len(e.in) {
		return 0
	}
	return e.in[i].Len
}

// InSizes returns the declared length of every input vector
func (e *Envelope) InSizes() []int {
	sizes := make([]int, len(e.in))
	for i, v := range e.in {
		sizes[i] = v.Len
	}
	return sizes
}

// OutLen returns the declared response length
func (e *Envelope) OutLen() int { return len(e.out) }

// Written returns the high-water mark of bytes written to the response
func (e *Envelope) Written() int { return e.written }

// Read copies len(dst) bytes of input vector index starting at offset.
func (e *Envelope) Read(index int, dst []byte, offset int) (int, error) {
	const op = "read"

	if index < 0 || index >= len(e.in) {
		return 0, fault.New(fault.KindReadIndex, op, "vector index %d outside [0, %d)", index, len(e.in))
	}
	v := e.in[index]
	if offset < 0 || offset > v.Len || len(dst) > v.Len-offset {
		return 0, fault.New(fault.KindReadBounds, op,
			"offset %d + length %d exceeds vector %d length %d", offset, len(dst), index, v.Len)
	}
	return copy(dst, v.Base[offset:v.Len]), nil
}

// Write copies src into the response buffer at offset
func (e *Envelope) Write(offset int, src []byte) error {
	const op = "write"

	if src == nil {
		return fault.New(fault.KindWriteBufferNull, op, "null source buffer")
	}
	if e.out == nil {
		return fault.New(fault.KindWriteRxNull, op, "client supplied no response buffer")
	}
	if offset < 0 || offset > e.limits.MaxRxSize {
		return fault.New(fault.KindWriteOffsetMax, op, "offset %d exceeds maximum response size %d", offset, e.limits.MaxRxSize)
	}
	if offset > len(e.out) || len(src) > len(e.out)-offset {
		return fault.New(fault.KindWriteBounds, op,
			"offset %d + length %d exceeds response length %d", offset, len(src), len(e.out))
	}

	copy(e.out[offset:], src)
	if end := offset + len(src); end > e.written {
		e.written = end
	}
	return nil
}
