package spm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/GriffinCanCode/psa-spm/internal/domain/envelope"
	"github.com/GriffinCanCode/psa-spm/internal/domain/handle"
	"github.com/GriffinCanCode/psa-spm/internal/domain/partition"
	"github.com/GriffinCanCode/psa-spm/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/psa-spm/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/psa-spm/internal/shared/id"
)

// ClientID identifies the partition that opened a connection
type ClientID int32

// NonSecureClientID is reported by Identity for connections opened from the
// non-secure side.
const NonSecureClientID ClientID = -1

// Kind of message delivered to a service
type Kind int

const (
	KindConnect Kind = iota + 1
	KindCall
	KindDisconnect
)

// String returns the message kind name
func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindCall:
		return "call"
	case KindDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Status is the service-defined result of a message
type Status int32

const (
	StatusSuccess           Status = 0
	StatusConnectionRefused Status = -1
)

// String returns a readable status
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusConnectionRefused:
		return "connection_refused"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// ErrConnectionRefused matches any refused connect
var ErrConnectionRefused = errors.New("spm: connection refused")

// StatusError is returned by Connect when the service ends the connect
// message with anything but StatusSuccess. It is a normal service-level
// outcome, never a violation.
type StatusError struct {
	SID    uint32
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("spm: connect to sid 0x%08x refused with %s", e.SID, e.Status)
}

// Is makes errors.Is(err, ErrConnectionRefused) hold
func (e *StatusError) Is(target error) bool {
	return target == ErrConnectionRefused
}

// Message is what a service sees after Get. Payload bytes stay with the
// client and are reached only through Server.Read and Server.Write.
type Message struct {
	ID            id.MessageID
	Handle        handle.ID
	Kind          Kind
	SID           uint32
	ClientID      ClientID
	ReverseHandle interface{}
	InSize        []int
	OutSize       int
}

type result struct {
	status Status
}

// delivery is the SPM-side record of one in-flight message
type delivery struct {
	msg    Message
	target int32
	signal partition.Signal
	env    *envelope.Envelope
	done   chan result
	span   *tracing.Span
	timer  *monitoring.Timer
	once   sync.Once
}

func newDelivery(kind Kind, h handle.ID, client ClientID, sid uint32, target int32, sig partition.Signal) *delivery {
	return &delivery{
		msg: Message{
			ID:       id.NewMessageID(),
			Handle:   h,
			Kind:     kind,
			SID:      sid,
			ClientID: client,
		},
		target: target,
		signal: sig,
		done:   make(chan result, 1),
	}
}

// attach binds a validated envelope to a call
func (d *delivery) attach(env *envelope.Envelope) {
	d.env = env
	d.msg.InSize = env.InSizes()
	d.msg.OutSize = env.OutLen()
}

// view returns the copy handed to the service
func (d *delivery) view() *Message {
	m := d.msg
	if d.msg.InSize != nil {
		m.InSize = append([]int(nil), d.msg.InSize...)
	}
	return &m
}
