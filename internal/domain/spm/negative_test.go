package spm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/psa-spm/internal/domain/envelope"
	"github.com/GriffinCanCode/psa-spm/internal/domain/fault"
	"github.com/GriffinCanCode/psa-spm/internal/domain/handle"
	"github.com/GriffinCanCode/psa-spm/internal/domain/partition"
)

// Every case drives one misbehaving client or service and expects the
// manager to halt with a specific violation. The manager is reset before each
// case, so a case starts from an empty handle table.
func TestProtocolViolations(t *testing.T) {
	type clientOp func(t *testing.T, c *Client) error

	connectTest := func(t *testing.T, c *Client) error {
		_, err := c.Connect(sidTest, minorVer)
		return err
	}
	callTest := func(vecs []envelope.IOVec, rx []byte) clientOp {
		return func(t *testing.T, c *Client) error {
			h := mustConnect(t, c, sidTest)
			_, err := c.Call(h, vecs, len(vecs), rx, len(rx))
			return err
		}
	}
	closeTest := func(t *testing.T, c *Client) error {
		h := mustConnect(t, c, sidTest)
		_, err := c.Close(h)
		return err
	}
	onConnect := func(h hook) Entry { return serve(KindConnect, h) }
	onCall := func(h hook) Entry { return serve(KindCall, h) }

	tests := []struct {
		name   string
		server Entry
		client clientOp
		kind   fault.Kind
		blame  int32
	}{
		// Client side
		{
			name: "connect unknown sid",
			client: func(t *testing.T, c *Client) error {
				_, err := c.Connect(sidRelaxed+30, minorVer)
				return err
			},
			kind:  fault.KindUnknownService,
			blame: partClient,
		},
		{
			name: "connect relaxed policy with newer minor",
			client: func(t *testing.T, c *Client) error {
				_, err := c.Connect(sidRelaxed, minorVer+10)
				return err
			},
			kind:  fault.KindVersionMismatch,
			blame: partClient,
		},
		{
			name: "connect strict policy with different minor",
			client: func(t *testing.T, c *Client) error {
				_, err := c.Connect(sidStrict, minorVer+10)
				return err
			},
			kind:  fault.KindVersionMismatch,
			blame: partClient,
		},
		{
			name: "call with too many vectors",
			client: func(t *testing.T, c *Client) error {
				h := mustConnect(t, c, sidRelaxed)
				_, err := c.Call(h, threeVecs(), 4, make([]byte, rspSize), rspSize)
				return err
			},
			kind:  fault.KindIOVecCount,
			blame: partClient,
		},
		{
			name: "call with null rx buffer and non-zero rx length",
			client: func(t *testing.T, c *Client) error {
				h := mustConnect(t, c, sidRelaxed)
				_, err := c.Call(h, threeVecs(), 3, nil, 1)
				return err
			},
			kind:  fault.KindRxBuffer,
			blame: partClient,
		},
		{
			name: "call with null vectors and non-zero count",
			client: func(t *testing.T, c *Client) error {
				h := mustConnect(t, c, sidRelaxed)
				_, err := c.Call(h, nil, 3, make([]byte, rspSize), rspSize)
				return err
			},
			kind:  fault.KindIOVecNull,
			blame: partClient,
		},
		{
			name: "call with aggregate length over the limit",
			client: func(t *testing.T, c *Client) error {
				h := mustConnect(t, c, sidRelaxed)
				data := make([]byte, rspSize)
				vecs := []envelope.IOVec{envelope.Vec(data), envelope.Vec(data), envelope.Vec(data)}
				_, err := c.Call(h, vecs, 3, nil, 0)
				return err
			},
			kind:  fault.KindTxSizeExceeded,
			blame: partClient,
		},
		{
			name: "call with null vector base and non-zero length",
			client: func(t *testing.T, c *Client) error {
				h := mustConnect(t, c, sidRelaxed)
				vecs := threeVecs()
				vecs[0] = envelope.IOVec{Base: nil, Len: 2}
				_, err := c.Call(h, vecs, 3, nil, 0)
				return err
			},
			kind:  fault.KindIOVecNull,
			blame: partClient,
		},
		{
			name: "call on a handle that does not exist",
			client: func(t *testing.T, c *Client) error {
				h := mustConnect(t, c, sidRelaxed)
				_, err := c.Call(h+10, threeVecs(), 3, nil, 0)
				return err
			},
			kind:  fault.KindInvalidHandle,
			blame: partClient,
		},
		{
			name: "call on the null handle",
			client: func(t *testing.T, c *Client) error {
				mustConnect(t, c, sidRelaxed)
				_, err := c.Call(handle.Null, threeVecs(), 3, nil, 0)
				return err
			},
			kind:  fault.KindNullHandle,
			blame: partClient,
		},
		{
			name: "close a handle that does not exist",
			client: func(t *testing.T, c *Client) error {
				h := mustConnect(t, c, sidRelaxed)
				mustCall(t, c, h, threeVecs(), nil)
				_, err := c.Close(h + 10)
				return err
			},
			kind:  fault.KindInvalidHandle,
			blame: partClient,
		},

		// Server side
		{
			name: "wait with a mask outside the allocation",
			server: onConnect(func(srv *Server, _ *Message, _ partition.Signal) error {
				_, err := srv.Wait(context.Background(), srv.Signals()|partition.ServiceSignal(27))
				return err
			}),
			client: connectTest,
			kind:   fault.KindSignalMask,
			blame:  partTest,
		},
		{
			name: "get with no message behind the signal",
			server: onConnect(func(srv *Server, _ *Message, _ partition.Signal) error {
				if err := srv.Notify(srv.ID()); err != nil {
					return err
				}
				_, err := srv.Get(partition.Doorbell)
				return err
			}),
			client: connectTest,
			kind:   fault.KindNoMessage,
			blame:  partTest,
		},
		{
			name: "get with more than one bit set",
			server: onConnect(func(srv *Server, _ *Message, sig partition.Signal) error {
				_, err := srv.Get(sig | partition.Doorbell)
				return err
			}),
			client: connectTest,
			kind:   fault.KindSignalMultipleBits,
			blame:  partTest,
		},
		{
			name: "get with a signal outside the partition",
			server: onConnect(func(srv *Server, _ *Message, _ partition.Signal) error {
				_, err := srv.Get(partition.ServiceSignal(20))
				return err
			}),
			client: connectTest,
			kind:   fault.KindSignalNotSubset,
			blame:  partTest,
		},
		{
			name: "get with a signal that is not asserted",
			server: onConnect(func(srv *Server, _ *Message, sig partition.Signal) error {
				_, err := srv.Get(sig)
				return err
			}),
			client: connectTest,
			kind:   fault.KindSignalNotActive,
			blame:  partTest,
		},
		{
			name: "read on a handle that does not exist",
			server: onCall(func(srv *Server, msg *Message, _ partition.Signal) error {
				_, err := srv.Read(msg.Handle+10, 0, make([]byte, 1), 0)
				return err
			}),
			client: callTest(nil, nil),
			kind:   fault.KindInvalidHandle,
			blame:  partTest,
		},
		{
			name: "read on the null handle",
			server: onCall(func(srv *Server, _ *Message, _ partition.Signal) error {
				_, err := srv.Read(handle.Null, 0, make([]byte, 1), 0)
				return err
			}),
			client: callTest(nil, nil),
			kind:   fault.KindNullHandle,
			blame:  partTest,
		},
		{
			name: "read when the client sent no vectors",
			server: onCall(func(srv *Server, msg *Message, _ partition.Signal) error {
				_, err := srv.Read(msg.Handle, 0, make([]byte, 1), 0)
				return err
			}),
			client: callTest(nil, nil),
			kind:   fault.KindReadIndex,
			blame:  partTest,
		},
		{
			name: "write from a null buffer",
			server: onCall(func(srv *Server, msg *Message, _ partition.Signal) error {
				return srv.Write(msg.Handle, 0, nil)
			}),
			client: callTest(threeVecs(), make([]byte, rspSize)),
			kind:   fault.KindWriteBufferNull,
			blame:  partTest,
		},
		{
			name: "write at an offset beyond the maximum response size",
			server: onCall(func(srv *Server, msg *Message, _ partition.Signal) error {
				return srv.Write(msg.Handle, rspSize+1, []byte{1})
			}),
			client: callTest(threeVecs(), make([]byte, rspSize)),
			kind:   fault.KindWriteOffsetMax,
			blame:  partTest,
		},
		{
			name: "write at an offset beyond the rx length",
			server: onCall(func(srv *Server, msg *Message, _ partition.Signal) error {
				return srv.Write(msg.Handle, msg.OutSize+1, []byte{1})
			}),
			client: callTest(threeVecs(), make([]byte, rspSize/2)),
			kind:   fault.KindWriteBounds,
			blame:  partTest,
		},
		{
			name: "write when the client gave no rx buffer",
			server: onCall(func(srv *Server, msg *Message, _ partition.Signal) error {
				return srv.Write(msg.Handle, 0, []byte{1})
			}),
			client: callTest(threeVecs(), nil),
			kind:   fault.KindWriteRxNull,
			blame:  partTest,
		},
		{
			name: "write on a handle that does not exist",
			server: onCall(func(srv *Server, msg *Message, _ partition.Signal) error {
				return srv.Write(msg.Handle+10, 0, []byte{1})
			}),
			client: callTest(threeVecs(), make([]byte, rspSize)),
			kind:   fault.KindInvalidHandle,
			blame:  partTest,
		},
		{
			name: "write on the null handle",
			server: onCall(func(srv *Server, _ *Message, _ partition.Signal) error {
				return srv.Write(handle.Null, 0, []byte{1})
			}),
			client: callTest(threeVecs(), make([]byte, rspSize)),
			kind:   fault.KindNullHandle,
			blame:  partTest,
		},
		{
			name: "end on a handle that does not exist",
			server: onConnect(func(srv *Server, msg *Message, _ partition.Signal) error {
				return srv.End(msg.Handle+10, StatusSuccess, nil)
			}),
			client: connectTest,
			kind:   fault.KindInvalidHandle,
			blame:  partTest,
		},
		{
			name: "end on the null handle",
			server: onConnect(func(srv *Server, _ *Message, _ partition.Signal) error {
				return srv.End(handle.Null, StatusSuccess, nil)
			}),
			client: connectTest,
			kind:   fault.KindNullHandle,
			blame:  partTest,
		},
		{
			name: "end a disconnect with a reverse handle",
			server: serve(KindDisconnect, func(srv *Server, msg *Message, _ partition.Signal) error {
				state := 1
				return srv.End(msg.Handle, StatusSuccess, &state)
			}),
			client: closeTest,
			kind:   fault.KindRHandleOnDisconnect,
			blame:  partTest,
		},
		{
			name: "notify a partition that does not exist",
			server: onConnect(func(srv *Server, _ *Message, _ partition.Signal) error {
				return srv.Notify(99)
			}),
			client: connectTest,
			kind:   fault.KindUnknownPartition,
			blame:  partTest,
		},
		{
			name: "identity of a handle that does not exist",
			server: onConnect(func(srv *Server, msg *Message, _ partition.Signal) error {
				_, err := srv.Identity(msg.Handle + 10)
				return err
			}),
			client: connectTest,
			kind:   fault.KindInvalidHandle,
			blame:  partTest,
		},
		{
			name: "identity of the null handle",
			server: onConnect(func(srv *Server, _ *Message, _ partition.Signal) error {
				_, err := srv.Identity(handle.Null)
				return err
			}),
			client: connectTest,
			kind:   fault.KindNullHandle,
			blame:  partTest,
		},
		{
			name: "set reverse handle on a handle that does not exist",
			server: onConnect(func(srv *Server, msg *Message, _ partition.Signal) error {
				return srv.SetReverseHandle(msg.Handle+10, "state")
			}),
			client: connectTest,
			kind:   fault.KindInvalidHandle,
			blame:  partTest,
		},
		{
			name: "set reverse handle on the null handle",
			server: onConnect(func(srv *Server, _ *Message, _ partition.Signal) error {
				return srv.SetReverseHandle(handle.Null, "state")
			}),
			client: connectTest,
			kind:   fault.KindNullHandle,
			blame:  partTest,
		},
	}

	h := newHarness(t, testConfig(), nil)
	mgr := h.mgr

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := tt.server
			if server == nil {
				server = serve(0, nil)
			}
			require.NoError(t, mgr.Bind(partTest, server))
			require.NoError(t, mgr.Reset())
			faults := h.faultCount()

			err := tt.client(t, h.client)
			require.Error(t, err)
			assert.ErrorIs(t, err, fault.Of(tt.kind))
			assert.True(t, fault.IsViolation(err))

			assert.Equal(t, StateHalted, mgr.State())
			assert.Equal(t, faults+1, h.faultCount())
			v := mgr.Violation()
			require.NotNil(t, v)
			assert.Equal(t, tt.kind, v.Kind)
			assert.Equal(t, tt.blame, v.Partition)

			_, err = h.client.Connect(sidRelaxed, minorVer)
			assert.ErrorIs(t, err, fault.ErrHalted)
		})
	}
}

func TestViolationIsNeverAStatus(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	status, err := h.client.Call(handle.Null, nil, 0, nil, 0)
	assert.Error(t, err)
	assert.Equal(t, Status(0), status)

	var se *StatusError
	assert.False(t, errors.As(err, &se))
	assert.False(t, errors.Is(err, ErrConnectionRefused))
}
