package spm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/psa-spm/internal/domain/envelope"
	"github.com/GriffinCanCode/psa-spm/internal/domain/fault"
	"github.com/GriffinCanCode/psa-spm/internal/domain/handle"
	"github.com/GriffinCanCode/psa-spm/internal/domain/partition"
	"github.com/GriffinCanCode/psa-spm/internal/domain/registry"
	"github.com/GriffinCanCode/psa-spm/internal/infrastructure/config"
)

const (
	partService int32 = 1
	partTest    int32 = 2
	partClient  int32 = 3

	sidRelaxed uint32 = 0x1001
	sidStrict  uint32 = 0x1002
	sidTest    uint32 = 0x2001

	minorVer = 5
	rspSize  = 16
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(registry.Manifest{
		Partitions: []registry.PartitionManifest{
			{
				ID:   partService,
				Name: "part1",
				Services: []registry.ServiceManifest{
					{SID: sidRelaxed, Name: "PART1_SF1", MinorVersion: minorVer, Policy: "relaxed"},
					{SID: sidStrict, Name: "PART1_SF2", MinorVersion: minorVer, Policy: "strict"},
				},
			},
			{
				ID:   partTest,
				Name: "part2",
				Services: []registry.ServiceManifest{
					{SID: sidTest, Name: "PART2_SF1", MinorVersion: minorVer, Policy: "relaxed"},
				},
			},
			{ID: partClient, Name: "client"},
		},
	})
	require.NoError(t, err)
	return reg
}

func testConfig() config.SPMConfig {
	return config.SPMConfig{
		MaxIOVec:   3,
		TxBufLimit: rspSize,
		RxBufLimit: rspSize,
		MaxHandles: 16,
	}
}

// hook runs when the test service receives a message of the kind it was
// registered for, before the message is ended
type hook func(srv *Server, msg *Message, sig partition.Signal) error

// serve is a well-behaved service: it echoes call inputs back into the
// response buffer and ends every message with success. A hook for one kind
// of message may misbehave or end the message itself (returning errEnded).
func serve(on Kind, h hook) Entry {
	return func(ctx context.Context, srv *Server) error {
		for {
			sig, err := srv.Wait(ctx, srv.Signals())
			if err != nil {
				return err
			}
			if sig == partition.Doorbell {
				if err := srv.Clear(); err != nil {
					return err
				}
				continue
			}
			msg, err := srv.Get(sig)
			if err != nil {
				return err
			}
			if h != nil && msg.Kind == on {
				err := h(srv, msg, sig)
				if err == errEnded {
					continue
				}
				if err != nil {
					return err
				}
			}
			if msg.Kind == KindCall {
				if err := echo(srv, msg); err != nil {
					return err
				}
			}
			if err := srv.End(msg.Handle, StatusSuccess, nil); err != nil {
				return err
			}
		}
	}
}

var errEnded = errors.New("message already ended")

func echo(srv *Server, msg *Message) error {
	off := 0
	for i, n := range msg.InSize {
		buf := make([]byte, n)
		if _, err := srv.Read(msg.Handle, i, buf, 0); err != nil {
			return err
		}
		if off+n > msg.OutSize {
			continue
		}
		if err := srv.Write(msg.Handle, off, buf); err != nil {
			return err
		}
		off += n
	}
	return nil
}

type harness struct {
	mgr    *SPM
	client *Client

	mu     sync.Mutex
	faults []*fault.Violation
}

func newHarness(t *testing.T, cfg config.SPMConfig, entries map[int32]Entry, opts ...Option) *harness {
	t.Helper()
	h := &harness{}

	opts = append(opts, WithFaultHandler(func(v *fault.Violation) {
		h.mu.Lock()
		h.faults = append(h.faults, v)
		h.mu.Unlock()
	}))
	mgr, err := New(testRegistry(t), cfg, opts...)
	require.NoError(t, err)

	require.NoError(t, mgr.Bind(partService, serve(0, nil)))
	require.NoError(t, mgr.Bind(partTest, serve(0, nil)))
	for pid, entry := range entries {
		require.NoError(t, mgr.Bind(pid, entry))
	}
	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(func() { _ = mgr.Shutdown() })

	h.mgr = mgr
	h.client, err = mgr.Client(partClient)
	require.NoError(t, err)
	return h
}

func (h *harness) faultCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.faults)
}

func mustConnect(t *testing.T, c *Client, sid uint32) handle.ID {
	t.Helper()
	h, err := c.Connect(sid, minorVer)
	require.NoError(t, err)
	require.Greater(t, int32(h), int32(0))
	return h
}

func mustCall(t *testing.T, c *Client, h handle.ID, vecs []envelope.IOVec, rx []byte) {
	t.Helper()
	status, err := c.Call(h, vecs, len(vecs), rx, len(rx))
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, status)
}

func threeVecs() []envelope.IOVec {
	data := []byte{1, 0}
	return []envelope.IOVec{envelope.Vec(data), envelope.Vec(data), envelope.Vec(data)}
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, testConfig())
	assert.Error(t, err)

	cfg := testConfig()
	cfg.MaxIOVec = 0
	_, err = New(testRegistry(t), cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.MaxHandles = 0
	_, err = New(testRegistry(t), cfg)
	assert.Error(t, err)
}

func TestStartRequiresServiceEntries(t *testing.T) {
	mgr, err := New(testRegistry(t), testConfig())
	require.NoError(t, err)
	require.NoError(t, mgr.Bind(partService, serve(0, nil)))

	err = mgr.Start(context.Background())
	assert.ErrorContains(t, err, "part2")
	assert.Equal(t, StateStopped, mgr.State())

	// The client partition exposes nothing and needs no entry
	require.NoError(t, mgr.Bind(partTest, serve(0, nil)))
	require.NoError(t, mgr.Start(context.Background()))
	defer mgr.Shutdown()

	assert.ErrorIs(t, mgr.Start(context.Background()), ErrAlreadyStarted)
	assert.Equal(t, StateRunning, mgr.State())
}

func TestBindAndClientRejectUnknownPartition(t *testing.T) {
	mgr, err := New(testRegistry(t), testConfig())
	require.NoError(t, err)

	assert.Error(t, mgr.Bind(99, serve(0, nil)))
	assert.Error(t, mgr.Bind(partService, nil))

	_, err = mgr.Client(99)
	assert.Error(t, err)
	assert.Equal(t, NonSecureClientID, mgr.NonSecure().ID())
}

func TestOperationsBeforeStart(t *testing.T) {
	mgr, err := New(testRegistry(t), testConfig())
	require.NoError(t, err)

	_, err = mgr.NonSecure().Connect(sidRelaxed, minorVer)
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, mgr.Reset(), ErrNotRunning)
	assert.NoError(t, mgr.Shutdown())
}

func TestResetRecoversFromFault(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	firstBoot := h.mgr.BootID()

	old := mustConnect(t, h.client, sidRelaxed)

	_, err := h.client.Connect(0xdead, minorVer)
	assert.ErrorIs(t, err, fault.Of(fault.KindUnknownService))
	assert.Equal(t, StateHalted, h.mgr.State())
	assert.Equal(t, 1, h.faultCount())

	// Everything is refused until reset
	_, err = h.client.Connect(sidRelaxed, minorVer)
	assert.ErrorIs(t, err, fault.ErrHalted)
	_, err = h.client.Call(old, nil, 0, nil, 0)
	assert.ErrorIs(t, err, fault.ErrHalted)

	require.NoError(t, h.mgr.Reset())
	assert.Equal(t, StateRunning, h.mgr.State())
	assert.Nil(t, h.mgr.Violation())
	assert.NotEqual(t, firstBoot, h.mgr.BootID())

	fresh := mustConnect(t, h.client, sidRelaxed)
	mustCall(t, h.client, fresh, nil, nil)

	// Handles from before the reset are gone for good
	_, err = h.client.Call(old, nil, 0, nil, 0)
	assert.ErrorIs(t, err, fault.Of(fault.KindInvalidHandle))
}

func TestShutdownReleasesBlockedClient(t *testing.T) {
	received := make(chan struct{})
	stall := func(ctx context.Context, srv *Server) error {
		sig, err := srv.Wait(ctx, srv.Signals())
		if err != nil {
			return err
		}
		if _, err := srv.Get(sig); err != nil {
			return err
		}
		close(received)
		<-ctx.Done()
		return ctx.Err()
	}
	h := newHarness(t, testConfig(), map[int32]Entry{partTest: stall})

	errc := make(chan error, 1)
	go func() {
		_, err := h.client.Connect(sidTest, minorVer)
		errc <- err
	}()

	<-received
	require.NoError(t, h.mgr.Shutdown())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrNotRunning)
	case <-time.After(5 * time.Second):
		t.Fatal("client still blocked after shutdown")
	}
	assert.Equal(t, StateStopped, h.mgr.State())
	assert.Equal(t, 0, h.faultCount())
}

func TestPartitionPanicHalts(t *testing.T) {
	h := newHarness(t, testConfig(), map[int32]Entry{
		partTest: serve(KindConnect, func(*Server, *Message, partition.Signal) error {
			panic("boom")
		}),
	})

	_, err := h.client.Connect(sidTest, minorVer)
	assert.ErrorIs(t, err, fault.Of(fault.KindPartitionExit))

	v := h.mgr.Violation()
	require.NotNil(t, v)
	assert.Equal(t, partTest, v.Partition)
}

func TestPartitionErrorHalts(t *testing.T) {
	h := newHarness(t, testConfig(), map[int32]Entry{
		partTest: serve(KindConnect, func(*Server, *Message, partition.Signal) error {
			return assert.AnError
		}),
	})

	_, err := h.client.Connect(sidTest, minorVer)
	assert.ErrorIs(t, err, fault.Of(fault.KindPartitionExit))
	assert.Equal(t, StateHalted, h.mgr.State())
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	hd := mustConnect(t, h.client, sidRelaxed)

	snap := h.mgr.Snapshot()
	assert.Equal(t, "running", snap.State)
	assert.Equal(t, h.mgr.BootID().String(), snap.BootID)
	assert.Nil(t, snap.Violation)
	require.Len(t, snap.Handles, 1)
	assert.Equal(t, hd, snap.Handles[0].ID)
	assert.Equal(t, partClient, snap.Handles[0].Owner)

	require.Len(t, snap.Partitions, 3)
	assert.Equal(t, "part1", snap.Partitions[0].Name)
	assert.True(t, snap.Partitions[0].Bound)
	assert.False(t, snap.Partitions[2].Bound)

	_, err := h.client.Call(handle.Null, nil, 0, nil, 0)
	require.Error(t, err)

	snap = h.mgr.Snapshot()
	assert.Equal(t, "halted", snap.State)
	require.NotNil(t, snap.Violation)
	assert.Equal(t, "null_handle", snap.Violation.Kind)
	assert.Equal(t, partClient, snap.Violation.Partition)
}

func TestHaltWaitsForInFlightWrites(t *testing.T) {
	writing := make(chan struct{}, 1)
	spin := serve(KindCall, func(srv *Server, msg *Message, _ partition.Signal) error {
		fill := make([]byte, msg.OutSize)
		for i := range fill {
			fill[i] = 0xAA
		}
		for {
			if err := srv.Write(msg.Handle, 0, fill); err != nil {
				return err
			}
			select {
			case writing <- struct{}{}:
			default:
			}
		}
	})
	h := newHarness(t, testConfig(), map[int32]Entry{partTest: spin})

	for round := 0; round < 20; round++ {
		hd := mustConnect(t, h.client, sidTest)
		rx := make([]byte, rspSize)

		errc := make(chan error, 1)
		go func() {
			_, err := h.client.Call(hd, nil, 0, rx, len(rx))
			errc <- err
		}()

		<-writing
		_, err := h.mgr.NonSecure().Call(handle.Null, nil, 0, nil, 0)
		require.ErrorIs(t, err, fault.Of(fault.KindNullHandle))

		select {
		case err := <-errc:
			require.ErrorIs(t, err, fault.Of(fault.KindNullHandle))
		case <-time.After(5 * time.Second):
			t.Fatal("call still blocked after halt")
		}

		// The buffer belongs to the client again; no late write may land
		for i := range rx {
			rx[i] = 0
		}
		time.Sleep(time.Millisecond)
		assert.Equal(t, make([]byte, rspSize), rx, "round %d", round)

		require.NoError(t, h.mgr.Reset())
		select {
		case <-writing:
		default:
		}
	}
}
