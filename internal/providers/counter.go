package providers

import (
	"encoding/binary"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/psa-spm/internal/domain/spm"
)

// Counter keeps a running total per connection. Each call carries an 8 byte
// little-endian delta and gets the new total back in the same encoding.
type Counter struct {
	// MaxConnections bounds concurrent connections; 0 means unbounded
	MaxConnections int32

	open atomic.Int32
}

type tally struct {
	client spm.ClientID
	total  uint64
	calls  int
}

// NewCounter creates the counter service
func NewCounter() *Counter {
	return &Counter{}
}

// Open returns the number of live connections
func (c *Counter) Open() int32 {
	return c.open.Load()
}

// Reboot forgets connections dropped by a reset
func (c *Counter) Reboot() {
	c.open.Store(0)
}

func (c *Counter) Connect(srv *spm.Server, msg *spm.Message) (spm.Status, interface{}) {
	if c.MaxConnections > 0 && c.open.Load() >= c.MaxConnections {
		return spm.StatusConnectionRefused, nil
	}
	c.open.Add(1)
	return spm.StatusSuccess, &tally{client: msg.ClientID}
}

func (c *Counter) Call(srv *spm.Server, msg *spm.Message) (spm.Status, error) {
	t, ok := msg.ReverseHandle.(*tally)
	if !ok {
		return StatusInvalidArgument, nil
	}
	if len(msg.InSize) != 1 || msg.InSize[0] != 8 {
		return StatusInvalidArgument, nil
	}
	if msg.OutSize < 8 {
		return StatusBufferTooSmall, nil
	}

	var in [8]byte
	if _, err := srv.Read(msg.Handle, 0, in[:], 0); err != nil {
		return 0, err
	}
	t.total += binary.LittleEndian.Uint64(in[:])
	t.calls++

	var out [8]byte
	binary.LittleEndian.PutUint64(out[:], t.total)
	if err := srv.Write(msg.Handle, 0, out[:]); err != nil {
		return 0, err
	}
	return spm.StatusSuccess, nil
}

func (c *Counter) Disconnect(srv *spm.Server, msg *spm.Message) {
	c.open.Add(-1)
	if t, ok := msg.ReverseHandle.(*tally); ok {
		srv.Logger().Debug("counter closed",
			zap.Int32("client", int32(t.client)),
			zap.Uint64("total", t.total),
			zap.Int("calls", t.calls),
		)
	}
}
