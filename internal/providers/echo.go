package providers

import (
	"github.com/GriffinCanCode/psa-spm/internal/domain/spm"
)

// Echo copies the request into the response
type Echo struct{}

// NewEcho creates the echo service
func NewEcho() *Echo {
	return &Echo{}
}

func (e *Echo) Connect(*spm.Server, *spm.Message) (spm.Status, interface{}) {
	return spm.StatusSuccess, nil
}

// Call concatenates the input vectors into the response buffer. A response
// buffer shorter than the input gets StatusBufferTooSmall and nothing is
// written.
func (e *Echo) Call(srv *spm.Server, msg *spm.Message) (spm.Status, error) {
	data, err := readAll(srv, msg)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return spm.StatusSuccess, nil
	}
	if len(data) > msg.OutSize {
		return StatusBufferTooSmall, nil
	}
	if err := srv.Write(msg.Handle, 0, data); err != nil {
		return 0, err
	}
	return spm.StatusSuccess, nil
}

func (e *Echo) Disconnect(*spm.Server, *spm.Message) {}
