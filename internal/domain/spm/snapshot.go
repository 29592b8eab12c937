package spm

import (
	"time"

	"github.com/GriffinCanCode/psa-spm/internal/domain/handle"
)

// ViolationInfo is the JSON form of the violation that halted the manager
type ViolationInfo struct {
	Kind      string `json:"kind"`
	Op        string `json:"op"`
	Partition int32  `json:"partition"`
	Detail    string `json:"detail"`
}

// PartitionStatus describes one partition of the current boot
type PartitionStatus struct {
	ID        int32  `json:"id"`
	Name      string `json:"name"`
	Bound     bool   `json:"bound"`
	Allocated string `json:"allocated"`
	Pending   string `json:"pending"`
	Queued    int    `json:"queued"`
	InFlight  int    `json:"in_flight"`
}

// Snapshot is a point-in-time view of the manager
type Snapshot struct {
	BootID     string            `json:"boot_id"`
	State      string            `json:"state"`
	Resets     int               `json:"resets"`
	Uptime     string            `json:"uptime"`
	Violation  *ViolationInfo    `json:"violation,omitempty"`
	Partitions []PartitionStatus `json:"partitions"`
	Handles    []handle.Entry    `json:"handles"`
}

// Snapshot returns the current state, partitions and live handles
func (s *SPM) Snapshot() Snapshot {
	s.mu.Lock()
	b := s.boot
	snap := Snapshot{
		State:  s.state.String(),
		Resets: s.resets,
	}
	if v := s.violation; v != nil {
		snap.Violation = &ViolationInfo{
			Kind:      v.Kind.String(),
			Op:        v.Op,
			Partition: v.Partition,
			Detail:    v.Detail,
		}
	}
	s.mu.Unlock()

	snap.Handles = s.table.Snapshot()
	if b == nil {
		return snap
	}

	snap.BootID = b.id.String()
	snap.Uptime = time.Since(b.started).Round(time.Millisecond).String()
	for _, info := range s.reg.Partitions() {
		p := b.partitions[info.ID]

		p.mu.Lock()
		queued := 0
		for _, q := range p.queues {
			queued += len(q)
		}
		inFlight := len(p.active)
		p.mu.Unlock()

		snap.Partitions = append(snap.Partitions, PartitionStatus{
			ID:        info.ID,
			Name:      info.Name,
			Bound:     p.entry != nil,
			Allocated: p.space.Allocated().String(),
			Pending:   p.space.Pending().String(),
			Queued:    queued,
			InFlight:  inFlight,
		})
	}
	return snap
}
