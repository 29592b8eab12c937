package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/GriffinCanCode/psa-spm/internal/domain/partition"
	"github.com/GriffinCanCode/psa-spm/internal/shared/utils"
)

// VersionPolicy governs which requested minor versions a service accepts
type VersionPolicy int

const (
	// PolicyStrict accepts only the exact minor version
	PolicyStrict VersionPolicy = iota
	// PolicyRelaxed accepts the service's minor version and any older one
	PolicyRelaxed
)

// String returns the manifest name of the policy
func (p VersionPolicy) String() string {
	switch p {
	case PolicyStrict:
		return "strict"
	case PolicyRelaxed:
		return "relaxed"
	default:
		return "unknown"
	}
}

// ParsePolicy parses a manifest policy name. An empty name means strict.
func ParsePolicy(s string) (VersionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return PolicyStrict, nil
	case "relaxed":
		return PolicyRelaxed, nil
	default:
		return PolicyStrict, fmt.Errorf("unknown version policy %q", s)
	}
}

// Accepts reports whether a client asking for requested may connect to a
// service at minor.
func (p VersionPolicy) Accepts(requested, minor uint32) bool {
	switch p {
	case PolicyStrict:
		return requested == minor
	case PolicyRelaxed:
		return requested <= minor
	default:
		return false
	}
}

// ServiceDescriptor describes one root-of-trust service
type ServiceDescriptor struct {
	SID          uint32        `json:"sid"`
	Name         string        `json:"name"`
	MinorVersion uint32        `json:"minor_version"`
	Policy       VersionPolicy `json:"policy"`
}

// Partition is a secure partition declared in the manifest
type Partition struct {
	ID       int32
	Name     string
	Services []ServiceDescriptor
	Signals  partition.Signal
}

// Route is the result of resolving a service id
type Route struct {
	Partition int32
	Service   ServiceDescriptor
	Signal    partition.Signal
}

// Outcome of Resolve
type Outcome int

const (
	Accept Outcome = iota
	RejectUnknownService
	RejectVersion
)

// String returns the outcome name
func (o Outcome) String() string {
	switch o {
	case Accept:
		return "accept"
	case RejectUnknownService:
		return "unknown_service"
	case RejectVersion:
		return "version_mismatch"
	default:
		return "unknown"
	}
}

// Registry is the immutable service table built at initialization
type Registry struct {
	partitions map[int32]*Partition
	order      []int32
	routes     map[uint32]Route
}

// New builds a registry from a manifest
func New(m Manifest) (*Registry, error) {
	r := &Registry{
		partitions: make(map[int32]*Partition, len(m.Partitions)),
		routes:     make(map[uint32]Route),
	}

	for _, pm := range m.Partitions {
		if pm.ID <= 0 {
			return nil, fmt.Errorf("partition %q: id must be positive, got %d", pm.Name, pm.ID)
		}
		if _, exists := r.partitions[pm.ID]; exists {
			return nil, fmt.Errorf("partition %q: duplicate id %d", pm.Name, pm.ID)
		}
		if err := utils.ValidateName(pm.Name, "partition name"); err != nil {
			return nil, err
		}
		if len(pm.Services) > partition.MaxServices {
			return nil, fmt.Errorf("partition %q: %d services exceed the %d available signals",
				pm.Name, len(pm.Services), partition.MaxServices)
		}

		p := &Partition{
			ID:      pm.ID,
			Name:    pm.Name,
			Signals: partition.Doorbell,
		}

		for i, sm := range pm.Services {
			if sm.SID == 0 {
				return nil, fmt.Errorf("partition %q: service %q has zero sid", pm.Name, sm.Name)
			}
			if _, exists := r.routes[sm.SID]; exists {
				return nil, fmt.Errorf("partition %q: duplicate sid 0x%x", pm.Name, sm.SID)
			}
			if err := utils.ValidateName(sm.Name, "service name"); err != nil {
				return nil, fmt.Errorf("partition %q: %w", pm.Name, err)
			}
			policy, err := ParsePolicy(sm.Policy)
			if err != nil {
				return nil, fmt.Errorf("service %q: %w", sm.Name, err)
			}

			desc := ServiceDescriptor{
				SID:          sm.SID,
				Name:         sm.Name,
				MinorVersion: sm.MinorVersion,
				Policy:       policy,
			}
			sig := partition.ServiceSignal(i)

			p.Services = append(p.Services, desc)
			p.Signals |= sig
			r.routes[sm.SID] = Route{Partition: pm.ID, Service: desc, Signal: sig}
		}

		r.partitions[pm.ID] = p
		r.order = append(r.order, pm.ID)
	}

	return r, nil
}

// Resolve maps a service id and requested minor version to its partition.
// It has no side effects.
func (r *Registry) Resolve(sid uint32, requested uint32) (Route, Outcome) {
	route, ok := r.routes[sid]
	if !ok {
		return Route{}, RejectUnknownService
	}
	if !route.Service.Policy.Accepts(requested, route.Service.MinorVersion) {
		return route, RejectVersion
	}
	return route, Accept
}

// Lookup returns the route of a service regardless of version
func (r *Registry) Lookup(sid uint32) (Route, bool) {
	route, ok := r.routes[sid]
	return route, ok
}

// Version returns the minor version of a service, if it exists
func (r *Registry) Version(sid uint32) (uint32, bool) {
	route, ok := r.routes[sid]
	if !ok {
		return 0, false
	}
	return route.Service.MinorVersion, true
}

// Partition looks up a partition by id
func (r *Registry) Partition(id int32) (*Partition, bool) {
	p, ok := r.partitions[id]
	return p, ok
}

// Partitions returns the partitions in manifest order
func (r *Registry) Partitions() []*Partition {
	out := make([]*Partition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.partitions[id])
	}
	return out
}

// Services returns all routes ordered by sid
func (r *Registry) Services() []Route {
	out := make([]Route, 0, len(r.routes))
	for _, route := range r.routes {
		out = append(out, route)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service.SID < out[j].Service.SID })
	return out
}

// ServiceBySignal finds the service a partition serves on sig
func (r *Registry) ServiceBySignal(id int32, sig partition.Signal) (ServiceDescriptor, bool) {
	p, ok := r.partitions[id]
	if !ok {
		return ServiceDescriptor{}, false
	}
	for i, svc := range p.Services {
		if partition.ServiceSignal(i) == sig {
			return svc, true
		}
	}
	return ServiceDescriptor{}, false
}
