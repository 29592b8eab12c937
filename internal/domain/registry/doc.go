// Package registry provides the static service table of the partition manager.
//
// The registry maps a service id (SID) to the partition that implements it and
// to that service's minor version and version policy. It is built once from a
// manifest and never changes afterwards.
//
// Components:
//   - Registry: Resolve, Version and partition lookups
//   - Manifest: YAML, TOML or JSON description of partitions and services
//
// Version policies:
//   - strict: the requested minor version must equal the service's
//   - relaxed: any requested minor version up to the service's is accepted
//
// Signals:
//   - Each partition owns the doorbell bit plus one bit per service, assigned
//     in manifest order starting at partition.FirstServiceBit
//
// Example Usage:
//
//	reg, err := registry.LoadFile("manifest.yaml")
//	route, outcome := reg.Resolve(0x1001, 5)
//	if outcome != registry.Accept {
//		// protocol violation
//	}
package registry
