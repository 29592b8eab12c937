package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/psa-spm/internal/domain/partition"
)

const (
	sidRelaxed = 0x1001
	sidStrict  = 0x1002
	sidOther   = 0x2001
)

func testManifest() Manifest {
	return Manifest{
		Partitions: []PartitionManifest{
			{
				ID:   1,
				Name: "part1",
				Services: []ServiceManifest{
					{SID: sidRelaxed, Name: "PART1_SF1", MinorVersion: 5, Policy: "relaxed"},
					{SID: sidStrict, Name: "PART1_SF2", MinorVersion: 5, Policy: "strict"},
				},
			},
			{
				ID:   2,
				Name: "part2",
				Services: []ServiceManifest{
					{SID: sidOther, Name: "PART2_SF1", MinorVersion: 1},
				},
			},
			{ID: 3, Name: "client"},
		},
	}
}

func TestResolve(t *testing.T) {
	reg, err := New(testManifest())
	require.NoError(t, err)

	tests := []struct {
		name      string
		sid       uint32
		minor     uint32
		outcome   Outcome
		partition int32
	}{
		{"relaxed exact", sidRelaxed, 5, Accept, 1},
		{"relaxed older client", sidRelaxed, 0, Accept, 1},
		{"relaxed newer client", sidRelaxed, 15, RejectVersion, 1},
		{"strict exact", sidStrict, 5, Accept, 1},
		{"strict older client", sidStrict, 4, RejectVersion, 1},
		{"strict newer client", sidStrict, 15, RejectVersion, 1},
		{"default policy is strict", sidOther, 0, RejectVersion, 2},
		{"unknown sid", sidRelaxed + 30, 5, RejectUnknownService, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route, outcome := reg.Resolve(tt.sid, tt.minor)
			assert.Equal(t, tt.outcome, outcome)
			assert.Equal(t, tt.partition, route.Partition)
		})
	}
}

func TestSignalAllocation(t *testing.T) {
	reg, err := New(testManifest())
	require.NoError(t, err)

	p1, ok := reg.Partition(1)
	require.True(t, ok)
	assert.Equal(t, partition.Doorbell|partition.ServiceSignal(0)|partition.ServiceSignal(1), p1.Signals)

	route, _ := reg.Resolve(sidStrict, 5)
	assert.Equal(t, partition.ServiceSignal(1), route.Signal)

	svc, ok := reg.ServiceBySignal(1, partition.ServiceSignal(1))
	require.True(t, ok)
	assert.Equal(t, "PART1_SF2", svc.Name)

	_, ok = reg.ServiceBySignal(1, partition.Doorbell)
	assert.False(t, ok)

	client, ok := reg.Partition(3)
	require.True(t, ok)
	assert.Equal(t, partition.Doorbell, client.Signals)
}

func TestVersion(t *testing.T) {
	reg, err := New(testManifest())
	require.NoError(t, err)

	v, ok := reg.Version(sidOther)
	assert.True(t, ok)
	assert.Equal(t, uint32(1), v)

	_, ok = reg.Version(0xdead)
	assert.False(t, ok)

	route, ok := reg.Lookup(sidOther)
	require.True(t, ok)
	assert.Equal(t, uint32(sidOther), route.Service.SID)

	_, ok = reg.Lookup(0xdead)
	assert.False(t, ok)
}

func TestNewRejectsBadManifests(t *testing.T) {
	tests := []struct {
		name     string
		manifest Manifest
	}{
		{
			name:     "zero partition id",
			manifest: Manifest{Partitions: []PartitionManifest{{ID: 0, Name: "p"}}},
		},
		{
			name:     "duplicate partition id",
			manifest: Manifest{Partitions: []PartitionManifest{{ID: 1, Name: "a"}, {ID: 1, Name: "b"}}},
		},
		{
			name: "zero sid",
			manifest: Manifest{Partitions: []PartitionManifest{
				{ID: 1, Name: "a", Services: []ServiceManifest{{SID: 0, Name: "s"}}},
			}},
		},
		{
			name: "duplicate sid across partitions",
			manifest: Manifest{Partitions: []PartitionManifest{
				{ID: 1, Name: "a", Services: []ServiceManifest{{SID: 7, Name: "s"}}},
				{ID: 2, Name: "b", Services: []ServiceManifest{{SID: 7, Name: "t"}}},
			}},
		},
		{
			name: "bad policy",
			manifest: Manifest{Partitions: []PartitionManifest{
				{ID: 1, Name: "a", Services: []ServiceManifest{{SID: 7, Name: "s", Policy: "lenient"}}},
			}},
		},
		{
			name: "service name with spaces",
			manifest: Manifest{Partitions: []PartitionManifest{
				{ID: 1, Name: "a", Services: []ServiceManifest{{SID: 7, Name: "echo service"}}},
			}},
		},
		{
			name: "too many services",
			manifest: func() Manifest {
				p := PartitionManifest{ID: 1, Name: "big"}
				for i := 0; i <= partition.MaxServices; i++ {
					p.Services = append(p.Services, ServiceManifest{SID: uint32(100 + i), Name: "s"})
				}
				return Manifest{Partitions: []PartitionManifest{p}}
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.manifest)
			assert.Error(t, err)
		})
	}
}

const yamlManifest = `
partitions:
  - id: 1
    name: part1
    services:
      - sid: 4097
        name: PART1_SF1
        minor_version: 5
        minor_policy: relaxed
      - sid: 4098
        name: PART1_SF2
        minor_version: 5
        minor_policy: strict
  - id: 2
    name: part2
    services:
      - sid: 8193
        name: PART2_SF1
        minor_version: 1
  - id: 3
    name: client
`

const tomlManifest = `
[[partitions]]
id = 1
name = "part1"

  [[partitions.services]]
  sid = 4097
  name = "PART1_SF1"
  minor_version = 5
  minor_policy = "relaxed"

  [[partitions.services]]
  sid = 4098
  name = "PART1_SF2"
  minor_version = 5
  minor_policy = "strict"

[[partitions]]
id = 2
name = "part2"

  [[partitions.services]]
  sid = 8193
  name = "PART2_SF1"
  minor_version = 1

[[partitions]]
id = 3
name = "client"
`

const jsonManifest = `{
  "partitions": [
    {"id": 1, "name": "part1", "services": [
      {"sid": 4097, "name": "PART1_SF1", "minor_version": 5, "minor_policy": "relaxed"},
      {"sid": 4098, "name": "PART1_SF2", "minor_version": 5, "minor_policy": "strict"}
    ]},
    {"id": 2, "name": "part2", "services": [
      {"sid": 8193, "name": "PART2_SF1", "minor_version": 1}
    ]},
    {"id": 3, "name": "client"}
  ]
}`

func TestLoadFileFormats(t *testing.T) {
	want, err := New(testManifest())
	require.NoError(t, err)

	files := map[string]string{
		"manifest.yaml": yamlManifest,
		"manifest.toml": tomlManifest,
		"manifest.json": jsonManifest,
	}

	dir := t.TempDir()
	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

			got, err := LoadFile(path)
			require.NoError(t, err)

			if diff := pretty.Compare(want.Services(), got.Services()); diff != "" {
				t.Errorf("services differ (-want +got):\n%s", diff)
			}
			if diff := pretty.Compare(want.Partitions(), got.Partitions()); diff != "" {
				t.Errorf("partitions differ (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadFile(filepath.Join(dir, "manifest.ini"))
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	broken := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte("{not json"), 0o600))
	_, err = LoadFile(broken)
	assert.Error(t, err)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("RELAXED")
	require.NoError(t, err)
	assert.Equal(t, PolicyRelaxed, p)
	assert.Equal(t, "relaxed", p.String())

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyStrict, p)
}
