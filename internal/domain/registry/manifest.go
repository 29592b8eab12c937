package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
)

// Manifest is the build-time description of partitions and their services
type Manifest struct {
	Partitions []PartitionManifest `yaml:"partitions" toml:"partitions" json:"partitions"`
}

// PartitionManifest declares one partition
type PartitionManifest struct {
	ID       int32             `yaml:"id" toml:"id" json:"id"`
	Name     string            `yaml:"name" toml:"name" json:"name"`
	Services []ServiceManifest `yaml:"services" toml:"services" json:"services"`
}

// ServiceManifest declares one service of a partition
type ServiceManifest struct {
	SID          uint32 `yaml:"sid" toml:"sid" json:"sid"`
	Name         string `yaml:"name" toml:"name" json:"name"`
	MinorVersion uint32 `yaml:"minor_version" toml:"minor_version" json:"minor_version"`
	Policy       string `yaml:"minor_policy" toml:"minor_policy" json:"minor_policy"`
}

// Format of a manifest document
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatJSON Format = "json"
)

// FormatFromPath infers the manifest format from a file extension
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported manifest extension %q", filepath.Ext(path))
	}
}

// ParseManifest decodes a manifest document
func ParseManifest(data []byte, format Format) (Manifest, error) {
	var m Manifest
	var err error

	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &m)
	case FormatTOML:
		err = toml.Unmarshal(data, &m)
	case FormatJSON:
		err = sonic.Unmarshal(data, &m)
	default:
		return Manifest{}, fmt.Errorf("unsupported manifest format %q", format)
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to parse %s manifest: %w", format, err)
	}
	return m, nil
}

// LoadFile reads a manifest file and builds the registry from it
func LoadFile(path string) (*Registry, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	m, err := ParseManifest(data, format)
	if err != nil {
		return nil, err
	}
	return New(m)
}
