package types

import (
	"fmt"
	"path/filepath"
)

// Manifest is the metadata record shipped inside every provisionable image,
// read from the boot partition during probing. A copy is retained on the
// Image so the data stays valid after the originating mount is released.
type Manifest struct {
	Name     string          `json:"name" yaml:"name"`
	Version  string          `json:"version" yaml:"version"`
	Checksum string          `json:"checksum" yaml:"checksum"`
	Arch     string          `json:"arch,omitempty" yaml:"arch,omitempty"`
	Layout   []PartitionDecl `json:"layout,omitempty" yaml:"layout,omitempty"`
}

// PartitionDecl is one entry of the partition layout an image declares
// about itself, compared against the target after flashing.
type PartitionDecl struct {
	Index   int    `json:"index" yaml:"index"`
	FS      string `json:"fs,omitempty" yaml:"fs,omitempty"`
	SizeMiB uint64 `json:"size_mib,omitempty" yaml:"size_mib,omitempty"`
}

func (m Manifest) String() string {
	return fmt.Sprintf("%s %s", m.Name, m.Version)
}

// Image is a provisionable OS image discovered on a probed disk.
type Image struct {
	Path      string   `yaml:"path" json:"path"`
	SizeBytes uint64   `yaml:"size" json:"size"`
	Disk      string   `yaml:"disk,omitempty" json:"disk,omitempty"`
	Manifest  Manifest `yaml:"manifest" json:"manifest"`
}

func (i Image) String() string {
	if i.Manifest.Name != "" {
		return fmt.Sprintf("%s (%s)", i.Manifest, filepath.Base(i.Path))
	}
	return filepath.Base(i.Path)
}

// FitsOn reports whether the image's raw content fits on the given disk.
func (i Image) FitsOn(d *Disk) bool {
	return d != nil && i.SizeBytes <= d.SizeBytes
}
