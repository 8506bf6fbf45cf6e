package types

// DiskClass is the eligibility classification a probe assigns to a disk.
// Classification never removes a disk from a listing; ineligible entries
// carry a Reason so frontends can show why a device is not offered.
type DiskClass string

const (
	// ClassCandidate marks a disk eligible to receive an image.
	ClassCandidate DiskClass = "candidate"
	// ClassSystem marks the disk hosting the running OS root. Never a target.
	ClassSystem DiskClass = "system"
	// ClassTooSmall marks a disk below the configured minimum target size.
	ClassTooSmall DiskClass = "too-small"
	// ClassUnavailable marks a disk whose details could not be read.
	ClassUnavailable DiskClass = "unavailable"
)

// Transport values as exposed by udev ID_BUS or the sysfs device path.
const (
	TransportNVMe = "nvme"
	TransportUSB  = "usb"
	TransportSATA = "sata"
	TransportMMC  = "mmc"
)

type Partition struct {
	Name            string `yaml:"name,omitempty" json:"name,omitempty"`
	Index           int    `yaml:"index,omitempty" json:"index,omitempty"`
	FilesystemLabel string `yaml:"label,omitempty" json:"label,omitempty" mapstructure:"label"`
	SizeBytes       uint64 `yaml:"size,omitempty" json:"size,omitempty" mapstructure:"size"`
	FS              string `yaml:"fs,omitempty" json:"fs,omitempty" mapstructure:"fs"`
	UUID            string `yaml:"uuid,omitempty" json:"uuid,omitempty"`
	MountPoint      string `yaml:"mount_point,omitempty" json:"mount_point,omitempty"`
	Path            string `yaml:"path,omitempty" json:"path,omitempty"`
	Disk            string `yaml:"-" json:"-"`
}

type PartitionList []*Partition

// Disk is an immutable point-in-time description of one block device.
// Probes rebuild it from scratch on every run and never mutate entries
// handed out earlier.
type Disk struct {
	Name       string        `yaml:"name,omitempty" json:"name,omitempty"`
	Path       string        `yaml:"path,omitempty" json:"path,omitempty"`
	SizeBytes  uint64        `yaml:"size,omitempty" json:"size,omitempty"`
	UUID       string        `yaml:"uuid,omitempty" json:"uuid,omitempty"`
	Transport  string        `yaml:"transport,omitempty" json:"transport,omitempty"`
	Removable  bool          `yaml:"removable,omitempty" json:"removable,omitempty"`
	Model      string        `yaml:"model,omitempty" json:"model,omitempty"`
	Vendor     string        `yaml:"vendor,omitempty" json:"vendor,omitempty"`
	SystemDisk bool          `yaml:"system_disk,omitempty" json:"system_disk,omitempty"`
	Class      DiskClass     `yaml:"class,omitempty" json:"class,omitempty"`
	Reason     string        `yaml:"reason,omitempty" json:"reason,omitempty"`
	Partitions PartitionList `yaml:"partitions,omitempty" json:"partitions,omitempty"`
}

// IsCandidate reports whether the disk may be offered as a provisioning
// target. System disks are excluded here no matter what Class says.
func (d *Disk) IsCandidate() bool {
	return !d.SystemDisk && d.Class == ClassCandidate
}

// RootPartition returns the partition mounted at /, if any.
func (d *Disk) RootPartition() *Partition {
	for _, p := range d.Partitions {
		if p.MountPoint == "/" {
			return p
		}
	}
	return nil
}

// PartitionByIndex returns the partition with the given 1-based index.
func (d *Disk) PartitionByIndex(idx int) *Partition {
	for _, p := range d.Partitions {
		if p.Index == idx {
			return p
		}
	}
	return nil
}
