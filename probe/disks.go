package probe

import (
	"fmt"
	"sort"

	"github.com/hotspot-os/provisioner/block"
	"github.com/hotspot-os/provisioner/types"
)

// systemMounts are the mountpoints that pin a disk to the running OS.
var systemMounts = map[string]bool{
	"/":     true,
	"/boot": true,
	"/usr":  true,
}

// Disks lists every block device together with its eligibility class.
// Ineligible devices are never dropped from the result, they carry a class
// and a reason instead so callers can show why a device is not offered.
// The sysfs enumeration order of the scan is preserved.
func Disks(paths *block.Paths, minDiskSize uint64, logger *types.HotspotLogger) []*types.Disk {
	if logger == nil {
		l := types.NewNullLogger()
		logger = &l
	}
	disks := block.ListDisks(paths, logger)
	for _, d := range disks {
		classify(d, minDiskSize)
		logger.Logger.Debug().
			Str("disk", d.Name).
			Str("class", string(d.Class)).
			Str("reason", d.Reason).
			Msg("Classified disk")
	}
	return disks
}

func classify(d *types.Disk, minDiskSize uint64) {
	// The scan annotates devices it could not fully read.
	if d.Reason != "" {
		d.Class = types.ClassUnavailable
		return
	}
	for _, p := range d.Partitions {
		if systemMounts[p.MountPoint] {
			d.SystemDisk = true
			d.Class = types.ClassSystem
			d.Reason = fmt.Sprintf("holds the running system, %s is mounted at %s", p.Name, p.MountPoint)
			return
		}
	}
	if d.SizeBytes < minDiskSize {
		d.Class = types.ClassTooSmall
		d.Reason = fmt.Sprintf("disk is smaller than the configured minimum, %d < %d bytes", d.SizeBytes, minDiskSize)
		return
	}
	d.Class = types.ClassCandidate
}

// transportRank orders target transports by how likely they are to be the
// intended install disk on a single board computer.
func transportRank(transport string) int {
	switch transport {
	case types.TransportNVMe:
		return 0
	case types.TransportUSB:
		return 1
	case types.TransportMMC:
		return 2
	case types.TransportSATA:
		return 3
	default:
		return 4
	}
}

// Candidates filters for provisionable disks and orders them NVMe first,
// then USB, then SD card, larger before smaller within the same transport.
// The sort is stable so equal disks keep their enumeration order.
func Candidates(disks []*types.Disk) []*types.Disk {
	out := []*types.Disk{}
	for _, d := range disks {
		if d.IsCandidate() {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := transportRank(out[i].Transport), transportRank(out[j].Transport)
		if ri != rj {
			return ri < rj
		}
		return out[i].SizeBytes > out[j].SizeBytes
	})
	return out
}
