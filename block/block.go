// Package block enumerates block devices from sysfs, the udev runtime
// database and the mount table. Everything goes through a Paths struct whose
// prefix can be overridden, so tests run against a fake tree instead of real
// hardware.
package block

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hotspot-os/provisioner/constants"
	"github.com/hotspot-os/provisioner/types"
)

const UNKNOWN = "unknown"

// ChrootEnv overrides every path prefix, taking precedence over the
// argument given to NewPaths.
const ChrootEnv = "PROVISIONER_CHROOT"

// Prefixes of kernel-virtual devices that are never provisioning targets.
// Loop devices in particular are our own image attachments and must not show
// up in listings as disks.
var virtualPrefixes = []string{"loop", "ram", "zram", "dm-", "sr", "fd", "md"}

type Paths struct {
	SysBlock    string
	RunUdevData string
	ProcMounts  string
}

func NewPaths(withOptionalPrefix string) *Paths {
	p := &Paths{
		SysBlock:    "/sys/block/",
		RunUdevData: "/run/udev/data",
		ProcMounts:  "/proc/mounts",
	}

	// Env var takes precedence over anything
	val, exists := os.LookupEnv(ChrootEnv)
	if exists {
		withOptionalPrefix = val
	}
	if withOptionalPrefix != "" {
		withOptionalPrefix = strings.TrimSuffix(withOptionalPrefix, "/")
		p.SysBlock = fmt.Sprintf("%s%s", withOptionalPrefix, p.SysBlock)
		p.RunUdevData = fmt.Sprintf("%s%s", withOptionalPrefix, p.RunUdevData)
		p.ProcMounts = fmt.Sprintf("%s%s", withOptionalPrefix, p.ProcMounts)
	}
	return p
}

// ListDisks returns every physical block device in sysfs enumeration order.
// A device whose details cannot be read is still returned, with Reason set,
// so callers can show why it is unusable instead of silently dropping it.
func ListDisks(paths *Paths, logger *types.HotspotLogger) []*types.Disk {
	if logger == nil {
		newLogger := types.NewNullLogger()
		logger = &newLogger
	}
	disks := make([]*types.Disk, 0)
	logger.Logger.Debug().Str("path", paths.SysBlock).Msg("Scanning for disks")
	files, err := os.ReadDir(paths.SysBlock)
	if err != nil {
		logger.Logger.Error().Err(err).Str("path", paths.SysBlock).Msg("Failed to read sysfs block dir")
		return nil
	}
	for _, file := range files {
		dname := file.Name()
		if isVirtualDevice(paths, dname) {
			logger.Logger.Trace().Str("device", dname).Msg("Skipping virtual device")
			continue
		}
		disks = append(disks, readDisk(paths, dname, logger))
	}

	return disks
}

func readDisk(paths *Paths, dname string, logger *types.HotspotLogger) *types.Disk {
	d := &types.Disk{
		Name:      dname,
		Path:      filepath.Join("/dev", dname),
		SizeBytes: deviceSizeBytes(paths, dname, logger),
		Removable: diskRemovable(paths, dname),
		Model:     deviceAttr(paths, dname, "model"),
		Vendor:    deviceAttr(paths, dname, "vendor"),
	}

	info, err := udevInfoDevice(paths, dname, logger)
	if err != nil {
		// Keep the entry; the probe layer downgrades it to unavailable.
		d.Reason = fmt.Sprintf("device info unreadable: %v", err)
		return d
	}
	if uuid, ok := info["ID_PART_TABLE_UUID"]; ok {
		d.UUID = uuid
	}
	d.Transport = diskTransport(dname, info)
	d.Partitions = partitionsForDisk(paths, dname, logger)
	return d
}

// diskTransport resolves the bus a disk hangs off. udev's ID_BUS is
// authoritative when present; NVMe and MMC devices usually lack it and are
// recognized by name instead.
func diskTransport(dname string, udevInfo map[string]string) string {
	if bus, ok := udevInfo["ID_BUS"]; ok && bus != "" {
		if bus == "ata" || bus == "scsi" {
			return types.TransportSATA
		}
		return bus
	}
	switch {
	case strings.HasPrefix(dname, "nvme"):
		return types.TransportNVMe
	case strings.HasPrefix(dname, "mmcblk"):
		return types.TransportMMC
	}
	return ""
}

func diskRemovable(paths *Paths, dname string) bool {
	contents, err := os.ReadFile(filepath.Join(paths.SysBlock, dname, "removable"))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(contents)) == "1"
}

// deviceAttr reads an attribute file under /sys/block/<disk>/device/,
// where the kernel exposes model and vendor strings padded with spaces.
func deviceAttr(paths *Paths, dname, attr string) string {
	contents, err := os.ReadFile(filepath.Join(paths.SysBlock, dname, "device", attr))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(contents))
}

func isVirtualDevice(paths *Paths, dname string) bool {
	for _, prefix := range virtualPrefixes {
		if strings.HasPrefix(dname, prefix) {
			return true
		}
	}
	// Entries in /sys/block are symlinks into the device tree; anything that
	// resolves under devices/virtual/block is kernel-made, not hardware.
	if target, err := os.Readlink(filepath.Join(strings.TrimSuffix(paths.SysBlock, "/"), dname)); err == nil {
		if strings.Contains(target, "devices/virtual/block") {
			return true
		}
	}
	return false
}

// deviceSizeBytes reads the number of 512-byte sectors from
// /sys/block/$DEVICE/size and converts to bytes.
func deviceSizeBytes(paths *Paths, disk string, logger *types.HotspotLogger) uint64 {
	path := filepath.Join(paths.SysBlock, disk, "size")
	logger.Logger.Trace().Str("path", path).Msg("Reading disk size")
	contents, err := os.ReadFile(path)
	if err != nil {
		logger.Logger.Error().Str("path", path).Err(err).Msg("Failed to read size file")
		return 0
	}
	size, err := strconv.ParseUint(strings.TrimSpace(string(contents)), 10, 64)
	if err != nil {
		logger.Logger.Error().Str("path", path).Err(err).Str("content", string(contents)).Msg("Failed to parse size")
		return 0
	}
	return size * constants.SectorSize
}
