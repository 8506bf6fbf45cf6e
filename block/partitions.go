package block

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hotspot-os/provisioner/constants"
	"github.com/hotspot-os/provisioner/types"
)

// partitionsForDisk lists the partitions sysfs exposes under a disk, with
// filesystem and mount data joined in from udev and the mount table.
func partitionsForDisk(paths *Paths, diskName string, logger *types.HotspotLogger) types.PartitionList {
	out := make(types.PartitionList, 0)
	path := filepath.Join(paths.SysBlock, diskName)
	logger.Logger.Debug().Str("path", path).Msg("Reading disk partitions")
	files, err := os.ReadDir(path)
	if err != nil {
		logger.Logger.Error().Err(err).Str("path", path).Msg("Failed to read disk dir")
		return out
	}
	for _, file := range files {
		fname := file.Name()
		if !strings.HasPrefix(fname, diskName) {
			continue
		}
		partitionPath := filepath.Join(diskName, fname)
		mp, fs := mountInfo(paths, fname, logger)
		if fs == "" {
			fs = partUdevValue(paths, partitionPath, "ID_FS_TYPE", logger)
		}
		p := &types.Partition{
			Name:            fname,
			Index:           partitionIndex(paths, partitionPath, fname, diskName),
			SizeBytes:       partitionSizeBytes(paths, partitionPath, logger),
			MountPoint:      mp,
			FS:              fs,
			UUID:            partUdevValue(paths, partitionPath, "ID_PART_ENTRY_UUID", logger),
			FilesystemLabel: partUdevValue(paths, partitionPath, "ID_FS_LABEL", logger),
			Path:            filepath.Join("/dev", fname),
			Disk:            filepath.Join("/dev", diskName),
		}
		out = append(out, p)
	}
	return out
}

// partitionIndex prefers the kernel's partition file, falling back to the
// digits trailing the device name.
func partitionIndex(paths *Paths, partitionPath, fname, diskName string) int {
	contents, err := os.ReadFile(filepath.Join(paths.SysBlock, partitionPath, "partition"))
	if err == nil {
		if idx, err := strconv.Atoi(strings.TrimSpace(string(contents))); err == nil {
			return idx
		}
	}
	suffix := strings.TrimPrefix(fname, diskName)
	suffix = strings.TrimPrefix(suffix, "p")
	if idx, err := strconv.Atoi(suffix); err == nil {
		return idx
	}
	return 0
}

func partitionSizeBytes(paths *Paths, partitionPath string, logger *types.HotspotLogger) uint64 {
	path := filepath.Join(paths.SysBlock, partitionPath, "size")
	contents, err := os.ReadFile(path)
	if err != nil {
		logger.Logger.Error().Str("path", path).Err(err).Msg("Failed to read partition size")
		return 0
	}
	size, err := strconv.ParseUint(strings.TrimSpace(string(contents)), 10, 64)
	if err != nil {
		logger.Logger.Error().Str("content", string(contents)).Err(err).Msg("Failed to parse partition size")
		return 0
	}
	return size * constants.SectorSize
}

// mountInfo scans the mount table for the partition and returns its
// mountpoint and filesystem type, empty when unmounted.
func mountInfo(paths *Paths, part string, logger *types.HotspotLogger) (string, string) {
	// Allow calling with either the full device path "/dev/sda1" or "sda1"
	if !strings.HasPrefix(part, "/dev") {
		part = "/dev/" + part
	}

	r, err := os.Open(paths.ProcMounts)
	if err != nil {
		logger.Logger.Error().Str("path", paths.ProcMounts).Err(err).Msg("Failed to open mounts")
		return "", ""
	}
	defer r.Close()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		entry := parseMountEntry(scanner.Text())
		if entry == nil || entry.Partition != part {
			continue
		}
		return entry.Mountpoint, entry.FilesystemType
	}
	return "", ""
}

type mountEntry struct {
	Partition      string
	Mountpoint     string
	FilesystemType string
}

func parseMountEntry(line string) *mountEntry {
	// mount entries for mounted partitions look like this:
	// /dev/sda6 / ext4 rw,relatime,errors=remount-ro,data=ordered 0 0
	if len(line) == 0 || line[0] != '/' {
		return nil
	}
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return nil
	}

	// The mountpoint may contain space, tab and newline characters, encoded
	// into the mount entry line as their octal representations per getmntent.
	mp := strings.NewReplacer(
		"\\011", "\t", "\\012", "\n", "\\040", " ", "\\\\", "\\",
	).Replace(fields[1])

	return &mountEntry{
		Partition:      fields[0],
		Mountpoint:     mp,
		FilesystemType: fields[2],
	}
}

// ListMounts returns every entry of the mount table, decoded. The probe uses
// it to find filesystems that are already mounted before deciding to mount
// anything itself.
func ListMounts(paths *Paths) map[string]string {
	mounts := make(map[string]string)
	r, err := os.Open(paths.ProcMounts)
	if err != nil {
		return mounts
	}
	defer r.Close()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if entry := parseMountEntry(scanner.Text()); entry != nil {
			mounts[entry.Partition] = entry.Mountpoint
		}
	}
	return mounts
}

func partUdevValue(paths *Paths, partitionPath, key string, logger *types.HotspotLogger) string {
	info, err := udevInfoDevice(paths, partitionPath, logger)
	if err != nil {
		return ""
	}
	return info[key]
}

// udevInfoDevice resolves a sysfs entry to its major:minor pair and looks it
// up in the udev runtime database.
func udevInfoDevice(paths *Paths, sysPath string, logger *types.HotspotLogger) (map[string]string, error) {
	devNo, err := os.ReadFile(filepath.Join(paths.SysBlock, sysPath, "dev"))
	if err != nil {
		logger.Logger.Debug().Err(err).Str("path", filepath.Join(paths.SysBlock, sysPath, "dev")).Msg("No dev file")
		return nil, err
	}
	return UdevInfo(paths, string(devNo), logger)
}

// UdevInfo returns the udev database properties recorded for a device number.
func UdevInfo(paths *Paths, devNo string, logger *types.HotspotLogger) (map[string]string, error) {
	udevID := "b" + strings.TrimSpace(devNo)
	udevBytes, err := os.ReadFile(filepath.Join(paths.RunUdevData, udevID))
	if err != nil {
		logger.Logger.Debug().Err(err).Str("path", filepath.Join(paths.RunUdevData, udevID)).Msg("No udev data for device")
		return nil, err
	}

	udevInfo := make(map[string]string)
	for _, udevLine := range strings.Split(string(udevBytes), "\n") {
		if strings.HasPrefix(udevLine, "E:") {
			if s := strings.SplitN(udevLine[2:], "=", 2); len(s) == 2 {
				udevInfo[s[0]] = s[1]
			}
		}
	}
	return udevInfo, nil
}
