// Package mocks builds fake sysfs/udev/mounts trees for tests.
package mocks

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hotspot-os/provisioner/block"
	"github.com/hotspot-os/provisioner/types"
)

// Mock constructs a fake disk tree to present to the block package when
// scanning devices. The scanner only looks at /sys/block, /run/udev/data and
// /proc/mounts, all of which it resolves through a prefix, so pointing the
// prefix at a tempdir full of handcrafted files is indistinguishable from
// real hardware. Pass no disks to simulate a machine with nothing attached.
type Mock struct {
	Chroot string
	paths  *block.Paths
	disks  []types.Disk
	mounts []string
}

// AddDisk adds a disk to the mock. Call before CreateDevices.
func (g *Mock) AddDisk(disk types.Disk) {
	g.disks = append(g.disks, disk)
}

// AddPartitionToDisk adds a partition to the given disk and recreates all
// files. It makes no effort checking if the disk exists.
func (g *Mock) AddPartitionToDisk(diskName string, partition *types.Partition) {
	for i := range g.disks {
		if g.disks[i].Name == diskName {
			g.disks[i].Partitions = append(g.disks[i].Partitions, partition)
			g.Clean()
			g.CreateDevices()
		}
	}
}

// CreateDevices builds the tree in a fresh tempdir and sets the chroot env
// var so the block package picks it up.
func (g *Mock) CreateDevices() {
	d, _ := os.MkdirTemp("", "blockmock")
	g.Chroot = d
	g.mounts = nil
	g.paths = block.NewPaths(d)
	_ = os.Setenv(block.ChrootEnv, d)
	_ = os.MkdirAll(g.paths.SysBlock, 0755)
	_ = os.MkdirAll(g.paths.RunUdevData, 0755)
	// Create only the /proc/ dir, the mounts file is written at the end
	procDir, _ := filepath.Split(g.paths.ProcMounts)
	_ = os.MkdirAll(procDir, 0755)
	for indexDisk, disk := range g.disks {
		diskPath := filepath.Join(g.paths.SysBlock, disk.Name)
		_ = os.Mkdir(diskPath, 0755)
		_ = os.WriteFile(filepath.Join(diskPath, "dev"), []byte(fmt.Sprintf("%d:0\n", indexDisk)), 0644)
		// The size file holds 512-byte sectors
		_ = os.WriteFile(filepath.Join(diskPath, "size"), []byte(strconv.FormatUint(disk.SizeBytes/512, 10)), 0644)
		removable := "0"
		if disk.Removable {
			removable = "1"
		}
		_ = os.WriteFile(filepath.Join(diskPath, "removable"), []byte(removable+"\n"), 0644)
		if disk.Model != "" || disk.Vendor != "" {
			_ = os.Mkdir(filepath.Join(diskPath, "device"), 0755)
			_ = os.WriteFile(filepath.Join(diskPath, "device", "model"), []byte(disk.Model+"\n"), 0644)
			_ = os.WriteFile(filepath.Join(diskPath, "device", "vendor"), []byte(disk.Vendor+"\n"), 0644)
		}

		var diskUdevData []string
		diskUdevData = append(diskUdevData, fmt.Sprintf("E:ID_PART_TABLE_UUID=%s\n", disk.UUID))
		if disk.Transport != "" && disk.Transport != types.TransportNVMe && disk.Transport != types.TransportMMC {
			bus := disk.Transport
			if bus == types.TransportSATA {
				bus = "ata"
			}
			diskUdevData = append(diskUdevData, fmt.Sprintf("E:ID_BUS=%s\n", bus))
		}
		_ = os.WriteFile(filepath.Join(g.paths.RunUdevData, fmt.Sprintf("b%d:0", indexDisk)), []byte(strings.Join(diskUdevData, "")), 0644)

		for indexPart, partition := range disk.Partitions {
			partPath := filepath.Join(diskPath, partition.Name)
			_ = os.Mkdir(partPath, 0755)
			_ = os.WriteFile(filepath.Join(partPath, "dev"), []byte(fmt.Sprintf("%d:6%d\n", indexDisk, indexPart)), 0644)
			_ = os.WriteFile(filepath.Join(partPath, "size"), []byte(fmt.Sprintf("%d\n", partition.SizeBytes/512)), 0644)
			index := partition.Index
			if index == 0 {
				index = indexPart + 1
			}
			_ = os.WriteFile(filepath.Join(partPath, "partition"), []byte(fmt.Sprintf("%d\n", index)), 0644)

			data := []string{fmt.Sprintf("E:ID_FS_LABEL=%s\n", partition.FilesystemLabel)}
			if partition.FS != "" {
				data = append(data, fmt.Sprintf("E:ID_FS_TYPE=%s\n", partition.FS))
			}
			if partition.UUID != "" {
				data = append(data, fmt.Sprintf("E:ID_PART_ENTRY_UUID=%s\n", partition.UUID))
			}
			_ = os.WriteFile(filepath.Join(g.paths.RunUdevData, fmt.Sprintf("b%d:6%d", indexDisk, indexPart)), []byte(strings.Join(data, "")), 0644)

			if partition.MountPoint != "" {
				fs := partition.FS
				if fs == "" {
					fs = "ext4"
				}
				g.mounts = append(
					g.mounts,
					fmt.Sprintf("%s %s %s ro,relatime 0 0\n", filepath.Join("/dev", partition.Name), partition.MountPoint, fs))
			}
		}
	}
	_ = os.WriteFile(g.paths.ProcMounts, []byte(strings.Join(g.mounts, "")), 0644)
}

// Paths returns the chrooted paths of the created tree.
func (g *Mock) Paths() *block.Paths {
	return g.paths
}

// RemoveDisk removes the files for a disk, simulating a hot-unplug between
// enumeration and access.
func (g *Mock) RemoveDisk(disk string) {
	var newMounts []string
	_ = os.RemoveAll(filepath.Join(g.paths.SysBlock, disk))

	for _, mount := range g.mounts {
		fields := strings.Fields(mount)
		if !strings.Contains(fields[0], filepath.Join("/dev", disk)) {
			newMounts = append(newMounts, mount)
		}
	}
	g.mounts = newMounts
	_ = os.WriteFile(g.paths.ProcMounts, []byte(strings.Join(g.mounts, "")), 0644)
}

// RemoveUdevData deletes the udev database entry of a disk so detail reads
// fail while the device itself stays enumerable.
func (g *Mock) RemoveUdevData(diskName string) {
	devNo, _ := os.ReadFile(filepath.Join(g.paths.SysBlock, diskName, "dev"))
	_ = os.Remove(filepath.Join(g.paths.RunUdevData, "b"+strings.TrimSpace(string(devNo))))
}

// RemovePartitionFromDisk removes the files for a partition.
// It makes no effort checking if the disk/partition/files exist.
func (g *Mock) RemovePartitionFromDisk(diskName string, partitionName string) {
	var newMounts []string
	diskPath := filepath.Join(g.paths.SysBlock, diskName)
	devName, _ := os.ReadFile(filepath.Join(diskPath, partitionName, "dev"))
	_ = os.RemoveAll(filepath.Join(g.paths.RunUdevData, fmt.Sprintf("b%s", strings.TrimSpace(string(devName)))))
	_ = os.RemoveAll(filepath.Join(diskPath, partitionName))

	for _, mount := range g.mounts {
		fields := strings.Fields(mount)
		if !strings.Contains(fields[0], filepath.Join("/dev", partitionName)) {
			newMounts = append(newMounts, mount)
		}
	}
	g.mounts = newMounts
	_ = os.WriteFile(g.paths.ProcMounts, []byte(strings.Join(g.mounts, "")), 0644)
	for index, disk := range g.disks {
		if disk.Name == diskName {
			var newPartitions types.PartitionList
			for _, partition := range disk.Partitions {
				if partition.Name != partitionName {
					newPartitions = append(newPartitions, partition)
				}
			}
			g.disks[index].Partitions = newPartitions
		}
	}
}

// Clean removes the chroot dir and unsets the env override.
func (g *Mock) Clean() {
	_ = os.Unsetenv(block.ChrootEnv)
	_ = os.RemoveAll(g.Chroot)
}
