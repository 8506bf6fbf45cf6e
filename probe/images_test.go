package probe_test

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/partition/gpt"
	mountUtils "k8s.io/mount-utils"

	"github.com/hotspot-os/provisioner/probe"
	"github.com/hotspot-os/provisioner/resource"
	"github.com/hotspot-os/provisioner/types"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const testMinImageSize = 8 * 1024 * 1024

// buildImage writes a 16MiB GPT image with a FAT32 boot partition. An empty
// manifest string leaves the boot partition without a manifest file.
func buildImage(path, manifestJSON string) {
	d, err := diskfs.Create(path, 16*1024*1024, diskfs.SectorSizeDefault)
	Expect(err).ToNot(HaveOccurred())
	table := &gpt.Table{
		ProtectiveMBR: true,
		Partitions: []*gpt.Partition{
			{Index: 1, Start: 2048, End: 22527, Type: gpt.EFISystemPartition, Name: "boot"},
		},
	}
	Expect(d.Partition(table)).To(Succeed())
	fs, err := d.CreateFilesystem(disk.FilesystemSpec{Partition: 1, FSType: filesystem.TypeFat32, VolumeLabel: "BOOT"})
	Expect(err).ToNot(HaveOccurred())
	if manifestJSON != "" {
		f, err := fs.OpenFile("/hotspot.json", os.O_CREATE|os.O_RDWR)
		Expect(err).ToNot(HaveOccurred())
		_, err = f.Write([]byte(manifestJSON))
		Expect(err).ToNot(HaveOccurred())
		Expect(f.Close()).To(Succeed())
	}
	Expect(d.Close()).To(Succeed())
}

func manifestFor(version string) string {
	return fmt.Sprintf(`{"name": "hotspot-os", "version": %q, "checksum": "abc123"}`, version)
}

var _ = Describe("Image probing", func() {
	var dir string
	var tracker *resource.Tracker
	var mounter *mountUtils.FakeMounter

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		tracker = resource.NewTracker()
		mounter = mountUtils.NewFakeMounter([]mountUtils.MountPoint{})
	})

	scanDisk := func(name, mountPoint string) *types.Disk {
		return &types.Disk{
			Name:  name,
			Class: types.ClassCandidate,
			Partitions: types.PartitionList{
				{Name: name + "1", Path: "/dev/" + name + "1", FS: "vfat", MountPoint: mountPoint},
			},
		}
	}

	Describe("ImagesInDir", func() {
		It("returns image and manifest details", func() {
			buildImage(filepath.Join(dir, "hotspot-os-3.2.img"), manifestFor("3.2"))

			images := probe.ImagesInDir(dir, "sda", mounter, tracker, testMinImageSize, time.Second, nil)
			Expect(images).To(HaveLen(1))
			Expect(images[0].Path).To(Equal(filepath.Join(dir, "hotspot-os-3.2.img")))
			Expect(images[0].SizeBytes).To(Equal(uint64(16 * 1024 * 1024)))
			Expect(images[0].Disk).To(Equal("sda"))
			Expect(images[0].Manifest.Name).To(Equal("hotspot-os"))
			Expect(images[0].Manifest.Version).To(Equal("3.2"))
			Expect(images[0].Manifest.Checksum).To(Equal("abc123"))
		})

		It("quietly drops anything that is not a provisionable image", func() {
			buildImage(filepath.Join(dir, "good.img"), manifestFor("3.2"))
			// Below the minimum size
			Expect(os.WriteFile(filepath.Join(dir, "small.img"), make([]byte, 4*1024*1024), 0o644)).To(Succeed())
			// No partition table
			Expect(os.WriteFile(filepath.Join(dir, "flat.img"), make([]byte, 16*1024*1024), 0o644)).To(Succeed())
			// Manifest fails validation
			buildImage(filepath.Join(dir, "noversion.img"), `{"name": "hotspot-os"}`)
			// No manifest at all
			buildImage(filepath.Join(dir, "bare.img"), "")
			// Not an image file
			Expect(os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("hello"), 0o644)).To(Succeed())

			images := probe.ImagesInDir(dir, "sda", mounter, tracker, testMinImageSize, time.Second, nil)
			Expect(images).To(HaveLen(1))
			Expect(images[0].Path).To(Equal(filepath.Join(dir, "good.img")))
		})

		It("releases every image it attaches", func() {
			buildImage(filepath.Join(dir, "good.img"), manifestFor("3.2"))
			buildImage(filepath.Join(dir, "bad.img"), `{"name": "hotspot-os"}`)
			// Manifest read fails outright, not just validation
			buildImage(filepath.Join(dir, "bare.img"), "")

			probe.ImagesInDir(dir, "sda", mounter, tracker, testMinImageSize, time.Second, nil)
			Expect(tracker.InUse(filepath.Join(dir, "good.img"))).To(BeFalse())
			Expect(tracker.InUse(filepath.Join(dir, "bad.img"))).To(BeFalse())
			Expect(tracker.InUse(filepath.Join(dir, "bare.img"))).To(BeFalse())
		})
	})

	Describe("Images", func() {
		It("scans mounted partitions in place and orders newest first", func() {
			buildImage(filepath.Join(dir, "hotspot-os-2.9.img"), manifestFor("2.9"))
			buildImage(filepath.Join(dir, "hotspot-os-3.10.img"), manifestFor("3.10"))
			buildImage(filepath.Join(dir, "hotspot-os-3.2.img"), manifestFor("3.2"))

			images := probe.Images([]*types.Disk{scanDisk("sda", dir)}, mounter, tracker, testMinImageSize, time.Second, nil)
			Expect(images).To(HaveLen(3))
			Expect(images[0].Manifest.Version).To(Equal("3.10"))
			Expect(images[1].Manifest.Version).To(Equal("3.2"))
			Expect(images[2].Manifest.Version).To(Equal("2.9"))
			Expect(mounter.GetLog()).To(BeEmpty())
		})

		It("never scans the system disk", func() {
			buildImage(filepath.Join(dir, "hotspot-os-3.2.img"), manifestFor("3.2"))
			system := scanDisk("mmcblk0", dir)
			system.SystemDisk = true
			system.Class = types.ClassSystem

			images := probe.Images([]*types.Disk{system}, mounter, tracker, testMinImageSize, time.Second, nil)
			Expect(images).To(BeEmpty())
		})

		It("skips disks without readable details", func() {
			unavailable := &types.Disk{Name: "sdb", Class: types.ClassUnavailable, Reason: "device info unreadable"}
			images := probe.Images([]*types.Disk{unavailable}, mounter, tracker, testMinImageSize, time.Second, nil)
			Expect(images).To(BeEmpty())
		})

		It("mounts unmounted partitions read-only and releases them", func() {
			images := probe.Images([]*types.Disk{scanDisk("sdb", "")}, mounter, tracker, testMinImageSize, time.Second, nil)
			Expect(images).To(BeEmpty())

			log := mounter.GetLog()
			Expect(log).To(HaveLen(2))
			Expect(log[0].Action).To(Equal(mountUtils.FakeActionMount))
			Expect(log[0].Source).To(Equal("/dev/sdb1"))
			Expect(log[1].Action).To(Equal(mountUtils.FakeActionUnmount))
			Expect(tracker.InUse("/dev/sdb1")).To(BeFalse())
		})
	})
})
