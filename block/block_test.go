package block_test

import (
	"github.com/hotspot-os/provisioner/block"
	"github.com/hotspot-os/provisioner/block/mocks"
	"github.com/hotspot-os/provisioner/types"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("block scanner", func() {
	var mock *mocks.Mock
	var logger types.HotspotLogger

	BeforeEach(func() {
		logger = types.NewNullLogger()
		mock = &mocks.Mock{}
	})

	AfterEach(func() {
		mock.Clean()
	})

	Describe("ListDisks", func() {
		It("returns an empty list on an empty tree", func() {
			mock.CreateDevices()
			disks := block.ListDisks(mock.Paths(), &logger)
			Expect(disks).To(BeEmpty())
		})

		It("lists a disk with its attributes", func() {
			mock.AddDisk(types.Disk{
				Name:      "sda",
				SizeBytes: 32 * 1024 * 1024 * 1024,
				UUID:      "f9d7b1b1-0001-4a42-9e4a-a1c56403ef9e",
				Transport: types.TransportUSB,
				Removable: true,
				Model:     "DataTraveler",
				Vendor:    "Kingston",
			})
			mock.CreateDevices()

			disks := block.ListDisks(mock.Paths(), &logger)
			Expect(disks).To(HaveLen(1))
			Expect(disks[0].Name).To(Equal("sda"))
			Expect(disks[0].Path).To(Equal("/dev/sda"))
			Expect(disks[0].SizeBytes).To(Equal(uint64(32 * 1024 * 1024 * 1024)))
			Expect(disks[0].UUID).To(Equal("f9d7b1b1-0001-4a42-9e4a-a1c56403ef9e"))
			Expect(disks[0].Transport).To(Equal(types.TransportUSB))
			Expect(disks[0].Removable).To(BeTrue())
			Expect(disks[0].Model).To(Equal("DataTraveler"))
			Expect(disks[0].Vendor).To(Equal("Kingston"))
			Expect(disks[0].Reason).To(BeEmpty())
		})

		It("derives nvme transport from the device name", func() {
			mock.AddDisk(types.Disk{Name: "nvme0n1", SizeBytes: 256 * 1024 * 1024 * 1024})
			mock.CreateDevices()

			disks := block.ListDisks(mock.Paths(), &logger)
			Expect(disks).To(HaveLen(1))
			Expect(disks[0].Transport).To(Equal(types.TransportNVMe))
		})

		It("lists partitions with mount state and filesystem data", func() {
			mock.AddDisk(types.Disk{
				Name:      "mmcblk0",
				SizeBytes: 16 * 1024 * 1024 * 1024,
				UUID:      "1111-2222",
				Partitions: types.PartitionList{
					{
						Name:            "mmcblk0p1",
						SizeBytes:       256 * 1024 * 1024,
						FS:              "vfat",
						FilesystemLabel: "BOOT",
						MountPoint:      "/boot/firmware",
					},
					{
						Name:            "mmcblk0p2",
						SizeBytes:       15 * 1024 * 1024 * 1024,
						FS:              "ext4",
						FilesystemLabel: "rootfs",
						MountPoint:      "/",
					},
				},
			})
			mock.CreateDevices()

			disks := block.ListDisks(mock.Paths(), &logger)
			Expect(disks).To(HaveLen(1))
			Expect(disks[0].Transport).To(Equal(types.TransportMMC))
			parts := disks[0].Partitions
			Expect(parts).To(HaveLen(2))
			Expect(parts[0].Name).To(Equal("mmcblk0p1"))
			Expect(parts[0].Index).To(Equal(1))
			Expect(parts[0].FS).To(Equal("vfat"))
			Expect(parts[0].MountPoint).To(Equal("/boot/firmware"))
			Expect(parts[1].Index).To(Equal(2))
			Expect(parts[1].MountPoint).To(Equal("/"))
			Expect(disks[0].RootPartition()).NotTo(BeNil())
			Expect(disks[0].RootPartition().Name).To(Equal("mmcblk0p2"))
		})

		It("skips loop and other virtual devices", func() {
			mock.AddDisk(types.Disk{Name: "sda", SizeBytes: 8 * 1024 * 1024 * 1024})
			mock.AddDisk(types.Disk{Name: "loop0", SizeBytes: 300 * 1024 * 1024})
			mock.AddDisk(types.Disk{Name: "zram0", SizeBytes: 512 * 1024 * 1024})
			mock.CreateDevices()

			disks := block.ListDisks(mock.Paths(), &logger)
			Expect(disks).To(HaveLen(1))
			Expect(disks[0].Name).To(Equal("sda"))
		})

		It("annotates a disk whose udev data is unreadable instead of dropping it", func() {
			mock.AddDisk(types.Disk{Name: "sda", SizeBytes: 8 * 1024 * 1024 * 1024})
			mock.AddDisk(types.Disk{Name: "sdb", SizeBytes: 8 * 1024 * 1024 * 1024})
			mock.CreateDevices()
			mock.RemoveUdevData("sdb")

			disks := block.ListDisks(mock.Paths(), &logger)
			Expect(disks).To(HaveLen(2))
			Expect(disks[0].Reason).To(BeEmpty())
			Expect(disks[1].Reason).To(ContainSubstring("device info unreadable"))
		})

		It("decodes octal escapes in mountpoints", func() {
			mock.AddDisk(types.Disk{
				Name:      "sdb",
				SizeBytes: 4 * 1024 * 1024 * 1024,
				Partitions: types.PartitionList{
					{
						Name:       "sdb1",
						SizeBytes:  4 * 1024 * 1024 * 1024,
						FS:         "exfat",
						MountPoint: "/media/usb\\040stick",
					},
				},
			})
			mock.CreateDevices()

			disks := block.ListDisks(mock.Paths(), &logger)
			Expect(disks).To(HaveLen(1))
			Expect(disks[0].Partitions[0].MountPoint).To(Equal("/media/usb stick"))
		})
	})

	Describe("ListMounts", func() {
		It("maps devices to mountpoints", func() {
			mock.AddDisk(types.Disk{
				Name:      "sda",
				SizeBytes: 8 * 1024 * 1024 * 1024,
				Partitions: types.PartitionList{
					{Name: "sda1", SizeBytes: 8 * 1024 * 1024 * 1024, FS: "ext4", MountPoint: "/"},
				},
			})
			mock.CreateDevices()

			mounts := block.ListMounts(mock.Paths())
			Expect(mounts).To(HaveKeyWithValue("/dev/sda1", "/"))
		})
	})
})
