package probe_test

import (
	"github.com/hotspot-os/provisioner/block/mocks"
	"github.com/hotspot-os/provisioner/probe"
	"github.com/hotspot-os/provisioner/types"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const gib = uint64(1024 * 1024 * 1024)

var _ = Describe("Disk classification", func() {
	var mock mocks.Mock

	BeforeEach(func() {
		mock = mocks.Mock{}
	})
	AfterEach(func() {
		mock.Clean()
	})

	It("annotates every disk and keeps the scan order", func() {
		mock.AddDisk(types.Disk{Name: "mmcblk0", SizeBytes: 16 * gib, UUID: "6f706871"})
		mock.AddPartitionToDisk("mmcblk0", &types.Partition{
			Name: "mmcblk0p1", FS: "vfat", SizeBytes: 100 * 1024 * 1024, MountPoint: "/boot",
		})
		mock.AddPartitionToDisk("mmcblk0", &types.Partition{
			Name: "mmcblk0p2", FS: "ext4", SizeBytes: 15 * gib, MountPoint: "/",
		})
		mock.AddDisk(types.Disk{Name: "nvme0n1", SizeBytes: 128 * gib, UUID: "8e5f9a10"})
		mock.AddDisk(types.Disk{Name: "sda", SizeBytes: 4 * gib, UUID: "11aabb22", Transport: types.TransportUSB, Removable: true})
		mock.CreateDevices()

		disks := probe.Disks(mock.Paths(), 8*gib, nil)
		Expect(disks).To(HaveLen(3))

		Expect(disks[0].Name).To(Equal("mmcblk0"))
		Expect(disks[0].Class).To(Equal(types.ClassSystem))
		Expect(disks[0].SystemDisk).To(BeTrue())
		Expect(disks[0].Reason).To(ContainSubstring("running system"))
		Expect(disks[0].IsCandidate()).To(BeFalse())

		Expect(disks[1].Name).To(Equal("nvme0n1"))
		Expect(disks[1].Class).To(Equal(types.ClassCandidate))
		Expect(disks[1].IsCandidate()).To(BeTrue())

		Expect(disks[2].Name).To(Equal("sda"))
		Expect(disks[2].Class).To(Equal(types.ClassTooSmall))
		Expect(disks[2].Reason).To(ContainSubstring("minimum"))
		Expect(disks[2].IsCandidate()).To(BeFalse())
	})

	It("treats any disk mounted under a system path as system", func() {
		mock.AddDisk(types.Disk{Name: "sdc", SizeBytes: 64 * gib, UUID: "77cc88dd"})
		mock.AddPartitionToDisk("sdc", &types.Partition{
			Name: "sdc1", FS: "ext4", SizeBytes: 64 * gib, MountPoint: "/usr",
		})
		mock.CreateDevices()

		disks := probe.Disks(mock.Paths(), 8*gib, nil)
		Expect(disks).To(HaveLen(1))
		Expect(disks[0].Class).To(Equal(types.ClassSystem))
		Expect(disks[0].SystemDisk).To(BeTrue())
	})

	It("marks a disk whose details cannot be read as unavailable", func() {
		mock.AddDisk(types.Disk{Name: "sdb", SizeBytes: 32 * gib, UUID: "33ee44ff", Transport: types.TransportUSB})
		mock.CreateDevices()
		mock.RemoveUdevData("sdb")

		disks := probe.Disks(mock.Paths(), 8*gib, nil)
		Expect(disks).To(HaveLen(1))
		Expect(disks[0].Class).To(Equal(types.ClassUnavailable))
		Expect(disks[0].Reason).To(ContainSubstring("unreadable"))
		Expect(disks[0].IsCandidate()).To(BeFalse())
	})
})

var _ = Describe("Candidates", func() {
	candidate := func(name, transport string, size uint64) *types.Disk {
		return &types.Disk{Name: name, Transport: transport, SizeBytes: size, Class: types.ClassCandidate}
	}

	It("filters non candidates and orders by transport, then size", func() {
		got := probe.Candidates([]*types.Disk{
			{Name: "sdd", Class: types.ClassTooSmall},
			candidate("sda", types.TransportUSB, 32*gib),
			{Name: "mmcblk0", SystemDisk: true, Class: types.ClassSystem},
			candidate("mmcblk1", types.TransportMMC, 64*gib),
			candidate("sdb", types.TransportUSB, 64*gib),
			candidate("nvme0n1", types.TransportNVMe, 16*gib),
		})

		names := []string{}
		for _, d := range got {
			names = append(names, d.Name)
		}
		Expect(names).To(Equal([]string{"nvme0n1", "sdb", "sda", "mmcblk1"}))
	})

	It("keeps the incoming order for equal disks", func() {
		got := probe.Candidates([]*types.Disk{
			candidate("sda", types.TransportUSB, 32*gib),
			candidate("sdb", types.TransportUSB, 32*gib),
		})
		Expect(got[0].Name).To(Equal("sda"))
		Expect(got[1].Name).To(Equal("sdb"))
	})
})
