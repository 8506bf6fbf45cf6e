package pipeline

import (
	"path/filepath"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"

	"github.com/hotspot-os/provisioner/types"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// buildGrowDisk writes a 64MiB GPT disk whose second partition stops well
// short of the end, the shape a freshly flashed image leaves behind.
func buildGrowDisk(path string, lastType gpt.Type) {
	d, err := diskfs.Create(path, 64*1024*1024, diskfs.SectorSizeDefault)
	Expect(err).ToNot(HaveOccurred())
	table := &gpt.Table{
		ProtectiveMBR: true,
		Partitions: []*gpt.Partition{
			{Index: 1, Start: 2048, End: 22527, Type: gpt.EFISystemPartition, Name: "boot"},
			{Index: 2, Start: 22528, End: 63487, Type: lastType, Name: "data"},
		},
	}
	Expect(d.Partition(table)).To(Succeed())
	Expect(d.Close()).To(Succeed())
}

var _ = Describe("Growing the data partition", func() {
	var path string
	var logger types.HotspotLogger
	var runner *types.FakeRunner

	BeforeEach(func() {
		path = filepath.Join(GinkgoT().TempDir(), "disk.img")
		logger = types.NewNullLogger()
		runner = &types.FakeRunner{Outputs: map[string]string{}}
	})

	It("extends the last partition to the end of the disk", func() {
		buildGrowDisk(path, gpt.LinuxFilesystem)
		runner.Outputs["parted -m "+path+" unit s print"] = "BYT;\n" +
			path + ":131072s:file:512:512:gpt::;\n" +
			"1:2048s:22527s:20480s:fat32:boot:boot;\n" +
			"2:22528s:63487s:40960s:ext4:data:;\n"
		runner.Outputs["parted -m "+path+" u s resizepart"] = ""
		runner.Outputs["fsck.ext4"] = ""
		runner.Outputs["resize2fs"] = ""

		Expect(growDataPartition(runner, &logger, path)).To(Succeed())

		partDev := path + "2"
		Expect(runner.Calls).To(Equal([]string{
			"parted -m " + path + " unit s print",
			"parted -m " + path + " u s resizepart 2 131071",
			"fsck.ext4 -y -f " + partDev,
			"resize2fs -f -p " + partDev,
			"fsck.ext4 -y -f " + partDev,
		}))
	})

	It("does nothing when the partition already reaches the end", func() {
		buildGrowDisk(path, gpt.LinuxFilesystem)
		runner.Outputs["parted -m "+path+" unit s print"] = "BYT;\n" +
			path + ":131072s:file:512:512:gpt::;\n" +
			"1:2048s:22527s:20480s:fat32:boot:boot;\n" +
			"2:22528s:131071s:108544s:ext4:data:;\n"

		Expect(growDataPartition(runner, &logger, path)).To(Succeed())
		Expect(runner.Calls).To(HaveLen(1))
	})

	It("leaves a non ext tail partition alone", func() {
		buildGrowDisk(path, gpt.MicrosoftBasicData)

		Expect(growDataPartition(runner, &logger, path)).To(Succeed())
		Expect(runner.Calls).To(BeEmpty())
	})

	It("surfaces a failing resize", func() {
		buildGrowDisk(path, gpt.LinuxFilesystem)
		runner.Outputs["parted -m "+path+" unit s print"] = "BYT;\n" +
			"2:22528s:63487s:40960s:ext4:data:;\n"

		// resizepart is not scripted, the runner reports it unavailable.
		err := growDataPartition(runner, &logger, path)
		Expect(err).To(MatchError(types.ErrResourceUnavailable))
		Expect(err.Error()).To(ContainSubstring("growing partition 2"))
	})
})
