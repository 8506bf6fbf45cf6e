package manifest_test

import (
	"testing"

	"github.com/hotspot-os/provisioner/manifest"
	"github.com/hotspot-os/provisioner/types"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestManifest(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Manifest test suite")
}

var _ = Describe("Parse", func() {
	It("accepts a complete manifest", func() {
		m, err := manifest.Parse([]byte(`{
			"name": "hotspot-os",
			"version": "3.2",
			"checksum": "abc123",
			"arch": "arm64",
			"layout": [
				{"index": 1, "fs": "vfat", "size_mib": 100},
				{"index": 2, "fs": "ext4"}
			]
		}`))
		Expect(err).ToNot(HaveOccurred())
		Expect(m.Name).To(Equal("hotspot-os"))
		Expect(m.Version).To(Equal("3.2"))
		Expect(m.Checksum).To(Equal("abc123"))
		Expect(m.Layout).To(HaveLen(2))
		Expect(m.Layout[0].Index).To(Equal(1))
		Expect(m.Layout[0].FS).To(Equal("vfat"))
		Expect(m.Layout[0].SizeMiB).To(Equal(uint64(100)))
		Expect(m.String()).To(Equal("hotspot-os 3.2"))
	})

	It("accepts a minimal manifest", func() {
		m, err := manifest.Parse([]byte(`{"name": "hotspot-os", "version": "4.0.1", "checksum": "abc123"}`))
		Expect(err).ToNot(HaveOccurred())
		Expect(m.Layout).To(BeEmpty())
	})

	It("rejects malformed JSON", func() {
		_, err := manifest.Parse([]byte(`{"name": `))
		Expect(err).To(MatchError(types.ErrValidationFailed))
	})

	It("rejects a manifest without a name", func() {
		_, err := manifest.Parse([]byte(`{"version": "3.2", "checksum": "abc123"}`))
		Expect(err).To(MatchError(types.ErrValidationFailed))
	})

	It("rejects a manifest without a version", func() {
		_, err := manifest.Parse([]byte(`{"name": "hotspot-os", "checksum": "abc123"}`))
		Expect(err).To(MatchError(types.ErrValidationFailed))
	})

	It("rejects a manifest without a checksum", func() {
		_, err := manifest.Parse([]byte(`{"name": "hotspot-os", "version": "3.2"}`))
		Expect(err).To(MatchError(types.ErrValidationFailed))
	})

	It("rejects a version that cannot be ordered", func() {
		_, err := manifest.Parse([]byte(`{"name": "hotspot-os", "version": "latest", "checksum": "abc123"}`))
		Expect(err).To(MatchError(types.ErrValidationFailed))
	})

	It("rejects an unknown architecture", func() {
		_, err := manifest.Parse([]byte(`{"name": "hotspot-os", "version": "3.2", "checksum": "abc123", "arch": "mips"}`))
		Expect(err).To(MatchError(types.ErrValidationFailed))
	})

	It("rejects a layout that repeats a partition index", func() {
		_, err := manifest.Parse([]byte(`{
			"name": "hotspot-os",
			"version": "3.2",
			"checksum": "abc123",
			"layout": [{"index": 1}, {"index": 1}]
		}`))
		Expect(err).To(MatchError(types.ErrValidationFailed))
	})
})

var _ = Describe("Version ordering", func() {
	It("orders components numerically", func() {
		Expect(manifest.CompareVersions("3.10", "3.2")).To(Equal(1))
		Expect(manifest.CompareVersions("3.2", "3.2")).To(Equal(0))
		Expect(manifest.CompareVersions("2.9", "3.0")).To(Equal(-1))
	})

	It("accepts versions with and without the v prefix", func() {
		Expect(manifest.CompareVersions("v3.2", "3.2")).To(Equal(0))
		Expect(manifest.ValidVersion("3.2")).To(BeTrue())
		Expect(manifest.ValidVersion("v1.0.0-rc1")).To(BeTrue())
		Expect(manifest.ValidVersion("latest")).To(BeFalse())
	})
})

var _ = Describe("Checksums", func() {
	It("recognizes full sha256 digests", func() {
		Expect(manifest.IsSHA256("9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08")).To(BeTrue())
		Expect(manifest.IsSHA256("ABC123")).To(BeFalse())
		Expect(manifest.IsSHA256("abc123")).To(BeFalse())
		Expect(manifest.IsSHA256("")).To(BeFalse())
	})
})

var _ = Describe("GenerateSchema", func() {
	It("renders a schema with the required fields", func() {
		schema, err := manifest.GenerateSchema("https://hotspot-os.io/manifest.json")
		Expect(err).ToNot(HaveOccurred())
		Expect(schema).To(ContainSubstring(`"required"`))
		Expect(schema).To(ContainSubstring(`"name"`))
		Expect(schema).To(ContainSubstring(`"version"`))
		Expect(schema).To(ContainSubstring("https://hotspot-os.io/manifest.json"))
	})
})
