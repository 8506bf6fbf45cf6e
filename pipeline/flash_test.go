package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/hotspot-os/provisioner/types"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Raw image writing", func() {
	var source, target string
	var payload []byte

	BeforeEach(func() {
		dir := GinkgoT().TempDir()
		source = filepath.Join(dir, "source.img")
		target = filepath.Join(dir, "target.img")

		payload = make([]byte, 3*1024*1024+512)
		for i := range payload {
			payload[i] = byte(i % 251)
		}
		Expect(os.WriteFile(source, payload, 0o644)).To(Succeed())
		Expect(os.WriteFile(target, make([]byte, len(payload)), 0o644)).To(Succeed())
	})

	It("copies every byte and reports the digest of what it wrote", func() {
		var last int
		hash, n, err := writeImage(context.Background(), source, target, 1024*1024, func(pct int) { last = pct })
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(int64(len(payload))))
		Expect(last).To(Equal(100))

		written, err := os.ReadFile(target)
		Expect(err).ToNot(HaveOccurred())
		Expect(bytes.Equal(written, payload)).To(BeTrue())

		sum := sha256.Sum256(payload)
		Expect(hash).To(Equal(hex.EncodeToString(sum[:])))
	})

	It("checks the deadline between chunks", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, _, err := writeImage(ctx, source, target, 1024*1024, func(int) {})
		Expect(err).To(MatchError(context.Canceled))
		Expect(err.Error()).To(ContainSubstring("aborted at byte 0"))
	})

	It("surfaces device errors with the failing offset", func() {
		if _, err := os.Stat("/dev/full"); err != nil {
			Skip("no /dev/full on this system")
		}
		_, _, err := writeImage(context.Background(), source, "/dev/full", 1024*1024, func(int) {})
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("writing /dev/full at byte 0"))
	})

	It("reports a missing source as unavailable", func() {
		_, _, err := writeImage(context.Background(), filepath.Join(GinkgoT().TempDir(), "gone.img"), target, 1024*1024, func(int) {})
		Expect(err).To(MatchError(types.ErrResourceUnavailable))
	})
})

var _ = Describe("Readback verification", func() {
	var target string
	var payload []byte
	var digest string

	BeforeEach(func() {
		target = filepath.Join(GinkgoT().TempDir(), "target.img")
		payload = make([]byte, 2*1024*1024)
		for i := range payload {
			payload[i] = byte(i % 239)
		}
		Expect(os.WriteFile(target, payload, 0o644)).To(Succeed())
		sum := sha256.Sum256(payload)
		digest = hex.EncodeToString(sum[:])
	})

	It("passes when the device holds what was written", func() {
		var last int
		err := verifyDevice(context.Background(), target, int64(len(payload)), digest, 512*1024, func(pct int) { last = pct })
		Expect(err).ToNot(HaveOccurred())
		Expect(last).To(Equal(100))
	})

	It("fails validation on a single flipped byte", func() {
		f, err := os.OpenFile(target, os.O_WRONLY, 0)
		Expect(err).ToNot(HaveOccurred())
		_, err = f.WriteAt([]byte{payload[1024] ^ 0xff}, 1024)
		Expect(err).ToNot(HaveOccurred())
		Expect(f.Close()).To(Succeed())

		err = verifyDevice(context.Background(), target, int64(len(payload)), digest, 512*1024, func(int) {})
		Expect(err).To(MatchError(types.ErrValidationFailed))
	})
})
