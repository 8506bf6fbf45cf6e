package state_test

import (
	"testing"
	"time"

	"github.com/hotspot-os/provisioner/config"
	"github.com/hotspot-os/provisioner/host"
	"github.com/hotspot-os/provisioner/resource"
	"github.com/hotspot-os/provisioner/state"
	"github.com/hotspot-os/provisioner/types"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestState(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "State test suite")
}

var _ = Describe("Capture", func() {
	var cfg *config.Config
	var tracker *resource.Tracker

	BeforeEach(func() {
		// Point all sysfs/procfs reads at an empty tree.
		GinkgoT().Setenv("PROVISIONER_CHROOT", GinkgoT().TempDir())
		logger := types.NewNullLogger()
		cfg = config.NewConfig(
			config.WithLogger(logger),
			config.WithRunner(&types.FakeRunner{Outputs: map[string]string{
				"timedatectl show": "Timezone=UTC\nLocalRTC=no\nNTPSynchronized=yes\nRTCTimeUSec=n/a\n",
			}}),
		)
		cfg.ProbeURL = ""
		tracker = resource.NewTracker()
	})

	It("stamps capture time and duration", func() {
		before := time.Now()
		snap := state.Capture(cfg, tracker)
		Expect(snap.CapturedAt).To(BeTemporally(">=", before))
		Expect(snap.Elapsed).To(BeNumerically(">=", 0))
	})

	It("builds a fresh snapshot on every call", func() {
		a := state.Capture(cfg, tracker)
		b := state.Capture(cfg, tracker)
		Expect(a).ToNot(BeIdenticalTo(b))
		Expect(b.CapturedAt).To(BeTemporally(">=", a.CapturedAt))
	})

	It("sees no devices behind an empty tree", func() {
		snap := state.Capture(cfg, tracker)
		Expect(snap.Disks).To(BeEmpty())
		Expect(snap.Images).To(BeEmpty())
		Expect(snap.Network.DefaultRoute).To(BeFalse())
	})

	It("carries the clock state of the board", func() {
		snap := state.Capture(cfg, tracker)
		Expect(snap.Clock.Timezone).To(Equal("UTC"))
		Expect(snap.Clock.NTPSynchronized).To(BeTrue())
		Expect(snap.Clock.RTCPresent).To(BeFalse())
	})

	It("reports the running kernel", func() {
		snap := state.Capture(cfg, tracker)
		Expect(snap.OS.Kernel).ToNot(BeEmpty())
	})
})

var _ = Describe("ProvisionReady", func() {
	candidate := &types.Disk{Name: "sda", Class: types.ClassCandidate}
	image := types.Image{Path: "/run/media/usb/hotspot.img"}

	It("requires a candidate disk and an image", func() {
		Expect(state.ProvisionReady(nil)).To(BeFalse())
		Expect(state.ProvisionReady(&state.HostSnapshot{})).To(BeFalse())
		Expect(state.ProvisionReady(&state.HostSnapshot{
			Disks: []*types.Disk{candidate},
			Clock: host.ClockInfo{NTPSynchronized: true},
		})).To(BeFalse())
		Expect(state.ProvisionReady(&state.HostSnapshot{
			Images: []types.Image{image},
			Clock:  host.ClockInfo{NTPSynchronized: true},
		})).To(BeFalse())
	})

	It("requires a trustworthy clock", func() {
		snap := &state.HostSnapshot{
			Disks:  []*types.Disk{candidate},
			Images: []types.Image{image},
		}
		Expect(state.ProvisionReady(snap)).To(BeFalse())

		snap.Clock = host.ClockInfo{NTPSynchronized: true}
		Expect(state.ProvisionReady(snap)).To(BeTrue())

		snap.Clock = host.ClockInfo{RTCPresent: true}
		Expect(state.ProvisionReady(snap)).To(BeTrue())
	})

	It("never counts a system disk as a target", func() {
		snap := &state.HostSnapshot{
			Disks:  []*types.Disk{{Name: "mmcblk0", SystemDisk: true, Class: types.ClassSystem}},
			Images: []types.Image{image},
			Clock:  host.ClockInfo{NTPSynchronized: true},
		}
		Expect(state.ProvisionReady(snap)).To(BeFalse())
	})
})
