package state

import (
	"time"

	"github.com/hotspot-os/provisioner/block"
	"github.com/hotspot-os/provisioner/config"
	"github.com/hotspot-os/provisioner/host"
	"github.com/hotspot-os/provisioner/probe"
	"github.com/hotspot-os/provisioner/resource"
	"github.com/hotspot-os/provisioner/types"
)

// HostSnapshot is a point in time picture of the board: the probed disks and
// images plus the environment around them. Snapshots are plain values; a
// capture builds a fresh one and never touches an earlier one.
type HostSnapshot struct {
	CapturedAt time.Time        `yaml:"captured_at" json:"captured_at"`
	Elapsed    time.Duration    `yaml:"elapsed" json:"elapsed"`
	Identity   host.Identity    `yaml:"identity" json:"identity"`
	OS         host.OSRelease   `yaml:"os" json:"os"`
	Clock      host.ClockInfo   `yaml:"clock" json:"clock"`
	Locale     host.LocaleInfo  `yaml:"locale" json:"locale"`
	Network    host.NetworkInfo `yaml:"network" json:"network"`
	BootOrder  []string         `yaml:"boot_order,omitempty" json:"boot_order,omitempty"`
	Disks      []*types.Disk    `yaml:"disks" json:"disks"`
	Images     []types.Image    `yaml:"images" json:"images"`
}

// Capture probes the board and assembles a fresh snapshot: disks first, then
// images on whatever qualified, then the environment lookups. Nothing is
// cached because media can come and go between operator actions, so callers
// should capture at natural boundaries rather than poll.
func Capture(cfg *config.Config, tracker *resource.Tracker) *HostSnapshot {
	log := cfg.Logger.Logger.With().Str("component", "snapshot").Logger()
	start := time.Now()

	bpaths := block.NewPaths("")
	hpaths := host.NewPaths("")

	snap := &HostSnapshot{CapturedAt: start}
	snap.Disks = probe.Disks(bpaths, cfg.MinDiskSize, &cfg.Logger)
	snap.Images = probe.Images(snap.Disks, cfg.Mounter, tracker, cfg.MinImageSize, cfg.AttachTimeout.Std(), &cfg.Logger)
	snap.Identity = host.DeviceIdentity(hpaths, &cfg.Logger)
	snap.OS = host.OSInfo()
	snap.Clock = host.Clock(cfg.Runner, &cfg.Logger)
	snap.Locale = host.Locale(cfg.Fs, hpaths)
	snap.Network = host.Network(hpaths, cfg.ProbeURL, &cfg.Logger)
	snap.BootOrder = host.BootOrder(cfg.Runner, &cfg.Logger)
	snap.Elapsed = time.Since(start)

	if bound := cfg.SnapshotBound.Std(); bound > 0 && snap.Elapsed > bound {
		log.Warn().Dur("elapsed", snap.Elapsed).Dur("bound", bound).Msg("capture took longer than expected")
	}
	log.Debug().Int("disks", len(snap.Disks)).Int("images", len(snap.Images)).
		Dur("elapsed", snap.Elapsed).Msg("Snapshot captured")
	return snap
}

// Candidates returns the snapshot's provisionable disks in presentation
// order.
func (s HostSnapshot) Candidates() []*types.Disk {
	return probe.Candidates(s.Disks)
}

// ProvisionReady reports whether an unattended run could start from this
// snapshot: something to write, somewhere to write it, and a clock
// trustworthy enough to timestamp the result.
func ProvisionReady(snap *HostSnapshot) bool {
	if snap == nil {
		return false
	}
	if len(snap.Candidates()) == 0 || len(snap.Images) == 0 {
		return false
	}
	return snap.Clock.NTPSynchronized || snap.Clock.RTCPresent
}
