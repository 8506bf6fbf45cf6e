package resource

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/avast/retry-go"
	mountUtils "k8s.io/mount-utils"

	"github.com/hotspot-os/provisioner/types"
)

// MountHandle is a scoped mount of a block device partition. The mountpoint
// is a fresh temporary directory that is removed again on Release.
type MountHandle struct {
	device  string
	dir     string
	mounter mountUtils.Interface
	tracker *Tracker
	logger  *types.HotspotLogger

	mu       sync.Mutex
	released bool
}

// MountPartition mounts a partition device on a private temporary directory.
// With an empty fsType the kernel picks the filesystem. The device stays
// registered with the tracker until Release.
func MountPartition(mounter mountUtils.Interface, device, fsType string, readOnly bool, tracker *Tracker, logger *types.HotspotLogger) (*MountHandle, error) {
	if logger == nil {
		l := types.NewNullLogger()
		logger = &l
	}
	log := logger.Logger.With().Str("device", device).Str("fs", fsType).Logger()

	if err := tracker.Acquire(device); err != nil {
		log.Warn().Msg("device already in use")
		return nil, err
	}

	dir, err := os.MkdirTemp("", fmt.Sprintf("%s-*.mnt", filepath.Base(device)))
	if err != nil {
		tracker.Release(device)
		return nil, fmt.Errorf("creating mountpoint for %s: %w", device, err)
	}

	opts := []string{}
	if readOnly {
		opts = append(opts, "ro")
	}
	log.Debug().Str("mountpoint", dir).Msg("Mounting partition")
	if err := mounter.Mount(device, dir, fsType, opts); err != nil {
		_ = os.Remove(dir)
		tracker.Release(device)
		log.Error().Err(err).Msg("mounting partition")
		return nil, classifyErr(fmt.Sprintf("mount %s", device), err)
	}

	return &MountHandle{device: device, dir: dir, mounter: mounter, tracker: tracker, logger: logger}, nil
}

func (h *MountHandle) Device() string {
	return h.device
}

// Mountpoint returns the directory the partition is mounted on.
func (h *MountHandle) Mountpoint() string {
	return h.dir
}

// Release unmounts the partition, removes the temporary mountpoint and frees
// the tracker slot. The unmount is retried a few times since the kernel may
// still be flushing. Subsequent calls return nil.
func (h *MountHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}

	log := h.logger.Logger.With().Str("device", h.device).Str("mountpoint", h.dir).Logger()
	err := retry.Do(
		func() error {
			return h.mounter.Unmount(h.dir)
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
	)
	if err != nil {
		// Not marked released, a later Release call retries the unmount.
		log.Error().Err(err).Msg("unmounting partition")
		return fmt.Errorf("unmount %s: %w: %v", h.dir, types.ErrResourceBusy, err)
	}
	h.released = true
	_ = os.Remove(h.dir)
	h.tracker.Release(h.device)
	log.Trace().Msg("Released mount")
	return nil
}
