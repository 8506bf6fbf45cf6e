package resource

import (
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	mountUtils "k8s.io/mount-utils"

	"github.com/hotspot-os/provisioner/loop"
	"github.com/hotspot-os/provisioner/types"
)

// LoopHandle is a scoped loop attachment of an image file with its first
// partition mounted read-only. It is the kernel backed sibling of ImageHandle
// for images whose filesystem diskfs cannot parse. Attaching needs root,
// unprivileged callers fail at the loop-control open.
type LoopHandle struct {
	image   string
	device  string
	mount   *MountHandle
	tracker *Tracker
	logger  *types.HotspotLogger

	mu       sync.Mutex
	released bool
}

// AttachImage exposes the image through /dev/loopN and mounts its first
// partition on a private temporary directory, letting the kernel's own
// filesystem drivers read it. The image file and the partition device both
// stay registered with the tracker until Release.
func AttachImage(mounter mountUtils.Interface, path string, wait time.Duration, tracker *Tracker, logger *types.HotspotLogger) (*LoopHandle, error) {
	if logger == nil {
		l := types.NewNullLogger()
		logger = &l
	}
	log := logger.Logger.With().Str("image", path).Logger()

	if err := tracker.Acquire(path); err != nil {
		log.Warn().Msg("image already attached")
		return nil, err
	}
	device, err := loop.Attach(path, true, logger)
	if err != nil {
		tracker.Release(path)
		log.Debug().Err(err).Msg("attaching loop device")
		return nil, err
	}
	part := loop.PartitionDevice(device, 1)
	if err := loop.WaitForDevice(part, wait); err != nil {
		_ = loop.Detach(device, logger)
		tracker.Release(path)
		log.Debug().Err(err).Msg("waiting for partition device")
		return nil, err
	}
	mount, err := MountPartition(mounter, part, "", true, tracker, logger)
	if err != nil {
		_ = loop.Detach(device, logger)
		tracker.Release(path)
		return nil, err
	}

	return &LoopHandle{image: path, device: device, mount: mount, tracker: tracker, logger: logger}, nil
}

// Device returns the loop device node backing the attachment.
func (h *LoopHandle) Device() string {
	return h.device
}

// Mountpoint returns the directory the first partition is mounted on.
func (h *LoopHandle) Mountpoint() string {
	return h.mount.Mountpoint()
}

// Release unmounts the partition, detaches the loop device and frees the
// tracker slots. Cleanup runs to completion even when a step fails, the
// failures are reported together. Subsequent calls return nil.
func (h *LoopHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true

	var errs *multierror.Error
	if err := h.mount.Release(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := loop.Detach(h.device, h.logger); err != nil {
		errs = multierror.Append(errs, err)
	}
	h.tracker.Release(h.image)
	h.logger.Logger.Trace().Str("image", h.image).Str("device", h.device).Msg("Released loop attachment")
	return errs.ErrorOrNil()
}
