package resource

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"golang.org/x/sys/unix"

	"github.com/hotspot-os/provisioner/types"
)

// ImageHandle is scoped access to a disk image file or block device. The
// source stays registered with the tracker until Release is called; Release
// is safe to call more than once so callers can defer it unconditionally.
type ImageHandle struct {
	path     string
	disk     *disk.Disk
	tracker  *Tracker
	logger   *types.HotspotLogger
	writable bool

	mu       sync.Mutex
	released bool
}

// OpenImage attaches a disk image for inspection. The file is opened
// read-only, nothing in it can be modified through the handle.
func OpenImage(path string, tracker *Tracker, logger *types.HotspotLogger) (*ImageHandle, error) {
	return openImage(path, tracker, logger, false)
}

// OpenImageRW attaches a disk image or block device for modification. The
// open is exclusive, so a device mounted or held elsewhere fails with
// ErrResourceBusy instead of racing whoever holds it.
func OpenImageRW(path string, tracker *Tracker, logger *types.HotspotLogger) (*ImageHandle, error) {
	return openImage(path, tracker, logger, true)
}

func openImage(path string, tracker *Tracker, logger *types.HotspotLogger, writable bool) (*ImageHandle, error) {
	if logger == nil {
		l := types.NewNullLogger()
		logger = &l
	}
	log := logger.Logger.With().Str("image", path).Bool("writable", writable).Logger()

	if _, err := os.Stat(path); err != nil {
		log.Error().Err(err).Msg("checking image file")
		return nil, classifyErr(fmt.Sprintf("stat %s", path), err)
	}
	if err := tracker.Acquire(path); err != nil {
		log.Warn().Msg("image already attached")
		return nil, err
	}

	mode := diskfs.ReadOnly
	if writable {
		mode = diskfs.ReadWriteExclusive
	}
	log.Trace().Msg("Opening image file")
	d, err := diskfs.Open(path, diskfs.WithOpenMode(mode))
	if err != nil {
		tracker.Release(path)
		log.Error().Err(err).Msg("opening image file")
		return nil, classifyErr(fmt.Sprintf("open %s", path), err)
	}

	return &ImageHandle{path: path, disk: d, tracker: tracker, logger: logger, writable: writable}, nil
}

func (h *ImageHandle) Path() string {
	return h.path
}

func (h *ImageHandle) SizeBytes() uint64 {
	if h.disk == nil {
		return 0
	}
	return uint64(h.disk.Size)
}

// TableType reports the partition table the image carries, "gpt" or "mbr".
// An image without a table returns the empty string.
func (h *ImageHandle) TableType() string {
	t, err := h.disk.GetPartitionTable()
	if err != nil {
		return ""
	}
	return t.Type()
}

// Partitions lists the partitions of the image in table order. Names are
// only available for GPT images.
func (h *ImageHandle) Partitions() ([]types.Partition, error) {
	t, err := h.disk.GetPartitionTable()
	if err != nil {
		return nil, fmt.Errorf("%s has no partition table: %w", h.path, types.ErrValidationFailed)
	}
	parts := []types.Partition{}
	for i, p := range t.GetPartitions() {
		size := p.GetSize()
		if size <= 0 {
			continue
		}
		part := types.Partition{
			Index:     i + 1,
			SizeBytes: uint64(size),
		}
		if g, ok := p.(*gpt.Partition); ok {
			part.Name = g.Name
			part.UUID = g.GUID
		}
		parts = append(parts, part)
	}
	return parts, nil
}

// FilesystemType probes the filesystem on the given partition, 1-based.
// Partition 0 addresses the whole image for unpartitioned filesystems.
func (h *ImageHandle) FilesystemType(partition int) (string, error) {
	fs, err := h.disk.GetFilesystem(partition)
	if err != nil {
		return "", fmt.Errorf("no recognizable filesystem on partition %d of %s: %w", partition, h.path, err)
	}
	switch fs.Type() {
	case filesystem.TypeFat32:
		return "vfat", nil
	case filesystem.TypeExt4:
		return "ext4", nil
	case filesystem.TypeISO9660:
		return "iso9660", nil
	case filesystem.TypeSquashfs:
		return "squashfs", nil
	default:
		return "", fmt.Errorf("unknown filesystem type on partition %d of %s", partition, h.path)
	}
}

// ReadFile reads a file out of the filesystem on the given partition
// without mounting anything.
func (h *ImageHandle) ReadFile(partition int, path string) ([]byte, error) {
	log := h.logger.Logger.With().Str("image", h.path).Int("partition", partition).Str("file", path).Logger()

	fs, err := h.disk.GetFilesystem(partition)
	if err != nil {
		log.Debug().Err(err).Msg("getting filesystem")
		return nil, err
	}
	log.Trace().Msg("Opening file inside image")
	f, err := fs.OpenFile(path, os.O_RDONLY)
	if err != nil {
		log.Debug().Err(err).Msg("opening file inside image")
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		log.Error().Err(err).Msg("reading file inside image")
		return nil, err
	}
	return content, nil
}

// WriteFile writes a file into the filesystem on the given partition,
// creating it when missing. FAT directory entries keep their previous length
// when a shorter payload lands in place, so short rewrites are padded with
// trailing newlines rather than leaving stale tail bytes behind.
func (h *ImageHandle) WriteFile(partition int, path string, content []byte) error {
	if !h.writable {
		return fmt.Errorf("%s is open read-only: %w", h.path, types.ErrPermissionDenied)
	}
	log := h.logger.Logger.With().Str("image", h.path).Int("partition", partition).Str("file", path).Logger()

	fs, err := h.disk.GetFilesystem(partition)
	if err != nil {
		log.Debug().Err(err).Msg("getting filesystem")
		return err
	}
	prevLen := 0
	if prev, err := fs.OpenFile(path, os.O_RDONLY); err == nil {
		if b, err := io.ReadAll(prev); err == nil {
			prevLen = len(b)
		}
		prev.Close()
	}
	payload := append([]byte{}, content...)
	for len(payload) < prevLen {
		payload = append(payload, '\n')
	}

	f, err := fs.OpenFile(path, os.O_CREATE|os.O_RDWR)
	if err != nil {
		log.Error().Err(err).Msg("opening file inside image for write")
		return err
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		log.Error().Err(err).Msg("writing file inside image")
		return err
	}
	log.Trace().Int("bytes", len(payload)).Msg("Wrote file inside image")
	return f.Close()
}

// Release closes the image and frees its tracker slot. Subsequent calls
// return nil.
func (h *ImageHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true

	var err error
	if h.disk != nil {
		err = h.disk.Close()
		h.disk = nil
	}
	h.tracker.Release(h.path)
	h.logger.Logger.Trace().Str("image", h.path).Msg("Released image")
	return err
}

// classifyErr maps OS level failures onto the sentinel errors callers branch
// on, keeping the original error text in the chain.
func classifyErr(op string, err error) error {
	var errno unix.Errno
	if errors.As(err, &errno) {
		switch errno {
		case unix.EBUSY:
			return fmt.Errorf("%s: %w: %v", op, types.ErrResourceBusy, err)
		case unix.EPERM, unix.EACCES:
			return fmt.Errorf("%s: %w: %v", op, types.ErrPermissionDenied, err)
		}
	}
	if os.IsPermission(err) {
		return fmt.Errorf("%s: %w: %v", op, types.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%s: %w: %v", op, types.ErrResourceUnavailable, err)
}
