// Package loop attaches image files to loop devices and reads partition
// tables straight from block devices or image files.
package loop

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/hotspot-os/provisioner/types"
)

const loopControl = "/dev/loop-control"

// Attach exposes an image file as /dev/loopN with partition scanning enabled
// and returns the device path. The caller owns the device until Detach.
func Attach(imagePath string, readOnly bool, logger *types.HotspotLogger) (string, error) {
	if logger == nil {
		l := types.NewNullLogger()
		logger = &l
	}

	ctrl, err := os.OpenFile(loopControl, os.O_RDWR, 0)
	if err != nil {
		return "", wrapDevErr("open loop-control", err)
	}
	defer ctrl.Close()

	num, err := unix.IoctlRetInt(int(ctrl.Fd()), unix.LOOP_CTL_GET_FREE)
	if err != nil {
		return "", wrapDevErr("get free loop device", err)
	}
	device := fmt.Sprintf("/dev/loop%d", num)

	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	backing, err := os.OpenFile(imagePath, flags, 0)
	if err != nil {
		return "", wrapDevErr(fmt.Sprintf("open %s", imagePath), err)
	}
	defer backing.Close()

	dev, err := os.OpenFile(device, flags, 0)
	if err != nil {
		return "", wrapDevErr(fmt.Sprintf("open %s", device), err)
	}
	defer dev.Close()

	if err := unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_SET_FD, int(backing.Fd())); err != nil {
		return "", wrapDevErr(fmt.Sprintf("bind %s to %s", imagePath, device), err)
	}

	info := unix.LoopInfo64{Flags: unix.LO_FLAGS_PARTSCAN}
	if readOnly {
		info.Flags |= unix.LO_FLAGS_READ_ONLY
	}
	copy(info.File_name[:], imagePath)
	if err := unix.IoctlLoopSetStatus64(int(dev.Fd()), &info); err != nil {
		// Roll the binding back, otherwise the device leaks half-configured.
		_ = unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_CLR_FD, 0)
		return "", wrapDevErr(fmt.Sprintf("configure %s", device), err)
	}

	logger.Logger.Debug().Str("image", imagePath).Str("device", device).Bool("readOnly", readOnly).Msg("Attached loop device")
	return device, nil
}

// Detach releases a loop device previously returned by Attach.
func Detach(device string, logger *types.HotspotLogger) error {
	if logger == nil {
		l := types.NewNullLogger()
		logger = &l
	}
	dev, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return wrapDevErr(fmt.Sprintf("open %s", device), err)
	}
	defer dev.Close()

	if err := unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_CLR_FD, 0); err != nil {
		return wrapDevErr(fmt.Sprintf("detach %s", device), err)
	}
	logger.Logger.Debug().Str("device", device).Msg("Detached loop device")
	return nil
}

// ioctl request for block device size
const blkGetSize64 = 0x80081272

func ioctlGetUint64(fd uintptr, req uint) (uint64, error) {
	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(req), uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, errno
	}
	return size, nil
}

// DeviceSizeBytes returns the size of a block device, or the file size when
// given a regular file, so verification code can run against either.
func DeviceSizeBytes(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, wrapDevErr(fmt.Sprintf("open %s", path), err)
	}
	defer f.Close()

	size, err := ioctlGetUint64(f.Fd(), blkGetSize64)
	if err == nil {
		return size, nil
	}
	st, serr := f.Stat()
	if serr != nil {
		return 0, wrapDevErr(fmt.Sprintf("stat %s", path), serr)
	}
	if st.Mode().IsRegular() {
		return uint64(st.Size()), nil
	}
	return 0, wrapDevErr(fmt.Sprintf("size of %s", path), err)
}

// WaitForDevice polls until a device node shows up, bounded by timeout.
// Partition nodes appear asynchronously after a partscan attach.
func WaitForDevice(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s did not appear: %w", path, types.ErrResourceUnavailable)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// PartitionDevice returns the device node of the nth partition of base,
// inserting the "p" separator devices with numeric suffixes require.
func PartitionDevice(base string, index int) string {
	name := filepath.Base(base)
	if len(name) > 0 && name[len(name)-1] >= '0' && name[len(name)-1] <= '9' {
		return fmt.Sprintf("%sp%d", base, index)
	}
	return fmt.Sprintf("%s%d", base, index)
}

// wrapDevErr folds OS errors into the shared taxonomy while keeping the
// underlying detail in the message.
func wrapDevErr(op string, err error) error {
	sentinel := types.ErrResourceUnavailable
	var errno unix.Errno
	if errors.As(err, &errno) {
		switch errno {
		case unix.EBUSY:
			sentinel = types.ErrResourceBusy
		case unix.EPERM, unix.EACCES:
			sentinel = types.ErrPermissionDenied
		}
	} else if os.IsPermission(err) {
		sentinel = types.ErrPermissionDenied
	}
	return fmt.Errorf("%s: %w: %v", op, sentinel, err)
}
