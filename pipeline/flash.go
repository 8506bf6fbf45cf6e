package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"

	"github.com/hotspot-os/provisioner/types"
)

// writeImage copies the source file onto the target device in chunks and
// returns the sha256 of everything written plus the byte count. The context
// deadline is checked between chunks; the job's cancellation flag is not,
// a raw write always runs to its own conclusion.
func writeImage(ctx context.Context, source, target string, chunk int, progress func(int)) (string, int64, error) {
	src, err := os.Open(source)
	if err != nil {
		return "", 0, fmt.Errorf("opening source %s: %w: %v", source, types.ErrResourceUnavailable, err)
	}
	defer src.Close()

	m, err := mmap.Map(src, mmap.RDONLY, 0)
	if err != nil {
		return "", 0, fmt.Errorf("mapping source %s: %w", source, err)
	}
	defer m.Unmap()

	dst, err := os.OpenFile(target, os.O_WRONLY, 0)
	if err != nil {
		return "", 0, fmt.Errorf("opening target %s: %w", target, err)
	}
	defer dst.Close()

	h := sha256.New()
	total := len(m)
	for off := 0; off < total; off += chunk {
		if err := ctx.Err(); err != nil {
			return "", int64(off), fmt.Errorf("write aborted at byte %d of %d: %w", off, total, err)
		}
		end := off + chunk
		if end > total {
			end = total
		}
		if _, err := dst.Write(m[off:end]); err != nil {
			return "", int64(off), fmt.Errorf("writing %s at byte %d: %w", target, off, err)
		}
		h.Write(m[off:end])
		progress(end * 100 / total)
	}
	if err := dst.Sync(); err != nil {
		return "", int64(total), fmt.Errorf("flushing %s: %w", target, err)
	}
	return hex.EncodeToString(h.Sum(nil)), int64(total), nil
}

// verifyDevice re-reads length bytes from the target and compares their
// sha256 against the digest of what was written.
func verifyDevice(ctx context.Context, target string, length int64, wantHex string, chunk int, progress func(int)) error {
	dst, err := os.Open(target)
	if err != nil {
		return fmt.Errorf("reopening target %s: %w", target, err)
	}
	defer dst.Close()

	// Evict what the write left in the page cache so the readback comes off
	// the medium, not memory. Best effort, some filesystems ignore it.
	_ = unix.Fadvise(int(dst.Fd()), 0, 0, unix.FADV_DONTNEED)

	h := sha256.New()
	buf := make([]byte, chunk)
	var off int64
	for off < length {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("readback aborted at byte %d of %d: %w", off, length, err)
		}
		n := int64(chunk)
		if off+n > length {
			n = length - off
		}
		if _, err := io.ReadFull(dst, buf[:n]); err != nil {
			return fmt.Errorf("reading back %s at byte %d: %w", target, off, err)
		}
		h.Write(buf[:n])
		off += n
		progress(int(off * 100 / length))
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != wantHex {
		return fmt.Errorf("readback digest %s does not match written %s: %w", got, wantHex, types.ErrValidationFailed)
	}
	return nil
}
