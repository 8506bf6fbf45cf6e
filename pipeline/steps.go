package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/hotspot-os/provisioner/block"
	"github.com/hotspot-os/provisioner/constants"
	"github.com/hotspot-os/provisioner/loop"
	"github.com/hotspot-os/provisioner/manifest"
	"github.com/hotspot-os/provisioner/resource"
	"github.com/hotspot-os/provisioner/types"
)

// stepEnv carries the job inputs plus what earlier steps produced for later
// ones: the source layout read during validation feeds layout verification,
// the digest computed while writing feeds the readback.
type stepEnv struct {
	job          *Job
	sourceSize   int64
	sourceLayout []loop.Partition
	sourceHash   string
	written      bool
}

// stepValidate re-checks everything the job was started from. The snapshot
// that picked the target may be minutes old, so the disk, the image and its
// manifest are all read again before any byte is written.
func (m *Manager) stepValidate(ctx context.Context, env *stepEnv) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	disk, image := env.job.Disk, env.job.Image

	if !disk.IsCandidate() {
		return fmt.Errorf("%s is not a candidate target: %w", disk.Name, types.ErrValidationFailed)
	}
	// A partition automounted since the snapshot makes the disk a live
	// filesystem, not a target.
	mounts := block.ListMounts(block.NewPaths(""))
	for _, p := range disk.Partitions {
		if mp, ok := mounts[p.Path]; ok {
			return fmt.Errorf("%s is mounted at %s: %w", p.Path, mp, types.ErrValidationFailed)
		}
	}
	if _, err := os.Stat(disk.Path); err != nil {
		return fmt.Errorf("target %s: %w: %v", disk.Path, types.ErrResourceUnavailable, err)
	}
	targetSize, err := loop.DeviceSizeBytes(disk.Path)
	if err != nil {
		return fmt.Errorf("sizing target %s: %w", disk.Path, err)
	}

	st, err := os.Stat(image.Path)
	if err != nil {
		return fmt.Errorf("image %s: %w: %v", image.Path, types.ErrResourceUnavailable, err)
	}
	env.sourceSize = st.Size()
	if uint64(st.Size()) > targetSize {
		return fmt.Errorf("image %s (%d bytes) does not fit %s (%d bytes): %w",
			image.Path, st.Size(), disk.Path, targetSize, types.ErrValidationFailed)
	}

	// The manifest is read straight from the image again, not trusted from
	// the snapshot that selected it.
	handle, err := resource.OpenImage(image.Path, m.tracker, &m.cfg.Logger)
	if err != nil {
		return err
	}
	data, err := handle.ReadFile(1, "/"+constants.ManifestFile)
	if err != nil {
		_ = handle.Release()
		return fmt.Errorf("manifest unreadable on %s: %w: %v", image.Path, types.ErrValidationFailed, err)
	}
	man, err := manifest.Parse(data)
	if err != nil {
		_ = handle.Release()
		return err
	}
	if err := handle.Release(); err != nil {
		return err
	}
	if man.Name != image.Manifest.Name || man.Version != image.Manifest.Version || man.Checksum != image.Manifest.Checksum {
		return fmt.Errorf("image at %s changed since probing: %w", image.Path, types.ErrValidationFailed)
	}

	// The source table feeds layout verification when the manifest does not
	// declare one. A missing table is not an error here, verification will
	// complain if it needs one.
	if table, err := loop.ReadTable(image.Path); err == nil {
		env.sourceLayout = table
	}
	return nil
}

// stepWrite streams the image onto the target and reads it back. The target
// is held for the whole pass so a concurrent probe cannot attach it halfway
// through.
func (m *Manager) stepWrite(ctx context.Context, env *stepEnv) error {
	disk, image := env.job.Disk, env.job.Image
	rec := env.job.StepByName(StepWrite)

	if err := m.tracker.Acquire(disk.Path); err != nil {
		return err
	}
	defer m.tracker.Release(disk.Path)

	last := -1
	m.reportProgress(env.job, rec, 0, &last)

	env.written = true
	hash, written, err := writeImage(ctx, image.Path, disk.Path, int(constants.WriteChunkBytes), func(pct int) {
		m.reportProgress(env.job, rec, pct/2, &last)
	})
	if err != nil {
		return err
	}
	if manifest.IsSHA256(image.Manifest.Checksum) && !strings.EqualFold(hash, image.Manifest.Checksum) {
		return fmt.Errorf("source digest %s does not match the declared checksum: %w", hash, types.ErrValidationFailed)
	}
	env.sourceHash = hash

	return verifyDevice(ctx, disk.Path, written, hash, int(constants.WriteChunkBytes), func(pct int) {
		m.reportProgress(env.job, rec, 50+pct/2, &last)
	})
}

// stepVerify re-reads the target's partition table and checks it against
// what the image promised, or against the source's own table when the
// manifest stays silent.
func (m *Manager) stepVerify(ctx context.Context, env *stepEnv) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	table, err := loop.ReadTable(env.job.Disk.Path)
	if err != nil {
		return fmt.Errorf("re-reading partition table of %s: %w", env.job.Disk.Path, err)
	}
	if declared := env.job.Image.Manifest.Layout; len(declared) > 0 {
		return compareLayout(declared, table)
	}
	return compareTables(env.sourceLayout, table)
}

// stepConfigure seeds the boot partition of the freshly written target and,
// when enabled, grows the data partition to the full disk. Everything the
// seeding writes is content-compared first, so running it again on an
// already configured disk changes nothing.
func (m *Manager) stepConfigure(ctx context.Context, env *stepEnv) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	handle, err := resource.OpenImageRW(env.job.Disk.Path, m.tracker, &m.cfg.Logger)
	if err != nil {
		return err
	}
	changed, err := seedBootPartition(handle, m.cfg.Seed)
	if rerr := handle.Release(); rerr != nil && err == nil {
		err = rerr
	}
	if err != nil {
		return err
	}
	m.cfg.Logger.Logger.Info().
		Str("disk", env.job.Disk.Name).
		Int("files", changed).
		Msg("Boot partition seeded")

	if m.cfg.GrowData {
		if err := growDataPartition(m.cfg.Runner, &m.cfg.Logger, env.job.Disk.Path); err != nil {
			return err
		}
	}
	return nil
}

// stepFinalize flushes the target and drops any acquisition still registered
// for the job's resources, so no exit path leaves a dangling hold.
func (m *Manager) stepFinalize(ctx context.Context, env *stepEnv) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.tracker.Release(env.job.Disk.Path)
	m.tracker.Release(env.job.Image.Path)

	if f, err := os.OpenFile(env.job.Disk.Path, os.O_RDONLY, 0); err == nil {
		_ = f.Sync()
		_ = f.Close()
	}
	env.job.Provisioned = true
	return nil
}

// Partition type IDs a filesystem name may legitimately sit behind: GPT type
// GUIDs plus the classic MBR type bytes.
var fsTypeIDs = map[string][]string{
	"vfat": {"C12A7328-F81F-11D2-BA4B-00A0C93EC93B", "EBD0A0A2-B9E5-4433-87C0-68B6B72699C7", "0B", "0C", "0E"},
	"ext4": {"0FC63DAF-8483-4772-8E79-3D69D8477DE4", "83"},
	"ext3": {"0FC63DAF-8483-4772-8E79-3D69D8477DE4", "83"},
	"ext2": {"0FC63DAF-8483-4772-8E79-3D69D8477DE4", "83"},
	"swap": {"0657FD6D-A4AB-43C4-84E5-0933C84B4F4F", "82"},
}

// compareLayout checks the written table against the manifest's declaration.
// Sizes may drift by the configured tolerance, partition count and type
// may not.
func compareLayout(declared []types.PartitionDecl, got []loop.Partition) error {
	if len(got) != len(declared) {
		return fmt.Errorf("target has %d partitions, manifest declares %d: %w",
			len(got), len(declared), types.ErrValidationFailed)
	}
	byIndex := map[int]loop.Partition{}
	for _, p := range got {
		byIndex[p.Index] = p
	}
	for _, decl := range declared {
		p, ok := byIndex[decl.Index]
		if !ok {
			return fmt.Errorf("declared partition %d missing on target: %w", decl.Index, types.ErrValidationFailed)
		}
		if decl.FS != "" {
			if !typeMatchesFS(p.TypeID, decl.FS) {
				return fmt.Errorf("partition %d type %s does not look like %s: %w",
					decl.Index, p.TypeID, decl.FS, types.ErrValidationFailed)
			}
		}
		if decl.SizeMiB > 0 {
			size, want := p.SizeBytes(), decl.SizeMiB*uint64(constants.MB)
			diff := size - want
			if size < want {
				diff = want - size
			}
			if diff > uint64(constants.LayoutToleranceMiB)*uint64(constants.MB) {
				return fmt.Errorf("partition %d is %d bytes, declared %d MiB: %w",
					decl.Index, p.SizeBytes(), decl.SizeMiB, types.ErrValidationFailed)
			}
		}
	}
	return nil
}

// compareTables checks the written table against the source image's own
// table, entry by entry. A raw copy must reproduce it exactly.
func compareTables(source, got []loop.Partition) error {
	if len(source) == 0 {
		return fmt.Errorf("image declared no layout and its own table was unreadable: %w", types.ErrValidationFailed)
	}
	if len(got) != len(source) {
		return fmt.Errorf("target has %d partitions, image has %d: %w", len(got), len(source), types.ErrValidationFailed)
	}
	byIndex := map[int]loop.Partition{}
	for _, p := range got {
		byIndex[p.Index] = p
	}
	for _, src := range source {
		p, ok := byIndex[src.Index]
		if !ok {
			return fmt.Errorf("source partition %d missing on target: %w", src.Index, types.ErrValidationFailed)
		}
		if p.NumSectors != src.NumSectors || !strings.EqualFold(p.TypeID, src.TypeID) {
			return fmt.Errorf("partition %d diverges from the source table: %w", src.Index, types.ErrValidationFailed)
		}
	}
	return nil
}

func typeMatchesFS(typeID, fs string) bool {
	for _, want := range fsTypeIDs[strings.ToLower(fs)] {
		if strings.EqualFold(typeID, want) {
			return true
		}
	}
	return false
}
