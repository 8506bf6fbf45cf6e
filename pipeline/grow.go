package pipeline

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/hotspot-os/provisioner/constants"
	"github.com/hotspot-os/provisioner/loop"
	"github.com/hotspot-os/provisioner/types"
)

// IDs an ext filesystem sits behind, the only kind the grow touches.
var extTypeIDs = []string{"0FC63DAF-8483-4772-8E79-3D69D8477DE4", "83"}

// growDataPartition extends the target's last partition to the end of the
// disk and resizes the ext filesystem on it. Images are mastered for the
// smallest supported medium, so on anything larger the data partition leaves
// the rest of the disk unreachable until it is grown. Partition math is
// delegated to parted, which also tells the kernel about the new table.
func growDataPartition(runner types.Runner, logger *types.HotspotLogger, diskPath string) error {
	table, err := loop.ReadTable(diskPath)
	if err != nil {
		return fmt.Errorf("reading %s before growing: %w", diskPath, err)
	}
	if len(table) == 0 {
		return fmt.Errorf("%s has no partitions to grow: %w", diskPath, types.ErrValidationFailed)
	}
	last := table[len(table)-1]
	if !isExtType(last.TypeID) {
		logger.Logger.Info().Str("disk", diskPath).Str("type", last.TypeID).
			Msg("Last partition is not ext, leaving it alone")
		return nil
	}

	sizeBytes, err := loop.DeviceSizeBytes(diskPath)
	if err != nil {
		return fmt.Errorf("sizing %s: %w", diskPath, err)
	}
	targetEnd := sizeBytes/constants.SectorSize - 1

	currentEnd, err := lastPartitionEnd(runner, diskPath)
	if err != nil {
		return err
	}
	if currentEnd >= targetEnd {
		logger.Logger.Info().Str("disk", diskPath).Msg("Data partition already extended")
		return nil
	}

	if out, err := runner.Run("parted", "-m", diskPath, "u", "s", "resizepart",
		strconv.Itoa(last.Index), strconv.FormatUint(targetEnd, 10)); err != nil {
		return fmt.Errorf("growing partition %d of %s: %w: %s", last.Index, diskPath, err, strings.TrimSpace(string(out)))
	}

	partDev := loop.PartitionDevice(diskPath, last.Index)
	if out, err := runner.Run("fsck.ext4", "-y", "-f", partDev); fsckFailed(err) {
		return fmt.Errorf("checking %s before resizing: %w: %s", partDev, err, strings.TrimSpace(string(out)))
	}
	if out, err := runner.Run("resize2fs", "-f", "-p", partDev); err != nil {
		return fmt.Errorf("resizing the filesystem on %s: %w: %s", partDev, err, strings.TrimSpace(string(out)))
	}
	if out, err := runner.Run("fsck.ext4", "-y", "-f", partDev); fsckFailed(err) {
		return fmt.Errorf("rechecking %s after resizing: %w: %s", partDev, err, strings.TrimSpace(string(out)))
	}

	logger.Logger.Info().
		Str("disk", diskPath).
		Int("partition", last.Index).
		Uint64("end_sector", targetEnd).
		Msg("Data partition grown")
	return nil
}

// lastPartitionEnd asks parted for the machine-readable table and returns the
// end sector of the last partition. The last line of the output is the last
// partition, its third field the end in sectors.
func lastPartitionEnd(runner types.Runner, diskPath string) (uint64, error) {
	out, err := runner.Run("parted", "-m", diskPath, "unit", "s", "print")
	if err != nil {
		return 0, fmt.Errorf("reading the partition table of %s: %w: %s", diskPath, err, strings.TrimSpace(string(out)))
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	fields := strings.Split(strings.TrimSuffix(lines[len(lines)-1], ";"), ":")
	if len(fields) < 3 {
		return 0, fmt.Errorf("unexpected parted output for %s: %w", diskPath, types.ErrValidationFailed)
	}
	end, err := strconv.ParseUint(strings.TrimSuffix(fields[2], "s"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected parted output for %s: %w: %v", diskPath, types.ErrValidationFailed, err)
	}
	return end, nil
}

// fsck exit codes 1 and 2 mean corrected problems, only 4 and up are real
// failures.
func fsckFailed(err error) bool {
	if err == nil {
		return false
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode() >= 4
	}
	return true
}

func isExtType(typeID string) bool {
	for _, want := range extTypeIDs {
		if strings.EqualFold(typeID, want) {
			return true
		}
	}
	return false
}
