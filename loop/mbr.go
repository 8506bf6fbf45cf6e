package loop

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/hotspot-os/provisioner/constants"
	"github.com/hotspot-os/provisioner/types"
)

const (
	mbrEntryOffset = 446
	mbrEntrySize   = 16
)

// ReadMBR parses the four primary entries of a classic DOS partition table.
// Entries come back in the same shape GPT parsing produces, with TypeID
// holding the partition type byte in hex ("0C", "83"). Extended containers
// are returned as they are, their logical partitions are not followed.
func ReadMBR(devicePath string) ([]Partition, error) {
	f, err := os.Open(devicePath)
	if err != nil {
		return nil, wrapDevErr(fmt.Sprintf("open %s", devicePath), err)
	}
	defer f.Close()

	buf := make([]byte, constants.SectorSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("reading MBR of %s: %w", devicePath, err)
	}
	if buf[510] != 0x55 || buf[511] != 0xAA {
		return nil, fmt.Errorf("%s has no MBR boot signature: %w", devicePath, types.ErrValidationFailed)
	}

	partitions := []Partition{}
	for i := 0; i < 4; i++ {
		entry := buf[mbrEntryOffset+i*mbrEntrySize : mbrEntryOffset+(i+1)*mbrEntrySize]
		partType := entry[4]
		firstLBA := uint64(binary.LittleEndian.Uint32(entry[8:12]))
		numSectors := uint64(binary.LittleEndian.Uint32(entry[12:16]))
		if partType == 0x00 || numSectors == 0 {
			continue // Empty slot
		}
		partitions = append(partitions, Partition{
			Index:      i + 1,
			TypeID:     fmt.Sprintf("%02X", partType),
			FirstLBA:   firstLBA,
			LastLBA:    firstLBA + numSectors - 1,
			NumSectors: numSectors,
		})
	}
	return partitions, nil
}

// ReadTable sniffs which table a device or image carries and parses it with
// the matching reader. GPT wins over a protective MBR.
func ReadTable(devicePath string) ([]Partition, error) {
	kind, err := SniffTableType(devicePath)
	if err != nil {
		return nil, err
	}
	switch kind {
	case "gpt":
		return ReadGPT(devicePath)
	case "mbr":
		return ReadMBR(devicePath)
	}
	return nil, fmt.Errorf("%s carries no recognizable partition table: %w", devicePath, types.ErrValidationFailed)
}
