package loop

import (
	"encoding/binary"
	"fmt"
	"os"
	"unicode/utf16"

	"github.com/hotspot-os/provisioner/constants"
	"github.com/hotspot-os/provisioner/types"
)

const gptSignature = "EFI PART"

// Partition is one in-use partition table entry, read straight from the
// device bytes. Works identically on device nodes and image files. GPT
// entries carry the type GUID and name, MBR entries carry the hex type byte
// in TypeID and no name.
type Partition struct {
	Index      int
	Name       string
	TypeID     string
	FirstLBA   uint64
	LastLBA    uint64
	NumSectors uint64
}

func (p Partition) SizeBytes() uint64 {
	return p.NumSectors * constants.SectorSize
}

// ReadGPT parses the GUID partition table of a device or image file.
// Returns ErrValidationFailed when the GPT signature is absent.
func ReadGPT(devicePath string) ([]Partition, error) {
	f, err := os.Open(devicePath)
	if err != nil {
		return nil, wrapDevErr(fmt.Sprintf("open %s", devicePath), err)
	}
	defer f.Close()

	// GPT header lives at sector 1
	hdrBuf := make([]byte, constants.SectorSize)
	if _, err := f.ReadAt(hdrBuf, constants.SectorSize); err != nil {
		return nil, fmt.Errorf("reading GPT header of %s: %w", devicePath, err)
	}
	if string(hdrBuf[0:8]) != gptSignature {
		return nil, fmt.Errorf("%s has no GPT signature: %w", devicePath, types.ErrValidationFailed)
	}

	partitionEntryLBA := binary.LittleEndian.Uint64(hdrBuf[72:80])
	numPartitionEntries := binary.LittleEndian.Uint32(hdrBuf[80:84])
	sizeOfPartitionEntry := binary.LittleEndian.Uint32(hdrBuf[84:88])
	if sizeOfPartitionEntry < 128 || sizeOfPartitionEntry > 4096 || numPartitionEntries > 1024 {
		return nil, fmt.Errorf("%s has an implausible GPT header: %w", devicePath, types.ErrValidationFailed)
	}

	partitions := []Partition{}
	entryBuf := make([]byte, sizeOfPartitionEntry)

	for i := uint32(0); i < numPartitionEntries; i++ {
		offset := int64(partitionEntryLBA)*constants.SectorSize + int64(i)*int64(sizeOfPartitionEntry)
		if _, err := f.ReadAt(entryBuf, offset); err != nil {
			return nil, fmt.Errorf("reading partition entry %d: %w", i+1, err)
		}

		firstLBA := binary.LittleEndian.Uint64(entryBuf[32:40])
		lastLBA := binary.LittleEndian.Uint64(entryBuf[40:48])
		if firstLBA == 0 && lastLBA == 0 {
			continue // Empty partition entry
		}

		partitions = append(partitions, Partition{
			Index:      int(i + 1),
			Name:       decodeUTF16String(entryBuf[56 : 56+72]),
			TypeID:     formatGUID(entryBuf[0:16]),
			FirstLBA:   firstLBA,
			LastLBA:    lastLBA,
			NumSectors: lastLBA - firstLBA + 1,
		})
	}

	return partitions, nil
}

// SniffTableType reads just enough of a device or file to tell which
// partition table it carries: "gpt", "mbr" or "" for neither.
func SniffTableType(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", wrapDevErr(fmt.Sprintf("open %s", path), err)
	}
	defer f.Close()

	buf := make([]byte, 2*constants.SectorSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return "", nil
	}
	if string(buf[constants.SectorSize:constants.SectorSize+8]) == gptSignature {
		return "gpt", nil
	}
	if buf[510] == 0x55 && buf[511] == 0xAA {
		return "mbr", nil
	}
	return "", nil
}

// GUIDs are mixed-endian on disk: the first three groups are little-endian,
// the last two big-endian.
func formatGUID(b []byte) string {
	return fmt.Sprintf("%08X-%04X-%04X-%04X-%012X",
		binary.LittleEndian.Uint32(b[0:4]),
		binary.LittleEndian.Uint16(b[4:6]),
		binary.LittleEndian.Uint16(b[6:8]),
		binary.BigEndian.Uint16(b[8:10]),
		b[10:16])
}

// decodeUTF16String decodes UTF-16LE partition names
func decodeUTF16String(b []byte) string {
	u16 := make([]uint16, 0, len(b)/2)
	for i := 0; i < len(b); i += 2 {
		ch := binary.LittleEndian.Uint16(b[i : i+2])
		if ch == 0x0000 {
			break
		}
		u16 = append(u16, ch)
	}
	return string(utf16.Decode(u16))
}
