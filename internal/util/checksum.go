package util

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/devrev/pairdb/docstore/internal/errors"
)

// Row values written by persistent backends are framed as
// [generation (8 bytes BE)][payload][crc32 of everything before (4 bytes LE)].

const (
	generationSize = 8
	checksumSize   = 4
)

var crc32Table = crc32.MakeTable(crc32.IEEE)

// ComputeChecksum computes a CRC32 checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// AppendChecksum appends a 4-byte little endian checksum to data
func AppendChecksum(data []byte) []byte {
	result := make([]byte, len(data), len(data)+checksumSize)
	copy(result, data)
	return binary.LittleEndian.AppendUint32(result, ComputeChecksum(data))
}

// ValidateAndStripChecksum validates the trailing checksum and returns the
// data without it.
func ValidateAndStripChecksum(dataWithChecksum []byte) ([]byte, error) {
	if len(dataWithChecksum) < checksumSize {
		return nil, errors.CorruptedData("value shorter than its checksum", nil).
			WithDetail("length", len(dataWithChecksum))
	}
	n := len(dataWithChecksum) - checksumSize
	data := dataWithChecksum[:n]
	expected := binary.LittleEndian.Uint32(dataWithChecksum[n:])
	if actual := ComputeChecksum(data); actual != expected {
		return nil, errors.ChecksumFailed(expected, actual)
	}
	return data, nil
}

// EncodeFrame frames a payload together with its generation.
func EncodeFrame(generation uint64, payload []byte) []byte {
	buf := make([]byte, 0, generationSize+len(payload)+checksumSize)
	buf = binary.BigEndian.AppendUint64(buf, generation)
	buf = append(buf, payload...)
	return binary.LittleEndian.AppendUint32(buf, ComputeChecksum(buf))
}

// DecodeFrame validates a frame written by EncodeFrame. The returned
// payload aliases frame.
func DecodeFrame(frame []byte) (uint64, []byte, error) {
	data, err := ValidateAndStripChecksum(frame)
	if err != nil {
		return 0, nil, err
	}
	if len(data) < generationSize {
		return 0, nil, errors.CorruptedData("frame shorter than its header", nil).
			WithDetail("length", len(frame))
	}
	return binary.BigEndian.Uint64(data[:generationSize]), data[generationSize:], nil
}
