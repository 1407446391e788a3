package comm

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/rocketbitz/fabcomm/transport"
)

const (
	// MaxTag is the largest user tag. Tags above it are reserved.
	MaxTag = 1<<31 - 1

	// warmupTag is outside the user range so cache warmup never matches
	// application traffic.
	warmupTag = 1 << 31

	// headerIndex is the batch index carrying a buffered transfer's header.
	headerIndex = math.MaxUint32

	headerSize = 16
)

// EncodeTag packs a user tag and a batch index into a transport tag.
func EncodeTag(tag, batch uint32) transport.Tag {
	return transport.Tag(uint64(tag)<<32 | uint64(batch))
}

// DecodeTag splits a transport tag into user tag and batch index.
func DecodeTag(t transport.Tag) (tag, batch uint32) {
	return uint32(uint64(t) >> 32), uint32(t)
}

func checkTag(tag int) error {
	if tag < 0 || tag > MaxTag {
		return fmt.Errorf("%w: %d", ErrInvalidTag, tag)
	}
	return nil
}

// transferHeader precedes the batches of a buffered transfer.
type transferHeader struct {
	total     uint64
	chunkSize uint64
}

func (h transferHeader) encode() []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.total)
	binary.LittleEndian.PutUint64(buf[8:16], h.chunkSize)
	return buf
}

func decodeHeader(buf []byte) (transferHeader, error) {
	if len(buf) != headerSize {
		return transferHeader{}, fmt.Errorf("%w: header of %d bytes", ErrSizeMismatch, len(buf))
	}
	return transferHeader{
		total:     binary.LittleEndian.Uint64(buf[0:8]),
		chunkSize: binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}

// batchSpan returns the offset and length of batch i of a total-byte
// transfer cut into chunk-byte batches.
func batchSpan(i, total, chunk int) (off, size int) {
	off = i * chunk
	return off, min(chunk, total-off)
}

// batchCount returns ceil(total/chunk).
func batchCount(total, chunk int) int {
	if total == 0 {
		return 0
	}
	return (total + chunk - 1) / chunk
}
