package stitch

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/pierrec/lz4/v4"
)

// Fragments are encoded with CBOR core deterministic encoding so the same
// fragment always has the same size. That size is what the cache budget
// accounts for.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("stitch: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("stitch: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeCBOR(v any) ([]byte, error) { return encMode.Marshal(v) }

func decodeCBOR(b []byte, v any) error { return decMode.Unmarshal(b, v) }

// fragmentSize returns the serialized size of f.
func fragmentSize(f Fragment) (int64, error) {
	b, err := encodeCBOR(f)
	if err != nil {
		return 0, err
	}
	return int64(len(b)), nil
}

// Disk records are framed as one tag byte, the uvarint length of the
// uncompressed payload, then the payload.
const (
	frameRaw byte = 0
	frameLZ4 byte = 1
)

var errIncompressible = errors.New("incompressible")

func packRecord(payload []byte) []byte {
	head := make([]byte, 1+binary.MaxVarintLen64)
	n := binary.PutUvarint(head[1:], uint64(len(payload)))
	head = head[:1+n]

	compressed, err := compressLZ4(payload)
	if err != nil {
		head[0] = frameRaw
		return append(head, payload...)
	}
	head[0] = frameLZ4
	return append(head, compressed...)
}

func unpackRecord(b []byte) ([]byte, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("record too short: %d bytes", len(b))
	}
	size, n := binary.Uvarint(b[1:])
	if n <= 0 {
		return nil, fmt.Errorf("record: bad length prefix")
	}
	body := b[1+n:]
	switch b[0] {
	case frameRaw:
		if uint64(len(body)) != size {
			return nil, fmt.Errorf("record: got %d bytes, expected %d", len(body), size)
		}
		return body, nil
	case frameLZ4:
		return decompressLZ4(body, int(size))
	default:
		return nil, fmt.Errorf("record: unknown frame tag %d", b[0])
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return dst[:written], nil
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
	dst := make([]byte, size)
	read, err := lz4.UncompressBlock(compressed, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
	}
	return dst, nil
}
