// Package cache implements a hash-keyed on-disk compilation cache:
// compiled kernels are stored under a per-user cache directory, keyed by
// a hash of their canonicalized IR text, and mapped back into executable
// memory on a hit.
package cache

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Version is the current on-disk format version. A file whose stored
// version doesn't match is treated as a cache miss, not an error.
const Version uint8 = 1

// header is the fixed 13-byte prefix of a cache file, little-endian.
type header struct {
	Version      uint8
	IRLength     uint32
	PayloadLen   uint32
	FuncOffset   uint32
}

const headerSize = 1 + 4 + 4 + 4

func writeHeader(w io.Writer, h header) error {
	var buf [headerSize]byte
	buf[0] = h.Version
	binary.LittleEndian.PutUint32(buf[1:5], h.IRLength)
	binary.LittleEndian.PutUint32(buf[5:9], h.PayloadLen)
	binary.LittleEndian.PutUint32(buf[9:13], h.FuncOffset)
	_, err := w.Write(buf[:])
	return err
}

func readHeader(r io.Reader) (header, error) {
	var buf [headerSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return header{}, fmt.Errorf("cache: short header: %w", err)
	}
	return header{
		Version:    buf[0],
		IRLength:   binary.LittleEndian.Uint32(buf[1:5]),
		PayloadLen: binary.LittleEndian.Uint32(buf[5:9]),
		FuncOffset: binary.LittleEndian.Uint32(buf[9:13]),
	}, nil
}
