package cache

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

// canonicalKernelName is the fixed-length placeholder substituted for the
// caller's actual kernel name before hashing/storage, so that two callers
// producing the same kernel body end up with byte-identical IR text and
// therefore the same cache key. Must not itself appear in generated IR.
const canonicalKernelName = "__arrowjit_kernel_0000__"

// Canonicalize replaces every occurrence of kernelName in ir with the fixed
// placeholder, for hashing and on-disk storage.
func Canonicalize(ir, kernelName string) string {
	if kernelName == "" {
		return ir
	}
	return strings.ReplaceAll(ir, kernelName, canonicalKernelName)
}

// Rehydrate reverses Canonicalize after a cache hit, substituting a fresh
// caller-chosen kernel name back into the stored IR text.
func Rehydrate(canonicalIR, freshName string) string {
	return strings.ReplaceAll(canonicalIR, canonicalKernelName, freshName)
}

// Hash is the 32-bit key cache files are keyed by.
func Hash(canonicalIR string) uint32 {
	return crc32.ChecksumIEEE([]byte(canonicalIR))
}

func pathFor(dir string, hash uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%08x.bin", hash))
}

// Entry is a cache hit: the canonicalized IR (for the caller's own
// byte-exact comparison if desired) plus the relocatable machine-code
// payload and the entry point's offset within it.
type Entry struct {
	IR         string
	Payload    []byte
	FuncOffset uint32
}

// Load looks up canonicalIR's cache file. A missing file, a version
// mismatch, a length mismatch, or an IR text mismatch (hash collision) are
// all reported as a plain miss (ok=false, err=nil): cache mismatches are
// not errors.
func Load(dir, canonicalIR string) (*Entry, bool, error) {
	hash := Hash(canonicalIR)
	f, err := os.Open(pathFor(dir, hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	h, err := readHeader(f)
	if err != nil {
		return nil, false, nil
	}
	if h.Version != Version || h.IRLength != uint32(len(canonicalIR)) {
		return nil, false, nil
	}

	irBytes := make([]byte, h.IRLength)
	if _, err := io.ReadFull(f, irBytes); err != nil {
		return nil, false, nil
	}
	if string(irBytes) != canonicalIR {
		return nil, false, nil
	}

	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(f, payload); err != nil {
		return nil, false, nil
	}

	return &Entry{IR: canonicalIR, Payload: payload, FuncOffset: h.FuncOffset}, true, nil
}

// Store writes canonicalIR/payload/funcOffset to disk under an advisory
// file lock, so two processes racing to compile the same kernel don't
// corrupt each other's write. Losing the race (file already exists once
// the lock is acquired) is not an error: it fails silently on EEXIST to
// avoid races between concurrent compilations of the same kernel.
func Store(dir, canonicalIR string, payload []byte, funcOffset uint32) (uint32, error) {
	hash := Hash(canonicalIR)
	path := pathFor(dir, hash)

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return hash, fmt.Errorf("cache: acquire lock: %w", err)
	}
	if !locked {
		return hash, nil
	}
	defer lock.Unlock()

	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return hash, fmt.Errorf("cache: create temp file: %w", err)
	}
	defer os.Remove(tmp)

	h := header{
		Version:    Version,
		IRLength:   uint32(len(canonicalIR)),
		PayloadLen: uint32(len(payload)),
		FuncOffset: funcOffset,
	}
	if err := writeHeader(f, h); err != nil {
		f.Close()
		return hash, err
	}
	if _, err := f.WriteString(canonicalIR); err != nil {
		f.Close()
		return hash, err
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return hash, err
	}
	if err := f.Close(); err != nil {
		return hash, err
	}

	if err := os.Rename(tmp, path); err != nil {
		return hash, fmt.Errorf("cache: rename into place: %w", err)
	}
	return hash, nil
}
