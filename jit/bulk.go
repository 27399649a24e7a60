package jit

import (
	"github.com/arrowjit/arrowjit/driver"
	"github.com/arrowjit/arrowjit/types"
)

// appendShaped is doAppend's sibling for the bulk operations in this file,
// which pick their own result size (a fold to one lane, a fixed-size scan,
// a caller-chosen fill width) instead of inferring it from operand sizes.
// CSE and refcounting behave identically to doAppend.
func (s *State) appendShaped(t types.VarType, size uint32, cmd string, dep [3]uint32, extraDep uint32) (uint32, error) {
	if err := validateTemplate(cmd); err != nil {
		return 0, err
	}
	var tsize uint64 = 1
	var backend types.Backend
	for _, d := range dep {
		if d == 0 {
			continue
		}
		if v, ok := s.vars[d]; ok {
			tsize += v.TSize
			if backend == types.NoBackend {
				backend = v.Backend
			}
		}
	}
	if extraDep != 0 {
		if v, ok := s.vars[extraDep]; ok {
			tsize += v.TSize
		}
	}

	v := &Variable{Type: t, Kind: types.Expression, Size: size, Cmd: cmd, Dep: dep, ExtraDep: extraDep, TSize: tsize, Backend: backend}
	v.Scope = s.scope

	key := keyOf(v)
	if existing, ok := s.byKey[key]; ok {
		ev := s.vars[existing]
		ev.RefCountExt++
		s.syncLive(existing)
		return existing, nil
	}
	v.RefCountExt = 1
	return s.insertNew(v), nil
}

func (s *State) templateFor(name, fallback string) string {
	if t, ok := s.Templates[name]; ok && t != "" {
		return t
	}
	return fallback
}

// Fill implements fill: a size-lane broadcast of value, independent of
// value's own size (value is typically a size-1 literal).
func (s *State) Fill(t types.VarType, size uint32, value uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(value); err != nil {
		return 0, err
	}
	cmd := s.templateFor("fill", "mov.$t0 $r0, $r1")
	return s.appendShaped(t, size, cmd, [3]uint32{value, 0, 0}, 0)
}

// Memcpy implements memcpy: a synchronous device-to-device (or host-to-
// device, depending on AllocType) copy of src's materialized bytes into
// dst's, on the default stream.
func (s *State) Memcpy(dst, src uint32) error {
	s.mu.Lock()
	stream := s.defaultStream
	s.mu.Unlock()
	return s.memcpyOn(dst, src, stream)
}

// MemcpyAsync implements memcpy_async: the same copy, enqueued on the
// stream bound to the caller-supplied per-thread token rather than always
// using the default stream.
func (s *State) MemcpyAsync(dst, src uint32, streamToken int64) error {
	s.mu.Lock()
	stream := s.streamFor(streamToken)
	s.mu.Unlock()
	return s.memcpyOn(dst, src, stream)
}

func (s *State) memcpyOn(dst, src uint32, stream driver.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dv, err := s.lookup(dst)
	if err != nil {
		return err
	}
	sv, err := s.lookup(src)
	if err != nil {
		return err
	}
	if !sv.materialized() {
		if err := s.varEvalLocked(src); err != nil {
			return err
		}
		sv = s.vars[src]
	}
	if !dv.materialized() {
		return NewError(DirtyRead, "memcpy: destination var %d is not materialized", dst)
	}
	if s.gpu == nil {
		return NewError(AllocationFailure, "no GPU driver configured")
	}

	bytes := uint64(dv.Size) * uint64(dv.Type.ByteSize())
	s.unlocked(func() {
		s.gpu.Memcpy(dv.Data, sv.Data, bytes, stream)
	})
	return nil
}

// Reduce implements reduce: folds idx's lanes down to a single value using
// the caller-registered "reduce" template.
func (s *State) Reduce(idx uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.lookup(idx)
	if err != nil {
		return 0, err
	}
	cmd := s.templateFor("reduce", "red.$t0 $r0, $r1")
	return s.appendShaped(v.Type, 1, cmd, [3]uint32{idx, 0, 0}, 0)
}

// Scan implements scan: an inclusive prefix fold over idx's lanes, same
// lane count as idx, using the caller-registered "scan" template.
func (s *State) Scan(idx uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.lookup(idx)
	if err != nil {
		return 0, err
	}
	cmd := s.templateFor("scan", "scan.$t0 $r0, $r1")
	return s.appendShaped(v.Type, v.Size, cmd, [3]uint32{idx, 0, 0}, 0)
}

// All implements all: logical AND across idx's lanes, producing a
// size-1 Bool.
func (s *State) All(idx uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(idx); err != nil {
		return 0, err
	}
	cmd := s.templateFor("all", "red.and.$t0 $r0, $r1")
	return s.appendShaped(types.Bool, 1, cmd, [3]uint32{idx, 0, 0}, 0)
}

// Any implements any: logical OR across idx's lanes, producing a size-1
// Bool.
func (s *State) Any(idx uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(idx); err != nil {
		return 0, err
	}
	cmd := s.templateFor("any", "red.or.$t0 $r0, $r1")
	return s.appendShaped(types.Bool, 1, cmd, [3]uint32{idx, 0, 0}, 0)
}

// Mkperm implements mkperm: builds a permutation array bucketing idx's
// lanes, using the caller-registered "mkperm" template. bucketCount is a
// size-1 variable (rather than a bare integer) so it flows through the
// same $r/$t substitution machinery as any other operand.
func (s *State) Mkperm(idx uint32, bucketCount uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.lookup(idx)
	if err != nil {
		return 0, err
	}
	if _, err := s.lookup(bucketCount); err != nil {
		return 0, err
	}
	cmd := s.templateFor("mkperm", "mkperm.$t0 $r0, $r1, $r2")
	return s.appendShaped(types.UInt32, v.Size, cmd, [3]uint32{idx, bucketCount, 0}, 0)
}
