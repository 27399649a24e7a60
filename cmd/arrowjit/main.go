// Command arrowjit is a smoke-test driver for the tracing compiler core.
// It stands in for the out-of-scope front-end: it records a tiny
// add-and-materialize trace by hand, runs it through the real allocator
// and scheduler, and prints the result, the way a real caller's
// array-expression builder would drive the same API.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"math"
	"os"

	"github.com/arrowjit/arrowjit/config"
	"github.com/arrowjit/arrowjit/driver"
	"github.com/arrowjit/arrowjit/jit"
	"github.com/arrowjit/arrowjit/logx"
	"github.com/arrowjit/arrowjit/types"
)

func main() {
	verbose := flag.Bool("v", false, "log at debug level")
	flag.Parse()

	if err := run(*verbose); err != nil {
		fmt.Fprintln(os.Stderr, "arrowjit:", err)
		os.Exit(1)
	}
}

func run(verbose bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level := cfg.LogLevelOrWarn()
	if verbose {
		level = logx.Debug
	}
	log := logx.New(level)

	gpu := driver.NewMockGPU()
	gpu.Exec = func(kernel string, params []uintptr, laneCount uint32) {
		execAdd(gpu, params, laneCount)
	}

	s := jit.New(gpu, nil, cfg, log)
	if err := s.Init(); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer func() {
		if err := s.Shutdown(false); err != nil {
			log.Warn("shutdown: %v", err)
		}
	}()

	a, err := s.CopyFromHost(types.Float32, encodeF32(1, 2, 3, 4), 4)
	if err != nil {
		return fmt.Errorf("copy a: %w", err)
	}
	b, err := s.CopyFromHost(types.Float32, encodeF32(10, 20, 30, 40), 4)
	if err != nil {
		return fmt.Errorf("copy b: %w", err)
	}
	if err := s.SetBackend(a, types.GPU); err != nil {
		return err
	}
	if err := s.SetBackend(b, types.GPU); err != nil {
		return err
	}

	c, err := s.Append2(types.Float32, "add.$t0 $r0, $r1, $r2", a, b)
	if err != nil {
		return fmt.Errorf("append add: %w", err)
	}

	if err := s.Eval(); err != nil {
		return fmt.Errorf("eval: %w", err)
	}

	out, err := s.VarRead(c)
	if err != nil {
		return fmt.Errorf("read result: %w", err)
	}

	fmt.Println(decodeF32(out))
	return nil
}

// execAdd stands in for the out-of-scope PTX op-template body: it reads
// the two input buffers a MockGPU-backed launch was given and writes their
// elementwise sum into the third.
func execAdd(gpu *driver.MockGPU, params []uintptr, laneCount uint32) {
	a := decodeF32(gpu.ReadHost(params[0], int(laneCount)*4))
	b := decodeF32(gpu.ReadHost(params[1], int(laneCount)*4))
	out := make([]float32, laneCount)
	for i := range out {
		out[i] = a[i] + b[i]
	}
	gpu.WriteHost(params[2], encodeF32(out...))
}

func encodeF32(vals ...float32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func decodeF32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
