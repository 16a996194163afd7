// Package workload turns an access pattern and a namespace geometry into the
// ordered list of operations a benchmark submits.
package workload

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/pkg/errors"

	"github.com/runningwild/qpbench/pkg/device"
)

var (
	ErrWorkloadDoesNotFit = errors.New("workload does not fit device")
	ErrInvalidSpec        = errors.New("invalid workload")
)

// Allocation is one operation: the target LBA and the buffer range [Start, Stop)
// supplying or receiving its payload.
type Allocation struct {
	LBA   uint64
	Start int
	Stop  int
}

// Len is the payload size in bytes.
func (a Allocation) Len() int { return a.Stop - a.Start }

type Pattern int

const (
	Sequential Pattern = iota
	Random
	Zipfian
)

var patternNames = map[Pattern]string{
	Sequential: "sequential",
	Random:     "random",
	Zipfian:    "zipf",
}

func (p Pattern) String() string {
	if s, ok := patternNames[p]; ok {
		return s
	}
	return fmt.Sprintf("pattern(%d)", int(p))
}

func ParsePattern(s string) (Pattern, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sequential", "seq":
		return Sequential, nil
	case "random", "rand":
		return Random, nil
	case "zipf", "zipfian":
		return Zipfian, nil
	}
	return 0, errors.Errorf("unknown pattern %q", s)
}

func (p Pattern) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Pattern) UnmarshalText(b []byte) error {
	v, err := ParsePattern(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Spec describes a workload independent of the device it runs on.
type Spec struct {
	Pattern    Pattern
	TotalSize  uint64 // Bytes transferred
	IOSize     uint64 // Bytes per operation, a multiple of the block size; 0 means one block
	BufferSize uint64 // Bytes in the payload buffer; ranges wrap modulo this size

	StartLBA    uint64 // First LBA of the addressed region
	RandomStart bool   // Pick a random start that keeps the region on the device

	RandomSource bool // Shuffle buffer ranges (Random only)
	RandomDest   bool // Shuffle destination LBAs (Random only)

	ZipfS float64 // Skew
	ZipfN uint64  // Hot population in operations

	Seed uint64
}

// Generate builds the allocation sequence for spec against ns. It performs no
// I/O and is deterministic for a given Seed.
func Generate(ns device.Namespace, spec Spec) ([]Allocation, error) {
	if ns.BlockSize == 0 {
		return nil, errors.Wrap(ErrInvalidSpec, "zero block size")
	}
	ioSize := spec.IOSize
	if ioSize == 0 {
		ioSize = ns.BlockSize
	}
	if ioSize%ns.BlockSize != 0 {
		return nil, errors.Wrapf(ErrInvalidSpec, "io size %d is not a multiple of block size %d", ioSize, ns.BlockSize)
	}
	if spec.BufferSize < ioSize {
		return nil, errors.Wrapf(ErrInvalidSpec, "buffer of %d bytes cannot hold a %d byte operation", spec.BufferSize, ioSize)
	}

	ops := spec.TotalSize / ioSize
	perOp := ioSize / ns.BlockSize
	if spec.TotalSize/ns.BlockSize > ns.Blocks {
		return nil, errors.Wrapf(ErrWorkloadDoesNotFit, "%d blocks requested, %s", spec.TotalSize/ns.BlockSize, ns)
	}

	span := ops * perOp
	if spec.Pattern == Zipfian {
		if spec.ZipfN == 0 {
			return nil, errors.Wrap(ErrInvalidSpec, "zipf population is zero")
		}
		span = spec.ZipfN * perOp
	}

	r := newRand(spec.Seed)
	start := spec.StartLBA
	if spec.RandomStart {
		var err error
		if start, err = SafeStart(r, span, ns.Blocks); err != nil {
			return nil, err
		}
	} else if start+span > ns.Blocks {
		return nil, errors.Wrapf(ErrWorkloadDoesNotFit, "lba %d + %d blocks exceeds %s", start, span, ns)
	}

	l := layout{ioSize: ioSize, perOp: perOp, slots: spec.BufferSize / ioSize, start: start}
	switch spec.Pattern {
	case Sequential:
		return l.sequential(ops), nil
	case Random:
		return l.random(r, ops, spec.RandomSource, spec.RandomDest), nil
	case Zipfian:
		z, err := NewZipf(r, spec.ZipfS, spec.ZipfN)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidSpec, err.Error())
		}
		return l.zipf(z, ops), nil
	}
	return nil, errors.Wrapf(ErrInvalidSpec, "unknown pattern %v", spec.Pattern)
}

type layout struct {
	ioSize uint64
	perOp  uint64
	slots  uint64
	start  uint64
}

func (l layout) alloc(dest, src uint64) Allocation {
	off := int((src % l.slots) * l.ioSize)
	return Allocation{LBA: l.start + dest*l.perOp, Start: off, Stop: off + int(l.ioSize)}
}

func (l layout) sequential(ops uint64) []Allocation {
	out := make([]Allocation, ops)
	for i := range out {
		out[i] = l.alloc(uint64(i), uint64(i))
	}
	return out
}

func (l layout) random(r *rand.Rand, ops uint64, randSrc, randDest bool) []Allocation {
	dest := identity(ops)
	if randDest {
		r.Shuffle(len(dest), func(i, j int) { dest[i], dest[j] = dest[j], dest[i] })
	}
	src := identity(ops)
	if randSrc {
		r.Shuffle(len(src), func(i, j int) { src[i], src[j] = src[j], src[i] })
	}
	out := make([]Allocation, ops)
	for i := range out {
		out[i] = l.alloc(dest[i], src[i])
	}
	return out
}

// zipf draws with replacement; repeated hot addresses are intended.
func (l layout) zipf(z *Zipf, ops uint64) []Allocation {
	out := make([]Allocation, ops)
	for i := range out {
		out[i] = l.alloc(z.Uint64(), uint64(i))
	}
	return out
}

func identity(n uint64) []uint64 {
	s := make([]uint64, n)
	for i := range s {
		s[i] = uint64(i)
	}
	return s
}

// SafeStart picks a random LBA such that start+span <= maxBlocks.
func SafeStart(r *rand.Rand, span, maxBlocks uint64) (uint64, error) {
	if span > maxBlocks {
		return 0, errors.Wrapf(ErrWorkloadDoesNotFit, "%d blocks on a %d block namespace", span, maxBlocks)
	}
	return r.Uint64N(maxBlocks - span + 1), nil
}

// Clamp limits total so that it fits in the first fraction (0, 1] of ns.
func Clamp(ns device.Namespace, total uint64, fraction float64) uint64 {
	limit := uint64(float64(ns.Capacity()) * fraction)
	if total > limit {
		return limit - limit%ns.BlockSize
	}
	return total
}

// FillRandom fills buf with a deterministic pseudo-random payload.
func FillRandom(buf []byte, seed uint64) {
	r := newRand(seed)
	i := 0
	for ; i+8 <= len(buf); i += 8 {
		binary.LittleEndian.PutUint64(buf[i:], r.Uint64())
	}
	if i < len(buf) {
		var tail [8]byte
		binary.LittleEndian.PutUint64(tail[:], r.Uint64())
		copy(buf[i:], tail[:])
	}
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
