package workload

import (
	"math/rand/v2"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/runningwild/qpbench/pkg/device"
)

var testNS = device.Namespace{ID: 1, Blocks: 1 << 20, BlockSize: 512}

func TestRandomCombinations(t *testing.T) {
	const numBlocks = 2048
	for _, randSrc := range []bool{false, true} {
		for _, randDest := range []bool{false, true} {
			spec := Spec{
				Pattern:      Random,
				TotalSize:    numBlocks * testNS.BlockSize,
				BufferSize:   numBlocks * testNS.BlockSize,
				RandomStart:  true,
				RandomSource: randSrc,
				RandomDest:   randDest,
				Seed:         1,
			}
			allocs, err := Generate(testNS, spec)
			require.NoError(t, err)
			require.Len(t, allocs, numBlocks)

			start := allocs[0].LBA
			for _, a := range allocs {
				start = min(start, a.LBA)
			}
			require.LessOrEqual(t, start+numBlocks, testNS.Blocks)

			lbas := make(map[uint64]bool)
			ranges := make(map[int]bool)
			for _, a := range allocs {
				require.False(t, lbas[a.LBA], "repeated lba %d", a.LBA)
				lbas[a.LBA] = true
				require.GreaterOrEqual(t, a.LBA, start)
				require.Less(t, a.LBA, start+numBlocks)

				require.Equal(t, int(testNS.BlockSize), a.Len())
				require.Zero(t, a.Start%int(testNS.BlockSize))
				require.False(t, ranges[a.Start], "overlapping range at %d", a.Start)
				ranges[a.Start] = true
			}

			if !randDest {
				for i, a := range allocs {
					require.Equal(t, start+uint64(i), a.LBA)
				}
			}
			if !randSrc {
				for i, a := range allocs {
					require.Equal(t, i*int(testNS.BlockSize), a.Start)
				}
			}
		}
	}
}

func TestRandomIsShuffled(t *testing.T) {
	allocs, err := Generate(testNS, Spec{
		Pattern:    Random,
		TotalSize:  1024 * testNS.BlockSize,
		BufferSize: 1024 * testNS.BlockSize,
		RandomDest: true,
		Seed:       7,
	})
	require.NoError(t, err)
	inOrder := 0
	for i, a := range allocs {
		if a.LBA == uint64(i) {
			inOrder++
		}
	}
	require.Less(t, inOrder, 100)
}

func TestZipf(t *testing.T) {
	const n = 4096
	const k = 10000
	spec := Spec{
		Pattern:     Zipfian,
		TotalSize:   k * testNS.BlockSize,
		BufferSize:  2 << 20,
		RandomStart: true,
		ZipfS:       1,
		ZipfN:       n,
		Seed:        3,
	}
	allocs, err := Generate(testNS, spec)
	require.NoError(t, err)
	require.Len(t, allocs, k)

	// Recover the start from a run with the same seed: rank 0 is the hottest.
	counts := make(map[uint64]int)
	lo := allocs[0].LBA
	for _, a := range allocs {
		counts[a.LBA]++
		lo = min(lo, a.LBA)
	}
	r := newRand(spec.Seed)
	start, err := SafeStart(r, n, testNS.Blocks)
	require.NoError(t, err)
	require.GreaterOrEqual(t, lo, start)
	for _, a := range allocs {
		require.Less(t, a.LBA, start+n)
		require.Equal(t, int(testNS.BlockSize), a.Len())
	}
	require.Greater(t, counts[start], counts[start+100], "rank 0 should be hotter than rank 100")
	require.Less(t, len(counts), k, "zipf draws repeat hot addresses")
}

func TestZipfSampler(t *testing.T) {
	for _, s := range []float64{0.5, 1, 1.5, 2} {
		r := rand.New(rand.NewPCG(1, 2))
		z, err := NewZipf(r, s, 64)
		require.NoError(t, err)
		hist := make([]int, 64)
		for i := 0; i < 50000; i++ {
			v := z.Uint64()
			require.Less(t, v, uint64(64))
			hist[v]++
		}
		require.Greater(t, hist[0], hist[1], "s=%v", s)
		require.Greater(t, hist[1], hist[8], "s=%v", s)
	}

	_, err := NewZipf(rand.New(rand.NewPCG(1, 2)), 0, 10)
	require.Error(t, err)
	_, err = NewZipf(rand.New(rand.NewPCG(1, 2)), 1, 0)
	require.Error(t, err)
}

func TestGenerateIsDeterministic(t *testing.T) {
	for _, p := range []Pattern{Sequential, Random, Zipfian} {
		spec := Spec{
			Pattern:      p,
			TotalSize:    1 << 20,
			BufferSize:   1 << 18,
			RandomStart:  true,
			RandomSource: true,
			RandomDest:   true,
			ZipfS:        1.2,
			ZipfN:        1 << 12,
			Seed:         42,
		}
		a, err := Generate(testNS, spec)
		require.NoError(t, err)
		b, err := Generate(testNS, spec)
		require.NoError(t, err)
		require.Equal(t, a, b, "pattern %v", p)
	}
}

func TestSequential(t *testing.T) {
	ioSize := uint64(8192)
	allocs, err := Generate(testNS, Spec{
		Pattern:    Sequential,
		TotalSize:  64 * ioSize,
		IOSize:     ioSize,
		BufferSize: 4 * ioSize,
		StartLBA:   100,
	})
	require.NoError(t, err)
	require.Len(t, allocs, 64)
	perOp := ioSize / testNS.BlockSize
	for i, a := range allocs {
		require.Equal(t, 100+uint64(i)*perOp, a.LBA)
		require.Equal(t, (i%4)*int(ioSize), a.Start)
		require.Equal(t, int(ioSize), a.Len())
	}
}

func TestDoesNotFit(t *testing.T) {
	small := device.Namespace{ID: 1, Blocks: 100, BlockSize: 512}
	tests := []struct {
		name string
		spec Spec
	}{
		{"too large", Spec{Pattern: Sequential, TotalSize: 101 * 512, BufferSize: 512}},
		{"start past end", Spec{Pattern: Sequential, TotalSize: 10 * 512, BufferSize: 512, StartLBA: 95}},
		{"zipf population", Spec{Pattern: Zipfian, TotalSize: 10 * 512, BufferSize: 512, ZipfS: 1, ZipfN: 200}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Generate(small, tt.spec)
			require.True(t, errors.Is(err, ErrWorkloadDoesNotFit), "got %v", err)
		})
	}

	_, err := Generate(small, Spec{Pattern: Sequential, TotalSize: 100 * 512, BufferSize: 512, RandomStart: true})
	require.NoError(t, err)
}

func TestInvalidSpec(t *testing.T) {
	_, err := Generate(testNS, Spec{Pattern: Sequential, TotalSize: 4096, IOSize: 700, BufferSize: 4096})
	require.True(t, errors.Is(err, ErrInvalidSpec))
	_, err = Generate(testNS, Spec{Pattern: Sequential, TotalSize: 4096, BufferSize: 100})
	require.True(t, errors.Is(err, ErrInvalidSpec))
}

func TestParsePattern(t *testing.T) {
	for in, want := range map[string]Pattern{"seq": Sequential, "Random": Random, "zipf": Zipfian} {
		got, err := ParsePattern(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParsePattern("striped")
	require.Error(t, err)
}

func TestFillRandom(t *testing.T) {
	a := make([]byte, 1001)
	b := make([]byte, 1001)
	FillRandom(a, 1)
	FillRandom(b, 1)
	require.Equal(t, a, b)
	require.NotEqual(t, make([]byte, 1001), a)
}
