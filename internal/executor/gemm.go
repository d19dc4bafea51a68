package executor

import (
	"context"
	"fmt"
	"math"

	"github.com/x448/float16"

	"tilemath/internal/job"
)

// bOffset separates B's random stream from A's.
const bOffset = 10_000_000

// GEMM computes small products on the CPU and simulates large ones.
type GEMM struct {
	maxReal int64
}

var _ Executor = (*GEMM)(nil)

// NewGEMM creates a GEMM executor.
func NewGEMM(cfg Config) *GEMM {
	cfg = cfg.withDefaults()
	return &GEMM{maxReal: cfg.MaxRealElements}
}

// Execute validates spec and runs it in the mode its shape allows.
func (g *GEMM) Execute(ctx context.Context, spec job.Spec) (*job.ResultSummary, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.Simulate {
		return simulate(spec, "simulate=true requested; set simulate=false for small shapes to run the CPU GEMM")
	}
	if !g.fits(spec) {
		return simulate(spec, fmt.Sprintf("shape exceeds the %d element real-compute limit", g.maxReal))
	}
	return g.compute(ctx, spec)
}

func (g *GEMM) fits(spec job.Spec) bool {
	a, b, c := spec.Elements()
	return a <= g.maxReal && b <= g.maxReal && c <= g.maxReal
}

func simulate(spec job.Spec, note string) (*job.ResultSummary, error) {
	sum, err := job.Checksum(spec.Fields())
	if err != nil {
		return nil, err
	}
	return &job.ResultSummary{Mode: job.ModeSimulated, Checksum: sum, Note: note}, nil
}

func (g *GEMM) compute(ctx context.Context, spec job.Spec) (*job.ResultSummary, error) {
	m, n, k := spec.M, spec.N, spec.K
	round := roundFunc(spec.Dtype)

	a := make([]float32, m*k)
	for i := range a {
		a[i] = round(float32(uniform(spec.Seed, i)))
	}
	b := make([]float32, k*n)
	for i := range b {
		b[i] = round(float32(uniform(spec.Seed, bOffset+i)))
	}
	c := make([]float32, m*n)

	tm, tn, tk := tileOrFull(spec.TileM, m), tileOrFull(spec.TileN, n), tileOrFull(spec.TileK, k)
	for r := 0; r < spec.Repeats; r++ {
		clear(c)
		if err := matmul(ctx, a, b, c, m, n, k, tm, tn, tk); err != nil {
			return nil, err
		}
	}
	for i := range c {
		c[i] = round(c[i])
	}

	mean, variance, l2 := stats(c)
	sum, err := job.Checksum(map[string]any{
		"op":      spec.Op,
		"dtype":   spec.Dtype,
		"m":       m,
		"n":       n,
		"k":       k,
		"seed":    spec.Seed,
		"repeats": spec.Repeats,
		"mean":    mean,
		"var":     variance,
		"l2":      l2,
	})
	if err != nil {
		return nil, err
	}
	return &job.ResultSummary{
		Mode:     job.ModeCPUGemm,
		Checksum: sum,
		Mean:     &mean,
		Var:      &variance,
		L2:       &l2,
	}, nil
}

// matmul accumulates c += a*b in blocks. Each element is summed in ascending
// kk order regardless of tile sizes, so tiling never changes the result. The
// explicit float32 conversion keeps the compiler from fusing into FMA.
func matmul(ctx context.Context, a, b, c []float32, m, n, k, tm, tn, tk int) error {
	for i0 := 0; i0 < m; i0 += tm {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("gemm interrupted: %w", err)
		}
		i1 := min(i0+tm, m)
		for j0 := 0; j0 < n; j0 += tn {
			j1 := min(j0+tn, n)
			for k0 := 0; k0 < k; k0 += tk {
				k1 := min(k0+tk, k)
				for i := i0; i < i1; i++ {
					row := i * k
					for j := j0; j < j1; j++ {
						s := c[i*n+j]
						for kk := k0; kk < k1; kk++ {
							s += float32(a[row+kk] * b[kk*n+j])
						}
						c[i*n+j] = s
					}
				}
			}
		}
	}
	return nil
}

func tileOrFull(tile, dim int) int {
	if tile <= 0 {
		return dim
	}
	return tile
}

func roundFunc(dtype string) func(float32) float32 {
	if dtype == job.DtypeFP16 {
		return func(v float32) float32 { return float16.Fromfloat32(v).Float32() }
	}
	return func(v float32) float32 { return v }
}

// uniform returns a deterministic value in [-0.5, 0.5] for index i.
func uniform(seed int64, i int) float64 {
	const mask = 0xFFFFFFFF
	x := (uint64(seed) ^ (uint64(i) * 0x9E3779B9)) & mask
	x ^= (x << 13) & mask
	x ^= (x >> 17) & mask
	x ^= (x << 5) & mask
	return float64(x)/mask - 0.5
}

func stats(c []float32) (mean, variance, l2 float64) {
	n := float64(len(c))
	var sum, sq float64
	for _, v := range c {
		sum += float64(v)
		sq += float64(v) * float64(v)
	}
	mean = sum / n
	for _, v := range c {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= n
	l2 = math.Sqrt(sq)
	return mean, variance, l2
}
