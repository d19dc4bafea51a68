package executor

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"tilemath/internal/apperrors"
	"tilemath/internal/job"
)

func gemmSpec() job.Spec {
	return job.Spec{Op: "gemm", M: 64, N: 64, K: 64, Dtype: "fp32", Repeats: 2, Seed: 7}
}

func TestGEMM_RealMode(t *testing.T) {
	t.Parallel()
	g := NewGEMM(Config{})

	res, err := g.Execute(context.Background(), gemmSpec())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Mode != job.ModeCPUGemm {
		t.Errorf("Expected mode %q, got %q", job.ModeCPUGemm, res.Mode)
	}
	if len(res.Checksum) != 64 {
		t.Errorf("Expected 64 hex checksum, got %q", res.Checksum)
	}
	if res.Mean == nil || res.Var == nil || res.L2 == nil {
		t.Fatalf("Expected mean/var/l2, got %+v", res)
	}
	if *res.Var <= 0 || *res.L2 <= 0 {
		t.Errorf("Expected positive var and l2, got %v %v", *res.Var, *res.L2)
	}
}

func TestGEMM_Deterministic(t *testing.T) {
	t.Parallel()
	g := NewGEMM(Config{})
	ctx := context.Background()

	specs := []job.Spec{
		gemmSpec(),
		{Op: "gemm", M: 16, N: 8, K: 32, Dtype: "fp16", Repeats: 1, Seed: 99},
		{Op: "gemm", M: 4096, N: 4096, K: 4096, Dtype: "fp32", Repeats: 1, Seed: 7, Simulate: true},
	}
	for _, spec := range specs {
		first, err := g.Execute(ctx, spec)
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		second, err := g.Execute(ctx, spec)
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if first.Checksum != second.Checksum {
			t.Errorf("Spec %+v: checksums differ %s vs %s", spec, first.Checksum, second.Checksum)
		}
	}
}

func TestGEMM_SeedAndDtypeChangeChecksum(t *testing.T) {
	t.Parallel()
	g := NewGEMM(Config{})
	ctx := context.Background()

	base, _ := g.Execute(ctx, gemmSpec())

	seeded := gemmSpec()
	seeded.Seed = 8
	other, _ := g.Execute(ctx, seeded)
	if other.Checksum == base.Checksum {
		t.Error("Expected different seeds to produce different checksums")
	}

	half := gemmSpec()
	half.Dtype = "fp16"
	fp16, _ := g.Execute(ctx, half)
	if fp16.Checksum == base.Checksum {
		t.Error("Expected fp16 to produce a different checksum than fp32")
	}
}

func TestGEMM_TilingDoesNotChangeResult(t *testing.T) {
	t.Parallel()
	g := NewGEMM(Config{})
	ctx := context.Background()

	plain, err := g.Execute(ctx, gemmSpec())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	tiled := gemmSpec()
	tiled.TileM, tiled.TileN, tiled.TileK = 16, 8, 5
	got, err := g.Execute(ctx, tiled)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got.Checksum != plain.Checksum {
		t.Errorf("Expected tiling to keep checksum %s, got %s", plain.Checksum, got.Checksum)
	}
}

func TestGEMM_SimulatedModes(t *testing.T) {
	t.Parallel()
	g := NewGEMM(Config{MaxRealElements: 1024})
	ctx := context.Background()

	tests := []struct {
		name string
		spec job.Spec
		mode string
	}{
		{"simulate flag", job.Spec{Op: "gemm", M: 4, N: 4, K: 4, Dtype: "fp32", Repeats: 1, Simulate: true}, job.ModeSimulated},
		{"large shape", job.Spec{Op: "gemm", M: 4096, N: 4096, K: 4096, Dtype: "fp32", Repeats: 1, Seed: 7, Simulate: true}, job.ModeSimulated},
		{"over threshold without flag", job.Spec{Op: "gemm", M: 64, N: 64, K: 64, Dtype: "fp32", Repeats: 1}, job.ModeSimulated},
		{"under threshold", job.Spec{Op: "gemm", M: 32, N: 32, K: 32, Dtype: "fp32", Repeats: 1}, job.ModeCPUGemm},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := g.Execute(ctx, tt.spec)
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if res.Mode != tt.mode {
				t.Errorf("Expected mode %q, got %q", tt.mode, res.Mode)
			}
			if res.Checksum == "" {
				t.Error("Expected non-empty checksum")
			}
			if tt.mode == job.ModeSimulated && (res.Mean != nil || res.Note == "") {
				t.Errorf("Expected simulated result with note and no stats, got %+v", res)
			}
		})
	}
}

func TestGEMM_LargeSimulatedIsFast(t *testing.T) {
	t.Parallel()
	g := NewGEMM(Config{})
	start := time.Now()
	if _, err := g.Execute(context.Background(), job.Spec{Op: "gemm", M: 1_000_000, N: 1_000_000, K: 1_000_000, Dtype: "fp16", Repeats: 10_000}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Expected simulated execution to skip compute, took %v", elapsed)
	}
}

func TestGEMM_ValidationError(t *testing.T) {
	t.Parallel()
	g := NewGEMM(Config{})
	_, err := g.Execute(context.Background(), job.Spec{Op: "gemm", M: 0, N: 4, K: 4, Dtype: "fp32", Repeats: 1})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected ErrValidation, got %v", err)
	}
}

func TestGEMM_ContextCancelled(t *testing.T) {
	t.Parallel()
	g := NewGEMM(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Execute(ctx, gemmSpec())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestMatmul_KnownProduct(t *testing.T) {
	t.Parallel()
	// [1 2; 3 4] x [5 6; 7 8] = [19 22; 43 50]
	a := []float32{1, 2, 3, 4}
	b := []float32{5, 6, 7, 8}
	c := make([]float32, 4)
	if err := matmul(context.Background(), a, b, c, 2, 2, 2, 1, 1, 1); err != nil {
		t.Fatalf("matmul() error = %v", err)
	}
	want := []float32{19, 22, 43, 50}
	for i := range want {
		if c[i] != want[i] {
			t.Errorf("c[%d] = %v, want %v", i, c[i], want[i])
		}
	}
}

func TestUniformRange(t *testing.T) {
	t.Parallel()
	for i := 0; i < 10_000; i++ {
		v := uniform(12345, i)
		if v < -0.5 || v > 0.5 || math.IsNaN(v) {
			t.Fatalf("uniform(%d) = %v out of range", i, v)
		}
	}
	if uniform(1, 5) != uniform(1, 5) {
		t.Error("Expected uniform to be deterministic")
	}
}

func TestConfigWithDefaults(t *testing.T) {
	t.Parallel()
	if got := (Config{}).withDefaults().MaxRealElements; got != 128*128 {
		t.Errorf("Expected default 16384, got %d", got)
	}
	if got := (Config{MaxRealElements: 10}).withDefaults().MaxRealElements; got != 10 {
		t.Errorf("Expected 10 preserved, got %d", got)
	}
}
