package job

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"

	"tilemath/internal/apperrors"
)

// Validation limits
const (
	OpGemm = "gemm"

	DtypeFP16 = "fp16"
	DtypeFP32 = "fp32"

	maxDim     = 1_000_000
	maxRepeats = 10_000
	maxSeed    = 1<<31 - 1
	maxTile    = 256
)

var (
	supportedOps    = []string{OpGemm}
	supportedDtypes = []string{DtypeFP16, DtypeFP32}
)

// WithDefaults returns a copy of the spec with unspecified fields filled in.
func (s Spec) WithDefaults() Spec {
	if s.Op == "" {
		s.Op = OpGemm
	}
	if s.Dtype == "" {
		s.Dtype = DtypeFP32
	}
	if s.Repeats == 0 {
		s.Repeats = 1
	}
	return s
}

// Validate checks the spec against the supported ranges. Does not modify the spec.
func (s Spec) Validate() error {
	if !slices.Contains(supportedOps, s.Op) {
		return apperrors.Validation("op", fmt.Sprintf("unsupported op %q", s.Op))
	}
	for _, d := range []struct {
		field string
		value int
	}{{"m", s.M}, {"n", s.N}, {"k", s.K}} {
		if d.value < 1 || d.value > maxDim {
			return apperrors.Validation(d.field, fmt.Sprintf("%s must be between 1 and %d", d.field, maxDim))
		}
	}
	if !slices.Contains(supportedDtypes, s.Dtype) {
		return apperrors.Validation("dtype", fmt.Sprintf("unsupported dtype %q", s.Dtype))
	}
	if s.Repeats < 1 || s.Repeats > maxRepeats {
		return apperrors.Validation("repeats", fmt.Sprintf("repeats must be between 1 and %d", maxRepeats))
	}
	if s.Seed < 0 || s.Seed > maxSeed {
		return apperrors.Validation("seed", fmt.Sprintf("seed must be between 0 and %d", maxSeed))
	}
	for _, tile := range []struct {
		field string
		value int
	}{{"tile_m", s.TileM}, {"tile_n", s.TileN}, {"tile_k", s.TileK}} {
		if tile.value < 0 || tile.value > maxTile {
			return apperrors.Validation(tile.field, fmt.Sprintf("%s must be between 0 and %d", tile.field, maxTile))
		}
	}
	return nil
}

// Elements returns the element counts of A (m*k), B (k*n) and C (m*n).
func (s Spec) Elements() (a, b, c int64) {
	m, n, k := int64(s.M), int64(s.N), int64(s.K)
	return m * k, k * n, m * n
}

// Fields returns the fields that define the computation. Tiles are excluded
// since they select a loop order, not a result.
func (s Spec) Fields() map[string]any {
	return map[string]any{
		"op":       s.Op,
		"m":        s.M,
		"n":        s.N,
		"k":        s.K,
		"dtype":    s.Dtype,
		"repeats":  s.Repeats,
		"seed":     s.Seed,
		"simulate": s.Simulate,
	}
}

// Checksum returns the sha256 hex digest of the compact JSON encoding of
// payload. encoding/json sorts map keys, so equal payloads hash equally.
func Checksum(payload map[string]any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode checksum payload: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
