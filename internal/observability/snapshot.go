package observability

import (
	"context"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Snapshot is a point-in-time view of the job counters and latency histogram.
type Snapshot struct {
	Submitted int64             `json:"submitted"`
	Completed map[string]int64  `json:"completed"` // keyed by lowercase terminal state
	Processed int64             `json:"processed"` // completions of jobs submitted elsewhere
	EndToEnd  HistogramSnapshot `json:"end_to_end_ms"`
}

// CompletedTotal sums completions across states.
func (s Snapshot) CompletedTotal() int64 {
	var total int64
	for _, n := range s.Completed {
		total += n
	}
	return total
}

// HistogramSnapshot holds non-cumulative bucket counts. Counts has one more
// entry than Bounds; the last is the +Inf bucket.
type HistogramSnapshot struct {
	Bounds []float64 `json:"bounds"`
	Counts []uint64  `json:"counts"`
	Count  uint64    `json:"count"`
	Sum    float64   `json:"sum"`
}

// Snapshot collects the current values, aggregated across attribute sets.
func (m *Metrics) Snapshot(ctx context.Context) (Snapshot, error) {
	var rm metricdata.ResourceMetrics
	if err := m.reader.Collect(ctx, &rm); err != nil {
		return Snapshot{}, fmt.Errorf("collect metrics: %w", err)
	}

	snap := Snapshot{Completed: map[string]int64{}}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			switch md.Name {
			case "jobs_submitted":
				snap.Submitted += sumInt64(md.Data)
			case "jobs_completed":
				sum, ok := md.Data.(metricdata.Sum[int64])
				if !ok {
					continue
				}
				for _, dp := range sum.DataPoints {
					state, _ := dp.Attributes.Value(attrState)
					snap.Completed[state.AsString()] += dp.Value
				}
			case "jobs_processed":
				snap.Processed += sumInt64(md.Data)
			case "job_end_to_end_ms":
				snap.EndToEnd = mergeHistogram(md.Data)
			}
		}
	}
	return snap, nil
}

func sumInt64(data metricdata.Aggregation) int64 {
	sum, ok := data.(metricdata.Sum[int64])
	if !ok {
		return 0
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func mergeHistogram(data metricdata.Aggregation) HistogramSnapshot {
	var out HistogramSnapshot
	hist, ok := data.(metricdata.Histogram[float64])
	if !ok {
		return out
	}
	for _, dp := range hist.DataPoints {
		if out.Bounds == nil {
			out.Bounds = slices.Clone(dp.Bounds)
			out.Counts = make([]uint64, len(dp.BucketCounts))
		}
		for i, c := range dp.BucketCounts {
			if i < len(out.Counts) {
				out.Counts[i] += c
			}
		}
		out.Count += dp.Count
		out.Sum += dp.Sum
	}
	return out
}
