// Package format turns a bucket's sorted Stats projection into the
// log/brief/full text variants written by FileLogger. Grounded on the
// plain-text table rendering in evanoooo-vstats/server-go's
// handlers_stats.go, adapted to a column model instead of a dashboard JSON
// payload.
package format

import (
	"sort"
	"time"

	"github.com/kestrel-io/hitprof/internal/events"
	"github.com/kestrel-io/hitprof/internal/profiling"
)

// SortColumn names a recognized bucket-table sort key.
type SortColumn string

const (
	ColumnCount       SortColumn = "count"
	ColumnDiscrepancy SortColumn = "discrepancy"
	ColumnMinMs       SortColumn = "minMs"
	ColumnAvgMs       SortColumn = "avgMs"
	ColumnMaxMs       SortColumn = "maxMs"
	ColumnTotalSec    SortColumn = "totalSec"
	ColumnTotalMs     SortColumn = "totalMs"
	ColumnAvgCPU      SortColumn = "avgCpu"
	ColumnMinAvgOSCPU SortColumn = "minAvgOsCpu"
	ColumnAvgAvgOSCPU SortColumn = "avgAvgOsCpu"
	ColumnMaxAvgOSCPU SortColumn = "maxAvgOsCpu"

	DefaultSortColumn = ColumnMaxMs
)

func columnValue(s profiling.Stats, col SortColumn) (float64, bool) {
	switch col {
	case ColumnCount:
		return float64(s.Count), true
	case ColumnDiscrepancy:
		return float64(s.Discrepancy), true
	case ColumnMinMs:
		return float64(s.MinNs) / 1e6, true
	case ColumnAvgMs:
		return s.AvgNs / 1e6, true
	case ColumnMaxMs:
		return float64(s.MaxNs) / 1e6, true
	case ColumnTotalSec:
		return float64(s.TotalMs) / 1000, true
	case ColumnTotalMs:
		return float64(s.TotalMs), true
	case ColumnAvgCPU:
		return s.AvgCPU, true
	case ColumnMinAvgOSCPU:
		return s.MinAvgOSCPU, true
	case ColumnAvgAvgOSCPU:
		return s.AvgAvgOSCPU, true
	case ColumnMaxAvgOSCPU:
		return s.MaxAvgOSCPU, true
	default:
		return 0, false
	}
}

// SortRows orders rows descending by col. An unrecognized column compares
// as 0 for every row and reports bus exactly once per call (the caller is
// expected to call this once per bucket per flush).
func SortRows(rows []profiling.Stats, col SortColumn, bus *events.Bus) []profiling.Stats {
	out := make([]profiling.Stats, len(rows))
	copy(out, rows)

	reported := false
	value := func(s profiling.Stats) float64 {
		v, ok := columnValue(s, col)
		if !ok {
			if !reported && bus != nil {
				bus.Error(events.SortError, "unknown sort column: "+string(col), nil)
				reported = true
			}
			return 0
		}
		return v
	}

	sort.SliceStable(out, func(i, j int) bool {
		return value(out[i]) > value(out[j])
	})
	return out
}

// BucketProjection pairs one bucket's sorted table with the time it was
// taken. collector.Local does not build one; it carries its projection
// as a plain []profiling.Stats.
type BucketProjection struct {
	Bucket string
	Rows   []profiling.Stats
	Taken  time.Time
}
