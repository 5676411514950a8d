package format

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kestrel-io/hitprof/internal/profiling"
	"github.com/kestrel-io/hitprof/internal/sampler"
)

// ErrReservedBucket is returned when a caller attempts to format or
// register the reserved "header" bucket key as an application bucket.
var ErrReservedBucket = errors.New("format: \"header\" is a reserved bucket key")

// Verbosity selects which of the three formatter outputs is produced.
type Verbosity string

const (
	VerbosityLog   Verbosity = "log"
	VerbosityBrief Verbosity = "brief"
	VerbosityFull  Verbosity = "full"
)

const dateTimeLayout = "2006-01-02 15:04:05"

// Row is one line of the full bucket table, carrying the display flags
// that the raw Stats value does not.
type Row struct {
	Stats     profiling.Stats
	IsCurrent bool
}

// BuildRows wraps sorted stats into display rows, marking currentKey (if
// non-empty) as the active row.
func BuildRows(bucket string, rows []profiling.Stats, currentKey string) ([]Row, error) {
	if bucket == "header" {
		return nil, ErrReservedBucket
	}
	out := make([]Row, len(rows))
	for i, s := range rows {
		out[i] = Row{Stats: s, IsCurrent: currentKey != "" && s.Key == currentKey}
	}
	return out, nil
}

// FormatLog renders the single-line log verbosity variant:
// "<wall clock> [<bucket>] <key> − <title>".
func FormatLog(bucket, key, title string, at time.Time) string {
	return fmt.Sprintf("%s [%s] %s − %s", at.Format(dateTimeLayout), bucket, key, title)
}

// HitSubheader is the per-hit delta row shown above the current row in the
// brief and full variants: deltaLN, →LN, LN→, deltaN, →N, N→, deltaOpen,
// →open, open→, duration, CPU%.
type HitSubheader struct {
	DeltaLocalIndex int64
	FromLocalIndex  int64
	ToLocalIndex    int64

	DeltaIndex int64
	FromIndex  int64
	ToIndex    int64

	DeltaOpen int64
	FromOpen  int64
	ToOpen    int64

	DurationMs float64
	CPUPercent float64
}

// BuildHitSubheader derives the delta row from a just-closed Hit and the
// fresh Stats snapshot for its target.
func BuildHitSubheader(hit *profiling.Hit, stats profiling.Stats) HitSubheader {
	var durationMs, cpuPercent float64
	if hit.ExecStats != nil {
		durationMs = float64(hit.ExecStats.ElapsedNs) / 1e6
	}
	if hit.MachineStats != nil {
		cpuPercent = hit.MachineStats.MaxCPUPercent
	}

	toOpen := stats.HitCount - stats.Count
	fromOpen := hit.OpenHitsAtOpen

	return HitSubheader{
		DeltaLocalIndex: 1,
		FromLocalIndex:  hit.LocalIndex - 1,
		ToLocalIndex:    hit.LocalIndex,

		DeltaIndex: 1,
		FromIndex:  hit.Index - 1,
		ToIndex:    hit.Index,

		DeltaOpen: toOpen - fromOpen,
		FromOpen:  fromOpen,
		ToOpen:    toOpen,

		DurationMs: durationMs,
		CPUPercent: cpuPercent,
	}
}

func (h HitSubheader) String() string {
	return fmt.Sprintf(
		"ΔLN=%d →LN=%d LN→=%d ΔN=%d →N=%d N→=%d Δopen=%d →open=%d open→=%d duration=%.2fms CPU=%.1f%%",
		h.DeltaLocalIndex, h.FromLocalIndex, h.ToLocalIndex,
		h.DeltaIndex, h.FromIndex, h.ToIndex,
		h.DeltaOpen, h.FromOpen, h.ToOpen,
		h.DurationMs, h.CPUPercent,
	)
}

var fullColumns = []string{
	"key", "count", "discrepancy", "minMs", "avgMs", "maxMs", "totalMs",
	"maxDateTime", "avgCpu%", "minAvgOsCpu%", "avgAvgOsCpu%", "maxAvgOsCpu%",
}

func formatRow(r Row) string {
	s := r.Stats
	flag := " "
	if s.Discrepancy > 0 {
		flag = "!!!"
	}
	marker := " "
	if r.IsCurrent {
		marker = ">"
	}
	maxAt := ""
	if !s.MaxAt.IsZero() {
		maxAt = s.MaxAt.Format(dateTimeLayout)
	}
	return fmt.Sprintf(
		"%s%s %-24s %8d %8d %10.3f %10.3f %10.3f %12d %19s %8.2f %8.2f %8.2f %8.2f",
		marker, flag, s.Key,
		s.Count, s.Discrepancy,
		float64(s.MinNs)/1e6, s.AvgNs/1e6, float64(s.MaxNs)/1e6,
		s.TotalMs, maxAt,
		s.AvgCPU, s.MinAvgOSCPU, s.AvgAvgOSCPU, s.MaxAvgOSCPU,
	)
}

// FormatFull renders the header line and the full bucket table.
func FormatFull(bucket string, rows []Row) (string, error) {
	if bucket == "header" {
		return "", ErrReservedBucket
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n", bucket)
	fmt.Fprintln(&b, strings.Join(fullColumns, " "))
	if len(rows) == 0 {
		return b.String(), nil
	}
	for _, r := range rows {
		b.WriteString(formatRow(r))
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// MachinePanel renders the machine-stats panel shown at the top of the
// brief variant.
func MachinePanel(snap sampler.Snapshot, avgs sampler.RollingAverages) string {
	return fmt.Sprintf(
		"uptime=%s heap=%s/%s osLoad=%.2f/%.2f/%.2f cpu10s=%.1f%% cpu1m=%.1f%% cpu5m=%.1f%% cpu15m=%.1f%%",
		snap.ProcessUptime.Round(time.Second),
		humanBytes(snap.HeapUsedBytes), humanBytes(snap.HeapTotalBytes),
		snap.OSLoad1, snap.OSLoad5, snap.OSLoad15,
		avgs.Avg10s, avgs.Avg1m, avgs.Avg5m, avgs.Avg15m,
	)
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// FormatBrief renders the machine panel, the hit subheader, and the single
// current row of the bucket's table.
func FormatBrief(bucket string, snap sampler.Snapshot, avgs sampler.RollingAverages, sub HitSubheader, current Row) (string, error) {
	if bucket == "header" {
		return "", ErrReservedBucket
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n", bucket)
	b.WriteString(MachinePanel(snap, avgs))
	b.WriteByte('\n')
	b.WriteString(sub.String())
	b.WriteByte('\n')
	b.WriteString(strings.Join(fullColumns, " "))
	b.WriteByte('\n')
	b.WriteString(formatRow(current))
	b.WriteByte('\n')
	return b.String(), nil
}
