// internal/chart/chart.go
package chart

import (
	"fmt"
	"strings"

	"repo-activity-chart/internal/model"
)

// Dimensions controls the rendered SVG canvas size and padding.
type Dimensions struct {
	Width   int
	Height  int
	Padding int
}

// DefaultDimensions matches a typical inline-chart footprint.
var DefaultDimensions = Dimensions{Width: 960, Height: 320, Padding: 32}

// series colors, one per rendered line.
const (
	colorIssuesCreated = "#2f81f7"
	colorIssuesClosed  = "#8957e5"
	colorPRsOpen       = "#3fb950"
	colorPRsClosed     = "#db6d28"
	colorPRsMerged     = "#a371f7"
	colorNetActive     = "#e3b341"
)

// Render draws a per-day activity timeline as an SVG document. Snapshots
// must already be sorted ascending by date; Render does not re-sort.
func Render(snapshots []model.Snapshot, dims Dimensions) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">`,
		dims.Width, dims.Height, dims.Width, dims.Height)
	fmt.Fprintf(&b, `<rect width="%d" height="%d" fill="#0d1117"/>`, dims.Width, dims.Height)

	if len(snapshots) < 2 {
		b.WriteString(`<text x="16" y="24" fill="#8b949e" font-family="sans-serif" font-size="14">not enough data</text>`)
		b.WriteString(`</svg>`)
		return b.String()
	}

	plotW := float64(dims.Width - 2*dims.Padding)
	plotH := float64(dims.Height - 2*dims.Padding)

	maxVal, minVal := seriesBounds(snapshots)

	x := func(i int) float64 {
		return float64(dims.Padding) + plotW*float64(i)/float64(len(snapshots)-1)
	}
	y := func(v int64) float64 {
		if maxVal == minVal {
			return float64(dims.Padding) + plotH/2
		}
		frac := float64(v-minVal) / float64(maxVal-minVal)
		return float64(dims.Padding) + plotH*(1-frac)
	}

	drawLine(&b, snapshots, x, y, colorIssuesCreated, func(c model.CountTuple) int64 { return c.IssuesCreatedBefore })
	drawLine(&b, snapshots, x, y, colorIssuesClosed, func(c model.CountTuple) int64 { return c.IssuesClosedBefore })
	drawLine(&b, snapshots, x, y, colorPRsOpen, func(c model.CountTuple) int64 { return c.PRsCreatedBefore })
	drawLine(&b, snapshots, x, y, colorPRsClosed, func(c model.CountTuple) int64 { return c.PRsClosedBefore })
	drawLine(&b, snapshots, x, y, colorPRsMerged, func(c model.CountTuple) int64 { return c.PRsMergedBefore })
	drawLine(&b, snapshots, x, y, colorNetActive, func(c model.CountTuple) int64 { return c.NetActive() })

	b.WriteString(`</svg>`)
	return b.String()
}

func seriesBounds(snapshots []model.Snapshot) (max, min int64) {
	first := snapshots[0].Counts
	max = first.IssuesCreatedBefore
	min = first.NetActive()
	for _, snap := range snapshots {
		for _, v := range []int64{
			snap.Counts.IssuesCreatedBefore, snap.Counts.IssuesClosedBefore,
			snap.Counts.PRsCreatedBefore, snap.Counts.PRsClosedBefore,
			snap.Counts.PRsMergedBefore, snap.Counts.NetActive(),
		} {
			if v > max {
				max = v
			}
			if v < min {
				min = v
			}
		}
	}
	return max, min
}

func drawLine(b *strings.Builder, snapshots []model.Snapshot, x func(int) float64, y func(int64) float64, color string, pick func(model.CountTuple) int64) {
	b.WriteString(`<polyline fill="none" stroke="`)
	b.WriteString(color)
	b.WriteString(`" stroke-width="2" points="`)
	for i, snap := range snapshots {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(b, "%.2f,%.2f", x(i), y(pick(snap.Counts)))
	}
	b.WriteString(`"/>`)
}
