// internal/fetcher/fetcher.go
package fetcher

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"repo-activity-chart/internal/model"
)

// CountsProber is the subset of the upstream batch client the fetcher needs.
// CountsAt probes C(d) for each date in dates, len(dates) bounded by the
// client's own MAX_BATCH; the fetcher never exceeds that bound in a single
// call because it chunks itself (see probeDates).
type CountsProber interface {
	CountsAt(ctx context.Context, owner, name string, dates []time.Time) (map[string]model.CountTuple, error)
}

// Config holds the subdivision tunables.
type Config struct {
	Threshold       int64
	MaxIntervalDays int
	MinIntervalDays int
	MaxBatch        int
}

// Fetcher implements the segment-subdivision algorithm that discovers a
// dense, piecewise-monotone timeline with the minimum number of upstream
// probes.
type Fetcher struct {
	client CountsProber
	cfg    Config
	logger *slog.Logger
}

func New(client CountsProber, cfg Config, logger *slog.Logger) *Fetcher {
	return &Fetcher{client: client, cfg: cfg, logger: logger}
}

type segment struct {
	start      time.Time
	startCount model.CountTuple
	end        time.Time
	endCount   model.CountTuple
}

func (s segment) days() int {
	return int(s.end.Sub(s.start).Hours() / 24)
}

// shouldSubdivide reports whether a segment's count delta or span is wide
// enough that it still needs splitting.
func (s segment) shouldSubdivide(cfg Config) bool {
	if s.days() <= cfg.MinIntervalDays {
		return false
	}
	delta := s.startCount.MaxComponentDelta(s.endCount)
	return delta > cfg.Threshold || s.days() > cfg.MaxIntervalDays
}

// mid computes the UTC-day-floored midpoint in milliseconds: date
// arithmetic is done in UTC milliseconds, floored to the day.
func (s segment) mid() time.Time {
	startMs := s.start.UnixMilli()
	endMs := s.end.UnixMilli()
	midMs := startMs + (endMs-startMs)/2
	day := time.UnixMilli(midMs).UTC()
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
}

// Discover runs the segment-subdivision algorithm over [start, end] and
// returns every resolved point sorted ascending by date.
func (f *Fetcher) Discover(ctx context.Context, owner, name string, start, end time.Time) ([]model.Snapshot, error) {
	start = dayFloor(start)
	end = dayFloor(end)

	known := make(map[string]model.CountTuple)

	endpoints := []time.Time{start}
	if !end.Equal(start) {
		endpoints = append(endpoints, end)
	}
	probed, err := f.probeDates(ctx, owner, name, endpoints)
	if err != nil {
		return nil, err
	}
	for k, v := range probed {
		known[k] = v
	}

	startKey := isoKey(start)
	endKey := isoKey(end)
	startCount, haveStart := known[startKey]
	endCount, haveEnd := known[endKey]
	if !haveStart || !haveEnd {
		return snapshotsFromKnown(known), nil
	}

	active := []segment{{start: start, startCount: startCount, end: end, endCount: endCount}}

	for {
		var toSplit []int
		for i, s := range active {
			if s.shouldSubdivide(f.cfg) {
				toSplit = append(toSplit, i)
			}
		}
		if len(toSplit) == 0 {
			break
		}

		midSet := map[string]time.Time{}
		for _, i := range toSplit {
			s := active[i]
			m := s.mid()
			if m.Equal(s.start) {
				continue // terminal: flooring collapsed to start, prevents infinite loop
			}
			key := isoKey(m)
			if _, ok := known[key]; !ok {
				midSet[key] = m
			}
		}

		if len(midSet) > 0 {
			var dates []time.Time
			for _, m := range midSet {
				dates = append(dates, m)
			}
			probed, err := f.probeDates(ctx, owner, name, dates)
			if err != nil {
				return nil, err
			}
			for k, v := range probed {
				known[k] = v
			}
		}

		splitSet := make(map[int]bool, len(toSplit))
		for _, i := range toSplit {
			splitSet[i] = true
		}

		var next []segment
		for i, s := range active {
			if !splitSet[i] {
				next = append(next, s)
				continue
			}
			m := s.mid()
			mKey := isoKey(m)
			mCount, ok := known[mKey]
			if m.Equal(s.start) || !ok {
				// terminal despite large delta: midpoint collapsed to start
				// or its probe failed to resolve. It leaves the active set so
				// it is never selected for subdivision again.
				continue
			}
			next = append(next,
				segment{start: s.start, startCount: s.startCount, end: m, endCount: mCount},
				segment{start: m, startCount: mCount, end: s.end, endCount: s.endCount},
			)
		}
		active = next
	}

	return snapshotsFromKnown(known), nil
}

// probeDates chunks dates into batches of at most MaxBatch and executes
// them through the upstream client, merging results keyed by ISO date.
func (f *Fetcher) probeDates(ctx context.Context, owner, name string, dates []time.Time) (map[string]model.CountTuple, error) {
	result := make(map[string]model.CountTuple, len(dates))
	for start := 0; start < len(dates); start += f.cfg.MaxBatch {
		end := start + f.cfg.MaxBatch
		if end > len(dates) {
			end = len(dates)
		}
		chunk := dates[start:end]
		counts, err := f.client.CountsAt(ctx, owner, name, chunk)
		if err != nil {
			return nil, err
		}
		requested := make(map[string]bool, len(chunk))
		for _, d := range chunk {
			requested[isoKey(d)] = true
		}
		for k, v := range counts {
			if !requested[k] {
				continue // upstream returned a date outside the request; ignore it
			}
			result[k] = v
		}
	}
	return result, nil
}

func snapshotsFromKnown(known map[string]model.CountTuple) []model.Snapshot {
	out := make([]model.Snapshot, 0, len(known))
	for k, v := range known {
		d, err := time.Parse("2006-01-02", k)
		if err != nil {
			continue
		}
		out = append(out, model.Snapshot{Date: d, Counts: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

func isoKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func dayFloor(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
