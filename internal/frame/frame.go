// Package frame produces the ordered timestamp sequence a backtest walks.
package frame

import (
	"fmt"
	"time"

	"strategy-engine/pkg/types"
)

// Generate returns every step timestamp in [start, end), stepped by interval.
// The first element equals start; the last is strictly before end. The result
// is fully materialized up front so the backtest loop reads no wall clock.
func Generate(start, end time.Time, interval types.Interval) ([]time.Time, error) {
	if !interval.Valid() {
		return nil, fmt.Errorf("%w: unsupported frame interval %q", types.ErrConfig, interval)
	}
	if !start.Before(end) {
		return nil, fmt.Errorf("%w: frame start %s is not before end %s", types.ErrConfig, start, end)
	}

	step := interval.Duration()
	n := int(end.Sub(start) / step)
	if end.Sub(start)%step != 0 {
		n++
	}

	frames := make([]time.Time, 0, n)
	for ts := start; ts.Before(end); ts = ts.Add(step) {
		frames = append(frames, ts)
	}
	return frames, nil
}
