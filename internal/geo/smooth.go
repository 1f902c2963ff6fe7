package geo

import (
	"context"
	"time"

	"github.com/example/ride-coordinator/internal/models"
)

// Marker smoothing: a new raw sample is approached in SmoothSteps ticks of
// SmoothInterval instead of jumping.
const (
	SmoothSteps    = 20
	SmoothInterval = 50 * time.Millisecond
)

// SmoothPath returns the intermediate positions from a to b, excluding a and
// ending exactly at b.
func SmoothPath(a, b models.Coord, steps int) []models.Coord {
	if steps <= 0 {
		return []models.Coord{b}
	}
	out := make([]models.Coord, 0, steps)
	for i := 1; i <= steps; i++ {
		out = append(out, Interpolate(a, b, float64(i)/float64(steps)))
	}
	return out
}

// Smooth emits SmoothPath(a, b, steps) on a fixed-rate ticker. It returns early
// with ctx.Err() if ctx is cancelled, leaving the marker mid-way.
func Smooth(ctx context.Context, a, b models.Coord, steps int, interval time.Duration, emit func(models.Coord)) error {
	path := SmoothPath(a, b, steps)
	if interval <= 0 {
		for _, c := range path {
			emit(c)
		}
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for _, c := range path {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			emit(c)
		}
	}
	return nil
}
