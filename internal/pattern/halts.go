package pattern

import (
	"github.com/paulmach/orb"

	"gtfs-pattern-editor/internal/geom"
	"gtfs-pattern-editor/internal/gtfs"
)

// RecomputeHaltDistances returns a copy of halts where every halt at index
// from or later is re-measured against shape. Each halt is only searched for
// beyond the previous halt, so distances come out non-decreasing and clamped
// to the shape.
func RecomputeHaltDistances(shape orb.LineString, halts []gtfs.PatternHalt, from int) []gtfs.PatternHalt {
	out := append([]gtfs.PatternHalt(nil), halts...)
	if len(out) == 0 {
		return out
	}
	total := geom.TotalLength(shape)
	from = max(from, 0)

	lower := 0.0
	if from > 0 && from <= len(out) {
		lower = clamp(out[from-1].ShapeDistTraveled(), 0, total)
	}
	for i := from; i < len(out); i++ {
		d := geom.DistanceAlongInRange(shape, out[i].Position(), lower, total)
		if d < lower {
			d = lower
		}
		out[i] = out[i].WithShapeDistTraveled(d)
		lower = d
	}
	return out
}

// SyncHaltDistances copies the distance of each permanent control point onto
// its halt. Control points and halts are matched in order so a stop visited
// twice keeps two distinct distances.
func SyncHaltDistances(halts []gtfs.PatternHalt, cps []gtfs.ControlPoint) []gtfs.PatternHalt {
	out := append([]gtfs.PatternHalt(nil), halts...)
	j := 0
	for i, h := range out {
		for k := j; k < len(cps); k++ {
			if cps[k].Permanent && cps[k].HaltID == h.ID() {
				out[i] = h.WithShapeDistTraveled(cps[k].Distance)
				j = k + 1
				break
			}
		}
	}
	return out
}

// HaltIndex returns the index in halts of the halt owning the permanent
// control point at cpIndex, or -1.
func HaltIndex(halts []gtfs.PatternHalt, cps []gtfs.ControlPoint, cpIndex int) int {
	if cpIndex < 0 || cpIndex >= len(cps) || !cps[cpIndex].Permanent {
		return -1
	}
	nth := 0
	for i := 0; i < cpIndex; i++ {
		if cps[i].Permanent {
			nth++
		}
	}
	if nth < len(halts) && halts[nth].ID() == cps[cpIndex].HaltID {
		return nth
	}
	for i, h := range halts {
		if h.ID() == cps[cpIndex].HaltID {
			return i
		}
	}
	return -1
}

// RemoveHalt returns a copy of halts without the halt at index.
func RemoveHalt(halts []gtfs.PatternHalt, index int) []gtfs.PatternHalt {
	if index < 0 || index >= len(halts) {
		return append([]gtfs.PatternHalt(nil), halts...)
	}
	out := make([]gtfs.PatternHalt, 0, len(halts)-1)
	out = append(out, halts[:index]...)
	return append(out, halts[index+1:]...)
}
