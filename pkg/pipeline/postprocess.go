package pipeline

import (
	"cmp"
	"maps"
	"slices"

	"github.com/ritzau/nucleus-tracker/pkg/experiment"
	"github.com/ritzau/nucleus-tracker/pkg/metadata"
	"github.com/ritzau/nucleus-tracker/pkg/model"
	"github.com/ritzau/nucleus-tracker/pkg/solver"
)

// bridgeGaps joins tracks broken by a single missed detection. A loose end
// at t is linked to a loose start at t+2 through a synthesized position when
// each is the other's nearest loose counterpart and a miss is cheaper than
// the disappearance plus appearance it replaces. Returns the number of gaps
// bridged.
func bridgeGaps(e *experiment.Experiment, costs *solver.Costs, opts Options) (int, error) {
	first, ok := e.Positions.FirstTimePoint()
	if !ok {
		return 0, nil
	}
	last, _ := e.Positions.LastTimePoint()
	r := e.Resolution

	looseEnd := func(p model.Position) bool {
		return p.T+2 <= last && len(e.Tracks.LinksFrom(p)) == 0
	}
	looseStart := func(p model.Position) bool {
		return p.T > first && len(e.Tracks.LinksTo(p)) == 0
	}

	var ends []model.Position
	for _, p := range e.Positions.All() {
		if looseEnd(p) {
			ends = append(ends, p)
		}
	}

	fixed := make(map[model.Position]bool)
	bridged := 0
	for _, p := range ends {
		if fixed[p] {
			continue
		}
		var starts []model.Position
		for _, q := range e.Positions.OfTimePoint(p.T + 2) {
			if looseStart(q) && !fixed[q] && p.DistanceUm(q, r) <= opts.BridgeDistanceUm {
				starts = append(starts, q)
			}
		}
		slices.SortFunc(starts, func(a, b model.Position) int {
			return cmp.Compare(p.DistanceSquaredUm(a, r), p.DistanceSquaredUm(b, r))
		})

		for _, q := range starts {
			if !nearestEnd(e, p, q, looseEnd) {
				continue
			}
			gone, ok1 := costs.Disappearance[p]
			appear, ok2 := costs.Appearance[q]
			if !ok1 || !ok2 || opts.MissPenalty >= gone+appear {
				continue
			}
			mid := model.Interpolate(p, q)
			if len(mid) != 1 || e.Positions.Contains(mid[0]) {
				continue
			}
			if err := e.Link(p, q); err != nil {
				return bridged, err
			}
			for _, l := range [...][2]model.Position{{p, mid[0]}, {mid[0], q}} {
				if err := e.Tracks.SetLinkMetadata(l[0], l[1], metadata.KeyLinkPenalty, metadata.Float(opts.MissPenalty/2)); err != nil {
					return bridged, err
				}
			}
			fixed[p], fixed[q] = true, true
			bridged++
			break
		}
	}
	return bridged, nil
}

// nearestEnd reports whether no other loose end in p's time point is closer
// to q than p.
func nearestEnd(e *experiment.Experiment, p, q model.Position, looseEnd func(model.Position) bool) bool {
	d := p.DistanceSquaredUm(q, e.Resolution)
	for _, other := range e.Positions.OfTimePoint(p.T) {
		if other != p && looseEnd(other) && other.DistanceSquaredUm(q, e.Resolution) < d {
			return false
		}
	}
	return true
}

// removeShortLineages removes lineages that appear after the first time
// point, stop before the last and hold fewer than minLength positions.
// Returns the number of positions removed.
func removeShortLineages(e *experiment.Experiment, minLength int) (int, error) {
	if minLength <= 0 {
		return 0, nil
	}
	first, ok := e.Positions.FirstTimePoint()
	if !ok {
		return 0, nil
	}
	last, _ := e.Positions.LastTimePoint()

	doomed := make(map[model.Position]bool)
	for _, root := range e.Tracks.TracksWithNoParent() {
		if root.MinTime() <= first {
			continue
		}
		lineage := append(e.Tracks.Descendants(root), root)
		count, end, shared := 0, root.MaxTime(), false
		for _, t := range lineage {
			count += t.Len()
			end = max(end, t.MaxTime())
			shared = shared || t.IsMerge()
		}
		if shared || count >= minLength || end >= last {
			continue
		}
		for _, t := range lineage {
			for _, p := range t.Positions() {
				doomed[p] = true
			}
		}
	}

	removed := 0
	for _, p := range slices.SortedFunc(maps.Keys(doomed), model.ComparePositions) {
		if !e.Positions.Contains(p) {
			continue
		}
		if err := e.Positions.Remove(p); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
