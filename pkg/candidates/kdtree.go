package candidates

import (
	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/ritzau/nucleus-tracker/pkg/model"
)

// spot is a position in physical coordinates, stored in a k-d tree.
type spot struct {
	coord [3]float64
	index int
}

func (s spot) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return s.coord[d] - c.(spot).coord[d]
}

func (s spot) Dims() int { return 3 }

func (s spot) Distance(c kdtree.Comparable) float64 {
	o := c.(spot)
	var sum float64
	for i := range s.coord {
		d := s.coord[i] - o.coord[i]
		sum += d * d
	}
	return sum
}

type spots []spot

func (s spots) Index(i int) kdtree.Comparable { return s[i] }
func (s spots) Len() int                      { return len(s) }
func (s spots) Slice(start, end int) kdtree.Interface {
	return s[start:end]
}
func (s spots) Pivot(d kdtree.Dim) int {
	return plane{spots: s, dim: d}.pivot()
}

// plane sorts spots along one dimension.
type plane struct {
	spots
	dim kdtree.Dim
}

func (p plane) Less(i, j int) bool { return p.spots[i].coord[p.dim] < p.spots[j].coord[p.dim] }
func (p plane) Swap(i, j int)      { p.spots[i], p.spots[j] = p.spots[j], p.spots[i] }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.spots = p.spots[start:end]
	return p
}
func (p plane) pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }

// index is a k-d tree over the positions of one time point.
type index struct {
	positions []model.Position
	tree      *kdtree.Tree
}

func newIndex(ps []model.Position, r model.Resolution) *index {
	s := make(spots, len(ps))
	for i, p := range ps {
		s[i] = spot{coord: p.Um(r), index: i}
	}
	return &index{positions: ps, tree: kdtree.New(s, false)}
}

// hit is a position found by a query, with its squared distance.
type hit struct {
	index int
	dist2 float64
}

// nearest returns the closest position to q, or false for an empty index.
func (x *index) nearest(q [3]float64) (hit, bool) {
	c, d := x.tree.Nearest(spot{coord: q})
	if c == nil {
		return hit{}, false
	}
	return hit{index: c.(spot).index, dist2: d}, true
}

// within returns every position with squared distance at most r2.
func (x *index) within(q [3]float64, r2 float64) []hit {
	keeper := kdtree.NewDistKeeper(r2)
	x.tree.NearestSet(keeper, spot{coord: q})
	out := make([]hit, 0, len(keeper.Heap))
	for _, c := range keeper.Heap {
		if c.Comparable == nil {
			continue
		}
		out = append(out, hit{index: c.Comparable.(spot).index, dist2: c.Dist})
	}
	return out
}
