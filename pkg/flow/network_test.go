package flow

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/nucleus-tracker/pkg/model"
)

func TestAssignmentPicksGlobalMinimum(t *testing.T) {
	n := NewNetwork()
	a, b := n.AddNode(1), n.AddNode(1)
	x, y := n.AddNode(-1), n.AddNode(-1)
	ax := n.AddArc(a, x, 1, 1)
	ay := n.AddArc(a, y, 1, 3)
	bx := n.AddArc(b, x, 1, 2)
	by := n.AddArc(b, y, 1, 10)

	res, err := n.Solve(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Flow)
	assert.InDelta(t, 5, res.Cost, 1e-12)
	assert.Equal(t, []int{0, 1, 1, 0}, []int{n.Flow(ax), n.Flow(ay), n.Flow(bx), n.Flow(by)})
}

func TestNegativeCosts(t *testing.T) {
	n := NewNetwork()
	s, m, d := n.AddNode(1), n.AddNode(0), n.AddNode(-1)
	direct := n.AddArc(s, d, 1, 5)
	n.AddArc(s, m, 1, -3)
	n.AddArc(m, d, 1, 1)

	res, err := n.Solve(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, -2, res.Cost, 1e-12)
	assert.Zero(t, n.Flow(direct))
}

func TestSupplyAboveOne(t *testing.T) {
	n := NewNetwork()
	s := n.AddNode(2)
	x, y := n.AddNode(-1), n.AddNode(-1)
	sx := n.AddArc(s, x, 1, 0.5)
	sy := n.AddArc(s, y, 1, 0.25)

	res, err := n.Solve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Flow)
	assert.Equal(t, 1, n.Flow(sx))
	assert.Equal(t, 1, n.Flow(sy))
	assert.InDelta(t, 0.75, res.Cost, 1e-12)
}

func TestInfeasibleNetworks(t *testing.T) {
	unbalanced := NewNetwork()
	unbalanced.AddNode(2)
	unbalanced.AddNode(-1)
	_, err := unbalanced.Solve(context.Background())
	assert.ErrorIs(t, err, model.ErrSolverInvariant)

	disconnected := NewNetwork()
	disconnected.AddNode(1)
	disconnected.AddNode(-1)
	_, err = disconnected.Solve(context.Background())
	var inv *model.InvariantError
	require.True(t, errors.As(err, &inv))
	assert.Equal(t, "flow", inv.Stage)
	assert.Equal(t, model.KindSolverInvariant, model.KindOf(err))

	_, err = disconnected.Solve(context.Background())
	assert.ErrorIs(t, err, model.ErrSolverInvariant)
}

func TestCyclicNetwork(t *testing.T) {
	n := NewNetwork()
	a, b, c := n.AddNode(1), n.AddNode(0), n.AddNode(-1)
	n.AddArc(a, b, 1, 1)
	n.AddArc(b, a, 1, 1)
	n.AddArc(b, c, 1, 2)

	res, err := n.Solve(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 3, res.Cost, 1e-12)
}

func TestSolveHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n := NewNetwork()
	a, b := n.AddNode(1), n.AddNode(-1)
	n.AddArc(a, b, 1, 0)
	_, err := n.Solve(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// TestMatchesBruteForce compares random dense assignment problems with an
// exhaustive search over permutations.
func TestMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))
	const size = 5

	for round := 0; round < 30; round++ {
		var cost [size][size]float64
		n := NewNetwork()
		var rows, cols [size]int
		for i := range size {
			rows[i] = n.AddNode(1)
		}
		for j := range size {
			cols[j] = n.AddNode(-1)
		}
		for i := range size {
			for j := range size {
				cost[i][j] = rng.Float64()*10 - 5
				n.AddArc(rows[i], cols[j], 1, cost[i][j])
			}
		}

		res, err := n.Solve(context.Background())
		require.NoError(t, err)
		assert.InDelta(t, bruteForce(cost[:]), res.Cost, 1e-9, "round %d", round)
	}
}

func bruteForce(cost [][5]float64) float64 {
	best := math.Inf(1)
	perm := []int{0, 1, 2, 3, 4}
	var permute func(k int)
	permute = func(k int) {
		if k == len(perm) {
			var sum float64
			for i, j := range perm {
				sum += cost[i][j]
			}
			best = min(best, sum)
			return
		}
		for i := k; i < len(perm); i++ {
			perm[k], perm[i] = perm[i], perm[k]
			permute(k + 1)
			perm[k], perm[i] = perm[i], perm[k]
		}
	}
	permute(0)
	return best
}
