package authority

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gurtd/gurtd/internal/postgres"
)

func TestIteratePageRankFavorsMostLinkedNode(t *testing.T) {
	// 1 -> 2, 3 -> 2, 2 -> 1: node 2 has the most inbound links.
	edges := []postgres.LinkEdgeRow{
		{SrcURLID: 1, DstURLID: 2},
		{SrcURLID: 3, DstURLID: 2},
		{SrcURLID: 2, DstURLID: 1},
	}
	g := buildCSR(edges)
	rank := iterate(g, uniformSeed(len(g.ids)))

	idxOf := func(urlID int64) int { return g.index[urlID] }
	require.Greater(t, rank[idxOf(2)], rank[idxOf(3)])
}

func TestCombineScoresNormalizesToMaxOne(t *testing.T) {
	scores := combineScores([]float64{0.1, 0.4}, []float64{0.2, 0.1})
	max := 0.0
	for _, s := range scores {
		if s > max {
			max = s
		}
	}
	require.Equal(t, 1.0, max)
}
