// Package authority computes PageRank and TrustRank over the link graph
// (§4.9), scheduled by a robfig/cron/v3 entry the same way the teacher
// drives its own periodic jobs. The graph is snapshotted into a
// compressed-sparse-row representation each run so iteration touches only
// plain slices, not a live database connection per edge.
package authority

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/gurtd/gurtd/internal/metrics"
	"github.com/gurtd/gurtd/internal/postgres"
)

const (
	damping        = 0.85
	maxIterations  = 25
	convergenceTol = 1e-6
	authorityAlpha = 0.7
	trustAlpha     = 0.3
)

// Config controls the PageRank/TrustRank run.
type Config struct {
	ChunkSize int
}

// Engine computes and persists link authority scores.
type Engine struct {
	graph   *postgres.LinkGraphRepo
	domains *postgres.DomainRepo
	logger  *zap.Logger
	cfg     Config
}

// New builds an Engine.
func New(graph *postgres.LinkGraphRepo, domains *postgres.DomainRepo, logger *zap.Logger, cfg Config) *Engine {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 10000
	}
	return &Engine{graph: graph, domains: domains, logger: logger, cfg: cfg}
}

// csrGraph is the in-memory snapshot of link_edges, compact-ID indexed.
type csrGraph struct {
	ids       []int64       // compact id -> url id
	index     map[int64]int // url id -> compact id
	outEdges  [][]int       // compact id -> out-neighbor compact ids
	outDegree []int
	inDegree  []int
}

// Run performs one full PageRank/TrustRank pass and upserts link_authority.
func (e *Engine) Run(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.ObserveAuthorityRun(time.Since(start)) }()

	edges, err := e.graph.AllEdges(ctx)
	if err != nil {
		return err
	}
	if len(edges) == 0 {
		return nil
	}

	g := buildCSR(edges)

	trustedDomains, err := e.domains.TrustedSeedIDs(ctx)
	if err != nil {
		return err
	}
	seeds := trustedSeedCompactIDs(g, trustedDomains)

	pageRank := iterate(g, uniformSeed(len(g.ids)))
	trustRank := iterate(g, seeds)

	scores := combineScores(pageRank, trustRank)

	rows := make([]postgres.LinkAuthorityRow, len(g.ids))
	for i, urlID := range g.ids {
		rows[i] = postgres.LinkAuthorityRow{
			URLID:         urlID,
			PageRank:      pageRank[i],
			TrustRank:     trustRank[i],
			InboundLinks:  g.inDegree[i],
			OutboundLinks: g.outDegree[i],
			Score:         scores[i],
		}
	}

	if err := e.graph.UpsertAuthority(ctx, rows, e.cfg.ChunkSize); err != nil {
		return err
	}
	if e.logger != nil {
		e.logger.Info("authority run complete", zap.Int("urls", len(rows)), zap.Int("edges", len(edges)))
	}
	return nil
}

func buildCSR(edges []postgres.LinkEdgeRow) *csrGraph {
	index := make(map[int64]int)
	var ids []int64
	compactOf := func(urlID int64) int {
		if c, ok := index[urlID]; ok {
			return c
		}
		c := len(ids)
		index[urlID] = c
		ids = append(ids, urlID)
		return c
	}
	for _, e := range edges {
		compactOf(e.SrcURLID)
		compactOf(e.DstURLID)
	}

	n := len(ids)
	outEdges := make([][]int, n)
	outDegree := make([]int, n)
	inDegree := make([]int, n)
	for _, e := range edges {
		src := index[e.SrcURLID]
		dst := index[e.DstURLID]
		outEdges[src] = append(outEdges[src], dst)
		outDegree[src]++
		inDegree[dst]++
	}

	return &csrGraph{ids: ids, index: index, outEdges: outEdges, outDegree: outDegree, inDegree: inDegree}
}

func trustedSeedCompactIDs(g *csrGraph, trustedDomainURLIDs []int64) []int {
	var seeds []int
	for _, urlID := range trustedDomainURLIDs {
		if c, ok := g.index[urlID]; ok {
			seeds = append(seeds, c)
		}
	}
	return seeds
}

func uniformSeed(n int) []int {
	seeds := make([]int, n)
	for i := range seeds {
		seeds[i] = i
	}
	return seeds
}

// iterate runs power-iteration PageRank, teleporting uniformly within
// seeds on a damping "reset" step (for plain PageRank, seeds is every
// node, reproducing the standard uniform teleport; for TrustRank, seeds
// is the trusted subset, biasing the walk toward them).
func iterate(g *csrGraph, seeds []int) []float64 {
	n := len(g.ids)
	if n == 0 {
		return nil
	}
	rank := make([]float64, n)
	seedWeight := 1.0 / float64(max(1, len(seeds)))
	teleport := make([]float64, n)
	for _, s := range seeds {
		teleport[s] = seedWeight
	}
	for i := range rank {
		rank[i] = 1.0 / float64(n)
	}

	for iter := 0; iter < maxIterations; iter++ {
		next := make([]float64, n)
		var danglingMass float64
		for i, r := range rank {
			if g.outDegree[i] == 0 {
				danglingMass += r
				continue
			}
			share := r / float64(g.outDegree[i])
			for _, dst := range g.outEdges[i] {
				next[dst] += share
			}
		}
		delta := 0.0
		for i := range next {
			v := (1-damping)*teleport[i] + damping*(next[i]+danglingMass*teleport[i])
			delta += math.Abs(v - rank[i])
			next[i] = v
		}
		rank = next
		if delta < convergenceTol {
			break
		}
	}
	return rank
}

func combineScores(pageRank, trustRank []float64) []float64 {
	scores := make([]float64, len(pageRank))
	maxScore := 0.0
	for i := range scores {
		scores[i] = authorityAlpha*pageRank[i] + trustAlpha*trustRank[i]
		if scores[i] > maxScore {
			maxScore = scores[i]
		}
	}
	if maxScore == 0 {
		return scores
	}
	for i := range scores {
		scores[i] /= maxScore
	}
	return scores
}
