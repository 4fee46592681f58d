package postgres

import (
	"context"

	"github.com/gurtd/gurtd/internal/errs"
)

// LinkEdgeRow mirrors the LinkEdge entity.
type LinkEdgeRow struct {
	SrcURLID   int64
	DstURLID   int64
	EdgeType   string
	AnchorText *string
}

// LinkGraphRepo persists link_edges and link_authority.
type LinkGraphRepo struct {
	db Querier
}

// NewLinkGraphRepo wraps a Querier.
func NewLinkGraphRepo(db Querier) *LinkGraphRepo { return &LinkGraphRepo{db: db} }

// InsertEdges writes a batch of edges in one transaction with
// ON CONFLICT DO NOTHING, as the parser produces them per document (§4.7).
func (r *LinkGraphRepo) InsertEdges(ctx context.Context, edges []LinkEdgeRow) error {
	if len(edges) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return errs.New(errs.Transient, "linkgraph.insert.begin", err)
	}
	defer tx.Rollback(ctx)

	const q = `INSERT INTO link_edges (src_url_id, dst_url_id, edge_type, anchor_text) VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`
	for _, e := range edges {
		if _, err := tx.Exec(ctx, q, e.SrcURLID, e.DstURLID, e.EdgeType, e.AnchorText); err != nil {
			return errs.New(errs.Transient, "linkgraph.insert.exec", err)
		}
	}
	return errs.New(errs.Transient, "linkgraph.insert.commit", tx.Commit(ctx))
}

// AllEdges loads the entire link graph into memory for the Authority
// Engine's CSR snapshot (§4.9). There is no paged variant.
func (r *LinkGraphRepo) AllEdges(ctx context.Context) ([]LinkEdgeRow, error) {
	const q = `SELECT src_url_id, dst_url_id, edge_type, anchor_text FROM link_edges`
	rows, err := r.db.Query(ctx, q)
	if err != nil {
		return nil, errs.New(errs.Transient, "linkgraph.all_edges", err)
	}
	defer rows.Close()

	var out []LinkEdgeRow
	for rows.Next() {
		var e LinkEdgeRow
		if err := rows.Scan(&e.SrcURLID, &e.DstURLID, &e.EdgeType, &e.AnchorText); err != nil {
			return nil, errs.New(errs.Internal, "linkgraph.all_edges.scan", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LinkAuthorityRow mirrors LinkAuthority.
type LinkAuthorityRow struct {
	URLID        int64
	PageRank     float64
	TrustRank    float64
	InboundLinks int
	OutboundLinks int
	Score        float64
}

// UpsertAuthority chunks writes into batches of chunkSize rows within a
// transaction (§4.9 step 5).
func (r *LinkGraphRepo) UpsertAuthority(ctx context.Context, rows []LinkAuthorityRow, chunkSize int) error {
	if len(rows) == 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = 10000
	}

	for start := 0; start < len(rows); start += chunkSize {
		end := start + chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := r.upsertChunk(ctx, rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (r *LinkGraphRepo) upsertChunk(ctx context.Context, rows []LinkAuthorityRow) error {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return errs.New(errs.Transient, "linkgraph.authority.begin", err)
	}
	defer tx.Rollback(ctx)

	const q = `
INSERT INTO link_authority (url_id, page_rank, trust_rank, inbound_links, outbound_links, score, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (url_id) DO UPDATE SET
	page_rank = EXCLUDED.page_rank, trust_rank = EXCLUDED.trust_rank,
	inbound_links = EXCLUDED.inbound_links, outbound_links = EXCLUDED.outbound_links,
	score = EXCLUDED.score, updated_at = now()`
	for _, row := range rows {
		if _, err := tx.Exec(ctx, q, row.URLID, row.PageRank, row.TrustRank, row.InboundLinks, row.OutboundLinks, row.Score); err != nil {
			return errs.New(errs.Transient, "linkgraph.authority.exec", err)
		}
	}
	return errs.New(errs.Transient, "linkgraph.authority.commit", tx.Commit(ctx))
}

// GetAuthority fetches the authority row for a URL, defaulting to a zero
// score when none has been computed yet.
func (r *LinkGraphRepo) GetAuthority(ctx context.Context, urlID int64) (LinkAuthorityRow, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	const q = `SELECT url_id, page_rank, trust_rank, inbound_links, outbound_links, score FROM link_authority WHERE url_id = $1`
	var row LinkAuthorityRow
	err := r.db.QueryRow(ctx, q, urlID).Scan(&row.URLID, &row.PageRank, &row.TrustRank, &row.InboundLinks, &row.OutboundLinks, &row.Score)
	if err != nil {
		return LinkAuthorityRow{URLID: urlID}, nil
	}
	return row, nil
}
