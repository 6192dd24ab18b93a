package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/radar/dbopen"
)

// Segment is a searchable slice of extracted document text.
type Segment struct {
	ID         int64     `json:"id"`
	DocumentID int64     `json:"document_id"`
	TenderID   int64     `json:"tender_id"`
	Idx        int       `json:"idx"`
	Text       string    `json:"text"`
	Embedding  []float64 `json:"-"`
	// Quality of the source document's extracted text, joined in on reads.
	Quality float64 `json:"quality,omitempty"`
}

// ReplaceSegments swaps a document's segments atomically, keeping the FTS
// index in sync. Reparsing a document is therefore idempotent.
func (s *Store) ReplaceSegments(ctx context.Context, docID, tenderID int64, texts []string, embeddings [][]float64) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM document_segment_fts
			WHERE rowid IN (SELECT id FROM document_segment WHERE document_id=?)`, docID); err != nil {
			return fmt.Errorf("store: clear segment fts: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM document_segment WHERE document_id=?`, docID); err != nil {
			return fmt.Errorf("store: clear segments: %w", err)
		}
		for i, text := range texts {
			var emb any
			if i < len(embeddings) && len(embeddings[i]) > 0 {
				data, err := json.Marshal(embeddings[i])
				if err != nil {
					return err
				}
				emb = string(data)
			}
			var id int64
			err := tx.QueryRowContext(ctx, `
				INSERT INTO document_segment (document_id, tender_id, idx, text, embedding)
				VALUES (?,?,?,?,?) RETURNING id`,
				docID, tenderID, i, text, emb).Scan(&id)
			if err != nil {
				return fmt.Errorf("store: insert segment: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO document_segment_fts (rowid, text) VALUES (?,?)`, id, text); err != nil {
				return fmt.Errorf("store: index segment: %w", err)
			}
		}
		return nil
	})
}

// SearchSegments runs a full-text query, optionally scoped to one tender,
// best matches first.
func (s *Store) SearchSegments(ctx context.Context, query string, tenderID int64, limit int) ([]*Segment, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	q := `
		SELECT ds.id, ds.document_id, ds.tender_id, ds.idx, ds.text, COALESCE(d.texto_quality, 0)
		FROM document_segment_fts f
		JOIN document_segment ds ON ds.id = f.rowid
		JOIN document d ON d.id = ds.document_id
		WHERE document_segment_fts MATCH ?`
	args := []any{ftsQuery(query)}
	if tenderID > 0 {
		q += ` AND ds.tender_id=?`
		args = append(args, tenderID)
	}
	q += ` ORDER BY rank LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: search segments: %w", err)
	}
	defer rows.Close()
	return collectSegments(rows)
}

// SegmentsByTender lists a tender's segments in document order.
func (s *Store) SegmentsByTender(ctx context.Context, tenderID int64, limit int) ([]*Segment, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ds.id, ds.document_id, ds.tender_id, ds.idx, ds.text, COALESCE(d.texto_quality, 0)
		FROM document_segment ds
		JOIN document d ON d.id = ds.document_id
		WHERE ds.tender_id=?
		ORDER BY ds.document_id, ds.idx
		LIMIT ?`, tenderID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: segments by tender: %w", err)
	}
	defer rows.Close()
	return collectSegments(rows)
}

// SegmentEmbeddings returns a tender's segments that carry an embedding.
func (s *Store) SegmentEmbeddings(ctx context.Context, tenderID int64, limit int) ([]*Segment, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ds.id, ds.document_id, ds.tender_id, ds.idx, ds.text, COALESCE(ds.embedding,'')
		FROM document_segment ds
		WHERE ds.tender_id=? AND ds.embedding IS NOT NULL
		ORDER BY ds.document_id, ds.idx
		LIMIT ?`, tenderID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: segment embeddings: %w", err)
	}
	defer rows.Close()
	var out []*Segment
	for rows.Next() {
		var seg Segment
		var embJSON string
		if err := rows.Scan(&seg.ID, &seg.DocumentID, &seg.TenderID, &seg.Idx, &seg.Text, &embJSON); err != nil {
			return nil, err
		}
		if embJSON != "" {
			_ = json.Unmarshal([]byte(embJSON), &seg.Embedding)
		}
		out = append(out, &seg)
	}
	return out, rows.Err()
}

func collectSegments(rows *sql.Rows) ([]*Segment, error) {
	var out []*Segment
	for rows.Next() {
		var seg Segment
		if err := rows.Scan(&seg.ID, &seg.DocumentID, &seg.TenderID, &seg.Idx, &seg.Text, &seg.Quality); err != nil {
			return nil, err
		}
		out = append(out, &seg)
	}
	return out, rows.Err()
}

// ftsQuery quotes each term so user input cannot inject FTS5 operators.
func ftsQuery(q string) string {
	var out []byte
	term := []byte{}
	flush := func() {
		if len(term) == 0 {
			return
		}
		if len(out) > 0 {
			out = append(out, ' ')
		}
		out = append(out, '"')
		out = append(out, term...)
		out = append(out, '"')
		term = term[:0]
	}
	for i := 0; i < len(q); i++ {
		c := q[i]
		if c == ' ' || c == '\t' || c == '\n' || c == '"' {
			flush()
			continue
		}
		term = append(term, c)
	}
	flush()
	return string(out)
}
