package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Document is a fetched tender document. Body is kept only until parse
// drops it in favour of the extracted text.
type Document struct {
	ID            int64             `json:"id"`
	TenderID      int64             `json:"tender_id"`
	URL           string            `json:"url"`
	Source        string            `json:"source,omitempty"`
	FetchedAt     string            `json:"fetched_at,omitempty"`
	HTTPStatus    int               `json:"http_status,omitempty"`
	ContentType   string            `json:"content_type,omitempty"`
	SHA256        string            `json:"sha256,omitempty"`
	SizeBytes     int64             `json:"size_bytes"`
	Truncated     bool              `json:"truncated"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          []byte            `json:"-"`
	Error         string            `json:"error,omitempty"`
	TextoExtraido string            `json:"texto_extraido,omitempty"`
	TextoChars    int               `json:"texto_chars"`
	TextoQuality  float64           `json:"texto_quality"`
	OCRUsed       bool              `json:"ocr_used"`
}

// DocumentInput is what the fetch stage records.
type DocumentInput struct {
	TenderID    int64
	URL         string
	Source      string
	HTTPStatus  int
	ContentType string
	Headers     map[string]string
	Body        []byte
	Truncated   bool
	Error       string
}

// ErrDuplicateDocument is returned when the tender already has a document
// with the same content digest. Error rows carry no digest and never
// collide.
var ErrDuplicateDocument = errors.New("store: duplicate document")

// InsertDocument stores a fetch result and returns the new row id plus the
// body digest. A second body with the same digest for the same tender
// yields ErrDuplicateDocument.
func (s *Store) InsertDocument(ctx context.Context, in DocumentInput) (id int64, sha string, err error) {
	if len(in.Body) > 0 {
		sum := sha256.Sum256(in.Body)
		sha = hex.EncodeToString(sum[:])
	}
	headersJSON, _ := json.Marshal(in.Headers)
	source := in.Source
	if source == "" {
		source = "unknown"
	}
	var body any
	if len(in.Body) > 0 {
		body = in.Body
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO document (tender_id, url, source, fetched_at, http_status, content_type,
		                      sha256, size_bytes, truncated, headers, body, error)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (tender_id, sha256) WHERE sha256 IS NOT NULL AND sha256 <> '' DO NOTHING
		RETURNING id`,
		in.TenderID, in.URL, source, nowUTC(), nullInt(int64(in.HTTPStatus)), nullStr(in.ContentType),
		nullStr(sha), len(in.Body), in.Truncated, string(headersJSON), body, nullStr(in.Error),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, sha, ErrDuplicateDocument
	}
	if err != nil {
		return 0, sha, fmt.Errorf("store: insert document: %w", err)
	}
	return id, sha, nil
}

// DocumentExists reports whether this tender already has a document with
// the same content digest.
func (s *Store) DocumentExists(ctx context.Context, tenderID int64, sha string) (bool, error) {
	if sha == "" {
		return false, nil
	}
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM document WHERE tender_id=? AND sha256=? LIMIT 1`, tenderID, sha).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: document exists: %w", err)
	}
	return true, nil
}

// GetDocument fetches a document including its body (when still present).
func (s *Store) GetDocument(ctx context.Context, id int64) (*Document, error) {
	var d Document
	var headersJSON sql.NullString
	var body []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tender_id, url, COALESCE(source,''), COALESCE(fetched_at,''), COALESCE(http_status,0),
		       COALESCE(content_type,''), COALESCE(sha256,''), size_bytes, truncated, headers, body,
		       COALESCE(error,''), COALESCE(texto_extraido,''), texto_chars, texto_quality, ocr_used
		FROM document WHERE id=?`, id,
	).Scan(&d.ID, &d.TenderID, &d.URL, &d.Source, &d.FetchedAt, &d.HTTPStatus,
		&d.ContentType, &d.SHA256, &d.SizeBytes, &d.Truncated, &headersJSON, &body,
		&d.Error, &d.TextoExtraido, &d.TextoChars, &d.TextoQuality, &d.OCRUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get document: %w", err)
	}
	d.Body = body
	if headersJSON.Valid && headersJSON.String != "" {
		_ = json.Unmarshal([]byte(headersJSON.String), &d.Headers)
	}
	return &d, nil
}

// SetParsedText records the parse outcome; dropBody discards the raw body
// once the text is extracted.
func (s *Store) SetParsedText(ctx context.Context, docID int64, text string, quality float64, ocrUsed, dropBody bool) error {
	q := `UPDATE document
	      SET texto_extraido=?, baixado_em=COALESCE(baixado_em, ?), texto_chars=?, texto_quality=?, ocr_used=?`
	if dropBody {
		q += `, body=NULL`
	}
	q += ` WHERE id=?`
	_, err := s.db.ExecContext(ctx, q, text, nowUTC(), len(text), quality, ocrUsed, docID)
	if err != nil {
		return fmt.Errorf("store: set parsed text: %w", err)
	}
	return nil
}

// ListDocuments returns a tender's documents without their bodies.
func (s *Store) ListDocuments(ctx context.Context, tenderID int64, limit int) ([]*Document, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tender_id, url, COALESCE(source,''), COALESCE(fetched_at,''), COALESCE(http_status,0),
		       COALESCE(content_type,''), COALESCE(sha256,''), size_bytes, truncated,
		       COALESCE(error,''), texto_chars, texto_quality, ocr_used
		FROM document WHERE tender_id=? ORDER BY id DESC LIMIT ?`, tenderID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list documents: %w", err)
	}
	defer rows.Close()
	var out []*Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.TenderID, &d.URL, &d.Source, &d.FetchedAt, &d.HTTPStatus,
			&d.ContentType, &d.SHA256, &d.SizeBytes, &d.Truncated,
			&d.Error, &d.TextoChars, &d.TextoQuality, &d.OCRUsed); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// UpsertArtifact stores a derived artifact (tables, markdown conversion)
// keyed by kind, replacing any previous payload.
func (s *Store) UpsertArtifact(ctx context.Context, docID int64, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("store: marshal artifact: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO document_artifact (document_id, kind, payload)
		VALUES (?,?,?)
		ON CONFLICT (document_id, kind) DO UPDATE SET payload=excluded.payload, created_at=?`,
		docID, kind, string(data), nowUTC())
	if err != nil {
		return fmt.Errorf("store: upsert artifact: %w", err)
	}
	return nil
}

// GetArtifact fetches one artifact payload.
func (s *Store) GetArtifact(ctx context.Context, docID int64, kind string) (json.RawMessage, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM document_artifact WHERE document_id=? AND kind=?`, docID, kind).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get artifact: %w", err)
	}
	return json.RawMessage(payload), nil
}

// TenderQuality aggregates extraction quality across a tender's documents.
// Insight confidence blends it with field-extraction hits.
type TenderQuality struct {
	AvgQuality float64 `json:"avg_quality"`
	MaxChars   int64   `json:"max_chars"`
	Docs       int64   `json:"docs"`
}

func (s *Store) GetTenderQuality(ctx context.Context, tenderID int64) (*TenderQuality, error) {
	var q TenderQuality
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(avg(texto_quality),0), COALESCE(max(texto_chars),0), count(*)
		FROM document WHERE tender_id=?`, tenderID).
		Scan(&q.AvgQuality, &q.MaxChars, &q.Docs)
	if err != nil {
		return nil, fmt.Errorf("store: tender quality: %w", err)
	}
	return &q, nil
}
