package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/radar/dbopen"
	"github.com/hazyhaar/radar/dedupe"
	"github.com/hazyhaar/radar/normalize"
)

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

// TenderInput is the raw shape accepted by ingestion. Everything except
// IDPNCP is optional; source identity is resolved before writing.
type TenderInput struct {
	IDPNCP         string            `json:"id_pncp"`
	Source         string            `json:"source,omitempty"`
	SourceID       string            `json:"source_id,omitempty"`
	Orgao          string            `json:"orgao,omitempty"`
	Municipio      string            `json:"municipio,omitempty"`
	UF             string            `json:"uf,omitempty"`
	Modalidade     string            `json:"modalidade,omitempty"`
	Objeto         string            `json:"objeto,omitempty"`
	DataPublicacao string            `json:"data_publicacao,omitempty"`
	Status         string            `json:"status,omitempty"`
	URLs           map[string]string `json:"urls,omitempty"`
	SourcePayload  json.RawMessage   `json:"source_payload,omitempty"`
}

// Tender is a stored tender row.
type Tender struct {
	ID                int64             `json:"id"`
	IDPNCP            string            `json:"id_pncp"`
	Source            string            `json:"source,omitempty"`
	SourceID          string            `json:"source_id,omitempty"`
	Orgao             string            `json:"orgao,omitempty"`
	OrgaoNorm         string            `json:"orgao_norm,omitempty"`
	Municipio         string            `json:"municipio,omitempty"`
	MunicipioNorm     string            `json:"municipio_norm,omitempty"`
	UF                string            `json:"uf,omitempty"`
	UFNorm            string            `json:"uf_norm,omitempty"`
	Modalidade        string            `json:"modalidade,omitempty"`
	ModalidadeNorm    string            `json:"modalidade_norm,omitempty"`
	Objeto            string            `json:"objeto,omitempty"`
	ObjetoNorm        string            `json:"objeto_norm,omitempty"`
	Fingerprint       string            `json:"fingerprint,omitempty"`
	CanonicalTenderID int64             `json:"canonical_tender_id,omitempty"`
	DataPublicacao    string            `json:"data_publicacao,omitempty"`
	Status            string            `json:"status,omitempty"`
	StatusNorm        string            `json:"status_norm,omitempty"`
	URLs              map[string]string `json:"urls,omitempty"`
	HashMetadados     string            `json:"hash_metadados,omitempty"`
	Materia           string            `json:"materia,omitempty"`
	Categoria         string            `json:"categoria,omitempty"`
	MateriaConfidence float64           `json:"materia_confidence,omitempty"`
	MateriaSource     string            `json:"materia_source,omitempty"`
	MateriaTags       []string          `json:"materia_tags,omitempty"`
	CreatedAt         string            `json:"created_at,omitempty"`
	UpdatedAt         string            `json:"updated_at,omitempty"`
}

// SavedTender is the compact result of an upsert.
type SavedTender struct {
	ID            int64  `json:"id"`
	IDPNCP        string `json:"id_pncp"`
	Source        string `json:"source,omitempty"`
	SourceID      string `json:"source_id,omitempty"`
	HashMetadados string `json:"hash_metadados,omitempty"`
	UpdatedAt     string `json:"updated_at,omitempty"`
}

// resolveSource fills in source, source_id and id_pncp from whichever of
// the three the producer sent. An id like "compras:123" implies its source;
// a bare PNCP control number implies source "pncp".
func resolveSource(in *TenderInput) {
	src := strings.ToLower(strings.TrimSpace(in.Source))
	idp := strings.TrimSpace(in.IDPNCP)
	sid := strings.TrimSpace(in.SourceID)

	if src == "" {
		switch {
		case strings.HasPrefix(idp, "compras:"):
			src = "compras"
		case idp != "":
			src = "pncp"
		default:
			src = "unknown"
		}
	}
	if sid == "" {
		if src == "pncp" {
			sid = idp
		} else if strings.HasPrefix(idp, src+":") {
			sid = idp[len(src)+1:]
		}
	}
	if idp == "" && sid != "" {
		idp = src + ":" + sid
	}
	in.Source, in.SourceID, in.IDPNCP = src, sid, idp

	in.Orgao = strings.TrimSpace(in.Orgao)
	in.Municipio = strings.TrimSpace(in.Municipio)
	in.Modalidade = strings.TrimSpace(in.Modalidade)
	in.Objeto = strings.TrimSpace(in.Objeto)
	in.Status = strings.TrimSpace(in.Status)
	in.UF = strings.ToUpper(strings.TrimSpace(in.UF))
	if in.URLs == nil {
		in.URLs = map[string]string{}
	}
}

func toNormalized(in TenderInput) *normalize.Tender {
	t := &normalize.Tender{
		IDPNCP:         in.IDPNCP,
		Source:         in.Source,
		SourceID:       in.SourceID,
		Orgao:          in.Orgao,
		Municipio:      in.Municipio,
		UF:             in.UF,
		Modalidade:     in.Modalidade,
		Objeto:         in.Objeto,
		DataPublicacao: in.DataPublicacao,
		Status:         in.Status,
		URLs:           in.URLs,
	}
	normalize.Apply(t)
	return t
}

// UpsertTender writes a tender keyed by id_pncp, replacing every metadata
// column, and maintains the side tables: the raw source payload is always
// archived, a version row is added when the metadata hash changes, and
// fingerprint peers are linked to a canonical row.
func (s *Store) UpsertTender(ctx context.Context, in TenderInput) (*SavedTender, error) {
	resolveSource(&in)
	if in.IDPNCP == "" {
		return nil, fmt.Errorf("store: upsert tender: id_pncp is required")
	}
	t := toNormalized(in)
	hash := dedupe.HashMetadados(t)
	fp := dedupe.FingerprintTender(t)
	urlsJSON, err := json.Marshal(t.URLs)
	if err != nil {
		return nil, fmt.Errorf("store: marshal urls: %w", err)
	}

	var saved SavedTender
	err = dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		var prevHash sql.NullString
		var prevID int64
		existed := true
		err := tx.QueryRowContext(ctx,
			`SELECT id, COALESCE(hash_metadados,'') FROM tender WHERE id_pncp=?`, t.IDPNCP,
		).Scan(&prevID, &prevHash)
		if errors.Is(err, sql.ErrNoRows) {
			existed = false
		} else if err != nil {
			return err
		}

		now := nowUTC()
		err = tx.QueryRowContext(ctx, `
			INSERT INTO tender (id_pncp, source, source_id, orgao, orgao_norm, municipio, municipio_norm,
			                    uf, uf_norm, modalidade, modalidade_norm, objeto, objeto_norm, fingerprint,
			                    data_publicacao, status, status_norm, urls, hash_metadados, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT (id_pncp) DO UPDATE SET
			  source=excluded.source,
			  source_id=excluded.source_id,
			  orgao=excluded.orgao,
			  orgao_norm=excluded.orgao_norm,
			  municipio=excluded.municipio,
			  municipio_norm=excluded.municipio_norm,
			  uf=excluded.uf,
			  uf_norm=excluded.uf_norm,
			  modalidade=excluded.modalidade,
			  modalidade_norm=excluded.modalidade_norm,
			  objeto=excluded.objeto,
			  objeto_norm=excluded.objeto_norm,
			  fingerprint=excluded.fingerprint,
			  data_publicacao=excluded.data_publicacao,
			  status=excluded.status,
			  status_norm=excluded.status_norm,
			  urls=excluded.urls,
			  hash_metadados=excluded.hash_metadados,
			  updated_at=excluded.updated_at
			RETURNING id, id_pncp, COALESCE(source,''), COALESCE(source_id,''), COALESCE(hash_metadados,''), updated_at`,
			t.IDPNCP, nullStr(t.Source), nullStr(t.SourceID),
			nullStr(t.Orgao), nullStr(t.OrgaoNorm), nullStr(t.Municipio), nullStr(t.MunicipioNorm),
			nullStr(t.UF), nullStr(t.UFNorm), nullStr(t.Modalidade), nullStr(t.ModalidadeNorm),
			nullStr(t.Objeto), nullStr(t.ObjetoNorm), nullStr(fp),
			nullStr(t.DataPublicacao), nullStr(t.Status), nullStr(t.StatusNorm),
			string(urlsJSON), hash, now, now,
		).Scan(&saved.ID, &saved.IDPNCP, &saved.Source, &saved.SourceID, &saved.HashMetadados, &saved.UpdatedAt)
		if err != nil {
			return err
		}

		srcPayload := in.SourcePayload
		if len(srcPayload) == 0 {
			srcPayload, _ = json.Marshal(t)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tender_source_payload (tender_id, source, source_id, payload) VALUES (?,?,?,?)`,
			saved.ID, saved.Source, nullStr(saved.SourceID), string(srcPayload),
		); err != nil {
			return err
		}

		if !existed || prevHash.String != hash {
			versionPayload, _ := json.Marshal(t)
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO tender_version (tender_id, hash_metadados, payload) VALUES (?,?,?)`,
				saved.ID, hash, string(versionPayload),
			); err != nil {
				return err
			}
		}

		if fp != "" {
			if err := linkCanonical(ctx, tx, fp, saved.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: upsert tender %s: %w", t.IDPNCP, err)
	}
	return &saved, nil
}

// linkCanonical points the new row (and, if needed, its oldest fingerprint
// peer) at one canonical tender. The lowest-id peer wins so the link is
// stable under replays.
func linkCanonical(ctx context.Context, tx *sql.Tx, fp string, id int64) error {
	var peerID int64
	var peerCanonical sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT id, canonical_tender_id FROM tender WHERE fingerprint=? AND id <> ? ORDER BY id ASC LIMIT 1`,
		fp, id,
	).Scan(&peerID, &peerCanonical)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	canonical := peerID
	if peerCanonical.Valid {
		canonical = peerCanonical.Int64
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tender SET canonical_tender_id=? WHERE id=?`, canonical, id); err != nil {
		return err
	}
	if !peerCanonical.Valid {
		if _, err := tx.ExecContext(ctx, `UPDATE tender SET canonical_tender_id=? WHERE id=?`, canonical, peerID); err != nil {
			return err
		}
	}
	return nil
}

// EnsureTender resolves a tender referenced by a queue message, creating it
// from the message's metadata when it does not exist yet. Unlike
// UpsertTender it never overwrites present columns with absent ones, so a
// sparse replay cannot erase data.
func (s *Store) EnsureTender(ctx context.Context, in TenderInput) (int64, error) {
	resolveSource(&in)
	if in.IDPNCP == "" {
		return 0, fmt.Errorf("store: ensure tender: id_pncp is required")
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM tender WHERE id_pncp=?`, in.IDPNCP).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("store: ensure tender: %w", err)
	}
	if in.Source != "" && in.SourceID != "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT id FROM tender WHERE source=? AND source_id=?`, in.Source, in.SourceID).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("store: ensure tender: %w", err)
		}
	}

	saved, err := s.UpsertTender(ctx, in)
	if err != nil {
		return 0, err
	}
	return saved.ID, nil
}

const tenderColumns = `id, id_pncp, COALESCE(source,''), COALESCE(source_id,''),
	COALESCE(orgao,''), COALESCE(orgao_norm,''), COALESCE(municipio,''), COALESCE(municipio_norm,''),
	COALESCE(uf,''), COALESCE(uf_norm,''), COALESCE(modalidade,''), COALESCE(modalidade_norm,''),
	COALESCE(objeto,''), COALESCE(objeto_norm,''), COALESCE(fingerprint,''), COALESCE(canonical_tender_id,0),
	COALESCE(data_publicacao,''), COALESCE(status,''), COALESCE(status_norm,''), COALESCE(urls,'{}'),
	COALESCE(hash_metadados,''), COALESCE(materia,''), COALESCE(categoria,''), COALESCE(materia_confidence,0),
	COALESCE(materia_source,''), COALESCE(materia_tags,'[]'), created_at, updated_at`

func scanTender(row interface{ Scan(...any) error }) (*Tender, error) {
	var t Tender
	var urlsJSON, tagsJSON string
	err := row.Scan(
		&t.ID, &t.IDPNCP, &t.Source, &t.SourceID,
		&t.Orgao, &t.OrgaoNorm, &t.Municipio, &t.MunicipioNorm,
		&t.UF, &t.UFNorm, &t.Modalidade, &t.ModalidadeNorm,
		&t.Objeto, &t.ObjetoNorm, &t.Fingerprint, &t.CanonicalTenderID,
		&t.DataPublicacao, &t.Status, &t.StatusNorm, &urlsJSON,
		&t.HashMetadados, &t.Materia, &t.Categoria, &t.MateriaConfidence,
		&t.MateriaSource, &tagsJSON, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if urlsJSON != "" {
		_ = json.Unmarshal([]byte(urlsJSON), &t.URLs)
	}
	if tagsJSON != "" {
		_ = json.Unmarshal([]byte(tagsJSON), &t.MateriaTags)
	}
	return &t, nil
}

// GetTender fetches a tender by numeric id.
func (s *Store) GetTender(ctx context.Context, id int64) (*Tender, error) {
	return scanTender(s.db.QueryRowContext(ctx, `SELECT `+tenderColumns+` FROM tender WHERE id=?`, id))
}

// GetTenderByPNCP fetches a tender by its control number.
func (s *Store) GetTenderByPNCP(ctx context.Context, idPNCP string) (*Tender, error) {
	return scanTender(s.db.QueryRowContext(ctx, `SELECT `+tenderColumns+` FROM tender WHERE id_pncp=?`, idPNCP))
}

// GetTenderBySource fetches a tender by its source identity.
func (s *Store) GetTenderBySource(ctx context.Context, source, sourceID string) (*Tender, error) {
	return scanTender(s.db.QueryRowContext(ctx,
		`SELECT `+tenderColumns+` FROM tender WHERE source=? AND source_id=?`, source, sourceID))
}

// RecentTenders lists tenders published at or after since, newest first.
// The digest selects on publication date, not ingestion time, so a tender
// published inside the window still shows up when it arrives late.
func (s *Store) RecentTenders(ctx context.Context, since time.Time, limit int) ([]*Tender, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tenderColumns+` FROM tender WHERE data_publicacao >= ? ORDER BY data_publicacao DESC LIMIT ?`,
		since.UTC().Format("2006-01-02"), limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent tenders: %w", err)
	}
	defer rows.Close()
	var out []*Tender
	for rows.Next() {
		t, err := scanTender(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Enrichment is the agent-derived classification written onto a tender.
type Enrichment struct {
	Materia    string
	Categoria  string
	Confidence float64
	Tags       []string
}

// ApplyEnrichment stores the agent classification. Empty fields clear the
// corresponding columns.
func (s *Store) ApplyEnrichment(ctx context.Context, tenderID int64, e Enrichment) error {
	tags, _ := json.Marshal(e.Tags)
	_, err := s.db.ExecContext(ctx, `
		UPDATE tender
		SET materia=?, categoria=?, materia_confidence=?, materia_source='agent',
		    materia_tags=?, materia_updated_at=?
		WHERE id=?`,
		nullStr(e.Materia), nullStr(e.Categoria), e.Confidence, string(tags), nowUTC(), tenderID)
	if err != nil {
		return fmt.Errorf("store: apply enrichment: %w", err)
	}
	return nil
}
