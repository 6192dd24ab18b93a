// Package dedupe derives the two stable digests used to deduplicate
// tenders: the metadata hash (change detection and versioning) and the
// cross-source fingerprint (canonical linking of the same opportunity seen
// from different catalogs).
package dedupe

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/hazyhaar/radar/normalize"
)

// canonicalJSON renders m with sorted keys, compact separators and no HTML
// escaping, which keeps the digest stable across processes.
func canonicalJSON(m map[string]any) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encode appends a trailing newline; strip it so the digest covers the
	// object bytes only.
	if err := enc.Encode(m); err != nil {
		return nil
	}
	return bytes.TrimRight(buf.Bytes(), "\n")
}

// nullable maps the empty string to JSON null, matching upstream payloads
// where absent fields are null rather than "".
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// HashMetadados returns the sha-256 hex digest of the canonical JSON of the
// identity and core attributes. Two payloads with the same relevant fields
// hash identically regardless of field order or extra noise.
func HashMetadados(t *normalize.Tender) string {
	key := map[string]any{
		"id_pncp":         nullable(t.IDPNCP),
		"source":          nullable(t.Source),
		"source_id":       nullable(t.SourceID),
		"orgao":           nullable(t.Orgao),
		"municipio":       nullable(t.Municipio),
		"uf":              nullable(t.UF),
		"modalidade":      nullable(t.Modalidade),
		"objeto":          nullable(t.Objeto),
		"data_publicacao": nullable(t.DataPublicacao),
		"status":          nullable(t.Status),
		"urls":            urlsOrNil(t.URLs),
	}
	sum := sha256.Sum256(canonicalJSON(key))
	return hex.EncodeToString(sum[:])
}

// FingerprintTender returns the cross-source fingerprint: a digest over the
// normalized attributes only, excluding identifiers and status. Returns ""
// when every included field is empty — such tenders carry nothing to match
// a twin on.
func FingerprintTender(t *normalize.Tender) string {
	key := map[string]any{
		"orgao_norm":      nullable(t.OrgaoNorm),
		"municipio_norm":  nullable(t.MunicipioNorm),
		"uf_norm":         nullable(t.UFNorm),
		"modalidade_norm": nullable(t.ModalidadeNorm),
		"objeto_norm":     nullable(t.ObjetoNorm),
		"data_publicacao": nullable(t.DataPublicacao),
	}
	empty := true
	for _, v := range key {
		if v != nil {
			empty = false
			break
		}
	}
	if empty {
		return ""
	}
	sum := sha256.Sum256(canonicalJSON(key))
	return hex.EncodeToString(sum[:])
}

func urlsOrNil(urls map[string]string) any {
	if len(urls) == 0 {
		return nil
	}
	return urls
}
