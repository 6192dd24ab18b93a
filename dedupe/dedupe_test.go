package dedupe

import (
	"testing"

	"github.com/hazyhaar/radar/normalize"
)

func sample() *normalize.Tender {
	t := &normalize.Tender{
		IDPNCP:         "pncp:123",
		Source:         "pncp",
		SourceID:       "123",
		Orgao:          "Prefeitura de Campinas",
		Municipio:      "Campinas",
		UF:             "SP",
		Modalidade:     "Pregão Eletrônico",
		Objeto:         "Serviços de limpeza",
		DataPublicacao: "2024-01-01T00:00:00Z",
		Status:         "Aberta",
		URLs:           map[string]string{"pncp": "https://example.gov/1"},
	}
	normalize.Apply(t)
	return t
}

func TestHashMetadadosStable(t *testing.T) {
	a := HashMetadados(sample())
	b := HashMetadados(sample())
	if a == "" || a != b {
		t.Fatalf("hash not stable: %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("hash length = %d, want 64", len(a))
	}
}

func TestHashMetadadosChangesWithContent(t *testing.T) {
	base := HashMetadados(sample())

	changed := sample()
	changed.Objeto = "Serviços de vigilância"
	if HashMetadados(changed) == base {
		t.Fatal("hash unchanged after objeto change")
	}

	reordered := sample()
	reordered.URLs = map[string]string{"pncp": "https://example.gov/1"}
	if HashMetadados(reordered) != base {
		t.Fatal("hash changed without a content change")
	}
}

func TestHashMetadadosIgnoresDerivedFields(t *testing.T) {
	a := sample()
	b := sample()
	b.ObjetoNorm = "something else entirely"
	if HashMetadados(a) != HashMetadados(b) {
		t.Fatal("hash must not depend on *_norm fields")
	}
}

func TestFingerprintMatchesAcrossSources(t *testing.T) {
	a := sample()
	b := sample()
	b.IDPNCP = "compras:999"
	b.Source = "compras"
	b.SourceID = "999"
	b.Status = "Encerrada"
	normalize.Apply(b)

	fa, fb := FingerprintTender(a), FingerprintTender(b)
	if fa == "" || fa != fb {
		t.Fatalf("fingerprints differ across sources: %q vs %q", fa, fb)
	}
}

func TestFingerprintEmptyTender(t *testing.T) {
	if fp := FingerprintTender(&normalize.Tender{IDPNCP: "pncp:1", Source: "pncp"}); fp != "" {
		t.Fatalf("fingerprint of empty attributes = %q, want empty", fp)
	}
}

func TestFingerprintDiffersOnObjeto(t *testing.T) {
	a := sample()
	b := sample()
	b.Objeto = "Outro objeto"
	normalize.Apply(b)
	if FingerprintTender(a) == FingerprintTender(b) {
		t.Fatal("fingerprints should differ for different objeto")
	}
}
