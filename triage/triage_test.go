package triage

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestScoreKeywordUFModality(t *testing.T) {
	r := DefaultRules()
	res := r.Score(Input{
		Objeto:     "Contratação de serviços de limpeza hospitalar",
		UF:         "SP",
		Modalidade: "Pregão Eletrônico",
	})
	if res.Score != 5 {
		t.Fatalf("score = %d, want 5 (limpeza 3 + SP 1 + pregao 1); reasons=%v", res.Score, res.Reasons)
	}
	want := []string{"kw:limpeza+3", "uf:SP+1", "modalidade:pregao+1"}
	if !reflect.DeepEqual(res.Reasons, want) {
		t.Fatalf("reasons = %v, want %v", res.Reasons, want)
	}
}

func TestScoreAccentFolded(t *testing.T) {
	r := DefaultRules()
	res := r.Score(Input{Objeto: "Manutenção predial e serviços de saúde"})
	if res.Score != 4 {
		t.Fatalf("score = %d, want 4 (manutencao 2 + saude 2); reasons=%v", res.Score, res.Reasons)
	}
}

func TestScoreWordBoundary(t *testing.T) {
	r := DefaultRules()
	// "ti" must not match inside other words.
	res := r.Score(Input{Objeto: "aquisição de tintas"})
	if res.Score != 0 {
		t.Fatalf("score = %d, want 0; reasons=%v", res.Score, res.Reasons)
	}
	res = r.Score(Input{Objeto: "serviços de TI"})
	if res.Score != 2 {
		t.Fatalf("score = %d, want 2; reasons=%v", res.Score, res.Reasons)
	}
}

func TestScoreEmpty(t *testing.T) {
	r := DefaultRules()
	res := r.Score(Input{})
	if res.Score != 0 || len(res.Reasons) != 0 {
		t.Fatalf("empty input scored %d %v", res.Score, res.Reasons)
	}
}

func TestGates(t *testing.T) {
	r := DefaultRules()
	if !r.AllowUF("RJ") || !r.AllowMunicipio("qualquer") {
		t.Fatal("empty allowlists must allow everything")
	}

	r.AllowUFs = []string{"sp", "RJ"}
	if !r.AllowUF("SP") || !r.AllowUF("rj") {
		t.Fatal("allowlisted UFs rejected")
	}
	if r.AllowUF("MG") || r.AllowUF("") {
		t.Fatal("non-allowlisted UF accepted")
	}

	r.AllowMunicipios = []string{"São Paulo"}
	if !r.AllowMunicipio("sao paulo") {
		t.Fatal("folded municipality match failed")
	}
	if r.AllowMunicipio("Campinas") {
		t.Fatal("non-allowlisted municipality accepted")
	}
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	data := []byte("keywords:\n  obras: 5\nuf_weights:\n  MG: 2\nmin_score: 3\nallow_ufs: [MG]\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := LoadRules(path)
	if err != nil {
		t.Fatal(err)
	}
	if r.Keywords["obras"] != 5 || r.UFWeights["MG"] != 2 || r.MinScore != 3 {
		t.Fatalf("rules not loaded: %+v", r)
	}
	res := r.Score(Input{Objeto: "execução de obras civis", UF: "MG"})
	if res.Score != 7 {
		t.Fatalf("score = %d, want 7; reasons=%v", res.Score, res.Reasons)
	}
}

func TestLoadRulesEmptyPathUsesDefaults(t *testing.T) {
	r, err := LoadRules("")
	if err != nil {
		t.Fatal(err)
	}
	if r.Keywords["limpeza"] != 3 {
		t.Fatalf("defaults not applied: %+v", r)
	}
}
