package normalize

import "testing"

func TestFold(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"Pregão Eletrônico", "pregao eletronico"},
		{"SÃO PAULO", "sao paulo"},
		{"Licitação", "licitacao"},
		{"plain ascii", "plain ascii"},
	}
	for _, tt := range tests {
		if got := Fold(tt.in); got != tt.want {
			t.Errorf("Fold(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFoldIdempotent(t *testing.T) {
	for _, s := range []string{"Pregão", "concorrência", "café com açúcar", "x"} {
		once := Fold(s)
		if twice := Fold(once); twice != once {
			t.Errorf("Fold not idempotent for %q: %q != %q", s, once, twice)
		}
	}
}

func TestUF(t *testing.T) {
	tests := []struct{ in, want string }{
		{"sp", "SP"},
		{" rj ", "RJ"},
		{"SPX", ""},
		{"S", ""},
		{"12", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := UF(tt.in); got != tt.want {
			t.Errorf("UF(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSplitMunicipioUF(t *testing.T) {
	tests := []struct {
		in       string
		city, uf string
	}{
		{"Campinas/SP", "Campinas", "SP"},
		{"Rio de Janeiro - RJ", "Rio de Janeiro", "RJ"},
		{"Belo Horizonte MG", "Belo Horizonte", "MG"},
		{"Brasília", "Brasília", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		city, uf := SplitMunicipioUF(tt.in)
		if city != tt.city || uf != tt.uf {
			t.Errorf("SplitMunicipioUF(%q) = (%q, %q), want (%q, %q)", tt.in, city, uf, tt.city, tt.uf)
		}
	}
}

func TestModalidade(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Pregão Eletrônico", ModalidadePregao},
		{"pregao presencial", ModalidadePregao},
		{"Concorrência Pública", ModalidadeConcorrencia},
		{"Dispensa de Licitação", ModalidadeDispensa},
		{"Inexigibilidade", ModalidadeInexigibilidade},
		{"Carta Convite", ModalidadeConvite},
		{"Tomada de Preços", ModalidadeTomadaPrecos},
		{"RDC", ModalidadeRDC},
		{"Leilão", ModalidadeLeilao},
		{"chamamento publico", ModalidadeOutra},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Modalidade(tt.in); got != tt.want {
			t.Errorf("Modalidade(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStatus(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Divulgada e Aberta", StatusOpen},
		{"Publicada", StatusOpen},
		{"Em Andamento", StatusInProgress},
		{"Encerrada", StatusClosed},
		{"Homologada", StatusClosed},
		{"Cancelada", StatusCanceled},
		{"Revogada", StatusCanceled},
		{"Suspensa", StatusSuspended},
		{"Deserta", StatusFailed},
		{"algo estranho", StatusUnknown},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Status(tt.in); got != tt.want {
			t.Errorf("Status(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestApply(t *testing.T) {
	td := &Tender{
		Orgao:      "  Prefeitura   de Campinas ",
		Municipio:  "Campinas/SP",
		Modalidade: "Pregão Eletrônico",
		Status:     "Divulgada e Aberta",
		Objeto:     "Serviços  de   limpeza",
	}
	Apply(td)

	if td.OrgaoNorm != "Prefeitura de Campinas" {
		t.Errorf("OrgaoNorm = %q", td.OrgaoNorm)
	}
	if td.Municipio != "Campinas" || td.UF != "SP" {
		t.Errorf("municipio/uf = %q/%q", td.Municipio, td.UF)
	}
	if td.UFNorm != "SP" {
		t.Errorf("UFNorm = %q", td.UFNorm)
	}
	if td.ModalidadeNorm != ModalidadePregao {
		t.Errorf("ModalidadeNorm = %q", td.ModalidadeNorm)
	}
	if td.StatusNorm != StatusOpen {
		t.Errorf("StatusNorm = %q", td.StatusNorm)
	}
	if td.Objeto != "Serviços de limpeza" || td.ObjetoNorm != "Serviços de limpeza" {
		t.Errorf("objeto = %q norm = %q", td.Objeto, td.ObjetoNorm)
	}
}

func TestApplyExplicitUFWins(t *testing.T) {
	td := &Tender{Municipio: "Campinas/SP", UF: "rj"}
	Apply(td)
	if td.UFNorm != "RJ" {
		t.Errorf("UFNorm = %q, want RJ", td.UFNorm)
	}
}

func TestApplyIdempotent(t *testing.T) {
	td := &Tender{
		Orgao:      "Prefeitura de Campinas",
		Municipio:  "Campinas/SP",
		UF:         "sp",
		Modalidade: "Pregão",
		Status:     "Aberta",
		Objeto:     "Serviços de limpeza",
	}
	Apply(td)
	first := *td
	Apply(td)
	if td.OrgaoNorm != first.OrgaoNorm || td.Municipio != first.Municipio ||
		td.UFNorm != first.UFNorm || td.ModalidadeNorm != first.ModalidadeNorm ||
		td.StatusNorm != first.StatusNorm || td.ObjetoNorm != first.ObjetoNorm {
		t.Errorf("Apply not idempotent:\n first=%+v\nsecond=%+v", first, *td)
	}
}
