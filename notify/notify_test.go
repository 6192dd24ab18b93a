package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/radar/dbopen"
	"github.com/hazyhaar/radar/metrics"
	"github.com/hazyhaar/radar/store"
)

func sampleTender() *store.Tender {
	return &store.Tender{
		ID:         7,
		IDPNCP:     "12345678000190-1-000042/2026",
		Orgao:      "Prefeitura de Campinas",
		Municipio:  "Campinas",
		UF:         "SP",
		Modalidade: "Pregão Eletrônico",
		Status:     "publicada",
		Objeto:     "Contratação de serviços de limpeza urbana",
		URLs:       map[string]string{"pncp": "https://pncp.gov.br/app/editais/x"},
	}
}

func TestFiltersMatch(t *testing.T) {
	tender := sampleTender()
	cases := []struct {
		name    string
		filters string
		want    bool
	}{
		{"empty matches", `{}`, true},
		{"uf match", `{"uf":["SP","RJ"]}`, true},
		{"uf miss", `{"uf":["MG"]}`, false},
		{"uf ALL", `{"uf":"ALL"}`, true},
		{"single string uf", `{"uf":"sp"}`, true},
		{"municipio miss", `{"municipio":["Sorocaba"]}`, false},
		{"modalidade folded", `{"modalidade":["pregao eletronico"]}`, true},
		{"keyword word boundary", `{"keywords":["limpeza"]}`, true},
		{"keyword no partial", `{"keywords":["limp"]}`, false},
		{"keyword accent folded", `{"keywords":["contratação"]}`, true},
		{"materia miss without enrichment", `{"materia":["saude"]}`, false},
		{"categoria keyword on objeto", `{"categoria":["urbana"]}`, true},
		{"malformed filters match all", `{"uf":`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseFilters(json.RawMessage(tc.filters)).Matches(tender)
			if got != tc.want {
				t.Fatalf("Matches = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFiltersCategoriaLabel(t *testing.T) {
	tender := sampleTender()
	tender.Materia = "saude"
	if !ParseFilters(json.RawMessage(`{"categoria":["saude"]}`)).Matches(tender) {
		t.Fatal("categoria should match the enrichment label")
	}
	if ParseFilters(json.RawMessage(`{"categoria":["obras"]}`)).Matches(tender) {
		t.Fatal("categoria without keyword or label hit should not match")
	}
}

func TestFiltersRepublicacoes(t *testing.T) {
	tender := sampleTender()
	tender.Status = "republicada"
	if ParseFilters(json.RawMessage(`{"republicacoes":"new_only"}`)).Matches(tender) {
		t.Fatal("republication should be filtered under new_only")
	}
	if !ParseFilters(json.RawMessage(`{}`)).Matches(tender) {
		t.Fatal("no filter should match republication")
	}
}

func TestParseDelivery(t *testing.T) {
	d := ParseDelivery(nil)
	if !d.PV || !d.Channel {
		t.Fatalf("defaults = %+v", d)
	}
	d = ParseDelivery(json.RawMessage(`{"pv":false}`))
	if d.PV || !d.Channel {
		t.Fatalf("partial = %+v", d)
	}
}

func TestFormatTender(t *testing.T) {
	msg := FormatTender(sampleTender(), 5)
	for _, want := range []string{
		"✅ OPORTUNIDADE — 12345678000190-1-000042/2026",
		"Órgão: Prefeitura de Campinas",
		"Local: Campinas/SP",
		"Score: 5",
		"Resumo: Contratação de serviços de limpeza urbana",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message missing %q:\n%s", want, msg)
		}
	}
	if strings.Contains(FormatTender(sampleTender(), -1), "Score:") {
		t.Fatal("negative score should omit the line")
	}
}

func TestShort(t *testing.T) {
	if got := Short("abcdef", 10); got != "abcdef" {
		t.Fatalf("short = %q", got)
	}
	if got := Short("abcdefghij", 8); got != "abcde..." {
		t.Fatalf("truncated = %q", got)
	}
}

func TestKeyboard(t *testing.T) {
	kb := Keyboard(sampleTender(), "radar_bot")
	if len(kb) != 2 {
		t.Fatalf("rows = %d", len(kb))
	}
	if kb[0][0].Text != "Abrir" || kb[0][0].URL != "https://pncp.gov.br/app/editais/x" {
		t.Fatalf("row0 = %+v", kb[0])
	}
	if kb[0][1].URL != "https://t.me/radar_bot?start=qa_7" {
		t.Fatalf("resumo = %+v", kb[0][1])
	}
	if kb[1][1].URL != "https://t.me/radar_bot?start=follow_7" {
		t.Fatalf("seguir = %+v", kb[1][1])
	}

	// No bot username: only the portal link survives.
	kb = Keyboard(sampleTender(), "")
	if len(kb) != 1 || len(kb[0]) != 1 {
		t.Fatalf("keyboard = %+v", kb)
	}
}

func fanoutDeps(t *testing.T, handler http.HandlerFunc) (*Notifier, *store.Store, *metrics.Sink) {
	t.Helper()
	st, err := store.New(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	sink := metrics.New(rdb)
	tg := NewTelegram("test-token", WithBaseURL(srv.URL))
	n := NewNotifier(tg, st, rdb, sink, FanoutConfig{
		BotUsername: "radar_bot",
		UFChannels:  map[string]string{"SP": "@canal_sp"},
	})
	return n, st, sink
}

func seedSubscription(t *testing.T, st *store.Store, tgUserID int64, filters, delivery string) {
	t.Helper()
	ctx := context.Background()
	if _, err := st.UpsertUser(ctx, store.User{TelegramUserID: tgUserID, Username: "u"}); err != nil {
		t.Fatal(err)
	}
	uid, err := st.UserIDByTelegram(ctx, tgUserID)
	if err != nil {
		t.Fatal(err)
	}
	var f, d json.RawMessage
	if filters != "" {
		f = json.RawMessage(filters)
	}
	if delivery != "" {
		d = json.RawMessage(delivery)
	}
	if _, err := st.CreateSubscription(ctx, uid, f, d, ""); err != nil {
		t.Fatal(err)
	}
}

func TestFanoutPrivateAndChannel(t *testing.T) {
	var sends int64
	var chats []string
	n, st, sink := fanoutDeps(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&sends, 1)
		r.ParseForm()
		chats = append(chats, r.Form.Get("chat_id"))
		if r.Form.Get("disable_web_page_preview") != "true" {
			t.Error("preview not disabled")
		}
		w.Write([]byte(`{"ok":true}`))
	})
	seedSubscription(t, st, 111, `{"uf":["SP"]}`, "")
	seedSubscription(t, st, 222, `{"uf":["MG"]}`, "")

	ctx := context.Background()
	n.Fanout(ctx, "triage", sampleTender(), 5)

	// One private message (111) plus one channel broadcast.
	if atomic.LoadInt64(&sends) != 2 {
		t.Fatalf("sends = %d chats=%v", sends, chats)
	}
	found := map[string]bool{}
	for _, c := range chats {
		found[c] = true
	}
	if !found["111"] || !found["@canal_sp"] || found["222"] {
		t.Fatalf("chats = %v", chats)
	}
	c, _ := sink.Counters(ctx, []string{"notifier.sent_total"})
	if c["notifier.sent_total"] != 2 {
		t.Fatalf("sent counter = %v", c)
	}

	// Both the private message and the channel broadcast are idempotent,
	// so a rerun within the TTL sends nothing.
	n.Fanout(ctx, "triage", sampleTender(), 5)
	if atomic.LoadInt64(&sends) != 2 {
		t.Fatalf("sends after rerun = %d chats=%v", sends, chats)
	}
}

func TestFanoutUserIdempotencyPerStage(t *testing.T) {
	for _, stage := range []string{"triage", "parse"} {
		t.Run(stage, func(t *testing.T) {
			var sends int64
			n, st, _ := fanoutDeps(t, func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt64(&sends, 1)
				w.Write([]byte(`{"ok":true}`))
			})
			seedSubscription(t, st, 111, "", `{"channel":false}`)

			ctx := context.Background()
			n.Fanout(ctx, stage, sampleTender(), -1)
			n.Fanout(ctx, stage, sampleTender(), -1)
			if atomic.LoadInt64(&sends) != 1 {
				t.Fatalf("sends = %d, want 1 for (stage,tender,user)", sends)
			}
		})
	}
}

func TestFanoutUnconfiguredTelegram(t *testing.T) {
	st, err := store.New(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	n := NewNotifier(NewTelegram(""), st, rdb, metrics.New(rdb), FanoutConfig{})
	n.Fanout(context.Background(), "triage", sampleTender(), 1) // must not panic
}
