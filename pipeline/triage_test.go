package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/radar/dbopen"
	"github.com/hazyhaar/radar/events"
	"github.com/hazyhaar/radar/metrics"
	"github.com/hazyhaar/radar/queue"
	"github.com/hazyhaar/radar/store"
	"github.com/hazyhaar/radar/triage"
)

type triageEnv struct {
	w    *TriageWorker
	q    *queue.Client
	st   *store.Store
	sink *metrics.Sink
}

func newTriageEnv(t *testing.T, rules *triage.Rules) *triageEnv {
	t.Helper()
	st, err := store.New(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := queue.New(rdb, 0)
	sink := metrics.New(rdb)
	ev := events.New(st, true, 1.0)
	w := NewTriageWorker(q, st, rules, sink, ev, nil, TriageConfig{
		MinScore:     2,
		RetryBackoff: time.Millisecond,
	})
	return &triageEnv{w: w, q: q, st: st, sink: sink}
}

func seedTender(t *testing.T, st *store.Store, in store.TenderInput) *store.SavedTender {
	t.Helper()
	saved, err := st.UpsertTender(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	return saved
}

func popFetch(t *testing.T, q *queue.Client) *fetchRequest {
	t.Helper()
	raw, err := q.PopBlocking(context.Background(), queue.FetchParse, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if raw == nil {
		return nil
	}
	var req fetchRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		t.Fatal(err)
	}
	return &req
}

func counter(t *testing.T, sink *metrics.Sink, name string) int64 {
	t.Helper()
	got, err := sink.Counters(context.Background(), []string{name})
	if err != nil {
		t.Fatal(err)
	}
	return got[name]
}

func TestTriageEnqueuesScoringTender(t *testing.T) {
	ctx := context.Background()
	env := newTriageEnv(t, nil)
	saved := seedTender(t, env.st, store.TenderInput{
		IDPNCP:     "00000000000191-1-000001/2025",
		UF:         "SP",
		Modalidade: "Pregão Eletrônico",
		Objeto:     "Aquisição de material de limpeza hospitalar",
		URLs:       map[string]string{"pncp": "https://pncp.gov.br/app/contratacoes/x"},
	})

	msg := []byte(`{"tender_id":` + jsonInt(saved.ID) + `}`)
	if err := env.w.Handle(ctx, msg); err != nil {
		t.Fatal(err)
	}

	req := popFetch(t, env.q)
	if req == nil {
		t.Fatal("no fetch request enqueued")
	}
	if req.TenderID != saved.ID {
		t.Fatalf("tender_id = %d, want %d", req.TenderID, saved.ID)
	}
	if req.URL != "https://pncp.gov.br/app/contratacoes/x" {
		t.Fatalf("url = %q", req.URL)
	}
	if req.Score < 2 {
		t.Fatalf("score = %d, want >= 2", req.Score)
	}
	if len(req.Reasons) == 0 {
		t.Fatal("reasons empty")
	}
	if got := counter(t, env.sink, "worker.triage.enqueued_fetch_total"); got != 1 {
		t.Fatalf("enqueued_fetch_total = %d", got)
	}
}

func TestTriageSkipsLowScore(t *testing.T) {
	ctx := context.Background()
	env := newTriageEnv(t, nil)
	saved := seedTender(t, env.st, store.TenderInput{
		IDPNCP: "00000000000191-1-000002/2025",
		UF:     "AC",
		Objeto: "Assunto sem interesse",
		URLs:   map[string]string{"pncp": "https://example.com/t"},
	})

	if err := env.w.Handle(ctx, []byte(`{"tender_id":`+jsonInt(saved.ID)+`}`)); err != nil {
		t.Fatal(err)
	}
	if n, _ := env.q.Len(ctx, queue.FetchParse); n != 0 {
		t.Fatalf("fetch queue = %d, want 0", n)
	}
}

func TestTriageForceFetchBypassesScore(t *testing.T) {
	ctx := context.Background()
	env := newTriageEnv(t, nil)
	saved := seedTender(t, env.st, store.TenderInput{
		IDPNCP: "00000000000191-1-000003/2025",
		UF:     "AC",
		Objeto: "Assunto sem interesse",
		URLs:   map[string]string{"url": "https://example.com/t"},
	})

	if err := env.w.Handle(ctx, []byte(`{"tender_id":`+jsonInt(saved.ID)+`,"force_fetch":true}`)); err != nil {
		t.Fatal(err)
	}
	req := popFetch(t, env.q)
	if req == nil || !req.ForceFetch {
		t.Fatalf("req = %+v, want force_fetch", req)
	}
}

func TestTriageAllowlistDropsAndForceOverrides(t *testing.T) {
	ctx := context.Background()
	rules := triage.DefaultRules()
	rules.AllowUFs = []string{"SP"}
	env := newTriageEnv(t, rules)
	saved := seedTender(t, env.st, store.TenderInput{
		IDPNCP:     "00000000000191-1-000004/2025",
		UF:         "RJ",
		Modalidade: "Pregão Eletrônico",
		Objeto:     "Serviços de limpeza e vigilância",
		URLs:       map[string]string{"pncp": "https://example.com/t"},
	})

	if err := env.w.Handle(ctx, []byte(`{"tender_id":`+jsonInt(saved.ID)+`}`)); err != nil {
		t.Fatal(err)
	}
	if n, _ := env.q.Len(ctx, queue.FetchParse); n != 0 {
		t.Fatalf("allowlisted-out tender was enqueued")
	}
	got, err := env.st.ListEvents(ctx, store.EventFilter{Stage: "triage"})
	if err != nil {
		t.Fatal(err)
	}
	dropped := false
	for _, e := range got {
		if e.Status == "drop_uf_allowlist" {
			dropped = true
		}
	}
	if !dropped {
		t.Fatal("drop_uf_allowlist event not recorded")
	}

	// force_fetch skips the allowlist gate.
	if err := env.w.Handle(ctx, []byte(`{"tender_id":`+jsonInt(saved.ID)+`,"force_fetch":true}`)); err != nil {
		t.Fatal(err)
	}
	if req := popFetch(t, env.q); req == nil {
		t.Fatal("forced tender not enqueued")
	}
}

func TestTriageNestedPayloadShapes(t *testing.T) {
	ctx := context.Background()
	env := newTriageEnv(t, nil)
	seedTender(t, env.st, store.TenderInput{
		IDPNCP:     "00000000000191-1-000005/2025",
		UF:         "SP",
		Modalidade: "Pregão Eletrônico",
		Objeto:     "Compra de medicamentos e material hospitalar",
	})

	// urls arrives JSON-encoded inside a string, nested under payload.
	msg := []byte(`{"payload":{"id_pncp":"00000000000191-1-000005/2025","urls":"{\"pncp\":\"https://example.com/nested\"}"}}`)
	if err := env.w.Handle(ctx, msg); err != nil {
		t.Fatal(err)
	}
	req := popFetch(t, env.q)
	if req == nil {
		t.Fatal("nested payload not enqueued")
	}
	if req.URL != "https://example.com/nested" {
		t.Fatalf("url = %q", req.URL)
	}
	if req.IDPNCP != "00000000000191-1-000005/2025" {
		t.Fatalf("id_pncp = %q", req.IDPNCP)
	}
}

func TestTriageBareURLString(t *testing.T) {
	if got := decodeURLs(json.RawMessage(`"https://example.com/doc"`)); got["raw"] != "https://example.com/doc" {
		t.Fatalf("decodeURLs = %v", got)
	}
}

func TestTriageMalformedMessageDropped(t *testing.T) {
	ctx := context.Background()
	env := newTriageEnv(t, nil)
	if err := env.w.Handle(ctx, []byte(`{nope`)); err != nil {
		t.Fatalf("malformed message should not error: %v", err)
	}
	if n, _ := env.q.Len(ctx, queue.FetchParse); n != 0 {
		t.Fatal("malformed message enqueued")
	}
}

func TestTriageDeadAfterRetries(t *testing.T) {
	ctx := context.Background()
	env := newTriageEnv(t, nil)

	raw, err := queue.WithRetries([]byte(`{"tender_id":1}`), env.w.cfg.MaxRetries)
	if err != nil {
		t.Fatal(err)
	}
	env.w.retryOrDead(ctx, raw, context.DeadlineExceeded)

	deadRaw, err := env.q.PopBlocking(ctx, queue.DeadTriage, time.Second)
	if err != nil || deadRaw == nil {
		t.Fatalf("dead queue empty: %v", err)
	}
	var dead queue.DeadEnvelope
	if err := json.Unmarshal(deadRaw, &dead); err != nil {
		t.Fatal(err)
	}
	if dead.Reason != "triage_failed" {
		t.Fatalf("reason = %q", dead.Reason)
	}
	if got := counter(t, env.sink, "worker.triage.dead_total"); got != 1 {
		t.Fatalf("dead_total = %d", got)
	}
}

func jsonInt(n int64) string {
	data, _ := json.Marshal(n)
	return string(data)
}
