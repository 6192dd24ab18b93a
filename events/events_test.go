package events

import (
	"context"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/radar/dbopen"
	"github.com/hazyhaar/radar/store"
)

func TestLogWritesEvent(t *testing.T) {
	ctx := context.Background()
	st, err := store.New(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	l := New(st, true, 1.0)

	l.Log(ctx, "triage", "consumed", 0, 0, map[string]any{"queue": "q:triage"})

	got, err := st.ListEvents(ctx, store.EventFilter{Stage: "triage"})
	if err != nil || len(got) != 1 {
		t.Fatalf("events = %d err=%v", len(got), err)
	}
	if got[0].Status != "consumed" {
		t.Fatalf("status = %q", got[0].Status)
	}
}

func TestDisabledLoggerWritesNothing(t *testing.T) {
	ctx := context.Background()
	st, err := store.New(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	l := New(st, false, 1.0)
	l.Log(ctx, "parse", "ok", 1, 1, nil)

	got, err := st.ListEvents(ctx, store.EventFilter{})
	if err != nil || len(got) != 0 {
		t.Fatalf("events = %d err=%v", len(got), err)
	}
}

func TestZeroSampleDropsEverything(t *testing.T) {
	ctx := context.Background()
	st, err := store.New(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	l := New(st, true, 0)
	for range 50 {
		l.Log(ctx, "parse", "ok", 0, 0, nil)
	}
	got, _ := st.ListEvents(ctx, store.EventFilter{})
	if len(got) != 0 {
		t.Fatalf("sample=0 wrote %d events", len(got))
	}
}
