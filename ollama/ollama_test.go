package ollama

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Fatalf("path = %q", r.URL.Path)
		}
		var req struct {
			Model    string    `json:"model"`
			Messages []Message `json:"messages"`
			Stream   bool      `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Model != "llama3.1:8b" || req.Stream {
			t.Fatalf("req = %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"message": Message{Role: "assistant", Content: "resposta"},
		})
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, ChatModel: "llama3.1:8b"})
	got, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "oi"}})
	if err != nil {
		t.Fatal(err)
	}
	if got != "resposta" {
		t.Fatalf("content = %q", got)
	}
}

func TestChatErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()
	c := New(Config{URL: srv.URL})
	if _, err := c.Chat(context.Background(), nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestEmbedDimCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float64{1, 2, 3}})
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, EmbedDim: 3})
	vec, err := c.Embed(context.Background(), "texto")
	if err != nil || len(vec) != 3 {
		t.Fatalf("vec=%v err=%v", vec, err)
	}

	bad := New(Config{URL: srv.URL, EmbedDim: 768})
	if _, err := bad.Embed(context.Background(), "texto"); err == nil {
		t.Fatal("dim mismatch should fail")
	}
}

func TestEmbedEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float64{}})
	}))
	defer srv.Close()
	c := New(Config{URL: srv.URL})
	if _, err := c.Embed(context.Background(), "x"); err == nil {
		t.Fatal("empty embedding should fail")
	}
}

func TestCosineSimilarity(t *testing.T) {
	if got := CosineSimilarity([]float64{1, 0}, []float64{1, 0}); math.Abs(got-1) > 1e-9 {
		t.Fatalf("identical = %v", got)
	}
	if got := CosineSimilarity([]float64{1, 0}, []float64{0, 1}); math.Abs(got) > 1e-9 {
		t.Fatalf("orthogonal = %v", got)
	}
	if got := CosineSimilarity([]float64{1}, []float64{1, 2}); got != 0 {
		t.Fatalf("mismatched = %v", got)
	}
	if got := CosineSimilarity(nil, nil); got != 0 {
		t.Fatalf("nil = %v", got)
	}
}
