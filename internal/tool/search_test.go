package tool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestSearchClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.MaxResults != 3 {
			t.Errorf("got max_results %d, want 3", req.MaxResults)
		}
		json.NewEncoder(w).Encode(searchResponse{
			Results: []Snippet{
				{Title: "hit", URL: "https://example.com", Content: "about " + req.Query, Score: 0.9},
			},
		})
	}))
	defer srv.Close()

	c := NewSearchClient(SearchConfig{Endpoint: srv.URL, APIKey: "sk-test"}, zap.NewNop())
	snippets, err := c.Search(context.Background(), "golang")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(snippets) != 1 || snippets[0].Content != "about golang" {
		t.Errorf("unexpected snippets: %+v", snippets)
	}
}

func TestSearchClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewSearchClient(SearchConfig{Endpoint: srv.URL}, zap.NewNop())
	if _, err := c.Search(context.Background(), "x"); err == nil {
		t.Fatal("expected error on 500")
	}
}
