package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeOllama(t *testing.T, status int, embeddings [][]float32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.WriteHeader(status)
		case "/api/embed":
			var req embedRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if req.Model != "nomic" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(embedResponse{Embeddings: embeddings})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaEmbedderNormalizes(t *testing.T) {
	srv := fakeOllama(t, http.StatusOK, [][]float32{{3, 4}})
	e := NewOllamaEmbedder(srv.URL, "nomic", 2)

	vec, err := e.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.InDelta(t, 0.6, vec[0], 1e-6)
	assert.InDelta(t, 0.8, vec[1], 1e-6)
	assert.Equal(t, 2, e.Dimensions())
	assert.Equal(t, "nomic", e.Model())
}

func TestOllamaEmbedderEmptyTextSkipsRequest(t *testing.T) {
	e := NewOllamaEmbedder("http://127.0.0.1:1", "nomic", 3)

	vec, err := e.Embed(context.Background(), "   ")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0}, vec)
}

func TestOllamaEmbedderErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		embeddings [][]float32
		want       string
	}{
		{"server error", http.StatusInternalServerError, nil, "status 500"},
		{"no embeddings", http.StatusOK, [][]float32{}, "no embeddings"},
		{"dimension mismatch", http.StatusOK, [][]float32{{1, 2, 3}}, "3 dimensions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := fakeOllama(t, tt.status, tt.embeddings)
			e := NewOllamaEmbedder(srv.URL, "nomic", 2)

			_, err := e.Embed(context.Background(), "some text")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestOllamaHealthCheck(t *testing.T) {
	ok := fakeOllama(t, http.StatusOK, nil)
	assert.NoError(t, NewOllamaEmbedder(ok.URL, "nomic", 2).HealthCheck(context.Background()))

	down := fakeOllama(t, http.StatusServiceUnavailable, nil)
	err := NewOllamaEmbedder(down.URL, "nomic", 2).HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}
