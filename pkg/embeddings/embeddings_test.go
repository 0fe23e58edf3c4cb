package embeddings

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hverr "github.com/opaque/hevec/pkg/errors"
)

func TestReadDocuments(t *testing.T) {
	docs, err := ReadDocuments(strings.NewReader(`[
		{"doc_id": "d1", "embedding": [0.1, 0.2], "content": "first"},
		{"doc_id": "d2", "content": "second"},
		{"doc_id": "d3", "embedding": [0.3, 0.4]}
	]`))
	require.NoError(t, err)
	require.Len(t, docs, 3)

	assert.Equal(t, 2, docs.Dimension())
	assert.Equal(t, []int{1}, docs.Unembedded())

	ids, vectors, texts := docs.Columns()
	assert.Equal(t, []string{"d1", "d2", "d3"}, ids)
	assert.Equal(t, []float64{0.3, 0.4}, vectors[2])
	assert.Equal(t, []string{"first", "second", ""}, texts)
}

func TestReadDocumentsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", `{`},
		{"not an array", `{"doc_id": "x"}`},
		{"missing id", `[{"embedding": [1]}]`},
		{"empty document", `[{"doc_id": "x"}]`},
		{"mixed dimensions", `[{"doc_id": "a", "embedding": [1, 2]}, {"doc_id": "b", "embedding": [1]}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadDocuments(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.True(t, hverr.IsInvalidInput(err), "got %v", err)
		})
	}
}

func TestLoadDocumentsMissingFile(t *testing.T) {
	_, err := LoadDocuments(filepath.Join(t.TempDir(), "absent.json"))
	assert.True(t, hverr.HasCode(err, hverr.CodeDatasetLoadReadFailure))
}

func TestReadQueries(t *testing.T) {
	queries, err := ReadQueries(strings.NewReader(`[
		{"query_id": "q-a", "embedding": [1, 0]},
		{"text": "what is encrypted search"}
	]`))
	require.NoError(t, err)
	require.Len(t, queries, 2)
	assert.Equal(t, "q-a", queries[0].QueryID)
	assert.Equal(t, "q1", queries[1].QueryID)

	_, err = ReadQueries(strings.NewReader(`[{"query_id": "empty"}]`))
	assert.True(t, hverr.IsInvalidInput(err))
}

func TestLoadQueriesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queries.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"query_id": "x", "embedding": [0.5]}]`), 0o600))

	queries, err := LoadQueries(path)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5}, queries[0].Embedding)
}

func TestReadFvecs(t *testing.T) {
	var buf bytes.Buffer
	vectors := [][]float32{
		{1.0, 2.0, 3.0, 4.0},
		{5.0, 6.0, 7.0, 8.0},
		{9.0, 10.0, 11.0, 12.0},
	}
	for _, vec := range vectors {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, int32(len(vec))))
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, vec))
	}

	result, err := ReadFvecs(&buf)
	require.NoError(t, err)
	require.Len(t, result, 3)
	for i, vec := range result {
		require.Len(t, vec, 4)
		for j, v := range vec {
			assert.Equal(t, float64(vectors[i][j]), v)
		}
	}
}

func TestReadFvecsInconsistentDimensions(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFvecs(&buf, [][]float64{{1, 2}, {1, 2, 3}}))

	_, err := ReadFvecs(&buf)
	require.Error(t, err)
	assert.True(t, hverr.IsInvalidInput(err))
}

func TestReadFvecsTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFvecs(&buf, [][]float64{{1, 2, 3}}))
	truncated := buf.Bytes()[:buf.Len()-2]

	_, err := ReadFvecs(bytes.NewReader(truncated))
	assert.True(t, hverr.IsInvalidInput(err))
}

func TestLoadFvecs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "base.fvecs")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, WriteFvecs(f, [][]float64{{0.5, -0.25}, {1, 0}}))
	require.NoError(t, f.Close())

	docs, err := LoadFvecs(path, "sift")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "sift_1", docs[1].DocID)
	assert.Equal(t, []float64{0.5, -0.25}, docs[0].Embedding)
}

func embedServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/embed":
			calls.Add(1)
			var req EmbedRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			resp := EmbedResponse{Dimension: 2, Model: "test"}
			for _, text := range req.Texts {
				resp.Embeddings = append(resp.Embeddings, []float64{float64(len(text)), 1})
			}
			json.NewEncoder(w).Encode(resp)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientEmbedBatches(t *testing.T) {
	var calls atomic.Int32
	srv := embedServer(t, &calls)
	c := NewClient(Config{BaseURL: srv.URL + "/", BatchSize: 2})

	out, err := c.Embed(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 1}, {2, 1}, {3, 1}}, out)
	assert.Equal(t, int32(2), calls.Load())

	require.NoError(t, c.Health(context.Background()))
}

func TestClientFill(t *testing.T) {
	var calls atomic.Int32
	c := NewClient(Config{BaseURL: embedServer(t, &calls).URL})

	docs := Corpus{
		{DocID: "a", Embedding: []float64{9, 9}},
		{DocID: "b", Content: "four"},
	}
	require.NoError(t, c.Fill(context.Background(), docs))
	assert.Equal(t, []float64{4, 1}, docs[1].Embedding)
	assert.Equal(t, []float64{9, 9}, docs[0].Embedding)

	require.NoError(t, c.Fill(context.Background(), docs))
	assert.Equal(t, int32(1), calls.Load(), "nothing left to embed")
}

func TestClientUpstreamErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	c := NewClient(Config{BaseURL: srv.URL})

	_, err := c.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.True(t, hverr.IsUpstreamFailure(err))

	assert.True(t, hverr.IsUpstreamFailure(c.Health(context.Background())))

	_, err = c.Embed(context.Background(), nil)
	assert.True(t, hverr.IsInvalidInput(err))
}
