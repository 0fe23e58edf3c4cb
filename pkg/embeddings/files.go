package embeddings

import (
	"encoding/json"
	"io"
	"os"
	"strconv"

	hverr "github.com/opaque/hevec/pkg/errors"
)

// LoadDocuments reads a JSON array of documents from path.
func LoadDocuments(path string) (Corpus, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, hverr.Wrap(err, hverr.CodeDatasetLoadReadFailure, "failed to open document file", hverr.FieldPath(path))
	}
	defer f.Close()

	docs, err := ReadDocuments(f)
	if err != nil {
		return nil, hverr.Wrap(err, hverr.CodeDatasetLoadInvalidFormat, "invalid document file", hverr.FieldPath(path))
	}
	return docs, nil
}

// ReadDocuments decodes a JSON array of documents. Every document needs a
// doc_id and at least one of embedding or content, and all embeddings must
// share one length.
func ReadDocuments(r io.Reader) (Corpus, error) {
	var docs Corpus
	if err := json.NewDecoder(r).Decode(&docs); err != nil {
		return nil, hverr.Wrap(err, hverr.CodeDatasetLoadInvalidFormat, "failed to decode documents")
	}

	dim := docs.Dimension()
	for i, d := range docs {
		if d.DocID == "" {
			return nil, hverr.New(hverr.CodeDatasetLoadInvalidFormat, "document without doc_id", hverr.FieldIndex(i))
		}
		if len(d.Embedding) == 0 && d.Content == "" {
			return nil, hverr.New(hverr.CodeDatasetLoadInvalidFormat, "document has neither embedding nor content",
				hverr.FieldIndex(i), hverr.Field("doc_id", d.DocID))
		}
		if len(d.Embedding) > 0 && len(d.Embedding) != dim {
			return nil, hverr.New(hverr.CodeDatasetLoadInvalidFormat, "inconsistent embedding dimension",
				hverr.FieldIndex(i), hverr.Field("expected", dim), hverr.Field("got", len(d.Embedding)))
		}
	}
	return docs, nil
}

// LoadQueries reads a JSON array of queries from path.
func LoadQueries(path string) ([]Query, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, hverr.Wrap(err, hverr.CodeDatasetLoadReadFailure, "failed to open query file", hverr.FieldPath(path))
	}
	defer f.Close()

	queries, err := ReadQueries(f)
	if err != nil {
		return nil, hverr.Wrap(err, hverr.CodeDatasetLoadInvalidFormat, "invalid query file", hverr.FieldPath(path))
	}
	return queries, nil
}

// ReadQueries decodes a JSON array of queries. A query without query_id is
// named by its position.
func ReadQueries(r io.Reader) ([]Query, error) {
	var queries []Query
	if err := json.NewDecoder(r).Decode(&queries); err != nil {
		return nil, hverr.Wrap(err, hverr.CodeDatasetLoadInvalidFormat, "failed to decode queries")
	}

	for i := range queries {
		if queries[i].QueryID == "" {
			queries[i].QueryID = "q" + strconv.Itoa(i)
		}
		if len(queries[i].Embedding) == 0 && queries[i].Text == "" {
			return nil, hverr.New(hverr.CodeDatasetLoadInvalidFormat, "query has neither embedding nor text",
				hverr.FieldIndex(i), hverr.Field("query_id", queries[i].QueryID))
		}
	}
	return queries, nil
}
