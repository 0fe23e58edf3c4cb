// Package embeddings loads precomputed document and query embeddings and
// talks to the external embedding service for texts that have none.
package embeddings

// Document is one entry of a document file.
type Document struct {
	DocID     string    `json:"doc_id"`
	Embedding []float64 `json:"embedding,omitempty"`
	Content   string    `json:"content,omitempty"`
}

// Query is one entry of a query file. Text is embedded when Embedding is
// absent.
type Query struct {
	QueryID   string    `json:"query_id"`
	Embedding []float64 `json:"embedding,omitempty"`
	Text      string    `json:"text,omitempty"`
}

// Corpus is a loaded document set.
type Corpus []Document

// Columns splits the corpus into the positional slices Store.Add takes.
func (c Corpus) Columns() (ids []string, vectors [][]float64, texts []string) {
	ids = make([]string, len(c))
	vectors = make([][]float64, len(c))
	texts = make([]string, len(c))
	for i, d := range c {
		ids[i] = d.DocID
		vectors[i] = d.Embedding
		texts[i] = d.Content
	}
	return ids, vectors, texts
}

// Unembedded returns the positions of documents without an embedding.
func (c Corpus) Unembedded() []int {
	var idx []int
	for i, d := range c {
		if len(d.Embedding) == 0 {
			idx = append(idx, i)
		}
	}
	return idx
}

// Dimension returns the length of the first embedding, or 0.
func (c Corpus) Dimension() int {
	for _, d := range c {
		if len(d.Embedding) > 0 {
			return len(d.Embedding)
		}
	}
	return 0
}
