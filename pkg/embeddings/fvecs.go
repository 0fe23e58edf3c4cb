package embeddings

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	hverr "github.com/opaque/hevec/pkg/errors"
)

// LoadFvecs reads a .fvecs file and names each vector "<prefix>_<n>".
//
// Each record is a little-endian int32 dimension followed by that many
// little-endian float32 values. All records must share one dimension.
func LoadFvecs(path, prefix string) (Corpus, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, hverr.Wrap(err, hverr.CodeDatasetLoadReadFailure, "failed to open fvecs file", hverr.FieldPath(path))
	}
	defer f.Close()

	vectors, err := ReadFvecs(f)
	if err != nil {
		return nil, hverr.Wrap(err, hverr.CodeDatasetLoadInvalidFormat, "invalid fvecs file", hverr.FieldPath(path))
	}

	docs := make(Corpus, len(vectors))
	for i, v := range vectors {
		docs[i] = Document{DocID: fmt.Sprintf("%s_%d", prefix, i), Embedding: v}
	}
	return docs, nil
}

// ReadFvecs reads vectors in FVECS format.
func ReadFvecs(r io.Reader) ([][]float64, error) {
	br := bufio.NewReader(r)

	var (
		vectors [][]float64
		want    int32 = -1
		header  [4]byte
	)
	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return vectors, nil
			}
			return nil, hverr.Wrap(err, hverr.CodeDatasetLoadInvalidFormat, "truncated vector header",
				hverr.FieldIndex(len(vectors)))
		}

		dim := int32(binary.LittleEndian.Uint32(header[:]))
		if dim <= 0 {
			return nil, hverr.New(hverr.CodeDatasetLoadInvalidFormat, "non-positive dimension",
				hverr.FieldIndex(len(vectors)), hverr.Field("dimension", dim))
		}
		if want == -1 {
			want = dim
		} else if dim != want {
			return nil, hverr.New(hverr.CodeDatasetLoadInvalidFormat, "inconsistent dimensions",
				hverr.FieldIndex(len(vectors)), hverr.Field("expected", want), hverr.Field("got", dim))
		}

		raw := make([]byte, 4*int(dim))
		if _, err := io.ReadFull(br, raw); err != nil {
			return nil, hverr.Wrap(err, hverr.CodeDatasetLoadInvalidFormat, "truncated vector values",
				hverr.FieldIndex(len(vectors)))
		}

		vec := make([]float64, dim)
		for i := range vec {
			vec[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:])))
		}
		vectors = append(vectors, vec)
	}
}

// WriteFvecs writes vectors in FVECS format. Values are narrowed to float32.
func WriteFvecs(w io.Writer, vectors [][]float64) error {
	bw := bufio.NewWriter(w)
	for _, vec := range vectors {
		buf := make([]byte, 4+4*len(vec))
		binary.LittleEndian.PutUint32(buf, uint32(len(vec)))
		for i, v := range vec {
			binary.LittleEndian.PutUint32(buf[4+4*i:], math.Float32bits(float32(v)))
		}
		if _, err := bw.Write(buf); err != nil {
			return hverr.Wrap(err, hverr.CodeDatasetLoadReadFailure, "failed to write vectors")
		}
	}
	if err := bw.Flush(); err != nil {
		return hverr.Wrap(err, hverr.CodeDatasetLoadReadFailure, "failed to write vectors")
	}
	return nil
}
