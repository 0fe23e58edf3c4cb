package ledger

import (
	"bytes"
	"context"
	"sync"

	"github.com/klauspost/compress/zstd"

	hverr "github.com/opaque/hevec/pkg/errors"
)

// zstdMagic starts every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// CompressedLedger stores vector ciphertexts as zstd frames. CKKS
// ciphertexts are uniformly random mod q but sit in 64-bit words, so the
// unused high bits compress away. Blobs written without compression are
// read back unchanged, so compression can be enabled on an existing store.
type CompressedLedger struct {
	Ledger
	enc *zstd.Encoder
	dec *zstd.Decoder

	closeOnce sync.Once
	closeErr  error
}

var _ Ledger = (*CompressedLedger)(nil)

// NewCompressed wraps inner. Closing the result closes inner.
func NewCompressed(inner Ledger) (*CompressedLedger, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, hverr.Wrap(err, hverr.CodeStorageCodecFailure, "failed to create zstd encoder")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, hverr.Wrap(err, hverr.CodeStorageCodecFailure, "failed to create zstd decoder")
	}
	return &CompressedLedger{Ledger: inner, enc: enc, dec: dec}, nil
}

func (c *CompressedLedger) Put(ctx context.Context, records ...Record) error {
	packed := make([]Record, len(records))
	for i, r := range records {
		packed[i] = r
		packed[i].Vector = c.enc.EncodeAll(r.Vector, make([]byte, 0, len(r.Vector)/2))
	}
	return c.Ledger.Put(ctx, packed...)
}

// ScanAll decompresses vector blobs. A frame that fails to decode is
// passed through as stored, leaving the caller to reject it.
func (c *CompressedLedger) ScanAll(ctx context.Context) ([]Record, error) {
	records, err := c.Ledger.ScanAll(ctx)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if !bytes.HasPrefix(records[i].Vector, zstdMagic) {
			continue
		}
		if raw, err := c.dec.DecodeAll(records[i].Vector, nil); err == nil {
			records[i].Vector = raw
		}
	}
	return records, nil
}

func (c *CompressedLedger) Close() error {
	c.closeOnce.Do(func() {
		c.enc.Close()
		c.dec.Close()
		c.closeErr = c.Ledger.Close()
	})
	return c.closeErr
}
