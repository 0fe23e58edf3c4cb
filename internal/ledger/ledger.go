// Package ledger persists encrypted vector records.
package ledger

import (
	"context"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	hverr "github.com/opaque/hevec/pkg/errors"
)

// DefaultFileName is used when a SQLite path names a directory.
const DefaultFileName = "he_vector_store.db"

// Record is one stored document. Every field is ciphertext or a keyed hash;
// the ledger never sees plaintext.
type Record struct {
	// Key is the lookup key derived from the plaintext identifier. Records
	// are upserted by it.
	Key []byte

	// ID is the identity-encrypted identifier.
	ID []byte

	// Vector is the serialized CKKS ciphertext of the normalized embedding.
	Vector []byte

	// Text is the identity-encrypted document text. May be nil.
	Text []byte
}

// Ledger is the interface for record storage backends. Implementations
// allow concurrent readers and serialize writers.
type Ledger interface {
	// Init creates the schema. Safe to call repeatedly.
	Init(ctx context.Context) error

	// Put upserts records by Key in a single transaction: either every
	// record is written or none is.
	Put(ctx context.Context, records ...Record) error

	// Count returns the number of records, or 0 when the schema is absent.
	Count(ctx context.Context) (int64, error)

	// ScanAll returns every record in no particular order.
	ScanAll(ctx context.Context) ([]Record, error)

	// IDs returns the identifier ciphertext of every record.
	IDs(ctx context.Context) ([][]byte, error)

	// Close releases the backend. Safe to call more than once.
	Close() error
}

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Compression names accepted by Open.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// Options selects and configures a backend.
type Options struct {
	Driver string

	// Path is the SQLite file, or a directory that receives DefaultFileName.
	Path string

	// DSN is the PostgreSQL connection string.
	DSN string

	// Compression wraps the backend so vector ciphertexts are stored zstd
	// compressed.
	Compression string

	Logger *zap.Logger
}

// Open builds the configured backend and initializes its schema.
func Open(ctx context.Context, opts Options) (Ledger, error) {
	var (
		l   Ledger
		err error
	)

	switch opts.Driver {
	case DriverSQLite, "":
		l, err = NewSQLite(ResolvePath(opts.Path), opts.Logger)
	case DriverPostgres:
		l, err = NewPostgres(ctx, opts.DSN, opts.Logger)
	case DriverMemory:
		l = NewMemory()
	default:
		return nil, hverr.New(hverr.CodeStorageBackendUnsupported, "unknown ledger driver",
			hverr.Field("driver", opts.Driver))
	}
	if err != nil {
		return nil, err
	}

	switch opts.Compression {
	case CompressionNone, "":
	case CompressionZstd:
		c, err := NewCompressed(l)
		if err != nil {
			l.Close()
			return nil, err
		}
		l = c
	default:
		l.Close()
		return nil, hverr.New(hverr.CodeStorageBackendUnsupported, "unknown ledger compression",
			hverr.Field("compression", opts.Compression))
	}

	if err := l.Init(ctx); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// ResolvePath appends DefaultFileName to paths that do not name a .db file.
func ResolvePath(path string) string {
	if path == ":memory:" || strings.HasSuffix(path, ".db") {
		return path
	}
	return filepath.Join(path, DefaultFileName)
}
