package identity

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	hverr "github.com/opaque/hevec/pkg/errors"
	"github.com/opaque/hevec/pkg/logger"
)

// LoadOrCreateKey returns the identity key stored at path. When the file does
// not exist a new key is generated and persisted, creating parent
// directories. An existing file is never overwritten, so data written under
// it stays readable.
func LoadOrCreateKey(path string, log *zap.Logger) ([]byte, error) {
	log = logger.OrNop(log)

	key, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(key) != KeySize {
			return nil, hverr.Wrap(ErrInvalidKey, hverr.CodeIdentityKeyInvalid, "identity key file is corrupt",
				hverr.FieldPath(path), hverr.Field("length", len(key)))
		}
		return key, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, hverr.Wrap(err, hverr.CodeIdentityKeyReadFailure, "failed to read identity key", hverr.FieldPath(path))
	}

	key, err = GenerateKey()
	if err != nil {
		return nil, hverr.Wrap(err, hverr.CodeIdentityKeyReadFailure, "failed to generate identity key")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, hverr.Wrap(err, hverr.CodeIdentityKeyReadFailure, "failed to create identity key directory", hverr.FieldPath(path))
	}

	// O_EXCL keeps a concurrent creator from clobbering a key already in use.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return LoadOrCreateKey(path, log)
	}
	if err != nil {
		return nil, hverr.Wrap(err, hverr.CodeIdentityKeyReadFailure, "failed to create identity key file", hverr.FieldPath(path))
	}
	if _, err := f.Write(key); err != nil {
		f.Close()
		return nil, hverr.Wrap(err, hverr.CodeIdentityKeyReadFailure, "failed to write identity key", hverr.FieldPath(path))
	}
	if err := f.Close(); err != nil {
		return nil, hverr.Wrap(err, hverr.CodeIdentityKeyReadFailure, "failed to write identity key", hverr.FieldPath(path))
	}

	log.Info("generated identity key", zap.String("path", path), zap.String("fingerprint", Fingerprint(key)))
	return key, nil
}

// LoadCipher is LoadOrCreateKey followed by NewCipher.
func LoadCipher(path string, log *zap.Logger) (*Cipher, error) {
	key, err := LoadOrCreateKey(path, log)
	if err != nil {
		return nil, err
	}
	return NewCipher(key)
}
