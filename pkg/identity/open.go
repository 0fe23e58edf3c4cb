package identity

// Sealer is the write side of the identity layer. A nil *Cipher is a valid
// Sealer that stores plaintext bytes as-is.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Key(plaintext []byte) []byte
}

// Seal encrypts plaintext, or returns a copy when c is nil.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	if c == nil {
		return append([]byte(nil), plaintext...), nil
	}
	return c.Encrypt(plaintext)
}

// Key returns the ledger lookup key for plaintext. Without a cipher the
// plaintext itself is the key.
func (c *Cipher) Key(plaintext []byte) []byte {
	if c == nil {
		return append([]byte(nil), plaintext...)
	}
	return c.LookupKey(plaintext)
}

// Opened is the result of reading a stored identifier or text.
type Opened struct {
	// Value is the plaintext, or the stored bytes when Opaque is set.
	Value []byte

	// Opaque is true when the bytes could not be decrypted with this key,
	// for example after the identity key was regenerated.
	Opaque bool
}

func (o Opened) String() string {
	return string(o.Value)
}

// Open decrypts stored bytes. A decryption failure is not an error: the raw
// bytes come back marked opaque so one unreadable record never fails a
// whole result set. With a nil cipher the bytes are returned as plaintext.
func (c *Cipher) Open(stored []byte) Opened {
	if c == nil {
		return Opened{Value: stored}
	}

	plaintext, err := c.Decrypt(stored)
	if err != nil {
		return Opened{Value: stored, Opaque: true}
	}
	return Opened{Value: plaintext}
}
