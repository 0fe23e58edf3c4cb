// Package crypto provides the homomorphic side of the store: CKKS contexts,
// vector encryption and encrypted inner products using Lattigo.
// CKKS works on approximate real numbers, so scores come back within a small
// error of the plaintext inner product.
package crypto

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/he/hefloat"
)

// Engine performs encryption and evaluation for one goroutine at a time.
// Lattigo encoders and evaluators carry scratch buffers, so engines built
// from the same Context share keys but never state.
type Engine struct {
	params    hefloat.Parameters
	encoder   *hefloat.Encoder
	evaluator *hefloat.Evaluator
	encryptor *rlwe.Encryptor
	decryptor *rlwe.Decryptor

	// span is the number of leading slots summed by InnerProduct.
	span int

	mu sync.Mutex
}

// EncryptVector encrypts a vector at the top level of the modulus chain.
// Slots past the vector are zero and add nothing to inner products.
func (e *Engine) EncryptVector(vector []float64) (*rlwe.Ciphertext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(vector) > e.span {
		return nil, fmt.Errorf("vector has %d components, engine sums %d slots", len(vector), e.span)
	}

	padded := make([]float64, e.params.MaxSlots())
	copy(padded, vector)

	pt := hefloat.NewPlaintext(e.params, e.params.MaxLevel())
	if err := e.encoder.Encode(padded, pt); err != nil {
		return nil, fmt.Errorf("failed to encode vector: %w", err)
	}

	ct, err := e.encryptor.EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}
	return ct, nil
}

// DecryptVector decrypts the first length slots of a ciphertext.
func (e *Engine) DecryptVector(ct *rlwe.Ciphertext, length int) ([]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pt := e.decryptor.DecryptNew(ct)

	decoded := make([]float64, length)
	if err := e.encoder.Decode(pt, decoded); err != nil {
		return nil, fmt.Errorf("failed to decode: %w", err)
	}
	return decoded, nil
}

// InnerProduct computes E(<a, b>) in slot 0 from two encrypted vectors:
// slot-wise multiply, relinearize, rescale, then a rotate-and-add tree over
// the engine's span.
func (e *Engine) InnerProduct(a, b *rlwe.Ciphertext) (*rlwe.Ciphertext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if a == nil || b == nil {
		return nil, errors.New("nil ciphertext operand")
	}

	result, err := e.evaluator.MulRelinNew(a, b)
	if err != nil {
		return nil, fmt.Errorf("failed to multiply: %w", err)
	}

	if err := e.evaluator.Rescale(result, result); err != nil {
		return nil, fmt.Errorf("failed to rescale: %w", err)
	}

	for i := 1; i < e.span; i *= 2 {
		rotated, err := e.evaluator.RotateNew(result, i)
		if err != nil {
			return nil, fmt.Errorf("failed to rotate by %d: %w", i, err)
		}
		if err := e.evaluator.Add(result, rotated, result); err != nil {
			return nil, fmt.Errorf("failed to add: %w", err)
		}
	}

	return result, nil
}

// DecryptScalar decrypts a ciphertext whose first slot holds the value.
func (e *Engine) DecryptScalar(ct *rlwe.Ciphertext) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pt := e.decryptor.DecryptNew(ct)

	decoded := make([]float64, 1)
	if err := e.encoder.Decode(pt, decoded); err != nil {
		return 0, fmt.Errorf("failed to decode: %w", err)
	}
	return decoded[0], nil
}

// Score returns the decrypted inner product of two encrypted vectors.
func (e *Engine) Score(a, b *rlwe.Ciphertext) (float64, error) {
	ip, err := e.InnerProduct(a, b)
	if err != nil {
		return 0, err
	}
	return e.DecryptScalar(ip)
}

// SerializeCiphertext serializes a ciphertext for storage.
func (e *Engine) SerializeCiphertext(ct *rlwe.Ciphertext) ([]byte, error) {
	buf := new(bytes.Buffer)
	if _, err := ct.WriteTo(buf); err != nil {
		return nil, fmt.Errorf("failed to serialize ciphertext: %w", err)
	}
	return buf.Bytes(), nil
}

// DeserializeCiphertext parses a stored ciphertext.
func (e *Engine) DeserializeCiphertext(data []byte) (*rlwe.Ciphertext, error) {
	if len(data) == 0 {
		return nil, errors.New("empty ciphertext")
	}
	ct := rlwe.NewCiphertext(e.params, 1, e.params.MaxLevel())
	if _, err := ct.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to deserialize ciphertext: %w", err)
	}
	return ct, nil
}

// EncryptSerialized encrypts a vector and returns its stored form.
func (e *Engine) EncryptSerialized(vector []float64) ([]byte, error) {
	ct, err := e.EncryptVector(vector)
	if err != nil {
		return nil, err
	}
	return e.SerializeCiphertext(ct)
}

// Params returns the CKKS parameters.
func (e *Engine) Params() hefloat.Parameters {
	return e.params
}

// Span returns the number of slots InnerProduct sums over.
func (e *Engine) Span() int {
	return e.span
}

// NormalizeVector scales a vector to unit length. A zero vector is returned
// unchanged. The input is never modified.
func NormalizeVector(vector []float64) []float64 {
	var norm float64
	for _, v := range vector {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	if norm == 0 {
		return vector
	}

	normalized := make([]float64, len(vector))
	for i, v := range vector {
		normalized[i] = v / norm
	}
	return normalized
}

// CheckFinite reports the first NaN or infinite component.
func CheckFinite(vector []float64) error {
	for i, v := range vector {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("component %d is not finite", i)
		}
	}
	return nil
}
