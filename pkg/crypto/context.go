package crypto

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math"
	"math/bits"
	"os"
	"path/filepath"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/he/hefloat"
	"go.uber.org/zap"

	hverr "github.com/opaque/hevec/pkg/errors"
	"github.com/opaque/hevec/pkg/logger"
)

const envelopeVersion = 1

// Context holds the CKKS parameters and every key the store needs to encrypt
// vectors, evaluate inner products and decrypt scores. It is immutable once
// loaded and safe to share; per-goroutine state lives in Engine.
type Context struct {
	literal ParametersLiteral
	params  hefloat.Parameters

	secretKey  *rlwe.SecretKey
	publicKey  *rlwe.PublicKey
	relinKey   *rlwe.RelinearizationKey
	galoisKeys []*rlwe.GaloisKey

	evk *rlwe.MemEvaluationKeySet
}

// envelope is the on-disk form of a Context.
type envelope struct {
	Version    int
	Literal    ParametersLiteral
	SecretKey  []byte
	PublicKey  []byte
	RelinKey   []byte
	GaloisKeys [][]byte
}

// LoadOptions controls how a serialized context is accepted.
type LoadOptions struct {
	// ExpectedLogScale is the log2 of the encoding scale the store works at.
	// A context carrying a different scale is corrected in place. Zero keeps
	// whatever the blob says.
	ExpectedLogScale int

	Logger *zap.Logger
}

// GenerateContext creates fresh keys for the given parameter set, including
// the relinearization key and the power-of-two rotation keys the inner
// product needs.
func GenerateContext(literal ParametersLiteral) (*Context, error) {
	params, err := literal.Parameters()
	if err != nil {
		return nil, err
	}

	kgen := rlwe.NewKeyGenerator(params)
	sk, pk := kgen.GenKeyPairNew()
	rlk := kgen.GenRelinearizationKeyNew(sk)
	gks := kgen.GenGaloisKeysNew(galoisElements(params), sk)

	return newContext(literal.clone(), params, sk, pk, rlk, gks), nil
}

func newContext(literal ParametersLiteral, params hefloat.Parameters, sk *rlwe.SecretKey, pk *rlwe.PublicKey, rlk *rlwe.RelinearizationKey, gks []*rlwe.GaloisKey) *Context {
	return &Context{
		literal:    literal,
		params:     params,
		secretKey:  sk,
		publicKey:  pk,
		relinKey:   rlk,
		galoisKeys: gks,
		evk:        rlwe.NewMemEvaluationKeySet(rlk, gks...),
	}
}

// galoisElements returns the Galois elements for rotations by every power of
// two below the slot count, which is what the rotate-and-sum tree uses.
func galoisElements(params hefloat.Parameters) []uint64 {
	logSlots := bits.Len(uint(params.MaxSlots())) - 1
	elements := make([]uint64, logSlots)
	for i := 0; i < logSlots; i++ {
		elements[i] = params.GaloisElement(1 << i)
	}
	return elements
}

// LoadContextFile reads and validates a serialized context from disk.
func LoadContextFile(path string, opts LoadOptions) (*Context, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, hverr.Wrap(err, hverr.CodeContextLoadReadFailure, "failed to read encryption context", hverr.FieldPath(path))
	}
	return LoadContext(blob, opts)
}

// LoadContext decodes a serialized context and validates it. A scale that
// differs from opts.ExpectedLogScale is repaired with a warning; any other
// inconsistency is fatal.
func LoadContext(blob []byte, opts LoadOptions) (*Context, error) {
	log := logger.OrNop(opts.Logger)

	ctx, err := decodeContext(blob)
	if err != nil {
		return nil, hverr.Wrap(err, hverr.CodeContextLoadInvalidFormat, "failed to decode encryption context")
	}

	if opts.ExpectedLogScale > 0 && ctx.literal.LogDefaultScale != opts.ExpectedLogScale {
		log.Warn("encryption context scale mismatch, resetting",
			zap.Int("found_log_scale", ctx.literal.LogDefaultScale),
			zap.Int("expected_log_scale", opts.ExpectedLogScale))
		if err := ctx.setLogScale(opts.ExpectedLogScale); err != nil {
			return nil, err
		}
	}

	if err := ctx.Validate(); err != nil {
		return nil, err
	}

	log.Debug("encryption context loaded",
		zap.Int("log_n", ctx.literal.LogN),
		zap.Int("slots", ctx.MaxSlots()),
		zap.Int("log_scale", ctx.literal.LogDefaultScale),
		zap.Int("rotation_keys", len(ctx.galoisKeys)))
	return ctx, nil
}

func (c *Context) setLogScale(logScale int) error {
	literal := c.literal.clone()
	literal.LogDefaultScale = logScale
	params, err := literal.Parameters()
	if err != nil {
		return hverr.Recode(err, hverr.CodeContextValidateInvalid, "failed to apply expected scale")
	}
	c.literal = literal
	c.params = params
	return nil
}

// Validate re-serializes the context with its secret key, reloads it and
// checks that the copy can still encrypt, evaluate and decrypt.
func (c *Context) Validate() error {
	if c.secretKey == nil {
		return hverr.New(hverr.CodeContextValidateInvalid, "encryption context has no secret key")
	}

	blob, err := c.Marshal(true)
	if err != nil {
		return hverr.Recode(err, hverr.CodeContextValidateInvalid, "encryption context does not serialize")
	}

	reloaded, err := decodeContext(blob)
	if err != nil {
		return hverr.Recode(err, hverr.CodeContextValidateInvalid, "encryption context does not reload")
	}

	if err := reloaded.checkKeys(); err != nil {
		return err
	}

	return reloaded.selfTest()
}

func (c *Context) checkKeys() error {
	switch {
	case c.secretKey == nil:
		return hverr.New(hverr.CodeContextValidateInvalid, "encryption context has no secret key")
	case c.publicKey == nil:
		return hverr.New(hverr.CodeContextValidateInvalid, "encryption context has no public key")
	case c.relinKey == nil:
		return hverr.New(hverr.CodeContextValidateInvalid, "encryption context has no relinearization key")
	}

	have := make(map[uint64]bool, len(c.galoisKeys))
	for _, gk := range c.galoisKeys {
		have[gk.GaloisElement] = true
	}
	for i, galEl := range galoisElements(c.params) {
		if !have[galEl] {
			return hverr.New(hverr.CodeContextValidateInvalid, "encryption context is missing a rotation key",
				hverr.Field("rotation", 1<<i))
		}
	}
	return nil
}

// selfTest scores a unit vector against itself. A mismatched key pair or a
// broken evaluation key shows up as a score far from one.
func (c *Context) selfTest() error {
	engine, err := c.NewEngine(2)
	if err != nil {
		return hverr.Wrap(err, hverr.CodeContextValidateInvalid, "failed to build engine from context")
	}

	probe, err := engine.EncryptVector([]float64{1, 0})
	if err != nil {
		return hverr.Wrap(err, hverr.CodeContextValidateInvalid, "context cannot encrypt")
	}

	score, err := engine.Score(probe, probe)
	if err != nil {
		return hverr.Wrap(err, hverr.CodeContextValidateInvalid, "context cannot evaluate inner products")
	}

	if math.Abs(score-1) > 1e-2 {
		return hverr.New(hverr.CodeContextValidateInvalid, "encryption context keys are inconsistent",
			hverr.Field("probe_score", score))
	}
	return nil
}

// Marshal serializes the context. Without the secret key the result can
// encrypt and evaluate but LoadContext will refuse it.
func (c *Context) Marshal(includeSecret bool) ([]byte, error) {
	env := envelope{
		Version: envelopeVersion,
		Literal: c.literal.clone(),
	}

	var err error
	if includeSecret && c.secretKey != nil {
		if env.SecretKey, err = writeObject(c.secretKey); err != nil {
			return nil, hverr.Wrap(err, hverr.CodeContextWriteFailure, "failed to serialize secret key")
		}
	}
	if c.publicKey != nil {
		if env.PublicKey, err = writeObject(c.publicKey); err != nil {
			return nil, hverr.Wrap(err, hverr.CodeContextWriteFailure, "failed to serialize public key")
		}
	}
	if c.relinKey != nil {
		if env.RelinKey, err = writeObject(c.relinKey); err != nil {
			return nil, hverr.Wrap(err, hverr.CodeContextWriteFailure, "failed to serialize relinearization key")
		}
	}
	for _, gk := range c.galoisKeys {
		data, err := writeObject(gk)
		if err != nil {
			return nil, hverr.Wrap(err, hverr.CodeContextWriteFailure, "failed to serialize rotation key")
		}
		env.GaloisKeys = append(env.GaloisKeys, data)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return nil, hverr.Wrap(err, hverr.CodeContextWriteFailure, "failed to encode context envelope")
	}
	return buf.Bytes(), nil
}

// WriteFile persists the context, creating parent directories as needed.
func (c *Context) WriteFile(path string, includeSecret bool) error {
	blob, err := c.Marshal(includeSecret)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return hverr.Wrap(err, hverr.CodeContextWriteFailure, "failed to create context directory", hverr.FieldPath(path))
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return hverr.Wrap(err, hverr.CodeContextWriteFailure, "failed to write context", hverr.FieldPath(path))
	}
	return nil
}

func decodeContext(blob []byte) (*Context, error) {
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&env); err != nil {
		return nil, err
	}
	if env.Version != envelopeVersion {
		return nil, hverr.New(hverr.CodeContextLoadInvalidFormat, "unsupported context version",
			hverr.Field("version", env.Version))
	}

	params, err := env.Literal.Parameters()
	if err != nil {
		return nil, err
	}

	ctx := &Context{literal: env.Literal, params: params}

	if len(env.SecretKey) > 0 {
		ctx.secretKey = rlwe.NewSecretKey(params)
		if err := readObject(env.SecretKey, ctx.secretKey); err != nil {
			return nil, hverr.Wrap(err, hverr.CodeContextLoadInvalidFormat, "failed to decode secret key")
		}
	}
	if len(env.PublicKey) > 0 {
		ctx.publicKey = rlwe.NewPublicKey(params)
		if err := readObject(env.PublicKey, ctx.publicKey); err != nil {
			return nil, hverr.Wrap(err, hverr.CodeContextLoadInvalidFormat, "failed to decode public key")
		}
	}
	if len(env.RelinKey) > 0 {
		ctx.relinKey = rlwe.NewRelinearizationKey(params)
		if err := readObject(env.RelinKey, ctx.relinKey); err != nil {
			return nil, hverr.Wrap(err, hverr.CodeContextLoadInvalidFormat, "failed to decode relinearization key")
		}
	}
	for _, data := range env.GaloisKeys {
		gk := rlwe.NewGaloisKey(params)
		if err := readObject(data, gk); err != nil {
			return nil, hverr.Wrap(err, hverr.CodeContextLoadInvalidFormat, "failed to decode rotation key")
		}
		ctx.galoisKeys = append(ctx.galoisKeys, gk)
	}

	ctx.evk = rlwe.NewMemEvaluationKeySet(ctx.relinKey, ctx.galoisKeys...)
	return ctx, nil
}

func writeObject(obj io.WriterTo) ([]byte, error) {
	buf := new(bytes.Buffer)
	if _, err := obj.WriteTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func readObject(data []byte, obj io.ReaderFrom) error {
	_, err := obj.ReadFrom(bytes.NewReader(data))
	return err
}

// Params returns the CKKS parameters.
func (c *Context) Params() hefloat.Parameters {
	return c.params
}

// Literal returns a copy of the parameter literal, including any scale repair.
func (c *Context) Literal() ParametersLiteral {
	return c.literal.clone()
}

// MaxSlots is the largest vector dimension the context can encrypt.
func (c *Context) MaxSlots() int {
	return c.params.MaxSlots()
}

func (c *Context) LogDefaultScale() int {
	return c.literal.LogDefaultScale
}

func (c *Context) HasSecretKey() bool {
	return c.secretKey != nil
}

// NewEngine returns an engine bound to this context that sums inner products
// over the first dimension slots. Engines are not safe for concurrent use;
// give each goroutine its own or use an EnginePool.
func (c *Context) NewEngine(dimension int) (*Engine, error) {
	if c.secretKey == nil || c.publicKey == nil {
		return nil, errors.New("encryption context is missing key material")
	}
	if dimension < 0 || dimension > c.params.MaxSlots() {
		return nil, fmt.Errorf("dimension %d exceeds %d slots", dimension, c.params.MaxSlots())
	}

	return &Engine{
		params:    c.params,
		encoder:   hefloat.NewEncoder(c.params),
		evaluator: hefloat.NewEvaluator(c.params, c.evk),
		encryptor: rlwe.NewEncryptor(c.params, c.publicKey),
		decryptor: rlwe.NewDecryptor(c.params, c.secretKey),
		span:      rotationSpan(dimension, c.params.MaxSlots()),
	}, nil
}

// rotationSpan is the smallest power of two covering dimension, or every
// slot when the dimension is unknown.
func rotationSpan(dimension, slots int) int {
	if dimension <= 0 {
		return slots
	}
	span := 1
	for span < dimension {
		span <<= 1
	}
	if span > slots {
		return slots
	}
	return span
}
