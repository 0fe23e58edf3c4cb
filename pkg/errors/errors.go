// Package errors provides coded errors shared by every hevec component.
// Codes are dotted strings whose last segment is the failure reason, so
// transports can map any error to a status without knowing its origin.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
	"google.golang.org/grpc/codes"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeContextLoadInvalidFormat Code = "context.load.invalid_format"
	CodeContextLoadReadFailure   Code = "context.load.read.failure"
	CodeContextValidateInvalid   Code = "context.validate.invalid"
	CodeContextWriteFailure      Code = "context.write.failure"

	CodeIdentityKeyInvalid     Code = "identity.key.invalid"
	CodeIdentityKeyReadFailure Code = "identity.key.read.failure"
	CodeIdentityDecryptFailure Code = "identity.decrypt.failure"
	CodeIdentityEncryptFailure Code = "identity.encrypt.failure"

	CodeStorageDatabaseFailure    Code = "storage.database.failure"
	CodeStorageBackendUnsupported Code = "storage.backend.unsupported"
	CodeStorageCodecFailure       Code = "storage.codec.failure"

	CodeIngestBatchInvalid Code = "ingest.batch.invalid"
	CodeIngestBatchFailure Code = "ingest.batch.failure"

	CodeSearchRequestInvalid  Code = "search.request.invalid"
	CodeSearchEvaluateFailure Code = "search.evaluate.failure"

	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigParseInvalidFormat   Code = "config.parse.invalid_format"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodeDatasetLoadInvalidFormat Code = "dataset.load.invalid_format"
	CodeDatasetLoadReadFailure   Code = "dataset.load.read.failure"

	CodeEmbeddingRequestInvalid  Code = "embedding.request.invalid"
	CodeEmbeddingUpstreamFailure Code = "embedding.upstream.failure"

	CodeServerRequestInvalid  Code = "server.request.invalid"
	CodeServerInternalFailure Code = "server.internal.failure"
	CodeServerConfigInvalid   Code = "server.config.invalid"
	CodeServerStartFailure    Code = "server.start.failure"
	CodeServerUnavailable     Code = "server.store.unavailable"

	CodeCLIInputInvalid Code = "cli.input.invalid"
	CodeCLISetupFailure Code = "cli.setup.failure"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldPath(value string) Attr {
	return Field("path", value)
}

func FieldIndex(value int) Attr {
	return Field("index", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

// Recode re-labels err under a new code. The message is kept but the chain
// is cut, because CodeOf reports the innermost code of a chain.
func Recode(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Errorf("%s: %v", msg, err)
}

// CodeOf returns the innermost code in the chain, or "" for uncoded errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// IsConfigError reports a context blob that could not be read or decoded.
func IsConfigError(err error) bool {
	return HasCode(err, CodeContextLoadInvalidFormat) || HasCode(err, CodeContextLoadReadFailure)
}

// IsInvalidContext reports a context that decoded but failed validation.
func IsInvalidContext(err error) bool {
	return HasCode(err, CodeContextValidateInvalid)
}

func IsKeyError(err error) bool {
	return HasCode(err, CodeIdentityKeyInvalid) || HasCode(err, CodeIdentityKeyReadFailure)
}

func IsDecryptError(err error) bool {
	return HasCode(err, CodeIdentityDecryptFailure)
}

func IsStorageError(err error) bool {
	return strings.HasPrefix(string(CodeOf(err)), "storage.")
}

func IsBatchError(err error) bool {
	return strings.HasPrefix(string(CodeOf(err)), "ingest.batch.")
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value" || r == "invalid_format"
}

func IsUnavailable(err error) bool {
	return reason(CodeOf(err)) == "unavailable"
}

func IsUpstreamFailure(err error) bool {
	code := CodeOf(err)
	return strings.Contains(string(code), "upstream") && reason(code) == "failure"
}

func HTTPStatus(err error) int {
	switch {
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsUnavailable(err):
		return http.StatusServiceUnavailable
	case IsUpstreamFailure(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func GRPCCode(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case IsInvalidInput(err):
		return codes.InvalidArgument
	case IsUnavailable(err), IsUpstreamFailure(err):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

func Join(errs ...error) error {
	return oops.Code(CodeServerInternalFailure).Wrap(stderrors.Join(errs...))
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
