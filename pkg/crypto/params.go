package crypto

import (
	"github.com/tuneinsight/lattigo/v5/he/hefloat"

	hverr "github.com/opaque/hevec/pkg/errors"
)

// ParametersLiteral is the serializable description of a CKKS parameter set.
// Moduli primes are derived deterministically from it, so two contexts with
// equal literals share the same ring.
type ParametersLiteral struct {
	LogN            int   `yaml:"log_n" mapstructure:"log_n"`
	LogQ            []int `yaml:"log_q" mapstructure:"log_q"`
	LogP            []int `yaml:"log_p" mapstructure:"log_p"`
	LogDefaultScale int   `yaml:"log_default_scale" mapstructure:"log_default_scale"`
}

// DefaultParametersLiteral returns the production parameter set.
// LogN=13 gives 4096 real slots, enough for common embedding sizes, and a
// single multiplicative level is all an inner product consumes.
func DefaultParametersLiteral() ParametersLiteral {
	return ParametersLiteral{
		LogN:            13,
		LogQ:            []int{60, 40},
		LogP:            []int{60},
		LogDefaultScale: 40,
	}
}

// FastParametersLiteral returns a smaller ring (2048 slots) for development
// stores and tests. Search over it is several times faster than the default.
func FastParametersLiteral() ParametersLiteral {
	return ParametersLiteral{
		LogN:            12,
		LogQ:            []int{55, 40},
		LogP:            []int{55},
		LogDefaultScale: 40,
	}
}

// Parameters instantiates the CKKS parameters described by the literal.
func (l ParametersLiteral) Parameters() (hefloat.Parameters, error) {
	if l.LogN <= 0 || len(l.LogQ) < 2 || len(l.LogP) == 0 || l.LogDefaultScale <= 0 {
		return hefloat.Parameters{}, hverr.New(hverr.CodeContextLoadInvalidFormat,
			"incomplete CKKS parameters: need log_n, at least two log_q moduli, log_p and log_default_scale",
			hverr.Field("log_n", l.LogN))
	}

	params, err := hefloat.NewParametersFromLiteral(hefloat.ParametersLiteral{
		LogN:            l.LogN,
		LogQ:            l.LogQ,
		LogP:            l.LogP,
		LogDefaultScale: l.LogDefaultScale,
	})
	if err != nil {
		return hefloat.Parameters{}, hverr.Wrap(err, hverr.CodeContextLoadInvalidFormat, "failed to create CKKS parameters")
	}
	return params, nil
}

func (l ParametersLiteral) clone() ParametersLiteral {
	out := l
	out.LogQ = append([]int(nil), l.LogQ...)
	out.LogP = append([]int(nil), l.LogP...)
	return out
}
