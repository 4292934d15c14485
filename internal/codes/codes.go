// Package codes generates and validates family access codes such as P-12345678.
package codes

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
)

// Type distinguishes parent codes from child codes.
type Type string

const (
	Parent Type = "parent"
	Child  Type = "child"
)

// ErrGenerationExhausted is returned when the attempt budget runs out
// before enough unique codes were produced.
var ErrGenerationExhausted = errors.New("codes: unable to generate enough unique codes")

// ErrUnknownType is returned for a Type other than Parent or Child.
var ErrUnknownType = errors.New("codes: unknown code type")

const keyspace = 100_000_000

var codePattern = regexp.MustCompile(`^[PE]-\d{8}$`)

func prefix(t Type) (string, error) {
	switch t {
	case Parent:
		return "P", nil
	case Child:
		return "E", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}

// Generator produces random codes. The zero value is not usable; call NewGenerator.
type Generator struct {
	next func() (int64, error)
}

// NewGenerator returns a Generator backed by crypto/rand.
func NewGenerator() *Generator {
	limit := big.NewInt(keyspace)
	return &Generator{next: func() (int64, error) {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return 0, err
		}
		return n.Int64(), nil
	}}
}

// NewGeneratorWithSource returns a Generator drawing numbers from src.
// Values are reduced into the 8 digit keyspace.
func NewGeneratorWithSource(src func() int64) *Generator {
	return &Generator{next: func() (int64, error) {
		v := src() % keyspace
		if v < 0 {
			v = -v
		}
		return v, nil
	}}
}

// Generate returns a single code of the given type.
func (g *Generator) Generate(t Type) (string, error) {
	p, err := prefix(t)
	if err != nil {
		return "", err
	}
	n, err := g.next()
	if err != nil {
		return "", fmt.Errorf("codes: read random digits: %w", err)
	}
	return fmt.Sprintf("%s-%08d", p, n), nil
}

// GenerateUnique returns count distinct codes, none of which appear in existing.
// At most count*10 attempts are made.
func (g *Generator) GenerateUnique(t Type, count int, existing map[string]struct{}) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}

	seen := make(map[string]struct{}, count)
	out := make([]string, 0, count)
	for attempts := 0; attempts < count*10 && len(out) < count; attempts++ {
		code, err := g.Generate(t)
		if err != nil {
			return nil, err
		}
		if _, ok := existing[code]; ok {
			continue
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}

	if len(out) < count {
		return nil, fmt.Errorf("%w: wanted %d, got %d", ErrGenerationExhausted, count, len(out))
	}
	return out, nil
}

// IsValid reports whether code has the P-/E- prefix followed by eight digits.
func IsValid(code string) bool {
	return codePattern.MatchString(code)
}

// CodeType returns the type encoded in code's prefix.
func CodeType(code string) (Type, bool) {
	if !IsValid(code) {
		return "", false
	}
	if code[0] == 'P' {
		return Parent, true
	}
	return Child, true
}
