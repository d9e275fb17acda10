package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// OrderCodeAlphabet is the fixed set of characters order codes are drawn from.
	OrderCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// DefaultOrderCodeLength is the number of characters in an order code.
	DefaultOrderCodeLength = 15
	// DefaultOrderCodeAttempts bounds how many candidates GenerateUnique tries.
	DefaultOrderCodeAttempts = 8
)

// OrderCodeOption customises an OrderCodeGenerator.
type OrderCodeOption func(*OrderCodeGenerator)

// WithCodeLength overrides the code length.
func WithCodeLength(length int) OrderCodeOption {
	return func(g *OrderCodeGenerator) {
		if length > 0 {
			g.length = length
		}
	}
}

// WithMaxAttempts overrides how many candidates are tried before giving up.
func WithMaxAttempts(attempts int) OrderCodeOption {
	return func(g *OrderCodeGenerator) {
		if attempts > 0 {
			g.attempts = attempts
		}
	}
}

// WithRandomSource replaces crypto/rand, mainly for tests.
func WithRandomSource(r io.Reader) OrderCodeOption {
	return func(g *OrderCodeGenerator) {
		if r != nil {
			g.random = r
		}
	}
}

// WithCodeLogger receives integrity faults such as attempt exhaustion.
func WithCodeLogger(logger func(ctx context.Context, event string, fields map[string]any)) OrderCodeOption {
	return func(g *OrderCodeGenerator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// OrderCodeGenerator produces uniformly random order codes over OrderCodeAlphabet.
type OrderCodeGenerator struct {
	length   int
	attempts int
	random   io.Reader
	logger   func(context.Context, string, map[string]any)
}

var _ OrderCodeSource = (*OrderCodeGenerator)(nil)

// NewOrderCodeGenerator builds a generator with the defaults applied.
func NewOrderCodeGenerator(opts ...OrderCodeOption) *OrderCodeGenerator {
	g := &OrderCodeGenerator{
		length:   DefaultOrderCodeLength,
		attempts: DefaultOrderCodeAttempts,
		random:   rand.Reader,
		logger:   func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Generate returns one candidate code. Bytes at or above the largest multiple of the alphabet size are
// discarded so every character is equally likely.
func (g *OrderCodeGenerator) Generate() (string, error) {
	const alphabetSize = len(OrderCodeAlphabet)
	limit := byte(256 - 256%alphabetSize)

	code := make([]byte, 0, g.length)
	buf := make([]byte, g.length+g.length/2)
	for len(code) < g.length {
		if _, err := io.ReadFull(g.random, buf); err != nil {
			return "", fmt.Errorf("order code: read random source: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			code = append(code, OrderCodeAlphabet[int(b)%alphabetSize])
			if len(code) == g.length {
				break
			}
		}
	}
	return string(code), nil
}

// GenerateUnique draws candidates until exists reports one as unused. Errors from exists abort the loop.
func (g *OrderCodeGenerator) GenerateUnique(ctx context.Context, exists func(ctx context.Context, code string) (bool, error)) (string, error) {
	if exists == nil {
		return "", errors.New("order code: exists check is required")
	}
	for attempt := 1; attempt <= g.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		code, err := g.Generate()
		if err != nil {
			return "", err
		}
		taken, err := exists(ctx, code)
		if err != nil {
			return "", err
		}
		if !taken {
			return code, nil
		}
	}

	g.logger(ctx, "order_code.exhausted", map[string]any{
		"attempts": g.attempts,
		"length":   g.length,
		"severity": "error",
	})
	return "", fmt.Errorf("%w: no unused code after %d attempts", ErrOrderCodeConflict, g.attempts)
}
