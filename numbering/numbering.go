// Package numbering assigns human-facing agreement numbers.
//
// Numbers are "SA-" followed by six digits. Uniqueness is advisory: a Registry
// is asked to reserve each candidate, and when it cannot confirm one after a
// few attempts the last candidate is used anyway.
package numbering

import (
	"context"
	"math/rand"
	"regexp"
	"strconv"

	"go.uber.org/zap"
)

const (
	// Prefix starts every agreement number.
	Prefix = "SA-"

	minNumber = 100000
	span      = 900000

	defaultAttempts = 5
)

var numberPattern = regexp.MustCompile(`^SA-[0-9]{6}$`)

// Valid reports whether number has the agreement number format.
func Valid(number string) bool {
	return numberPattern.MatchString(number)
}

// Registry reserves candidate numbers. Reserve returns false when the number
// is already taken.
type Registry interface {
	Reserve(ctx context.Context, number string) (bool, error)
}

// RegistryFunc adapts a function to the Registry interface.
type RegistryFunc func(ctx context.Context, number string) (bool, error)

func (f RegistryFunc) Reserve(ctx context.Context, number string) (bool, error) {
	return f(ctx, number)
}

// Assigner hands out agreement numbers.
type Assigner struct {
	registry Registry
	logger   *zap.Logger
	attempts int
	intn     func(n int) int
}

// NewAssigner builds an Assigner. A nil registry skips reservation entirely.
func NewAssigner(registry Registry, logger *zap.Logger) *Assigner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assigner{
		registry: registry,
		logger:   logger,
		attempts: defaultAttempts,
		intn:     rand.Intn,
	}
}

// WithRand overrides the random source, mainly for tests.
func (a *Assigner) WithRand(intn func(n int) int) *Assigner {
	a.intn = intn
	return a
}

// Candidate draws one number without consulting the registry.
func (a *Assigner) Candidate() string {
	return Prefix + strconv.Itoa(minNumber+a.intn(span))
}

// Assign returns a number, reserving it when a registry is configured.
// It never fails: registry errors and exhausted attempts are logged.
func (a *Assigner) Assign(ctx context.Context) string {
	candidate := a.Candidate()
	if a.registry == nil {
		return candidate
	}

	for attempt := 1; attempt <= a.attempts; attempt++ {
		ok, err := a.registry.Reserve(ctx, candidate)
		if err != nil {
			a.logger.Warn("agreement number registry unavailable",
				zap.String("number", candidate),
				zap.Error(err),
			)
			return candidate
		}
		if ok {
			return candidate
		}
		if attempt < a.attempts {
			candidate = a.Candidate()
		}
	}

	a.logger.Warn("agreement number not confirmed unique",
		zap.String("number", candidate),
		zap.Int("attempts", a.attempts),
	)
	return candidate
}
