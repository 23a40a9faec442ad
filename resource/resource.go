// Package resource is the boundary to the work an access grant pays for.
// The engine calls a Generator only after a tier has been resolved, and a
// failed generation never refunds a debit already applied.
package resource

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
)

// ErrEmptyInput is returned for a generation request without input.
var ErrEmptyInput = errors.New("resource: empty input")

// Output is the result of one generation.
type Output struct {
	Text      string    `json:"text"`
	Tier      x402.Tier `json:"tier"`
	Operation string    `json:"operation"`
}

// Generator performs the paid work.
type Generator interface {
	Generate(ctx context.Context, tier x402.Tier, operation, input string) (Output, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, tier x402.Tier, operation, input string) (Output, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, tier x402.Tier, operation, input string) (Output, error) {
	return f(ctx, tier, operation, input)
}

// MockGenerator answers with canned text for local runs.
type MockGenerator struct {
	// Latency delays every answer. Cancelling ctx ends the wait early.
	Latency time.Duration

	// Err, when set, fails every generation.
	Err error
}

// Generate echoes input in a canned response naming the tier.
func (m *MockGenerator) Generate(ctx context.Context, tier x402.Tier, operation, input string) (Output, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Output{}, ErrEmptyInput
	}
	if m.Latency > 0 {
		timer := time.NewTimer(m.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Output{}, ctx.Err()
		case <-timer.C:
		}
	}
	if m.Err != nil {
		return Output{}, m.Err
	}

	text := fmt.Sprintf("[%s] response to %q", tier, input)
	if operation == "generate-long" {
		text += strings.Repeat(" Further detail follows.", 3)
	}
	return Output{Text: text, Tier: tier, Operation: operation}, nil
}
