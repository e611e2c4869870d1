// Package provider defines the contract every external processing backend
// satisfies, how their failures are classified, how work is priced, and the
// registry the dispatcher selects providers from.
package provider

import (
	"context"
	"encoding/json"

	"credit-orchestrator/internal/credits"
	"credit-orchestrator/internal/models"
)

// Provider performs one capability. Implementations must observe ctx
// cancellation; calls that outlive it are abandoned by the dispatcher.
type Provider interface {
	// Estimate quotes the cost of job before any credit is reserved.
	Estimate(ctx context.Context, job models.Job) (credits.Amount, error)
	// Execute runs the work. A nil ActualCost means the estimate stands.
	Execute(ctx context.Context, job models.Job) (Result, error)
}

// Result is what a successful execution hands back.
type Result struct {
	Output     json.RawMessage `json:"output,omitempty"`
	OutputRef  string          `json:"output_ref,omitempty"`
	ActualCost *credits.Amount `json:"actual_cost,omitempty"`
}

// Descriptor is the registry's view of a provider.
type Descriptor struct {
	Name          string `json:"name"`
	Capability    string `json:"capability"`
	MaxConcurrent int    `json:"max_concurrent"`
	Healthy       bool   `json:"healthy"`
}

// Funcs adapts plain functions to Provider.
type Funcs struct {
	EstimateFn func(ctx context.Context, job models.Job) (credits.Amount, error)
	ExecuteFn  func(ctx context.Context, job models.Job) (Result, error)
}

// Estimate calls EstimateFn.
func (f Funcs) Estimate(ctx context.Context, job models.Job) (credits.Amount, error) {
	return f.EstimateFn(ctx, job)
}

// Execute calls ExecuteFn.
func (f Funcs) Execute(ctx context.Context, job models.Job) (Result, error) {
	return f.ExecuteFn(ctx, job)
}
