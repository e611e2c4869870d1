package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credit-orchestrator/internal/config"
	"credit-orchestrator/internal/credits"
	"credit-orchestrator/internal/models"
)

func noop() Provider {
	return Funcs{
		EstimateFn: func(context.Context, models.Job) (credits.Amount, error) { return 0, nil },
		ExecuteFn:  func(context.Context, models.Job) (Result, error) { return Result{}, nil },
	}
}

func TestKindOf(t *testing.T) {
	base := errors.New("boom")
	assert.Equal(t, KindTransient, KindOf(Transient(base)))
	assert.Equal(t, KindTerminal, KindOf(Terminal(base)))
	assert.Equal(t, KindTerminal, KindOf(base), "unclassified errors are terminal")
	assert.Equal(t, KindTransient, KindOf(fmt.Errorf("wrapped: %w", Transient(base))))
	assert.ErrorIs(t, Transient(base), base)
	assert.Nil(t, Transient(nil))
}

func TestRegistryFallbackOrder(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, r.Register(Descriptor{Name: name, Capability: "transcribe", MaxConcurrent: 1, Healthy: true}, noop()))
	}
	require.Error(t, r.Register(Descriptor{Name: "a", Capability: "other", Healthy: true}, noop()))

	d, _, err := r.Resolve("transcribe")
	require.NoError(t, err)
	assert.Equal(t, "a", d.Name)

	d, _, _ = r.Next("transcribe", "a")
	assert.Equal(t, "b", d.Name)
	d, _, _ = r.Next("transcribe", "c")
	assert.Equal(t, "a", d.Name, "wraps around")

	r.SetHealthy("b", false)
	d, _, _ = r.Next("transcribe", "a")
	assert.Equal(t, "c", d.Name, "skips unhealthy")

	r.SetHealthy("a", false)
	r.SetHealthy("c", false)
	_, _, err = r.Resolve("transcribe")
	assert.ErrorIs(t, err, ErrCapabilityUnavailable)
	_, _, err = r.Next("transcribe", "a")
	assert.ErrorIs(t, err, ErrCapabilityUnavailable)

	_, _, err = r.Resolve("missing")
	assert.ErrorIs(t, err, ErrCapabilityUnavailable)
	assert.True(t, r.HasCapability("transcribe"))
	assert.Equal(t, []string{"transcribe"}, r.Capabilities())
	assert.Len(t, r.Descriptors(), 3)
}

func TestRegistryNextSingleProvider(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Name: "only", Capability: "gen", Healthy: true}, noop()))
	d, _, err := r.Next("gen", "only")
	require.NoError(t, err)
	assert.Equal(t, "only", d.Name)
}

func TestAcquireLimitsConcurrency(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Name: "p", Capability: "gen", MaxConcurrent: 1, Healthy: true}, noop()))

	release, err := r.Acquire(context.Background(), "p")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = r.Acquire(ctx, "p")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release() // idempotent
	again, err := r.Acquire(context.Background(), "p")
	require.NoError(t, err)
	again()
}

func TestPerUnitCost(t *testing.T) {
	p, err := PricingFromSpec(config.PricingSpec{UnitOption: "minutes", Rate: "0.333", Minimum: "1.00", Flat: "0.50"})
	require.NoError(t, err)

	cost, err := p.Cost(models.Job{Options: map[string]any{"minutes": float64(10)}})
	require.NoError(t, err)
	assert.Equal(t, "3.83", cost.String(), "3.33 rounded up to the cent plus flat")

	cost, err = p.Cost(models.Job{Options: map[string]any{"minutes": "1"}})
	require.NoError(t, err)
	assert.Equal(t, "1.50", cost.String(), "minimum applies before flat")

	cost, err = p.Cost(models.Job{Options: map[string]any{"minutes": json.Number("3")}})
	require.NoError(t, err)
	assert.Equal(t, "1.50", cost.String())

	cost, err = p.Cost(models.Job{Options: map[string]any{"minutes": "1000000000"}})
	require.NoError(t, err)
	assert.Equal(t, "333000000.50", cost.String(), "the largest unit count still prices")
}

func TestPerUnitCostRejectsBadUnits(t *testing.T) {
	p, err := PricingFromSpec(config.PricingSpec{UnitOption: "minutes", Rate: "0.333", Minimum: "1.00"})
	require.NoError(t, err)

	tests := []struct {
		name  string
		value any
		omit  bool
	}{
		{name: "missing", omit: true},
		{name: "negative float", value: -2.0},
		{name: "negative string", value: "-1"},
		{name: "negative int", value: -3},
		{name: "bool", value: true},
		{name: "infinity string", value: "Infinity"},
		{name: "nan string", value: "NaN"},
		{name: "hex float string", value: "0x1p10"},
		{name: "empty string", value: ""},
		{name: "nan float", value: math.NaN()},
		{name: "inf float", value: math.Inf(1)},
		{name: "huge float", value: 1e30},
		{name: "huge string", value: "1e30"},
		{name: "huge exponent", value: "1e2000000000"},
		{name: "just above bound", value: "1000000000.01"},
		{name: "huge number", value: json.Number("100000000000000000000")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := map[string]any{}
			if !tt.omit {
				opts["minutes"] = tt.value
			}
			cost, err := p.Cost(models.Job{Options: opts})
			require.Error(t, err)
			assert.Equal(t, KindTerminal, KindOf(err))
			assert.Zero(t, cost)
		})
	}
}

func TestPerUnitCostOverflowIsTerminal(t *testing.T) {
	p, err := PricingFromSpec(config.PricingSpec{UnitOption: "tokens", Rate: "100000000"})
	require.NoError(t, err)

	_, err = p.Cost(models.Job{Options: map[string]any{"tokens": float64(1_000_000)}})
	require.Error(t, err)
	assert.ErrorIs(t, err, credits.ErrOutOfRange)
	assert.Equal(t, KindTerminal, KindOf(err))
}

func TestPricingFromSpecErrors(t *testing.T) {
	_, err := PricingFromSpec(config.PricingSpec{Rate: "1"})
	require.Error(t, err, "rate needs a unit option")
	_, err = PricingFromSpec(config.PricingSpec{UnitOption: "x", Rate: "abc"})
	require.Error(t, err)
	_, err = PricingFromSpec(config.PricingSpec{Flat: "-1"})
	require.Error(t, err)

	flat, err := PricingFromSpec(config.PricingSpec{Flat: "2"})
	require.NoError(t, err)
	cost, err := flat.Cost(models.Job{})
	require.NoError(t, err)
	assert.Equal(t, credits.FromUnits(2), cost)
}
