package provider

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"credit-orchestrator/internal/config"
	"credit-orchestrator/internal/credits"
	"credit-orchestrator/internal/models"
)

// PerUnit prices a job as Rate credits per unit, where the unit count is read
// from the job option named UnitOption. The product is rounded up to the
// cent, floored at Minimum, and Flat is added on top.
type PerUnit struct {
	UnitOption string
	Rate       decimal.Decimal
	Minimum    credits.Amount
	Flat       credits.Amount
}

// MaxUnits bounds the unit count a job option may declare.
var MaxUnits = decimal.New(1, 9)

// PricingFromSpec converts a catalogue pricing block.
func PricingFromSpec(spec config.PricingSpec) (PerUnit, error) {
	p := PerUnit{UnitOption: spec.UnitOption, Rate: decimal.Zero}
	if spec.Rate != "" {
		rate, err := decimal.NewFromString(spec.Rate)
		if err != nil {
			return PerUnit{}, fmt.Errorf("pricing rate: %w", err)
		}
		if rate.IsNegative() {
			return PerUnit{}, fmt.Errorf("pricing rate is negative")
		}
		p.Rate = rate
	}
	var err error
	if p.Minimum, err = parseNonNegative(spec.Minimum, "minimum"); err != nil {
		return PerUnit{}, err
	}
	if p.Flat, err = parseNonNegative(spec.Flat, "flat"); err != nil {
		return PerUnit{}, err
	}
	if !p.Rate.IsZero() && p.UnitOption == "" {
		return PerUnit{}, fmt.Errorf("pricing rate set without unit_option")
	}
	return p, nil
}

// Cost prices job. Every error it returns is terminal.
func (p PerUnit) Cost(job models.Job) (credits.Amount, error) {
	var variable credits.Amount
	if !p.Rate.IsZero() {
		units, err := unitsFrom(job.Options, p.UnitOption)
		if err != nil {
			return 0, Terminal(err)
		}
		if variable, err = credits.FromDecimal(p.Rate.Mul(units)); err != nil {
			return 0, Terminal(fmt.Errorf("price %s units: %w", units, err))
		}
	}
	total, err := credits.Add(credits.Max(variable, p.Minimum), p.Flat)
	if err != nil {
		return 0, Terminal(fmt.Errorf("price job: %w", err))
	}
	return total, nil
}

func unitsFrom(options map[string]any, key string) (decimal.Decimal, error) {
	raw, ok := options[key]
	if !ok {
		return decimal.Zero, fmt.Errorf("option %q is required for pricing", key)
	}
	var d decimal.Decimal
	switch v := raw.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Zero, fmt.Errorf("option %q is not finite", key)
		}
		d = decimal.NewFromFloat(v)
	case int:
		d = decimal.NewFromInt(int64(v))
	case int64:
		d = decimal.NewFromInt(v)
	case json.Number:
		parsed, err := decimal.NewFromString(v.String())
		if err != nil {
			return decimal.Zero, fmt.Errorf("option %q: %w", key, err)
		}
		d = parsed
	case string:
		parsed, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("option %q is not numeric: %w", key, err)
		}
		d = parsed
	default:
		return decimal.Zero, fmt.Errorf("option %q has unsupported type %T", key, raw)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("option %q is negative", key)
	}
	if exp := d.Exponent(); exp > 18 || exp < -18 || d.GreaterThan(MaxUnits) {
		return decimal.Zero, fmt.Errorf("option %q exceeds %s units", key, MaxUnits)
	}
	return d, nil
}

func parseNonNegative(raw, field string) (credits.Amount, error) {
	if raw == "" {
		return 0, nil
	}
	a, err := credits.Parse(raw)
	if err != nil {
		return 0, fmt.Errorf("pricing %s: %w", field, err)
	}
	if a < 0 {
		return 0, fmt.Errorf("pricing %s is negative", field)
	}
	return a, nil
}
