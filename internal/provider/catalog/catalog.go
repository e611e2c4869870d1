// Package catalog turns the provider catalogue file into a populated
// registry.
package catalog

import (
	"context"
	"fmt"

	"credit-orchestrator/internal/config"
	"credit-orchestrator/internal/provider"
	"credit-orchestrator/internal/provider/imagefx"
	"credit-orchestrator/internal/provider/remote"
	"credit-orchestrator/internal/storage"
)

// Build registers every catalogue entry. Disabled entries are registered
// unhealthy so their capability is still accepted at intake. Storage is
// only wired when an entry needs it.
func Build(ctx context.Context, cfg config.Config, cat config.Catalogue) (*provider.Registry, error) {
	reg := provider.NewRegistry()

	var (
		resolver *storage.Resolver
		uploader storage.Uploader
	)
	ensureStorage := func() error {
		if resolver != nil {
			return nil
		}
		var err error
		resolver, uploader, err = storage.FromConfig(ctx, cfg)
		return err
	}

	for _, spec := range cat.Providers {
		pricing, err := provider.PricingFromSpec(spec.Pricing)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", spec.Name, err)
		}
		if err := ensureStorage(); err != nil {
			return nil, fmt.Errorf("provider %s: storage: %w", spec.Name, err)
		}

		var impl provider.Provider
		switch spec.Kind {
		case config.KindImageFX:
			impl = imagefx.New(resolver, uploader, pricing, cfg.ImageDefaultWidth)
		default:
			opts := remote.Options{
				Name:     spec.Name,
				Endpoint: spec.Endpoint,
				APIKey:   spec.APIKey(),
			}
			if hasPricing(spec.Pricing) {
				opts.Pricing = &pricing
			}
			impl = remote.New(opts, resolver)
		}

		desc := provider.Descriptor{
			Name:          spec.Name,
			Capability:    spec.Capability,
			MaxConcurrent: spec.MaxConcurrent,
			Healthy:       !spec.Disabled,
		}
		if err := reg.Register(desc, impl); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Load reads the catalogue at path and builds the registry from it.
func Load(ctx context.Context, cfg config.Config, path string) (*provider.Registry, error) {
	cat, err := config.LoadProviders(path)
	if err != nil {
		return nil, err
	}
	return Build(ctx, cfg, cat)
}

func hasPricing(p config.PricingSpec) bool {
	return p.Rate != "" || p.Flat != "" || p.Minimum != ""
}
