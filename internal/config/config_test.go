package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, []string{"critical", "high", "default", "low"}, cfg.PriorityQueues)
	assert.Equal(t, ExclusionQueue, cfg.ExclusionPolicy)
	assert.Equal(t, "cap", cfg.OverrunPolicy)
	assert.Equal(t, 5, cfg.LedgerConflictRetries)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MAX_ATTEMPTS", "7")
	t.Setenv("LEASE_TTL", "45s")
	t.Setenv("QUEUE_CONCURRENCY", "critical=4, high=8,bogus,low=x")
	t.Setenv("PRIORITY_QUEUES", "high, low")
	t.Setenv("S3_PATH_STYLE", "true")

	cfg := Load()
	assert.Equal(t, 7, cfg.MaxAttempts)
	assert.Equal(t, 45*time.Second, cfg.LeaseTTL)
	assert.Equal(t, map[string]int{"critical": 4, "high": 8}, cfg.QueueConcurrency)
	assert.Equal(t, []string{"high", "low"}, cfg.PriorityQueues)
	assert.True(t, cfg.S3PathStyle)
}

func TestValidateRejectsUnknownPolicies(t *testing.T) {
	cfg := Load()
	cfg.OverrunPolicy = "forgive"
	require.Error(t, cfg.Validate())

	cfg = Load()
	cfg.ExclusionPolicy = "merge"
	require.Error(t, cfg.Validate())

	cfg = Load()
	cfg.WorkerConcurrency = 0
	require.Error(t, cfg.Validate())

	cfg = Load()
	cfg.QueueConcurrency = map[string]int{"high": 0}
	require.Error(t, cfg.Validate())
}

func TestParseProviders(t *testing.T) {
	doc := []byte(`
providers:
  - name: whisper-a
    capability: transcribe
    endpoint: http://a.local/run
    api_key_env: WHISPER_A_KEY
    max_concurrent: 2
    pricing: {unit_option: duration_minutes, rate: "0.50", minimum: "1.00"}
  - name: whisper-b
    capability: transcribe
    endpoint: http://b.local/run
  - name: local-enhance
    capability: enhance-image
    kind: imagefx
    pricing: {flat: "2.00"}
`)
	cat, err := ParseProviders(doc)
	require.NoError(t, err)
	require.Len(t, cat.Providers, 3)

	a := cat.Providers[0]
	assert.Equal(t, KindRemote, a.Kind)
	assert.Equal(t, 2, a.MaxConcurrent)
	assert.Equal(t, "0.50", a.Pricing.Rate)
	assert.Equal(t, 4, cat.Providers[1].MaxConcurrent)
	assert.Equal(t, KindImageFX, cat.Providers[2].Kind)

	t.Setenv("WHISPER_A_KEY", "secret")
	assert.Equal(t, "secret", a.APIKey())
}

func TestParseProvidersErrors(t *testing.T) {
	cases := map[string]string{
		"missing capability": "providers: [{name: x}]",
		"duplicate":          "providers: [{name: x, capability: c, endpoint: e}, {name: x, capability: c, endpoint: e}]",
		"no endpoint":        "providers: [{name: x, capability: c}]",
		"bad kind":           "providers: [{name: x, capability: c, kind: gpu}]",
		"bad yaml":           "providers: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseProviders([]byte(doc))
			require.Error(t, err)
		})
	}
}
