// Package cost meters externally-incurred spend and enforces the per-analysis
// budget ceiling.
package cost

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Rates holds per-provider pricing configuration.
type Rates struct {
	Anthropic map[string]ModelRate `yaml:"anthropic"`
	Reddit    APIRate              `yaml:"reddit"`
}

// ModelRate holds per-model token pricing (USD per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input"`
	Output        float64 `yaml:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul"`
}

// APIRate holds flat per-request pricing for a metered HTTP API.
type APIRate struct {
	PerRequest float64 `yaml:"per_request"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Claude computes the cost for a Claude API call.
func (c *Calculator) Claude(model string, input, output, cacheWrite, cacheRead int64) float64 {
	rate, ok := c.rates.Anthropic[model]
	if !ok {
		return 0
	}

	inCost := (float64(input) / 1e6) * rate.Input
	outCost := (float64(output) / 1e6) * rate.Output
	cwCost := (float64(cacheWrite) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(cacheRead) / 1e6) * rate.Input * rate.CacheReadMul

	return inCost + outCost + cwCost + crCost
}

// RedditRequests returns the cost of n collection API requests.
func (c *Calculator) RedditRequests(n int64) float64 {
	return float64(n) * c.rates.Reddit.PerRequest
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 0.80, Output: 4.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
		Reddit: APIRate{PerRequest: 0.0001},
	}
}

// LoadRates reads a yaml rates file, falling back to defaults for any
// provider the file omits. An empty path returns the defaults.
func LoadRates(path string) (Rates, error) {
	rates := DefaultRates()
	if path == "" {
		return rates, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return rates, eris.Wrapf(err, "cost: read rates file %s", path)
	}

	var override Rates
	if err := yaml.Unmarshal(raw, &override); err != nil {
		return rates, eris.Wrapf(err, "cost: parse rates file %s", path)
	}

	if len(override.Anthropic) > 0 {
		rates.Anthropic = override.Anthropic
	}
	if override.Reddit.PerRequest > 0 {
		rates.Reddit = override.Reddit
	}
	return rates, nil
}
