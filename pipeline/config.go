// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package pipeline

import (
	"fmt"
	"os"
	"time"

	"go.gearno.de/shield/identity"
	"go.gearno.de/shield/inspect"
	"go.gearno.de/shield/ratelimit"
	"sigs.k8s.io/yaml"
)

type (
	// Config is the startup configuration for the defense layer:
	// the per-tier rule table, the blocked agent list, the pattern
	// signature list, and the smuggling thresholds. Zero values
	// fall back to the built-in defaults.
	Config struct {
		BlockedAgents []string              `json:"blocked-agents"`
		Limits        inspect.Limits        `json:"limits"`
		Signatures    []inspect.Signature   `json:"signatures"`
		Rules         map[string]RuleConfig `json:"rules"`
	}

	// RuleConfig is the serialized form of one tier's rate limit
	// rule.
	RuleConfig struct {
		PerMinute    int `json:"per-minute"`
		PerHour      int `json:"per-hour"`
		BlockSeconds int `json:"block-seconds"`
	}
)

// LoadConfig reads a YAML configuration file.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("cannot read %q: %w", filename, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse %q: %w", filename, err)
	}

	if _, err := cfg.RateRules(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %q: %w", filename, err)
	}

	return &cfg, nil
}

// RateRules converts the serialized rule table into limiter rules,
// starting from the defaults and validating the tier ordering
// invariant.
func (c *Config) RateRules() (map[identity.Tier]ratelimit.Rule, error) {
	rules := ratelimit.DefaultRules()

	for name, rc := range c.Rules {
		tier := identity.Tier(name)
		if _, ok := rules[tier]; !ok {
			return nil, fmt.Errorf("unknown tier %q", name)
		}

		rule := rules[tier]
		if rc.PerMinute > 0 {
			rule.PerMinute = rc.PerMinute
		}
		if rc.PerHour > 0 {
			rule.PerHour = rc.PerHour
		}
		if rc.BlockSeconds > 0 {
			rule.BlockFor = time.Duration(rc.BlockSeconds) * time.Second
		}
		rules[tier] = rule
	}

	if err := ratelimit.ValidateRules(rules); err != nil {
		return nil, err
	}

	return rules, nil
}

// InspectorOptions returns the inspector options derived from the
// configuration.
func (c *Config) InspectorOptions() []inspect.Option {
	var options []inspect.Option

	if c.Limits != (inspect.Limits{}) {
		options = append(options, inspect.WithLimits(c.Limits))
	}
	if len(c.Signatures) > 0 {
		options = append(options, inspect.WithSignatures(c.Signatures))
	}

	return options
}
