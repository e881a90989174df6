package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mbd888/payrail/internal/allowlist"
	"github.com/mbd888/payrail/internal/amount"
	"github.com/mbd888/payrail/internal/dispatch"
	"github.com/mbd888/payrail/internal/ratelimit"
	"github.com/mbd888/payrail/internal/spendlimit"
)

// Policy is the declarative payment policy, loaded from YAML. Amounts are
// decimal strings ("1000" or "0.50"); a token with no limit and no wildcard
// is denied, never unlimited.
type Policy struct {
	Limits struct {
		PerTransaction         map[string]string `yaml:"perTransaction"`
		Daily                  map[string]string `yaml:"daily"`
		WildcardPerTransaction string            `yaml:"wildcardPerTransaction"`
		WildcardDaily          string            `yaml:"wildcardDaily"`
		AggregateDaily         string            `yaml:"aggregateDaily"`
		MaxBatchSize           int               `yaml:"maxBatchSize"`
		MaxBatchTotal          string            `yaml:"maxBatchTotal"`
	} `yaml:"limits"`

	RateLimits map[string]struct {
		MaxRequests   int `yaml:"maxRequests"`
		WindowSeconds int `yaml:"windowSeconds"`
	} `yaml:"rateLimits"`

	Allowlist struct {
		Mode    string `yaml:"mode"` // disabled, allowlist, blocklist
		Entries []struct {
			Address string `yaml:"address"`
			Label   string `yaml:"label"`
		} `yaml:"entries"`
	} `yaml:"allowlist"`

	Dispatcher struct {
		ChunkSize                  int `yaml:"chunkSize"`
		InterChunkDelayMs          int `yaml:"interChunkDelayMs"`
		ConfirmationTimeoutSeconds int `yaml:"confirmationTimeoutSeconds"`
	} `yaml:"dispatcher"`
}

// LoadPolicy reads and parses the policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy parses YAML policy bytes.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Policy) validate() error {
	switch allowlist.Mode(p.Allowlist.Mode) {
	case "", allowlist.ModeDisabled, allowlist.ModeAllowlist, allowlist.ModeBlocklist:
	default:
		return fmt.Errorf("config: unknown allowlist mode %q", p.Allowlist.Mode)
	}
	for category, rule := range p.RateLimits {
		if rule.MaxRequests > 0 && rule.WindowSeconds <= 0 {
			return fmt.Errorf("config: rate limit %q has no window", category)
		}
	}
	return nil
}

func parseAmount(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := amount.Parse(s)
	if !ok {
		return nil, fmt.Errorf("config: invalid amount %q for %s", s, field)
	}
	return v, nil
}

// SpendConfig converts the policy's limit section.
func (p *Policy) SpendConfig() (spendlimit.Config, error) {
	cfg := spendlimit.Config{
		PerTransaction: make(map[string]*big.Int),
		Daily:          make(map[string]*big.Int),
		MaxBatchSize:   p.Limits.MaxBatchSize,
	}

	// Per-token entries must carry a value: an empty string here is a typo,
	// not "no limit", and a nil entry would shadow the wildcard. Keys are
	// lowercased to match the ledger's normalized lookups.
	for token, s := range p.Limits.PerTransaction {
		if s == "" {
			return cfg, fmt.Errorf("config: empty limit for perTransaction.%s (remove the entry or set an amount)", token)
		}
		v, err := parseAmount("perTransaction."+token, s)
		if err != nil {
			return cfg, err
		}
		cfg.PerTransaction[strings.ToLower(token)] = v
	}
	for token, s := range p.Limits.Daily {
		if s == "" {
			return cfg, fmt.Errorf("config: empty limit for daily.%s (remove the entry or set an amount)", token)
		}
		v, err := parseAmount("daily."+token, s)
		if err != nil {
			return cfg, err
		}
		cfg.Daily[strings.ToLower(token)] = v
	}

	var err error
	if cfg.WildcardPerTransaction, err = parseAmount("wildcardPerTransaction", p.Limits.WildcardPerTransaction); err != nil {
		return cfg, err
	}
	if cfg.WildcardDaily, err = parseAmount("wildcardDaily", p.Limits.WildcardDaily); err != nil {
		return cfg, err
	}
	if cfg.AggregateDaily, err = parseAmount("aggregateDaily", p.Limits.AggregateDaily); err != nil {
		return cfg, err
	}
	if cfg.MaxBatchTotal, err = parseAmount("maxBatchTotal", p.Limits.MaxBatchTotal); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// RateConfig converts the policy's rate limit section.
func (p *Policy) RateConfig() ratelimit.Config {
	cfg := make(ratelimit.Config, len(p.RateLimits))
	for category, rule := range p.RateLimits {
		cfg[category] = ratelimit.Rule{
			MaxRequests: rule.MaxRequests,
			Window:      time.Duration(rule.WindowSeconds) * time.Second,
		}
	}
	return cfg
}

// AllowlistConfig converts the policy's allowlist section.
func (p *Policy) AllowlistConfig() (allowlist.Mode, []allowlist.Entry) {
	mode := allowlist.Mode(p.Allowlist.Mode)
	if mode == "" {
		mode = allowlist.ModeDisabled
	}
	entries := make([]allowlist.Entry, 0, len(p.Allowlist.Entries))
	for _, e := range p.Allowlist.Entries {
		entries = append(entries, allowlist.Entry{Address: e.Address, Label: e.Label})
	}
	return mode, entries
}

// DispatchConfig converts the policy's dispatcher section. Zero values fall
// back to the dispatcher's own defaults.
func (p *Policy) DispatchConfig() dispatch.Config {
	return dispatch.Config{
		ChunkSize:           p.Dispatcher.ChunkSize,
		InterChunkDelay:     time.Duration(p.Dispatcher.InterChunkDelayMs) * time.Millisecond,
		ConfirmationTimeout: time.Duration(p.Dispatcher.ConfirmationTimeoutSeconds) * time.Second,
	}
}
