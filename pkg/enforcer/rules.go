// Package enforcer computes copy requests that bring datasets up to the
// replica counts required by replication rules.
package enforcer

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dynamo-dm/dynamo/internal/bytesize"
	"github.com/dynamo-dm/dynamo/pkg/condition"
	"github.com/dynamo-dm/dynamo/pkg/variables"
)

// ErrInvalidRule is wrapped by every rule validation error.
var ErrInvalidRule = errors.New("invalid replication rule")

// RuleConfig is the configured form of a rule. Each list is ORed.
type RuleConfig struct {
	NumCopies    int      `mapstructure:"num_copies" yaml:"num_copies" validate:"gte=1"`
	Destinations []string `mapstructure:"destinations" yaml:"destinations" validate:"required,min=1"`
	Sources      []string `mapstructure:"sources" yaml:"sources" validate:"required,min=1"`
	Replicas     []string `mapstructure:"replicas" yaml:"replicas" validate:"required,min=1"`
}

// Config configures the enforcer.
type Config struct {
	// MaxDatasetSize skips larger datasets. Zero disables the limit.
	MaxDatasetSize bytesize.ByteSize `mapstructure:"max_dataset_size" yaml:"max_dataset_size"`

	// StatisticsOnly reports per-rule counts without emitting requests.
	StatisticsOnly bool `mapstructure:"statistics_only" yaml:"statistics_only"`

	Rules map[string]RuleConfig `mapstructure:"rules" yaml:"rules" validate:"dive"`
}

// Rule is a compiled replication rule.
type Rule struct {
	Name         string
	NumCopies    int
	Destinations condition.AnyOf[variables.Site]
	Sources      condition.AnyOf[variables.Site]
	Replicas     condition.AnyOf[variables.Replica]
}

// CompileRule validates and compiles cfg.
func CompileRule(name string, cfg RuleConfig) (*Rule, error) {
	if cfg.NumCopies < 1 {
		return nil, fmt.Errorf("rule %s: num_copies must be positive: %w", name, ErrInvalidRule)
	}

	sites := variables.Sites()
	dest, err := condition.CompileAny(cfg.Destinations, sites)
	if err != nil {
		return nil, fmt.Errorf("rule %s destinations: %w", name, err)
	}
	src, err := condition.CompileAny(cfg.Sources, sites)
	if err != nil {
		return nil, fmt.Errorf("rule %s sources: %w", name, err)
	}
	reps, err := condition.CompileAny(cfg.Replicas, variables.Replicas())
	if err != nil {
		return nil, fmt.Errorf("rule %s replicas: %w", name, err)
	}

	return &Rule{
		Name:         name,
		NumCopies:    cfg.NumCopies,
		Destinations: dest,
		Sources:      src,
		Replicas:     reps,
	}, nil
}

// CompileRules compiles every rule, ordered by name.
func CompileRules(cfgs map[string]RuleConfig) ([]*Rule, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("no rules configured: %w", ErrInvalidRule)
	}
	names := make([]string, 0, len(cfgs))
	for n := range cfgs {
		names = append(names, n)
	}
	sort.Strings(names)

	rules := make([]*Rule, 0, len(names))
	for _, n := range names {
		r, err := CompileRule(n, cfgs[n])
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}
