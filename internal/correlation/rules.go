// Package correlation detects multi-event attack patterns by matching each
// incoming event against static rules evaluated over recent event history.
package correlation

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/setevik/sitesentry/internal/event"
)

// Rule is a static correlation rule. It fires when at least Threshold events
// of its Types (the incoming one included) fall inside Window.
type Rule struct {
	Name      string        `yaml:"name"`
	Types     []event.Type  `yaml:"types"`
	Threshold int           `yaml:"threshold"`
	Window    time.Duration `yaml:"window"`
	RiskAdd   int           `yaml:"risk_add"`
	// GroupBy scopes the history to events sharing this payload key
	// (ip_address or user_id). Empty means all events of the rule's types.
	GroupBy  string `yaml:"group_by,omitempty"`
	Disabled bool   `yaml:"disabled,omitempty"`
}

// Built-in rule names.
const (
	RuleMultipleLoginFailures   = "multiple_login_failures"
	RuleMassFileChanges         = "mass_file_changes"
	RuleSuspiciousAdminActivity = "suspicious_admin_activity"
	RuleCoordinatedAttack       = "coordinated_attack"
)

// BuiltinRules returns the default rule set.
func BuiltinRules() []Rule {
	return []Rule{
		{
			Name:      RuleMultipleLoginFailures,
			Types:     []event.Type{event.TypeLoginFailure},
			Threshold: 5,
			Window:    5 * time.Minute,
			RiskAdd:   30,
		},
		{
			Name:      RuleMassFileChanges,
			Types:     []event.Type{event.TypeFileChange, event.TypeFileCreation},
			Threshold: 10,
			Window:    time.Minute,
			RiskAdd:   40,
		},
		{
			Name:      RuleSuspiciousAdminActivity,
			Types:     []event.Type{event.TypeAdminAction, event.TypePluginActivation},
			Threshold: 3,
			Window:    3 * time.Minute,
			RiskAdd:   25,
		},
		{
			Name:      RuleCoordinatedAttack,
			Types:     []event.Type{event.TypeLoginFailure, event.TypeMalwareDetected, event.TypeFileChange},
			Threshold: 3,
			Window:    10 * time.Minute,
			RiskAdd:   60,
		},
	}
}

// Validate checks that the rule can be evaluated.
func (r Rule) Validate() error {
	var errs []error
	if r.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if len(r.Types) == 0 {
		errs = append(errs, errors.New("at least one type is required"))
	}
	for _, t := range r.Types {
		if !t.Valid() {
			errs = append(errs, fmt.Errorf("%w: %q", event.ErrUnknownType, t))
		}
	}
	if r.Threshold < 1 {
		errs = append(errs, errors.New("threshold must be at least 1"))
	}
	if r.Window <= 0 {
		errs = append(errs, errors.New("window must be positive"))
	}
	switch r.GroupBy {
	case "", event.KeyIPAddress, event.KeyUserID:
	default:
		errs = append(errs, fmt.Errorf("unsupported group_by %q", r.GroupBy))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("rule %q: %w", r.Name, err)
	}
	return nil
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadFile parses a YAML rules file:
//
//	rules:
//	  - name: multiple_login_failures
//	    types: [login_failure]
//	    threshold: 8
//	    window: 10m
//	    risk_add: 30
//	    group_by: ip_address
func LoadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}

	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing rules file %s: %w", path, err)
	}

	for _, r := range f.Rules {
		if r.Disabled {
			continue
		}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rules file %s: %w", path, err)
		}
	}
	return f.Rules, nil
}

// Merge overlays extra on base by rule name and drops disabled rules. Order
// follows base, with new rules appended in file order.
func Merge(base, extra []Rule) []Rule {
	index := make(map[string]int, len(base))
	out := make([]Rule, 0, len(base)+len(extra))
	for _, r := range base {
		index[r.Name] = len(out)
		out = append(out, r)
	}
	for _, r := range extra {
		if i, ok := index[r.Name]; ok {
			slog.Debug("correlation rule overridden", "rule", r.Name)
			out[i] = r
			continue
		}
		index[r.Name] = len(out)
		out = append(out, r)
	}

	enabled := out[:0]
	for _, r := range out {
		if !r.Disabled {
			enabled = append(enabled, r)
		}
	}
	return enabled
}

// Load returns the built-in rules overlaid with the rules file at path, if
// one is configured.
func Load(path string) ([]Rule, error) {
	rules := BuiltinRules()
	if path == "" {
		return rules, nil
	}
	extra, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return Merge(rules, extra), nil
}
