package extract

import (
	"fmt"
	"regexp"
)

// RuleConfig is the declarative form of an extraction rule, as it appears
// in the target configuration. Kind selects the variant; the remaining
// fields apply to one variant or the other.
type RuleConfig struct {
	// Kind is "css" or "label".
	Kind string `yaml:"kind"`
	// Name identifies the rule in logs and errors. Required.
	Name string `yaml:"name"`

	// css variant.
	Selector string            `yaml:"selector,omitempty"`
	Fields   map[string]string `yaml:"fields,omitempty"`
	Keys     []string          `yaml:"keys,omitempty"`
	KeepHTML bool              `yaml:"keep_html,omitempty"`

	// label variant.
	Label   string `yaml:"label,omitempty"`
	Pattern string `yaml:"pattern,omitempty"`
	Window  int    `yaml:"window,omitempty"`

	Optional bool `yaml:"optional,omitempty"`
}

// Compile validates a RuleConfig and returns the runtime Rule.
func (c RuleConfig) Compile() (Rule, error) {
	if c.Name == "" {
		return nil, fmt.Errorf("extract: rule needs a name")
	}
	switch c.Kind {
	case "css":
		if c.Selector == "" {
			return nil, fmt.Errorf("extract: rule %q: css rule needs a selector", c.Name)
		}
		return &CSSRule{
			RuleName: c.Name,
			Selector: c.Selector,
			Fields:   c.Fields,
			Keys:     c.Keys,
			Optional: c.Optional,
			KeepHTML: c.KeepHTML,
		}, nil
	case "label":
		if c.Label == "" || c.Pattern == "" {
			return nil, fmt.Errorf("extract: rule %q: label rule needs label and pattern", c.Name)
		}
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return nil, fmt.Errorf("extract: rule %q: pattern: %w", c.Name, err)
		}
		return &LabelRule{
			RuleName: c.Name,
			Label:    c.Label,
			Pattern:  re,
			Window:   c.Window,
			Optional: c.Optional,
		}, nil
	default:
		return nil, fmt.Errorf("extract: rule %q: unknown kind %q", c.Name, c.Kind)
	}
}

// CompileRules compiles a list of rule configs, failing on the first
// invalid one.
func CompileRules(configs []RuleConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(configs))
	for _, c := range configs {
		r, err := c.Compile()
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}
