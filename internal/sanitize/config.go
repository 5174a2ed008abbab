package sanitize

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// PatternConfig holds operator-defined sanitization additions.
type PatternConfig struct {
	ExtraPatterns []ExtraPatternDef `yaml:"extra_patterns"`
	Phrases       []string          `yaml:"phrases"`
}

// ExtraPatternDef defines a custom pattern from config.
type ExtraPatternDef struct {
	Name   string `yaml:"name"`
	Regex  string `yaml:"regex"`
	Weight int    `yaml:"weight"`
}

// LoadPatternConfig reads operator patterns from path. A missing file
// yields a nil config and no error.
func LoadPatternConfig(path string) (*PatternConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sanitize config: %w", err)
	}

	var cfg PatternConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse sanitize config: %w", err)
	}
	return &cfg, nil
}

// CompileRules validates and compiles the config into proprietary-pass rules.
func CompileRules(cfg *PatternConfig) ([]Rule, error) {
	if cfg == nil {
		return nil, nil
	}

	var rules []Rule
	for i, def := range cfg.ExtraPatterns {
		if def.Name == "" {
			return nil, fmt.Errorf("extra_patterns[%d]: name is required", i)
		}
		if def.Regex == "" {
			return nil, fmt.Errorf("extra_patterns[%d]: regex is required", i)
		}
		re, err := regexp.Compile(def.Regex)
		if err != nil {
			return nil, fmt.Errorf("extra_patterns[%d] %q: invalid regex: %w", i, def.Name, err)
		}
		weight := def.Weight
		if weight <= 0 {
			weight = WeightOrgPhrases
		}
		label := strings.ToUpper(strings.NewReplacer("-", "_", " ", "_").Replace(def.Name))
		rules = append(rules, Rule{
			Name:        "custom_" + strings.ToLower(label),
			Pass:        PassProprietary,
			Weight:      weight,
			Patterns:    []*regexp.Regexp{re},
			Placeholder: "[" + label + "_REDACTED]",
		})
	}
	if r, ok := PhraseRule("custom_phrases", cfg.Phrases); ok {
		rules = append(rules, r)
	}
	return rules, nil
}
