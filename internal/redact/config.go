package redact

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds operator redaction customisations, read from
// context.redact_config.
type Config struct {
	ExtraPatterns []PatternDef `yaml:"extra_patterns"`
	SafeHosts     []string     `yaml:"safe_hosts"`
	SafeIPs       []string     `yaml:"safe_ips"`
	SafePaths     []string     `yaml:"safe_paths"`
	Literals      []string     `yaml:"literals"`
}

// PatternDef is a custom pattern as written in the config file.
type PatternDef struct {
	Name  string `yaml:"name"`
	Regex string `yaml:"regex"`
}

// LoadConfig reads a redaction config. An empty path or a missing file
// yields a nil config and no error.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read redact config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse redact config %s: %w", path, err)
	}
	return &cfg, nil
}

// compile turns the config's pattern definitions into scanner rules.
func (c *Config) compile() ([]rule, error) {
	if c == nil {
		return nil, nil
	}
	var rules []rule
	for i, def := range c.ExtraPatterns {
		if def.Name == "" {
			return nil, fmt.Errorf("extra_patterns[%d]: name is required", i)
		}
		if def.Regex == "" {
			return nil, fmt.Errorf("extra_patterns[%d]: regex is required", i)
		}
		re, err := regexp.Compile(def.Regex)
		if err != nil {
			return nil, fmt.Errorf("extra_patterns[%d] %q: %w", i, def.Name, err)
		}
		rules = append(rules, rule{typ: PatternType(strings.ToUpper(def.Name)), re: re})
	}
	return rules, nil
}
