package ratelimit

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Rule caps one request class. PathPrefix matches by prefix; Method
// matches exactly or, when empty, any method.
type Rule struct {
	Method     string
	PathPrefix string
	Scope      string
	Max        int
	Window     time.Duration
}

// Rules is an ordered rule table with a catch-all default. Matching is
// first-wins in declaration order.
type Rules struct {
	Ordered []Rule
	Default Rule
}

// DefaultRules is the built-in table: tight caps on authentication,
// looser per-capability caps on the execute surface, and a generic API
// default.
func DefaultRules(llm, image, audio, telephony int) Rules {
	return Rules{
		Ordered: []Rule{
			{Method: "POST", PathPrefix: "/api/auth/sign-in", Scope: "auth-login", Max: 5, Window: 15 * time.Minute},
			{Method: "POST", PathPrefix: "/api/auth/sign-up", Scope: "auth-signup", Max: 3, Window: time.Hour},
			{PathPrefix: "/api/execute/text-generation", Scope: "llm", Max: llm, Window: time.Minute},
			{PathPrefix: "/api/execute/embeddings", Scope: "llm", Max: llm, Window: time.Minute},
			{PathPrefix: "/api/execute/image-generation", Scope: "image", Max: image, Window: time.Minute},
			{PathPrefix: "/api/execute/transcription", Scope: "audio", Max: audio, Window: time.Minute},
			{PathPrefix: "/api/execute/tts", Scope: "audio", Max: audio, Window: time.Minute},
			{PathPrefix: "/api/execute/telephony", Scope: "telephony", Max: telephony, Window: time.Minute},
		},
		Default: Rule{Scope: "api", Max: 300, Window: time.Minute},
	}
}

// Match returns the first rule whose method and path prefix cover the
// request, falling through to the default rule.
func (rs Rules) Match(method, path string) Rule {
	for _, r := range rs.Ordered {
		if r.Method != "" && r.Method != method {
			continue
		}
		if strings.HasPrefix(path, r.PathPrefix) {
			return r
		}
	}
	return rs.Default
}

// ByScope returns the first rule with the given scope, or the default.
func (rs Rules) ByScope(scope string) Rule {
	for _, r := range rs.Ordered {
		if r.Scope == scope {
			return r
		}
	}
	return rs.Default
}

type yamlRule struct {
	Method     string `yaml:"method"`
	PathPrefix string `yaml:"path_prefix"`
	Scope      string `yaml:"scope"`
	Max        int    `yaml:"max"`
	WindowMS   int64  `yaml:"window_ms"`
}

type yamlRules struct {
	Rules   []yamlRule `yaml:"rules"`
	Default *yamlRule  `yaml:"default"`
}

// LoadRules reads a rule table from a YAML file, replacing the built-in
// defaults for deployments that tune limits per environment.
func LoadRules(path string) (Rules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read rules: %w", err)
	}

	var doc yamlRules
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Rules{}, fmt.Errorf("parse rules: %w", err)
	}

	out := Rules{Default: Rule{Scope: "api", Max: 300, Window: time.Minute}}
	for _, yr := range doc.Rules {
		rule, err := yr.toRule()
		if err != nil {
			return Rules{}, err
		}
		out.Ordered = append(out.Ordered, rule)
	}
	if doc.Default != nil {
		rule, err := doc.Default.toRule()
		if err != nil {
			return Rules{}, err
		}
		out.Default = rule
	}
	return out, nil
}

func (yr yamlRule) toRule() (Rule, error) {
	if yr.Scope == "" {
		return Rule{}, fmt.Errorf("rule for prefix %q missing scope", yr.PathPrefix)
	}
	if yr.Max <= 0 || yr.WindowMS <= 0 {
		return Rule{}, fmt.Errorf("rule %q needs positive max and window_ms", yr.Scope)
	}
	return Rule{
		Method:     strings.ToUpper(yr.Method),
		PathPrefix: yr.PathPrefix,
		Scope:      yr.Scope,
		Max:        yr.Max,
		Window:     time.Duration(yr.WindowMS) * time.Millisecond,
	}, nil
}
