package consent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode determines whether a tracking call must check granted consent or may
// bypass the check. Bypassing is reserved for system-critical events such as
// tracking the consent change itself.
type Mode int

const (
	ModeWithConsent Mode = iota
	ModeIgnoreConsent
)

func (m Mode) String() string {
	if m == ModeIgnoreConsent {
		return "IGNORE_CONSENT"
	}
	return "WITH_CONSENT"
}

// Tracking categories. Every semantic tracking call declares one; the gate
// maps it against the loaded policy table.
const (
	CategorySessions = "sessions"
	CategoryPush     = "push"
	CategoryCampaign = "campaigns"
	CategoryInbox    = "inbox"
	CategoryPayments = "payments"
	CategorySystem   = "system"
)

// Policy is one consent category entry loaded from a YAML policy file.
type Policy struct {
	Category string `yaml:"category"`
	Granted  bool   `yaml:"granted"`
}

// Gate is the pure allow/deny decision table. It holds no mutable state and
// is safe for concurrent use without coordination.
type Gate struct {
	granted map[string]bool
}

// NewGate builds a gate from loaded policies. A gate with zero policies is
// unrestricted: the operator has not configured consent, so every category
// is allowed.
func NewGate(policies []Policy) *Gate {
	granted := make(map[string]bool, len(policies))
	for _, p := range policies {
		granted[p.Category] = p.Granted
	}
	return &Gate{granted: granted}
}

// IsAllowed reports whether an event of the given category may be tracked.
// ModeIgnoreConsent bypasses the table unconditionally. Under
// ModeWithConsent a category absent from a non-empty table is denied.
func (g *Gate) IsAllowed(category string, mode Mode) bool {
	if mode == ModeIgnoreConsent {
		return true
	}
	if len(g.granted) == 0 {
		return true
	}
	return g.granted[category]
}

// LoadPolicies reads consent policies from *.yaml files in dir. Each file
// holds a list of category entries. A missing directory yields zero policies
// (unrestricted tracking).
func LoadPolicies(dir string) ([]Policy, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consent policy dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("consent policy path %q is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading consent policy dir: %w", err)
	}

	var policies []Policy
	seen := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}

		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading policy file %s: %w", path, err)
		}

		var raw []Policy
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing policy file %s: %w", path, err)
		}

		for _, p := range raw {
			if p.Category == "" {
				return nil, fmt.Errorf("policy file %s: category must not be empty", path)
			}
			if prev, exists := seen[p.Category]; exists {
				return nil, fmt.Errorf("category %q defined in both %s and %s", p.Category, prev, path)
			}
			seen[p.Category] = path
			policies = append(policies, p)
		}
	}
	return policies, nil
}
