// Package contrib — patternset.go
//
// Plugin interface for custom output-scan pattern sets.
//
// The kernel's built-in CDI output scanner covers a fixed set of pattern
// categories (non-personhood claims, honest-limits claims). Operators with
// organization-specific compliance
// phrase lists — a banned-terminology list, an internal codename leak
// check — register an additional pattern set without touching kernel
// source.
//
// Plugin registration:
//   Plugins register themselves in an init() function using
//   RegisterPatternSet(). The kernel's output scanner merges every
//   registered set into its compiled rule list at construction.
//
// Plugin contract:
//   - Rules() must be goroutine-safe (called once at scanner construction,
//     but the same PatternSet may back multiple scanners in a process
//     that reloads configuration).
//   - Rules() must not perform blocking I/O; pattern sources (files,
//     remote config) must be loaded before registration.
//   - Name() must return a stable, unique string.
//
// Example plugin (contrib/patternsets/compliance/compliance.go):
//
//   package compliance
//
//   import (
//     "regexp"
//     "github.com/octoreflex/corridor/contrib"
//   )
//
//   func init() {
//     contrib.RegisterPatternSet(&CompliancePatternSet{})
//   }
//
//   type CompliancePatternSet struct{}
//
//   func (c *CompliancePatternSet) Name() string { return "compliance" }
//
//   func (c *CompliancePatternSet) Rules() []contrib.Rule {
//     return []contrib.Rule{
//       {Category: "compliance", Pattern: regexp.MustCompile(`(?i)internal-only`), Replacement: "[REDACTED]"},
//     }
//   }

package contrib

import (
	"fmt"
	"regexp"
	"sync"
)

// Rule is one compiled output-scan pattern and its redaction replacement.
type Rule struct {
	Category    string
	Pattern     *regexp.Regexp
	Replacement string
}

// PatternSet is the interface custom output-scan pattern sets must
// implement.
type PatternSet interface {
	// Name returns the unique identifier for this pattern set.
	Name() string

	// Rules returns the compiled rules this set contributes. Called once
	// per scanner construction; implementations should pre-compile their
	// regexes rather than doing so on every call.
	Rules() []Rule
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]PatternSet)
)

// RegisterPatternSet registers a custom output-scan pattern set.
// Panics if a set with the same name is already registered.
// Call from init() functions in plugin packages.
func RegisterPatternSet(p PatternSet) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[p.Name()]; exists {
		panic(fmt.Sprintf("contrib: pattern set %q already registered", p.Name()))
	}
	registry[p.Name()] = p
}

// AllRules returns the concatenated rule list from every registered
// pattern set, in registration order undefined (map iteration) — callers
// that need deterministic ordering should sort by Category themselves.
func AllRules() []Rule {
	registryMu.RLock()
	defer registryMu.RUnlock()
	var out []Rule
	for _, p := range registry {
		out = append(out, p.Rules()...)
	}
	return out
}

// ListPatternSets returns the names of all registered pattern sets.
func ListPatternSets() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, k)
	}
	return names
}
