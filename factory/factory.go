/*
Package factory turns YAML configuration into validated economy objects.

PURPOSE:
  Earning rules, the spending catalog, the feature map and the badge
  table are data, not code. Operators change reward amounts or caps by
  editing a file, and the factory builds the immutable objects the
  services run on. Everything is validated up front: a bad file stops the
  server at startup instead of failing a user request later.

YAML SCHEMA:
  features:            # feature key -> minimum tier
    ai-therapy: premium
  rules:
    - {activity: daily_ritual, reward: 8, daily_cap: 2, monthly_cap: 1000, active: true}
  catalog:
    - {id: streak-freeze, title: Streak freeze, cost: 50, feature: ""}
  badges:
    - id: first-ritual
      min_tier: free
      display_tier: free
      criterion: {metric: rituals_completed, threshold: 1}
      ...

SOURCES:
  Load("") uses the embedded rules.yaml, which mirrors the Go defaults.
  Load(path) reads an override file of the same shape. Sections missing
  from an override fall back to the embedded ones.

SEE ALSO:
  - entitlement/entitlement.go: Resolver
  - economy/rules.go, economy/catalog.go: RuleTable, Catalog
  - badges/defaults.go: Badge table
*/
package factory

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/warp/rebound-engine/badges"
	"github.com/warp/rebound-engine/economy"
	"github.com/warp/rebound-engine/entitlement"
)

//go:embed rules.yaml
var embedded []byte

// =============================================================================
// YAML SCHEMA TYPES
// =============================================================================

// File is the YAML representation of the economy configuration.
type File struct {
	Features map[entitlement.Feature]entitlement.Tier `yaml:"features"`
	Rules    []economy.EarningRule                    `yaml:"rules"`
	Catalog  []economy.CatalogItem                    `yaml:"catalog"`
	Badges   []badges.Badge                           `yaml:"badges"`
}

// Bundle is the validated result.
type Bundle struct {
	Resolver *entitlement.Resolver
	Rules    *economy.RuleTable
	Catalog  *economy.Catalog
	Badges   []badges.Badge
	Source   string
}

// =============================================================================
// LOADING
// =============================================================================

// Load builds a Bundle from path, or from the embedded file when path is
// empty.
func Load(path string) (*Bundle, error) {
	base, err := Parse(embedded)
	if err != nil {
		return nil, fmt.Errorf("factory: embedded rules: %w", err)
	}
	if path == "" {
		return Build(base, "embedded")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("factory: read %s: %w", path, err)
	}
	override, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("factory: %s: %w", path, err)
	}
	return Build(merge(base, override), path)
}

// Parse decodes YAML without validating it. Unknown keys are rejected so
// typos ("daily_cpa") fail loudly.
func Parse(data []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return File{}, fmt.Errorf("parse rules: %w", err)
	}
	return f, nil
}

// Build validates every section and wires the catalog to the resolver.
func Build(f File, source string) (*Bundle, error) {
	resolver, err := entitlement.NewResolver(f.Features)
	if err != nil {
		return nil, fmt.Errorf("features: %w", err)
	}
	rules, err := economy.NewRuleTable(f.Rules)
	if err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	catalog, err := economy.NewCatalog(f.Catalog, resolver)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	for _, b := range f.Badges {
		if err := b.Validate(); err != nil {
			return nil, err
		}
	}
	return &Bundle{Resolver: resolver, Rules: rules, Catalog: catalog, Badges: f.Badges, Source: source}, nil
}

// Default is the embedded configuration. It panics on a broken embed,
// which tests catch.
func Default() *Bundle {
	b, err := Load("")
	if err != nil {
		panic(err)
	}
	return b
}

// merge replaces whole sections; it never merges inside a section.
func merge(base, override File) File {
	out := base
	if len(override.Features) > 0 {
		out.Features = override.Features
	}
	if len(override.Rules) > 0 {
		out.Rules = override.Rules
	}
	if len(override.Catalog) > 0 {
		out.Catalog = override.Catalog
	}
	if len(override.Badges) > 0 {
		out.Badges = override.Badges
	}
	return out
}
