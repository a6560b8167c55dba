/*
Package entitlement decides which subscription tier may use which feature.

PURPOSE:
  Every tier-gated route and UI affordance asks the Resolver the same
  question: "can this tier use this feature?". The answer is a pure function
  of (tier, feature key) over a static feature map, so it is safe to call
  speculatively and is never cached beyond a single call. A tier change
  from the payment webhook is therefore visible on the very next check.

ORDERING:
  Tiers form a total order: free < premium < elite.
  Allowed = rank(tier) >= rank(minimum tier of feature)

UNKNOWN KEYS:
  An unknown feature key or tier is a programming error. Resolve returns
  ErrUnknownFeature / ErrUnknownTier and never guesses, so a typo'd key can
  neither expose nor hide a feature silently.

SEE ALSO:
  - factory/rules.go: Loads the feature map from YAML
  - economy/catalog.go: Catalog items gated by a feature
*/
package entitlement

import (
	"fmt"
	"sort"
	"strings"

	"github.com/warp/rebound-engine/generic"
)

// =============================================================================
// TIER
// =============================================================================

type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
	TierElite   Tier = "elite"
)

// Tiers lists every tier in ascending order.
var Tiers = []Tier{TierFree, TierPremium, TierElite}

// Rank returns the position of t in the tier order, or -1 if unknown.
func (t Tier) Rank() int {
	for i, candidate := range Tiers {
		if candidate == t {
			return i
		}
	}
	return -1
}

func (t Tier) Valid() bool { return t.Rank() >= 0 }

// AtLeast reports whether t ranks at or above min. Unknown tiers never do.
func (t Tier) AtLeast(min Tier) bool {
	return t.Valid() && min.Valid() && t.Rank() >= min.Rank()
}

// ParseTier accepts a tier name case-insensitively.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", generic.Unknown(generic.ErrUnknownTier, s)
	}
	return t, nil
}

// =============================================================================
// FEATURES
// =============================================================================

type Feature string

const (
	FeatureAITherapy            Feature = "ai-therapy"
	FeaturePersonalizedGuidance Feature = "personalized-guidance"
	FeatureWallPost             Feature = "wall-post"
	FeatureWallRead             Feature = "wall-read"
	FeatureRitualLibrary        Feature = "ritual-library"
	FeatureProgressAnalytics    Feature = "progress-analytics"
	FeatureDataExport           Feature = "data-export"
	FeatureVoiceJournal         Feature = "voice-journal"
	FeatureNoContactTracker     Feature = "no-contact-tracker"
)

// DefaultFeatures is the built-in feature → minimum tier map.
func DefaultFeatures() map[Feature]Tier {
	return map[Feature]Tier{
		FeatureAITherapy:            TierPremium,
		FeaturePersonalizedGuidance: TierPremium,
		FeatureWallPost:             TierFree,
		FeatureWallRead:             TierFree,
		FeatureRitualLibrary:        TierPremium,
		FeatureProgressAnalytics:    TierPremium,
		FeatureDataExport:           TierElite,
		FeatureVoiceJournal:         TierElite,
		FeatureNoContactTracker:     TierFree,
	}
}

// =============================================================================
// RESOLVER
// =============================================================================

// ReasonTierTooLow is the machine-readable reason on a denial; the HTTP
// layer owns wording. Allowed decisions carry no reason.
const ReasonTierTooLow = "tier_too_low"

// Decision is the answer for one (tier, feature) pair.
type Decision struct {
	Feature  Feature `json:"feature"`
	Tier     Tier    `json:"tier"`
	Required Tier    `json:"required_tier"`
	Allowed  bool    `json:"allowed"`
	Reason   string  `json:"reason,omitempty"`
}

// Resolver holds the immutable feature map.
type Resolver struct {
	features map[Feature]Tier
}

// NewResolver validates and copies the feature map.
func NewResolver(features map[Feature]Tier) (*Resolver, error) {
	copied := make(map[Feature]Tier, len(features))
	for f, min := range features {
		if f == "" {
			return nil, fmt.Errorf("entitlement: empty feature key")
		}
		if !min.Valid() {
			return nil, fmt.Errorf("entitlement: feature %s: %w", f, generic.Unknown(generic.ErrUnknownTier, string(min)))
		}
		copied[f] = min
	}
	return &Resolver{features: copied}, nil
}

// MustResolver is NewResolver for static tables known to be valid.
func MustResolver(features map[Feature]Tier) *Resolver {
	r, err := NewResolver(features)
	if err != nil {
		panic(err)
	}
	return r
}

// Resolve answers whether tier may use feature.
func (r *Resolver) Resolve(tier Tier, feature Feature) (Decision, error) {
	min, ok := r.features[feature]
	if !ok {
		return Decision{}, generic.Unknown(generic.ErrUnknownFeature, string(feature))
	}
	if !tier.Valid() {
		return Decision{}, generic.Unknown(generic.ErrUnknownTier, string(tier))
	}

	d := Decision{Feature: feature, Tier: tier, Required: min, Allowed: tier.AtLeast(min)}
	if !d.Allowed {
		d.Reason = ReasonTierTooLow
	}
	return d, nil
}

// Require is Resolve for call sites that must refuse on denial.
// A denial is returned as an error wrapping ErrNotEntitled.
func (r *Resolver) Require(tier Tier, feature Feature) error {
	d, err := r.Resolve(tier, feature)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return fmt.Errorf("%w: %s requires %s, have %s", generic.ErrNotEntitled, feature, d.Required, tier)
	}
	return nil
}

// Matrix resolves every known feature for tier, sorted by feature key.
func (r *Resolver) Matrix(tier Tier) ([]Decision, error) {
	keys := make([]string, 0, len(r.features))
	for f := range r.features {
		keys = append(keys, string(f))
	}
	sort.Strings(keys)

	out := make([]Decision, 0, len(keys))
	for _, k := range keys {
		d, err := r.Resolve(tier, Feature(k))
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Known reports whether feature is in the map.
func (r *Resolver) Known(feature Feature) bool {
	_, ok := r.features[feature]
	return ok
}
