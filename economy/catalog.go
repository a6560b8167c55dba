package economy

import (
	"fmt"
	"sort"

	"github.com/warp/rebound-engine/entitlement"
	"github.com/warp/rebound-engine/generic"
)

// =============================================================================
// CATALOG - What Bytes can buy
// =============================================================================

// CatalogItem is a purchasable item. When Feature is set the buyer's tier
// must be entitled to it before any Bytes move.
type CatalogItem struct {
	ID          string              `json:"id" yaml:"id"`
	Title       string              `json:"title" yaml:"title"`
	Description string              `json:"description,omitempty" yaml:"description"`
	Cost        int64               `json:"cost" yaml:"cost"`
	Feature     entitlement.Feature `json:"feature,omitempty" yaml:"feature"`
}

type Catalog struct {
	items map[string]CatalogItem
}

// NewCatalog validates costs and, when resolver is non-nil, that every
// referenced feature exists.
func NewCatalog(items []CatalogItem, resolver *entitlement.Resolver) (*Catalog, error) {
	c := &Catalog{items: make(map[string]CatalogItem, len(items))}
	for _, it := range items {
		if it.ID == "" {
			return nil, fmt.Errorf("economy: catalog item without id")
		}
		if it.Cost < 0 {
			return nil, fmt.Errorf("%w: item %s cost %d", generic.ErrInvalidAmount, it.ID, it.Cost)
		}
		if it.Feature != "" && resolver != nil && !resolver.Known(it.Feature) {
			return nil, fmt.Errorf("economy: item %s: %w", it.ID, generic.Unknown(generic.ErrUnknownFeature, string(it.Feature)))
		}
		if _, dup := c.items[it.ID]; dup {
			return nil, fmt.Errorf("economy: duplicate catalog item %s", it.ID)
		}
		c.items[it.ID] = it
	}
	return c, nil
}

func (c *Catalog) Item(id string) (CatalogItem, error) {
	it, ok := c.items[id]
	if !ok {
		return CatalogItem{}, generic.Unknown(generic.ErrUnknownItem, id)
	}
	return it, nil
}

func (c *Catalog) All() []CatalogItem {
	out := make([]CatalogItem, 0, len(c.items))
	for _, it := range c.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func DefaultCatalog() []CatalogItem {
	return []CatalogItem{
		{ID: "streak-freeze", Title: "Streak freeze", Cost: 50},
		{ID: "wall-highlight", Title: "Highlight a wall post", Cost: 20, Feature: entitlement.FeatureWallPost},
		{ID: "ritual-pack-grief", Title: "Grief ritual pack", Cost: 40, Feature: entitlement.FeatureRitualLibrary},
		{ID: "voice-journal-minutes", Title: "Extra voice journal minutes", Cost: 30, Feature: entitlement.FeatureVoiceJournal},
		{ID: "therapy-session-extension", Title: "Extend an AI therapy session", Cost: 25, Feature: entitlement.FeatureAITherapy},
	}
}
