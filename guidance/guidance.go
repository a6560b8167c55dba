/*
Package guidance selects the daily guidance record for a user.

PURPOSE:
  Maps (days since enrollment, tier, archetype) to one content record.
  Nothing is stored: the record is recomputed from the enrollment date on
  every request, so a stateless handler can serve it and clock skew
  between servers only ever moves the answer by a day.

DAY ARITHMETIC:
  day          = max(1, floor((now - enrolledAt) / 24h) + 1)
  effectiveDay = ((day - 1) mod 30) + 1

PERSONALIZATION:
  When the tier is entitled to "personalized-guidance" and the archetype
  has a substitution set, the base text is rewritten by that set. The
  rewrite is one regex pass over whole words, longest key first, so the
  result does not depend on map iteration order. NewSelector refuses a
  substitution set whose output would change under a second pass anywhere
  in the content table.

SEE ALSO:
  - content.yaml: The 30-day table and substitution sets
  - entitlement/entitlement.go: FeaturePersonalizedGuidance
*/
package guidance

import (
	"embed"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warp/rebound-engine/entitlement"
)

//go:embed content.yaml
var contentFS embed.FS

// CycleLength is the number of distinct guidance days.
const CycleLength = 30

// =============================================================================
// TYPES
// =============================================================================

// Archetype is a content-flavor tag. It never gates access.
type Archetype string

type Day struct {
	Day   int    `yaml:"day"`
	Title string `yaml:"title"`
	Body  string `yaml:"body"`
}

type ArchetypeSet struct {
	Label         string            `yaml:"label"`
	Substitutions map[string]string `yaml:"substitutions"`
}

// Content is the parsed content table.
type Content struct {
	Days       []Day                      `yaml:"days"`
	Archetypes map[Archetype]ArchetypeSet `yaml:"archetypes"`
}

// Record is what a user sees for one day.
type Record struct {
	Day          int       `json:"day"`
	EffectiveDay int       `json:"effective_day"`
	Title        string    `json:"title"`
	Body         string    `json:"body"`
	Personalized bool      `json:"personalized"`
	Archetype    Archetype `json:"archetype,omitempty"`
}

// =============================================================================
// DAY ARITHMETIC
// =============================================================================

// DayNumber returns the 1-based day since enrollment. Dates in the future
// count as day 1.
func DayNumber(enrolledAt, now time.Time) int {
	elapsed := now.Sub(enrolledAt)
	if elapsed < 0 {
		return 1
	}
	return int(elapsed/(24*time.Hour)) + 1
}

// EffectiveDay folds day into the 1..CycleLength cycle.
func EffectiveDay(day int) int {
	if day < 1 {
		day = 1
	}
	return ((day - 1) % CycleLength) + 1
}

// =============================================================================
// SUBSTITUTION
// =============================================================================

// Rewriter applies one archetype's substitutions in a single pass.
type Rewriter struct {
	pattern *regexp.Regexp
	table   map[string]string
}

func NewRewriter(subs map[string]string) (*Rewriter, error) {
	if len(subs) == 0 {
		return &Rewriter{}, nil
	}

	keys := make([]string, 0, len(subs))
	for k := range subs {
		if strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("guidance: empty substitution key")
		}
		keys = append(keys, k)
	}
	// Longest first so "kind response" wins over "response".
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	quoted := make([]string, len(keys))
	for i, k := range keys {
		quoted[i] = regexp.QuoteMeta(k)
	}
	pattern, err := regexp.Compile(`\b(?:` + strings.Join(quoted, "|") + `)\b`)
	if err != nil {
		return nil, fmt.Errorf("guidance: compile substitutions: %w", err)
	}

	table := make(map[string]string, len(subs))
	for k, v := range subs {
		table[k] = v
	}
	r := &Rewriter{pattern: pattern, table: table}

	for k, v := range subs {
		if r.pattern.MatchString(v) {
			return nil, fmt.Errorf("guidance: replacement for %q reintroduces a key: %q", k, v)
		}
	}
	return r, nil
}

func (r *Rewriter) Apply(text string) string {
	if r == nil || r.pattern == nil {
		return text
	}
	return r.pattern.ReplaceAllStringFunc(text, func(m string) string {
		return r.table[m]
	})
}

// =============================================================================
// SELECTOR
// =============================================================================

// Selector is immutable after construction and safe for concurrent use.
type Selector struct {
	days      []Day
	rewriters map[Archetype]*Rewriter
	resolver  *entitlement.Resolver
}

// LoadContent parses the embedded content table.
func LoadContent() (Content, error) {
	data, err := contentFS.ReadFile("content.yaml")
	if err != nil {
		return Content{}, fmt.Errorf("guidance: read content: %w", err)
	}
	return ParseContent(data)
}

func ParseContent(data []byte) (Content, error) {
	var c Content
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Content{}, fmt.Errorf("guidance: parse content: %w", err)
	}
	return c, nil
}

// NewSelector validates the table: exactly CycleLength days numbered
// 1..CycleLength, and every substitution set a fixed point over every day.
func NewSelector(content Content, resolver *entitlement.Resolver) (*Selector, error) {
	if resolver == nil {
		return nil, fmt.Errorf("guidance: resolver is required")
	}
	if !resolver.Known(entitlement.FeaturePersonalizedGuidance) {
		return nil, fmt.Errorf("guidance: feature map lacks %s", entitlement.FeaturePersonalizedGuidance)
	}
	if len(content.Days) != CycleLength {
		return nil, fmt.Errorf("guidance: want %d days, got %d", CycleLength, len(content.Days))
	}

	days := make([]Day, CycleLength)
	seen := make(map[int]bool, CycleLength)
	for _, d := range content.Days {
		if d.Day < 1 || d.Day > CycleLength || seen[d.Day] {
			return nil, fmt.Errorf("guidance: invalid or repeated day %d", d.Day)
		}
		seen[d.Day] = true
		days[d.Day-1] = d
	}

	rewriters := make(map[Archetype]*Rewriter, len(content.Archetypes))
	for name, set := range content.Archetypes {
		rw, err := NewRewriter(set.Substitutions)
		if err != nil {
			return nil, fmt.Errorf("guidance: archetype %s: %w", name, err)
		}
		for _, d := range days {
			for _, text := range []string{d.Title, d.Body} {
				once := rw.Apply(text)
				if twice := rw.Apply(once); twice != once {
					return nil, fmt.Errorf("guidance: archetype %s is not idempotent on day %d", name, d.Day)
				}
			}
		}
		rewriters[name] = rw
	}

	return &Selector{days: days, rewriters: rewriters, resolver: resolver}, nil
}

// Select returns the record for now. An unknown or empty archetype falls
// back to the generic text.
func (s *Selector) Select(enrolledAt time.Time, tier entitlement.Tier, archetype Archetype, now time.Time) (Record, error) {
	day := DayNumber(enrolledAt, now)
	effective := EffectiveDay(day)
	base := s.days[effective-1]

	rec := Record{Day: day, EffectiveDay: effective, Title: base.Title, Body: base.Body}

	decision, err := s.resolver.Resolve(tier, entitlement.FeaturePersonalizedGuidance)
	if err != nil {
		return Record{}, err
	}
	rw, known := s.rewriters[archetype]
	if !decision.Allowed || archetype == "" || !known {
		return rec, nil
	}

	rec.Title = rw.Apply(base.Title)
	rec.Body = rw.Apply(base.Body)
	rec.Personalized = true
	rec.Archetype = archetype
	return rec, nil
}

// Archetypes lists the archetypes with a substitution set, sorted.
func (s *Selector) Archetypes() []Archetype {
	out := make([]Archetype, 0, len(s.rewriters))
	for a := range s.rewriters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// KnownArchetype reports whether a has a substitution set.
func (s *Selector) KnownArchetype(a Archetype) bool {
	_, ok := s.rewriters[a]
	return ok
}

// Rewriter exposes an archetype's rewriter.
func (s *Selector) Rewriter(a Archetype) (*Rewriter, bool) {
	rw, ok := s.rewriters[a]
	return rw, ok
}
