// Package health computes the composite device health index from deviation,
// trend, stability and alarm components.
package health

import (
	"sort"

	"github.com/gobwas/glob"

	"github.com/intellimaint/intellimaint/model"
)

type importanceRule struct {
	g          glob.Glob
	importance float64
	priority   int
}

// ImportanceResolver maps tag ids to importance weights through glob rules.
// Rules are tried in descending priority; the first match wins; unmatched
// tags get the default.
type ImportanceResolver struct {
	rules []importanceRule
	def   float64
}

// NewImportanceResolver compiles the enabled rules. Rules with invalid
// patterns are dropped.
func NewImportanceResolver(rules []model.TagImportanceRule, def float64) *ImportanceResolver {
	r := &ImportanceResolver{def: def}
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		g, err := glob.Compile(rule.Pattern)
		if err != nil {
			continue
		}
		r.rules = append(r.rules, importanceRule{g: g, importance: rule.Importance, priority: rule.Priority})
	}
	sort.SliceStable(r.rules, func(i, j int) bool {
		return r.rules[i].priority > r.rules[j].priority
	})
	return r
}

// Weight resolves one tag id.
func (r *ImportanceResolver) Weight(tagID string) float64 {
	for _, rule := range r.rules {
		if rule.g.Match(tagID) {
			return rule.importance
		}
	}
	return r.def
}
