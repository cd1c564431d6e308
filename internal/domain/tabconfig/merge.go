package tabconfig

import (
	"sort"
)

// Layer is one lookup source of a caller's view: the rows at Scope owned by
// OwnerID. System layers have no owner.
type Layer struct {
	Scope   Scope
	OwnerID string
}

// Matches reports whether row is a candidate from this layer.
func (l Layer) Matches(row *TabDefinition) bool {
	if row.Scope != l.Scope {
		return false
	}
	if l.Scope == ScopeSystem {
		return row.IsSystemDefault
	}
	return row.Owner() == l.OwnerID
}

// Layers returns the lookup sources for c, least specific first. Role and
// user layers are present only when the caller carries that identity.
func Layers(c Caller) []Layer {
	layers := []Layer{
		{Scope: ScopeSystem},
		{Scope: ScopeOrganization, OwnerID: c.OrganizationID},
	}
	if c.RoleID != "" {
		layers = append(layers, Layer{Scope: ScopeRole, OwnerID: c.RoleID})
	}
	if c.UserID != "" {
		layers = append(layers, Layer{Scope: ScopeUser, OwnerID: c.UserID})
	}
	return layers
}

// filterLayers keeps the rows that belong to any of layers.
func filterLayers(rows []*TabDefinition, layers []Layer) []*TabDefinition {
	out := make([]*TabDefinition, 0, len(rows))
	for _, row := range rows {
		for _, l := range layers {
			if l.Matches(row) {
				out = append(out, row)
				break
			}
		}
	}
	return out
}

// Merge folds candidate rows into one winner per key. The most specific
// scope wins; a key with any mandatory candidate is always visible. The
// result holds hidden winners too, ordered by displayOrder then key.
func Merge(rows []*TabDefinition) []ResolvedTab {
	type group struct {
		winner    *TabDefinition
		mandatory bool
		shadows   []Scope
	}

	groups := make(map[string]*group)
	for _, row := range rows {
		g, ok := groups[row.Key]
		if !ok {
			groups[row.Key] = &group{winner: row, mandatory: row.IsMandatory}
			continue
		}
		if row.IsMandatory {
			g.mandatory = true
		}
		if outranks(row, g.winner) {
			g.shadows = append(g.shadows, g.winner.Scope)
			g.winner = row
		} else {
			g.shadows = append(g.shadows, row.Scope)
		}
	}

	out := make([]ResolvedTab, 0, len(groups))
	for _, g := range groups {
		rt := ResolvedTab{TabDefinition: *g.winner}
		// Writes already refuse to hide a mandatory key; this also covers
		// overrides stored before the system tab became mandatory.
		if g.mandatory {
			rt.IsMandatory = true
			rt.IsVisible = true
		}
		if len(g.shadows) > 0 {
			sort.Slice(g.shadows, func(i, j int) bool {
				return g.shadows[i].Priority() > g.shadows[j].Priority()
			})
			rt.Shadows = g.shadows
		}
		out = append(out, rt)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayOrder != out[j].DisplayOrder {
			return out[i].DisplayOrder < out[j].DisplayOrder
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// outranks reports whether a beats b for the same key. Rows at the same
// scope fall back to id order so the result does not depend on input order.
func outranks(a, b *TabDefinition) bool {
	pa, pb := a.Scope.Priority(), b.Scope.Priority()
	if pa != pb {
		return pa > pb
	}
	return a.ID.String() < b.ID.String()
}

// Visible filters a merged view down to the tabs a caller sees.
func Visible(tabs []ResolvedTab) []ResolvedTab {
	out := make([]ResolvedTab, 0, len(tabs))
	for _, t := range tabs {
		if t.IsVisible {
			out = append(out, t)
		}
	}
	return out
}
