package tabconfig

import "github.com/google/uuid"

// Change is a pending write replayed through Merge before it is persisted.
// Put replaces the row with the same id or (key, scope, owner) slot, or is
// added when neither exists. Remove drops the row with that id.
type Change struct {
	Put    *TabDefinition
	Remove uuid.UUID
}

func (ch Change) apply(rows []*TabDefinition) []*TabDefinition {
	out := make([]*TabDefinition, 0, len(rows)+1)
	placed := false
	for _, row := range rows {
		if ch.Remove != uuid.Nil && row.ID == ch.Remove {
			continue
		}
		if ch.Put != nil && ((ch.Put.ID != uuid.Nil && row.ID == ch.Put.ID) || sameSlot(row, ch.Put)) {
			if !placed {
				out = append(out, ch.Put)
				placed = true
			}
			continue
		}
		out = append(out, row)
	}
	if ch.Put != nil && !placed {
		out = append(out, ch.Put)
	}
	return out
}

// Audiences returns the views a write at scope has to keep non-empty: the
// caller's own view, and the view shared by everyone under the written owner
// (organization-only for organization writes, organization plus role for
// role writes).
func Audiences(c Caller, scope Scope) [][]Layer {
	full := Layers(c)
	base := make([]Layer, 0, len(full))
	for _, l := range full {
		if l.Scope.Priority() <= scope.Priority() {
			base = append(base, l)
		}
	}
	if len(base) == len(full) {
		return [][]Layer{full}
	}
	return [][]Layer{full, base}
}

// PeerAudiences returns the views an organization write reaches beyond the
// caller's own: system plus the caller's organization plus one peer role or
// user layer. Rows do not record a user's role, so user views are checked
// without a role layer.
func PeerAudiences(c Caller, peers []Layer) [][]Layer {
	out := make([][]Layer, 0, len(peers))
	for _, p := range peers {
		out = append(out, []Layer{
			{Scope: ScopeSystem},
			{Scope: ScopeOrganization, OwnerID: c.OrganizationID},
			p,
		})
	}
	return out
}

// WouldViolateMinimumVisible replays ch over the caller's candidates and
// reports whether any audience would be left without a visible tab.
func WouldViolateMinimumVisible(candidates []*TabDefinition, ch Change, audiences [][]Layer) bool {
	rows := ch.apply(candidates)
	for _, layers := range audiences {
		if len(Visible(Merge(filterLayers(rows, layers)))) == 0 {
			return true
		}
	}
	return false
}

// keyIsMandatory reports whether target or any candidate sharing its key is
// mandatory.
func keyIsMandatory(candidates []*TabDefinition, target *TabDefinition) bool {
	if target.IsMandatory {
		return true
	}
	for _, row := range candidates {
		if row.Key == target.Key && row.IsMandatory {
			return true
		}
	}
	return false
}
