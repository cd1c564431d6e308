package tabconfig

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Scope is the audience tier a tab row applies to.
type Scope string

const (
	ScopeSystem       Scope = "system"
	ScopeOrganization Scope = "organization"
	ScopeRole         Scope = "role"
	ScopeUser         Scope = "user"
)

// Priority orders scopes from least to most specific. Unknown scopes rank 0.
func (s Scope) Priority() int {
	switch s {
	case ScopeSystem:
		return 1
	case ScopeOrganization:
		return 2
	case ScopeRole:
		return 3
	case ScopeUser:
		return 4
	default:
		return 0
	}
}

func (s Scope) Valid() bool { return s.Priority() > 0 }

// ParseScope parses a scope from a request payload.
func ParseScope(raw string) (Scope, error) {
	s := Scope(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown scope %q", ErrValidation, raw)
	}
	return s, nil
}

var keyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

const maxLabelLen = 128

// TabDefinition maps to the tab_config table. One row is a candidate for a
// key at a single scope and owner.
type TabDefinition struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	Key             string          `db:"tab_key" json:"key"`
	Label           string          `db:"label" json:"label"`
	Icon            *string         `db:"icon" json:"icon,omitempty"`
	ContentType     string          `db:"content_type" json:"contentType"`
	Settings        json.RawMessage `db:"settings" json:"settings,omitempty"`
	Scope           Scope           `db:"scope" json:"scope"`
	OrganizationID  *string         `db:"organization_id" json:"organizationId,omitempty"`
	RoleID          *string         `db:"role_id" json:"roleId,omitempty"`
	UserID          *string         `db:"user_id" json:"userId,omitempty"`
	IsSystemDefault bool            `db:"is_system_default" json:"isSystemDefault"`
	IsMandatory     bool            `db:"is_mandatory" json:"isMandatory"`
	IsVisible       bool            `db:"is_visible" json:"isVisible"`
	DisplayOrder    int             `db:"display_order" json:"displayOrder"`
	CreatedAt       time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updatedAt"`
}

// Owner returns the owner id matching the row's scope; empty for system rows.
func (t *TabDefinition) Owner() string {
	var p *string
	switch t.Scope {
	case ScopeOrganization:
		p = t.OrganizationID
	case ScopeRole:
		p = t.RoleID
	case ScopeUser:
		p = t.UserID
	}
	if p == nil {
		return ""
	}
	return *p
}

// SetOwner stamps the owner field for scope and clears the others.
func (t *TabDefinition) SetOwner(scope Scope, ownerID string) {
	t.Scope = scope
	t.OrganizationID, t.RoleID, t.UserID = nil, nil, nil
	id := ownerID
	switch scope {
	case ScopeOrganization:
		t.OrganizationID = &id
	case ScopeRole:
		t.RoleID = &id
	case ScopeUser:
		t.UserID = &id
	}
}

// OwnedBy reports whether the row sits at the caller's own slot for its scope.
func (t *TabDefinition) OwnedBy(c Caller) bool {
	if t.Scope == ScopeSystem {
		return false
	}
	owner, ok := c.OwnerFor(t.Scope)
	return ok && owner == t.Owner()
}

// sameSlot reports whether a and b occupy the same (key, scope, owner) slot.
func sameSlot(a, b *TabDefinition) bool {
	return a.Key == b.Key && a.Scope == b.Scope && a.Owner() == b.Owner()
}

// shadow builds the override row that hides or shows a system default for
// one owner at scope.
func (t *TabDefinition) shadow(scope Scope, ownerID string, visible bool) *TabDefinition {
	s := &TabDefinition{
		Key:          t.Key,
		Label:        t.Label,
		Icon:         t.Icon,
		ContentType:  t.ContentType,
		Settings:     t.Settings,
		IsVisible:    visible,
		DisplayOrder: t.DisplayOrder,
	}
	s.SetOwner(scope, ownerID)
	return s
}

// Validate checks the payload and the scope/owner pairing.
func (t *TabDefinition) Validate() error {
	if !keyPattern.MatchString(t.Key) {
		return fmt.Errorf("%w: key must match %s", ErrValidation, keyPattern.String())
	}
	if strings.TrimSpace(t.Label) == "" {
		return fmt.Errorf("%w: label is required", ErrValidation)
	}
	if len(t.Label) > maxLabelLen {
		return fmt.Errorf("%w: label exceeds %d characters", ErrValidation, maxLabelLen)
	}
	if strings.TrimSpace(t.ContentType) == "" {
		return fmt.Errorf("%w: contentType is required", ErrValidation)
	}
	if len(t.Settings) > 0 && !json.Valid(t.Settings) {
		return fmt.Errorf("%w: settings must be valid JSON", ErrValidation)
	}
	if !t.Scope.Valid() {
		return fmt.Errorf("%w: unknown scope %q", ErrValidation, t.Scope)
	}
	if t.DisplayOrder < 0 {
		return fmt.Errorf("%w: displayOrder must not be negative", ErrValidation)
	}

	set := 0
	for _, p := range []*string{t.OrganizationID, t.RoleID, t.UserID} {
		if p != nil {
			set++
		}
	}
	if t.Scope == ScopeSystem {
		if set != 0 {
			return fmt.Errorf("%w: system tabs have no owner", ErrValidation)
		}
		return nil
	}
	if set != 1 || t.Owner() == "" {
		return fmt.Errorf("%w: %s tabs need exactly one %s owner", ErrValidation, t.Scope, t.Scope)
	}
	return nil
}

// Caller is the identity a request resolves and writes under.
type Caller struct {
	OrganizationID string
	RoleID         string
	UserID         string
	Roles          []string
}

// OwnerFor returns the caller's owner id at scope; ok is false when the
// caller has no identity at that tier.
func (c Caller) OwnerFor(scope Scope) (string, bool) {
	var id string
	switch scope {
	case ScopeOrganization:
		id = c.OrganizationID
	case ScopeRole:
		id = c.RoleID
	case ScopeUser:
		id = c.UserID
	}
	return id, id != ""
}

// ResolvedTab is the winning row for one key in a caller's view.
type ResolvedTab struct {
	TabDefinition
	// Shadows lists lower-priority scopes that also define this key.
	Shadows []Scope `json:"shadows,omitempty"`
}

// CreateInput is the payload for a custom tab.
type CreateInput struct {
	Key          string          `json:"key"`
	Label        string          `json:"label"`
	Icon         *string         `json:"icon,omitempty"`
	ContentType  string          `json:"contentType"`
	Settings     json.RawMessage `json:"settings,omitempty"`
	Scope        string          `json:"scope"`
	IsVisible    *bool           `json:"isVisible,omitempty"`
	DisplayOrder int             `json:"displayOrder"`
}

// Patch carries the editable fields of a non-default row. Nil fields are left
// unchanged.
type Patch struct {
	Label       *string         `json:"label,omitempty"`
	Icon        *string         `json:"icon,omitempty"`
	ContentType *string         `json:"contentType,omitempty"`
	Settings    json.RawMessage `json:"settings,omitempty"`
	IsVisible   *bool           `json:"isVisible,omitempty"`
}

func (p Patch) empty() bool {
	return p.Label == nil && p.Icon == nil && p.ContentType == nil && p.Settings == nil && p.IsVisible == nil
}

// apply returns a copy of t with the patch applied.
func (p Patch) apply(t *TabDefinition) *TabDefinition {
	cp := *t
	if p.Label != nil {
		cp.Label = *p.Label
	}
	if p.Icon != nil {
		cp.Icon = p.Icon
	}
	if p.ContentType != nil {
		cp.ContentType = *p.ContentType
	}
	if p.Settings != nil {
		cp.Settings = p.Settings
	}
	if p.IsVisible != nil {
		cp.IsVisible = *p.IsVisible
	}
	return &cp
}

// OrderItem assigns a display order to one tab.
type OrderItem struct {
	ID           uuid.UUID `json:"id"`
	DisplayOrder int       `json:"displayOrder"`
}
