package tabconfig

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ScopeAuthorizer decides which roles may write at a scope.
type ScopeAuthorizer interface {
	CanWriteScope(roles []string, scope string) (bool, error)
}

type Service struct {
	repo   Repository
	authz  ScopeAuthorizer
	logger zerolog.Logger
}

func NewService(repo Repository, authz ScopeAuthorizer, logger zerolog.Logger) *Service {
	return &Service{repo: repo, authz: authz, logger: logger.With().Str("component", "tabconfig").Logger()}
}

// -- Read path --

// Resolve returns the caller's visible tabs in display order.
func (s *Service) Resolve(ctx context.Context, caller Caller) ([]ResolvedTab, error) {
	all, err := s.ResolveAll(ctx, caller)
	if err != nil {
		return nil, err
	}
	return Visible(all), nil
}

// ResolveAll returns every winner, hidden ones included.
func (s *Service) ResolveAll(ctx context.Context, caller Caller) ([]ResolvedTab, error) {
	if caller.OrganizationID == "" {
		return nil, fmt.Errorf("%w: no organization context", ErrUnauthorized)
	}
	rows, err := s.repo.ListCandidates(ctx, Layers(caller))
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	return Merge(rows), nil
}

// Candidates pages through the raw rows that feed the caller's view.
func (s *Service) Candidates(ctx context.Context, caller Caller, limit, offset int) ([]*TabDefinition, int, error) {
	if caller.OrganizationID == "" {
		return nil, 0, fmt.Errorf("%w: no organization context", ErrUnauthorized)
	}
	return s.repo.ListCandidatesPage(ctx, Layers(caller), limit, offset)
}

// -- Write path --

// authorize checks that caller may write rows at scope.
func (s *Service) authorize(caller Caller, scope Scope) error {
	if caller.OrganizationID == "" {
		return fmt.Errorf("%w: no organization context", ErrUnauthorized)
	}
	if !scope.Valid() {
		return fmt.Errorf("%w: unknown scope %q", ErrValidation, scope)
	}
	if scope == ScopeSystem {
		return fmt.Errorf("%w: system tabs are read-only", ErrForbidden)
	}
	if _, ok := caller.OwnerFor(scope); !ok {
		return fmt.Errorf("%w: caller has no %s identity", ErrForbidden, scope)
	}
	allowed, err := s.authz.CanWriteScope(caller.Roles, string(scope))
	if err != nil {
		return fmt.Errorf("authorize %s write: %w", scope, err)
	}
	if !allowed {
		return fmt.Errorf("%w: not allowed to write %s tabs", ErrForbidden, scope)
	}
	return nil
}

// writable loads a row the caller may mutate directly: it must exist, not be
// a system default, sit at the caller's own slot and be in an authorized
// scope.
func (s *Service) writable(ctx context.Context, id uuid.UUID, caller Caller) (*TabDefinition, error) {
	tab, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if tab.IsSystemDefault {
		return nil, fmt.Errorf("%w: tab %s is a system default", ErrForbidden, id)
	}
	if !tab.OwnedBy(caller) {
		return nil, fmt.Errorf("%w: tab %s belongs to another %s", ErrForbidden, id, tab.Scope)
	}
	if err := s.authorize(caller, tab.Scope); err != nil {
		return nil, err
	}
	return tab, nil
}

// guardView loads the rows and audiences a write at scope has to keep
// non-empty. Organization writes also reach every role and user holding rows
// of its own.
func (s *Service) guardView(ctx context.Context, caller Caller, scope Scope) ([]*TabDefinition, [][]Layer, error) {
	layers := Layers(caller)
	audiences := Audiences(caller, scope)
	if scope == ScopeOrganization {
		var peers []Layer
		for _, peerScope := range []Scope{ScopeRole, ScopeUser} {
			owners, err := s.repo.ListOwners(ctx, peerScope)
			if err != nil {
				return nil, nil, fmt.Errorf("list %s owners: %w", peerScope, err)
			}
			for _, owner := range owners {
				peers = append(peers, Layer{Scope: peerScope, OwnerID: owner})
			}
		}
		layers = append(layers, peers...)
		audiences = append(audiences, PeerAudiences(caller, peers)...)
	}
	candidates, err := s.repo.ListCandidates(ctx, layers)
	if err != nil {
		return nil, nil, err
	}
	return candidates, audiences, nil
}

// checkHide rejects a write that hides a mandatory key or leaves one of
// audiences without visible tabs.
func (s *Service) checkHide(candidates []*TabDefinition, audiences [][]Layer, target *TabDefinition, ch Change) error {
	if keyIsMandatory(candidates, target) {
		return fmt.Errorf("%w: tab %q is mandatory", ErrForbidden, target.Key)
	}
	if WouldViolateMinimumVisible(candidates, ch, audiences) {
		return fmt.Errorf("%w: at least one tab must remain visible", ErrInvalidState)
	}
	return nil
}

// SetVisibility shows or hides a tab at scope. System defaults are shadowed
// by an override row in the caller's slot; other rows are updated in place
// and must belong to the caller at scope.
func (s *Service) SetVisibility(ctx context.Context, id uuid.UUID, visible bool, scope Scope, caller Caller) (*TabDefinition, error) {
	if err := s.authorize(caller, scope); err != nil {
		return nil, err
	}

	var written *TabDefinition
	err := s.repo.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.LockOrganization(ctx, caller.OrganizationID); err != nil {
			return err
		}
		target, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		candidates, audiences, err := s.guardView(ctx, caller, scope)
		if err != nil {
			return err
		}
		if !visible && keyIsMandatory(candidates, target) {
			return fmt.Errorf("%w: tab %q is mandatory", ErrForbidden, target.Key)
		}

		var next *TabDefinition
		if target.IsSystemDefault {
			owner, _ := caller.OwnerFor(scope)
			next = target.shadow(scope, owner, visible)
		} else {
			if target.Scope != scope || !target.OwnedBy(caller) {
				return fmt.Errorf("%w: tab %s is not the caller's %s tab", ErrForbidden, id, scope)
			}
			cp := *target
			cp.IsVisible = visible
			next = &cp
		}

		if !visible {
			if err := s.checkHide(candidates, audiences, target, Change{Put: next}); err != nil {
				return err
			}
		}

		if target.IsSystemDefault {
			written, err = s.repo.UpsertOverride(ctx, next)
			return err
		}
		if err := s.repo.Update(ctx, next); err != nil {
			return err
		}
		written = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("tab_key", written.Key).
		Str("scope", string(scope)).
		Str("owner", written.Owner()).
		Bool("visible", visible).
		Msg("tab visibility set")
	return written, nil
}

// CreateTab adds a custom tab in the caller's slot at the requested scope.
func (s *Service) CreateTab(ctx context.Context, in CreateInput, caller Caller) (*TabDefinition, error) {
	scope, err := ParseScope(in.Scope)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(caller, scope); err != nil {
		return nil, err
	}

	tab := &TabDefinition{
		Key:          in.Key,
		Label:        in.Label,
		Icon:         in.Icon,
		ContentType:  in.ContentType,
		Settings:     in.Settings,
		IsVisible:    true,
		DisplayOrder: in.DisplayOrder,
	}
	if in.IsVisible != nil {
		tab.IsVisible = *in.IsVisible
	}
	owner, _ := caller.OwnerFor(scope)
	tab.SetOwner(scope, owner)
	if err := tab.Validate(); err != nil {
		return nil, err
	}

	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.LockOrganization(ctx, caller.OrganizationID); err != nil {
			return err
		}
		if !tab.IsVisible {
			candidates, audiences, err := s.guardView(ctx, caller, scope)
			if err != nil {
				return err
			}
			if err := s.checkHide(candidates, audiences, tab, Change{Put: tab}); err != nil {
				return err
			}
		}
		return s.repo.Insert(ctx, tab)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("tab_key", tab.Key).Str("scope", string(scope)).Str("owner", owner).Msg("tab created")
	return tab, nil
}

// UpdateTab edits a non-default row owned by the caller.
func (s *Service) UpdateTab(ctx context.Context, id uuid.UUID, patch Patch, caller Caller) (*TabDefinition, error) {
	if caller.OrganizationID == "" {
		return nil, fmt.Errorf("%w: no organization context", ErrUnauthorized)
	}
	if patch.empty() {
		return nil, fmt.Errorf("%w: nothing to update", ErrValidation)
	}

	var updated *TabDefinition
	err := s.repo.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.LockOrganization(ctx, caller.OrganizationID); err != nil {
			return err
		}
		current, err := s.writable(ctx, id, caller)
		if err != nil {
			return err
		}
		next := patch.apply(current)
		if err := next.Validate(); err != nil {
			return err
		}
		if current.IsVisible && !next.IsVisible {
			candidates, audiences, err := s.guardView(ctx, caller, current.Scope)
			if err != nil {
				return err
			}
			if err := s.checkHide(candidates, audiences, current, Change{Put: next}); err != nil {
				return err
			}
		}
		if err := s.repo.Update(ctx, next); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("tab_id", id.String()).Str("tab_key", updated.Key).Msg("tab updated")
	return updated, nil
}

// Reorder assigns display orders to a batch of tabs. Every item is checked
// before anything is written; one bad item rejects the batch.
func (s *Service) Reorder(ctx context.Context, items []OrderItem, caller Caller) ([]*TabDefinition, error) {
	if caller.OrganizationID == "" {
		return nil, fmt.Errorf("%w: no organization context", ErrUnauthorized)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: reorder batch is empty", ErrValidation)
	}

	var tabs []*TabDefinition
	err := s.repo.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.LockOrganization(ctx, caller.OrganizationID); err != nil {
			return err
		}
		seen := make(map[uuid.UUID]bool, len(items))
		tabs = make([]*TabDefinition, 0, len(items))
		for _, item := range items {
			if seen[item.ID] {
				return fmt.Errorf("%w: tab %s appears twice", ErrValidation, item.ID)
			}
			seen[item.ID] = true
			if item.DisplayOrder < 0 {
				return fmt.Errorf("%w: displayOrder must not be negative", ErrValidation)
			}
			tab, err := s.writable(ctx, item.ID, caller)
			if err != nil {
				return err
			}
			tab.DisplayOrder = item.DisplayOrder
			tabs = append(tabs, tab)
		}
		stamps, err := s.repo.UpdateDisplayOrders(ctx, items)
		if err != nil {
			return err
		}
		for _, tab := range tabs {
			tab.UpdatedAt = stamps[tab.ID]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Int("count", len(items)).Msg("tabs reordered")
	return tabs, nil
}

// DeleteTab removes a custom tab or override owned by the caller. The key
// falls back to the next lower scope on the following resolve.
func (s *Service) DeleteTab(ctx context.Context, id uuid.UUID, caller Caller) error {
	if caller.OrganizationID == "" {
		return fmt.Errorf("%w: no organization context", ErrUnauthorized)
	}

	var key string
	err := s.repo.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.LockOrganization(ctx, caller.OrganizationID); err != nil {
			return err
		}
		tab, err := s.writable(ctx, id, caller)
		if err != nil {
			return err
		}
		key = tab.Key
		candidates, audiences, err := s.guardView(ctx, caller, tab.Scope)
		if err != nil {
			return err
		}
		if WouldViolateMinimumVisible(candidates, Change{Remove: id}, audiences) {
			return fmt.Errorf("%w: at least one tab must remain visible", ErrInvalidState)
		}
		return s.repo.Delete(ctx, id)
	})
	if err != nil {
		return err
	}

	s.logger.Info().Str("tab_id", id.String()).Str("tab_key", key).Msg("tab deleted")
	return nil
}

// Reset removes every row the caller owns at scope and returns how many were
// removed.
func (s *Service) Reset(ctx context.Context, scope Scope, caller Caller) (int64, error) {
	if err := s.authorize(caller, scope); err != nil {
		return 0, err
	}
	owner, _ := caller.OwnerFor(scope)

	var n int64
	err := s.repo.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.LockOrganization(ctx, caller.OrganizationID); err != nil {
			return err
		}
		var err error
		n, err = s.repo.DeleteByOwner(ctx, scope, owner)
		return err
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info().Str("scope", string(scope)).Str("owner", owner).Int64("removed", n).Msg("tab overrides reset")
	return n, nil
}
