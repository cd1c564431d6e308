package tabconfig

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// -- Mock Repository --

// memRepo keeps rows in memory. WithinTx snapshots the rows and restores them
// when fn fails, so tests can observe all-or-nothing writes.
type memRepo struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]*TabDefinition
	locks   []string
	failErr error
}

func newMemRepo() *memRepo {
	return &memRepo{rows: make(map[uuid.UUID]*TabDefinition)}
}

func clone(t *TabDefinition) *TabDefinition {
	cp := *t
	return &cp
}

func (m *memRepo) snapshot() map[uuid.UUID]*TabDefinition {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := make(map[uuid.UUID]*TabDefinition, len(m.rows))
	for id, row := range m.rows {
		snap[id] = clone(row)
	}
	return snap
}

func (m *memRepo) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	snap := m.snapshot()
	if err := fn(ctx); err != nil {
		m.mu.Lock()
		m.rows = snap
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memRepo) LockOrganization(_ context.Context, organizationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks = append(m.locks, organizationID)
	return nil
}

func (m *memRepo) GetByID(_ context.Context, id uuid.UUID) (*TabDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return clone(row), nil
}

func (m *memRepo) ListCandidates(_ context.Context, layers []Layer) ([]*TabDefinition, error) {
	if m.failErr != nil {
		return nil, m.failErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*TabDefinition
	for _, row := range m.rows {
		for _, l := range layers {
			if l.Matches(row) {
				out = append(out, clone(row))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (m *memRepo) ListOwners(_ context.Context, scope Scope) ([]string, error) {
	if m.failErr != nil {
		return nil, m.failErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var owners []string
	for _, row := range m.rows {
		if row.Scope != scope || seen[row.Owner()] {
			continue
		}
		seen[row.Owner()] = true
		owners = append(owners, row.Owner())
	}
	sort.Strings(owners)
	return owners, nil
}

func (m *memRepo) ListCandidatesPage(ctx context.Context, layers []Layer, limit, offset int) ([]*TabDefinition, int, error) {
	all, err := m.ListCandidates(ctx, layers)
	if err != nil {
		return nil, 0, err
	}
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *memRepo) slotTaken(tab *TabDefinition) *TabDefinition {
	for _, row := range m.rows {
		if sameSlot(row, tab) {
			return row
		}
	}
	return nil
}

func (m *memRepo) Insert(_ context.Context, tab *TabDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slotTaken(tab) != nil {
		return fmt.Errorf("%w: a tab with this key already exists at this scope", ErrValidation)
	}
	tab.ID = uuid.New()
	tab.CreatedAt = time.Now()
	tab.UpdatedAt = tab.CreatedAt
	m.rows[tab.ID] = clone(tab)
	return nil
}

func (m *memRepo) UpsertOverride(_ context.Context, tab *TabDefinition) (*TabDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.slotTaken(tab); existing != nil {
		existing.IsVisible = tab.IsVisible
		existing.UpdatedAt = time.Now()
		return clone(existing), nil
	}
	row := clone(tab)
	row.ID = uuid.New()
	row.IsSystemDefault = false
	row.IsMandatory = false
	row.CreatedAt = time.Now()
	row.UpdatedAt = row.CreatedAt
	m.rows[row.ID] = row
	return clone(row), nil
}

func (m *memRepo) InsertSystemDefault(_ context.Context, tab *TabDefinition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slotTaken(tab) != nil {
		return false, nil
	}
	row := clone(tab)
	row.ID = uuid.New()
	row.Scope = ScopeSystem
	row.IsSystemDefault = true
	m.rows[row.ID] = row
	tab.ID = row.ID
	return true, nil
}

func (m *memRepo) Update(_ context.Context, tab *TabDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[tab.ID]
	if !ok || row.IsSystemDefault {
		return fmt.Errorf("%w: %s is missing or a system default", ErrNotFound, tab.ID)
	}
	next := clone(tab)
	next.UpdatedAt = time.Now()
	m.rows[tab.ID] = next
	return nil
}

func (m *memRepo) UpdateDisplayOrders(_ context.Context, items []OrderItem) (map[uuid.UUID]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stamps := make(map[uuid.UUID]time.Time, len(items))
	for _, item := range items {
		row, ok := m.rows[item.ID]
		if !ok || row.IsSystemDefault {
			return nil, fmt.Errorf("%w: %s is missing or a system default", ErrNotFound, item.ID)
		}
		row.DisplayOrder = item.DisplayOrder
		row.UpdatedAt = time.Now()
		stamps[item.ID] = row.UpdatedAt
	}
	return stamps, nil
}

func (m *memRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || row.IsSystemDefault {
		return fmt.Errorf("%w: %s is missing or a system default", ErrNotFound, id)
	}
	delete(m.rows, id)
	return nil
}

func (m *memRepo) DeleteByOwner(_ context.Context, scope Scope, ownerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, row := range m.rows {
		if row.Scope == scope && !row.IsSystemDefault && row.Owner() == ownerID {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

// -- Fixtures --

func (m *memRepo) put(row *TabDefinition) *TabDefinition {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	m.rows[row.ID] = clone(row)
	return row
}

func (m *memRepo) get(id uuid.UUID) *TabDefinition {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[id]; ok {
		return clone(row)
	}
	return nil
}

func (m *memRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func systemTab(key string, order int) *TabDefinition {
	return &TabDefinition{
		Key:             key,
		Label:           key,
		ContentType:     "panel",
		Scope:           ScopeSystem,
		IsSystemDefault: true,
		IsVisible:       true,
		DisplayOrder:    order,
	}
}

func ownedTab(key string, scope Scope, owner string, visible bool, order int) *TabDefinition {
	t := &TabDefinition{
		Key:          key,
		Label:        key,
		ContentType:  "panel",
		IsVisible:    visible,
		DisplayOrder: order,
	}
	t.SetOwner(scope, owner)
	return t
}
