package tabconfig

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines the persistence interface for tab rows.
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*TabDefinition, error)
	// ListCandidates returns every row belonging to one of layers.
	ListCandidates(ctx context.Context, layers []Layer) ([]*TabDefinition, error)
	// ListOwners returns the distinct owner ids holding rows at scope.
	ListOwners(ctx context.Context, scope Scope) ([]string, error)
	ListCandidatesPage(ctx context.Context, layers []Layer, limit, offset int) ([]*TabDefinition, int, error)
	Insert(ctx context.Context, tab *TabDefinition) error
	// UpsertOverride writes tab into its (key, scope, owner) slot. An existing
	// row in the slot keeps its presentation fields and takes the new
	// visibility.
	UpsertOverride(ctx context.Context, tab *TabDefinition) (*TabDefinition, error)
	// InsertSystemDefault adds a seeded row unless its key is already seeded.
	InsertSystemDefault(ctx context.Context, tab *TabDefinition) (bool, error)
	Update(ctx context.Context, tab *TabDefinition) error
	// UpdateDisplayOrders writes every item and returns the new updated_at
	// per id.
	UpdateDisplayOrders(ctx context.Context, items []OrderItem) (map[uuid.UUID]time.Time, error)
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteByOwner(ctx context.Context, scope Scope, ownerID string) (int64, error)
	// LockOrganization serializes writes for one organization until the
	// surrounding transaction ends.
	LockOrganization(ctx context.Context, organizationID string) error
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
