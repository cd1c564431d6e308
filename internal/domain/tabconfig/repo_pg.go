package tabconfig

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/tabconfig/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

const pgUniqueViolation = "23505"

const tabColumns = `id, tab_key, label, icon, content_type, settings, scope,
	organization_id, role_id, user_id, is_system_default, is_mandatory,
	is_visible, display_order, created_at, updated_at`

// slotConflict must match the tab_config_slot_idx expressions.
const slotConflict = `(tab_key, scope, (COALESCE(organization_id, '')), (COALESCE(role_id, '')), (COALESCE(user_id, '')))`

type tabRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &tabRepoPG{pool: pool}
}

func (r *tabRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *tabRepoPG) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, r.pool, fn)
}

func (r *tabRepoPG) LockOrganization(ctx context.Context, organizationID string) error {
	_, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('tab_config:' || $1))`, organizationID)
	return err
}

func (r *tabRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*TabDefinition, error) {
	t, err := r.scanTab(r.conn(ctx).QueryRow(ctx, `SELECT `+tabColumns+` FROM tab_config WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, err
}

// layerFilter renders layers as an OR of scope/owner predicates starting at
// placeholder $idx.
func layerFilter(layers []Layer, idx int) (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	for _, l := range layers {
		switch l.Scope {
		case ScopeSystem:
			clauses = append(clauses, `(scope = 'system' AND is_system_default)`)
		case ScopeOrganization:
			clauses = append(clauses, fmt.Sprintf(`(scope = 'organization' AND organization_id = $%d)`, idx))
			args = append(args, l.OwnerID)
			idx++
		case ScopeRole:
			clauses = append(clauses, fmt.Sprintf(`(scope = 'role' AND role_id = $%d)`, idx))
			args = append(args, l.OwnerID)
			idx++
		case ScopeUser:
			clauses = append(clauses, fmt.Sprintf(`(scope = 'user' AND user_id = $%d)`, idx))
			args = append(args, l.OwnerID)
			idx++
		}
	}
	if len(clauses) == 0 {
		return "FALSE", nil
	}
	return "(" + strings.Join(clauses, " OR ") + ")", args
}

func (r *tabRepoPG) ListCandidates(ctx context.Context, layers []Layer) ([]*TabDefinition, error) {
	where, args := layerFilter(layers, 1)
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+tabColumns+` FROM tab_config WHERE `+where+` ORDER BY display_order, tab_key, scope`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanRows(rows)
}

func (r *tabRepoPG) ListOwners(ctx context.Context, scope Scope) ([]string, error) {
	column, err := ownerColumn(scope)
	if err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT DISTINCT `+column+` FROM tab_config WHERE scope = $1 ORDER BY 1`, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, err
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}

func (r *tabRepoPG) ListCandidatesPage(ctx context.Context, layers []Layer, limit, offset int) ([]*TabDefinition, int, error) {
	where, args := layerFilter(layers, 1)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM tab_config WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT `+tabColumns+` FROM tab_config WHERE `+where+
			` ORDER BY tab_key, scope, id LIMIT $%d OFFSET $%d`, n+1, n+2), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	tabs, err := r.scanRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return tabs, total, nil
}

func (r *tabRepoPG) Insert(ctx context.Context, tab *TabDefinition) error {
	tab.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO tab_config (
			id, tab_key, label, icon, content_type, settings, scope,
			organization_id, role_id, user_id, is_system_default, is_mandatory,
			is_visible, display_order
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at`,
		tab.ID, tab.Key, tab.Label, tab.Icon, tab.ContentType, settingsArg(tab), tab.Scope,
		tab.OrganizationID, tab.RoleID, tab.UserID, tab.IsSystemDefault, tab.IsMandatory,
		tab.IsVisible, tab.DisplayOrder,
	).Scan(&tab.CreatedAt, &tab.UpdatedAt)
	return mapWriteError(err)
}

func (r *tabRepoPG) UpsertOverride(ctx context.Context, tab *TabDefinition) (*TabDefinition, error) {
	if tab.IsSystemDefault || tab.Scope == ScopeSystem {
		return nil, fmt.Errorf("%w: overrides cannot be system defaults", ErrValidation)
	}
	return r.scanTab(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO tab_config (
			id, tab_key, label, icon, content_type, settings, scope,
			organization_id, role_id, user_id, is_system_default, is_mandatory,
			is_visible, display_order
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, FALSE, $11, $12)
		ON CONFLICT `+slotConflict+` DO UPDATE
			SET is_visible = EXCLUDED.is_visible, updated_at = NOW()
		RETURNING `+tabColumns,
		uuid.New(), tab.Key, tab.Label, tab.Icon, tab.ContentType, settingsArg(tab), tab.Scope,
		tab.OrganizationID, tab.RoleID, tab.UserID, tab.IsVisible, tab.DisplayOrder,
	))
}

func (r *tabRepoPG) InsertSystemDefault(ctx context.Context, tab *TabDefinition) (bool, error) {
	tab.ID = uuid.New()
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO tab_config (
			id, tab_key, label, icon, content_type, settings, scope,
			is_system_default, is_mandatory, is_visible, display_order
		) VALUES ($1, $2, $3, $4, $5, $6, 'system', TRUE, $7, $8, $9)
		ON CONFLICT `+slotConflict+` DO NOTHING`,
		tab.ID, tab.Key, tab.Label, tab.Icon, tab.ContentType, settingsArg(tab),
		tab.IsMandatory, tab.IsVisible, tab.DisplayOrder,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *tabRepoPG) Update(ctx context.Context, tab *TabDefinition) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE tab_config SET
			label = $2, icon = $3, content_type = $4, settings = $5,
			is_visible = $6, display_order = $7, updated_at = NOW()
		WHERE id = $1 AND NOT is_system_default
		RETURNING updated_at`,
		tab.ID, tab.Label, tab.Icon, tab.ContentType, settingsArg(tab),
		tab.IsVisible, tab.DisplayOrder,
	).Scan(&tab.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s is missing or a system default", ErrNotFound, tab.ID)
	}
	return err
}

func (r *tabRepoPG) UpdateDisplayOrders(ctx context.Context, items []OrderItem) (map[uuid.UUID]time.Time, error) {
	stamps := make(map[uuid.UUID]time.Time, len(items))
	for _, item := range items {
		var updated time.Time
		err := r.conn(ctx).QueryRow(ctx, `
			UPDATE tab_config SET display_order = $2, updated_at = NOW()
			WHERE id = $1 AND NOT is_system_default
			RETURNING updated_at`,
			item.ID, item.DisplayOrder,
		).Scan(&updated)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s is missing or a system default", ErrNotFound, item.ID)
		}
		if err != nil {
			return nil, err
		}
		stamps[item.ID] = updated
	}
	return stamps, nil
}

func (r *tabRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM tab_config WHERE id = $1 AND NOT is_system_default`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s is missing or a system default", ErrNotFound, id)
	}
	return nil
}

func (r *tabRepoPG) DeleteByOwner(ctx context.Context, scope Scope, ownerID string) (int64, error) {
	column, err := ownerColumn(scope)
	if err != nil {
		return 0, err
	}
	tag, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM tab_config WHERE scope = $1 AND `+column+` = $2 AND NOT is_system_default`,
		scope, ownerID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func ownerColumn(scope Scope) (string, error) {
	switch scope {
	case ScopeOrganization:
		return "organization_id", nil
	case ScopeRole:
		return "role_id", nil
	case ScopeUser:
		return "user_id", nil
	}
	return "", fmt.Errorf("%w: %s rows have no owner", ErrValidation, scope)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *tabRepoPG) scanTab(row rowScanner) (*TabDefinition, error) {
	var t TabDefinition
	var scope string
	err := row.Scan(
		&t.ID, &t.Key, &t.Label, &t.Icon, &t.ContentType, &t.Settings, &scope,
		&t.OrganizationID, &t.RoleID, &t.UserID, &t.IsSystemDefault, &t.IsMandatory,
		&t.IsVisible, &t.DisplayOrder, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Scope = Scope(scope)
	return &t, nil
}

func (r *tabRepoPG) scanRows(rows pgx.Rows) ([]*TabDefinition, error) {
	var tabs []*TabDefinition
	for rows.Next() {
		t, err := r.scanTab(rows)
		if err != nil {
			return nil, err
		}
		tabs = append(tabs, t)
	}
	return tabs, rows.Err()
}

func settingsArg(t *TabDefinition) interface{} {
	if len(t.Settings) == 0 {
		return nil
	}
	return string(t.Settings)
}

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: a tab with this key already exists at this scope", ErrValidation)
	}
	return err
}
