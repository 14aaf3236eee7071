package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"slateboard/api/internal/rbac"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInviteExpired   = errors.New("invite expired")
	ErrInviteExhausted = errors.New("invite exhausted")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	const query = `SELECT id, display_name, COALESCE(avatar_url, ''), is_superuser FROM users WHERE id=$1`
	var user User
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&user.ID, &user.DisplayName, &user.AvatarURL, &user.IsSuperuser)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}

// GetBoardChain resolves a board together with its category and group.
// Soft-deleted boards are treated as absent.
func (s *PostgresStore) GetBoardChain(ctx context.Context, boardID string) (BoardChain, error) {
	const query = `
		SELECT b.id, b.category_id, b.name, b.kind, b.version, b.created_at, b.updated_at,
			c.id, c.group_id, c.name,
			g.id, g.name
		FROM boards b
		JOIN categories c ON c.id = b.category_id
		JOIN groups g ON g.id = c.group_id
		WHERE b.id = $1 AND b.deleted_at IS NULL
	`
	var chain BoardChain
	err := s.db.QueryRowContext(ctx, query, boardID).Scan(
		&chain.Board.ID, &chain.Board.CategoryID, &chain.Board.Name, &chain.Board.Kind,
		&chain.Board.Version, &chain.Board.CreatedAt, &chain.Board.UpdatedAt,
		&chain.Category.ID, &chain.Category.GroupID, &chain.Category.Name,
		&chain.Group.ID, &chain.Group.Name,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return BoardChain{}, ErrNotFound
	}
	if err != nil {
		return BoardChain{}, fmt.Errorf("lookup board chain: %w", err)
	}
	return chain, nil
}

func (s *PostgresStore) GetCategory(ctx context.Context, categoryID string) (Category, error) {
	var category Category
	err := s.db.QueryRowContext(ctx,
		`SELECT id, group_id, name FROM categories WHERE id=$1`, categoryID,
	).Scan(&category.ID, &category.GroupID, &category.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return Category{}, ErrNotFound
	}
	if err != nil {
		return Category{}, fmt.Errorf("lookup category: %w", err)
	}
	return category, nil
}

func (s *PostgresStore) GetGroup(ctx context.Context, groupID string) (Group, error) {
	var group Group
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name FROM groups WHERE id=$1`, groupID,
	).Scan(&group.ID, &group.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return Group{}, ErrNotFound
	}
	if err != nil {
		return Group{}, fmt.Errorf("lookup group: %w", err)
	}
	return group, nil
}

// GetBoard returns the board row only. Used by the persistence scheduler to
// read the last durably-recorded version.
func (s *PostgresStore) GetBoard(ctx context.Context, boardID string) (Board, error) {
	const query = `
		SELECT id, category_id, name, kind, version, deleted_at, created_at, updated_at
		FROM boards WHERE id = $1
	`
	var board Board
	err := s.db.QueryRowContext(ctx, query, boardID).Scan(
		&board.ID, &board.CategoryID, &board.Name, &board.Kind,
		&board.Version, &board.DeletedAt, &board.CreatedAt, &board.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Board{}, ErrNotFound
	}
	if err != nil {
		return Board{}, fmt.Errorf("lookup board: %w", err)
	}
	return board, nil
}

// BoardKind resolves a board's document kind. Soft-deleted boards are
// treated as absent.
func (s *PostgresStore) BoardKind(ctx context.Context, boardID string) (string, error) {
	var kind string
	err := s.db.QueryRowContext(ctx,
		`SELECT kind FROM boards WHERE id=$1 AND deleted_at IS NULL`, boardID,
	).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup board kind: %w", err)
	}
	return kind, nil
}

// BoardVersion reads the version recorded at the last durable write.
func (s *PostgresStore) BoardVersion(ctx context.Context, boardID string) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM boards WHERE id=$1`, boardID,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lookup board version: %w", err)
	}
	return version, nil
}

func (s *PostgresStore) UpdateBoardVersion(ctx context.Context, boardID string, version int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE boards SET version=$2, updated_at=NOW() WHERE id=$1`,
		boardID, version,
	)
	if err != nil {
		return fmt.Errorf("update board version: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListGrantsForUser(ctx context.Context, userID string) ([]rbac.Grant, error) {
	const query = `SELECT user_id, scope, resource_id, role FROM grants WHERE user_id=$1`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list user grants: %w", err)
	}
	defer rows.Close()
	return scanGrants(rows)
}

// ListGrantsForResources returns every grant recorded on any of the given
// (scope, resource) pairs, for all users. Used by access-aggregation views.
func (s *PostgresStore) ListGrantsForResources(ctx context.Context, chain rbac.Chain) ([]rbac.Grant, error) {
	scopes := make([]string, len(chain))
	ids := make([]string, len(chain))
	for i, res := range chain {
		scopes[i] = string(res.Scope)
		ids[i] = res.ID
	}
	const query = `
		SELECT user_id, scope, resource_id, role
		FROM grants
		WHERE (scope, resource_id) IN (SELECT unnest($1::text[]), unnest($2::text[]))
	`
	rows, err := s.db.QueryContext(ctx, query, scopes, ids)
	if err != nil {
		return nil, fmt.Errorf("list resource grants: %w", err)
	}
	defer rows.Close()
	return scanGrants(rows)
}

func scanGrants(rows *sql.Rows) ([]rbac.Grant, error) {
	var grants []rbac.Grant
	for rows.Next() {
		var g rbac.Grant
		var scope, role string
		if err := rows.Scan(&g.UserID, &scope, &g.ResourceID, &role); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		g.Scope = rbac.Scope(scope)
		g.Role = rbac.Role(role)
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate grants: %w", err)
	}
	return grants, nil
}

// RedeemInvite applies an invite's grant bundle to a user inside one
// transaction. Each bundled grant is written only where its role outranks
// whatever the user already holds on that resource; existing higher grants
// are left untouched. The invite's use count is incremented and the invite
// is deleted once exhausted or expired.
func (s *PostgresStore) RedeemInvite(ctx context.Context, inviteID, userID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin redeem tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var invite Invite
	err = tx.QueryRowContext(ctx, `
		SELECT id, created_by, max_uses, use_count, expires_at
		FROM invites WHERE id=$1 FOR UPDATE
	`, inviteID).Scan(&invite.ID, &invite.CreatedBy, &invite.MaxUses, &invite.UseCount, &invite.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lock invite: %w", err)
	}

	if time.Now().After(invite.ExpiresAt) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM invites WHERE id=$1`, inviteID); err != nil {
			return 0, fmt.Errorf("delete expired invite: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("commit expired invite cleanup: %w", err)
		}
		return 0, ErrInviteExpired
	}
	if invite.UseCount >= invite.MaxUses {
		return 0, ErrInviteExhausted
	}

	bundle, err := listInviteGrants(ctx, tx, inviteID)
	if err != nil {
		return 0, err
	}

	upgraded := 0
	for _, entry := range bundle {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT role FROM grants WHERE user_id=$1 AND scope=$2 AND resource_id=$3 FOR UPDATE`,
			userID, entry.Scope, entry.ResourceID,
		).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// no existing grant, insert below
		case err != nil:
			return 0, fmt.Errorf("lock grant: %w", err)
		default:
			if !rbac.Outranks(rbac.Role(entry.Role), rbac.Role(existing)) {
				continue
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO grants (user_id, scope, resource_id, role)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, scope, resource_id) DO UPDATE SET role=EXCLUDED.role
		`, userID, entry.Scope, entry.ResourceID, entry.Role); err != nil {
			return 0, fmt.Errorf("upsert grant: %w", err)
		}
		upgraded++
	}

	invite.UseCount++
	if invite.UseCount >= invite.MaxUses {
		if _, err := tx.ExecContext(ctx, `DELETE FROM invites WHERE id=$1`, inviteID); err != nil {
			return 0, fmt.Errorf("delete exhausted invite: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE invites SET use_count=$2 WHERE id=$1`, inviteID, invite.UseCount); err != nil {
			return 0, fmt.Errorf("increment invite use count: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit redeem: %w", err)
	}
	return upgraded, nil
}

func listInviteGrants(ctx context.Context, tx *sql.Tx, inviteID string) ([]InviteGrant, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT invite_id, scope, resource_id, role FROM invite_grants WHERE invite_id=$1`,
		inviteID,
	)
	if err != nil {
		return nil, fmt.Errorf("list invite grants: %w", err)
	}
	defer rows.Close()

	var bundle []InviteGrant
	for rows.Next() {
		var entry InviteGrant
		if err := rows.Scan(&entry.InviteID, &entry.Scope, &entry.ResourceID, &entry.Role); err != nil {
			return nil, fmt.Errorf("scan invite grant: %w", err)
		}
		bundle = append(bundle, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invite grants: %w", err)
	}
	return bundle, nil
}
