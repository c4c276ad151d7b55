// Package metastore reads the relational side of the knowledge base:
// principals and API keys, group membership and share grants, knowledge
// entry ownership, and the persisted embedding provider configuration.
// All access from the QA path is read-only.
package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/mnemo-ai/mnemo/internal/auth"
	"github.com/mnemo-ai/mnemo/internal/config"
	"github.com/mnemo-ai/mnemo/internal/faults"
	"github.com/mnemo-ai/mnemo/internal/kb"
)

// Store wraps the Postgres connection.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open connects and pings.
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlx.Connect("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &Store{db: db, logger: logger}, nil
}

// NewWithDB wraps an existing connection (tests).
func NewWithDB(db *sqlx.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// Close closes the pool.
func (s *Store) Close() error { return s.db.Close() }

type principalRow struct {
	ID   string `db:"id"`
	Role string `db:"role"`
}

// Resolve implements auth.Resolver: it maps an API key to a principal with
// its readable and writable groups loaded. Unknown keys fail with
// ErrUnauthorized.
func (s *Store) Resolve(ctx context.Context, apiKey string) (auth.Principal, error) {
	if apiKey == "" {
		return auth.Anonymous, nil
	}

	var row principalRow
	err := s.db.GetContext(ctx, &row,
		`SELECT p.id, p.role
		   FROM principals p
		   JOIN api_keys k ON k.principal_id = p.id
		  WHERE k.key_hash = encode(sha256($1::bytea), 'hex')
		    AND k.revoked_at IS NULL`, apiKey)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Principal{}, fmt.Errorf("%w: unknown api key", faults.ErrUnauthorized)
	}
	if err != nil {
		return auth.Principal{}, fmt.Errorf("resolve principal: %w", err)
	}

	p := auth.Principal{ID: row.ID, Role: auth.Role(row.Role)}
	if p.Role == auth.RoleAdmin {
		return p, nil
	}

	rows, err := s.db.QueryxContext(ctx,
		`SELECT group_id, permission
		   FROM group_shares
		  WHERE principal_id = $1`, row.ID)
	if err != nil {
		return auth.Principal{}, fmt.Errorf("load group grants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var groupID, perm string
		if err := rows.Scan(&groupID, &perm); err != nil {
			return auth.Principal{}, fmt.Errorf("scan group grant: %w", err)
		}
		p.GroupsReadable = append(p.GroupsReadable, groupID)
		if perm == string(kb.PermissionWrite) {
			p.GroupsWritable = append(p.GroupsWritable, groupID)
		}
	}
	return p, rows.Err()
}

type entryRow struct {
	ID         string    `db:"id"`
	Title      string    `db:"title"`
	OwnerID    string    `db:"owner_id"`
	Visibility string    `db:"visibility"`
	CreatedAt  time.Time `db:"created_at"`
}

// Entry loads one knowledge entry with its group bindings.
func (s *Store) Entry(ctx context.Context, entryID string) (kb.KnowledgeEntry, error) {
	var row entryRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, title, owner_id, visibility, created_at
		   FROM knowledge_entries WHERE id = $1`, entryID)
	if errors.Is(err, sql.ErrNoRows) {
		return kb.KnowledgeEntry{}, fmt.Errorf("%w: entry %s", faults.ErrNotFound, entryID)
	}
	if err != nil {
		return kb.KnowledgeEntry{}, fmt.Errorf("load entry: %w", err)
	}

	entry := kb.KnowledgeEntry{
		ID:         row.ID,
		Title:      row.Title,
		OwnerID:    row.OwnerID,
		Visibility: kb.Visibility(row.Visibility),
		CreatedAt:  row.CreatedAt,
	}
	err = s.db.SelectContext(ctx, &entry.GroupIDs,
		`SELECT group_id FROM entry_groups WHERE entry_id = $1 ORDER BY group_id`, entryID)
	if err != nil {
		return kb.KnowledgeEntry{}, fmt.Errorf("load entry groups: %w", err)
	}
	return entry, nil
}

// CanWriteEntry reports whether the principal may modify or delete the
// entry: admins always, owners always, otherwise a write grant on one of
// the entry's groups.
func (s *Store) CanWriteEntry(ctx context.Context, p auth.Principal, entryID string) (bool, error) {
	if p.IsAdmin() {
		return true, nil
	}
	if p.IsAnonymous() {
		return false, nil
	}
	entry, err := s.Entry(ctx, entryID)
	if err != nil {
		return false, err
	}
	if entry.OwnerID == p.ID {
		return true, nil
	}
	for _, g := range entry.GroupIDs {
		if p.CanWrite(g) {
			return true, nil
		}
	}
	return false, nil
}

// ProviderConfig loads the persisted embedding provider selection, if any.
// A missing row means the file/env configuration stands.
func (s *Store) ProviderConfig(ctx context.Context) (string, int, error) {
	var row struct {
		ProviderID string `db:"provider_id"`
		Dimension  int    `db:"dimension"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT provider_id, dimension
		   FROM embedding_provider
		  ORDER BY updated_at DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("load provider config: %w", err)
	}
	return row.ProviderID, row.Dimension, nil
}

// Groups loads group metadata for the given ids; unknown ids are absent
// from the result.
func (s *Store) Groups(ctx context.Context, ids []string) (map[string]kb.Group, error) {
	out := make(map[string]kb.Group, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(
		`SELECT id, name, owner_id FROM groups WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("load groups: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var g kb.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.OwnerID); err != nil {
			return nil, err
		}
		out[g.ID] = g
	}
	return out, rows.Err()
}
