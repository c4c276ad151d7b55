package metastore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mnemo-ai/mnemo/internal/auth"
	"github.com/mnemo-ai/mnemo/internal/faults"
	"github.com/mnemo-ai/mnemo/internal/kb"
)

func newStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(sqlx.NewDb(db, "postgres"), zap.NewNop()), mock
}

func TestResolveKnownKey(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectQuery(`SELECT p.id, p.role`).
		WithArgs("key-123").
		WillReturnRows(sqlmock.NewRows([]string{"id", "role"}).AddRow("alice", "user"))
	mock.ExpectQuery(`SELECT group_id, permission`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"group_id", "permission"}).
			AddRow("team", "read").
			AddRow("docs", "write"))

	p, err := s.Resolve(context.Background(), "key-123")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.ID)
	assert.Equal(t, auth.RoleUser, p.Role)
	assert.Equal(t, []string{"team", "docs"}, p.GroupsReadable)
	assert.Equal(t, []string{"docs"}, p.GroupsWritable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveUnknownKey(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectQuery(`SELECT p.id, p.role`).
		WithArgs("bogus").
		WillReturnRows(sqlmock.NewRows([]string{"id", "role"}))

	_, err := s.Resolve(context.Background(), "bogus")
	assert.ErrorIs(t, err, faults.ErrUnauthorized)
}

func TestResolveEmptyKeyIsAnonymous(t *testing.T) {
	s, _ := newStore(t)

	p, err := s.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, p.IsAnonymous())
}

func TestResolveAdminSkipsGroupLoad(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectQuery(`SELECT p.id, p.role`).
		WithArgs("root-key").
		WillReturnRows(sqlmock.NewRows([]string{"id", "role"}).AddRow("root", "admin"))

	p, err := s.Resolve(context.Background(), "root-key")
	require.NoError(t, err)
	assert.True(t, p.IsAdmin())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntryLoadsGroups(t *testing.T) {
	s, mock := newStore(t)
	created := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, title, owner_id, visibility, created_at`).
		WithArgs("e1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "owner_id", "visibility", "created_at"}).
			AddRow("e1", "Runbook", "alice", "private", created))
	mock.ExpectQuery(`SELECT group_id FROM entry_groups`).
		WithArgs("e1").
		WillReturnRows(sqlmock.NewRows([]string{"group_id"}).AddRow("ops"))

	entry, err := s.Entry(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, "Runbook", entry.Title)
	assert.Equal(t, kb.VisibilityPrivate, entry.Visibility)
	assert.Equal(t, []string{"ops"}, entry.GroupIDs)
}

func TestEntryNotFound(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectQuery(`SELECT id, title, owner_id, visibility, created_at`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "owner_id", "visibility", "created_at"}))

	_, err := s.Entry(context.Background(), "missing")
	assert.ErrorIs(t, err, faults.ErrNotFound)
}

func TestCanWriteEntry(t *testing.T) {
	s, mock := newStore(t)

	entryRows := func() {
		mock.ExpectQuery(`SELECT id, title, owner_id, visibility, created_at`).
			WithArgs("e1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "title", "owner_id", "visibility", "created_at"}).
				AddRow("e1", "T", "alice", "private", time.Now()))
		mock.ExpectQuery(`SELECT group_id FROM entry_groups`).
			WithArgs("e1").
			WillReturnRows(sqlmock.NewRows([]string{"group_id"}).AddRow("ops"))
	}

	// admin needs no queries
	ok, err := s.CanWriteEntry(context.Background(), auth.Principal{ID: "r", Role: auth.RoleAdmin}, "e1")
	require.NoError(t, err)
	assert.True(t, ok)

	// anonymous never writes
	ok, err = s.CanWriteEntry(context.Background(), auth.Anonymous, "e1")
	require.NoError(t, err)
	assert.False(t, ok)

	// owner writes
	entryRows()
	ok, err = s.CanWriteEntry(context.Background(), auth.Principal{ID: "alice", Role: auth.RoleUser}, "e1")
	require.NoError(t, err)
	assert.True(t, ok)

	// write grant on the entry's group
	entryRows()
	bob := auth.Principal{ID: "bob", Role: auth.RoleUser, GroupsWritable: []string{"ops"}}
	ok, err = s.CanWriteEntry(context.Background(), bob, "e1")
	require.NoError(t, err)
	assert.True(t, ok)

	// read-only stranger cannot
	entryRows()
	carol := auth.Principal{ID: "carol", Role: auth.RoleUser, GroupsReadable: []string{"ops"}}
	ok, err = s.CanWriteEntry(context.Background(), carol, "e1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProviderConfigMissingRow(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectQuery(`SELECT provider_id, dimension`).
		WillReturnRows(sqlmock.NewRows([]string{"provider_id", "dimension"}))

	id, dim, err := s.ProviderConfig(context.Background())
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Zero(t, dim)
}
