package relaystore

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatrelay/pkg/relay"
)

func newTestSQLiteStore(t *testing.T) (*SQLStore, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "relay.db")
	dsn, err := SQLiteDSNForFile(dbPath)
	require.NoError(t, err)
	s, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, dbPath
}

func TestSQLiteStoreContract(t *testing.T) {
	s, dbPath := newTestSQLiteStore(t)
	requireTables(t, s.db, "relay_sessions", "relay_context_rows")
	runStoreContract(t, s)

	_, err := os.Stat(dbPath)
	require.NoError(t, err)
}

func TestSQLiteStoreKeepsClearedRowsAndCountsUserMessages(t *testing.T) {
	s, _ := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveSession(ctx, relay.SessionState{UserID: 7, Model: "m", Persona: "p"}))
	require.NoError(t, s.AppendContextRow(ctx, 7, relay.Turn{Role: relay.RoleUser, Content: "one"}))
	require.NoError(t, s.AppendContextRow(ctx, 7, relay.Turn{Role: relay.RoleAssistant, Content: "two"}))
	require.NoError(t, s.ClearContext(ctx, 7))
	require.NoError(t, s.AppendContextRow(ctx, 7, relay.Turn{Role: relay.RoleUser, Content: "three"}))

	var rows int64
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(1) FROM relay_context_rows WHERE user_id = 7`).Scan(&rows))
	require.Equal(t, int64(3), rows)

	usage, ok, err := s.Usage(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(2), usage.Messages)
	require.Equal(t, int64(2), usage.Conversations)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "relay.db")
	dsn, err := SQLiteDSNForFile(dbPath)
	require.NoError(t, err)

	ctx := context.Background()
	s, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	require.NoError(t, s.SaveSession(ctx, relay.SessionState{UserID: 3, Model: "m", Persona: "p", CreatedAt: time.Now()}))
	require.NoError(t, s.AppendContextRow(ctx, 3, relay.Turn{Role: relay.RoleUser, Content: "persisted"}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	turns, err := s.LoadContext(ctx, 3, 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Equal(t, "persisted", turns[0].Content)
}

func TestSQLiteStoreRejectsUnknownUser(t *testing.T) {
	s, _ := newTestSQLiteStore(t)
	err := s.AppendContextRow(context.Background(), 99, relay.Turn{Role: relay.RoleUser, Content: "x"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown user")
}

func TestSQLiteDSNForFileRejectsEmptyPath(t *testing.T) {
	_, err := SQLiteDSNForFile("  ")
	require.Error(t, err)
}

func TestRebindUsesDollarPlaceholdersForPostgres(t *testing.T) {
	pg := &SQLStore{dialect: DialectPostgres}
	require.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))
	lite := &SQLStore{dialect: DialectSQLite}
	require.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestPostgresStoreContract(t *testing.T) {
	dsn := os.Getenv("CHATRELAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CHATRELAY_TEST_POSTGRES_DSN not set")
	}
	s, err := NewPostgresStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	_, err = s.db.Exec(`TRUNCATE relay_sessions, relay_context_rows`)
	require.NoError(t, err)
	runStoreContract(t, s)
}

func TestOpenSelectsDriver(t *testing.T) {
	s, err := Open(Settings{})
	require.NoError(t, err)
	require.IsType(t, &relay.MemoryStore{}, s)

	path := filepath.Join(t.TempDir(), "nested", "relay.db")
	s, err = Open(Settings{Driver: "sqlite", Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.IsType(t, &SQLStore{}, s)

	_, err = Open(Settings{Driver: "cassandra"})
	require.Error(t, err)
}

func requireTables(t *testing.T, db *sql.DB, names ...string) {
	t.Helper()
	for _, name := range names {
		var got string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&got)
		require.NoError(t, err, "table %s", name)
	}
}
