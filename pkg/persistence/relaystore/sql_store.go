package relaystore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatrelay/pkg/relay"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore persists sessions and context rows in SQLite or Postgres.
//
// Rows are never deleted: ClearContext bumps the session's conversation_seq and
// LoadContext only reads rows of the current sequence.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

var _ relay.Store = &SQLStore{}

func NewSQLiteStore(dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite relay store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY churn
	db.SetMaxOpenConns(1)
	return newSQLStore(db, DialectSQLite)
}

func NewPostgresStore(dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres relay store: empty dsn")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return newSQLStore(db, DialectPostgres)
}

func newSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite relay store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) Dialect() Dialect { return s.dialect }

func (s *SQLStore) label() string {
	return string(s.dialect) + " relay store"
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("relay store: db is nil")
	}
	rowID := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		rowID = "id BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS relay_sessions (
			user_id BIGINT PRIMARY KEY,
			model TEXT NOT NULL,
			persona TEXT NOT NULL,
			banned BOOLEAN NOT NULL DEFAULT FALSE,
			conversation_seq BIGINT NOT NULL DEFAULT 0,
			total_messages BIGINT NOT NULL DEFAULT 0,
			created_at_ms BIGINT NOT NULL,
			updated_at_ms BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS relay_context_rows (
			` + rowID + `,
			user_id BIGINT NOT NULL,
			conversation_seq BIGINT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ms BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS relay_context_rows_by_user
			ON relay_context_rows(user_id, conversation_seq, id);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, s.label()+": migrate")
		}
	}
	return nil
}

func toMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

const sessionColumns = `user_id, model, persona, banned, created_at_ms, updated_at_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (relay.SessionState, error) {
	var (
		st        relay.SessionState
		userID    int64
		createdMs int64
		updatedMs int64
	)
	if err := row.Scan(&userID, &st.Model, &st.Persona, &st.Banned, &createdMs, &updatedMs); err != nil {
		return relay.SessionState{}, err
	}
	st.UserID = relay.UserID(userID)
	st.CreatedAt = fromMs(createdMs)
	st.UpdatedAt = fromMs(updatedMs)
	return st, nil
}

func (s *SQLStore) LoadSession(ctx context.Context, userID relay.UserID) (relay.SessionState, bool, error) {
	if s == nil || s.db == nil {
		return relay.SessionState{}, false, errors.New("relay store: db is nil")
	}
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+sessionColumns+` FROM relay_sessions WHERE user_id = ?`), int64(userID))
	st, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return relay.SessionState{}, false, nil
	}
	if err != nil {
		return relay.SessionState{}, false, errors.Wrap(err, s.label()+": load session")
	}
	return st, true, nil
}

func (s *SQLStore) SaveSession(ctx context.Context, state relay.SessionState) error {
	if s == nil || s.db == nil {
		return errors.New("relay store: db is nil")
	}
	if state.UserID == 0 {
		return errors.New(s.label() + ": user id is 0")
	}
	now := time.Now()
	created := state.CreatedAt
	if created.IsZero() {
		created = now
	}
	updated := state.UpdatedAt
	if updated.IsZero() {
		updated = now
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO relay_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			model = excluded.model,
			persona = excluded.persona,
			banned = excluded.banned,
			updated_at_ms = excluded.updated_at_ms
	`), int64(state.UserID), state.Model, state.Persona, state.Banned, toMs(created), toMs(updated))
	if err != nil {
		return errors.Wrap(err, s.label()+": save session")
	}
	return nil
}

func (s *SQLStore) AppendContextRow(ctx context.Context, userID relay.UserID, turn relay.Turn) error {
	if s == nil || s.db == nil {
		return errors.New("relay store: db is nil")
	}
	if !turn.Role.Valid() {
		return errors.Errorf("%s: invalid role %q", s.label(), turn.Role)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, s.label()+": begin append")
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT conversation_seq FROM relay_sessions WHERE user_id = ?`), int64(userID)).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Errorf("%s: unknown user %d", s.label(), userID)
	}
	if err != nil {
		return errors.Wrap(err, s.label()+": read conversation seq")
	}
	ts := turn.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO relay_context_rows (user_id, conversation_seq, role, content, created_at_ms)
		VALUES (?, ?, ?, ?, ?)
	`), int64(userID), seq, string(turn.Role), turn.Content, toMs(ts)); err != nil {
		return errors.Wrap(err, s.label()+": insert context row")
	}
	if turn.Role == relay.RoleUser {
		if _, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE relay_sessions SET total_messages = total_messages + 1 WHERE user_id = ?
		`), int64(userID)); err != nil {
			return errors.Wrap(err, s.label()+": bump total messages")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, s.label()+": commit append")
	}
	return nil
}

func (s *SQLStore) LoadContext(ctx context.Context, userID relay.UserID, limit int) ([]relay.Turn, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("relay store: db is nil")
	}
	q := `
		SELECT r.role, r.content, r.created_at_ms
		FROM relay_context_rows r
		JOIN relay_sessions s ON s.user_id = r.user_id AND s.conversation_seq = r.conversation_seq
		WHERE r.user_id = ?
		ORDER BY r.id DESC`
	args := []any{int64(userID)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, errors.Wrap(err, s.label()+": query context")
	}
	defer func() { _ = rows.Close() }()

	var turns []relay.Turn
	for rows.Next() {
		var (
			role string
			t    relay.Turn
			ms   int64
		)
		if err := rows.Scan(&role, &t.Content, &ms); err != nil {
			return nil, errors.Wrap(err, s.label()+": scan context row")
		}
		t.Role = relay.Role(role)
		t.Timestamp = fromMs(ms)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *SQLStore) ClearContext(ctx context.Context, userID relay.UserID) error {
	if s == nil || s.db == nil {
		return errors.New("relay store: db is nil")
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE relay_sessions
		SET conversation_seq = conversation_seq + 1, updated_at_ms = ?
		WHERE user_id = ?
	`), time.Now().UnixMilli(), int64(userID))
	if err != nil {
		return errors.Wrap(err, s.label()+": clear context")
	}
	return nil
}

func (s *SQLStore) ListUsers(ctx context.Context) ([]relay.SessionState, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("relay store: db is nil")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM relay_sessions ORDER BY user_id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, s.label()+": list users")
	}
	defer func() { _ = rows.Close() }()

	var out []relay.SessionState
	for rows.Next() {
		st, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(err, s.label()+": scan user")
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLStore) Stats(ctx context.Context) (relay.StoreStats, error) {
	if s == nil || s.db == nil {
		return relay.StoreStats{}, errors.New("relay store: db is nil")
	}
	var st relay.StoreStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN banned THEN 1 ELSE 0 END), 0)
		FROM relay_sessions
	`).Scan(&st.Users, &st.BannedUsers)
	if err != nil {
		return relay.StoreStats{}, errors.Wrap(err, s.label()+": count users")
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM relay_context_rows`).Scan(&st.Messages); err != nil {
		return relay.StoreStats{}, errors.Wrap(err, s.label()+": count messages")
	}
	return st, nil
}

func (s *SQLStore) Usage(ctx context.Context, userID relay.UserID) (relay.Usage, bool, error) {
	if s == nil || s.db == nil {
		return relay.Usage{}, false, errors.New("relay store: db is nil")
	}
	var (
		u         relay.Usage
		seq       int64
		createdMs int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT model, persona, banned, conversation_seq, total_messages, created_at_ms
		FROM relay_sessions WHERE user_id = ?
	`), int64(userID)).Scan(&u.Model, &u.Persona, &u.Banned, &seq, &u.Messages, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return relay.Usage{}, false, nil
	}
	if err != nil {
		return relay.Usage{}, false, errors.Wrap(err, s.label()+": usage")
	}
	u.UserID = userID
	u.Conversations = seq + 1
	u.MemberSince = fromMs(createdMs)
	return u, true, nil
}
