package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sjawhar/pepper/internal/transcript"
)

// Call is one archived call. Credentials are never stored.
type Call struct {
	ID          string     `json:"id"`
	Room        string     `json:"room"`
	Identity    string     `json:"identity"`
	Environment string     `json:"environment"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	Entries     int        `json:"entries"`
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "pepper.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS preferences (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create preferences table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id TEXT PRIMARY KEY,
			room TEXT NOT NULL DEFAULT '',
			identity TEXT NOT NULL DEFAULT '',
			env TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			ended_at TEXT
		);
	`); err != nil {
		return fmt.Errorf("create calls table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS transcript_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			call_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			speaker TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY(call_id) REFERENCES calls(id) ON DELETE CASCADE
		);
	`); err != nil {
		return fmt.Errorf("create transcript_entries table: %w", err)
	}

	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_calls_started_at ON calls(started_at)"); err != nil {
		return fmt.Errorf("create calls index: %w", err)
	}
	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_entries_call_id ON transcript_entries(call_id, seq)"); err != nil {
		return fmt.Errorf("create entries index: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// GetPref reports the stored value for key and whether one exists.
func (s *SQLiteStore) GetPref(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get preference %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) SetPref(key, value string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("preference key is required")
	}
	_, err := s.db.Exec(
		`INSERT INTO preferences(key, value, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key,
		value,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("set preference %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) CreateCall(call Call) error {
	if strings.TrimSpace(call.ID) == "" {
		return errors.New("call id is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO calls(id, room, identity, env, started_at) VALUES(?, ?, ?, ?, ?)`,
		call.ID,
		call.Room,
		call.Identity,
		call.Environment,
		call.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("create call %s: %w", call.ID, err)
	}
	return nil
}

func (s *SQLiteStore) EndCall(id string, endedAt time.Time) error {
	res, err := s.db.Exec(
		`UPDATE calls SET ended_at = ? WHERE id = ?`,
		endedAt.UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("end call %s: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("end call rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AppendEntry archives a finalized transcript entry.
func (s *SQLiteStore) AppendEntry(callID string, entry transcript.Entry) error {
	if entry.Interim {
		return fmt.Errorf("append entry %s: entry is not final", entry.ID)
	}
	_, err := s.db.Exec(
		`INSERT INTO transcript_entries(call_id, seq, role, speaker, text, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		callID,
		entry.Seq,
		string(entry.Role),
		entry.Speaker,
		strings.TrimSpace(entry.Text),
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append entry for call %s: %w", callID, err)
	}
	return nil
}

func (s *SQLiteStore) GetEntries(callID string) ([]transcript.Entry, error) {
	rows, err := s.db.Query(
		`SELECT seq, role, speaker, text, created_at
		 FROM transcript_entries
		 WHERE call_id = ?
		 ORDER BY seq ASC, id ASC`,
		callID,
	)
	if err != nil {
		return nil, fmt.Errorf("query entries for call %s: %w", callID, err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]transcript.Entry, 0, 32)
	for rows.Next() {
		var e transcript.Entry
		var role, ts string
		if err := rows.Scan(&e.Seq, &role, &e.Speaker, &e.Text, &ts); err != nil {
			return nil, fmt.Errorf("scan entry for call %s: %w", callID, err)
		}

		parsedTS, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse entry timestamp for call %s: %w", callID, err)
		}
		e.ID = "t-" + strconv.Itoa(e.Seq)
		e.Role = transcript.Role(role)
		e.Label = e.Role.Label()
		e.Timestamp = parsedTS
		e.UpdatedAt = parsedTS

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entry rows for call %s: %w", callID, err)
	}

	return entries, nil
}

func (s *SQLiteStore) GetCall(id string) (Call, error) {
	row := s.db.QueryRow(
		`SELECT c.id, c.room, c.identity, c.env, c.started_at, c.ended_at,
		        (SELECT COUNT(*) FROM transcript_entries e WHERE e.call_id = c.id)
		 FROM calls c WHERE c.id = ?`,
		id,
	)
	call, err := scanCall(row)
	if err != nil {
		return Call{}, fmt.Errorf("query call %s: %w", id, err)
	}
	return call, nil
}

// ListCalls returns the most recent calls first. A non-positive limit
// returns every call.
func (s *SQLiteStore) ListCalls(limit int) ([]Call, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT c.id, c.room, c.identity, c.env, c.started_at, c.ended_at,
		        (SELECT COUNT(*) FROM transcript_entries e WHERE e.call_id = c.id)
		 FROM calls c
		 ORDER BY c.started_at DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	calls := make([]Call, 0, 16)
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate calls rows: %w", err)
	}

	return calls, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (Call, error) {
	var call Call
	var startedAt string
	var endedAt sql.NullString
	if err := row.Scan(&call.ID, &call.Room, &call.Identity, &call.Environment, &startedAt, &endedAt, &call.Entries); err != nil {
		return Call{}, err
	}

	parsedStart, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return Call{}, fmt.Errorf("parse started_at: %w", err)
	}
	call.StartedAt = parsedStart

	if endedAt.Valid {
		parsedEnd, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return Call{}, fmt.Errorf("parse ended_at: %w", err)
		}
		call.EndedAt = &parsedEnd
	}

	return call, nil
}
