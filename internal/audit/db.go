// internal/audit/db.go
package audit

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/signalnine/vtbot/internal/protocol"
)

// Entry is one served request as stored in the journal
type Entry struct {
	ID        int64
	RequestID string
	Action    protocol.Action
	Username  string
	UserID    int64
	Result    protocol.Result
	StartTime time.Time
	ElapsedMs int64
	FileName  string
	FileSize  float64
	FileHash  string
	FileID    string
}

// DB is an append-only journal of served requests
type DB struct {
	db *sql.DB
}

// NewDB opens or creates the SQLite journal
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS served_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL,
		action TEXT NOT NULL,
		username TEXT,
		user_id INTEGER NOT NULL,
		result TEXT NOT NULL,
		start_time INTEGER NOT NULL,
		elapsed_ms INTEGER,
		file_name TEXT,
		file_size REAL,
		file_hash TEXT,
		file_id TEXT,
		created_at TEXT DEFAULT (datetime('now'))
	);
	CREATE INDEX IF NOT EXISTS idx_served_user_id ON served_requests(user_id);
	CREATE INDEX IF NOT EXISTS idx_served_result ON served_requests(result);
	CREATE INDEX IF NOT EXISTS idx_served_file_hash ON served_requests(file_hash);
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}

// RecordEvent stores a served event
func (d *DB) RecordEvent(ev *protocol.RequestEvent) error {
	var elapsed sql.NullInt64
	if ev.Elapsed != nil {
		elapsed = sql.NullInt64{Int64: *ev.Elapsed, Valid: true}
	}

	var fileName, fileHash, fileID sql.NullString
	var fileSize sql.NullFloat64
	if ev.File != nil {
		fileName = sql.NullString{String: ev.File.Name, Valid: true}
		fileHash = sql.NullString{String: ev.File.Hash, Valid: ev.File.Hash != ""}
		fileID = sql.NullString{String: ev.File.ID, Valid: true}
		fileSize = sql.NullFloat64{Float64: ev.File.Size, Valid: true}
	}

	_, err := d.db.Exec(`
		INSERT INTO served_requests
			(request_id, action, username, user_id, result, start_time, elapsed_ms, file_name, file_size, file_hash, file_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.RequestID, string(ev.Action), ev.Username, ev.UserID, string(ev.Result), ev.StartTime,
		elapsed, fileName, fileSize, fileHash, fileID)

	return err
}

// QueryByUser returns the most recent requests of a user
func (d *DB) QueryByUser(userID int64, limit int) ([]Entry, error) {
	rows, err := d.db.Query(`
		SELECT id, request_id, action, username, user_id, result, start_time, elapsed_ms,
			file_name, file_size, file_hash, file_id
		FROM served_requests
		WHERE user_id = ?
		ORDER BY start_time DESC, id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// ResultCounts returns the number of served requests per result
func (d *DB) ResultCounts() (map[protocol.Result]int, error) {
	rows, err := d.db.Query(`
		SELECT result, COUNT(*) FROM served_requests GROUP BY result
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[protocol.Result]int)
	for rows.Next() {
		var result string
		var count int
		if err := rows.Scan(&result, &count); err != nil {
			return nil, err
		}
		counts[protocol.Result(result)] = count
	}
	return counts, rows.Err()
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var action, result string
		var startMs int64
		var username, fileName, fileHash, fileID sql.NullString
		var elapsed sql.NullInt64
		var fileSize sql.NullFloat64

		err := rows.Scan(&e.ID, &e.RequestID, &action, &username, &e.UserID, &result, &startMs, &elapsed,
			&fileName, &fileSize, &fileHash, &fileID)
		if err != nil {
			return nil, err
		}

		e.Action = protocol.Action(action)
		e.Result = protocol.Result(result)
		e.StartTime = time.UnixMilli(startMs)
		e.Username = username.String
		e.ElapsedMs = elapsed.Int64
		e.FileName = fileName.String
		e.FileSize = fileSize.Float64
		e.FileHash = fileHash.String
		e.FileID = fileID.String

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
