package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"doorguard/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:doorguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Concurrent writers (prober + ingestion) share one connection to
	// keep modernc's file locking out of the hot path.
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS doors (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			host TEXT NOT NULL,
			port INTEGER NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			password TEXT NOT NULL DEFAULT '',
			direction TEXT NOT NULL,
			status TEXT NOT NULL,
			is_open INTEGER NOT NULL DEFAULT 0,
			liveness TEXT NOT NULL DEFAULT 'offline',
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS liveness_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			door_id TEXT NOT NULL,
			status TEXT NOT NULL,
			latency_ms REAL,
			ts INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_liveness_log_door_ts ON liveness_log(door_id, ts)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			modality TEXT NOT NULL,
			ts INTEGER NOT NULL,
			user_id TEXT NOT NULL,
			door_id TEXT NOT NULL,
			employee_no TEXT NOT NULL,
			serial_no INTEGER NOT NULL DEFAULT 0,
			picture_url TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_door_employee_ts ON events(door_id, employee_no, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			employee_no TEXT NOT NULL UNIQUE
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) ListDoors(ctx context.Context, filter DoorFilter) ([]model.Door, error) {
	query := `SELECT id, name, host, port, username, password, direction, status, is_open, liveness, updated_at FROM doors`
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Door, 0)
	for rows.Next() {
		var d model.Door
		var isOpen int
		var updated int64
		if err := rows.Scan(&d.ID, &d.Name, &d.Host, &d.Port, &d.Username, &d.Password, &d.Direction, &d.Status, &isOpen, &d.Liveness, &updated); err != nil {
			return nil, err
		}
		d.IsOpen = isOpen != 0
		d.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertDoor(ctx context.Context, door model.Door) error {
	isOpen := 0
	if door.IsOpen {
		isOpen = 1
	}
	if door.Liveness == "" {
		door.Liveness = model.LivenessOffline
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO doors (id, name, host, port, username, password, direction, status, is_open, liveness, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			host = excluded.host,
			port = excluded.port,
			username = excluded.username,
			password = excluded.password,
			direction = excluded.direction,
			status = excluded.status,
			is_open = excluded.is_open,
			updated_at = excluded.updated_at`,
		door.ID, door.Name, door.Host, door.Port, door.Username, door.Password,
		string(door.Direction), string(door.Status), isOpen, string(door.Liveness),
		nowUTC().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) UpdateDoorLiveness(ctx context.Context, doorID string, state model.Liveness) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE doors SET liveness = ?, updated_at = ? WHERE id = ?`,
		string(state), nowUTC().UnixMilli(), doorID)
	return err
}

func (s *sqliteStore) AppendLivenessLog(ctx context.Context, entry model.LivenessEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = nowUTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO liveness_log (door_id, status, latency_ms, ts) VALUES (?, ?, ?, ?)`,
		entry.DoorID, string(entry.Liveness), entry.LatencyMS, ts.UnixMilli())
	return err
}

func (s *sqliteStore) ListLivenessLog(ctx context.Context, doorID string, limit, offset int) ([]model.LivenessEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT door_id, status, latency_ms, ts FROM liveness_log`
	args := []any{}
	if doorID != "" {
		query += ` WHERE door_id = ?`
		args = append(args, doorID)
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.LivenessEntry, 0, limit)
	for rows.Next() {
		var e model.LivenessEntry
		var ts int64
		if err := rows.Scan(&e.DoorID, &e.Liveness, &e.LatencyMS, &ts); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) BulkInsertEvents(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (id, modality, ts, user_id, door_id, employee_no, serial_no, picture_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx,
			ev.ID, string(ev.Modality), ev.Timestamp.UnixMilli(),
			ev.UserID, ev.DoorID, ev.EmployeeNo, ev.SerialNo, ev.PictureURL,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) ListEvents(ctx context.Context, filter EventFilter) ([]model.Event, error) {
	query := `SELECT id, modality, ts, user_id, door_id, employee_no, serial_no, picture_url FROM events WHERE 1=1`
	args := []any{}
	if filter.DoorID != "" {
		query += ` AND door_id = ?`
		args = append(args, filter.DoorID)
	}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if !filter.From.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, filter.From.UnixMilli())
	}
	if !filter.To.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, filter.To.UnixMilli())
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Event, 0)
	for rows.Next() {
		var ev model.Event
		var ts int64
		if err := rows.Scan(&ev.ID, &ev.Modality, &ts, &ev.UserID, &ev.DoorID, &ev.EmployeeNo, &ev.SerialNo, &ev.PictureURL); err != nil {
			return nil, err
		}
		ev.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ExistsEvent(ctx context.Context, doorID, employeeNo string, at time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM events WHERE door_id = ? AND employee_no = ? AND ts BETWEEN ? AND ?`,
		doorID, employeeNo,
		at.Add(-DuplicateWindow).UnixMilli(), at.Add(DuplicateWindow).UnixMilli(),
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) FindUsersByEmployeeNos(ctx context.Context, employeeNos []string) (map[string]model.User, error) {
	nos := dedupeStrings(employeeNos)
	if len(nos) == 0 {
		return map[string]model.User{}, nil
	}
	placeholders := strings.Repeat("?,", len(nos))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(nos))
	for i, no := range nos {
		args[i] = no
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, employee_no FROM users WHERE employee_no IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]model.User, len(nos))
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Name, &u.EmployeeNo); err != nil {
			return nil, err
		}
		out[u.EmployeeNo] = u
	}
	return out, rows.Err()
}

func (s *sqliteStore) UserExists(ctx context.Context, employeeNo string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM users WHERE employee_no = ?`, employeeNo).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) UpsertUser(ctx context.Context, user model.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, employee_no) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, employee_no = excluded.employee_no`,
		user.ID, user.Name, user.EmployeeNo)
	return err
}
