package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"doorguard/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/doorguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
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
			is_open BOOLEAN NOT NULL DEFAULT FALSE,
			liveness TEXT NOT NULL DEFAULT 'offline',
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS liveness_log (
			id BIGSERIAL PRIMARY KEY,
			door_id TEXT NOT NULL,
			status TEXT NOT NULL,
			latency_ms DOUBLE PRECISION,
			ts TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_liveness_log_door_ts ON liveness_log(door_id, ts)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			modality TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			user_id TEXT NOT NULL,
			door_id TEXT NOT NULL,
			employee_no TEXT NOT NULL,
			serial_no BIGINT NOT NULL DEFAULT 0,
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

func (s *postgresStore) ListDoors(ctx context.Context, filter DoorFilter) ([]model.Door, error) {
	query := `SELECT id, name, host, port, username, password, direction, status, is_open, liveness, updated_at FROM doors`
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE status = $1`
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
		if err := rows.Scan(&d.ID, &d.Name, &d.Host, &d.Port, &d.Username, &d.Password, &d.Direction, &d.Status, &d.IsOpen, &d.Liveness, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.UpdatedAt = d.UpdatedAt.UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *postgresStore) UpsertDoor(ctx context.Context, door model.Door) error {
	if door.Liveness == "" {
		door.Liveness = model.LivenessOffline
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO doors (id, name, host, port, username, password, direction, status, is_open, liveness, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT(id) DO UPDATE SET
			name = EXCLUDED.name,
			host = EXCLUDED.host,
			port = EXCLUDED.port,
			username = EXCLUDED.username,
			password = EXCLUDED.password,
			direction = EXCLUDED.direction,
			status = EXCLUDED.status,
			is_open = EXCLUDED.is_open,
			updated_at = EXCLUDED.updated_at`,
		door.ID, door.Name, door.Host, door.Port, door.Username, door.Password,
		string(door.Direction), string(door.Status), door.IsOpen, string(door.Liveness),
		nowUTC(),
	)
	return err
}

func (s *postgresStore) UpdateDoorLiveness(ctx context.Context, doorID string, state model.Liveness) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE doors SET liveness = $1, updated_at = $2 WHERE id = $3`,
		string(state), nowUTC(), doorID)
	return err
}

func (s *postgresStore) AppendLivenessLog(ctx context.Context, entry model.LivenessEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = nowUTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO liveness_log (door_id, status, latency_ms, ts) VALUES ($1, $2, $3, $4)`,
		entry.DoorID, string(entry.Liveness), entry.LatencyMS, ts.UTC())
	return err
}

func (s *postgresStore) ListLivenessLog(ctx context.Context, doorID string, limit, offset int) ([]model.LivenessEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT door_id, status, latency_ms, ts FROM liveness_log`
	args := []any{}
	if doorID != "" {
		query += ` WHERE door_id = $1`
		args = append(args, doorID)
	}
	query += fmt.Sprintf(` ORDER BY ts DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.LivenessEntry, 0, limit)
	for rows.Next() {
		var e model.LivenessEntry
		if err := rows.Scan(&e.DoorID, &e.Liveness, &e.LatencyMS, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *postgresStore) BulkInsertEvents(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (id, modality, ts, user_id, door_id, employee_no, serial_no, picture_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx,
			ev.ID, string(ev.Modality), ev.Timestamp.UTC(),
			ev.UserID, ev.DoorID, ev.EmployeeNo, ev.SerialNo, ev.PictureURL,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *postgresStore) ListEvents(ctx context.Context, filter EventFilter) ([]model.Event, error) {
	query := `SELECT id, modality, ts, user_id, door_id, employee_no, serial_no, picture_url FROM events WHERE 1=1`
	args := []any{}
	if filter.DoorID != "" {
		args = append(args, filter.DoorID)
		query += fmt.Sprintf(` AND door_id = $%d`, len(args))
	}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		query += fmt.Sprintf(` AND user_id = $%d`, len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From.UTC())
		query += fmt.Sprintf(` AND ts >= $%d`, len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To.UTC())
		query += fmt.Sprintf(` AND ts <= $%d`, len(args))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY ts DESC LIMIT $%d`, len(args))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Event, 0)
	for rows.Next() {
		var ev model.Event
		if err := rows.Scan(&ev.ID, &ev.Modality, &ev.Timestamp, &ev.UserID, &ev.DoorID, &ev.EmployeeNo, &ev.SerialNo, &ev.PictureURL); err != nil {
			return nil, err
		}
		ev.Timestamp = ev.Timestamp.UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *postgresStore) ExistsEvent(ctx context.Context, doorID, employeeNo string, at time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM events WHERE door_id = $1 AND employee_no = $2 AND ts BETWEEN $3 AND $4`,
		doorID, employeeNo,
		at.Add(-DuplicateWindow).UTC(), at.Add(DuplicateWindow).UTC(),
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *postgresStore) FindUsersByEmployeeNos(ctx context.Context, employeeNos []string) (map[string]model.User, error) {
	nos := dedupeStrings(employeeNos)
	if len(nos) == 0 {
		return map[string]model.User{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, employee_no FROM users WHERE employee_no = ANY($1)`, nos)
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

func (s *postgresStore) UserExists(ctx context.Context, employeeNo string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM users WHERE employee_no = $1`, employeeNo).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *postgresStore) UpsertUser(ctx context.Context, user model.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, employee_no) VALUES ($1, $2, $3)
		ON CONFLICT(id) DO UPDATE SET name = EXCLUDED.name, employee_no = EXCLUDED.employee_no`,
		user.ID, user.Name, user.EmployeeNo)
	return err
}
