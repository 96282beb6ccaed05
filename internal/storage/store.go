package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"doorguard/internal/config"
	"doorguard/internal/model"
)

// DuplicateWindow is the half-width of the ExistsEvent match window: a
// swipe for the same (door, employee) within this distance of an
// existing event counts as a resubmission.
const DuplicateWindow = 60 * time.Second

type DoorFilter struct {
	Status model.DoorStatus
}

type EventFilter struct {
	DoorID string
	UserID string
	From   time.Time
	To     time.Time
	Limit  int
}

type Store interface {
	Init(ctx context.Context) error
	Close() error

	ListDoors(ctx context.Context, filter DoorFilter) ([]model.Door, error)
	UpsertDoor(ctx context.Context, door model.Door) error
	UpdateDoorLiveness(ctx context.Context, doorID string, state model.Liveness) error

	AppendLivenessLog(ctx context.Context, entry model.LivenessEntry) error
	ListLivenessLog(ctx context.Context, doorID string, limit, offset int) ([]model.LivenessEntry, error)

	BulkInsertEvents(ctx context.Context, events []model.Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]model.Event, error)
	ExistsEvent(ctx context.Context, doorID, employeeNo string, at time.Time) (bool, error)

	FindUsersByEmployeeNos(ctx context.Context, employeeNos []string) (map[string]model.User, error)
	UserExists(ctx context.Context, employeeNo string) (bool, error)
	UpsertUser(ctx context.Context, user model.User) error
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
