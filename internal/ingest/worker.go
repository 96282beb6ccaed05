package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"doorguard/internal/config"
	"doorguard/internal/metrics"
	"doorguard/internal/model"
	"doorguard/internal/storage"
)

type Status string

const (
	StatusOK     Status = "success"
	StatusFailed Status = "failed"
)

// Result is the terminal outcome of one batch. Dropped lists the
// employee numbers that did not resolve to a user; their raw events
// were discarded, not stored.
type Result struct {
	Status   Status   `json:"status"`
	Inserted int      `json:"inserted"`
	Dropped  []string `json:"dropped,omitempty"`
	Err      error    `json:"-"`
	Error    string   `json:"error,omitempty"`
}

var (
	ErrQueueFull = errors.New("ingest queue full")
	ErrStopped   = errors.New("ingest worker stopped")
)

type job struct {
	batch model.Batch
	done  chan Result
}

// Worker converts raw door-grouped batches into durable Event records
// off the request path. Batches are serialized through one goroutine;
// submitters get their result on the returned channel.
type Worker struct {
	store  storage.Store
	logger *slog.Logger
	cfg    atomic.Value
	jobs   chan job
}

func NewWorker(cfg *config.Config, store storage.Store, logger *slog.Logger) *Worker {
	w := &Worker{
		store:  store,
		logger: logger,
		jobs:   make(chan job, cfg.Ingest.QueueDepth),
	}
	w.cfg.Store(cfg)
	return w
}

func (w *Worker) UpdateConfig(cfg *config.Config) {
	w.cfg.Store(cfg)
}

func (w *Worker) config() *config.Config {
	if v := w.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (w *Worker) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case j := <-w.jobs:
				j.done <- w.process(ctx, j.batch)
			case <-ctx.Done():
				w.drain()
				return
			}
		}
	}()
}

func (w *Worker) drain() {
	for {
		select {
		case j := <-w.jobs:
			j.done <- failed(ErrStopped)
		default:
			return
		}
	}
}

// Submit queues a batch and returns immediately. The channel receives
// exactly one Result and is buffered, so the caller may abandon it.
func (w *Worker) Submit(ctx context.Context, batch model.Batch) <-chan Result {
	done := make(chan Result, 1)
	if err := ctx.Err(); err != nil {
		done <- failed(err)
		return done
	}
	select {
	case w.jobs <- job{batch: batch, done: done}:
	default:
		if w.logger != nil {
			w.logger.Warn("ingest queue full, rejecting batch", "events", batch.Len())
		}
		done <- failed(ErrQueueFull)
	}
	return done
}

func (w *Worker) process(ctx context.Context, batch model.Batch) Result {
	cfg := w.config()
	ctx, cancel := context.WithTimeout(ctx, cfg.Ingest.BatchTimeout)
	defer cancel()

	loc := time.UTC
	if cfg.Ingest.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Ingest.Timezone); err == nil {
			loc = l
		}
	}

	employeeNos := make([]string, 0, batch.Len())
	for _, raws := range batch {
		for _, raw := range raws {
			employeeNos = append(employeeNos, raw.EmployeeNo)
		}
	}
	users, err := w.store.FindUsersByEmployeeNos(ctx, employeeNos)
	if err != nil {
		metrics.BatchesFailed.Inc()
		if w.logger != nil {
			w.logger.Error("ingest identity lookup failed", "err", err)
		}
		return failed(err)
	}

	events := make([]model.Event, 0, batch.Len())
	droppedSet := make(map[string]struct{})
	for doorID, raws := range batch {
		for _, raw := range raws {
			user, ok := users[raw.EmployeeNo]
			if !ok {
				droppedSet[raw.EmployeeNo] = struct{}{}
				continue
			}
			ts, err := ParseEventTime(raw.Time, loc)
			if err != nil {
				ts = time.Now().UTC()
				if w.logger != nil {
					w.logger.Warn("ingest bad event time, using now", "door_id", doorID, "time", raw.Time)
				}
			}
			events = append(events, model.Event{
				ID:         uuid.NewString(),
				Modality:   ParseModality(string(raw.Type)),
				Timestamp:  ts,
				UserID:     user.ID,
				DoorID:     doorID,
				EmployeeNo: raw.EmployeeNo,
				SerialNo:   raw.SerialNo,
				PictureURL: raw.PictureURL,
			})
		}
	}

	if err := w.store.BulkInsertEvents(ctx, events); err != nil {
		metrics.BatchesFailed.Inc()
		if w.logger != nil {
			w.logger.Error("ingest bulk insert failed", "events", len(events), "err", err)
		}
		return failed(err)
	}

	dropped := make([]string, 0, len(droppedSet))
	for no := range droppedSet {
		dropped = append(dropped, no)
	}
	sort.Strings(dropped)

	metrics.EventsIngested.Add(float64(len(events)))
	metrics.EventsDropped.Add(float64(len(dropped)))
	if w.logger != nil {
		w.logger.Info("ingest batch committed",
			"doors", len(batch),
			"inserted", len(events),
			"dropped", len(dropped),
		)
	}
	return Result{Status: StatusOK, Inserted: len(events), Dropped: dropped}
}

func failed(err error) Result {
	r := Result{Status: StatusFailed, Err: err}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}
