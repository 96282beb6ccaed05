package ingest

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"doorguard/internal/config"
	"doorguard/internal/model"
)

// StartKafka consumes batch documents from the gateway topic. Each
// message value is one JSON batch keyed by door id. Delivery from the
// broker is at-least-once; a redelivered batch duplicates events, which
// is why the gateway runs the exists pre-check before producing.
func StartKafka(ctx context.Context, cfg *config.Manager, worker *Worker, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				continue
			}
			var batch model.Batch
			if err := json.Unmarshal(m.Value, &batch); err != nil {
				if logger != nil {
					logger.Warn("kafka batch decode error", "err", err)
				}
				continue
			}
			if batch.Len() == 0 {
				continue
			}
			done := worker.Submit(ctx, batch)
			go func(offset int64) {
				select {
				case res := <-done:
					if res.Status != StatusOK && logger != nil {
						logger.Error("kafka batch ingest failed", "offset", offset, "err", res.Err)
					}
				case <-ctx.Done():
				}
			}(m.Offset)
		}
	}()
}
