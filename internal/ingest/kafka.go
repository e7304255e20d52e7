package ingest

import (
	"context"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"examguard/internal/config"
	"examguard/internal/model"
	"examguard/internal/telemetry"
)

func StartKafka(ctx context.Context, cfg *config.Manager, out chan<- model.FrameSignals, counters *telemetry.Counters, logger *slog.Logger) {
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
			batch, err := DecodeSignals(m.Value)
			if err != nil {
				if logger != nil {
					logger.Warn("kafka decode error", "err", err)
				}
				continue
			}
			for i := range batch {
				batch[i].Source = "kafka"
				SendNonBlocking(ctx, out, batch[i], counters, logger)
			}
		}
	}()
}
