package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"agent-chaos/internal/chaos"
	"agent-chaos/internal/config"
	"agent-chaos/internal/storage"
)

// Summary is the short form of a report published to subscribers.
type Summary struct {
	ExperimentID  string        `json:"experiment_id"`
	RunID         string        `json:"run_id,omitempty"`
	Outcome       chaos.Outcome `json:"outcome"`
	Passed        bool          `json:"passed"`
	AbortReason   *string       `json:"abort_reason"`
	RecoveryTurns *int          `json:"recovery_turns"`
	EndedAt       time.Time     `json:"ended_at"`
}

func Summarize(r *chaos.ExperimentReport) Summary {
	return Summary{
		ExperimentID:  r.ExperimentID,
		RunID:         r.RunID,
		Outcome:       r.Outcome,
		Passed:        r.Passed,
		AbortReason:   r.AbortReason,
		RecoveryTurns: r.RecoveryTurns,
		EndedAt:       r.EndedAt,
	}
}

// ArchiveSink keeps every report in the badger archive.
type ArchiveSink struct {
	archive *storage.ReportArchive
}

func NewArchiveSink(archive *storage.ReportArchive) *ArchiveSink {
	return &ArchiveSink{archive: archive}
}

func (s *ArchiveSink) Name() string { return "archive" }

func (s *ArchiveSink) Store(ctx context.Context, r *chaos.ExperimentReport, data []byte) error {
	at := r.EndedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.archive.Store(ctx, r.ExperimentID, at, data)
	return err
}

const defaultRedisHistory = 500

// RedisSink pushes the full report onto a capped list and publishes its summary.
type RedisSink struct {
	client  *redis.Client
	listKey string
	channel string
	maxLen  int64
}

func NewRedisSink(cfg config.RedisConfig) *RedisSink {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 2 * time.Second,
	})
	return NewRedisSinkWithClient(client, cfg.ListKey, cfg.Channel)
}

func NewRedisSinkWithClient(client *redis.Client, listKey, channel string) *RedisSink {
	return &RedisSink{
		client:  client,
		listKey: listKey,
		channel: channel,
		maxLen:  defaultRedisHistory,
	}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSink) Store(ctx context.Context, r *chaos.ExperimentReport, data []byte) error {
	summary, err := json.Marshal(Summarize(r))
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.listKey, data)
	pipe.LTrim(ctx, s.listKey, 0, s.maxLen-1)
	if s.channel != "" {
		pipe.Publish(ctx, s.channel, summary)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis push %s: %w", s.listKey, err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
