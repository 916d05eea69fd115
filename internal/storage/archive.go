package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"agent-chaos/internal/logging"
)

const reportPrefix = "report/"

// keyTimeLayout sorts lexically in chronological order.
const keyTimeLayout = "20060102T150405.000000000Z"

// ArchivedReport is one stored report document.
type ArchivedReport struct {
	ExperimentID string    `json:"experiment_id"`
	StoredAt     time.Time `json:"stored_at"`
	Key          string    `json:"key"`
	Data         []byte    `json:"-"`
}

// ReportArchive keeps the reports written for each experiment, keyed
// report/<experiment id>/<timestamp>. With a retention set only the newest
// reports of each experiment are kept.
type ReportArchive struct {
	engine StorageEngine
	logger *logging.Logger
	retain int
}

// ArchiveOption configures a ReportArchive.
type ArchiveOption func(*ReportArchive)

// WithRetention keeps at most n reports per experiment. n <= 0 keeps everything.
func WithRetention(n int) ArchiveOption {
	return func(a *ReportArchive) { a.retain = n }
}

// NewReportArchive stores reports in engine.
func NewReportArchive(engine StorageEngine, logger *logging.Logger, opts ...ArchiveOption) *ReportArchive {
	if logger == nil {
		logger = logging.Discard()
	}
	a := &ReportArchive{engine: engine, logger: logger.WithField("component", "report_archive")}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ReportKey is the engine key of one archived report.
func ReportKey(experimentID string, at time.Time) string {
	return reportPrefix + experimentID + "/" + at.UTC().Format(keyTimeLayout)
}

// Store archives data for experimentID at time at and applies the retention.
func (a *ReportArchive) Store(ctx context.Context, experimentID string, at time.Time, data []byte) (string, error) {
	if experimentID == "" || strings.Contains(experimentID, "/") {
		return "", fmt.Errorf("invalid experiment id %q", experimentID)
	}

	key := ReportKey(experimentID, at)
	start := time.Now()
	err := a.engine.Put([]byte(key), data)
	a.logger.StorageOperation(ctx, "store", key, time.Since(start), err)
	if err != nil {
		return "", fmt.Errorf("archive report %s: %w", key, err)
	}

	if a.retain > 0 {
		if err := a.prune(ctx, experimentID); err != nil {
			// the new report is stored; old ones are retried on the next store
			a.logger.WarnContext(ctx, "Archive retention failed", "experiment_id", experimentID, "error", err)
		}
	}
	return key, nil
}

// prune deletes the oldest reports of experimentID beyond the retention.
func (a *ReportArchive) prune(ctx context.Context, experimentID string) error {
	history, err := a.History(ctx, experimentID)
	if err != nil {
		return err
	}
	for len(history) > a.retain {
		key := history[0].Key
		start := time.Now()
		err := a.engine.Delete([]byte(key))
		a.logger.StorageOperation(ctx, "delete", key, time.Since(start), err)
		if err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
		history = history[1:]
	}
	return nil
}

// Get returns the report of experimentID archived at exactly at, or ErrKeyNotFound.
func (a *ReportArchive) Get(ctx context.Context, experimentID string, at time.Time) (ArchivedReport, error) {
	key := ReportKey(experimentID, at)
	start := time.Now()
	data, err := a.engine.Get([]byte(key))
	if !errors.Is(err, ErrKeyNotFound) {
		a.logger.StorageOperation(ctx, "get", key, time.Since(start), err)
	}
	if err != nil {
		return ArchivedReport{}, err
	}
	return ArchivedReport{ExperimentID: experimentID, StoredAt: at.UTC(), Key: key, Data: data}, nil
}

// Healthy checks that the engine answers reads.
func (a *ReportArchive) Healthy(ctx context.Context) error {
	_, err := a.engine.Exists([]byte("health"))
	return err
}

// Stats reports engine size figures for the health endpoint.
func (a *ReportArchive) Stats() map[string]interface{} {
	return a.engine.Stats()
}

// History returns every archived report for one experiment, oldest first.
func (a *ReportArchive) History(ctx context.Context, experimentID string) ([]ArchivedReport, error) {
	return a.scan(ctx, reportPrefix+experimentID+"/")
}

// Latest returns the most recent report for experimentID or ErrKeyNotFound.
func (a *ReportArchive) Latest(ctx context.Context, experimentID string) (ArchivedReport, error) {
	history, err := a.History(ctx, experimentID)
	if err != nil {
		return ArchivedReport{}, err
	}
	if len(history) == 0 {
		return ArchivedReport{}, ErrKeyNotFound
	}
	return history[len(history)-1], nil
}

// Index lists the newest report of every archived experiment, sorted by id.
func (a *ReportArchive) Index(ctx context.Context) ([]ArchivedReport, error) {
	all, err := a.scan(ctx, reportPrefix)
	if err != nil {
		return nil, err
	}

	latest := make(map[string]ArchivedReport)
	for _, r := range all {
		latest[r.ExperimentID] = r
	}

	out := make([]ArchivedReport, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExperimentID < out[j].ExperimentID })
	return out, nil
}

func (a *ReportArchive) scan(ctx context.Context, prefix string) ([]ArchivedReport, error) {
	start := time.Now()
	pairs, err := a.engine.Scan([]byte(prefix))
	a.logger.StorageOperation(ctx, "scan", prefix, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}

	out := make([]ArchivedReport, 0, len(pairs))
	for _, kv := range pairs {
		r, ok := parseReportKey(string(kv.Key))
		if !ok {
			continue
		}
		r.Data = kv.Value
		out = append(out, r)
	}
	return out, nil
}

func parseReportKey(key string) (ArchivedReport, bool) {
	rest := strings.TrimPrefix(key, reportPrefix)
	idx := strings.LastIndex(rest, "/")
	if idx <= 0 {
		return ArchivedReport{}, false
	}
	at, err := time.Parse(keyTimeLayout, rest[idx+1:])
	if err != nil {
		return ArchivedReport{}, false
	}
	return ArchivedReport{ExperimentID: rest[:idx], StoredAt: at, Key: key}, true
}

func (a *ReportArchive) Close() error {
	return a.engine.Close()
}
