package stores

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/tandem-ai/tandem/pkg/engine"
)

// latency histogram bounds in microseconds, matching the in-memory history.
const (
	latencyMin = 1
	latencyMax = int64(10 * time.Minute / time.Microsecond)
)

// RecordExecution appends an approach execution. It satisfies
// engine.ExecutionRecorder.
func (s *SQLiteStore) RecordExecution(ctx context.Context, rec engine.ExecutionRecord) error {
	if rec.Approach == "" {
		return fmt.Errorf("approach name is required")
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}

	query := `
		INSERT INTO executions (approach, success, code, elapsed_us, fingerprint, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.Approach,
		rec.Success,
		rec.Code,
		rec.Elapsed.Microseconds(),
		rec.Fingerprint,
		nanos(rec.At),
	)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

// ListExecutions returns recent executions, newest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]engine.ExecutionRecord, error) {
	var since int64
	if !filter.Since.IsZero() {
		since = nanos(filter.Since)
	}

	query := `
		SELECT approach, success, code, elapsed_us, fingerprint, at
		FROM executions
		WHERE (? = '' OR approach = ?) AND at >= ?
		ORDER BY at DESC, id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, filter.Approach, filter.Approach, since, limitOrDefault(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	records := []engine.ExecutionRecord{}
	for rows.Next() {
		var rec engine.ExecutionRecord
		var elapsedUS, at int64
		if err := rows.Scan(&rec.Approach, &rec.Success, &rec.Code, &elapsedUS, &rec.Fingerprint, &at); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		rec.Elapsed = time.Duration(elapsedUS) * time.Microsecond
		rec.At = fromNanos(at)
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return records, nil
}

type summary struct {
	stats   engine.ApproachStats
	total   time.Duration
	latency *hdrhistogram.Histogram
}

// ApproachSummaries computes per-approach statistics over every stored
// execution, sorted by approach name.
func (s *SQLiteStore) ApproachSummaries(ctx context.Context) ([]engine.ApproachStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT approach, success, elapsed_us, at FROM executions`)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	byName := make(map[string]*summary)
	for rows.Next() {
		var name string
		var success bool
		var elapsedUS, at int64
		if err := rows.Scan(&name, &success, &elapsedUS, &at); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		sum, ok := byName[name]
		if !ok {
			sum = &summary{
				stats:   engine.ApproachStats{Name: name},
				latency: hdrhistogram.New(latencyMin, latencyMax, 3),
			}
			byName[name] = sum
		}
		sum.stats.TotalExecutions++
		if success {
			sum.stats.SuccessCount++
		}
		sum.total += time.Duration(elapsedUS) * time.Microsecond
		if t := fromNanos(at); t.After(sum.stats.LastExecution) {
			sum.stats.LastExecution = t
		}
		_ = sum.latency.RecordValue(clampLatency(elapsedUS))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	out := make([]engine.ApproachStats, 0, len(byName))
	for _, sum := range byName {
		st := sum.stats
		n := st.TotalExecutions
		st.SuccessRate = float64(st.SuccessCount) / float64(n)
		st.AverageTime = sum.total / time.Duration(n)
		st.P50 = time.Duration(sum.latency.ValueAtQuantile(50)) * time.Microsecond
		st.P95 = time.Duration(sum.latency.ValueAtQuantile(95)) * time.Microsecond
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func clampLatency(us int64) int64 {
	if us < latencyMin {
		return latencyMin
	}
	if us > latencyMax {
		return latencyMax
	}
	return us
}
