// Package memory keeps a small SQLite history of completed investigations
// and offers similar past runs as hints to specialists.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
)

const (
	// MinSimilarity is the resource-set Jaccard similarity a prior run needs
	// to be offered as a hint.
	MinSimilarity = 0.3
	// MaxHints caps the hints returned per lookup.
	MaxHints = 3

	schemaVersion = 1
	// scanLimit bounds how many recent runs are compared per lookup.
	scanLimit = 500
)

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);
CREATE TABLE IF NOT EXISTS runs (
	run_id          TEXT PRIMARY KEY,
	recorded_at     TEXT NOT NULL,
	resources       TEXT NOT NULL,
	root_cause_type TEXT NOT NULL,
	confidence      REAL NOT NULL,
	status          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_recorded_at ON runs(recorded_at);
`

// Run is what gets remembered about a completed investigation.
type Run struct {
	RunID         string
	RecordedAt    time.Time
	Resources     []string
	RootCauseType string
	Confidence    float64
	Status        model.Status
}

// Store is a SQLite-backed run history.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create hints dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schemaV1); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	var v int
	err := s.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.Exec("INSERT INTO schema_version(version) VALUES(?)", schemaVersion); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case v != schemaVersion:
		return fmt.Errorf("unknown schema version %d", v)
	}
	return nil
}

// Record stores a completed run. Recording the same run id twice replaces
// the earlier entry.
func (s *Store) Record(ctx context.Context, r Run) error {
	keys, err := json.Marshal(dedupe(r.Resources))
	if err != nil {
		return fmt.Errorf("encode resources: %w", err)
	}
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs(run_id, recorded_at, resources, root_cause_type, confidence, status)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		r.RunID, r.RecordedAt.UTC().Format(time.RFC3339Nano), string(keys), r.RootCauseType, r.Confidence, string(r.Status))
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.RunID, err)
	}
	return nil
}

// RecordReport remembers a finished report.
func (s *Store) RecordReport(ctx context.Context, rep *model.InvestigationReport) error {
	run := Run{RunID: rep.RunID, RecordedAt: rep.FinishedAt, Status: rep.Status}
	for _, r := range rep.AffectedResources {
		run.Resources = append(run.Resources, r.Key())
	}
	if rep.RootCause.Primary != nil {
		run.RootCauseType = rep.RootCause.Primary.Type
		run.Confidence = rep.RootCause.Confidence
	}
	return s.Record(ctx, run)
}

// Hints returns up to MaxHints recent runs whose resource sets resemble
// resources, most similar first.
func (s *Store) Hints(ctx context.Context, resources []model.ResourceDescriptor) ([]model.TopologyHint, error) {
	if len(resources) == 0 {
		return nil, nil
	}
	want := map[string]struct{}{}
	for _, r := range resources {
		want[r.Key()] = struct{}{}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, recorded_at, resources, root_cause_type, confidence
		 FROM runs ORDER BY recorded_at DESC LIMIT ?`, scanLimit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var hints []model.TopologyHint
	for rows.Next() {
		var (
			h        model.TopologyHint
			recorded string
			keys     string
		)
		if err := rows.Scan(&h.RunID, &recorded, &keys, &h.RootCauseType, &h.Confidence); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if err := json.Unmarshal([]byte(keys), &h.Resources); err != nil {
			continue
		}
		h.RecordedAt, _ = time.Parse(time.RFC3339Nano, recorded)
		h.Similarity = similarity(want, h.Resources)
		if h.Similarity >= MinSimilarity {
			hints = append(hints, h)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	sort.SliceStable(hints, func(i, j int) bool { return hints[i].Similarity > hints[j].Similarity })
	if len(hints) > MaxHints {
		hints = hints[:MaxHints]
	}
	return hints, nil
}

func similarity(want map[string]struct{}, keys []string) float64 {
	inter, union := 0, len(want)
	for _, k := range dedupe(keys) {
		if _, ok := want[k]; ok {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func dedupe(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
