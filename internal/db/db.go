// Package db stores the history of rover runs: the localization fixes taken
// at each waypoint and the targets found along the way.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/rover/internal/monitoring"
)

var logf = monitoring.Prefixed("db")

// ErrUnknownRun is returned when a run ID has no row.
var ErrUnknownRun = errors.New("unknown run")

type DB struct {
	*sql.DB
}

// OpenDB opens the sqlite database at path and migrates it to the latest
// schema.
func OpenDB(path string) (*DB, error) {
	// pragmas in the DSN apply to every pooled connection
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(wal)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	db := &DB{sqlDB}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Run is one recording or playback session.
type Run struct {
	ID        string    `json:"run_id"`
	TrailPath string    `json:"trail_path"`
	Mode      string    `json:"mode"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished,omitzero"`
}

// FixRecord is a localization fix examined at a waypoint crossing.
type FixRecord struct {
	WaypointIndex int       `json:"waypoint_index"`
	X             float64   `json:"x"`
	Y             float64   `json:"y"`
	Theta         float64   `json:"theta"`
	Variance      float64   `json:"variance"`
	Coincidence   float64   `json:"coincidence"`
	Accepted      bool      `json:"accepted"`
	Recorded      time.Time `json:"recorded"`
}

// Finding is a target the rover drove up to.
type Finding struct {
	XMM         int       `json:"x_mm"`
	YMM         int       `json:"y_mm"`
	Probability float64   `json:"probability"`
	Found       time.Time `json:"found"`
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// NewRunID returns a fresh run ID.
func NewRunID() string {
	return uuid.NewString()
}

// StartRun inserts a run under runID.
func (db *DB) StartRun(runID, trailPath, mode string, at time.Time) error {
	_, err := db.Exec(
		`INSERT INTO runs (run_id, trail_path, mode, started_unix_nanos) VALUES (?, ?, ?, ?)`,
		runID, trailPath, mode, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("start run %s: %w", runID, err)
	}
	return nil
}

// FinishRun stamps the run's end time.
func (db *DB) FinishRun(runID string, at time.Time) error {
	res, err := db.Exec(`UPDATE runs SET finished_unix_nanos = ? WHERE run_id = ?`, at.UnixNano(), runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrUnknownRun)
	}
	return nil
}

// RecordFix appends a fix to the run.
func (db *DB) RecordFix(runID string, f FixRecord) error {
	_, err := db.Exec(
		`INSERT INTO localization_fixes (
			run_id, waypoint_index, x, y, theta, variance, coincidence, accepted, recorded_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, f.WaypointIndex, f.X, f.Y, f.Theta, f.Variance, f.Coincidence, f.Accepted, f.Recorded.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record fix: %w", err)
	}
	return nil
}

// RecordFinding appends a found target to the run.
func (db *DB) RecordFinding(runID string, f Finding) error {
	_, err := db.Exec(
		`INSERT INTO search_findings (run_id, x_mm, y_mm, probability, found_unix_nanos) VALUES (?, ?, ?, ?, ?)`,
		runID, f.XMM, f.YMM, f.Probability, f.Found.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record finding: %w", err)
	}
	return nil
}

// Fixes returns the run's fixes in recording order.
func (db *DB) Fixes(runID string) ([]FixRecord, error) {
	rows, err := db.Query(
		`SELECT waypoint_index, x, y, theta, variance, coincidence, accepted, recorded_unix_nanos
		FROM localization_fixes WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fixes []FixRecord
	for rows.Next() {
		var f FixRecord
		var nanos int64
		if err := rows.Scan(&f.WaypointIndex, &f.X, &f.Y, &f.Theta, &f.Variance, &f.Coincidence, &f.Accepted, &nanos); err != nil {
			return nil, err
		}
		f.Recorded = fromNanos(nanos)
		fixes = append(fixes, f)
	}
	return fixes, rows.Err()
}

// Findings returns the run's found targets in order.
func (db *DB) Findings(runID string) ([]Finding, error) {
	rows, err := db.Query(
		`SELECT x_mm, y_mm, probability, found_unix_nanos
		FROM search_findings WHERE run_id = ? ORDER BY found_unix_nanos, rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var findings []Finding
	for rows.Next() {
		var f Finding
		var nanos int64
		if err := rows.Scan(&f.XMM, &f.YMM, &f.Probability, &nanos); err != nil {
			return nil, err
		}
		f.Found = fromNanos(nanos)
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

// Runs returns up to limit runs, newest first.
func (db *DB) Runs(limit int) ([]Run, error) {
	rows, err := db.Query(
		`SELECT run_id, trail_path, mode, started_unix_nanos, finished_unix_nanos
		FROM runs ORDER BY started_unix_nanos DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&r.ID, &r.TrailPath, &r.Mode, &started, &finished); err != nil {
			return nil, err
		}
		r.Started = fromNanos(started)
		if finished.Valid {
			r.Finished = fromNanos(finished.Int64)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
