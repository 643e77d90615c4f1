package worker

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/opctl/controlplane/errors"
)

// store persists jobs and worker heartbeats. Grounded on
// pulse/async/store.go's raw database/sql style (no ORM).
type store struct {
	db *sql.DB
}

func newStore(db *sql.DB) (*store, error) {
	s := &store{db: db}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS async_jobs (
	id TEXT PRIMARY KEY,
	queue TEXT NOT NULL,
	handler_name TEXT NOT NULL,
	payload TEXT NOT NULL,
	status TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 0,
	error TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	completed_at TIMESTAMP
)`); err != nil {
		return nil, errors.Wrap(err, "worker: create async_jobs table")
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS worker_heartbeats (
	worker_id TEXT PRIMARY KEY,
	last_seen TIMESTAMP NOT NULL
)`); err != nil {
		return nil, errors.Wrap(err, "worker: create worker_heartbeats table")
	}
	return s, nil
}

func (s *store) save(j *Job) error {
	_, err := s.db.Exec(`
INSERT INTO async_jobs (id, queue, handler_name, payload, status, retry_count, max_retries, error, created_at, updated_at, started_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	retry_count = excluded.retry_count,
	error = excluded.error,
	updated_at = excluded.updated_at,
	started_at = excluded.started_at,
	completed_at = excluded.completed_at`,
		j.ID, j.Queue, j.HandlerName, string(j.Payload), string(j.Status), j.RetryCount, j.MaxRetries,
		j.Error, j.CreatedAt, j.UpdatedAt, j.StartedAt, j.CompletedAt)
	if err != nil {
		return errors.Wrap(err, "worker: save job")
	}
	return nil
}

// orphaned returns jobs left in StatusRunning, presumably abandoned by a
// process that died mid-task. Used for gradual recovery on startup.
func (s *store) orphaned() ([]*Job, error) {
	rows, err := s.db.Query(`SELECT id, queue, handler_name, payload, status, retry_count, max_retries, error, created_at, updated_at FROM async_jobs WHERE status = ?`, string(StatusRunning))
	if err != nil {
		return nil, errors.Wrap(err, "worker: query orphaned jobs")
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j := &Job{}
		var status, payload string
		var errStr sql.NullString
		if err := rows.Scan(&j.ID, &j.Queue, &j.HandlerName, &payload, &status, &j.RetryCount, &j.MaxRetries, &errStr, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "worker: scan orphaned job")
		}
		j.Status = Status(status)
		j.Payload = json.RawMessage(payload)
		if errStr.Valid {
			j.Error = errStr.String
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *store) deadLettered() ([]*Job, error) {
	rows, err := s.db.Query(`SELECT id, queue, handler_name, error, updated_at FROM async_jobs WHERE status = ? ORDER BY updated_at DESC`, string(StatusDead))
	if err != nil {
		return nil, errors.Wrap(err, "worker: query dead letters")
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j := &Job{Status: StatusDead}
		var errStr sql.NullString
		if err := rows.Scan(&j.ID, &j.Queue, &j.HandlerName, &errStr, &j.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "worker: scan dead letter")
		}
		if errStr.Valid {
			j.Error = errStr.String
		}
		out = append(out, j)
	}
	return out, nil
}

// heartbeat upserts last_seen for workerID. Entries older than 90s are
// reported as "stale" by the telemetry layer, not here.
func (s *store) heartbeat(workerID string) error {
	_, err := s.db.Exec(`
INSERT INTO worker_heartbeats (worker_id, last_seen) VALUES (?, ?)
ON CONFLICT(worker_id) DO UPDATE SET last_seen = excluded.last_seen`,
		workerID, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "worker: record heartbeat")
	}
	return nil
}

func (s *store) lastSeen(workerID string) (time.Time, bool, error) {
	var t time.Time
	err := s.db.QueryRow(`SELECT last_seen FROM worker_heartbeats WHERE worker_id = ?`, workerID).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, "worker: read heartbeat")
	}
	return t, true, nil
}
