// Package graphstore implements the Graph SSoT Driver: typed, idempotent
// (MERGE-style) writes and parameterized reads against the property graph,
// behind a connection pool and circuit breaker.
package graphstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/opctl/controlplane/errors"
	"github.com/opctl/controlplane/logger"
)

// Config controls circuit breaker and connection behaviour.
type Config struct {
	AcquireTimeout    time.Duration // default 2s
	FailureThreshold  int           // default 5 consecutive failures
	CooldownPeriod    time.Duration // default 30s
}

func DefaultConfig() Config {
	return Config{
		AcquireTimeout:   2 * time.Second,
		FailureThreshold: 5,
		CooldownPeriod:   30 * time.Second,
	}
}

// Store is the Graph SSoT Driver. All methods are fail-open: callers never
// see a panic or an unwound stack for a downstream failure, only an
// `unavailable` outcome.
type Store struct {
	db      *sql.DB
	cfg     Config
	breaker *circuitBreaker
}

// Open opens (and migrates) the sqlite-backed graph store at path.
func Open(path string, cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "graphstore: open sqlite")
	}

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		return nil, errors.Wrap(err, "graphstore: set WAL mode")
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		return nil, errors.Wrap(err, "graphstore: enable foreign keys")
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		return nil, errors.Wrap(err, "graphstore: set busy timeout")
	}

	s := &Store{
		db:      db,
		cfg:     cfg,
		breaker: newCircuitBreaker(cfg.FailureThreshold, cfg.CooldownPeriod),
	}

	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "graphstore: migrate")
	}

	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS graph_nodes (
	id TEXT PRIMARY KEY,
	labels TEXT NOT NULL,
	props TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS graph_edges (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	from_id TEXT NOT NULL,
	to_id TEXT NOT NULL,
	props TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	UNIQUE(kind, from_id, to_id)
);
CREATE INDEX IF NOT EXISTS idx_graph_edges_from ON graph_edges(from_id);
CREATE INDEX IF NOT EXISTS idx_graph_edges_to ON graph_edges(to_id);
`)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Relationship describes one outgoing edge to create or merge as part of an upsert.
type Relationship struct {
	Kind  string
	ToID  string
	Props map[string]interface{}
}

// ErrUnavailable is returned (wrapped) when the circuit is open or the
// connection could not be acquired within the configured timeout. Callers
// must treat this as fail-open: the caller degrades, it does not propagate
// as a request failure.
var ErrUnavailable = errors.New("graphstore: unavailable")

// StatusGuard computes the final merged props for an update given the
// node's existing props and the incoming set-props, applying whatever
// status-successor rule the caller needs. Returning existing unchanged for
// a guarded field rejects an out-of-order or regressive transition. A nil
// StatusGuard behaves like a blind merge (existing ∪ incoming, incoming
// wins on conflicting keys) — the historical UpsertAndRelate behavior.
type StatusGuard func(existing, incoming map[string]interface{}) map[string]interface{}

// UpsertAndRelate performs an idempotent MERGE-style write: it creates or
// updates the node identified by id, sets
// setProps on it, and upserts each relationship. On circuit-open or
// acquire-timeout it returns ErrUnavailable and performs no partial write.
func (s *Store) UpsertAndRelate(ctx context.Context, id string, labels []string, setProps map[string]interface{}, rels []Relationship) error {
	return s.UpsertAndRelateGuarded(ctx, id, labels, setProps, rels, nil)
}

// UpsertAndRelateGuarded is UpsertAndRelate with an optional conditional
// merge: when guard is non-nil and the node already exists, guard decides
// the final prop set instead of a blind overwrite-merge. Used for
// status-bearing entities (Run, Approval, Action) whose status must only
// move to an allowed successor.
func (s *Store) UpsertAndRelateGuarded(ctx context.Context, id string, labels []string, setProps map[string]interface{}, rels []Relationship, guard StatusGuard) error {
	if s.breaker.isOpen() {
		return ErrUnavailable
	}

	acquireCtx, cancel := context.WithTimeout(ctx, s.cfg.AcquireTimeout)
	defer cancel()

	err := s.upsertAndRelate(acquireCtx, id, labels, setProps, rels, guard)
	if err != nil {
		s.breaker.recordFailure()
		logger.GraphInfow("graph write failed", "node_id", id, "error", err.Error())
		return errors.Wrap(ErrUnavailable, err.Error())
	}

	s.breaker.recordSuccess()
	return nil
}

func (s *Store) upsertAndRelate(ctx context.Context, id string, labels []string, setProps map[string]interface{}, rels []Relationship, guard StatusGuard) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return errors.Wrap(err, "marshal labels")
	}
	propsJSON, err := json.Marshal(setProps)
	if err != nil {
		return errors.Wrap(err, "marshal props")
	}

	now := time.Now().UTC()

	existing := ""
	err = tx.QueryRowContext(ctx, `SELECT props FROM graph_nodes WHERE id = ?`, id).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO graph_nodes (id, labels, props, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`, id, string(labelsJSON), string(propsJSON), now, now)
		if err != nil {
			return errors.Wrap(err, "insert node")
		}
	case err != nil:
		return errors.Wrap(err, "read existing node")
	default:
		merged, mErr := mergeProps(existing, setProps, guard)
		if mErr != nil {
			return errors.Wrap(mErr, "merge node props")
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE graph_nodes SET labels = ?, props = ?, updated_at = ? WHERE id = ?`,
			string(labelsJSON), merged, now, id)
		if err != nil {
			return errors.Wrap(err, "update node")
		}
	}

	for _, rel := range rels {
		relPropsJSON, mErr := json.Marshal(rel.Props)
		if mErr != nil {
			return errors.Wrap(mErr, "marshal relationship props")
		}
		edgeID := id + "|" + rel.Kind + "|" + rel.ToID
		_, err = tx.ExecContext(ctx, `
			INSERT INTO graph_edges (id, kind, from_id, to_id, props, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(kind, from_id, to_id) DO UPDATE SET props = excluded.props`,
			edgeID, rel.Kind, id, rel.ToID, string(relPropsJSON), now)
		if err != nil {
			return errors.Wrap(err, "upsert relationship")
		}
	}

	return tx.Commit()
}

func mergeProps(existingJSON string, newProps map[string]interface{}, guard StatusGuard) (string, error) {
	existing := map[string]interface{}{}
	if existingJSON != "" {
		if err := json.Unmarshal([]byte(existingJSON), &existing); err != nil {
			return "", err
		}
	}

	var merged map[string]interface{}
	if guard != nil {
		merged = guard(existing, newProps)
	} else {
		merged = existing
		for k, v := range newProps {
			merged[k] = v
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Row is a single parameterized-read result: a node's id, labels, props,
// and creation timestamp.
type Row struct {
	ID        string
	Labels    []string
	Props     map[string]interface{}
	CreatedAt time.Time
}

// Query returns up to limit nodes carrying label (every node when label is
// empty; no cap when limit <= 0) as typed rows. There is no property
// filter. Fails open to (nil, ErrUnavailable) when the circuit is open.
func (s *Store) Query(ctx context.Context, label string, limit int) ([]Row, error) {
	if s.breaker.isOpen() {
		return nil, ErrUnavailable
	}

	acquireCtx, cancel := context.WithTimeout(ctx, s.cfg.AcquireTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(acquireCtx, `SELECT id, labels, props, created_at FROM graph_nodes`)
	if err != nil {
		s.breaker.recordFailure()
		return nil, errors.Wrap(ErrUnavailable, err.Error())
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var id, labelsJSON, propsJSON string
		var createdAt time.Time
		if err := rows.Scan(&id, &labelsJSON, &propsJSON, &createdAt); err != nil {
			s.breaker.recordFailure()
			return nil, errors.Wrap(err, "scan row")
		}
		var labels []string
		var props map[string]interface{}
		_ = json.Unmarshal([]byte(labelsJSON), &labels)
		_ = json.Unmarshal([]byte(propsJSON), &props)

		if label != "" && !contains(labels, label) {
			continue
		}
		out = append(out, Row{ID: id, Labels: labels, Props: props, CreatedAt: createdAt})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		s.breaker.recordFailure()
		return nil, errors.Wrap(err, "iterate rows")
	}

	s.breaker.recordSuccess()
	return out, nil
}

// Edge is one outgoing relationship read back from graph_edges.
type Edge struct {
	Kind  string
	ToID  string
	Props map[string]interface{}
}

// Edges returns every outgoing relationship from fromID. Fails open to
// (nil, ErrUnavailable) when the circuit is open, same as Query.
func (s *Store) Edges(ctx context.Context, fromID string) ([]Edge, error) {
	if s.breaker.isOpen() {
		return nil, ErrUnavailable
	}

	acquireCtx, cancel := context.WithTimeout(ctx, s.cfg.AcquireTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(acquireCtx, `SELECT kind, to_id, props FROM graph_edges WHERE from_id = ?`, fromID)
	if err != nil {
		s.breaker.recordFailure()
		return nil, errors.Wrap(ErrUnavailable, err.Error())
	}
	defer rows.Close()

	var out []Edge
	for rows.Next() {
		var kind, toID, propsJSON string
		if err := rows.Scan(&kind, &toID, &propsJSON); err != nil {
			s.breaker.recordFailure()
			return nil, errors.Wrap(err, "scan edge")
		}
		var props map[string]interface{}
		_ = json.Unmarshal([]byte(propsJSON), &props)
		out = append(out, Edge{Kind: kind, ToID: toID, Props: props})
	}
	if err := rows.Err(); err != nil {
		s.breaker.recordFailure()
		return nil, errors.Wrap(err, "iterate edges")
	}

	s.breaker.recordSuccess()
	return out, nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// CircuitState reports the current breaker state, for telemetry.
func (s *Store) CircuitState() string {
	return s.breaker.state()
}
