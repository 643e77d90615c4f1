package materialize

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/opctl/controlplane/errors"
)

// dedupeStore is the small persistent key set backing mutation-id
// idempotency: a single embedded relational table (mutation_id PRIMARY
// KEY, inserted_ts) with time-based pruning. Grounded on
// pulse/async/store.go's raw-database/sql CRUD style.
type dedupeStore struct {
	db *sql.DB
}

func newDedupeStore(db *sql.DB) (*dedupeStore, error) {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS mutation_dedupe (
	mutation_id TEXT PRIMARY KEY,
	inserted_ts TIMESTAMP NOT NULL
)`)
	if err != nil {
		return nil, errors.Wrap(err, "materialize: create dedupe table")
	}
	return &dedupeStore{db: db}, nil
}

// Seen reports whether mutationID has already been applied.
func (s *dedupeStore) Seen(mutationID string) (bool, error) {
	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM mutation_dedupe WHERE mutation_id = ?`, mutationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "materialize: check dedupe")
	}
	return true, nil
}

// Record inserts mutationID into the dedupe set. Safe to call even if
// already present (INSERT OR IGNORE).
func (s *dedupeStore) Record(mutationID string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO mutation_dedupe (mutation_id, inserted_ts) VALUES (?, ?)`,
		mutationID, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "materialize: record dedupe")
	}
	return nil
}

// Prune removes dedupe entries older than olderThan.
func (s *dedupeStore) Prune(olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	result, err := s.db.Exec(`DELETE FROM mutation_dedupe WHERE inserted_ts < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "materialize: prune dedupe")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "materialize: prune dedupe rows affected")
	}
	return int(rows), nil
}
