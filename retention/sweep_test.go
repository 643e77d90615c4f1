package retention

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/opctl/controlplane/graphstore"
)

func openTestStore(t *testing.T) (*graphstore.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "graph.db")
	s, err := graphstore.Open(dbPath, graphstore.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, dbPath
}

func backdateNode(t *testing.T, dbPath, id string, age time.Duration) {
	t.Helper()
	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`UPDATE graph_nodes SET created_at = ? WHERE id = ?`, time.Now().UTC().Add(-age), id)
	require.NoError(t, err)
}

func TestSweep_ArchivesArtifactsOlderThanMaxAge(t *testing.T) {
	store, dbPath := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertAndRelate(ctx, "artifact-old", []string{"Artifact"}, map[string]interface{}{"kind": "log"}, nil))
	require.NoError(t, store.UpsertAndRelate(ctx, "artifact-new", []string{"Artifact"}, map[string]interface{}{"kind": "log"}, nil))
	backdateNode(t, dbPath, "artifact-old", 60*24*time.Hour)

	result, err := Sweep(ctx, store, 30*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 2, result.Scanned)
	require.Equal(t, 1, result.Archived)

	rows, err := store.Query(ctx, "Artifact", 10)
	require.NoError(t, err)
	for _, row := range rows {
		if row.ID == "artifact-old" {
			require.Equal(t, true, row.Props["archived"])
		} else {
			require.Nil(t, row.Props["archived"])
		}
	}
}

func TestSweep_SkipsAlreadyArchivedArtifacts(t *testing.T) {
	store, dbPath := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertAndRelate(ctx, "artifact-1", []string{"Artifact"}, map[string]interface{}{"archived": true}, nil))
	backdateNode(t, dbPath, "artifact-1", 60*24*time.Hour)

	result, err := Sweep(ctx, store, 30*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 0, result.Archived, "already-archived artifacts should not be re-upserted")
}

func TestSweep_DefaultsMaxAgeWhenZero(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertAndRelate(ctx, "artifact-fresh", []string{"Artifact"}, nil, nil))

	result, err := Sweep(ctx, store, 0)
	require.NoError(t, err)
	require.Equal(t, 0, result.Archived)
}
