package commands

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/opctl/controlplane/config"
	"github.com/opctl/controlplane/errors"
)

// IncidentBundleCmd captures a point-in-time snapshot for incident review:
// the live /health and /telemetry bodies (best-effort, if a server is
// reachable), the dead-letter queue, and the durable event log's most
// recent day files. Grounded on the server subcommand's config-driven path
// resolution; this is a read-only operator tool, never a mutation path.
var IncidentBundleCmd = &cobra.Command{
	Use:   "incident-bundle [output-dir]",
	Short: "Capture a point-in-time snapshot for incident review",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		addr, _ := cmd.Flags().GetString("addr")
		outDir := fmt.Sprintf("incident-%d", time.Now().Unix())
		if len(args) == 1 {
			outDir = args[0]
		}
		return runIncidentBundle(configPath, addr, outDir)
	},
}

func init() {
	IncidentBundleCmd.Flags().StringP("config", "c", "config.toml", "path to config.toml")
	IncidentBundleCmd.Flags().String("addr", "http://localhost:8080", "base URL of a running server, for /health and /telemetry capture")
}

func runIncidentBundle(configPath, addr, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Wrap(err, "incident-bundle: create output directory")
	}

	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return errors.Wrap(err, "incident-bundle: load config")
	}

	client := &http.Client{Timeout: 3 * time.Second}
	for _, path := range []string{"/health", "/telemetry"} {
		capturePreflightEndpoint(client, addr+path, filepath.Join(outDir, path[1:]+".json"))
	}

	if err := captureDeadLetters(cfg.Database.WorkerPath, filepath.Join(outDir, "dead_letters.json")); err != nil {
		fmt.Fprintf(os.Stderr, "incident-bundle: dead-letter capture failed: %v\n", err)
	}

	if err := copyRecentEventLogs("data/events", filepath.Join(outDir, "events")); err != nil {
		fmt.Fprintf(os.Stderr, "incident-bundle: event log capture failed: %v\n", err)
	}

	fmt.Printf("incident bundle written to %s\n", outDir)
	return nil
}

func capturePreflightEndpoint(client *http.Client, url, outPath string) {
	resp, err := client.Get(url)
	if err != nil {
		_ = os.WriteFile(outPath, []byte(fmt.Sprintf(`{"error":%q}`, err.Error())), 0o644)
		return
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	_ = os.WriteFile(outPath, body, 0o644)
}

func captureDeadLetters(workerDBPath, outPath string) error {
	db, err := sql.Open("sqlite3", workerDBPath)
	if err != nil {
		return errors.Wrap(err, "open worker database")
	}
	defer db.Close()

	rows, err := db.Query(`SELECT id, queue, handler_name, error, updated_at FROM async_jobs WHERE status = 'dead_letter' ORDER BY updated_at DESC`)
	if err != nil {
		return errors.Wrap(err, "query dead letters")
	}
	defer rows.Close()

	type deadLetter struct {
		ID          string `json:"id"`
		Queue       string `json:"queue"`
		HandlerName string `json:"handler_name"`
		Error       string `json:"error"`
		UpdatedAt   string `json:"updated_at"`
	}
	var out []deadLetter
	for rows.Next() {
		var d deadLetter
		if err := rows.Scan(&d.ID, &d.Queue, &d.HandlerName, &d.Error, &d.UpdatedAt); err != nil {
			return errors.Wrap(err, "scan dead letter row")
		}
		out = append(out, d)
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal dead letters")
	}
	return os.WriteFile(outPath, data, 0o644)
}

func copyRecentEventLogs(eventsDir, destDir string) error {
	entries, err := os.ReadDir(eventsDir)
	if err != nil {
		return errors.Wrap(err, "read events directory")
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return errors.Wrap(err, "create events snapshot directory")
	}

	cutoff := time.Now().Add(-48 * time.Hour)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().Before(cutoff) {
			continue
		}
		src, err := os.ReadFile(filepath.Join(eventsDir, entry.Name()))
		if err != nil {
			continue
		}
		_ = os.WriteFile(filepath.Join(destDir, entry.Name()), src, 0o644)
	}
	return nil
}
