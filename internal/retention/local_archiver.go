package retention

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/runforge/controlplane/pkg/models"
)

// LocalFileArchiver writes pruned runs as JSON files to a local directory.
// This is the default archive driver for local/dev deployments.
//
// Directory structure:
//
//	{basePath}/{projectId}/runs/{runId}-2026-02-20T15-04-05Z.json[.gz]
type LocalFileArchiver struct {
	basePath string
	compress bool
}

// NewLocalFileArchiver creates a file-based archiver. If basePath is empty,
// it defaults to "~/.controlplane/archive".
func NewLocalFileArchiver(basePath string, compress bool) *LocalFileArchiver {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			basePath = "/tmp/controlplane/archive"
		} else {
			basePath = filepath.Join(home, ".controlplane", "archive")
		}
	}
	return &LocalFileArchiver{basePath: basePath, compress: compress}
}

func (a *LocalFileArchiver) Kind() string { return "local" }

// ArchiveRun writes the run's full snapshot (run, steps, events, gates) to
// a single file and returns its path.
func (a *LocalFileArchiver) ArchiveRun(_ context.Context, snapshot models.RunSnapshot) (string, error) {
	project := snapshot.Run.ProjectID
	if project == "" {
		project = "default"
	}
	dir := filepath.Join(a.basePath, project, "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	filename := snapshot.Run.ID + "-" + time.Now().UTC().Format("2006-01-02T15-04-05Z") + ".json"
	if a.compress {
		filename += ".gz"
	}
	fpath := filepath.Join(dir, filename)

	// Write to a temp file and rename so a crashed write never leaves a
	// half-archive behind that a later cycle would trust.
	tmp := fpath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}

	enc := json.NewEncoder(f)
	var gw *gzip.Writer
	if a.compress {
		gw = gzip.NewWriter(f)
		enc = json.NewEncoder(gw)
	}
	enc.SetIndent("", "  ")

	if err := enc.Encode(snapshot); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("encode run %s: %w", snapshot.Run.ID, err)
	}
	if gw != nil {
		if err := gw.Close(); err != nil {
			f.Close()
			os.Remove(tmp)
			return "", fmt.Errorf("compress run %s: %w", snapshot.Run.ID, err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close archive file: %w", err)
	}
	if err := os.Rename(tmp, fpath); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("finalize archive file: %w", err)
	}

	log.Debug().
		Str("path", fpath).
		Str("run", snapshot.Run.ID).
		Int("events", len(snapshot.Events)).
		Msg("Archived run to local file")

	return fpath, nil
}

func (a *LocalFileArchiver) HealthCheck(_ context.Context) error {
	// Verify we can write to the base path
	if err := os.MkdirAll(a.basePath, 0o755); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	testFile := filepath.Join(a.basePath, ".healthcheck")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	os.Remove(testFile)
	return nil
}
