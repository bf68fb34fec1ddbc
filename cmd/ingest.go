package cmd

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/koopa0/medrag/internal/chunker"
	"github.com/koopa0/medrag/internal/config"
	"github.com/koopa0/medrag/internal/log"
)

var errIngestLocked = errors.New("another ingest is already running")

var ingestContentType string

var ingestCmd = &cobra.Command{
	Use:   "ingest <path>...",
	Short: "Index documents into the vector store",
	Long: `Read the given text files (directories are walked recursively),
chunk and embed them, and upsert the results into the vector store.
Re-ingesting a file replaces its previous chunks. Only one ingest may
run at a time per cache directory.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestContentType, "content-type", "",
		"classifier override for all files (dosage, contraindication, interaction, protocol, general)")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := log.New(log.Config{})

	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	// Concurrent ingests would race on the durable cache and double-embed
	// documents, so a file lock serializes them per cache directory.
	lock := flock.New(filepath.Join(cfg.CacheDir, "ingest.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring ingest lock: %w", err)
	}
	if !locked {
		return errIngestLocked
	}
	defer func() { _ = lock.Unlock() }()

	docs, err := readDocuments(args)
	if err != nil {
		return err
	}

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Pipeline.Ingest(ctx, docs)
	if err != nil {
		return fmt.Errorf("ingesting documents: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "indexed %d documents, %d failed\n",
		res.IndexedCount, res.FailedCount)
	if res.FailedCount > 0 {
		return fmt.Errorf("%d of %d documents failed", res.FailedCount, len(docs))
	}
	return nil
}

func readDocuments(paths []string) ([]chunker.Document, error) {
	files, err := collectFiles(paths)
	if err != nil {
		return nil, err
	}

	docs := make([]chunker.Document, 0, len(files))
	for _, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		docs = append(docs, chunker.Document{
			ID:              documentID(path),
			SourcePath:      path,
			RawText:         string(raw),
			ContentTypeHint: ingestContentType,
			CreatedAt:       time.Now(),
		})
	}
	return docs, nil
}

// documentID derives a stable document ID from the file path so that
// re-ingesting the same file supersedes its previous chunks.
func documentID(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])
}

// collectFiles expands directories recursively, skipping dotfiles.
func collectFiles(paths []string) ([]string, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}
		err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			name := d.Name()
			if strings.HasPrefix(name, ".") && p != path {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.IsDir() {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", path, err)
		}
	}
	if len(files) == 0 {
		return nil, errors.New("no files to ingest")
	}
	return files, nil
}
