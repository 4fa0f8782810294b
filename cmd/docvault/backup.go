package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/docvault/docvault/internal/backup"
	"github.com/docvault/docvault/internal/events"
	"github.com/docvault/docvault/internal/history"
	"github.com/docvault/docvault/internal/logging"
	"github.com/docvault/docvault/internal/metrics"
	"github.com/docvault/docvault/internal/report"
	"github.com/docvault/docvault/internal/storage"
	"github.com/docvault/docvault/internal/storage/local"
	s3backend "github.com/docvault/docvault/internal/storage/s3"
)

var backupFlags struct {
	projects    []string
	full        bool
	keep        int
	enumerators int
	downloaders int
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Run one backup",
	Long: `Run one backup of every selected project into a new run directory below the
backup root, then rotate old runs.

Exit status is 0 on success, 2 when some files or projects failed and 1 when
the run failed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		if f.Changed("project") {
			cfg.Projects = backupFlags.projects
		}
		if backupFlags.full {
			cfg.Incremental = false
		}
		if f.Changed("keep") {
			cfg.BackupsToRotate = backupFlags.keep
		}
		if f.Changed("enumeration-concurrency") {
			cfg.EnumerationConcurrency = backupFlags.enumerators
		}
		if f.Changed("download-concurrency") {
			cfg.DownloadConcurrency = backupFlags.downloaders
		}
		if err := cfg.ValidateBackup(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client, err := newClient(ctx)
		if err != nil {
			return err
		}

		if cfg.MetricsAddr != "" {
			metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
			go func() {
				logging.Info("metrics server listening", logging.String("addr", cfg.MetricsAddr))
				if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
					logging.Error("metrics server error", logging.Err(err))
				}
			}()
			defer metricsServer.Close()
		}

		opts := backup.Options{
			Root:                   cfg.BackupRoot,
			Projects:               cfg.Projects,
			EnumerationConcurrency: cfg.EnumerationConcurrency,
			DownloadConcurrency:    cfg.DownloadConcurrency,
			Incremental:            cfg.Incremental,
			BackupsToRotate:        cfg.BackupsToRotate,
			MinFreeBytes:           uint64(max(cfg.MinFreeBytes, 0)),
			Events:                 events.NewBroadcaster(),
		}

		mirror, err := openMirror(ctx)
		if err != nil {
			return err
		}
		if mirror != nil {
			defer mirror.Close()
			opts.Mirror = mirror
		}

		if cfg.HistoryBackend != "" {
			store, err := history.Open(ctx, cfg.HistoryBackend, cfg.HistoryDSN)
			if err != nil {
				// History is bookkeeping; the backup still runs without it.
				logging.Warn("run history unavailable", logging.Err(err))
			} else {
				defer store.Close()
				opts.History = store
			}
		}

		done := watchProgress(opts.Events)
		summary, err := backup.New(client, opts).Run(ctx)
		opts.Events.Close()
		<-done
		if err != nil {
			return err
		}

		report.Summary(cmd.OutOrStdout(), summary)
		switch summary.Status {
		case backup.StatusSuccess:
			return nil
		case backup.StatusPartialFailure:
			return &exitError{code: 2, err: fmt.Errorf("backup finished with %d failed files", summary.Stats.FailedFiles)}
		default:
			if summary.Cancelled {
				return &exitError{code: 1, err: errors.New("backup cancelled")}
			}
			return &exitError{code: 1, err: errors.New("backup failed")}
		}
	},
}

// openMirror returns the configured mirror backend, or nil when mirroring
// is off.
func openMirror(ctx context.Context) (storage.Backend, error) {
	var (
		raw []byte
		err error
	)
	switch cfg.MirrorType() {
	case "":
		return nil, nil
	case "local":
		raw, err = json.Marshal(local.Config{RootPath: cfg.MirrorPath, CreateDirs: true})
	default:
		raw, err = json.Marshal(s3backend.BackendConfig{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			Prefix:    cfg.S3Prefix,
		})
	}
	if err != nil {
		return nil, err
	}
	return storage.NewBackendFromConfig(ctx, cfg.MirrorType(), raw)
}

// watchProgress logs run progress from the event stream until the
// broadcaster is closed. The returned channel is closed when it stops.
func watchProgress(b *events.Broadcaster) <-chan struct{} {
	ch := b.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		enumerated := 0
		for e := range ch {
			switch e.Type {
			case events.EventRunStarted:
				logging.Info("run started", logging.String("dir", e.Path), logging.Int("projects", e.Files))
			case events.EventProjectEnumerated:
				enumerated++
				logging.Debug("project ready for download",
					logging.String("project", e.Project), logging.Int("enumerated", enumerated))
			case events.EventProjectFinished:
				logging.Info("progress",
					logging.String("project", e.Project),
					logging.String("status", e.Status),
					logging.Int("files", e.Files),
					logging.String("size", humanize.IBytes(uint64(e.Bytes))))
			}
		}
	}()
	return done
}

func init() {
	f := backupCmd.Flags()
	f.StringSliceVarP(&backupFlags.projects, "project", "p", nil, "project id or name to back up (repeatable; default all)")
	f.BoolVar(&backupFlags.full, "full", false, "download everything, ignoring the previous run")
	f.IntVar(&backupFlags.keep, "keep", 0, "previous runs to keep (DOCVAULT_BACKUPS_TO_ROTATE)")
	f.IntVar(&backupFlags.enumerators, "enumeration-concurrency", 0, "projects enumerated in parallel")
	f.IntVar(&backupFlags.downloaders, "download-concurrency", 0, "files transferred in parallel within a project")
	rootCmd.AddCommand(backupCmd)
}
