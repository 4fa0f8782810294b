package main

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/docvault/docvault/internal/backup"
	"github.com/docvault/docvault/internal/config"
	"github.com/docvault/docvault/internal/manifest"
	"github.com/docvault/docvault/internal/report"
	"github.com/docvault/docvault/internal/runs"
)

var manifestFlags struct {
	list   bool
	mirror bool
}

var manifestCmd = &cobra.Command{
	Use:   "manifest [run]",
	Short: "Show the manifest of a run",
	Long: `Show the manifest of the named run directory, or of the newest run that has
one. With --list every recorded file is printed. With --mirror the manifest is
read from the configured mirror instead of the backup root.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if manifestFlags.mirror {
			return showMirroredManifest(cmd, args)
		}
		if err := requireRoot(); err != nil {
			return err
		}
		var file string
		if len(args) == 1 {
			file = filepath.Join(cfg.BackupRoot, args[0], manifest.FileName)
		} else {
			prev := manifest.LoadLatest(cfg.BackupRoot, "")
			if prev == nil {
				return errors.New("no run with a valid manifest")
			}
			file = filepath.Join(prev.Run.Path, manifest.FileName)
		}

		m, err := manifest.Load(file)
		if err != nil {
			return err
		}
		printManifest(cmd, file, m)
		if err := manifest.Validate(m, filepath.Dir(file)); err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "warning:   %v\n", err)
		}
		if manifestFlags.list {
			report.ManifestEntries(cmd.OutOrStdout(), m)
		}
		return nil
	},
}

// showMirroredManifest reads a run's manifest, or the latest one, from the
// mirror backend.
func showMirroredManifest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	mirror, err := openMirror(ctx)
	if err != nil {
		return err
	}
	if mirror == nil {
		return fmt.Errorf("%w: DOCVAULT_MIRROR_BACKEND or S3_BUCKET", config.ErrMissing)
	}
	defer mirror.Close()

	run := backup.MirrorLatest
	if len(args) == 1 {
		run = args[0]
	}
	key := path.Join(run, manifest.FileName)
	ok, err := mirror.ObjectExists(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no mirrored manifest at %s", key)
	}

	body, _, err := mirror.GetObject(ctx, key)
	if err != nil {
		return err
	}
	defer body.Close()
	m, err := manifest.Read(body)
	if err != nil {
		return err
	}

	printManifest(cmd, mirror.Type()+":"+key, m)
	if manifestFlags.list {
		report.ManifestEntries(cmd.OutOrStdout(), m)
	}
	return nil
}

func printManifest(cmd *cobra.Command, source string, m *manifest.Manifest) {
	out := cmd.OutOrStdout()
	var total int64
	for _, p := range m.Paths() {
		e, _ := m.Lookup(p)
		total += e.Size
	}
	fmt.Fprintf(out, "manifest:  %s\n", source)
	fmt.Fprintf(out, "backup:    %s (%s)\n", m.BackupTime.Local().Format(runs.Layout), humanize.Time(m.BackupTime))
	fmt.Fprintf(out, "directory: %s\n", m.BackupDir)
	fmt.Fprintf(out, "files:     %s, %s\n", humanize.Comma(int64(m.Len())), humanize.IBytes(uint64(total)))
}

func init() {
	manifestCmd.Flags().BoolVarP(&manifestFlags.list, "list", "l", false, "list every file")
	manifestCmd.Flags().BoolVar(&manifestFlags.mirror, "mirror", false, "read the manifest from the mirror")
	rootCmd.AddCommand(manifestCmd)
}
