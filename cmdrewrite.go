package main

import (
	"fmt"
	"io"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

type RewriteCmd struct {
	File   string `arg:"" name:"file" help:"G-code file to rewrite in place. Write a file named like a command as ./<name>." type:"existingfile"`
	DryRun bool   `name:"dry-run" help:"Only report what would be rewritten, leave the file untouched."`
}

func (cmd *RewriteCmd) Run(globals *Globals, log *zap.SugaredLogger) error {
	fs := afero.NewOsFs()

	if cmd.DryRun {
		stats, config, err := inspectFile(fs, cmd.File)
		if err != nil {
			return err
		}
		Printf("%s: wipe_tower=%t total_toolchanges=%d\n", cmd.File, config.WipeTower, config.TotalToolchanges)
		Printf("  %d lines, %d toolchanges, %d would become M600, %d blocks would be removed\n",
			stats.Lines, stats.Toolchanges, stats.FilamentChanges, stats.DroppedBlocks)
		return nil
	}

	if _, err := rewriteFile(fs, cmd.File, globals.TempDir, log); err != nil {
		return err
	}

	Printf("Success: '%s' processed.\n", cmd.File)
	return nil
}

// rewriteFile rewrites the G-code file at path in place. The file is read
// twice, once for the slicer config and once for the rewrite itself.
func rewriteFile(fs afero.Fs, path, tempDir string, log *zap.SugaredLogger) (RewriteStats, error) {
	input, err := fs.Open(path)
	if err != nil {
		return RewriteStats{}, fmt.Errorf("failed to open gcode file: %w", err)
	}
	defer input.Close()

	config, err := ScanConfig(input)
	if err != nil {
		return RewriteStats{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	log.Debugw("slicer config", "file", path, "wipe_tower", config.WipeTower, "total_toolchanges", config.TotalToolchanges)

	if _, err := input.Seek(0, io.SeekStart); err != nil {
		return RewriteStats{}, fmt.Errorf("failed to rewind %s: %w", path, err)
	}

	tx, err := BeginFileTransaction(fs, path, tempDir)
	if err != nil {
		return RewriteStats{}, err
	}
	defer func() {
		if err := tx.Rollback(); err != nil {
			log.Warnw("failed to clean up temp file", "file", tx.TempPath(), "error", err)
		}
	}()
	log.Debugw("writing rewritten gcode", "temp_file", tx.TempPath())

	stats, err := Rewrite(input, tx, config)
	if err != nil {
		return stats, fmt.Errorf("failed to rewrite %s: %w", path, err)
	}
	logStats(log, path, stats)

	// Some platforms refuse to rename over a file that is still open.
	_ = input.Close()

	if err := tx.Commit(); err != nil {
		return stats, err
	}
	return stats, nil
}

// inspectFile runs both passes over path without writing anything.
func inspectFile(fs afero.Fs, path string) (RewriteStats, SlicerConfig, error) {
	input, err := fs.Open(path)
	if err != nil {
		return RewriteStats{}, SlicerConfig{}, fmt.Errorf("failed to open gcode file: %w", err)
	}
	defer input.Close()

	config, err := ScanConfig(input)
	if err != nil {
		return RewriteStats{}, config, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if _, err := input.Seek(0, io.SeekStart); err != nil {
		return RewriteStats{}, config, fmt.Errorf("failed to rewind %s: %w", path, err)
	}

	stats, err := Rewrite(input, io.Discard, config)
	if err != nil {
		return stats, config, fmt.Errorf("failed to rewrite %s: %w", path, err)
	}
	return stats, config, nil
}

func logStats(log *zap.SugaredLogger, name string, stats RewriteStats) {
	log.Debugw("rewrote gcode",
		"file", name,
		"lines", stats.Lines,
		"toolchanges", stats.Toolchanges,
		"filament_changes", stats.FilamentChanges,
		"dropped_blocks", stats.DroppedBlocks)
	if stats.Unterminated {
		log.Warnw("gcode ended inside a toolchange block, trailing lines were dropped", "file", name)
	}
}
