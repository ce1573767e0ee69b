package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fpang/workflow-insights/internal/cli"
	"github.com/fpang/workflow-insights/internal/config"
	"github.com/fpang/workflow-insights/internal/ledger"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var debounceFlag time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Rerun the pipeline whenever the manifest or recordings change",
	Long: `Runs the pipeline once, then watches the conversion manifest (or the
recordings directory) and reruns after changes settle for the debounce
interval. Stop with Ctrl+C.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&debounceFlag, "debounce", 0, "Quiet period after the last change before rerunning (overrides watch.debounce)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if debounceFlag > 0 {
		cfg.Watch.Debounce = debounceFlag
	}
	src, err := cli.ResolveSource(source(cfg))
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// A manifest is usually replaced by rename, so watch its directory and
	// filter on the file name. A recordings directory is watched as a tree.
	var onDir func(string)
	target := ""
	if info, err := os.Stat(src); err == nil && !info.IsDir() {
		target = filepath.Base(src)
		if err := watcher.Add(filepath.Dir(src)); err != nil {
			return err
		}
	} else {
		exclude := excludeSet(cfg.Paths.OutputDir, cfg.Paths.QuarantineDir, cfg.Paths.AnalysesDir)
		if err := watchTree(watcher, src, exclude); err != nil {
			return err
		}
		onDir = func(path string) {
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				if err := watchTree(watcher, path, exclude); err != nil {
					log.Warn().Err(err).Str("path", path).Msg("Failed to watch new directory")
				}
			}
		}
	}
	log.Info().Str("path", src).Dur("debounce", cfg.Watch.Debounce).Msg("Watching for changes")

	return watchLoop(ctx, watcher.Events, watcher.Errors, target, cfg.Watch.Debounce, onDir, func() {
		backgroundRun(ctx, cfg, "watch")
	})
}

// dirAdder is the part of *fsnotify.Watcher that watchTree needs.
type dirAdder interface {
	Add(name string) error
}

func excludeSet(dirs ...string) map[string]bool {
	set := make(map[string]bool, len(dirs))
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if abs, err := filepath.Abs(d); err == nil {
			d = abs
		}
		set[d] = true
	}
	return set
}

// watchTree adds root and every directory below it, skipping hidden
// directories and the excluded output subtrees. fsnotify watches are not
// recursive, and recordings live in per-user subfolders.
func watchTree(w dirAdder, root string, exclude map[string]bool) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Skipping unreadable path")
			if path == root {
				return err
			}
			return filepath.SkipDir
		}
		if !d.IsDir() {
			return nil
		}
		if path != root {
			abs, absErr := filepath.Abs(path)
			if strings.HasPrefix(d.Name(), ".") || (absErr == nil && exclude[abs]) {
				return filepath.SkipDir
			}
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		log.Debug().Str("path", path).Msg("Watching directory")
		return nil
	})
}

// backgroundRun performs one run and logs, rather than returns, its problems
// so the watcher or scheduler keeps going.
func backgroundRun(ctx context.Context, cfg *config.Config, command string) {
	stats, err := runOnce(ctx, cfg, command)
	switch {
	case errors.Is(err, ledger.ErrLocked):
		log.Warn().Err(err).Msg("Another run holds the lock, skipping")
	case err != nil:
		log.Error().Err(err).Msg("Run failed")
	case stats.HasFailures():
		log.Warn().Int("failed", stats.Failed).Msg("Run finished with failures")
	}
}

// watchLoop calls run once immediately, then again after each burst of
// relevant events has been quiet for debounce. An empty target accepts
// events for any file. onDir, when set, is told about created paths so new
// subdirectories can be watched. Runs never overlap because they happen on
// this goroutine.
func watchLoop(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error, target string, debounce time.Duration, onDir func(string), run func()) error {
	run()

	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Watcher stopped")
			return nil

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if onDir != nil && ev.Has(fsnotify.Create) {
				onDir(ev.Name)
			}
			if !relevant(ev, target) {
				continue
			}
			log.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("Change detected")
			timer.Reset(debounce)

		case err, ok := <-errs:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Watcher error")

		case <-timer.C:
			run()
		}
	}
}

func relevant(ev fsnotify.Event, target string) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	return target == "" || filepath.Base(ev.Name) == target
}
