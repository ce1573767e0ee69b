package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fpang/workflow-insights/internal/config"
	"github.com/fsnotify/fsnotify"
)

func TestRelevant(t *testing.T) {
	tests := []struct {
		name   string
		ev     fsnotify.Event
		target string
		want   bool
	}{
		{"write to manifest", fsnotify.Event{Name: "/data/manifest.csv", Op: fsnotify.Write}, "manifest.csv", true},
		{"rename onto manifest", fsnotify.Event{Name: "/data/manifest.csv", Op: fsnotify.Rename}, "manifest.csv", true},
		{"other file", fsnotify.Event{Name: "/data/notes.txt", Op: fsnotify.Write}, "manifest.csv", false},
		{"chmod only", fsnotify.Event{Name: "/data/manifest.csv", Op: fsnotify.Chmod}, "manifest.csv", false},
		{"any file in directory", fsnotify.Event{Name: "/rec/alice/a.webm", Op: fsnotify.Create}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := relevant(tt.ev, tt.target); got != tt.want {
				t.Errorf("relevant() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWatchLoopDebouncesBursts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan fsnotify.Event)
	errs := make(chan error)
	var runs atomic.Int32
	done := make(chan error, 1)

	go func() {
		done <- watchLoop(ctx, events, errs, "manifest.csv", 50*time.Millisecond, nil, func() { runs.Add(1) })
	}()

	for i := 0; i < 3; i++ {
		events <- fsnotify.Event{Name: "/data/manifest.csv", Op: fsnotify.Write}
	}
	events <- fsnotify.Event{Name: "/data/other.csv", Op: fsnotify.Write}
	errs <- errors.New("transient watcher error")

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(150 * time.Millisecond)

	if got := runs.Load(); got != 2 {
		t.Errorf("runs = %d, want 2 (initial plus one debounced)", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("watch loop did not stop on cancellation")
	}
}

type recordingAdder struct {
	added []string
}

func (a *recordingAdder) Add(name string) error {
	a.added = append(a.added, name)
	return nil
}

func TestWatchTreeAddsSubdirectories(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"alice", "bob/2026", ".trash", "workflow-output/quarantine"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	var a recordingAdder
	if err := watchTree(&a, root, excludeSet(filepath.Join(root, "workflow-output"))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{root, filepath.Join(root, "alice"), filepath.Join(root, "bob"), filepath.Join(root, "bob", "2026")}
	if len(a.added) != len(want) {
		t.Fatalf("added %v, want %v", a.added, want)
	}
	for i := range want {
		if a.added[i] != want[i] {
			t.Errorf("added[%d] = %s, want %s", i, a.added[i], want[i])
		}
	}
}

func TestWatchLoopReportsCreatedPaths(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan fsnotify.Event)
	created := make(chan string, 4)
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = watchLoop(ctx, events, make(chan error), "", time.Hour, func(p string) { created <- p }, func() {})
	}()

	events <- fsnotify.Event{Name: "/rec/carol", Op: fsnotify.Create}
	events <- fsnotify.Event{Name: "/rec/alice/a.webm", Op: fsnotify.Write}
	cancel()
	<-done

	if len(created) != 1 || <-created != "/rec/carol" {
		t.Error("only created paths should be reported")
	}
}

func TestSourcePrefersManifest(t *testing.T) {
	cfg := &config.Config{}
	cfg.Paths.SourceDir = "/recordings"
	if got := source(cfg); got != "/recordings" {
		t.Errorf("source = %q", got)
	}
	cfg.Paths.Manifest = "/data/manifest.csv"
	if got := source(cfg); got != "/data/manifest.csv" {
		t.Errorf("source = %q", got)
	}
}

func TestPipelineConfigCarriesThresholds(t *testing.T) {
	cfg := &config.Config{}
	cfg.Quality.MinAutomationScore = 0.5
	cfg.Quality.MinDescriptionLength = 42
	cfg.Pipeline.MinDuration = 7 * time.Second
	cfg.Paths.QuarantineDir = "/out/quarantine"

	pc := pipelineConfig(cfg)
	if pc.Thresholds.MinAutomationScore != 0.5 || pc.Thresholds.MinDescriptionLength != 42 {
		t.Errorf("thresholds: %+v", pc.Thresholds)
	}
	if pc.MinDuration != 7*time.Second || pc.QuarantineDir != "/out/quarantine" {
		t.Errorf("config: %+v", pc)
	}
}
