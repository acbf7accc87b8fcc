// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeProgressFile(t *testing.T, content string) string {
	t.Helper()
	directory := t.TempDir()
	path := filepath.Join(directory, "progress.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadProgressFile(t *testing.T) {
	t.Run("json object", func(t *testing.T) {
		path := writeProgressFile(t, `{"progress": 0.42, "metrics": {"cache_hit_rate": 0.91}}`)
		sample, err := readProgressFile(path)
		if err != nil {
			t.Fatalf("readProgressFile: %v", err)
		}
		if sample.Progress != 0.42 {
			t.Errorf("progress = %v, want 0.42", sample.Progress)
		}
		if sample.Metrics["cache_hit_rate"] != 0.91 {
			t.Errorf("metrics = %v", sample.Metrics)
		}
	})

	t.Run("bare number", func(t *testing.T) {
		path := writeProgressFile(t, "0.75\n")
		sample, err := readProgressFile(path)
		if err != nil {
			t.Fatalf("readProgressFile: %v", err)
		}
		if sample.Progress != 0.75 || sample.Metrics != nil {
			t.Errorf("sample = %+v", sample)
		}
	})

	t.Run("empty file", func(t *testing.T) {
		path := writeProgressFile(t, "")
		if _, err := readProgressFile(path); err == nil {
			t.Error("expected error for empty file")
		}
	})

	t.Run("garbage", func(t *testing.T) {
		path := writeProgressFile(t, "not progress")
		if _, err := readProgressFile(path); err == nil {
			t.Error("expected error for unparseable content")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := readProgressFile("/nonexistent/progress.json")
		if !os.IsNotExist(err) {
			t.Errorf("error = %v, want not-exist", err)
		}
	})
}

func TestWatchProgressFileInitialSample(t *testing.T) {
	path := writeProgressFile(t, "0.25")

	samples := make(chan ProgressSample, 8)
	stop, err := WatchProgressFile(path, func(s ProgressSample) { samples <- s }, testLogger())
	if err != nil {
		t.Fatalf("WatchProgressFile: %v", err)
	}
	defer stop()

	select {
	case sample := <-samples:
		if sample.Progress != 0.25 {
			t.Errorf("initial progress = %v, want 0.25", sample.Progress)
		}
	default:
		t.Fatal("no initial sample reported")
	}
}

// watcher tests wait on real inotify events from real filesystem
// writes; the 50ms debounce and 100ms poll interval put a genuine
// floor under them, so the deadlines below are wall-clock.

func TestWatchProgressFileDetectsChange(t *testing.T) {
	path := writeProgressFile(t, "0.25")

	samples := make(chan ProgressSample, 8)
	stop, err := WatchProgressFile(path, func(s ProgressSample) { samples <- s }, testLogger())
	if err != nil {
		t.Fatalf("WatchProgressFile: %v", err)
	}
	defer stop()
	<-samples // initial

	content := `{"progress": 0.6, "metrics": {"object_count": 812}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("rewrite progress file: %v", err)
	}

	select {
	case sample := <-samples:
		if sample.Progress != 0.6 || sample.Metrics["object_count"] != 812 {
			t.Errorf("sample after rewrite = %+v", sample)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for change sample")
	}
}

func TestWatchProgressFileAtomicRename(t *testing.T) {
	path := writeProgressFile(t, "0.1")

	samples := make(chan ProgressSample, 8)
	stop, err := WatchProgressFile(path, func(s ProgressSample) { samples <- s }, testLogger())
	if err != nil {
		t.Fatalf("WatchProgressFile: %v", err)
	}
	defer stop()
	<-samples // initial

	// Write-then-rename, the way build scripts avoid torn reads. The
	// rename creates a new inode, which only a directory-level watch
	// sees.
	temp := path + ".tmp"
	if err := os.WriteFile(temp, []byte("0.9"), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := os.Rename(temp, path); err != nil {
		t.Fatalf("rename over target: %v", err)
	}

	select {
	case sample := <-samples:
		if sample.Progress != 0.9 {
			t.Errorf("sample after rename = %+v", sample)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for rename sample")
	}
}

func TestWatchProgressFileCreatedLater(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, "progress.json")

	samples := make(chan ProgressSample, 8)
	stop, err := WatchProgressFile(path, func(s ProgressSample) { samples <- s }, testLogger())
	if err != nil {
		t.Fatalf("WatchProgressFile on absent file: %v", err)
	}
	defer stop()

	select {
	case sample := <-samples:
		t.Fatalf("sample before the file exists: %+v", sample)
	default:
	}

	if err := os.WriteFile(path, []byte("0.05"), 0o644); err != nil {
		t.Fatalf("create progress file: %v", err)
	}

	select {
	case sample := <-samples:
		if sample.Progress != 0.05 {
			t.Errorf("first sample = %+v", sample)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for created file")
	}
}

func TestWatchProgressFileSkipsUnchanged(t *testing.T) {
	path := writeProgressFile(t, "0.5")

	samples := make(chan ProgressSample, 8)
	stop, err := WatchProgressFile(path, func(s ProgressSample) { samples <- s }, testLogger())
	if err != nil {
		t.Fatalf("WatchProgressFile: %v", err)
	}
	defer stop()
	<-samples // initial

	// Rewriting identical content must not re-report; the next real
	// change must.
	if err := os.WriteFile(path, []byte("0.5"), 0o644); err != nil {
		t.Fatalf("rewrite identical content: %v", err)
	}
	if err := os.WriteFile(path, []byte("0.8"), 0o644); err != nil {
		t.Fatalf("rewrite changed content: %v", err)
	}

	select {
	case sample := <-samples:
		if sample.Progress != 0.8 {
			t.Errorf("sample = %+v, want progress 0.8", sample)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for changed sample")
	}
	select {
	case sample := <-samples:
		t.Errorf("extra sample for unchanged content: %+v", sample)
	default:
	}
}

func TestWatchProgressFileMissingDirectory(t *testing.T) {
	_, err := WatchProgressFile("/nonexistent-dir/progress.json", func(ProgressSample) {}, testLogger())
	if err == nil {
		t.Fatal("expected error for missing parent directory")
	}
}
