// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// ProgressSample is one reading of a build's progress file.
type ProgressSample struct {
	Progress float64
	Metrics  map[string]float64
}

// readProgressFile parses a progress file. Two formats: a JSON
// object with a "progress" number and an optional "metrics" map, or
// a bare decimal ("0.42") for scripts that just echo a number.
func readProgressFile(path string) (ProgressSample, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ProgressSample{}, err
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return ProgressSample{}, fmt.Errorf("%s: empty progress file", path)
	}

	if strings.HasPrefix(text, "{") {
		var sample struct {
			Progress float64            `json:"progress"`
			Metrics  map[string]float64 `json:"metrics"`
		}
		if err := json.Unmarshal(raw, &sample); err != nil {
			return ProgressSample{}, fmt.Errorf("%s: %w", path, err)
		}
		return ProgressSample{Progress: sample.Progress, Metrics: sample.Metrics}, nil
	}

	progress, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return ProgressSample{}, fmt.Errorf("%s: not a progress value: %q", path, text)
	}
	return ProgressSample{Progress: progress}, nil
}

// WatchProgressFile reports the progress file's current contents and
// starts an inotify watcher that reports each subsequent change. The
// file may not exist yet; its directory must. The cleanup function
// stops the watcher and closes the inotify fd.
//
// The watcher monitors the parent directory for IN_CLOSE_WRITE and
// IN_MOVED_TO events on the target filename, so both in-place writes
// and atomic renames are seen. Each event re-reads the file in full;
// a sample identical to the previous one is not re-reported.
func WatchProgressFile(path string, report func(ProgressSample), logger *slog.Logger) (func(), error) {
	absolutePath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	directory := filepath.Dir(absolutePath)
	filename := filepath.Base(absolutePath)

	var previous *ProgressSample
	if sample, err := readProgressFile(absolutePath); err == nil {
		report(sample)
		previous = &sample
	} else if !os.IsNotExist(err) {
		logger.Warn("unreadable progress file, waiting for rewrite", "error", err)
	}

	// Watch the directory, not the file. Tools that write a temp
	// file and rename it over the target create a new inode, which
	// a file-level watch on the old inode would miss.
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify init: %w", err)
	}
	if _, err := unix.InotifyAddWatch(fd, directory, unix.IN_CLOSE_WRITE|unix.IN_MOVED_TO); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("watching %s: %w", directory, err)
	}

	stopChannel := make(chan struct{})
	go progressWatchLoop(fd, absolutePath, filename, previous, report, logger, stopChannel)

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		close(stopChannel)
	}
	return stop, nil
}

// progressWatchLoop polls the inotify fd for changes to the target
// file and reports re-read samples. Uses poll(2) with a 100ms
// timeout for responsive stop-channel checking. After detecting a
// change, waits 50ms and drains queued events so rapid successive
// writes coalesce into one re-read.
func progressWatchLoop(
	fd int,
	path string,
	filename string,
	previous *ProgressSample,
	report func(ProgressSample),
	logger *slog.Logger,
	stopChannel <-chan struct{},
) {
	defer unix.Close(fd)

	buffer := make([]byte, 4096)

	for {
		select {
		case <-stopChannel:
			return
		default:
		}

		pollDescriptors := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		count, err := unix.Poll(pollDescriptors, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			logger.Warn("progress watcher stopped", "error", err)
			return
		}
		if count == 0 {
			continue
		}

		bytesRead, err := unix.Read(fd, buffer)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			logger.Warn("progress watcher stopped", "error", err)
			return
		}

		if !inotifyMatchesFile(buffer[:bytesRead], filename) {
			continue
		}

		// Debounce: wait 50ms and drain events that arrived in the
		// window, so a burst of writes becomes one re-read.
		time.Sleep(50 * time.Millisecond)
		drainInotifyEvents(fd, buffer)

		sample, err := readProgressFile(path)
		if err != nil {
			// Mid-write or briefly absent during an atomic replace.
			// The completing write delivers another event.
			continue
		}
		if previous != nil && sample.Progress == previous.Progress &&
			maps.Equal(sample.Metrics, previous.Metrics) {
			continue
		}
		report(sample)
		previous = &sample
	}
}

// inotifyMatchesFile checks whether any inotify event in the buffer
// names the target file. Layout from inotify(7): wd at offset 0,
// mask at 4, cookie at 8, name length at 12, then the null-padded
// name.
func inotifyMatchesFile(buffer []byte, targetFilename string) bool {
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buffer) {
		nameLength := int(binary.NativeEndian.Uint32(buffer[offset+12 : offset+16]))
		eventSize := unix.SizeofInotifyEvent + nameLength
		if offset+eventSize > len(buffer) {
			break
		}
		if nameLength > 0 {
			nameBytes := buffer[offset+unix.SizeofInotifyEvent : offset+eventSize]
			if nullTerminatedString(nameBytes) == targetFilename {
				return true
			}
		}
		offset += eventSize
	}
	return false
}

func nullTerminatedString(data []byte) string {
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}

// drainInotifyEvents reads and discards pending inotify events after
// the debounce sleep.
func drainInotifyEvents(fd int, buffer []byte) {
	for {
		if _, err := unix.Read(fd, buffer); err != nil {
			return
		}
	}
}
