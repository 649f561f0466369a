// Package watcher re-tracks experiments when their input files change.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ritzau/nucleus-tracker/pkg/logging"
)

// ChangeType represents the type of file change detected
type ChangeType int

const (
	// ChangeTypeConfig is a change of the configuration file.
	ChangeTypeConfig ChangeType = iota
	// ChangeTypeDataset is a created or rewritten dataset.
	ChangeTypeDataset
	// ChangeTypeRemoved is a dataset that was removed or renamed away.
	ChangeTypeRemoved
)

func (c ChangeType) String() string {
	switch c {
	case ChangeTypeConfig:
		return "config"
	case ChangeTypeDataset:
		return "dataset"
	case ChangeTypeRemoved:
		return "removed"
	default:
		return fmt.Sprintf("ChangeType(%d)", int(c))
	}
}

// ChangeEvent represents a batch of file system changes
type ChangeEvent struct {
	Type      ChangeType
	Paths     []string
	Timestamp time.Time
}

// batchWindow groups the events of one save.
const batchWindow = 100 * time.Millisecond

// FileWatcher watches dataset files, directories of datasets and the
// configuration file.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	events  chan ChangeEvent

	// files are datasets named explicitly, dirs are directories whose
	// .json files are datasets.
	files  map[string]bool
	dirs   map[string]bool
	config string
}

// NewFileWatcher creates a watcher for the given inputs. Each input is a
// dataset file or a directory of datasets. configFile may be empty.
func NewFileWatcher(inputs []string, configFile string) (*FileWatcher, error) {
	fw := &FileWatcher{
		events: make(chan ChangeEvent, 100),
		files:  make(map[string]bool),
		dirs:   make(map[string]bool),
	}
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", in, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("watching %s: %w", in, err)
		}
		if info.IsDir() {
			fw.dirs[abs] = true
		} else {
			fw.files[abs] = true
		}
	}
	if configFile != "" {
		abs, err := filepath.Abs(configFile)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", configFile, err)
		}
		fw.config = abs
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	fw.watcher = watcher
	return fw, nil
}

// Start begins watching for file changes. Files are watched through their
// directory, since editors often save by replacing the file.
func (fw *FileWatcher) Start(ctx context.Context) error {
	dirs := make(map[string]bool)
	for dir := range fw.dirs {
		dirs[dir] = true
	}
	for file := range fw.files {
		dirs[filepath.Dir(file)] = true
	}
	if fw.config != "" {
		if _, err := os.Stat(filepath.Dir(fw.config)); err == nil {
			dirs[filepath.Dir(fw.config)] = true
		}
	}

	watched := 0
	for dir := range dirs {
		if err := fw.watcher.Add(dir); err != nil {
			logging.Warn("failed to watch directory", "path", dir, "error", err)
			continue
		}
		watched++
	}
	if watched == 0 {
		fw.watcher.Close()
		return fmt.Errorf("no directory could be watched")
	}
	logging.Info("watching for input changes", "directories", watched, "datasets", len(fw.files))

	// Process events
	go fw.processEvents(ctx)
	return nil
}

// classify maps a file system event to a change. Events on other files are
// ignored.
func (fw *FileWatcher) classify(ev fsnotify.Event) (ChangeType, bool) {
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return 0, false
	}
	name := filepath.Clean(ev.Name)
	if fw.config != "" && name == fw.config {
		return ChangeTypeConfig, true
	}

	base := filepath.Base(name)
	isDataset := fw.files[name] ||
		(fw.dirs[filepath.Dir(name)] && strings.EqualFold(filepath.Ext(base), ".json") &&
			!strings.HasPrefix(base, ".") && !strings.HasSuffix(base, "~"))
	if !isDataset {
		return 0, false
	}
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		return ChangeTypeRemoved, true
	}
	return ChangeTypeDataset, true
}

// processEvents batches file system events by type
func (fw *FileWatcher) processEvents(ctx context.Context) {
	defer close(fw.events)
	defer fw.watcher.Close()

	batch := make(map[ChangeType][]string)
	flushTimer := time.NewTimer(batchWindow)
	flushTimer.Stop()

	flush := func() {
		for _, t := range []ChangeType{ChangeTypeConfig, ChangeTypeDataset, ChangeTypeRemoved} {
			if len(batch[t]) == 0 {
				continue
			}
			select {
			case fw.events <- ChangeEvent{Type: t, Paths: batch[t], Timestamp: time.Now()}:
			case <-ctx.Done():
				return
			}
		}
		clear(batch)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			t, ok := fw.classify(event)
			if !ok {
				continue
			}
			logging.Trace("input changed", "path", event.Name, "op", event.Op.String(), "type", t.String())
			batch[t] = append(batch[t], filepath.Clean(event.Name))
			flushTimer.Reset(batchWindow)

		case <-flushTimer.C:
			flush()

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("watcher error", "error", err)
		}
	}
}

// Events returns the channel of change events. It is closed when the context
// passed to Start is done.
func (fw *FileWatcher) Events() <-chan ChangeEvent {
	return fw.events
}
