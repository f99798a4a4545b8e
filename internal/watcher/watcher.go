// Package watcher watches a directory for file changes and triggers incremental
// re-indexing using fsnotify.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/tejas242/sift/internal/chunker"
	"github.com/tejas242/sift/internal/index"
)

// debounceDelay absorbs editors that write a file in several quick bursts
// (temp file + rename, multiple flushes) into a single re-index.
const debounceDelay = 500 * time.Millisecond

// Watcher watches a directory tree for changes and updates the index.
type Watcher struct {
	fw  *fsnotify.Watcher
	idx *index.Indexer
}

// New creates a Watcher backed by the given indexer.
func New(idx *index.Indexer) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	return &Watcher{fw: fw, idx: idx}, nil
}

// Watch adds rootDir (and all subdirectories) to the watch list and begins
// processing events. It blocks until done is closed or an unrecoverable
// error occurs. Call this in a goroutine.
func (w *Watcher) Watch(rootDir string, done <-chan struct{}) error {
	if err := w.addDirRecursive(rootDir); err != nil {
		return err
	}

	added := make(map[string]*time.Timer)
	deleted := make(map[string]*time.Timer)

	flushAdded := func(path string) {
		log.Info().Str("path", path).Msg("watch: re-indexing")
		if _, err := w.idx.Sync(context.Background(), []string{path}, nil, nil); err != nil {
			log.Error().Err(err).Str("path", path).Msg("watch: sync failed")
		}
	}
	flushDeleted := func(path string) {
		log.Info().Str("path", path).Msg("watch: removing")
		if _, err := w.idx.Sync(context.Background(), nil, nil, []string{path}); err != nil {
			log.Error().Err(err).Str("path", path).Msg("watch: sync failed")
		}
	}

	for {
		select {
		case <-done:
			return w.fw.Close()

		case event, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			path := event.Name

			if event.Has(fsnotify.Create) {
				if fi, err := os.Stat(path); err == nil && fi.IsDir() {
					_ = w.addDirRecursive(path)
					continue
				}
			}

			if strings.HasPrefix(filepath.Base(path), ".") {
				continue
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				// The file is gone, so only its extension can be checked.
				if !chunker.SupportedExtensions[strings.ToLower(filepath.Ext(path))] {
					continue
				}
				if t, ok := deleted[path]; ok {
					t.Stop()
				}
				deleted[path] = time.AfterFunc(debounceDelay, func() { flushDeleted(path) })
				continue
			}

			if !chunker.IsSupportedFile(path) {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if t, ok := added[path]; ok {
					t.Stop()
				}
				added[path] = time.AfterFunc(debounceDelay, func() { flushAdded(path) })
			}

		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("watch: fsnotify error")
		}
	}
}

// addDirRecursive adds dir and all non-hidden subdirectories to the watcher.
func (w *Watcher) addDirRecursive(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if err := w.fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if e.IsDir() {
			if err := w.addDirRecursive(filepath.Join(dir, e.Name())); err != nil {
				log.Warn().Err(err).Str("dir", filepath.Join(dir, e.Name())).Msg("watch: skip dir")
			}
		}
	}
	return nil
}
