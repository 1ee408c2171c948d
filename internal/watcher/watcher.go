// Package watcher reports files written under a session's output directory
// while the worker is still running.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/conductor/internal/artifacts"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce is how long a path must stay quiet before it is reported.
const DefaultDebounce = 200 * time.Millisecond

// Watcher monitors a directory tree and calls onChange with the relative
// path of every file that was created or written, once writes settle.
// fsnotify is not recursive, so directories created later are added as
// they appear.
type Watcher struct {
	root     string
	ignore   []string
	onChange func(rel string)
	watcher  *fsnotify.Watcher
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
	running  bool
	debounce time.Duration
}

// New creates a Watcher for root. Paths matching ignore are never reported.
func New(root string, ignore []string, onChange func(rel string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		root:     root,
		ignore:   ignore,
		onChange: onChange,
		watcher:  fsw,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		debounce: DefaultDebounce,
	}, nil
}

// SetDebounce changes the quiet period. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Start adds watches for the existing tree and begins the event loop.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addTree(w.root); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}
	go w.watchLoop()
	return nil
}

// Stop ends the event loop and waits for it to exit. Pending paths that had
// not settled are dropped.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	w.cancel()
	err := w.watcher.Close()
	<-w.done
	return err
}

// addTree watches dir and every directory below it that is not ignored.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root && w.ignored(p) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			log.Warn().Err(err).Str("path", p).Msg("watch directory")
		}
		return nil
	})
}

func (w *Watcher) ignored(p string) bool {
	rel, err := filepath.Rel(w.root, p)
	if err != nil {
		return true
	}
	return artifacts.Ignored(filepath.ToSlash(rel), w.ignore)
}

func (w *Watcher) watchLoop() {
	defer close(w.done)

	pending := make(map[string]bool)
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			p := filepath.Clean(event.Name)
			if w.ignored(p) {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(p); err == nil && info.IsDir() {
					// Files may already exist in a directory created between
					// the event and the watch being added.
					_ = w.addTree(p)
					w.pendTree(p, pending)
					timer.Reset(w.debounce)
					continue
				}
			}
			pending[p] = true
			timer.Reset(w.debounce)

		case <-timer.C:
			w.flush(pending)
			pending = make(map[string]bool)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Str("root", w.root).Msg("watcher error")
		}
	}
}

func (w *Watcher) pendTree(dir string, pending map[string]bool) {
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p != dir && w.ignored(p) {
				return filepath.SkipDir
			}
			return nil
		}
		if !w.ignored(p) {
			pending[p] = true
		}
		return nil
	})
}

func (w *Watcher) flush(pending map[string]bool) {
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		rel, err := filepath.Rel(w.root, p)
		if err != nil {
			continue
		}
		w.onChange(filepath.ToSlash(rel))
	}
}
