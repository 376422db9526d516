package config

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay coalesces the event bursts editors produce when saving, so a
// single save triggers a single reload.
const settleDelay = 150 * time.Millisecond

// Watcher applies policy-file changes to a running gateway. Each time the
// file's content actually changes and still loads as a valid policy, the
// apply callback receives the new document; a save that fails to load, or
// that rewrites identical bytes, leaves the active policy untouched.
type Watcher struct {
	path  string
	apply func(*Config)

	fsw       *fsnotify.Watcher
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	lastSum [sha256.Size]byte
}

// WatchFile starts watching path and invokes apply for every valid content
// change. The watch covers the file's directory, so save-via-rename editors
// are seen too. The caller owns the returned Watcher and must Close it.
func WatchFile(path string, apply func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating policy watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watching policy directory: %w", err)
	}

	w := &Watcher{
		path:  path,
		apply: apply,
		fsw:   fsw,
		done:  make(chan struct{}),
	}

	// Seed the content hash so the first event only fires apply when the
	// file really differs from what the gateway started with.
	if data, err := os.ReadFile(path); err == nil { //nolint:gosec // G304: path from CLI flag
		w.lastSum = sha256.Sum256(data)
	}

	w.wg.Add(1)
	go w.watch()
	return w, nil
}

func (w *Watcher) watch() {
	defer w.wg.Done()

	name := filepath.Base(w.path)
	settle := time.NewTimer(settleDelay)
	if !settle.Stop() {
		<-settle.C
	}

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				settle.Reset(settleDelay)
			}
		case <-settle.C:
			w.reload()
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			// Watch errors are transient; the next event still reloads.
		}
	}
}

// reload re-reads the policy file and applies it when its content changed
// and parses cleanly. A broken document is reported and skipped, keeping
// the last good policy active.
func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path) //nolint:gosec // G304: path from CLI flag
	if err != nil {
		fmt.Fprintf(os.Stderr, "contextguard: policy file unreadable, keeping active policy: %v\n", err)
		return
	}

	sum := sha256.Sum256(data)
	if sum == w.lastSum {
		return
	}

	cfg, err := Load(w.path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "contextguard: policy reload rejected, keeping active policy: %v\n", err)
		return
	}

	w.lastSum = sum
	w.apply(cfg)
}

// Close stops the watcher and waits for the watch goroutine to exit. Safe
// to call multiple times.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
		_ = w.fsw.Close()
	})
	w.wg.Wait()
}
