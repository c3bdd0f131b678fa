package storage

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "conductor/pkg/logx"
)

const watchDebounce = 150 * time.Millisecond

// Watch calls onChange (debounced) whenever the snapshot at path is replaced or
// written by any process. It blocks until ctx is done.
//
// The parent directory is watched rather than the file itself, because atomic
// saves replace the inode. SQLite sidecar files (path-wal, path-shm) count as
// changes too.
func Watch(ctx context.Context, path string, log logx.Logger, onChange func()) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	log.Debug("snapshot watcher started", logx.String("dir", dir), logx.String("file", base))

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			if ctx.Err() == nil {
				onChange()
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			// Temp files from atomic saves share the prefix but end in .tmp.
			if !strings.HasPrefix(name, base) || strings.HasSuffix(name, ".tmp") {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if err == nil {
				continue
			}
			// Overflow means events were missed; one refresh covers it.
			if strings.Contains(strings.ToLower(err.Error()), "overflow") {
				debounce()
				continue
			}
			log.Warn("snapshot watch error", logx.Err(err), logx.String("dir", dir))
		}
	}
}
