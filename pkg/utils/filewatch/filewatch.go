package filewatch

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Await blocks until `window` has elapsed, or any of the watched paths is
// modified (= written, created, removed, or renamed), whichever comes first.
//
// # Args
//
// - ctx: context.Context. Canceling it stops waiting with ctx.Err().
//
// - window: maximum time to block.
//
// - paths: paths to be watched. Watching a directory observes entries
// created/removed/written directly inside it.
//
// # Returns
//
// - bool: true when a modification cut the wait short, false when the full
// window elapsed quietly.
//
// - error: ctx.Err() on cancellation. When the watcher cannot be started
// (e.g. a watched path has been removed by another process), Await degrades
// to a plain sleep for the window and reports no error.
func Await(ctx context.Context, window time.Duration, paths ...string) (bool, error) {
	timer := time.NewTimer(window)
	defer timer.Stop()

	w, err := fsnotify.NewWatcher()
	if err == nil {
		defer w.Close()
		for _, p := range paths {
			if werr := w.Add(p); werr != nil {
				err = werr
				break
			}
		}
	}
	if err != nil {
		// no watcher: fall back to sleeping out the window.
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			return false, nil
		}
	}

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
		return false, nil
	case <-w.Events:
		return true, nil
	case <-w.Errors:
		// treat watch trouble as a quiet wake; the caller re-inspects disk.
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			return false, nil
		}
	}
}
