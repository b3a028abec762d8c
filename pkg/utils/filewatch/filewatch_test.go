package filewatch_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/neurodata/synq/pkg/utils/filewatch"
)

func TestAwait(t *testing.T) {
	t.Run("wakes early when a file is created in a watched directory", func(t *testing.T) {
		dir := t.TempDir()

		go func() {
			time.Sleep(50 * time.Millisecond)
			os.WriteFile(filepath.Join(dir, "newfile"), []byte("x"), 0o644)
		}()

		start := time.Now()
		woke, err := filewatch.Await(context.Background(), 10*time.Second, dir)
		if err != nil {
			t.Fatal(err)
		}
		if !woke {
			t.Error("Await slept out the window, expected early wake")
		}
		if elapsed := time.Since(start); 5*time.Second < elapsed {
			t.Errorf("Await took too long: %s", elapsed)
		}
	})

	t.Run("sleeps out the window when nothing happens", func(t *testing.T) {
		dir := t.TempDir()

		woke, err := filewatch.Await(context.Background(), 100*time.Millisecond, dir)
		if err != nil {
			t.Fatal(err)
		}
		if woke {
			t.Error("Await woke without modification")
		}
	})

	t.Run("returns ctx.Err on cancellation", func(t *testing.T) {
		dir := t.TempDir()
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		if _, err := filewatch.Await(ctx, 10*time.Second, dir); err == nil {
			t.Error("Await did not report cancellation")
		}
	})
}
