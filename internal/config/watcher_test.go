package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/deep-research/internal/config"
)

func TestWatcher_ReloadsConfigChange(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, "max_concurrent_research: 2\n")

	w := config.NewWatcher(home, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	applied := make(chan config.Config, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Reload(ctx, func(cfg config.Config) { applied <- cfg })
	}()

	path := config.ConfigPath(home)
	write := func() {
		_ = os.WriteFile(path, []byte("max_concurrent_research: 5\n"), 0o644)
	}
	write()

	// Rewrite until the watcher is ready; notification setup is not
	// instantaneous on every platform.
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-applied:
			if cfg.MaxConcurrentResearch != 5 {
				continue
			}
			cancel()
			<-done
			return
		case <-tick.C:
			write()
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}

func TestWatcher_InvalidConfigKeepsLastGood(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, "max_concurrent_research: 2\n")

	w := config.NewWatcher(home, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	applied := make(chan config.Config, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Reload(ctx, func(cfg config.Config) { applied <- cfg })
	}()

	path := filepath.Join(home, "config.yaml")
	_ = os.WriteFile(path, []byte("log_level: verbose\n"), 0o644)

	select {
	case cfg := <-applied:
		t.Fatalf("invalid config applied: %+v", cfg)
	case <-time.After(300 * time.Millisecond):
	}
	cancel()
	<-done
}
