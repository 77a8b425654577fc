package host

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tessera/modrt/pkg/mods"
)

// Watch starts watching the mods directory and every loaded mod directory
// until ctx ends. Changes are coalesced for WatchDebounce. A loaded mod
// whose directory or manifest disappeared is unloaded together with its
// dependents; every other change is queued as a ModsChangedEvent for the
// next Tick.
func (r *Runtime) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := watcher.Add(r.opts.ModsDir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch mods directory: %w", err)
	}
	for _, m := range r.Loaded() {
		if err := watcher.Add(m.Path); err != nil {
			r.logger.Warn().Err(err).Str("mod", m.ID()).Msg("Failed to watch mod directory")
		}
	}

	go r.processEvents(ctx, watcher)

	r.logger.Info().Str("mods_dir", r.opts.ModsDir).Msg("Watching mods directory")
	return nil
}

func (r *Runtime) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	var (
		mu      sync.Mutex
		pending = make(map[string]struct{})
		timer   *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		_ = watcher.Close()
	}()

	flush := func() {
		mu.Lock()
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		pending = make(map[string]struct{})
		mu.Unlock()

		if ctx.Err() != nil || len(paths) == 0 {
			return
		}
		sort.Strings(paths)
		r.handleChanges(ctx, watcher, paths)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if strings.HasPrefix(filepath.Base(event.Name), ".") {
				continue
			}

			r.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Mods directory changed")

			mu.Lock()
			pending[event.Name] = struct{}{}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(r.opts.WatchDebounce, flush)
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// handleChanges hot-disables removed mods and queues the remaining paths.
func (r *Runtime) handleChanges(ctx context.Context, watcher *fsnotify.Watcher, paths []string) {
	var removedDirs []string
	for _, m := range r.Loaded() {
		if _, err := os.Stat(filepath.Join(m.Path, mods.ManifestFile)); !os.IsNotExist(err) {
			continue
		}
		if !r.IsLoaded(m.ID()) {
			continue
		}
		unloaded, err := r.unloadCascade(ctx, m.ID(), ReasonRemoved)
		if err != nil {
			r.logger.Warn().Err(err).Str("mod", m.ID()).Msg("Failed to unload removed mod")
			continue
		}
		r.logger.Info().Str("mod", m.ID()).Strs("unloaded", unloaded).Msg("Mod directory removed, mod disabled")
		removedDirs = append(removedDirs, m.Path)
		_ = watcher.Remove(m.Path)
	}

	changed := make([]string, 0, len(paths))
	for _, p := range paths {
		if !underAny(p, removedDirs) {
			changed = append(changed, p)
		}
	}
	if len(changed) == 0 {
		return
	}

	if err := r.bus.DispatchOnMainThread(ModsChangedEvent{Paths: changed}); err != nil {
		r.logger.Debug().Err(err).Msg("ModsChangedEvent not queued")
	}
}

func underAny(path string, dirs []string) bool {
	for _, dir := range dirs {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
