package fleet

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/fleetd/internal/config"
)

// watchConfig hot-reloads agent and schedule definitions when the config
// file changes. Connector and listener topology is fixed for the process
// lifetime; changing those requires a restart.
func (f *Fleet) watchConfig() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory, not the file: editors replace files by rename,
	// which drops a watch on the file itself.
	dir := filepath.Dir(f.configPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	f.stopWatch = func() { watcher.Close() }

	target := filepath.Clean(f.configPath)
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				f.reloadConfig()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.log.Warn("fleet.config_watch_error", "error", err)
			}
		}
	}()
	return nil
}

// reloadConfig swaps in a freshly validated config. A config that fails to
// load keeps the running one; the fleet never degrades on a bad edit.
func (f *Fleet) reloadConfig() {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		f.log.Warn("fleet.config_reload_failed", "path", f.configPath, "error", err)
		return
	}

	f.mu.Lock()
	f.cfg = cfg
	f.mu.Unlock()

	f.sched.UpdateAgents(cfg.Agents)
	f.log.Info("fleet.config_reloaded", "path", f.configPath, "agents", len(cfg.Agents))
}
