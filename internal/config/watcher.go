package config

import (
	"context"
	"maps"
	"path/filepath"
	"sync"
	"time"

	"github.com/ax-platform/ax-mcp-monitor/internal/plugin"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// reloadDebounce coalesces the burst of events editors emit for one save.
const reloadDebounce = 100 * time.Millisecond

// PluginConfigWatcher watches the plugin configuration file and hands every
// successfully parsed version to the registered callbacks.
type PluginConfigWatcher struct {
	configPath string
	logger     *logrus.Logger
	debounce   time.Duration
	mu         sync.RWMutex
	config     map[string]any
	callbacks  []func(map[string]any)
}

// NewPluginConfigWatcher creates a watcher for path.
func NewPluginConfigWatcher(configPath string, logger *logrus.Logger) *PluginConfigWatcher {
	return &PluginConfigWatcher{
		configPath: configPath,
		logger:     logger,
		debounce:   reloadDebounce,
		callbacks:  make([]func(map[string]any), 0),
	}
}

// Start loads the file once and then watches its directory until ctx is
// cancelled. The directory is watched rather than the file so that atomic
// rename-on-save keeps working.
func (cw *PluginConfigWatcher) Start(ctx context.Context) error {
	cfg, err := plugin.LoadConfig(cw.configPath)
	if err != nil {
		return err
	}
	cw.mu.Lock()
	cw.config = cfg
	cw.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	target := filepath.Clean(cw.configPath)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return err
	}

	cw.logger.WithField("path", cw.configPath).Info("Plugin configuration watcher started")

	var (
		timer  *time.Timer
		reload <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("Plugin configuration watcher stopping")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			cw.logger.WithField("op", event.Op.String()).Debug("Plugin configuration file changed")
			if timer == nil {
				timer = time.NewTimer(cw.debounce)
			} else {
				timer.Reset(cw.debounce)
			}
			reload = timer.C

		case <-reload:
			reload = nil
			cw.reloadConfig()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			cw.logger.WithError(err).Warn("Plugin configuration watcher error")
		}
	}
}

// GetConfig returns a copy of the last successfully loaded configuration.
func (cw *PluginConfigWatcher) GetConfig() map[string]any {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return maps.Clone(cw.config)
}

// OnConfigChange registers a callback invoked after each successful reload.
func (cw *PluginConfigWatcher) OnConfigChange(callback func(map[string]any)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// reloadConfig keeps the previous configuration when the new file does not
// parse, so a half-written save never reaches the plugin.
func (cw *PluginConfigWatcher) reloadConfig() {
	newConfig, err := plugin.LoadConfig(cw.configPath)
	if err != nil {
		cw.logger.WithError(err).Error("Failed to reload plugin configuration")
		return
	}

	cw.mu.Lock()
	cw.config = newConfig
	callbacks := make([]func(map[string]any), len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.Unlock()

	cw.logger.WithField("keys", len(newConfig)).Info("Plugin configuration reloaded")

	for _, callback := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					cw.logger.WithField("panic", r).Error("Plugin config callback panicked")
				}
			}()
			callback(maps.Clone(newConfig))
		}()
	}
}

// ReconfigureOnChange wires a watcher to a plugin that supports live
// reconfiguration.
func ReconfigureOnChange(cw *PluginConfigWatcher, p plugin.Plugin, logger *logrus.Logger) bool {
	configurable, ok := p.(plugin.Configurable)
	if !ok {
		return false
	}
	cw.OnConfigChange(func(cfg map[string]any) {
		if err := configurable.Reconfigure(cfg); err != nil {
			logger.WithError(err).WithField("plugin", p.Name()).Warn("Plugin rejected new configuration")
			return
		}
		logger.WithField("plugin", p.Name()).Info("Plugin reconfigured")
	})
	return true
}
