package config

import (
	"fmt"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Load reads options from the given file (YAML or JSON), layered over
// DefaultOptions. An empty path returns validated defaults.
func Load(path string) (*Options, error) {
	opts := DefaultOptions()

	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		v.SetEnvPrefix("BOTSHIELD")
		v.AutomaticEnv()

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := v.Unmarshal(opts); err != nil {
			return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
		}
	}

	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return opts, nil
}

// Watcher holds the current options and swaps them atomically when the
// backing file changes. Readers call Current on every request; they never
// observe a partially merged record.
type Watcher struct {
	path     string
	logger   *zap.Logger
	current  atomic.Pointer[Options]
	v        *viper.Viper
	onChange atomic.Pointer[func(*Options)]
}

// OnChange registers a callback invoked after every successful reload.
func (w *Watcher) OnChange(fn func(*Options)) {
	w.onChange.Store(&fn)
}

// NewWatcher loads the file once and starts watching it for changes.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	opts, err := Load(path)
	if err != nil {
		return nil, err
	}

	w := &Watcher{path: path, logger: logger}
	w.current.Store(opts)

	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		v.OnConfigChange(func(_ fsnotify.Event) {
			w.reload()
		})
		v.WatchConfig()
		w.v = v
	}

	return w, nil
}

// Current returns the active options snapshot.
func (w *Watcher) Current() *Options {
	return w.current.Load()
}

// Reload forces a re-read, used by the SIGHUP handler.
func (w *Watcher) Reload() {
	w.reload()
}

func (w *Watcher) reload() {
	opts, err := Load(w.path)
	if err != nil {
		// Keep serving the previous options on a bad edit.
		w.logger.Error("config reload failed, keeping previous options",
			zap.String("path", w.path), zap.Error(err))
		return
	}
	w.current.Store(opts)
	w.logger.Info("config reloaded", zap.String("path", w.path))
	if fn := w.onChange.Load(); fn != nil {
		(*fn)(opts)
	}
}
