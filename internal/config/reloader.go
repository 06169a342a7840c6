package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const reloadDebounce = 50 * time.Millisecond

// ConfigReloader reloads configuration when the file changes or the process
// receives SIGHUP.
type ConfigReloader struct {
	path   string
	logger *logrus.Logger

	mu       sync.RWMutex
	current  *Config
	onReload func(old, new *Config) error

	watcher  *fsnotify.Watcher
	signals  chan os.Signal
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewConfigReloader creates a reloader for the file at path. An empty path
// disables file watching; SIGHUP is always handled.
func NewConfigReloader(path string, cfg *Config, logger *logrus.Logger) (*ConfigReloader, error) {
	r := &ConfigReloader{
		path:    path,
		logger:  logger,
		current: cfg,
		signals: make(chan os.Signal, 1),
		stopCh:  make(chan struct{}),
	}

	if path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		// Watch the directory so editors that replace the file are still seen.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
		}
		r.watcher = watcher
	}

	signal.Notify(r.signals, syscall.SIGHUP)
	return r, nil
}

// SetOnReloadCallback registers fn to run before a new config is adopted.
// Returning an error keeps the old config.
func (r *ConfigReloader) SetOnReloadCallback(fn func(old, new *Config) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = fn
}

// GetCurrentConfig returns a copy of the active configuration.
func (r *ConfigReloader) GetCurrentConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current.clone()
}

// Start runs the reload loop until Stop is called.
func (r *ConfigReloader) Start() {
	var events <-chan fsnotify.Event
	var errs <-chan error
	if r.watcher != nil {
		events = r.watcher.Events
		errs = r.watcher.Errors
	}

	var debounce *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-r.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(r.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				debounce.Reset(reloadDebounce)
			}
			fire = debounce.C
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			r.logger.WithError(err).Warn("Config watcher error")
		case <-fire:
			fire = nil
			r.reload("file change")
		case <-r.signals:
			r.reload("SIGHUP")
		}
	}
}

// Stop ends the reload loop and releases the watcher.
func (r *ConfigReloader) Stop() {
	r.stopOnce.Do(func() {
		signal.Stop(r.signals)
		close(r.stopCh)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

// Reload loads the config file once and applies it.
func (r *ConfigReloader) Reload() error {
	newCfg, err := LoadConfig(r.path)
	if err != nil {
		return err
	}

	r.mu.RLock()
	old, onReload := r.current, r.onReload
	r.mu.RUnlock()

	if err := r.validateReloadSafety(old, newCfg); err != nil {
		return err
	}
	if onReload != nil {
		if err := onReload(old, newCfg); err != nil {
			return fmt.Errorf("reload callback rejected config: %w", err)
		}
	}

	r.mu.Lock()
	r.current = newCfg
	r.mu.Unlock()
	return nil
}

func (r *ConfigReloader) reload(trigger string) {
	if err := r.Reload(); err != nil {
		r.logger.WithError(err).WithField("trigger", trigger).Error("Config reload failed, keeping previous config")
		return
	}
	r.logger.WithField("trigger", trigger).Info("Config reloaded")
}

// validateReloadSafety rejects changes that cannot take effect without a
// restart or that would strand existing data.
func (r *ConfigReloader) validateReloadSafety(old, new *Config) error {
	if old.Cipher.Algorithm != new.Cipher.Algorithm {
		return fmt.Errorf("cipher.algorithm cannot be changed during hot reload")
	}
	if old.Store.Backend != new.Store.Backend {
		return fmt.Errorf("store.backend cannot be changed during hot reload")
	}
	if old.Store.S3.Bucket != new.Store.S3.Bucket {
		return fmt.Errorf("store.s3.bucket cannot be changed during hot reload")
	}
	if old.TLS.Enabled != new.TLS.Enabled {
		return fmt.Errorf("tls.enabled cannot be changed during hot reload")
	}
	if old.ListenAddr != new.ListenAddr {
		r.logger.WithFields(logrus.Fields{
			"old": old.ListenAddr,
			"new": new.ListenAddr,
		}).Warn("listen_addr change requires a restart to take effect")
	}
	return nil
}

func (c *Config) clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	out.Policies = append([]string(nil), c.Policies...)
	out.Logging.RedactHeaders = append([]string(nil), c.Logging.RedactHeaders...)
	out.Logging.RedactQuery = append([]string(nil), c.Logging.RedactQuery...)
	return &out
}
