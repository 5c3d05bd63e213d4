package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/guildtools/guildgate/pkg/observability"
)

// Overlay is the YAML-file subset of the configuration. Only set fields
// override the environment-derived values; the file is re-applied on change
// so operators can retune a running service without a restart.
type Overlay struct {
	LogLevel          *string        `yaml:"log_level"`
	DenialLogWindow   *time.Duration `yaml:"denial_log_window"`
	DenialLogCapacity *int           `yaml:"denial_log_capacity"`
	RetentionDays     *int           `yaml:"retention_days"`
}

// ApplyOverlay reads a YAML overlay file and merges its set fields into c.
func (c *Config) ApplyOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read overlay file: %w", err)
	}

	var o Overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("failed to parse overlay file: %w", err)
	}

	if o.LogLevel != nil {
		c.Observability.LogLevel = parseLogLevel(*o.LogLevel)
	}
	if o.DenialLogWindow != nil {
		c.Perms.DenialLogWindow = *o.DenialLogWindow
	}
	if o.DenialLogCapacity != nil {
		c.Perms.DenialLogCapacity = *o.DenialLogCapacity
	}
	if o.RetentionDays != nil {
		c.Retention.Days = *o.RetentionDays
	}
	return nil
}

// Watch re-reads the overlay file whenever it changes and hands the parsed
// overlay to onChange. It blocks until the watcher fails or the returned
// stop function is called; run it in its own goroutine. The only setting
// applied automatically is the log level, the cheapest and most commonly
// retuned one.
func Watch(path string, logger *observability.Logger, onChange func(Overlay)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}

	// Watch the directory: editors and k8s configmap mounts replace the
	// file rather than writing it in place.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer observability.RecoverPanic(logger, "config watcher")
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}

				data, err := os.ReadFile(path)
				if err != nil {
					logger.WithError(err).Warn("Failed to re-read config overlay")
					continue
				}
				var o Overlay
				if err := yaml.Unmarshal(data, &o); err != nil {
					logger.WithError(err).Warn("Ignoring malformed config overlay")
					continue
				}

				if o.LogLevel != nil {
					logger.SetLevel(parseLogLevel(*o.LogLevel))
					logger.WithField("level", *o.LogLevel).Info("Log level reloaded from overlay")
				}
				if onChange != nil {
					onChange(o)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("Config watcher error")

			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
