package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/irctrakz/tcpsplice/pkg/logging"
)

// Load builds a validated configuration from the defaults, the file at path
// (if any) and the environment, in that order.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := LoadFromFile(path, cfg); err != nil {
			return nil, err
		}
	}
	LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Watch reloads the configuration whenever the file at path, or the rules
// file it names, is written or created, and passes each valid result to fn.
// Invalid reloads are logged and skipped. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	// Directories are watched so that editors replacing the file by rename
	// are still seen.
	files := map[string]bool{}
	watchFile := func(name string) error {
		abs, err := filepath.Abs(name)
		if err != nil {
			return err
		}
		if files[abs] {
			return nil
		}
		files[abs] = true
		return w.Add(filepath.Dir(abs))
	}
	if err := watchFile(path); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}
	if cfg.Classifier.RulesFile != "" {
		if err := watchFile(cfg.Classifier.RulesFile); err != nil {
			return fmt.Errorf("failed to watch %s: %w", cfg.Classifier.RulesFile, err)
		}
	}

	log := logging.WithComponent("config")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			abs, _ := filepath.Abs(ev.Name)
			if !files[abs] || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			next, err := Load(path)
			if err != nil {
				log.Warnf("Ignoring config reload after %s: %v", ev, err)
				continue
			}
			if next.Classifier.RulesFile != "" {
				if err := watchFile(next.Classifier.RulesFile); err != nil {
					log.Warnf("Failed to watch rules file %s: %v", next.Classifier.RulesFile, err)
				}
			}
			log.Infof("Configuration reloaded from %s", path)
			fn(next)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Errorf("Config watcher error: %v", err)
		}
	}
}
