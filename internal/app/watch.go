package app

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"swcache/internal/classify"
)

// ClassifierSetter receives a new classifier after the config file changes.
type ClassifierSetter interface {
	SetClassifier(*classify.Classifier)
}

// watchConfig reapplies the classify section of the config file whenever the
// file is written or replaced. It returns when ctx is done.
func watchConfig(ctx context.Context, path string, w ClassifierSetter, logger *slog.Logger) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); err != nil {
		logger.Debug("config directory missing, not watching", "dir", dir)
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	// editors replace files by rename, so watch the directory
	if err := watcher.Add(dir); err != nil {
		return err
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			c, err := reloadClassifier(path)
			if err != nil {
				logger.Warn("config reload failed, keeping current rules", "path", path, "err", err)
				continue
			}
			w.SetClassifier(c)
			logger.Info("classifier reloaded", "path", path, "rules", c.String())
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watch error", "err", err)
		}
	}
}

// reloadClassifier rebuilds the rules from defaults, the config file and the
// environment.
func reloadClassifier(path string) (*classify.Classifier, error) {
	cfg, err := loadUserConfig(path)
	if err != nil {
		return nil, err
	}
	rules, _ := mergeRules(classify.DefaultRules(), cfg.Classify)
	e, err := loadEnv(nil)
	if err != nil {
		return nil, err
	}
	if len(e.ImageHosts) > 0 {
		rules.ImageHosts = e.ImageHosts
	}
	return classify.New(rules)
}
