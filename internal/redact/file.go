package redact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// PatternConfig is one entry of a patterns file.
//
//	patterns:
//	  - name: internal_api_key
//	    pattern: 'ik_[a-f0-9]{32}'
type PatternConfig struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

type patternsFile struct {
	Patterns []PatternConfig `yaml:"patterns"`
}

// LoadFile reads and compiles custom patterns from a YAML file.
func LoadFile(path string) ([]Pattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read patterns file: %w", err)
	}
	var pf patternsFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse patterns file: %w", err)
	}
	out := make([]Pattern, 0, len(pf.Patterns))
	for i, pc := range pf.Patterns {
		if pc.Pattern == "" {
			return nil, fmt.Errorf("pattern %d has no expression", i)
		}
		name := pc.Name
		if name == "" {
			name = fmt.Sprintf("custom_%d", i)
		}
		p, err := Compile(name, pc.Pattern)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Watch reloads the custom patterns of f whenever path changes, until ctx
// is done. A file that fails to parse leaves the previous patterns in
// place.
func Watch(ctx context.Context, f *Filter, path string, logger *zap.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: editors replace files by rename.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	go func() {
		defer w.Close()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				patterns, err := LoadFile(path)
				if err != nil {
					logger.Warn("redaction patterns reload failed", zap.String("path", path), zap.Error(err))
					continue
				}
				f.SetCustom(patterns)
				logger.Info("redaction patterns reloaded", zap.String("path", path), zap.Int("custom", len(patterns)))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("redaction patterns watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
