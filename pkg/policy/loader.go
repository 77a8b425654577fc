package policy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// reloadDelay debounces bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// Loader reads custom policies from disk and watches them for changes.
//
// Two file forms are accepted. A .rego file is one policy named after the
// file; its leading comment block is the description and may carry the
// directives `# severity: <level>` and `# disabled`. A .yaml or .yml file is
// a bundle:
//
//	policies:
//	  - name: no-beta
//	    severity: error
//	    rego: |
//	      package modrt.admission.custom.nobeta
//	      ...
type Loader struct {
	logger zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// LoadFromPaths loads policies from files and directories. Missing paths
// are skipped so an unconfigured policy dir is not an error. Two policies
// with the same name are.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	seen := make(map[string]string)

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		policies, err := l.loadPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", path, err)
		}
		for _, p := range policies {
			if prev, ok := seen[p.Name]; ok {
				return nil, fmt.Errorf("policy %q defined in both %s and %s", p.Name, prev, p.Source)
			}
			seen[p.Name] = p.Source
		}
		all = append(all, policies...)
	}

	l.logger.Debug().Int("total", len(all)).Int("sources", len(paths)).Msg("Policies loaded")
	return all, nil
}

func (l *Loader) loadPath(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		l.logger.Debug().Str("path", path).Msg("Policy path does not exist, skipping")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return loadFile(path)
	}

	// Inside a directory a broken file is logged and skipped so one bad
	// policy does not disable the rest.
	var policies []Policy
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(p) {
			return nil
		}
		loaded, err := loadFile(p)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", p).Msg("Skipping policy file")
			return nil
		}
		for _, lp := range loaded {
			l.logger.Debug().Str("path", p).Str("policy", lp.Name).Msg("Policy loaded")
		}
		policies = append(policies, loaded...)
		return nil
	})
	return policies, err
}

func loadFile(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch filepath.Ext(path) {
	case ".rego":
		p := parseRego(strings.TrimSuffix(filepath.Base(path), ".rego"), data)
		p.Source = path
		return []Policy{p}, nil
	case ".yaml", ".yml":
		policies, err := parseBundle(data)
		if err != nil {
			return nil, err
		}
		for i := range policies {
			policies[i].Source = path
		}
		return policies, nil
	default:
		return nil, fmt.Errorf("unsupported policy file %s", path)
	}
}

// parseRego builds a policy from a .rego file, reading the leading
// comment block for its description and directives.
func parseRego(name string, data []byte) Policy {
	p := Policy{
		Name:     name,
		Rego:     string(data),
		Severity: SeverityWarning,
		Enabled:  true,
	}

	var desc []string
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		switch {
		case strings.HasPrefix(comment, "severity:"):
			p.Severity = Severity(strings.TrimSpace(strings.TrimPrefix(comment, "severity:")))
		case comment == "disabled":
			p.Enabled = false
		case comment != "":
			desc = append(desc, comment)
		}
	}
	p.Description = strings.Join(desc, " ")
	return p
}

type bundleFile struct {
	Policies []bundleEntry `yaml:"policies"`
}

type bundleEntry struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Severity    Severity `yaml:"severity"`
	Enabled     *bool    `yaml:"enabled"`
	Rego        string   `yaml:"rego"`
}

// parseBundle decodes a YAML policy bundle. Unknown keys are rejected.
func parseBundle(data []byte) ([]Policy, error) {
	var bundle bundleFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&bundle); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse policy bundle: %w", err)
	}

	policies := make([]Policy, 0, len(bundle.Policies))
	for i, e := range bundle.Policies {
		if e.Name == "" {
			return nil, fmt.Errorf("policy %d in bundle has no name", i)
		}
		if strings.TrimSpace(e.Rego) == "" {
			return nil, fmt.Errorf("policy %s has no rego", e.Name)
		}
		p := Policy{
			Name:        e.Name,
			Description: e.Description,
			Rego:        e.Rego,
			Severity:    e.Severity,
			Enabled:     e.Enabled == nil || *e.Enabled,
		}
		if p.Severity == "" {
			p.Severity = SeverityWarning
		}
		policies = append(policies, p)
	}
	return policies, nil
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".yaml", ".yml":
		return true
	}
	return false
}

// Watch reloads the policies under paths whenever a policy file changes
// and hands them to apply. It returns once the watcher is set up; the
// watch ends when ctx is canceled.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		if err := addRecursive(watcher, path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch policy path")
		}
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.processEvents(ctx, watcher, paths, apply)

	l.logger.Info().Int("paths", len(paths)).Msg("Watching policy paths")
	return nil
}

// addRecursive watches path and, for a directory, every directory below it.
func addRecursive(watcher *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(path)
	}
	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(p)
		}
		return nil
	})
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, apply func([]Policy) error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		_ = watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = addRecursive(watcher, event.Name)
				}
			}
			if !isPolicyFile(event.Name) || event.Op == fsnotify.Chmod {
				continue
			}

			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, func() {
				if err := l.reload(ctx, paths, apply); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload policies")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, apply func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	if err := apply(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}

	l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
	return nil
}

// StopWatching closes the watcher started by Watch.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}
