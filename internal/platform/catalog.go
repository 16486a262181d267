// SPDX-License-Identifier: MIT

// Package platform exposes the enabled demo platforms and their scenario
// catalog. Scenarios are loaded from a YAML file and hot-reloaded when the
// file changes, so new exercises can land without a broker restart.
package platform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/demolab/sessionbroker/internal/log"
)

// Scenario is one guided exercise a visitor can run against a platform.
type Scenario struct {
	ID          string `yaml:"id" json:"id"`
	Title       string `yaml:"title" json:"title"`
	Description string `yaml:"description" json:"description"`
	Difficulty  string `yaml:"difficulty" json:"difficulty,omitempty"`
}

// Info is the public description of one platform.
type Info struct {
	Name      string     `json:"name"`
	Scenarios []Scenario `json:"scenarios"`
}

type catalogFile struct {
	Platforms map[string][]Scenario `yaml:"platforms"`
}

// Catalog holds the scenario set for the enabled platforms.
type Catalog struct {
	path    string
	enabled []string

	mu        sync.RWMutex
	scenarios map[string][]Scenario

	logger zerolog.Logger
}

// NewCatalog builds a catalog for the enabled platform names. path may be
// empty, in which case every platform reports zero scenarios.
func NewCatalog(path string, enabled []string) *Catalog {
	names := make([]string, len(enabled))
	copy(names, enabled)
	sort.Strings(names)
	return &Catalog{
		path:      path,
		enabled:   names,
		scenarios: make(map[string][]Scenario),
		logger:    log.WithComponent("platform"),
	}
}

// Load reads the scenario file. Unknown platform keys are kept on disk but
// not served; only enabled platforms are exposed.
func (c *Catalog) Load() error {
	if c.path == "" {
		return nil
	}
	raw, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		// A missing file is an empty catalog, not a startup failure; it may
		// appear later and be picked up by the watcher.
		c.logger.Warn().Str("path", c.path).Msg("scenario file not found, serving empty catalog")
		return nil
	}
	if err != nil {
		return fmt.Errorf("platform: read scenarios: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("platform: parse scenarios: %w", err)
	}

	next := make(map[string][]Scenario, len(c.enabled))
	for _, name := range c.enabled {
		next[name] = file.Platforms[name]
	}

	c.mu.Lock()
	c.scenarios = next
	c.mu.Unlock()

	total := 0
	for _, s := range next {
		total += len(s)
	}
	c.logger.Info().Str("path", c.path).Int("scenarios", total).Msg("scenario catalog loaded")
	return nil
}

// Platforms returns the enabled platforms with their scenarios, sorted by
// name.
func (c *Catalog) Platforms() []Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Info, 0, len(c.enabled))
	for _, name := range c.enabled {
		scenarios := make([]Scenario, len(c.scenarios[name]))
		copy(scenarios, c.scenarios[name])
		out = append(out, Info{Name: name, Scenarios: scenarios})
	}
	return out
}

// Scenarios returns the scenario list for one platform.
func (c *Catalog) Scenarios(name string) []Scenario {
	c.mu.RLock()
	defer c.mu.RUnlock()
	scenarios := make([]Scenario, len(c.scenarios[name]))
	copy(scenarios, c.scenarios[name])
	return scenarios
}

// Watch reloads the catalog when the scenario file changes. Editors replace
// files on save, so the parent directory is watched and events are debounced
// before reloading. Blocks until ctx is cancelled.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.path == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("platform: watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(c.path)); err != nil {
		return fmt.Errorf("platform: watch %s: %w", filepath.Dir(c.path), err)
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(c.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if err := c.Load(); err != nil {
				c.logger.Warn().Err(err).Msg("scenario reload failed, keeping previous catalog")
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn().Err(err).Msg("scenario watcher error")
		}
	}
}
