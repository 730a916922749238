// Package catalog holds curated PromQL templates that the dashboard offers
// as starting points. Templates may contain the {$filters} placeholder.
package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/andydixon/metricsdeck/internal/logging"
	"github.com/andydixon/metricsdeck/internal/validation"
)

// Placeholder is substituted verbatim by Render.
const Placeholder = "{$filters}"

// ErrUnknownEntry is returned for an id the catalog does not hold.
var ErrUnknownEntry = errors.New("catalog entry not found")

//go:embed defaults.yaml
var defaultCatalog []byte

type Entry struct {
	ID          string `yaml:"id" json:"id" validate:"required"`
	Name        string `yaml:"name" json:"name" validate:"required"`
	Category    string `yaml:"category" json:"category"`
	Type        string `yaml:"type" json:"type" validate:"omitempty,oneof=counter gauge histogram summary unknown"`
	Unit        string `yaml:"unit" json:"unit,omitempty"`
	Description string `yaml:"description" json:"description,omitempty"`
	PromQL      string `yaml:"promql" json:"promql" validate:"required"`
}

type file struct {
	Entries []Entry `yaml:"entries"`
}

// Manager holds the current catalog and swaps it atomically on reload.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]Entry
	path    string
}

// NewManager returns a manager preloaded with the built-in catalog. path,
// when set, is the file Reload reads.
func NewManager(path string) (*Manager, error) {
	entries, err := parse(defaultCatalog)
	if err != nil {
		return nil, fmt.Errorf("built-in catalog: %w", err)
	}
	return &Manager{entries: entries, path: path}, nil
}

// Path returns the catalog file, if any.
func (m *Manager) Path() string { return m.path }

// Reload replaces the catalog with the contents of the configured file.
// On error the current catalog is kept.
func (m *Manager) Reload() error {
	if m.path == "" {
		return nil
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("failed to read catalog: %w", err)
	}
	entries, err := parse(data)
	if err != nil {
		return fmt.Errorf("failed to load catalog %s: %w", m.path, err)
	}

	m.mu.Lock()
	m.entries = entries
	m.mu.Unlock()

	logging.Info().Str("path", m.path).Int("entries", len(entries)).Msg("loaded catalog")
	return nil
}

func parse(data []byte) (map[string]Entry, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}
	out := make(map[string]Entry, len(f.Entries))
	for i, e := range f.Entries {
		if err := validation.Struct(&e); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i+1, err)
		}
		if _, dup := out[e.ID]; dup {
			return nil, fmt.Errorf("entry %d: duplicate id %q", i+1, e.ID)
		}
		if e.Type == "" {
			e.Type = "unknown"
		}
		out[e.ID] = e
	}
	return out, nil
}

// List returns every entry ordered by category, then name.
func (m *Manager) List() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (m *Manager) Get(id string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return Entry{}, ErrUnknownEntry
	}
	return e, nil
}

// Render returns the entry's PromQL with every {$filters} replaced by filters.
func (m *Manager) Render(id, filters string) (string, error) {
	e, err := m.Get(id)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(e.PromQL, Placeholder, filters), nil
}
