// Package mapper translates stable frontend identifiers into provider identifiers.
package mapper

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/danilovkiri/dk-go-smsbroker/internal/models/modelstorage"
	"github.com/danilovkiri/dk-go-smsbroker/internal/storage"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Kind distinguishes the two identifier namespaces.
type Kind string

const (
	KindService Kind = "service"
	KindCountry Kind = "country"
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindService, KindCountry:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown mapping kind %q, want service or country", s)
	}
}

type key struct {
	frontendID string
	kind       Kind
}

// Mapper is a storage-backed lookup table with an in-memory cache.
type Mapper struct {
	mu      sync.RWMutex
	table   map[key]string
	storage storage.Mappings
	log     *zerolog.Logger
}

// Override is the layout of a mapping override file.
type Override struct {
	Services  map[string]string `yaml:"services"`
	Countries map[string]string `yaml:"countries"`
}

// InitMapper seeds missing catalog entries, applies the override file if given and
// loads the whole table into memory.
func InitMapper(ctx context.Context, st storage.Mappings, overridePath string, log *zerolog.Logger) (*Mapper, error) {
	m := &Mapper{table: make(map[key]string), storage: st, log: log}
	existing, err := st.GetMappings(ctx)
	if err != nil {
		return nil, err
	}
	present := make(map[key]bool, len(existing))
	for _, entry := range existing {
		present[key{entry.FrontendID, Kind(entry.Kind)}] = true
	}
	seed := func(kind Kind, catalog map[string]string) error {
		for frontendID, providerID := range catalog {
			if present[key{frontendID, kind}] {
				continue
			}
			if err := st.UpsertMapping(ctx, modelstorage.MappingStorageEntry{FrontendID: frontendID, Kind: string(kind), ProviderID: providerID}); err != nil {
				return err
			}
		}
		return nil
	}
	if err := seed(KindService, serviceCatalog); err != nil {
		return nil, err
	}
	if err := seed(KindCountry, countryCatalog); err != nil {
		return nil, err
	}
	if overridePath != "" {
		override, err := LoadOverride(overridePath)
		if err != nil {
			return nil, err
		}
		if err := m.apply(ctx, override); err != nil {
			return nil, err
		}
	}
	if err := m.Reload(ctx); err != nil {
		return nil, err
	}
	log.Info().Msg(fmt.Sprintf("mapping table loaded with %d entries", m.Len()))
	return m, nil
}

// LoadOverride reads a YAML override file.
func LoadOverride(path string) (*Override, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var override Override
	if err := yaml.Unmarshal(b, &override); err != nil {
		return nil, fmt.Errorf("parsing mapping file %s: %w", path, err)
	}
	return &override, nil
}

func (m *Mapper) apply(ctx context.Context, override *Override) error {
	for frontendID, providerID := range override.Services {
		if err := m.Upsert(ctx, frontendID, providerID, KindService); err != nil {
			return err
		}
	}
	for frontendID, providerID := range override.Countries {
		if err := m.Upsert(ctx, frontendID, providerID, KindCountry); err != nil {
			return err
		}
	}
	return nil
}

// Reload replaces the cache with the stored table.
func (m *Mapper) Reload(ctx context.Context) error {
	entries, err := m.storage.GetMappings(ctx)
	if err != nil {
		return err
	}
	table := make(map[key]string, len(entries))
	for _, entry := range entries {
		table[key{entry.FrontendID, Kind(entry.Kind)}] = entry.ProviderID
	}
	m.mu.Lock()
	m.table = table
	m.mu.Unlock()
	return nil
}

// Resolve returns the provider identifier for frontendID, or frontendID itself
// when no mapping exists. Pass-through results are not cached so that a mapping
// stored later by another process is picked up by the next Reload.
func (m *Mapper) Resolve(frontendID string, kind Kind) string {
	m.mu.RLock()
	providerID, ok := m.table[key{frontendID, kind}]
	m.mu.RUnlock()
	if ok {
		return providerID
	}
	m.log.Debug().Msg(fmt.Sprintf("no %s mapping for %q, passing through", kind, frontendID))
	return frontendID
}

// Watch reloads the table every interval until ctx is done. Reload failures are
// logged and the previous table is kept.
func (m *Mapper) Watch(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Reload(ctx); err != nil && ctx.Err() == nil {
				m.log.Error().Err(err).Msg("reloading mapping table failed")
			}
		}
	}
}

// Upsert stores a mapping, replacing any previous one.
func (m *Mapper) Upsert(ctx context.Context, frontendID, providerID string, kind Kind) error {
	err := m.storage.UpsertMapping(ctx, modelstorage.MappingStorageEntry{FrontendID: frontendID, Kind: string(kind), ProviderID: providerID})
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.table[key{frontendID, kind}] = providerID
	m.mu.Unlock()
	return nil
}

// Len reports the number of cached entries.
func (m *Mapper) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.table)
}
