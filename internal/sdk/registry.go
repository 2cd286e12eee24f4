package sdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cargomsfs/internal/catalog"
)

func newRegistry() *Registry {
	return &Registry{Version: registryVersion, Entries: map[string]Record{}}
}

// loadRegistry reads the registry file, returning an empty registry when the
// file does not exist yet.
func loadRegistry(path string) (*Registry, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return newRegistry(), nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}

	var reg Registry
	if err := json.Unmarshal(contents, &reg); err != nil {
		return nil, fmt.Errorf("unmarshal registry: %w", err)
	}
	if reg.Entries == nil {
		reg.Entries = map[string]Record{}
	}
	if reg.Version == 0 {
		reg.Version = registryVersion
	}
	return &reg, nil
}

// saveRegistry replaces the registry file atomically so lock-free readers
// always observe a whole file.
func saveRegistry(path string, reg *Registry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("prepare registry directory: %w", err)
	}

	buf, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "registry-*.json")
	if err != nil {
		return fmt.Errorf("create temp registry: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return fmt.Errorf("write registry temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync registry temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close registry temp: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}

func (r *Registry) get(v catalog.RuntimeVersion) (Record, bool) {
	rec, ok := r.Entries[string(v)]
	return rec, ok
}

func (r *Registry) put(rec Record) {
	r.Entries[string(rec.Version)] = rec
}

func (r *Registry) remove(v catalog.RuntimeVersion) {
	delete(r.Entries, string(v))
}
