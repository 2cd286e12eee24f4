package sdk

import "cargomsfs/internal/catalog"

const (
	registryVersion = 1
	markerFileName  = ".cargo-msfs.json"
	versionFileName = "version.txt"
)

// Record describes one installed SDK.
type Record struct {
	Version     catalog.RuntimeVersion `json:"version"`
	RootPath    string                 `json:"root_path"`
	Checksum    string                 `json:"checksum"`
	Release     string                 `json:"release,omitempty"`
	SourceURL   string                 `json:"source_url,omitempty"`
	InstalledAt string                 `json:"installed_at"`
}

// Registry is the persisted mapping of runtime version to installed SDK.
type Registry struct {
	Version int                `json:"version"`
	Entries map[string]Record `json:"entries"`
}

// InstallOptions configures Install.
type InstallOptions struct {
	// Reinstall replaces a complete installation instead of failing with
	// AlreadyInstalled.
	Reinstall bool
}

// marker is written inside every promoted SDK tree so the tree can be
// matched against its registry record after a crash.
type marker struct {
	Version     catalog.RuntimeVersion `json:"version"`
	Release     string                 `json:"release,omitempty"`
	Checksum    string                 `json:"checksum"`
	SourceURL   string                 `json:"source_url,omitempty"`
	InstalledAt string                 `json:"installed_at"`
}

func (m marker) matches(rec Record) bool {
	return m.Version == rec.Version && m.Checksum == rec.Checksum && m.InstalledAt == rec.InstalledAt
}

func (m marker) record(root string) Record {
	return Record{
		Version:     m.Version,
		RootPath:    root,
		Checksum:    m.Checksum,
		Release:     m.Release,
		SourceURL:   m.SourceURL,
		InstalledAt: m.InstalledAt,
	}
}
