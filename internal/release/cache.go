package release

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

const releaseCacheTTL = time.Hour

// cachedRelease remembers a manifest answer. Source is the manifest URL it
// came from, so moving a catalog entry to a new URL invalidates it.
type cachedRelease struct {
	Release   Release   `json:"release"`
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
}

type releaseCache struct {
	Entries map[string]cachedRelease `json:"entries"`
}

// readReleaseCache never fails: an unreadable cache is an empty one.
func readReleaseCache(path string) releaseCache {
	rc := releaseCache{}
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			_ = json.Unmarshal(data, &rc)
		}
	}
	if rc.Entries == nil {
		rc.Entries = make(map[string]cachedRelease)
	}
	return rc
}

func (rc releaseCache) fresh(version, source string, now time.Time) (Release, bool) {
	entry, ok := rc.Entries[version]
	if !ok || entry.Source != source || now.Sub(entry.FetchedAt) > releaseCacheTTL {
		return Release{}, false
	}
	return entry.Release, true
}

// writeReleaseCache replaces path atomically. The cache is advisory, so
// write failures are returned for logging only.
func writeReleaseCache(path string, rc releaseCache) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(rc, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".release-cache-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
