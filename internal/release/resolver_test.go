package release

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cargomsfs/internal/catalog"
	"cargomsfs/internal/config"
	"cargomsfs/internal/errs"
)

const testManifest = `{
  "game_versions": [
    {
      "downloads_menu": {
        "SDK Installer (Core)": {"value": "MSFS_SDK_Core_Installer_0.24.3.0.msi"},
        "Samples": {"value": null}
      },
      "release_notes": ["0.24.1.0", "0.24.2.0", "0.24.3.0"]
    }
  ]
}`

type fakeGetter struct {
	body  string
	err   error
	calls int
	urls  []string
}

func (f *fakeGetter) Get(_ context.Context, url string) ([]byte, error) {
	f.calls++
	f.urls = append(f.urls, url)
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.body), nil
}

func TestLatestPicksReleaseByVersionOrdering(t *testing.T) {
	getter := &fakeGetter{body: testManifest}
	r := NewResolver(getter, "", nil, nil)

	rel2020, err := r.Latest(context.Background(), catalog.MSFS2020)
	require.NoError(t, err)
	assert.Equal(t, "0.24.3.0", rel2020.Release)
	assert.Equal(t, "https://sdk.flightsimulator.com/files/MSFS_SDK_Core_Installer_0.24.3.0.msi", rel2020.URL)

	rel2024, err := r.Latest(context.Background(), catalog.MSFS2024)
	require.NoError(t, err)
	assert.Equal(t, "0.24.1.0", rel2024.Release)
	assert.Equal(t, "https://sdk.flightsimulator.com/msfs2024/files/sdk.json", getter.urls[1])
}

func TestLatestUsesCacheWithinTTL(t *testing.T) {
	getter := &fakeGetter{body: testManifest}
	cacheFile := filepath.Join(t.TempDir(), "release_cache.json")
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	r := NewResolver(getter, cacheFile, nil, nil)
	r.now = func() time.Time { return now }

	_, err := r.Latest(context.Background(), catalog.MSFS2020)
	require.NoError(t, err)
	_, err = r.Latest(context.Background(), catalog.MSFS2020)
	require.NoError(t, err)
	assert.Equal(t, 1, getter.calls)

	now = now.Add(2 * time.Hour)
	_, err = r.Latest(context.Background(), catalog.MSFS2020)
	require.NoError(t, err)
	assert.Equal(t, 2, getter.calls)
}

func TestLatestPrefersPinnedSource(t *testing.T) {
	getter := &fakeGetter{err: errors.New("offline")}
	sources := map[string]config.SourceConfig{
		"msfs2024": {URL: "https://mirror.example.com/sdk.zip", SHA256: "ABCDEF", Release: "1.2.3"},
	}
	r := NewResolver(getter, "", sources, nil)

	rel, err := r.Latest(context.Background(), catalog.MSFS2024)
	require.NoError(t, err)
	assert.True(t, rel.Pinned)
	assert.Equal(t, "abcdef", rel.SHA256)
	assert.Equal(t, "1.2.3", rel.Release)
	assert.Zero(t, getter.calls)
}

func TestLatestManifestErrors(t *testing.T) {
	tests := map[string]string{
		"malformed":     `{"game_versions":`,
		"empty":         `{"game_versions":[]}`,
		"no installer":  `{"game_versions":[{"downloads_menu":{},"release_notes":["1"]}]}`,
		"null value":    `{"game_versions":[{"downloads_menu":{"SDK Installer (Core)":{"value":null}},"release_notes":["1"]}]}`,
		"no release no": `{"game_versions":[{"downloads_menu":{"SDK Installer (Core)":{"value":"a.zip"}},"release_notes":[]}]}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			r := NewResolver(&fakeGetter{body: body}, "", nil, nil)
			_, err := r.Latest(context.Background(), catalog.MSFS2020)
			require.ErrorIs(t, err, errs.Download)
		})
	}
}

func TestLatestRejectsUnknownVersion(t *testing.T) {
	r := NewResolver(&fakeGetter{body: testManifest}, "", nil, nil)
	_, err := r.Latest(context.Background(), catalog.RuntimeVersion("fsx"))
	require.ErrorIs(t, err, errs.NotSupportedVersion)
}

func TestCachedReleaseIgnoredWhenSourceMoves(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rc := releaseCache{Entries: map[string]cachedRelease{
		"msfs2020": {Release: Release{Release: "0.24.3.0"}, Source: "https://old.example/sdk.json", FetchedAt: now},
	}}

	_, ok := rc.fresh("msfs2020", "https://new.example/sdk.json", now)
	assert.False(t, ok)
	rel, ok := rc.fresh("msfs2020", "https://old.example/sdk.json", now.Add(time.Minute))
	require.True(t, ok)
	assert.Equal(t, "0.24.3.0", rel.Release)
}

func TestReleaseCacheToleratesGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "release_cache.json")
	require.NoError(t, writeReleaseCache(path, releaseCache{Entries: map[string]cachedRelease{}}))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	rc := readReleaseCache(path)
	assert.Empty(t, rc.Entries)
}
