package info

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cargomsfs/internal/catalog"
	"cargomsfs/internal/errs"
	"cargomsfs/internal/release"
	"cargomsfs/internal/sdk"
)

type staticRecords []sdk.Record

func (s staticRecords) List(context.Context) ([]sdk.Record, error) { return s, nil }

type failingRecords struct{}

func (failingRecords) List(context.Context) ([]sdk.Record, error) {
	return nil, errs.New(errs.KindIO, "registry unreadable")
}

type staticReleases map[catalog.RuntimeVersion]string

func (s staticReleases) Latest(_ context.Context, v catalog.RuntimeVersion) (release.Release, error) {
	rel, ok := s[v]
	if !ok {
		return release.Release{}, errors.New("manifest unreachable")
	}
	return release.Release{Version: v, Release: rel}, nil
}

func TestReportFreshEnvironment(t *testing.T) {
	entries, err := NewReporter(staticRecords(nil)).Report(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, len(catalog.All()))
	for i, v := range catalog.All() {
		assert.Equal(t, v, entries[i].Version)
		assert.False(t, entries[i].Installed)
		assert.Empty(t, entries[i].RootPath)
	}
}

func TestReportInstalledEntries(t *testing.T) {
	records := staticRecords{{Version: catalog.MSFS2024, RootPath: "/data/sdks/msfs2024", Release: "1.2.3", Checksum: "abc"}}
	entries, err := NewReporter(records).Report(context.Background())
	require.NoError(t, err)

	assert.False(t, entries[0].Installed)
	assert.True(t, entries[1].Installed)
	assert.Equal(t, "/data/sdks/msfs2024", entries[1].RootPath)
	assert.Equal(t, "1.2.3", entries[1].Release)
	assert.Equal(t, "MSFS 2024", entries[1].Name)
}

func TestReportWithLatest(t *testing.T) {
	records := staticRecords{{Version: catalog.MSFS2020, RootPath: "/x", Release: "0.24.2"}}
	releases := staticReleases{catalog.MSFS2020: "0.24.3"}

	entries, err := NewReporter(records, WithLatest(releases)).Report(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "0.24.3", entries[0].Latest)
	assert.True(t, entries[0].UpdateAvailable)
	assert.Empty(t, entries[0].Note)

	// A failed lookup becomes a note, not an error.
	assert.Empty(t, entries[1].Latest)
	assert.Contains(t, entries[1].Note, "manifest unreachable")
}

func TestReportWithDigests(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.h"), []byte("a"), 0o644))
	records := staticRecords{{Version: catalog.MSFS2020, RootPath: root}}

	entries, err := NewReporter(records, WithDigests()).Report(context.Background())
	require.NoError(t, err)
	want, err := sdk.TreeDigest(root)
	require.NoError(t, err)
	assert.Equal(t, want, entries[0].Digest)
	assert.Empty(t, entries[1].Digest)
}

func TestReportProgress(t *testing.T) {
	root := t.TempDir()
	records := staticRecords{{Version: catalog.MSFS2024, RootPath: root}}
	releases := staticReleases{catalog.MSFS2024: "1.0.0"}

	var mu sync.Mutex
	var calls []int
	_, err := NewReporter(records, WithLatest(releases), WithDigests(), WithProgress(func(done, total int) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 3, total)
		calls = append(calls, done)
	})).Report(context.Background())
	require.NoError(t, err)

	// Two latest lookups and one digest.
	assert.ElementsMatch(t, []int{1, 2, 3}, calls)
}

func TestReportDigestFailure(t *testing.T) {
	records := staticRecords{{Version: catalog.MSFS2020, RootPath: filepath.Join(t.TempDir(), "missing")}}
	_, err := NewReporter(records, WithDigests()).Report(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.IO)
}

func TestReportPropagatesRegistryErrors(t *testing.T) {
	_, err := NewReporter(failingRecords{}).Report(context.Background())
	assert.ErrorIs(t, err, errs.IO)
}

func TestVersion(t *testing.T) {
	records := staticRecords{{Version: catalog.MSFS2020, RootPath: "/x"}}
	entry, err := NewReporter(records).Version(context.Background(), catalog.MSFS2020)
	require.NoError(t, err)
	assert.True(t, entry.Installed)

	_, err = NewReporter(records).Version(context.Background(), catalog.RuntimeVersion("msfs2030"))
	assert.ErrorIs(t, err, errs.NotSupportedVersion)
}
