package sdk

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cargomsfs/internal/catalog"
	"cargomsfs/internal/errs"
	"cargomsfs/internal/paths"
	"cargomsfs/internal/release"
)

type fakeSource struct {
	mu       sync.Mutex
	releases map[catalog.RuntimeVersion]release.Release
	err      error
}

func (f *fakeSource) Latest(_ context.Context, v catalog.RuntimeVersion) (release.Release, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return release.Release{}, f.err
	}
	rel, ok := f.releases[v]
	if !ok {
		return release.Release{}, errors.New("no release")
	}
	return rel, nil
}

func (f *fakeSource) set(v catalog.RuntimeVersion, rel release.Release) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases[v] = rel
}

type fakeDownloader struct {
	mu      sync.Mutex
	payload map[string][]byte
	err     error
	started chan struct{}
	gate    chan struct{}
	calls   int
}

func (f *fakeDownloader) Download(ctx context.Context, url, dest string, progress release.ProgressFunc) (string, error) {
	f.mu.Lock()
	f.calls++
	data, ok := f.payload[url]
	err := f.err
	started, gate := f.started, f.gate
	f.mu.Unlock()

	if started != nil {
		close(started)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errs.New(errs.KindDownload, "404 "+url)
	}
	if progress != nil {
		progress(int64(len(data)), int64(len(data)))
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func buildArchive(t *testing.T, prefix string, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(prefix + name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func sdkFiles(layout catalog.Layout, stamp string) map[string]string {
	files := map[string]string{
		layout.Builtins: "builtins-" + stamp,
	}
	for _, dir := range layout.IncludeDirs {
		files[dir+"/stdio.h"] = "/* " + stamp + " */"
	}
	return files
}

func sha(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type harness struct {
	store  *Store
	layout paths.Layout
	source *fakeSource
	dl     *fakeDownloader
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	layout := paths.New(t.TempDir())
	source := &fakeSource{releases: map[catalog.RuntimeVersion]release.Release{}}
	dl := &fakeDownloader{payload: map[string][]byte{}}
	store := New(layout, source, dl, nil)
	clock := time.Date(2024, 11, 19, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return &harness{store: store, layout: layout, source: source, dl: dl}
}

// publish serves a well-formed SDK archive as the latest release of v.
func (h *harness) publish(t *testing.T, v catalog.RuntimeVersion, rel string) []byte {
	t.Helper()
	entry := catalog.MustLookup(v)
	data := buildArchive(t, entry.Layout.ExtractPrefix, sdkFiles(entry.Layout, rel))
	url := "https://sdk.example.test/" + string(v) + "-" + rel + ".zip"
	h.dl.payload[url] = data
	h.source.set(v, release.Release{Version: v, Release: rel, URL: url, SHA256: sha(data)})
	return data
}

func assertDirEmpty(t *testing.T, dir string) {
	t.Helper()
	items, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	require.NoError(t, err)
	assert.Empty(t, items, "expected %s to be empty", dir)
}

func TestInstallPromotesVerifiedTree(t *testing.T) {
	h := newHarness(t)
	data := h.publish(t, catalog.MSFS2020, "0.24.3")

	var reported int64
	h.store.Progress = func(downloaded, total int64) { reported = downloaded }

	rec, err := h.store.Install(context.Background(), catalog.MSFS2020, InstallOptions{})
	require.NoError(t, err)

	entry := catalog.MustLookup(catalog.MSFS2020)
	assert.Equal(t, catalog.MSFS2020, rec.Version)
	assert.Equal(t, h.layout.SDKRoot(entry.Layout.DirName), rec.RootPath)
	assert.Equal(t, sha(data), rec.Checksum)
	assert.Equal(t, "0.24.3", rec.Release)
	assert.Equal(t, int64(len(data)), reported)

	for _, rel := range entry.Layout.Required {
		assert.FileExists(t, filepath.Join(rec.RootPath, filepath.FromSlash(rel)), rel)
	}
	version, err := os.ReadFile(filepath.Join(rec.RootPath, versionFileName))
	require.NoError(t, err)
	assert.Equal(t, "0.24.3", string(version))

	got, ok, err := h.store.Get(context.Background(), catalog.MSFS2020)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec, got)

	assertDirEmpty(t, h.layout.StagingDir)
	assertDirEmpty(t, h.layout.TrashDir)
}

func TestInstallStripsOnlyPrefixedEntries(t *testing.T) {
	h := newHarness(t)
	entry := catalog.MustLookup(catalog.MSFS2024)
	files := map[string]string{}
	for name, body := range sdkFiles(entry.Layout, "1.0") {
		files[entry.Layout.ExtractPrefix+name] = body
	}
	files["Redist/setup.exe"] = "ignored"
	data := buildArchive(t, "", files)
	url := "https://sdk.example.test/2024.zip"
	h.dl.payload[url] = data
	h.source.set(catalog.MSFS2024, release.Release{Version: catalog.MSFS2024, Release: "1.0", URL: url})

	rec, err := h.store.Install(context.Background(), catalog.MSFS2024, InstallOptions{})
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(rec.RootPath, "Redist", "setup.exe"))
	assert.FileExists(t, filepath.Join(rec.RootPath, filepath.FromSlash(entry.Layout.Builtins)))
}

func TestInstallFromInstallerPackages(t *testing.T) {
	cases := map[string]string{
		"https://sdk.example.test/MSFS_SDK_Core_Installer_1.37.5.msi": "sdk_core.msi",
		"https://sdk.example.test/MSFS_SDK_Core_Installer_1.37.5.zip": "sdk_core_zipped.zip",
	}
	for url, fixture := range cases {
		t.Run(fixture, func(t *testing.T) {
			data, err := os.ReadFile(filepath.Join("testdata", fixture))
			require.NoError(t, err)
			h := newHarness(t)
			h.dl.payload[url] = data
			h.source.set(catalog.MSFS2020, release.Release{Version: catalog.MSFS2020, Release: "1.37.5", URL: url, SHA256: sha(data)})

			rec, err := h.store.Install(context.Background(), catalog.MSFS2020, InstallOptions{})
			require.NoError(t, err)

			entry := catalog.MustLookup(catalog.MSFS2020)
			for _, rel := range entry.Layout.Required {
				assert.FileExists(t, filepath.Join(rec.RootPath, filepath.FromSlash(rel)), rel)
			}
			header, err := os.ReadFile(filepath.Join(rec.RootPath, "WASM", "include", "gauges.h"))
			require.NoError(t, err)
			assert.Equal(t, "#pragma once\n/* gauges */\n", string(header))
			builtins, err := os.ReadFile(filepath.Join(rec.RootPath, filepath.FromSlash(entry.Layout.Builtins)))
			require.NoError(t, err)
			assert.Len(t, builtins, 6000)

			// Files outside the SDK folder of the installer are not kept.
			assert.NoDirExists(t, filepath.Join(rec.RootPath, "Samples"))
			assertDirEmpty(t, h.layout.StagingDir)
		})
	}
}

func TestInstallTwiceReportsAlreadyInstalled(t *testing.T) {
	h := newHarness(t)
	h.publish(t, catalog.MSFS2020, "1")
	ctx := context.Background()

	first, err := h.store.Install(ctx, catalog.MSFS2020, InstallOptions{})
	require.NoError(t, err)

	_, err = h.store.Install(ctx, catalog.MSFS2020, InstallOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.AlreadyInstalled)
	assert.Equal(t, 1, h.dl.calls)

	second, err := h.store.Install(ctx, catalog.MSFS2020, InstallOptions{Reinstall: true})
	require.NoError(t, err)
	assert.Equal(t, first.RootPath, second.RootPath)
	assert.NotEqual(t, first.InstalledAt, second.InstalledAt)
	assertDirEmpty(t, h.layout.TrashDir)
}

func TestInstallFailuresLeaveNoTrace(t *testing.T) {
	cases := []struct {
		name  string
		setup func(t *testing.T, h *harness)
		kind  *errs.Error
	}{
		{
			name: "checksum mismatch",
			setup: func(t *testing.T, h *harness) {
				h.publish(t, catalog.MSFS2020, "1")
				rel, _ := h.source.Latest(context.Background(), catalog.MSFS2020)
				rel.SHA256 = sha([]byte("something else"))
				h.source.set(catalog.MSFS2020, rel)
			},
			kind: errs.Verification,
		},
		{
			name: "download failure",
			setup: func(t *testing.T, h *harness) {
				h.publish(t, catalog.MSFS2020, "1")
				h.dl.err = errors.New("connection reset")
			},
			kind: errs.Download,
		},
		{
			name: "manifest failure",
			setup: func(t *testing.T, h *harness) {
				h.source.err = errors.New("dns failure")
			},
			kind: errs.Download,
		},
		{
			name: "incomplete layout",
			setup: func(t *testing.T, h *harness) {
				data := buildArchive(t, "", map[string]string{"README.txt": "no sysroot"})
				url := "https://sdk.example.test/partial.zip"
				h.dl.payload[url] = data
				h.source.set(catalog.MSFS2020, release.Release{Version: catalog.MSFS2020, URL: url})
			},
			kind: errs.Verification,
		},
		{
			name: "corrupt installer",
			setup: func(t *testing.T, h *harness) {
				url := "https://sdk.example.test/MSFS_SDK_Core_Installer.msi"
				h.dl.payload[url] = []byte("MZ")
				h.source.set(catalog.MSFS2020, release.Release{Version: catalog.MSFS2020, URL: url})
			},
			kind: errs.Verification,
		},
		{
			name: "unsupported archive",
			setup: func(t *testing.T, h *harness) {
				url := "https://sdk.example.test/MSFS_SDK_Core_Installer.exe"
				h.dl.payload[url] = []byte("MZ")
				h.source.set(catalog.MSFS2020, release.Release{Version: catalog.MSFS2020, URL: url})
			},
			kind: errs.Verification,
		},
		{
			name: "path traversal",
			setup: func(t *testing.T, h *harness) {
				data := buildArchive(t, "", map[string]string{"../escape.txt": "x"})
				url := "https://sdk.example.test/evil.zip"
				h.dl.payload[url] = data
				h.source.set(catalog.MSFS2020, release.Release{Version: catalog.MSFS2020, URL: url})
			},
			kind: errs.Verification,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			tc.setup(t, h)

			_, err := h.store.Install(context.Background(), catalog.MSFS2020, InstallOptions{})
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.kind)

			records, err := h.store.List(context.Background())
			require.NoError(t, err)
			assert.Empty(t, records)
			assert.NoDirExists(t, h.layout.SDKRoot("msfs2020"))
			assert.NoFileExists(t, filepath.Join(h.layout.Root, "escape.txt"))
			assertDirEmpty(t, h.layout.StagingDir)
		})
	}
}

func TestInstallRejectsUnknownVersion(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.Install(context.Background(), catalog.RuntimeVersion("msfs2018"), InstallOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.NotSupportedVersion)
}

func TestConcurrentInstallIsSerialized(t *testing.T) {
	h := newHarness(t)
	h.publish(t, catalog.MSFS2020, "1")
	h.dl.started = make(chan struct{})
	h.dl.gate = make(chan struct{})

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		_, err := h.store.Install(ctx, catalog.MSFS2020, InstallOptions{})
		done <- err
	}()
	<-h.dl.started

	h.dl.mu.Lock()
	h.dl.started = nil
	h.dl.mu.Unlock()

	other := New(h.layout, h.source, h.dl, nil)
	_, err := other.Install(ctx, catalog.MSFS2020, InstallOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.LockContention)

	close(h.dl.gate)
	require.NoError(t, <-done)

	other.LockWait = time.Second
	_, err = other.Install(ctx, catalog.MSFS2020, InstallOptions{})
	assert.ErrorIs(t, err, errs.AlreadyInstalled)

	records, err := h.store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestLockWaitHonorsContext(t *testing.T) {
	layout := paths.New(t.TempDir())
	unlock, err := acquireLock(context.Background(), layout.LockFile, 0)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = acquireLock(ctx, layout.LockFile, time.Hour)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.LockContention)
}

func TestUpdateFailureKeepsPreviousInstallIntact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.publish(t, catalog.MSFS2020, "1")

	before, err := h.store.Install(ctx, catalog.MSFS2020, InstallOptions{})
	require.NoError(t, err)
	digestBefore, err := TreeDigest(before.RootPath)
	require.NoError(t, err)
	registryBefore, err := os.ReadFile(h.layout.RegistryFile)
	require.NoError(t, err)

	data := buildArchive(t, "", map[string]string{"WASM/include/only.h": "partial"})
	url := "https://sdk.example.test/broken.zip"
	h.dl.payload[url] = data
	h.source.set(catalog.MSFS2020, release.Release{Version: catalog.MSFS2020, Release: "2", URL: url})

	_, err = h.store.Update(ctx, catalog.MSFS2020)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.Verification)

	digestAfter, err := TreeDigest(before.RootPath)
	require.NoError(t, err)
	assert.Equal(t, digestBefore, digestAfter)
	registryAfter, err := os.ReadFile(h.layout.RegistryFile)
	require.NoError(t, err)
	assert.Equal(t, registryBefore, registryAfter)
	assertDirEmpty(t, h.layout.StagingDir)
}

func TestUpdateSwapsTree(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.publish(t, catalog.MSFS2020, "1")
	before, err := h.store.Install(ctx, catalog.MSFS2020, InstallOptions{})
	require.NoError(t, err)

	h.publish(t, catalog.MSFS2020, "2")
	after, err := h.store.Update(ctx, catalog.MSFS2020)
	require.NoError(t, err)

	assert.Equal(t, before.RootPath, after.RootPath)
	assert.Equal(t, "2", after.Release)
	assert.NotEqual(t, before.Checksum, after.Checksum)
	assert.True(t, complete(after, catalog.MustLookup(catalog.MSFS2020).Layout))
	assertDirEmpty(t, h.layout.TrashDir)
}

func TestUpdateRequiresInstall(t *testing.T) {
	h := newHarness(t)
	h.publish(t, catalog.MSFS2024, "1")
	_, err := h.store.Update(context.Background(), catalog.MSFS2024)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.NotInstalled)
	assert.Equal(t, 0, h.dl.calls)
}

func TestRemove(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.publish(t, catalog.MSFS2024, "1")
	rec, err := h.store.Install(ctx, catalog.MSFS2024, InstallOptions{})
	require.NoError(t, err)

	require.NoError(t, h.store.Remove(ctx, catalog.MSFS2024))
	assert.NoDirExists(t, rec.RootPath)
	_, ok, err := h.store.Get(ctx, catalog.MSFS2024)
	require.NoError(t, err)
	assert.False(t, ok)

	err = h.store.Remove(ctx, catalog.MSFS2024)
	assert.ErrorIs(t, err, errs.NotInstalled)
}

func TestRemoveKeepsRecordWhenTreeSurvives(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("directory permissions do not block deletion here")
	}
	h := newHarness(t)
	ctx := context.Background()
	h.publish(t, catalog.MSFS2020, "1")
	rec, err := h.store.Install(ctx, catalog.MSFS2020, InstallOptions{})
	require.NoError(t, err)

	locked := filepath.Join(rec.RootPath, "locked")
	require.NoError(t, os.MkdirAll(locked, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(locked, "held.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Chmod(locked, 0o500))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	err = h.store.Remove(ctx, catalog.MSFS2020)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.RemovalIncomplete)

	records, err := h.store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, rec.RootPath, records[0].RootPath)
	assert.FileExists(t, filepath.Join(locked, "held.txt"))

	require.NoError(t, os.Chmod(locked, 0o755))
	require.NoError(t, h.store.Remove(ctx, catalog.MSFS2020))
	assert.NoDirExists(t, rec.RootPath)
	records, err = h.store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestListOrdersByCatalog(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.publish(t, catalog.MSFS2020, "a")
	h.publish(t, catalog.MSFS2024, "b")
	_, err := h.store.Install(ctx, catalog.MSFS2024, InstallOptions{})
	require.NoError(t, err)
	_, err = h.store.Install(ctx, catalog.MSFS2020, InstallOptions{})
	require.NoError(t, err)

	records, err := h.store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, catalog.MSFS2020, records[0].Version)
	assert.Equal(t, catalog.MSFS2024, records[1].Version)
}

func TestListOnFreshDataDir(t *testing.T) {
	h := newHarness(t)
	records, err := h.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.NoFileExists(t, h.layout.RegistryFile)
}

func TestRecoveryRestoresInterruptedUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.publish(t, catalog.MSFS2020, "1")
	rec, err := h.store.Install(ctx, catalog.MSFS2020, InstallOptions{})
	require.NoError(t, err)
	digest, err := TreeDigest(rec.RootPath)
	require.NoError(t, err)

	// Simulate a crash after the new tree was promoted but before the
	// registry was saved.
	trash := filepath.Join(h.layout.TrashDir, "msfs2020-01hzzzzzzzzzzzzzzzzzzzzzzz")
	require.NoError(t, os.Rename(rec.RootPath, trash))
	require.NoError(t, os.MkdirAll(rec.RootPath, 0o755))
	require.NoError(t, writeMarker(rec.RootPath, marker{Version: catalog.MSFS2020, Checksum: "new", InstalledAt: "later"}))

	// Any mutation runs recovery first.
	err = h.store.Remove(ctx, catalog.MSFS2024)
	assert.ErrorIs(t, err, errs.NotInstalled)

	assert.True(t, complete(rec, catalog.MustLookup(catalog.MSFS2020).Layout))
	restored, err := TreeDigest(rec.RootPath)
	require.NoError(t, err)
	assert.Equal(t, digest, restored)
	assertDirEmpty(t, h.layout.TrashDir)
}

func TestRecoveryAdoptsOrDeletesOrphans(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.publish(t, catalog.MSFS2020, "1")
	h.publish(t, catalog.MSFS2024, "1")
	rec2020, err := h.store.Install(ctx, catalog.MSFS2020, InstallOptions{})
	require.NoError(t, err)
	rec2024, err := h.store.Install(ctx, catalog.MSFS2024, InstallOptions{})
	require.NoError(t, err)

	// Drop both registry entries, then break the 2024 tree.
	require.NoError(t, saveRegistry(h.layout.RegistryFile, newRegistry()))
	require.NoError(t, os.Remove(filepath.Join(rec2024.RootPath, markerFileName)))
	// Leave a stale staging directory behind.
	stale := filepath.Join(h.layout.StagingDir, "msfs2020-stale")
	require.NoError(t, os.MkdirAll(stale, 0o755))

	_, err = h.store.Update(ctx, catalog.MSFS2024)
	assert.ErrorIs(t, err, errs.NotInstalled)

	got, ok, err := h.store.Get(ctx, catalog.MSFS2020)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec2020, got)
	assert.NoDirExists(t, rec2024.RootPath)
	assert.NoDirExists(t, stale)
}

func TestRecoveryDropsDanglingEntries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.publish(t, catalog.MSFS2020, "1")
	rec, err := h.store.Install(ctx, catalog.MSFS2020, InstallOptions{})
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(rec.RootPath))

	// A dangling entry does not block a fresh install.
	fresh, err := h.store.Install(ctx, catalog.MSFS2020, InstallOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, rec.InstalledAt, fresh.InstalledAt)
	assert.True(t, complete(fresh, catalog.MustLookup(catalog.MSFS2020).Layout))
}
