// Package sdk installs, updates, and removes MSFS SDK trees under the data
// directory. Mutations are serialized by an advisory lock on the registry,
// staged in a private directory, and promoted with renames so an interrupted
// operation never leaves a registry entry pointing at a partial tree.
package sdk

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"cargomsfs/internal/catalog"
	"cargomsfs/internal/errs"
	"cargomsfs/internal/paths"
	"cargomsfs/internal/release"
	"cargomsfs/internal/tracing"
)

// Source resolves the release to install for a runtime version.
type Source interface {
	Latest(ctx context.Context, v catalog.RuntimeVersion) (release.Release, error)
}

// Downloader fetches url into dest and returns the SHA-256 of the bytes written.
type Downloader interface {
	Download(ctx context.Context, url, dest string, progress release.ProgressFunc) (string, error)
}

// Store manages SDK installations rooted at a paths.Layout.
type Store struct {
	Layout     paths.Layout
	Source     Source
	Downloader Downloader
	Logger     *zap.Logger

	// LockWait bounds how long a mutation waits for the registry lock.
	LockWait time.Duration
	// Progress, when set, receives download progress.
	Progress release.ProgressFunc

	now func() time.Time
}

// New constructs a store. A nil logger disables logging.
func New(layout paths.Layout, source Source, downloader Downloader, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		Layout:     layout,
		Source:     source,
		Downloader: downloader,
		Logger:     logger,
		now:        time.Now,
	}
}

// Install downloads, verifies, and promotes the SDK for v.
func (s *Store) Install(ctx context.Context, v catalog.RuntimeVersion, opts InstallOptions) (rec Record, err error) {
	ctx, span := tracing.StartSpan(ctx, "sdk.install", tracing.Version(string(v)))
	defer func() { tracing.End(span, err) }()

	entry, err := catalog.Lookup(v)
	if err != nil {
		return Record{}, err
	}

	unlock, err := s.lock(ctx)
	if err != nil {
		return Record{}, err
	}
	defer unlock()

	reg, err := s.prepare(ctx)
	if err != nil {
		return Record{}, err
	}

	if existing, ok := reg.get(v); ok && complete(existing, entry.Layout) && !opts.Reinstall {
		return existing, errs.New(errs.KindAlreadyInstalled, fmt.Sprintf("%s is already installed at %s", v.DisplayName(), existing.RootPath)).WithVersion(string(v))
	}

	staged, err := s.stage(ctx, entry)
	if err != nil {
		return Record{}, err
	}
	defer staged.discard()

	rec, err = s.promote(ctx, entry, staged, reg)
	if err != nil {
		return Record{}, err
	}
	s.logger().Info("sdk installed",
		zap.String("version", string(v)),
		zap.String("release", rec.Release),
		zap.String("root", rec.RootPath),
	)
	return rec, nil
}

// Update replaces an installed SDK with the latest release. A failure before
// the swap leaves the previous installation untouched.
func (s *Store) Update(ctx context.Context, v catalog.RuntimeVersion) (rec Record, err error) {
	ctx, span := tracing.StartSpan(ctx, "sdk.update", tracing.Version(string(v)))
	defer func() { tracing.End(span, err) }()

	entry, err := catalog.Lookup(v)
	if err != nil {
		return Record{}, err
	}

	unlock, err := s.lock(ctx)
	if err != nil {
		return Record{}, err
	}
	defer unlock()

	reg, err := s.prepare(ctx)
	if err != nil {
		return Record{}, err
	}

	previous, ok := reg.get(v)
	if !ok {
		return Record{}, errs.New(errs.KindNotInstalled, fmt.Sprintf("%s is not installed", v.DisplayName())).WithVersion(string(v))
	}

	staged, err := s.stage(ctx, entry)
	if err != nil {
		return Record{}, err
	}
	defer staged.discard()

	rec, err = s.promote(ctx, entry, staged, reg)
	if err != nil {
		return Record{}, err
	}
	s.logger().Info("sdk updated",
		zap.String("version", string(v)),
		zap.String("from_release", previous.Release),
		zap.String("to_release", rec.Release),
	)
	return rec, nil
}

// Remove deletes the SDK tree for v and then its registry entry. When the
// tree cannot be fully deleted the entry is kept and RemovalIncomplete is
// returned.
func (s *Store) Remove(ctx context.Context, v catalog.RuntimeVersion) (err error) {
	ctx, span := tracing.StartSpan(ctx, "sdk.remove", tracing.Version(string(v)))
	defer func() { tracing.End(span, err) }()

	if err := catalog.Check(v); err != nil {
		return err
	}

	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	reg, err := s.prepare(ctx)
	if err != nil {
		return err
	}

	rec, ok := reg.get(v)
	if !ok {
		return errs.New(errs.KindNotInstalled, fmt.Sprintf("%s is not installed", v.DisplayName())).WithVersion(string(v))
	}

	if err := removeAll(rec.RootPath); err != nil {
		s.logger().Warn("sdk removal incomplete", zap.String("version", string(v)), zap.Error(err))
		return errs.Wrap(errs.KindRemovalIncomplete, err, "delete "+rec.RootPath).WithVersion(string(v))
	}

	reg.remove(v)
	if err := saveRegistry(s.Layout.RegistryFile, reg); err != nil {
		return errs.Wrap(errs.KindIO, err, "save registry").WithVersion(string(v))
	}
	s.logger().Info("sdk removed", zap.String("version", string(v)), zap.String("root", rec.RootPath))
	return nil
}

// List returns the registry contents in catalog order without taking the lock.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	reg, err := loadRegistry(s.Layout.RegistryFile)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, err, "load registry")
	}
	records := make([]Record, 0, len(reg.Entries))
	for _, rec := range reg.Entries {
		if !rec.Version.Valid() {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Version.Index() < records[j].Version.Index()
	})
	return records, nil
}

// Get returns the registry record for v without taking the lock.
func (s *Store) Get(ctx context.Context, v catalog.RuntimeVersion) (Record, bool, error) {
	if err := catalog.Check(v); err != nil {
		return Record{}, false, err
	}
	reg, err := loadRegistry(s.Layout.RegistryFile)
	if err != nil {
		return Record{}, false, errs.Wrap(errs.KindIO, err, "load registry")
	}
	rec, ok := reg.get(v)
	return rec, ok, nil
}

func (s *Store) lock(ctx context.Context) (func(), error) {
	return acquireLock(ctx, s.Layout.LockFile, s.LockWait)
}

// prepare creates the directory hierarchy, runs recovery, and loads the
// registry. Callers must hold the lock.
func (s *Store) prepare(ctx context.Context) (*Registry, error) {
	if err := s.Layout.EnsureDirs(); err != nil {
		return nil, errs.Wrap(errs.KindIO, err, "prepare data directory")
	}
	reg, err := loadRegistry(s.Layout.RegistryFile)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, err, "load registry")
	}
	if err := s.recover(ctx, reg); err != nil {
		return nil, err
	}
	return reg, nil
}

type stagedSDK struct {
	dir      string
	tree     string
	release  release.Release
	checksum string
	marker   marker
}

func (st *stagedSDK) discard() {
	if st == nil || st.dir == "" {
		return
	}
	_ = os.RemoveAll(st.dir)
}

// stage downloads and unpacks the latest release for entry into a private
// staging directory and verifies it. Nothing outside staging is touched.
func (s *Store) stage(ctx context.Context, entry catalog.Entry) (st *stagedSDK, err error) {
	v := entry.Version
	ctx, span := tracing.StartSpan(ctx, "sdk.stage", tracing.Version(string(v)))
	defer func() { tracing.End(span, err) }()

	rel, err := s.Source.Latest(ctx, v)
	if err != nil {
		if errs.KindOf(err) == "" {
			err = errs.Wrap(errs.KindDownload, err, "resolve release")
		}
		return nil, err
	}

	format, err := archiveFormatFor(rel.URL)
	if err != nil {
		return nil, errs.Wrap(errs.KindVerification, err, "inspect release").WithVersion(string(v))
	}

	dir := filepath.Join(s.Layout.StagingDir, fmt.Sprintf("%s-%s", v, newID(s.clock())))
	st = &stagedSDK{dir: dir, tree: filepath.Join(dir, "tree"), release: rel}
	defer func() {
		if err != nil {
			st.discard()
			st = nil
		}
	}()

	downloadDir := filepath.Join(dir, "download")
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return st, errs.Wrap(errs.KindIO, err, "prepare staging directory")
	}
	archive := filepath.Join(downloadDir, archiveFileName(rel.URL, format))

	s.logger().Info("downloading sdk", zap.String("version", string(v)), zap.String("url", rel.URL))
	sum, err := s.Downloader.Download(ctx, rel.URL, archive, s.Progress)
	if err != nil {
		if errs.KindOf(err) == "" {
			err = errs.Wrap(errs.KindDownload, err, "download "+rel.URL)
		}
		return st, err
	}
	if sum == "" {
		if sum, err = computeChecksum(archive); err != nil {
			return st, errs.Wrap(errs.KindIO, err, "hash archive")
		}
	}
	if rel.SHA256 != "" && !strings.EqualFold(rel.SHA256, sum) {
		return st, errs.New(errs.KindVerification, fmt.Sprintf("checksum mismatch: expected %s, got %s", strings.ToLower(rel.SHA256), sum)).WithVersion(string(v))
	}
	st.checksum = sum

	if err := extractArchive(format, archive, st.tree, entry.Layout.ExtractPrefix); err != nil {
		return st, errs.Wrap(errs.KindVerification, err, "extract archive").WithVersion(string(v))
	}
	if err := verifyLayout(st.tree, entry.Layout); err != nil {
		return st, errs.Wrap(errs.KindVerification, err, "verify layout").WithVersion(string(v))
	}

	if rel.Release != "" {
		if err := os.WriteFile(filepath.Join(st.tree, versionFileName), []byte(rel.Release), 0o644); err != nil {
			return st, errs.Wrap(errs.KindIO, err, "write version file")
		}
	}
	st.marker = marker{
		Version:     v,
		Release:     rel.Release,
		Checksum:    sum,
		SourceURL:   rel.URL,
		InstalledAt: s.clock().UTC().Format(time.RFC3339Nano),
	}
	if err := writeMarker(st.tree, st.marker); err != nil {
		return st, errs.Wrap(errs.KindIO, err, "write install marker")
	}
	// The download is no longer needed once the tree is verified.
	_ = os.RemoveAll(downloadDir)
	return st, nil
}

// promote swaps the staged tree into the SDK root and commits the registry.
// Any existing root is parked in trash until the registry save succeeds.
func (s *Store) promote(ctx context.Context, entry catalog.Entry, st *stagedSDK, reg *Registry) (Record, error) {
	v := entry.Version
	root := s.Layout.SDKRoot(entry.Layout.DirName)
	if err := os.MkdirAll(filepath.Dir(root), 0o755); err != nil {
		return Record{}, errs.Wrap(errs.KindIO, err, "prepare sdk directory")
	}

	var trash string
	exists, err := paths.DirExists(root)
	if err != nil {
		return Record{}, errs.Wrap(errs.KindIO, err, "inspect sdk root")
	}
	if exists {
		trash = filepath.Join(s.Layout.TrashDir, fmt.Sprintf("%s-%s", v, newID(s.clock())))
		if err := os.Rename(root, trash); err != nil {
			return Record{}, errs.Wrap(errs.KindIO, err, "move previous sdk aside")
		}
	}

	if err := os.Rename(st.tree, root); err != nil {
		if trash != "" {
			_ = os.Rename(trash, root)
		}
		return Record{}, errs.Wrap(errs.KindIO, err, "promote staged sdk")
	}

	rec := st.marker.record(root)
	previous, hadPrevious := reg.get(v)
	reg.put(rec)
	if err := saveRegistry(s.Layout.RegistryFile, reg); err != nil {
		if hadPrevious {
			reg.put(previous)
		} else {
			reg.remove(v)
		}
		_ = os.RemoveAll(root)
		if trash != "" {
			_ = os.Rename(trash, root)
		}
		return Record{}, errs.Wrap(errs.KindIO, err, "save registry").WithVersion(string(v))
	}

	if trash != "" {
		if err := os.RemoveAll(trash); err != nil {
			s.logger().Warn("previous sdk left in trash", zap.String("path", trash), zap.Error(err))
		}
	}
	return rec, nil
}

func (s *Store) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *Store) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

func newID(t time.Time) string {
	idMu.Lock()
	defer idMu.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(t), idEntropy).String())
}

// removeAll deletes path and reports an error when anything is left behind.
func removeAll(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return err
	}
	if _, err := os.Lstat(path); err == nil {
		return fmt.Errorf("%s still exists after removal", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
