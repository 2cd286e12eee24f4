// Package info reports the installation state of every supported runtime
// version. Reports are read-only and never take the registry lock.
package info

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cargomsfs/internal/catalog"
	"cargomsfs/internal/errs"
	"cargomsfs/internal/release"
	"cargomsfs/internal/sdk"
)

// Records lists installed SDKs.
type Records interface {
	List(ctx context.Context) ([]sdk.Record, error)
}

// Releases looks up the latest published release.
type Releases interface {
	Latest(ctx context.Context, v catalog.RuntimeVersion) (release.Release, error)
}

// Entry is the report line for one runtime version.
type Entry struct {
	Version         catalog.RuntimeVersion `json:"version"`
	Name            string                 `json:"name"`
	Installed       bool                   `json:"installed"`
	RootPath        string                 `json:"root_path,omitempty"`
	Release         string                 `json:"release,omitempty"`
	Checksum        string                 `json:"checksum,omitempty"`
	InstalledAt     string                 `json:"installed_at,omitempty"`
	Latest          string                 `json:"latest,omitempty"`
	UpdateAvailable bool                   `json:"update_available,omitempty"`
	Digest          string                 `json:"digest,omitempty"`
	Note            string                 `json:"note,omitempty"`
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithLatest fills Entry.Latest from releases. Lookup failures are reported
// in Entry.Note rather than failing the report.
func WithLatest(releases Releases) Option {
	return func(r *Reporter) { r.releases = releases }
}

// WithDigests computes a content digest of every installed tree.
func WithDigests() Option {
	return func(r *Reporter) { r.digests = true }
}

// WithProgress calls fn after each lookup or digest finishes. fn may be
// called from several goroutines.
func WithProgress(fn func(done, total int)) Option {
	return func(r *Reporter) { r.progress = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Reporter) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Reporter builds installation reports.
type Reporter struct {
	records  Records
	releases Releases
	digests  bool
	progress func(done, total int)
	logger   *zap.Logger
}

// NewReporter returns a reporter over records.
func NewReporter(records Records, opts ...Option) *Reporter {
	r := &Reporter{records: records, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Report returns one entry per catalog version, in catalog order.
func (r *Reporter) Report(ctx context.Context) ([]Entry, error) {
	return r.report(ctx, catalog.All())
}

// Version returns the entry for a single runtime version.
func (r *Reporter) Version(ctx context.Context, v catalog.RuntimeVersion) (Entry, error) {
	if err := catalog.Check(v); err != nil {
		return Entry{}, err
	}
	entries, err := r.report(ctx, []catalog.RuntimeVersion{v})
	if err != nil {
		return Entry{}, err
	}
	return entries[0], nil
}

func (r *Reporter) report(ctx context.Context, versions []catalog.RuntimeVersion) ([]Entry, error) {
	records, err := r.records.List(ctx)
	if err != nil {
		return nil, err
	}
	byVersion := make(map[catalog.RuntimeVersion]sdk.Record, len(records))
	for _, rec := range records {
		byVersion[rec.Version] = rec
	}

	entries := make([]Entry, len(versions))
	for i, v := range versions {
		entry := Entry{Version: v, Name: v.DisplayName()}
		if rec, ok := byVersion[v]; ok {
			entry.Installed = true
			entry.RootPath = rec.RootPath
			entry.Release = rec.Release
			entry.Checksum = rec.Checksum
			entry.InstalledAt = rec.InstalledAt
		}
		entries[i] = entry
	}

	if r.releases == nil && !r.digests {
		return entries, nil
	}

	var tasks []func(context.Context) error
	for i := range entries {
		entry := &entries[i]
		if r.releases != nil {
			tasks = append(tasks, func(ctx context.Context) error {
				r.fillLatest(ctx, entry)
				return nil
			})
		}
		if r.digests && entry.Installed {
			tasks = append(tasks, func(context.Context) error {
				digest, err := sdk.TreeDigest(entry.RootPath)
				if err != nil {
					return errs.IOf(err, "digest "+entry.RootPath)
				}
				entry.Digest = digest
				return nil
			})
		}
	}

	var done atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		g.Go(func() error {
			err := task(gctx)
			if r.progress != nil {
				r.progress(int(done.Add(1)), len(tasks))
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

// fillLatest writes only Latest, UpdateAvailable and Note, so it can run
// alongside the digest goroutine for the same entry.
func (r *Reporter) fillLatest(ctx context.Context, entry *Entry) {
	rel, err := r.releases.Latest(ctx, entry.Version)
	if err != nil {
		r.logger.Warn("latest release lookup failed", zap.String("version", string(entry.Version)), zap.Error(err))
		entry.Note = "latest release unavailable: " + err.Error()
		return
	}
	entry.Latest = rel.Release
	entry.UpdateAvailable = entry.Installed && rel.Release != "" && rel.Release != entry.Release
}
