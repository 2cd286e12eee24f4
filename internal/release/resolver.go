package release

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"cargomsfs/internal/catalog"
	"cargomsfs/internal/config"
	"cargomsfs/internal/errs"
	"cargomsfs/internal/logx"
)

// Getter fetches small documents such as the release manifest.
type Getter interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Resolver finds the newest published SDK release for a runtime version.
type Resolver struct {
	Getter    Getter
	CacheFile string
	Sources   map[string]config.SourceConfig
	Logger    *zap.Logger

	mu  sync.Mutex
	now func() time.Time
}

// NewResolver wires a resolver with on-disk caching at cacheFile.
func NewResolver(getter Getter, cacheFile string, sources map[string]config.SourceConfig, logger *zap.Logger) *Resolver {
	return &Resolver{
		Getter:    getter,
		CacheFile: cacheFile,
		Sources:   sources,
		Logger:    logx.OrNop(logger),
		now:       time.Now,
	}
}

// Latest returns the release to install for v. A pinned source from config
// wins over the published manifest; manifest lookups are cached for an hour.
func (r *Resolver) Latest(ctx context.Context, v catalog.RuntimeVersion) (Release, error) {
	entry, err := catalog.Lookup(v)
	if err != nil {
		return Release{}, err
	}

	if src, ok := r.pinned(v); ok {
		return Release{
			Version: v,
			Release: src.Release,
			URL:     src.URL,
			SHA256:  strings.ToLower(strings.TrimSpace(src.SHA256)),
			Pinned:  true,
		}, nil
	}

	source := entry.Source.ManifestURL()
	if cached, ok := r.cached(v, source); ok {
		return cached, nil
	}

	if r.Getter == nil {
		return Release{}, errs.New(errs.KindDownload, "no release getter configured").WithVersion(string(v))
	}
	body, err := r.Getter.Get(ctx, source)
	if err != nil {
		if errs.KindOf(err) == "" {
			err = errs.Wrap(errs.KindDownload, err, "fetch release manifest")
		}
		return Release{}, err
	}

	rel, err := parseManifest(entry, body)
	if err != nil {
		return Release{}, errs.Wrap(errs.KindDownload, err, "parse release manifest").WithVersion(string(v))
	}

	r.remember(v, source, rel)

	r.logger().Debug("resolved latest sdk release",
		zap.String("version", string(v)),
		zap.String("release", rel.Release),
		zap.String("url", rel.URL),
	)
	return rel, nil
}

func (r *Resolver) pinned(v catalog.RuntimeVersion) (config.SourceConfig, bool) {
	cfg := config.Config{Sources: r.Sources}
	return cfg.Source(string(v))
}

func (r *Resolver) cached(v catalog.RuntimeVersion, source string) (Release, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return readReleaseCache(r.CacheFile).fresh(string(v), source, r.clock())
}

// remember records rel in the on-disk cache. Concurrent lookups from the same
// process are serialized so neither overwrites the other's entry.
func (r *Resolver) remember(v catalog.RuntimeVersion, source string, rel Release) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc := readReleaseCache(r.CacheFile)
	rc.Entries[string(v)] = cachedRelease{Release: rel, Source: source, FetchedAt: r.clock()}
	if err := writeReleaseCache(r.CacheFile, rc); err != nil {
		r.logger().Warn("release cache not saved", zap.String("path", r.CacheFile), zap.Error(err))
	}
}

func (r *Resolver) clock() time.Time {
	if r.now == nil {
		return time.Now()
	}
	return r.now()
}

func (r *Resolver) logger() *zap.Logger {
	return logx.OrNop(r.Logger)
}

func parseManifest(entry catalog.Entry, body []byte) (Release, error) {
	var manifest sdkManifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return Release{}, fmt.Errorf("decode manifest: %w", err)
	}
	if len(manifest.GameVersions) == 0 {
		return Release{}, fmt.Errorf("manifest lists no game versions")
	}
	latest := manifest.GameVersions[0]

	option, ok := latest.DownloadsMenu[entry.Source.InstallerKey]
	if !ok || option.Value == nil || strings.TrimSpace(*option.Value) == "" {
		return Release{}, fmt.Errorf("manifest has no %q download", entry.Source.InstallerKey)
	}
	if len(latest.ReleaseNotes) == 0 {
		return Release{}, fmt.Errorf("manifest lists no releases")
	}

	number := latest.ReleaseNotes[len(latest.ReleaseNotes)-1]
	if entry.Source.Order == catalog.ReleaseFirst {
		number = latest.ReleaseNotes[0]
	}

	downloadURL, err := resolveURL(entry.Source.BaseURL, *option.Value)
	if err != nil {
		return Release{}, err
	}

	return Release{
		Version: entry.Version,
		Release: strings.TrimSpace(number),
		URL:     downloadURL,
	}, nil
}

func resolveURL(base, ref string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	refURL, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("parse download url: %w", err)
	}
	return baseURL.ResolveReference(refURL).String(), nil
}
