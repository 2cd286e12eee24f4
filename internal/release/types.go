package release

import "cargomsfs/internal/catalog"

// Release describes one downloadable SDK build.
type Release struct {
	Version catalog.RuntimeVersion `json:"version"`
	Release string                 `json:"release"`
	URL     string                 `json:"url"`
	SHA256  string                 `json:"sha256,omitempty"`
	Pinned  bool                   `json:"pinned,omitempty"`
}

// ProgressFunc receives byte counts while a download is running. total is -1
// when the server did not announce a length.
type ProgressFunc func(downloaded, total int64)

type downloadsMenuOption struct {
	Value *string `json:"value"`
}

type gameVersion struct {
	DownloadsMenu map[string]downloadsMenuOption `json:"downloads_menu"`
	ReleaseNotes  []string                       `json:"release_notes"`
}

// sdkManifest mirrors the published sdk.json.
type sdkManifest struct {
	GameVersions []gameVersion `json:"game_versions"`
}
