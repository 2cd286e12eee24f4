package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// EnvDataDir overrides the data directory for every command.
const EnvDataDir = "CARGO_MSFS_DATA_DIR"

// Layout captures canonical locations under the data directory.
type Layout struct {
	Root             string
	ConfigFile       string
	RegistryFile     string
	LockFile         string
	SDKsDir          string
	StagingDir       string
	TrashDir         string
	DownloadsDir     string
	BuildsDir        string
	LogsDir          string
	ReleaseCacheFile string
}

// Resolve determines the data directory. Precedence: the explicit flag value,
// the CARGO_MSFS_DATA_DIR environment variable, then the per-user default.
func Resolve(dataDirFlag string) (Layout, error) {
	var (
		root string
		err  error
	)

	switch {
	case strings.TrimSpace(dataDirFlag) != "":
		root, err = filepath.Abs(dataDirFlag)
	case strings.TrimSpace(os.Getenv(EnvDataDir)) != "":
		root, err = filepath.Abs(os.Getenv(EnvDataDir))
		if err != nil {
			err = fmt.Errorf("resolve %s: %w", EnvDataDir, err)
		}
	default:
		root, err = defaultRoot()
	}
	if err != nil {
		return Layout{}, fmt.Errorf("resolve data dir: %w", err)
	}

	return New(root), nil
}

// New builds the layout rooted at root.
func New(root string) Layout {
	return Layout{
		Root:             root,
		ConfigFile:       filepath.Join(root, "config.yaml"),
		RegistryFile:     filepath.Join(root, "registry.json"),
		LockFile:         filepath.Join(root, "registry.lock"),
		SDKsDir:          filepath.Join(root, "sdks"),
		StagingDir:       filepath.Join(root, "staging"),
		TrashDir:         filepath.Join(root, "trash"),
		DownloadsDir:     filepath.Join(root, "downloads"),
		BuildsDir:        filepath.Join(root, "builds"),
		LogsDir:          filepath.Join(root, "logs"),
		ReleaseCacheFile: filepath.Join(root, "release_cache.json"),
	}
}

// WithRoot re-roots the layout when config names a different data dir.
func (l Layout) WithRoot(root string) Layout {
	if strings.TrimSpace(root) == "" {
		return l
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return l
	}
	return New(abs)
}

// SDKRoot is the installed location of the SDK stored under dirName.
func (l Layout) SDKRoot(dirName string) string {
	return filepath.Join(l.SDKsDir, dirName)
}

// EnsureDirs creates the directory hierarchy used by mutating commands.
func (l Layout) EnsureDirs() error {
	dirs := []string{l.Root, l.SDKsDir, l.StagingDir, l.TrashDir, l.DownloadsDir, l.BuildsDir, l.LogsDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

func defaultRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("detect user home: %w", err)
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "cargo-msfs"), nil
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return filepath.Join(localAppData, "cargo-msfs"), nil
		}
		return filepath.Join(home, "AppData", "Local", "cargo-msfs"), nil
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "cargo-msfs"), nil
		}
		return filepath.Join(home, ".local", "share", "cargo-msfs"), nil
	}
}

// FileExists reports whether a path exists and is a regular file.
func FileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// DirExists reports whether a path exists and is a directory.
func DirExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}
