package sdk

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cargomsfs/internal/catalog"
)

// missingPaths lists the catalog-required paths absent from root.
func missingPaths(root string, layout catalog.Layout) []string {
	var missing []string
	for _, rel := range layout.Required {
		if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel))); err != nil {
			missing = append(missing, rel)
		}
	}
	return missing
}

func verifyLayout(root string, layout catalog.Layout) error {
	if missing := missingPaths(root, layout); len(missing) > 0 {
		return fmt.Errorf("sdk tree is missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func readMarker(root string) (marker, error) {
	var m marker
	data, err := os.ReadFile(filepath.Join(root, markerFileName))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse install marker: %w", err)
	}
	return m, nil
}

func writeMarker(root string, m marker) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal install marker: %w", err)
	}
	return os.WriteFile(filepath.Join(root, markerFileName), data, 0o644)
}

// complete reports whether rec points at an intact tree that carries the
// marker written when rec was committed.
func complete(rec Record, layout catalog.Layout) bool {
	if verifyLayout(rec.RootPath, layout) != nil {
		return false
	}
	m, err := readMarker(rec.RootPath)
	if err != nil {
		return false
	}
	return m.matches(rec)
}

func computeChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// TreeDigest hashes every regular file under root, keyed by its slash
// separated relative path, into one SHA-256 digest. The install marker is
// excluded so the digest depends only on SDK content.
func TreeDigest(root string) (string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == markerFileName {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk sdk tree: %w", err)
	}
	sort.Strings(files)

	hasher := sha256.New()
	for _, rel := range files {
		f, err := os.Open(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return "", fmt.Errorf("open %s: %w", rel, err)
		}
		_, _ = io.WriteString(hasher, rel)
		_, _ = hasher.Write([]byte{0})
		_, err = io.Copy(hasher, f)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("hash %s: %w", rel, err)
		}
		_, _ = hasher.Write([]byte{0})
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
