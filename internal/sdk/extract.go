package sdk

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cargomsfs/internal/cab"
	"cargomsfs/internal/msi"
)

type archiveFormat string

const (
	formatZip   archiveFormat = "zip"
	formatTarGz archiveFormat = "tar.gz"
	formatMSI   archiveFormat = "msi"
)

// archiveFormatFor infers the archive format from the download URL.
func archiveFormatFor(rawURL string) (archiveFormat, error) {
	name := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		name = u.Path
	}
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".msi"):
		return formatMSI, nil
	case strings.HasSuffix(lower, ".zip"):
		return formatZip, nil
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return formatTarGz, nil
	default:
		return "", fmt.Errorf("unsupported archive format for %s (expected .msi, .zip or .tar.gz)", path.Base(name))
	}
}

func archiveFileName(rawURL string, format archiveFormat) string {
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			return base
		}
	}
	return "sdk." + string(format)
}

// extractArchive unpacks archivePath into dest. When any entry lives under
// prefix, only those entries are kept and the prefix is stripped. For
// installers the entries are the install paths from the File table.
func extractArchive(format archiveFormat, archivePath, dest, prefix string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("prepare extract dir: %w", err)
	}
	switch format {
	case formatZip:
		return extractZip(archivePath, dest, prefix)
	case formatTarGz:
		return extractTarGz(archivePath, dest, prefix)
	case formatMSI:
		return extractMSI(archivePath, dest, prefix)
	default:
		return fmt.Errorf("unsupported archive format %q", format)
	}
}

func extractZip(archivePath, dest, prefix string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer reader.Close()

	if installer := findInstaller(reader.File); installer != nil {
		return extractZippedInstaller(reader, installer, filepath.Dir(archivePath), dest, prefix)
	}

	names := make([]string, 0, len(reader.File))
	for _, file := range reader.File {
		names = append(names, file.Name)
	}
	strip := selectPrefix(names, prefix)

	for _, file := range reader.File {
		rel, ok := entryPath(file.Name, strip)
		if !ok {
			continue
		}
		target, err := safeJoin(dest, rel)
		if err != nil {
			return err
		}
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", target, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("prepare file %s: %w", target, err)
		}
		rc, err := file.Open()
		if err != nil {
			return fmt.Errorf("open zip entry %s: %w", file.Name, err)
		}
		err = writeEntry(target, rc, file.Mode())
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func extractMSI(archivePath, dest, prefix string) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open installer: %w", err)
	}
	defer file.Close()

	pkg, err := msi.Open(file)
	if err != nil {
		return fmt.Errorf("open installer: %w", err)
	}
	tree, err := newInstallerTree(pkg, dest, prefix)
	if err != nil {
		return err
	}
	n, err := tree.extractEmbedded(pkg)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("installer carries no cabinets")
	}
	return nil
}

// findInstaller returns the .msi entry of a zipped installer, if any.
func findInstaller(files []*zip.File) *zip.File {
	for _, f := range files {
		if strings.EqualFold(path.Ext(f.Name), ".msi") && !f.FileInfo().IsDir() {
			return f
		}
	}
	return nil
}

// extractZippedInstaller handles releases shipped as a zip holding an MSI
// plus the external cabinets it references. The MSI needs random access, so
// it is spilled to a temporary file in scratch first.
func extractZippedInstaller(reader *zip.ReadCloser, installer *zip.File, scratch, dest, prefix string) error {
	rc, err := installer.Open()
	if err != nil {
		return fmt.Errorf("open zip entry %s: %w", installer.Name, err)
	}
	tmp, err := os.CreateTemp(scratch, "installer-*.msi")
	if err != nil {
		rc.Close()
		return fmt.Errorf("spill installer: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()
	_, err = io.Copy(tmp, rc)
	rc.Close()
	if err != nil {
		return fmt.Errorf("spill installer: %w", err)
	}

	pkg, err := msi.Open(tmp)
	if err != nil {
		return fmt.Errorf("open installer %s: %w", installer.Name, err)
	}
	tree, err := newInstallerTree(pkg, dest, prefix)
	if err != nil {
		return err
	}
	n, err := tree.extractEmbedded(pkg)
	if err != nil {
		return err
	}

	for _, f := range reader.File {
		if !strings.EqualFold(path.Ext(f.Name), ".cab") || f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open zip entry %s: %w", f.Name, err)
		}
		err = tree.extractCabinet(rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("cabinet %s: %w", f.Name, err)
		}
		n++
	}
	if n == 0 {
		return fmt.Errorf("installer %s has no embedded or external cabinets", installer.Name)
	}
	return nil
}

// installerTree places cabinet members at the install paths an MSI assigns
// to them. Members are named by their File table key.
type installerTree struct {
	dest  string
	strip string
	paths map[string]string
}

func newInstallerTree(pkg *msi.Package, dest, prefix string) (*installerTree, error) {
	files, err := pkg.Files()
	if err != nil {
		return nil, fmt.Errorf("read installer tables: %w", err)
	}
	paths := make(map[string]string, len(files))
	names := make([]string, 0, len(files))
	for _, f := range files {
		paths[f.Key] = f.Path
		names = append(names, f.Path)
	}
	return &installerTree{dest: dest, strip: selectPrefix(names, prefix), paths: paths}, nil
}

// extractEmbedded unpacks every cabinet stored inside the package and
// returns how many there were.
func (t *installerTree) extractEmbedded(pkg *msi.Package) (int, error) {
	names, err := pkg.Cabinets()
	if err != nil {
		return 0, err
	}
	for _, name := range names {
		stream, err := pkg.Stream(name)
		if err != nil {
			return 0, err
		}
		if err := t.extractCabinet(stream); err != nil {
			return 0, fmt.Errorf("cabinet %s: %w", name, err)
		}
	}
	return len(names), nil
}

func (t *installerTree) extractCabinet(r io.Reader) error {
	cabinet, err := cab.NewReader(r)
	if err != nil {
		return err
	}
	return cabinet.Walk(func(f cab.File, data io.Reader) error {
		install, ok := t.paths[f.Name]
		if !ok {
			return fmt.Errorf("member %s is not in the installer's File table", f.Name)
		}
		rel, ok := entryPath(install, t.strip)
		if !ok {
			return nil
		}
		target, err := safeJoin(t.dest, rel)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("prepare file %s: %w", target, err)
		}
		return writeEntry(target, data, 0o644)
	})
}

func extractTarGz(archivePath, dest, prefix string) error {
	names, err := tarNames(archivePath)
	if err != nil {
		return err
	}
	strip := selectPrefix(names, prefix)

	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("gzip reader: %w", err)
	}
	defer gz.Close()

	return untarStream(gz, dest, strip)
}

func tarNames(archivePath string) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gz.Close()

	var names []string
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return names, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read tar header: %w", err)
		}
		names = append(names, header.Name)
	}
}

func untarStream(r io.Reader, dest, strip string) error {
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}
		rel, ok := entryPath(header.Name, strip)
		if !ok {
			continue
		}
		target, err := safeJoin(dest, rel)
		if err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("prepare file %s: %w", target, err)
			}
			if err := writeEntry(target, tr, os.FileMode(header.Mode)); err != nil {
				return err
			}
		default:
			// Links and devices are never part of an SDK tree.
		}
	}
	return nil
}

func writeEntry(target string, r io.Reader, mode os.FileMode) error {
	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o200)
	if err != nil {
		return fmt.Errorf("create file %s: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("write file %s: %w", target, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close file %s: %w", target, err)
	}
	return nil
}

// selectPrefix returns prefix when at least one entry lives under it, and ""
// otherwise so archives already rooted at the SDK tree extract as-is.
func selectPrefix(names []string, prefix string) string {
	if prefix == "" {
		return ""
	}
	for _, name := range names {
		if strings.HasPrefix(normalizeEntry(name), prefix) {
			return prefix
		}
	}
	return ""
}

func entryPath(name, strip string) (string, bool) {
	name = normalizeEntry(name)
	if strip != "" {
		if !strings.HasPrefix(name, strip) {
			return "", false
		}
		name = strings.TrimPrefix(name, strip)
	}
	name = strings.TrimPrefix(name, "/")
	if name == "" || name == "." {
		return "", false
	}
	return name, true
}

func normalizeEntry(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	return strings.TrimPrefix(name, "./")
}

func safeJoin(dest, rel string) (string, error) {
	for _, part := range strings.Split(rel, "/") {
		if part == ".." {
			return "", fmt.Errorf("archive entry %q escapes the extraction root", rel)
		}
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+rel), "/")
	if cleaned == "" {
		return dest, nil
	}
	return filepath.Join(dest, filepath.FromSlash(cleaned)), nil
}
