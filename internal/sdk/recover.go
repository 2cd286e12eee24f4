package sdk

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"cargomsfs/internal/catalog"
	"cargomsfs/internal/errs"
	"cargomsfs/internal/paths"
)

// recover brings the data directory back to a state where every registry
// entry points at a complete tree. It runs under the lock before each
// mutation and saves reg when it changes anything.
func (s *Store) recover(ctx context.Context, reg *Registry) error {
	log := s.logger()
	changed := false

	if err := clearDir(s.Layout.StagingDir); err != nil {
		return errs.Wrap(errs.KindIO, err, "clear staging")
	}

	trash, err := os.ReadDir(s.Layout.TrashDir)
	if err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.KindIO, err, "read trash")
	}
	for _, item := range trash {
		dir := filepath.Join(s.Layout.TrashDir, item.Name())
		v := catalog.RuntimeVersion(strings.SplitN(item.Name(), "-", 2)[0])
		entry, lookupErr := catalog.Lookup(v)
		rec, ok := reg.get(v)
		if lookupErr != nil || !ok {
			log.Info("discarding trash", zap.String("path", dir))
			_ = os.RemoveAll(dir)
			continue
		}

		root := s.Layout.SDKRoot(entry.Layout.DirName)
		if m, err := readMarker(root); err == nil && m.matches(rec) {
			// The swap committed; the trash holds the replaced tree.
			_ = os.RemoveAll(dir)
			continue
		}
		if m, err := readMarker(dir); err == nil && m.matches(rec) {
			// The swap never committed; put the recorded tree back.
			log.Warn("restoring interrupted update", zap.String("version", string(v)), zap.String("path", dir))
			if err := os.RemoveAll(root); err != nil {
				return errs.Wrap(errs.KindIO, err, "clear uncommitted sdk root")
			}
			if err := os.Rename(dir, root); err != nil {
				return errs.Wrap(errs.KindIO, err, "restore sdk from trash")
			}
			continue
		}
		_ = os.RemoveAll(dir)
	}

	for _, entry := range catalog.Entries() {
		v := entry.Version
		root := s.Layout.SDKRoot(entry.Layout.DirName)
		exists, err := paths.DirExists(root)
		if err != nil {
			return errs.Wrap(errs.KindIO, err, "inspect sdk root")
		}
		rec, recorded := reg.get(v)

		switch {
		case recorded && !exists:
			log.Warn("dropping registry entry without sdk tree", zap.String("version", string(v)), zap.String("root", rec.RootPath))
			reg.remove(v)
			changed = true
		case !recorded && exists:
			m, markerErr := readMarker(root)
			if markerErr == nil && m.Version == v && verifyLayout(root, entry.Layout) == nil {
				log.Info("adopting orphaned sdk tree", zap.String("version", string(v)), zap.String("root", root))
				reg.put(m.record(root))
			} else {
				log.Info("deleting orphaned sdk tree", zap.String("version", string(v)), zap.String("root", root))
				if err := os.RemoveAll(root); err != nil {
					return errs.Wrap(errs.KindIO, err, "delete orphaned sdk tree")
				}
				continue
			}
			changed = true
		}
	}

	if !changed {
		return nil
	}
	if err := saveRegistry(s.Layout.RegistryFile, reg); err != nil {
		return errs.Wrap(errs.KindIO, err, "save recovered registry")
	}
	return nil
}

func clearDir(dir string) error {
	items, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, item := range items {
		if err := os.RemoveAll(filepath.Join(dir, item.Name())); err != nil {
			return err
		}
	}
	return nil
}
