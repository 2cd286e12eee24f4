package sdk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cargomsfs/internal/errs"
)

const lockPollInterval = 100 * time.Millisecond

// acquireLock takes the exclusive advisory lock on path. When the lock is
// held elsewhere it polls until wait elapses, then fails with LockContention.
func acquireLock(ctx context.Context, path string, wait time.Duration) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Wrap(errs.KindIO, err, "prepare lock directory")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, err, "open lock file")
	}

	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		ok, err := tryLockFile(f)
		if err != nil {
			f.Close()
			return nil, errs.Wrap(errs.KindIO, err, "acquire registry lock")
		}
		if ok {
			_ = f.Truncate(0)
			_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
			return func() {
				_ = unlockFile(f)
				_ = f.Close()
			}, nil
		}
		if wait <= 0 || time.Now().After(deadline) {
			f.Close()
			return nil, errs.New(errs.KindLockContention, fmt.Sprintf("registry lock %s is held by another process", path))
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, errs.Wrap(errs.KindLockContention, ctx.Err(), "wait for registry lock")
		case <-ticker.C:
		}
	}
}
