package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/loykin/launchr"
	storefactory "github.com/loykin/launchr/internal/store/factory"
)

var errLockedElsewhere = errors.New("another launchr instance holds the store lock")

// instanceLock keeps two launchr processes from sweeping the same store.
type instanceLock struct {
	l *flock.Flock
}

// lockPath is <db>.lock for sqlite stores and .launchr.lock next to the
// config file otherwise. Empty means no lock is taken.
func lockPath(cfg *launchr.Config) string {
	if p := storefactory.SQLitePath(cfg.Store.DSN); p != "" {
		if !filepath.IsAbs(p) {
			if abs, err := filepath.Abs(p); err == nil {
				p = abs
			}
		}
		return p + ".lock"
	}
	if cfg.File != "" {
		return filepath.Join(filepath.Dir(cfg.File), ".launchr.lock")
	}
	return ""
}

func acquireLock(ctx context.Context, cfg *launchr.Config) (*instanceLock, error) {
	path := lockPath(cfg)
	if path == "" {
		return &instanceLock{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("lock dir: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	l := flock.New(path)
	locked, err := l.TryLockContext(ctx, 25*time.Millisecond)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", errLockedElsewhere, path)
	}
	return &instanceLock{l: l}, nil
}

func (i *instanceLock) Release() {
	if i == nil || i.l == nil {
		return
	}
	_ = i.l.Unlock()
}
