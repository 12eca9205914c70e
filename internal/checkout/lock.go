// Package checkout serializes operations that mutate a repository's checkout.
//
// Integration and workspace creation change branches, worktrees and the root
// checkout. Two wpflow processes doing so at once would corrupt each other's
// work, so every mutating entry point runs while holding an exclusive flock(2)
// on a file inside the shared git directory. The held lock travels in the
// context, and mutating operations refuse to run without it.
package checkout

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Iron-Ham/wpflow/internal/errors"
)

// LockFileName is the lock file created inside the git common directory.
const LockFileName = "wpflow-checkout.lock"

const pollInterval = 100 * time.Millisecond

// Lock is an exclusive cross-process lock for one repository.
type Lock struct {
	path string
	file *os.File
}

// New creates a Lock for the repository whose shared git directory is
// gitCommonDir. The lock is not acquired.
func New(gitCommonDir string) *Lock {
	return &Lock{path: filepath.Join(gitCommonDir, LockFileName)}
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Held reports whether this Lock currently holds the flock.
func (l *Lock) Held() bool {
	return l.file != nil
}

// TryAcquire takes the lock without blocking. It returns an error wrapping
// errors.ErrCheckoutLocked when another process holds it.
func (l *Lock) TryAcquire() error {
	if l.file != nil {
		return nil
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if err == syscall.EWOULDBLOCK {
			return fmt.Errorf("%w: %s", errors.ErrCheckoutLocked, l.path)
		}
		return fmt.Errorf("flock: %w", err)
	}
	l.file = f
	return nil
}

// Acquire takes the lock, waiting until it is free or ctx is done.
func (l *Lock) Acquire(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		err := l.TryAcquire()
		if err == nil || !errors.Is(err, errors.ErrCheckoutLocked) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", errors.ErrCheckoutLocked, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Release drops the lock. Releasing an unheld lock is a no-op.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = l.file.Close()
		l.file = nil
		return fmt.Errorf("funlock: %w", err)
	}
	err := l.file.Close()
	l.file = nil
	return err
}

type ctxKey struct{}

// WithLock returns a context carrying l.
func WithLock(ctx context.Context, l *Lock) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the lock carried by ctx, if any.
func FromContext(ctx context.Context) (*Lock, bool) {
	l, ok := ctx.Value(ctxKey{}).(*Lock)
	return l, ok && l != nil
}

// Require returns nil when ctx carries a held lock for the repository whose
// git common directory is gitCommonDir.
func Require(ctx context.Context, gitCommonDir string) error {
	l, ok := FromContext(ctx)
	if !ok || !l.Held() {
		return fmt.Errorf("%w: checkout lock not held", errors.ErrCheckoutLocked)
	}
	if want := filepath.Join(gitCommonDir, LockFileName); filepath.Clean(l.path) != filepath.Clean(want) {
		return fmt.Errorf("%w: lock %s does not cover %s", errors.ErrCheckoutLocked, l.path, gitCommonDir)
	}
	return nil
}

// Hold acquires the lock for gitCommonDir and returns a context carrying it
// together with a release function.
func Hold(ctx context.Context, gitCommonDir string) (context.Context, func(), error) {
	l := New(gitCommonDir)
	if err := l.Acquire(ctx); err != nil {
		return ctx, func() {}, err
	}
	return WithLock(ctx, l), func() { _ = l.Release() }, nil
}
