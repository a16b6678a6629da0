// Package claim implements the at-most-one-capture-per-identity protocol on top of the filesystem.
//
// A claim is a zero-byte marker <dir>/<identity>.lock. It is created with O_CREATE|O_EXCL, so the
// existence check and the create are one atomic step and the guarantee holds across processes sharing
// the directory. Markers carry no TTL: a marker that survives an unclean shutdown is removed by the
// startup sweep, never by age.
package claim

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/onnwee/streamfarm/telemetry"
)

const (
	markerExt        = ".lock"
	instanceLockName = ".instance"
)

// ErrInvalidIdentity is returned for identities that cannot be used as a marker file name.
var ErrInvalidIdentity = errors.New("claim: invalid identity")

// Store is a directory of claim markers.
type Store struct {
	dir      string
	instance *flock.Flock
}

// Info describes a held claim.
type Info struct {
	Identity string
	Since    time.Time
}

// Open ensures dir exists and returns a Store over it.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir claims dir: %w", err)
	}
	return &Store{dir: dir, instance: flock.New(filepath.Join(dir, instanceLockName))}, nil
}

// Dir returns the claims directory.
func (s *Store) Dir() string { return s.dir }

// ValidIdentity reports whether identity can name a marker.
func ValidIdentity(identity string) bool {
	if identity == "" || strings.HasPrefix(identity, ".") {
		return false
	}
	return !strings.ContainsAny(identity, "/\\\x00")
}

func (s *Store) path(identity string) (string, error) {
	if !ValidIdentity(identity) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentity, identity)
	}
	return filepath.Join(s.dir, identity+markerExt), nil
}

// TryClaim creates the marker for identity. It returns true iff no marker existed and this call created it.
func (s *Store) TryClaim(identity string) (bool, error) {
	p, err := s.path(identity)
	if err != nil {
		return false, err
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			telemetry.Inc(telemetry.ClaimsContended)
			return false, nil
		}
		return false, fmt.Errorf("create claim %s: %w", identity, err)
	}
	if err := f.Close(); err != nil {
		slog.Warn("claim marker close failed", slog.String("identity", identity), slog.Any("err", err), slog.String("component", "claim"))
	}
	telemetry.Inc(telemetry.ClaimsAcquired)
	return true, nil
}

// Release removes the marker for identity. A missing marker is not an error.
func (s *Store) Release(identity string) error {
	p, err := s.path(identity)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("release claim %s: %w", identity, err)
	}
	telemetry.Inc(telemetry.ClaimsReleased)
	return nil
}

// Held reports whether a marker currently exists for identity. It is advisory only; TryClaim is the
// authoritative check.
func (s *Store) Held(identity string) bool {
	p, err := s.path(identity)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// List returns the held claims sorted by identity.
func (s *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read claims dir: %w", err)
	}
	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, markerExt) {
			continue
		}
		info := Info{Identity: strings.TrimSuffix(name, markerExt)}
		if fi, err := e.Info(); err == nil {
			info.Since = fi.ModTime()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

// Sweep unconditionally removes every marker in the directory and returns how many were removed.
func (s *Store) Sweep() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read claims dir: %w", err)
	}
	var removed int
	var errs []error
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != markerExt {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
		telemetry.Inc(telemetry.ClaimsSwept)
	}
	return removed, errors.Join(errs...)
}

// Acquire registers this process as a user of the claims directory. When no other live process holds
// the instance lock, stale markers from a previous run are swept first. The process then keeps a shared
// lock until Close so that a second process started later skips its sweep instead of deleting live claims.
func (s *Store) Acquire(ctx context.Context) (swept int, err error) {
	logger := slog.Default().With(slog.String("component", "claim"), slog.String("dir", s.dir))
	exclusive, err := s.instance.TryLock()
	if err != nil {
		return 0, fmt.Errorf("instance lock: %w", err)
	}
	if exclusive {
		swept, err = s.Sweep()
		if uerr := s.instance.Unlock(); uerr != nil && err == nil {
			err = fmt.Errorf("instance unlock: %w", uerr)
		}
		if err != nil {
			return swept, fmt.Errorf("sweep claims: %w", err)
		}
		logger.Info("startup sweep complete", slog.Int("removed", swept))
	} else {
		logger.Warn("claims directory shared with a running process; skipping startup sweep")
	}
	ok, err := s.instance.TryRLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return swept, fmt.Errorf("instance shared lock: %w", err)
	}
	if !ok {
		return swept, fmt.Errorf("instance shared lock not acquired")
	}
	return swept, nil
}

// Close drops the instance lock. Markers are left in place.
func (s *Store) Close() error {
	return s.instance.Unlock()
}
