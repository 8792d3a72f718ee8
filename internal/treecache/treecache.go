// Package treecache serializes and deserializes a filetree.FileTree to a
// per-image cache file under $HOME/.ext4rescue, so a re-run against the
// same image and rescue log can skip the full scan pass.
package treecache

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/epi/ext4rescue/internal/filetree"
)

// Version is the current cache format version. Readers reject any other
// value.
const Version = 10004

// ErrNoCache is returned by Load when no cache file exists for the given
// image, distinguishing "nothing to load" from a read failure.
var ErrNoCache = errors.New("treecache: no cache file")

// ErrMismatch is returned by Load when the cache file names a different
// image or rescue log path than the one being opened.
var ErrMismatch = errors.New("treecache: cache does not match image or rescue log path")

// Identity names the inputs a cache entry is keyed and validated against.
type Identity struct {
	ImagePath    string
	ImageMtime   time.Time
	DdrescuePath string // empty if no rescue log was used
	DdrescueMtime time.Time
}

// Path derives the cache file path for id: $HOME/.ext4rescue/<hash>.cache,
// hash = SHA1(imageAbsPath "!" imageMtimeISO ["!" ddrescueAbsPath "!"
// ddrescueMtimeISO]).
func Path(id Identity) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("treecache: %w", err)
	}
	imgAbs, err := filepath.Abs(id.ImagePath)
	if err != nil {
		return "", fmt.Errorf("treecache: %w", err)
	}

	h := sha1.New()
	fmt.Fprintf(h, "%s!%s", imgAbs, id.ImageMtime.UTC().Format(time.RFC3339Nano))
	if id.DdrescuePath != "" {
		ddAbs, err := filepath.Abs(id.DdrescuePath)
		if err != nil {
			return "", fmt.Errorf("treecache: %w", err)
		}
		fmt.Fprintf(h, "!%s!%s", ddAbs, id.DdrescueMtime.UTC().Format(time.RFC3339Nano))
	}

	name := fmt.Sprintf("%x.cache", h.Sum(nil))
	return filepath.Join(home, ".ext4rescue", name), nil
}

// Load reads and decodes the cache file for id, returning ErrNoCache if
// none exists, ErrMismatch if it names different source paths, or a
// wrapped parse/read error otherwise — all of which the caller treats as
// non-fatal and falls back to a full scan on.
func Load(id Identity, log *logrus.Logger) (*filetree.FileTree, error) {
	path, err := Path(id)
	if err != nil {
		return nil, err
	}

	fl := flock.New(path + ".lock")
	locked, err := fl.TryLock()
	if err == nil && locked {
		defer fl.Unlock()
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCache
		}
		return nil, fmt.Errorf("treecache: %w", err)
	}
	defer f.Close()

	tree, err := decode(f, id)
	if err != nil {
		log.WithError(err).WithField("path", path).Warn("treecache: cache unreadable, falling back to full scan")
		return nil, err
	}
	tree.FinalizeStatus()
	return tree, nil
}

// Save atomically writes tree to the cache file for id: encode to a temp
// file in the same directory, then rename over the destination, using a
// uuid-suffixed temp name to avoid collisions between concurrent writers.
func Save(id Identity, tree *filetree.FileTree, log *logrus.Logger) error {
	path, err := Path(id)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("treecache: %w", err)
	}

	fl := flock.New(path + ".lock")
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("treecache: acquire lock: %w", err)
	}
	defer fl.Unlock()

	tmp := filepath.Join(dir, fmt.Sprintf(".%s.tmp", uuid.New().String()))
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("treecache: %w", err)
	}

	if err := encode(f, id, tree); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("treecache: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("treecache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("treecache: %w", err)
	}

	log.WithField("path", path).Info("treecache: saved")
	return nil
}
