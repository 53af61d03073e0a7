// Package cache is a content-addressed store for fetched artifacts.
//
// Layout under the root:
//
//	blobs/<algorithm>/<hex>   artifact content, named by digest
//	index/<group>/<name>/<version>/<file>.json   key -> digest
//	tmp/                      in-flight writes, swept on Open
//
// A blob is renamed into place before its index entry is written, and both
// renames are atomic, so an interrupted write leaves at most an orphan temp
// file or an unreferenced blob. Neither is visible through Lookup.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/moby/sys/atomicwriter"
	"github.com/opencontainers/go-digest"

	"pluginstager/internal/apperrors"
)

const (
	blobsDir = "blobs"
	indexDir = "index"
	tmpDir   = "tmp"
)

// Key identifies a cache entry.
type Key struct {
	Group     string
	Name      string
	Version   string
	Extension string
}

func (k Key) String() string { return k.Group + ":" + k.Name + ":" + k.Version + "@" + k.Extension }

func (k Key) indexPath() string {
	return filepath.Join(k.Group, k.Name, k.Version, k.Name+"-"+k.Version+"."+k.Extension+".json")
}

// Entry is a committed cache entry.
type Entry struct {
	Key      Key           `json:"-"`
	Digest   digest.Digest `json:"digest"`
	Size     int64         `json:"size"`
	StoredAt time.Time     `json:"storedAt"`
	Path     string        `json:"-"` // blob path on disk
}

// Cache is a content-addressed artifact store. It is safe for concurrent use
// by one process; distinct keys never share temp files.
type Cache struct {
	root   string
	logger *slog.Logger
}

// Open creates the cache directories under root and removes temp files left
// behind by interrupted runs.
func Open(root string) (*Cache, error) {
	for _, dir := range []string{blobsDir, indexDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, apperrors.Internal("cache.open", err)
		}
	}

	c := &Cache{root: root, logger: slog.With("component", "cache")}
	if err := c.sweepTemp(); err != nil {
		return nil, err
	}
	return c, nil
}

// Root returns the cache root directory.
func (c *Cache) Root() string { return c.root }

func (c *Cache) sweepTemp() error {
	entries, err := os.ReadDir(filepath.Join(c.root, tmpDir))
	if err != nil {
		return apperrors.Internal("cache.sweep", err)
	}
	for _, e := range entries {
		path := filepath.Join(c.root, tmpDir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			return apperrors.Internal("cache.sweep", err)
		}
		c.logger.Info("Removed interrupted cache write", "path", path)
	}
	return nil
}

func (c *Cache) blobPath(d digest.Digest) string {
	return filepath.Join(c.root, blobsDir, string(d.Algorithm()), d.Encoded())
}

// Lookup returns the entry for key when its blob is present and still hashes
// to the recorded digest. A damaged entry is dropped and reported as a miss.
func (c *Cache) Lookup(key Key) (*Entry, bool, error) {
	indexFile := filepath.Join(c.root, indexDir, key.indexPath())
	data, err := os.ReadFile(indexFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, apperrors.Internal("cache.lookup", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil || entry.Digest.Validate() != nil {
		c.logger.Warn("Dropping unreadable cache index entry", "key", key.String())
		_ = os.Remove(indexFile)
		return nil, false, nil
	}
	entry.Key = key
	entry.Path = c.blobPath(entry.Digest)

	ok, err := verifyBlob(entry.Path, entry.Digest, entry.Size)
	if err != nil {
		return nil, false, apperrors.Internal("cache.lookup", err)
	}
	if !ok {
		c.logger.Warn("Dropping corrupt cache entry", "key", key.String(), "digest", entry.Digest)
		_ = os.Remove(indexFile)
		_ = os.Remove(entry.Path)
		return nil, false, nil
	}
	return &entry, true, nil
}

func verifyBlob(path string, want digest.Digest, size int64) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	verifier := want.Verifier()
	n, err := io.Copy(verifier, f)
	if err != nil {
		return false, err
	}
	return n == size && verifier.Verified(), nil
}

// Put streams r into the cache under key. When expected is set the content
// must hash to it, otherwise nothing is committed and an ErrChecksum error is
// returned. Read errors from r leave the cache unchanged.
func (c *Cache) Put(key Key, r io.Reader, expected digest.Digest) (*Entry, error) {
	alg := digest.Canonical
	if expected != "" {
		if err := expected.Validate(); err != nil {
			return nil, apperrors.Terminal("cache.put", err)
		}
		alg = expected.Algorithm()
	}

	tmp, err := os.CreateTemp(filepath.Join(c.root, tmpDir), "blob-*")
	if err != nil {
		return nil, apperrors.Internal("cache.put", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	digester := alg.Digester()
	size, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), r)
	if err != nil {
		return nil, fmt.Errorf("cache.put %s: %w", key, err)
	}
	got := digester.Digest()
	if expected != "" && got != expected {
		return nil, apperrors.Checksum(key.String(), expected.String(), got.String())
	}
	if err := tmp.Sync(); err != nil {
		return nil, apperrors.Internal("cache.put", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, apperrors.Internal("cache.put", err)
	}

	blob := c.blobPath(got)
	if err := os.MkdirAll(filepath.Dir(blob), 0o755); err != nil {
		return nil, apperrors.Internal("cache.put", err)
	}
	if err := os.Rename(tmpName, blob); err != nil {
		return nil, apperrors.Internal("cache.put", err)
	}
	committed = true

	entry := &Entry{Key: key, Digest: got, Size: size, StoredAt: time.Now().UTC(), Path: blob}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return nil, apperrors.Internal("cache.put", err)
	}
	indexFile := filepath.Join(c.root, indexDir, key.indexPath())
	if err := os.MkdirAll(filepath.Dir(indexFile), 0o755); err != nil {
		return nil, apperrors.Internal("cache.put", err)
	}
	if err := atomicwriter.WriteFile(indexFile, data, 0o644); err != nil {
		return nil, apperrors.Internal("cache.put", err)
	}

	c.logger.Debug("Stored artifact", "key", key.String(), "digest", got, "bytes", size)
	return entry, nil
}

// Prune removes index entries for which keep returns false, then deletes
// blobs that no remaining entry references. It returns the removed keys.
func (c *Cache) Prune(keep func(Key) bool) ([]Key, error) {
	indexRoot := filepath.Join(c.root, indexDir)
	referenced := make(map[string]bool)
	var removed []Key

	err := filepath.WalkDir(indexRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		key, ok := keyFromIndexPath(indexRoot, path)
		if !ok {
			return nil
		}

		if !keep(key) {
			if err := os.Remove(path); err != nil {
				return err
			}
			removed = append(removed, key)
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var entry Entry
		if json.Unmarshal(data, &entry) == nil && entry.Digest.Validate() == nil {
			referenced[c.blobPath(entry.Digest)] = true
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Internal("cache.prune", err)
	}

	blobRoot := filepath.Join(c.root, blobsDir)
	err = filepath.WalkDir(blobRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || referenced[path] {
			return nil
		}
		return os.Remove(path)
	})
	if err != nil {
		return nil, apperrors.Internal("cache.prune", err)
	}

	removeEmptyDirs(indexRoot)
	c.logger.Info("Pruned cache", "removed", len(removed))
	return removed, nil
}

// keyFromIndexPath reverses Key.indexPath.
func keyFromIndexPath(root, path string) (Key, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return Key{}, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 4 {
		return Key{}, false
	}
	group, name, version, file := parts[0], parts[1], parts[2], parts[3]
	prefix := name + "-" + version + "."
	if !strings.HasPrefix(file, prefix) {
		return Key{}, false
	}
	ext := strings.TrimSuffix(strings.TrimPrefix(file, prefix), ".json")
	return Key{Group: group, Name: name, Version: version, Extension: ext}, true
}

// removeEmptyDirs deletes empty directories below root, deepest first.
func removeEmptyDirs(root string) {
	var dirs []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Remove(dirs[i]) // fails on non-empty dirs
	}
}
