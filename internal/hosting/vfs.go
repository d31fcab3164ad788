/*
Package hosting implements the content-addressed virtual file system,
subdomain alias resolution, static asset serving, and the deploy pipeline
that populates sites from uploaded archives or git refs.

Files are stored per site_id in the shared store.DB "files" table, keyed
by (site_id, path). A bounded read-through cache sits in front of SQLite;
every write invalidates the cache synchronously before returning, so a
reader that observes a write's return is never served stale content.
*/
package hosting

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/fazt-sh/fazt/internal/store"
)

// File is a single stored asset.
type File struct {
	SiteID    string
	Path      string
	Content   []byte
	SizeBytes int64
	MimeType  string
	Hash      string
	UpdatedAt time.Time
}

// cacheCapacity bounds the read-through cache. On overflow the whole cache
// is cleared rather than evicting individual entries — a coarse policy
// that keeps the cache's bookkeeping to a single map and one mutex.
const cacheCapacity = 1000

type cacheKey struct {
	siteID string
	path   string
}

// VFS is the content-addressed file store for all sites.
type VFS struct {
	db *store.DB

	mu    sync.RWMutex
	cache map[cacheKey]*File
}

// NewVFS creates a VFS backed by db.
func NewVFS(db *store.DB) *VFS {
	return &VFS{
		db:    db,
		cache: make(map[cacheKey]*File),
	}
}

// WriteFile stores content at path under siteID, invalidating any cached
// entry before returning so a caller that sees this return can never then
// observe stale content through ReadFile.
func (v *VFS) WriteFile(siteID, path string, content []byte, mimeType string) error {
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	now := time.Now().UTC()

	_, err := v.db.Exec(`
		INSERT INTO files (site_id, path, content, size_bytes, mime_type, hash, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (site_id, path) DO UPDATE SET
			content = excluded.content,
			size_bytes = excluded.size_bytes,
			mime_type = excluded.mime_type,
			hash = excluded.hash,
			updated_at = excluded.updated_at
	`, siteID, path, content, len(content), mimeType, hash, now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write file %s/%s: %w", siteID, path, err)
	}

	v.invalidate(siteID, path)
	return nil
}

// ReadFile returns the file at path under siteID, or (nil, false) if absent.
func (v *VFS) ReadFile(siteID, path string) (*File, bool) {
	key := cacheKey{siteID, path}

	v.mu.RLock()
	if f, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return f, true
	}
	v.mu.RUnlock()

	var f File
	var updatedAt string
	row := v.db.QueryRow(`
		SELECT site_id, path, content, size_bytes, mime_type, hash, updated_at
		FROM files WHERE site_id = ? AND path = ?
	`, siteID, path)
	if err := row.Scan(&f.SiteID, &f.Path, &f.Content, &f.SizeBytes, &f.MimeType, &f.Hash, &updatedAt); err != nil {
		return nil, false
	}
	f.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	v.store(key, &f)
	return &f, true
}

// Exists reports whether a file exists at path under siteID without
// fetching its content.
func (v *VFS) Exists(siteID, path string) bool {
	key := cacheKey{siteID, path}
	v.mu.RLock()
	if _, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return true
	}
	v.mu.RUnlock()

	var one int
	err := v.db.QueryRow(`SELECT 1 FROM files WHERE site_id = ? AND path = ?`, siteID, path).Scan(&one)
	return err == nil
}

// DeleteSite removes every file belonging to siteID, invalidating the
// cache for the whole site.
func (v *VFS) DeleteSite(siteID string) error {
	if _, err := v.db.Exec(`DELETE FROM files WHERE site_id = ?`, siteID); err != nil {
		return fmt.Errorf("delete site %s: %w", siteID, err)
	}

	v.mu.Lock()
	for key := range v.cache {
		if key.siteID == siteID {
			delete(v.cache, key)
		}
	}
	v.mu.Unlock()
	return nil
}

// ListPaths returns every stored path for siteID.
func (v *VFS) ListPaths(siteID string) ([]string, error) {
	rows, err := v.db.Query(`SELECT path FROM files WHERE site_id = ? ORDER BY path`, siteID)
	if err != nil {
		return nil, fmt.Errorf("list paths for %s: %w", siteID, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// InvalidateSite clears every cached entry for siteID without touching the
// store, for callers that delete a site's rows through their own
// transaction (e.g. the WriteQueue) and must invalidate the cache only
// after that transaction commits.
func (v *VFS) InvalidateSite(siteID string) {
	v.mu.Lock()
	for key := range v.cache {
		if key.siteID == siteID {
			delete(v.cache, key)
		}
	}
	v.mu.Unlock()
}

func (v *VFS) invalidate(siteID, path string) {
	v.mu.Lock()
	delete(v.cache, cacheKey{siteID, path})
	v.mu.Unlock()
}

func (v *VFS) store(key cacheKey, f *File) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.cache) >= cacheCapacity {
		v.cache = make(map[cacheKey]*File)
	}
	v.cache[key] = f
}
