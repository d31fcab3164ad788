package hosting

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fazt-sh/fazt/internal/store"
	"github.com/google/uuid"
)

// reservedSubdomains can never be claimed by a deployed app.
var reservedSubdomains = map[string]struct{}{
	"www": {}, "api": {}, "admin": {}, "mail": {}, "ftp": {},
	"smtp": {}, "pop": {}, "imap": {}, "ns1": {}, "ns2": {}, "localhost": {},
}

var subdomainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// System site ids, seeded from the embedded bundle and served by
// StaticHandler when a subdomain has no alias, resolves to a reserved
// alias, or falls through to a not-found response.
const (
	SystemRootSite     = "root"
	SystemNotFoundSite = "404"
)

// ValidateSubdomain checks that subdomain is a legal, unreserved DNS label.
func ValidateSubdomain(subdomain string) error {
	s := strings.ToLower(subdomain)
	if len(s) == 0 || len(s) > 63 {
		return fmt.Errorf("subdomain must be 1-63 characters, got %d", len(s))
	}
	if !subdomainPattern.MatchString(s) {
		return fmt.Errorf("subdomain %q contains invalid characters", subdomain)
	}
	if _, reserved := reservedSubdomains[s]; reserved {
		return fmt.Errorf("subdomain %q is reserved", subdomain)
	}
	return nil
}

// App is a deployed application.
type App struct {
	ID           string
	Title        string
	Source       string // "deploy" or "git"
	SourceURL    string
	SourceRef    string
	SourceCommit string
	SPA          bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Manager provides app/site bookkeeping on top of the VFS.
type Manager struct {
	db  *store.DB
	vfs *VFS
}

// NewManager creates an app Manager.
func NewManager(db *store.DB, vfs *VFS) *Manager {
	return &Manager{db: db, vfs: vfs}
}

// NewAppID generates an opaque app id with the fazt_app_ prefix, matching
// the real system's id convention.
func NewAppID() string {
	return "fazt_app_" + uuid.NewString()
}

// EnsureSystemSites seeds the "root" and "404" reserved sites from the
// embedded system asset bundle, if they don't already exist.
func (m *Manager) EnsureSystemSites() error {
	for _, site := range []string{SystemRootSite, SystemNotFoundSite} {
		if m.SiteExists(site) {
			continue
		}
		if err := m.seedSystemSite(site); err != nil {
			return fmt.Errorf("seed system site %q: %w", site, err)
		}
	}
	return nil
}

// SiteExists reports whether siteID has a deployed index.html or main.js.
func (m *Manager) SiteExists(siteID string) bool {
	return m.vfs.Exists(siteID, "index.html") || m.vfs.Exists(siteID, "main.js")
}

// GetApp fetches an app by id.
func (m *Manager) GetApp(appID string) (*App, error) {
	var a App
	var createdAt, updatedAt string
	row := m.db.QueryRow(`
		SELECT id, title, source, source_url, source_ref, source_commit, spa, created_at, updated_at
		FROM apps WHERE id = ?
	`, appID)
	if err := row.Scan(&a.ID, &a.Title, &a.Source, &a.SourceURL, &a.SourceRef, &a.SourceCommit, &a.SPA, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("app %q: not found", appID)
		}
		return nil, err
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &a, nil
}

// ListApps returns every app row, newest first.
func (m *Manager) ListApps() ([]App, error) {
	rows, err := m.db.Query(`
		SELECT id, title, source, source_url, source_ref, source_commit, spa, created_at, updated_at
		FROM apps ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []App
	for rows.Next() {
		var a App
		var createdAt, updatedAt string
		if err := rows.Scan(&a.ID, &a.Title, &a.Source, &a.SourceURL, &a.SourceRef, &a.SourceCommit, &a.SPA, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertApp creates or updates an app row.
func (m *Manager) UpsertApp(a *App) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := m.db.Exec(`
		INSERT INTO apps (id, title, source, source_url, source_ref, source_commit, spa, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			source = excluded.source,
			source_url = excluded.source_url,
			source_ref = excluded.source_ref,
			source_commit = excluded.source_commit,
			spa = excluded.spa,
			updated_at = excluded.updated_at
	`, a.ID, a.Title, a.Source, a.SourceURL, a.SourceRef, a.SourceCommit, a.SPA,
		a.CreatedAt.Format(time.RFC3339Nano), now)
	return err
}

// SetAppSPA toggles SPA fallback for appID (also used as site_id).
func (m *Manager) SetAppSPA(appID string, spa bool) error {
	_, err := m.db.Exec(`UPDATE apps SET spa = ?, updated_at = ? WHERE id = ?`,
		spa, time.Now().UTC().Format(time.RFC3339Nano), appID)
	return err
}

// DeleteApp removes an app's row and all its files.
func (m *Manager) DeleteApp(appID string) error {
	if err := m.vfs.DeleteSite(appID); err != nil {
		return err
	}
	_, err := m.db.Exec(`DELETE FROM apps WHERE id = ?`, appID)
	return err
}
