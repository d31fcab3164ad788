package hosting

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/fazt-sh/fazt/internal/store"
	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/google/uuid"
	gitignore "github.com/sabhiram/go-gitignore"
)

// SourceInfo describes where a deployment's files came from.
type SourceInfo struct {
	Type string // "deploy" or "git"
	URL  string // git remote, empty for "deploy"
	Ref  string // git ref, empty for "deploy"
}

// DeployResult reports the outcome of a deploy.
type DeployResult struct {
	SiteID    string
	FileCount int
	SizeBytes int64
}

// Deployer ingests archives or git refs into the VFS and records the
// resulting app/alias/deployment rows.
type Deployer struct {
	db      *store.DB
	vfs     *VFS
	manager *Manager
	aliases *AliasResolver
}

// NewDeployer creates a Deployer.
func NewDeployer(db *store.DB, vfs *VFS, manager *Manager, aliases *AliasResolver) *Deployer {
	return &Deployer{db: db, vfs: vfs, manager: manager, aliases: aliases}
}

// DeploySiteWithSource ingests a zip archive into siteID: a clean redeploy
// that deletes the site's prior file set before writing the new one, then
// ensures the app row and its default alias exist.
func (d *Deployer) DeploySiteWithSource(zr *zip.Reader, siteID string, src *SourceInfo) (*DeployResult, error) {
	if err := ValidateSubdomain(siteID); err != nil {
		return nil, err
	}

	ignore := loadIgnore(zr)

	entries := make(map[string][]byte)
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name, err := normalizeArchivePath(f.Name)
		if err != nil {
			return nil, err
		}
		if name == ".faztignore" || ignore.MatchesPath(name) {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open archive entry %s: %w", f.Name, err)
		}
		content, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read archive entry %s: %w", f.Name, err)
		}
		entries[name] = content
	}

	return d.commit(siteID, src, entries)
}

// DeploySiteFromGit clones ref from url (shallow, in-memory) and deploys
// its working tree, populating source_ref/source_commit provenance.
func (d *Deployer) DeploySiteFromGit(siteID, url, ref string) (*DeployResult, error) {
	if err := ValidateSubdomain(siteID); err != nil {
		return nil, err
	}

	wt := memfs.New()
	cloneOpts := &git.CloneOptions{
		URL:           url,
		Depth:         1,
		SingleBranch:  true,
		ReferenceName: plumbing.NewBranchReferenceName(ref),
	}
	repo, err := git.Clone(memory.NewStorage(), wt, cloneOpts)
	if err != nil {
		return nil, fmt.Errorf("clone %s@%s: %w", url, ref, err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD for %s@%s: %w", url, ref, err)
	}
	commit := head.Hash().String()

	entries := make(map[string][]byte)
	if err := walkBillyFS(wt, "/", ".git", entries); err != nil {
		return nil, fmt.Errorf("walk clone of %s@%s: %w", url, ref, err)
	}

	src := &SourceInfo{Type: "git", URL: url, Ref: ref}
	result, err := d.commit(siteID, src, entries)
	if err != nil {
		return nil, err
	}

	if app, getErr := d.manager.GetApp(siteID); getErr == nil {
		app.SourceCommit = commit
		_ = d.manager.UpsertApp(app)
	}

	return result, nil
}

func (d *Deployer) commit(siteID string, src *SourceInfo, entries map[string][]byte) (*DeployResult, error) {
	if err := d.vfs.DeleteSite(siteID); err != nil {
		return nil, fmt.Errorf("clear previous deployment: %w", err)
	}

	var size int64
	for name, content := range entries {
		mimeType := mime.TypeByExtension(path.Ext(name))
		if err := d.vfs.WriteFile(siteID, name, content, mimeType); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
		size += int64(len(content))
	}

	app := &App{
		ID:     siteID,
		Source: src.Type,
		SourceURL: src.URL,
		SourceRef: src.Ref,
	}
	if existing, err := d.manager.GetApp(siteID); err == nil {
		app.Title = existing.Title
		app.SPA = existing.SPA
		app.CreatedAt = existing.CreatedAt
	}
	if err := d.manager.UpsertApp(app); err != nil {
		return nil, fmt.Errorf("upsert app: %w", err)
	}

	if _, err := d.aliases.Get(siteID); err != nil {
		targets, _ := marshalTargets([]string{siteID})
		if err := d.aliases.Upsert(&Alias{
			Subdomain: siteID,
			Type:      AliasApp,
			Targets:   targets,
		}); err != nil {
			return nil, fmt.Errorf("create default alias: %w", err)
		}
	}

	deploymentID := "fazt_dep_" + uuid.NewString()
	_, err := d.db.Exec(`
		INSERT INTO deployments (id, site_id, source, file_count, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, deploymentID, siteID, src.Type, len(entries), size, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("record deployment: %w", err)
	}

	return &DeployResult{SiteID: siteID, FileCount: len(entries), SizeBytes: size}, nil
}

// normalizeArchivePath strips a leading slash and rejects empty paths and
// paths that escape the archive root with "..".
func normalizeArchivePath(name string) (string, error) {
	clean := path.Clean(strings.TrimPrefix(name, "/"))
	if clean == "." || clean == "" {
		return "", fmt.Errorf("archive entry %q: empty path", name)
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("archive entry %q: path traversal rejected", name)
	}
	return clean, nil
}

func loadIgnore(zr *zip.Reader) *gitignore.GitIgnore {
	for _, f := range zr.File {
		if f.Name != ".faztignore" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return gitignore.CompileIgnoreLines()
		}
		content, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return gitignore.CompileIgnoreLines()
		}
		return gitignore.CompileIgnoreLines(strings.Split(string(content), "\n")...)
	}
	return gitignore.CompileIgnoreLines()
}

func marshalTargets(ids []string) ([]byte, error) {
	return json.Marshal(ids)
}

// walkBillyFS recursively reads every file under dir in a billy filesystem
// into entries, skipping the named excludeDir (e.g. ".git") at any depth.
func walkBillyFS(bfs billy.Filesystem, dir, excludeDir string, entries map[string][]byte) error {
	infos, err := bfs.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, info := range infos {
		name := info.Name()
		if name == excludeDir {
			continue
		}
		full := path.Join(dir, name)
		if info.IsDir() {
			if err := walkBillyFS(bfs, full, excludeDir, entries); err != nil {
				return err
			}
			continue
		}
		f, err := bfs.Open(full)
		if err != nil {
			return err
		}
		content, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return err
		}
		entries[strings.TrimPrefix(full, "/")] = content
	}
	return nil
}
